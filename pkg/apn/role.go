package apn

import "github.com/markus-lassfolk/celldata/pkg"

// Role names used in APN type lists
const (
	RoleAll       = "*"
	RoleDefault   = "default"
	RoleMMS       = "mms"
	RoleSUPL      = "supl"
	RoleDUN       = "dun"
	RoleIMS       = "ims"
	RoleIA        = "ia"
	RoleEmergency = "emergency"
	RoleXCAP      = "xcap"
)

// Role ids. The name/id mapping is a fixed bijection.
const (
	RoleIDInvalid   = -1
	RoleIDAll       = 0
	RoleIDDefault   = 1
	RoleIDMMS       = 2
	RoleIDSUPL      = 3
	RoleIDDUN       = 4
	RoleIDIMS       = 5
	RoleIDIA        = 6
	RoleIDEmergency = 7
	RoleIDXCAP      = 8
)

// Priorities used to order connection attempts; higher is tried first
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

var roleIDs = map[string]int{
	RoleAll:       RoleIDAll,
	RoleDefault:   RoleIDDefault,
	RoleMMS:       RoleIDMMS,
	RoleSUPL:      RoleIDSUPL,
	RoleDUN:       RoleIDDUN,
	RoleIMS:       RoleIDIMS,
	RoleIA:        RoleIDIA,
	RoleEmergency: RoleIDEmergency,
	RoleXCAP:      RoleIDXCAP,
}

var roleNames = func() map[int]string {
	m := make(map[int]string, len(roleIDs))
	for name, id := range roleIDs {
		m[id] = name
	}
	return m
}()

var capabilityRoles = []struct {
	cap pkg.NetCapability
	id  int
}{
	{pkg.NetCapInternet, RoleIDDefault},
	{pkg.NetCapMMS, RoleIDMMS},
	{pkg.NetCapSUPL, RoleIDSUPL},
	{pkg.NetCapDUN, RoleIDDUN},
	{pkg.NetCapIMS, RoleIDIMS},
	{pkg.NetCapIA, RoleIDIA},
	{pkg.NetCapEIMS, RoleIDEmergency},
	{pkg.NetCapXCAP, RoleIDXCAP},
}

// holderRoles lists every role that gets an ApnHolder, with its priority
var holderRoles = []struct {
	name     string
	priority int
}{
	{RoleDefault, PriorityLow},
	{RoleMMS, PriorityNormal},
	{RoleSUPL, PriorityNormal},
	{RoleDUN, PriorityNormal},
	{RoleIMS, PriorityNormal},
	{RoleIA, PriorityHigh},
	{RoleEmergency, PriorityLow},
	{RoleXCAP, PriorityNormal},
}

// FindApnIDByApnName returns the id of a role name or RoleIDInvalid
func FindApnIDByApnName(name string) int {
	if id, ok := roleIDs[name]; ok {
		return id
	}
	return RoleIDInvalid
}

// FindApnNameByApnID returns the role name of an id or "" when unknown
func FindApnNameByApnID(id int) string {
	return roleNames[id]
}

// FindApnIDByCapability maps a single requested capability onto a role id.
// Capability masks that match no role yield RoleIDInvalid.
func FindApnIDByCapability(c pkg.NetCapability) int {
	for _, cr := range capabilityRoles {
		if c == cr.cap {
			return cr.id
		}
	}
	return RoleIDInvalid
}

// FindCapabilityByApnID is the inverse of FindApnIDByCapability
func FindCapabilityByApnID(id int) pkg.NetCapability {
	for _, cr := range capabilityRoles {
		if cr.id == id {
			return cr.cap
		}
	}
	return 0
}

// bestCapabilityOrder ranks capabilities when a request carries several
var bestCapabilityOrder = []pkg.NetCapability{
	pkg.NetCapEIMS,
	pkg.NetCapIA,
	pkg.NetCapXCAP,
	pkg.NetCapIMS,
	pkg.NetCapDUN,
	pkg.NetCapSUPL,
	pkg.NetCapMMS,
	pkg.NetCapInternet,
}

// FindBestCapability picks the capability to serve from a request mask.
// Specialised capabilities win over internet.
func FindBestCapability(mask pkg.NetCapability) pkg.NetCapability {
	for _, c := range bestCapabilityOrder {
		if mask&c != 0 {
			return c
		}
	}
	return 0
}
