package apn

import (
	"strings"
	"sync/atomic"

	"github.com/markus-lassfolk/celldata/pkg"
)

// PDP protocols
const (
	ProtocolIPv4   = "IP"
	ProtocolIPv6   = "IPV6"
	ProtocolIPv4v6 = "IPV4V6"
)

// Authentication types
const (
	AuthNone    = -1
	AuthPAP     = 1
	AuthCHAP    = 2
	AuthPAPCHAP = 3
)

// InvalidProfileID marks an unset profile id
const InvalidProfileID = -1

const (
	defaultMcc     = "460"
	defaultMnc     = "02"
	defaultApnName = "cmnet"
	defaultMmsApn  = "cmwap"
)

// Config describes one APN profile. It is not modified once built.
type Config struct {
	ProfileID       int             `json:"profile_id"`
	ProfileName     string          `json:"profile_name"`
	Apn             string          `json:"apn"`
	Types           []string        `json:"types"`
	Mcc             string          `json:"mcc"`
	Mnc             string          `json:"mnc"`
	AuthType        int             `json:"auth_type"`
	User            string          `json:"user,omitempty"`
	Password        string          `json:"-"`
	Protocol        string          `json:"protocol"`
	RoamingProtocol string          `json:"roaming_protocol"`
	Proxy           string          `json:"proxy,omitempty"`
	MmsProxy        string          `json:"mms_proxy,omitempty"`
	IsRoamingApn    bool            `json:"is_roaming_apn"`
	IsUserEdited    bool            `json:"is_user_edited"`
	Bearers         []pkg.RadioTech `json:"bearers,omitempty"`
}

// Item is an APN profile shared between the manager pool and the holders.
// Only the bad flag changes after construction.
type Item struct {
	Config
	bad atomic.Bool
}

// NewItem builds an item from a profile, normalizing the type list
func NewItem(cfg Config) *Item {
	types := make([]string, 0, len(cfg.Types))
	for _, t := range cfg.Types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			types = append(types, t)
		}
	}
	cfg.Types = types
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolIPv4v6
	}
	if cfg.RoamingProtocol == "" {
		cfg.RoamingProtocol = cfg.Protocol
	}
	return &Item{Config: cfg}
}

// MakeDefaultApn returns the built-in profile for a comma separated type list
func MakeDefaultApn(types string) *Item {
	cfg := Config{
		ProfileID:       0,
		ProfileName:     strings.ToUpper(defaultApnName),
		Apn:             defaultApnName,
		Types:           SplitTypes(types),
		Mcc:             defaultMcc,
		Mnc:             defaultMnc,
		AuthType:        AuthNone,
		Protocol:        ProtocolIPv4v6,
		RoamingProtocol: ProtocolIPv4v6,
	}
	switch {
	case types == RoleMMS:
		cfg.ProfileID = 1
		cfg.Apn = defaultMmsApn
		cfg.ProfileName = strings.ToUpper(defaultMmsApn)
	case types == RoleEmergency:
		cfg.ProfileID = 2
		cfg.Apn = "sos"
		cfg.ProfileName = "SOS"
	}
	return NewItem(cfg)
}

// SplitTypes splits a comma separated APN type list
func SplitTypes(types string) []string {
	if strings.TrimSpace(types) == "" {
		return nil
	}
	parts := strings.Split(types, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TypesString joins the type list back into its stored form
func (i *Item) TypesString() string {
	return strings.Join(i.Types, ",")
}

// Numeric returns mcc+mnc
func (i *Item) Numeric() string {
	return i.Mcc + i.Mnc
}

// CanDealWithType reports whether the profile can serve role. The wildcard
// type serves every role except initial attach.
func (i *Item) CanDealWithType(role string) bool {
	for _, t := range i.Types {
		if t == role {
			return true
		}
		if role != RoleIA && t == RoleAll {
			return true
		}
	}
	return false
}

// SupportsRadioTech reports whether the profile may be used on tech.
// An empty bearer list allows every technology.
func (i *Item) SupportsRadioTech(tech pkg.RadioTech) bool {
	if len(i.Bearers) == 0 || tech == pkg.RadioTechUnknown {
		return true
	}
	for _, b := range i.Bearers {
		if b == tech {
			return true
		}
	}
	return false
}

// ProtocolFor returns the PDP protocol to use for the current roaming state
func (i *Item) ProtocolFor(roaming bool) string {
	if roaming {
		return i.RoamingProtocol
	}
	return i.Protocol
}

// MarkBadApn sets or clears the bad flag
func (i *Item) MarkBadApn(bad bool) {
	i.bad.Store(bad)
}

// IsBadApn reports whether the profile was rejected permanently
func (i *Item) IsBadApn() bool {
	return i.bad.Load()
}

// IsSimilar reports whether two profiles would bring up the same data call
func (i *Item) IsSimilar(o *Item) bool {
	if o == nil {
		return false
	}
	return strings.EqualFold(i.Apn, o.Apn) &&
		i.Mcc == o.Mcc && i.Mnc == o.Mnc &&
		i.AuthType == o.AuthType &&
		i.User == o.User && i.Password == o.Password &&
		i.Proxy == o.Proxy && i.MmsProxy == o.MmsProxy &&
		protocolCompatible(i.Protocol, o.Protocol) &&
		protocolCompatible(i.RoamingProtocol, o.RoamingProtocol)
}

func protocolCompatible(a, b string) bool {
	return a == b || a == ProtocolIPv4v6 || b == ProtocolIPv4v6
}

// Merge combines a similar profile into a new item keeping the wider protocol
func Merge(keep, drop *Item) *Item {
	cfg := keep.Config
	seen := make(map[string]bool, len(cfg.Types))
	types := make([]string, 0, len(cfg.Types)+len(drop.Types))
	for _, t := range append(append([]string{}, keep.Types...), drop.Types...) {
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	cfg.Types = types
	if cfg.Protocol != ProtocolIPv4v6 {
		cfg.Protocol = drop.Protocol
	}
	if cfg.RoamingProtocol != ProtocolIPv4v6 {
		cfg.RoamingProtocol = drop.RoamingProtocol
	}
	return NewItem(cfg)
}
