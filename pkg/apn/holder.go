package apn

import (
	"sync"
	"time"

	"github.com/markus-lassfolk/celldata/pkg"
)

// NoMachine is the machine id of a holder with no bound state machine
const NoMachine = -1

// Holder tracks one APN role for a slot: who wants it up, which candidate
// profiles may serve it, its lifecycle state and the state machine bound to it.
//
// Everything except the requester set is owned by the slot event loop. The
// requester set is read from query paths off the loop and is guarded by mu.
type Holder struct {
	role     string
	id       int
	priority int

	state      pkg.ApnState
	retry      *RetryPolicy
	currentApn *Item
	machine    int

	mu              sync.RWMutex
	requests        []pkg.NetRequest
	dataCallEnabled bool
	capability      pkg.NetCapability
}

// NewHolder creates an idle holder for role
func NewHolder(role string, priority int) *Holder {
	return &Holder{
		role:     role,
		id:       FindApnIDByApnName(role),
		priority: priority,
		state:    pkg.ApnStateIdle,
		retry:    NewRetryPolicy(),
		machine:  NoMachine,
	}
}

// Role returns the APN role served by the holder
func (h *Holder) Role() string { return h.role }

// ID returns the numeric role id
func (h *Holder) ID() int { return h.id }

// Priority returns the connection priority
func (h *Holder) Priority() int { return h.priority }

// IsEmergency reports whether the holder serves emergency calls
func (h *Holder) IsEmergency() bool { return h.role == RoleEmergency }

// State returns the lifecycle state
func (h *Holder) State() pkg.ApnState { return h.state }

// SetApnState changes the lifecycle state. Entering Failed drops the
// candidate list so the next cycle starts from a fresh match.
func (h *Holder) SetApnState(state pkg.ApnState) {
	h.state = state
	if state == pkg.ApnStateFailed {
		h.retry.ClearMatchedApns()
	}
}

// IsDataCallEnabled reports whether at least one requester wants the connection
func (h *Holder) IsDataCallEnabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dataCallEnabled
}

// IsDataCallConnectable reports whether an establish attempt makes sense now
func (h *Holder) IsDataCallConnectable() bool {
	if !h.IsDataCallEnabled() {
		return false
	}
	switch h.state {
	case pkg.ApnStateIdle, pkg.ApnStateRetrying, pkg.ApnStateFailed:
		return true
	}
	return false
}

// Capability returns the capability of the most recent request
func (h *Holder) Capability() pkg.NetCapability {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.capability == 0 {
		return FindCapabilityByApnID(h.id)
	}
	return h.capability
}

// RequestCellularData adds a requester. It returns false for a duplicate.
func (h *Holder) RequestCellularData(req pkg.NetRequest) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.requests {
		if r == req {
			return false
		}
	}
	h.requests = append(h.requests, req)
	h.capability = req.Capability
	h.dataCallEnabled = true
	return true
}

// ReleaseCellularData removes a requester. It returns true exactly when the
// removal emptied the requester set.
func (h *Holder) ReleaseCellularData(req pkg.NetRequest) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, r := range h.requests {
		if r != req {
			continue
		}
		h.requests = append(h.requests[:i], h.requests[i+1:]...)
		if len(h.requests) == 0 {
			h.dataCallEnabled = false
			return true
		}
		return false
	}
	return false
}

// ReleaseAllCellularData drops every requester
func (h *Holder) ReleaseAllCellularData() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = nil
	h.dataCallEnabled = false
}

// Requests returns a copy of the requester set
func (h *Holder) Requests() []pkg.NetRequest {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]pkg.NetRequest(nil), h.requests...)
}

// SetAllMatchedApns installs the candidate profiles for the next attempts
func (h *Holder) SetAllMatchedApns(items []*Item) {
	h.retry.SetMatchedApns(items)
}

// MatchedApns returns the candidate profiles
func (h *Holder) MatchedApns() []*Item {
	return h.retry.MatchedApns()
}

// GetNextRetryApn returns the profile for the next attempt or nil when exhausted
func (h *Holder) GetNextRetryApn() *Item {
	return h.retry.GetNextRetryApnItem()
}

// GetRetryDelay returns the back-off before the next attempt. ok is false
// when the policy says to stop retrying.
func (h *Holder) GetRetryDelay(cause pkg.PdpCause, suggested time.Duration, scene RetryScene) (time.Duration, bool) {
	return h.retry.GetNextRetryDelay(cause, suggested, scene)
}

// InitialApnRetryCount resets the back-off after a successful connection
func (h *Holder) InitialApnRetryCount() {
	h.retry.InitialRetryCount()
}

// RetryPolicy exposes the policy so the delay function can be configured
func (h *Holder) RetryPolicy() *RetryPolicy {
	return h.retry
}

// SetApnBadState sets the bad flag of every candidate
func (h *Holder) SetApnBadState(bad bool) {
	for _, item := range h.retry.MatchedApns() {
		item.MarkBadApn(bad)
	}
}

// CurrentApn returns the profile used by the current or last attempt
func (h *Holder) CurrentApn() *Item { return h.currentApn }

// SetCurrentApn records the profile used by the current attempt
func (h *Holder) SetCurrentApn(item *Item) { h.currentApn = item }

// MachineID returns the bound state machine id or NoMachine
func (h *Holder) MachineID() int { return h.machine }

// HasMachine reports whether a state machine is bound
func (h *Holder) HasMachine() bool { return h.machine != NoMachine }

// BindMachine binds a state machine id
func (h *Holder) BindMachine(id int) { h.machine = id }

// UnbindMachine forgets the bound state machine
func (h *Holder) UnbindMachine() { h.machine = NoMachine }

// ReleaseDataConnection unbinds the state machine and returns the holder to
// Idle. The returned id, if not NoMachine, must be told to disconnect.
func (h *Holder) ReleaseDataConnection() int {
	id := h.machine
	if id == NoMachine {
		return NoMachine
	}
	h.machine = NoMachine
	h.state = pkg.ApnStateIdle
	return id
}
