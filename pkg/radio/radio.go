// Package radio is the boundary to the modem. PDP context requests are
// asynchronous: every request carries a connect id and its completion is
// delivered through a callback that may run on any goroutine.
package radio

import (
	"context"
	"errors"
	"time"

	"github.com/markus-lassfolk/celldata/pkg"
)

// ErrNotConnected is returned when the modem backend is not reachable
var ErrNotConnected = errors.New("radio interface not connected")

// RequestError is the error class of a failed radio request
type RequestError int

const (
	RequestOK RequestError = iota
	RequestGenericFailure
	RequestSendFailure
	RequestNullPoint
	RequestInvalidResponse
	RequestNoCarrier
	RequestIPCFailure
)

func (e RequestError) String() string {
	switch e {
	case RequestOK:
		return "ok"
	case RequestGenericFailure:
		return "generic_failure"
	case RequestSendFailure:
		return "send_failure"
	case RequestNullPoint:
		return "null_point"
	case RequestInvalidResponse:
		return "invalid_response"
	case RequestNoCarrier:
		return "no_carrier"
	case RequestIPCFailure:
		return "ipc_failure"
	default:
		return "unknown"
	}
}

// Retryable reports whether the request may succeed when sent again
func (e RequestError) Retryable() bool {
	switch e {
	case RequestGenericFailure, RequestSendFailure, RequestNullPoint:
		return true
	}
	return false
}

// Profile is the APN profile sent with an activation
type Profile struct {
	ProfileID       int    `json:"profile_id"`
	Apn             string `json:"apn"`
	Protocol        string `json:"protocol"`
	RoamingProtocol string `json:"roaming_protocol"`
	AuthType        int    `json:"auth_type"`
	User            string `json:"user,omitempty"`
	Password        string `json:"-"`
}

// ActivateRequest asks the modem to bring up a PDP context
type ActivateRequest struct {
	SlotID       int
	ConnectID    int
	RadioTech    pkg.RadioTech
	Profile      Profile
	IsRoaming    bool
	AllowRoaming bool
}

// DataCall is one PDP context as reported by the modem. Addresses, DNS and
// Gateway are space separated lists; addresses may carry a /prefix.
type DataCall struct {
	ConnectID int
	Cid       int
	Active    bool
	Reason    pkg.PdpCause
	RetryTime time.Duration
	Type      string
	Addresses string
	DNS       string
	Gateway   string
	Ifname    string
	MTU       int
	PCSCF     string
}

// ActivateResult completes an ActivateRequest. Error is RequestOK when the
// modem answered with a data call, which may itself carry a failure Reason.
type ActivateResult struct {
	ConnectID int
	Error     RequestError
	Call      DataCall
}

// DeactivateRequest asks the modem to tear a PDP context down
type DeactivateRequest struct {
	SlotID    int
	ConnectID int
	Cid       int
	Reason    int
}

// DeactivateResult completes a DeactivateRequest
type DeactivateResult struct {
	ConnectID int
	Cid       int
	Error     RequestError
}

// Radio is the modem as seen by the data connection core
type Radio interface {
	ActivatePdpContext(ctx context.Context, req ActivateRequest, done func(ActivateResult)) error
	DeactivatePdpContext(ctx context.Context, req DeactivateRequest, done func(DeactivateResult)) error
	// RequestPdpContextList asks for an EventDataCallList with the current contexts
	RequestPdpContextList(ctx context.Context, slotID int) error
	SetInitialApn(ctx context.Context, slotID int, p Profile) error
	SetDataPermitted(ctx context.Context, slotID int, permitted bool) error
	SetRadioPower(ctx context.Context, slotID int, on bool) error
	Reregister(ctx context.Context, slotID int) error
	Subscribe(fn func(Event))
}

// EventKind tags an unsolicited radio event
type EventKind int

const (
	EventPsAttached EventKind = iota + 1
	EventPsDetached
	EventRoamingOn
	EventRoamingOff
	EventRatChanged
	EventSimStateChanged
	EventSimRecordsLoaded
	EventRadioPowerChanged
	EventCallStateChanged
	EventImsRegChanged
	EventDataCallList
	EventNrStateChanged
	EventNrFrequencyChanged
	EventEmergencyModeChanged
	EventLinkCapabilityChanged
	EventHostDied
)

var eventKindNames = map[EventKind]string{
	EventPsAttached:            "ps_attached",
	EventPsDetached:            "ps_detached",
	EventRoamingOn:             "roaming_on",
	EventRoamingOff:            "roaming_off",
	EventRatChanged:            "rat_changed",
	EventSimStateChanged:       "sim_state_changed",
	EventSimRecordsLoaded:      "sim_records_loaded",
	EventRadioPowerChanged:     "radio_power_changed",
	EventCallStateChanged:      "call_state_changed",
	EventImsRegChanged:         "ims_reg_changed",
	EventDataCallList:          "data_call_list",
	EventNrStateChanged:        "nr_state_changed",
	EventNrFrequencyChanged:    "nr_frequency_changed",
	EventEmergencyModeChanged:  "emergency_mode_changed",
	EventLinkCapabilityChanged: "link_capability_changed",
	EventHostDied:              "host_died",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is an unsolicited radio event. Only the fields relevant to Kind are set.
type Event struct {
	SlotID int
	Kind   EventKind

	RadioTech    pkg.RadioTech
	SimState     pkg.SimState
	Numeric      string
	ICCID        string
	RadioPower   pkg.RadioPowerState
	CallState    pkg.CallState
	ImsVoice     bool
	ImsVideo     bool
	DataCalls    []DataCall
	NrConnected  bool
	NrFrequency  int
	Emergency    bool
	LinkUpKbps   uint32
	LinkDownKbps uint32
}

// Counters are the packet and byte counters of a data interface
type Counters struct {
	TxPackets uint64
	RxPackets uint64
	TxBytes   uint64
	RxBytes   uint64
}

// TrafficSource reads the data interface counters of a slot
type TrafficSource interface {
	Counters(slotID int) (Counters, error)
}
