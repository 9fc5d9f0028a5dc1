package pkg

import (
	"strings"
	"time"
)

// ApnState represents the lifecycle state of an APN holder
type ApnState int

const (
	ApnStateIdle ApnState = iota
	ApnStateConnecting
	ApnStateConnected
	ApnStateDisconnecting
	ApnStateFailed
	ApnStateRetrying
)

func (s ApnState) String() string {
	switch s {
	case ApnStateIdle:
		return "idle"
	case ApnStateConnecting:
		return "connecting"
	case ApnStateConnected:
		return "connected"
	case ApnStateDisconnecting:
		return "disconnecting"
	case ApnStateFailed:
		return "failed"
	case ApnStateRetrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// DataConnectionStatus is the externally reported cellular data state
type DataConnectionStatus int

const (
	DataStateDisconnected DataConnectionStatus = 11
	DataStateConnecting   DataConnectionStatus = 12
	DataStateConnected    DataConnectionStatus = 13
	DataStateSuspended    DataConnectionStatus = 14
)

func (s DataConnectionStatus) String() string {
	switch s {
	case DataStateConnecting:
		return "connecting"
	case DataStateConnected:
		return "connected"
	case DataStateSuspended:
		return "suspended"
	default:
		return "disconnected"
	}
}

// StatusFromApnState maps an aggregate APN state onto the reported data state
func StatusFromApnState(state ApnState) DataConnectionStatus {
	switch state {
	case ApnStateConnecting:
		return DataStateConnecting
	case ApnStateConnected, ApnStateDisconnecting:
		return DataStateConnected
	default:
		return DataStateDisconnected
	}
}

// DisconnectReason tells the handler what to do once a connection is torn down
type DisconnectReason int

const (
	ReasonNormal DisconnectReason = iota
	ReasonGsmAndCallingOnly
	ReasonRetryConnection
	ReasonClearConnection
	ReasonChangeConnection
	ReasonPermanentReject
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonGsmAndCallingOnly:
		return "gsm_and_calling_only"
	case ReasonRetryConnection:
		return "retry"
	case ReasonClearConnection:
		return "clear"
	case ReasonChangeConnection:
		return "change"
	case ReasonPermanentReject:
		return "permanent_reject"
	default:
		return "unknown"
	}
}

// RadioTech is the radio access technology currently serving packet data
type RadioTech int

const (
	RadioTechUnknown RadioTech = iota
	RadioTechGSM
	RadioTech1XRTT
	RadioTechWCDMA
	RadioTechHSPA
	RadioTechHSPAP
	RadioTechTDSCDMA
	RadioTechEVDO
	RadioTechEHRPD
	RadioTechLTE
	RadioTechLTECA
	RadioTechIWLAN
	RadioTechNR
)

var radioTechNames = map[RadioTech]string{
	RadioTechUnknown: "unknown",
	RadioTechGSM:     "gsm",
	RadioTech1XRTT:   "1xrtt",
	RadioTechWCDMA:   "wcdma",
	RadioTechHSPA:    "hspa",
	RadioTechHSPAP:   "hspap",
	RadioTechTDSCDMA: "tdscdma",
	RadioTechEVDO:    "evdo",
	RadioTechEHRPD:   "ehrpd",
	RadioTechLTE:     "lte",
	RadioTechLTECA:   "lte_ca",
	RadioTechIWLAN:   "iwlan",
	RadioTechNR:      "nr",
}

func (r RadioTech) String() string {
	if name, ok := radioTechNames[r]; ok {
		return name
	}
	return "unknown"
}

// ParseRadioTech converts a configuration name into a RadioTech
func ParseRadioTech(name string) (RadioTech, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for tech, n := range radioTechNames {
		if n == name {
			return tech, true
		}
	}
	return RadioTechUnknown, false
}

// SupportsConcurrentData reports whether data can run alongside a voice call
func (r RadioTech) SupportsConcurrentData() bool {
	switch r {
	case RadioTechWCDMA, RadioTechHSPA, RadioTechHSPAP, RadioTechLTE, RadioTechLTECA, RadioTechNR:
		return true
	}
	return false
}

// SimState is the SIM card state for a slot
type SimState int

const (
	SimStateUnknown SimState = iota
	SimStateNotPresent
	SimStateLocked
	SimStateNotReady
	SimStateReady
	SimStateLoaded
)

func (s SimState) String() string {
	switch s {
	case SimStateNotPresent:
		return "not_present"
	case SimStateLocked:
		return "locked"
	case SimStateNotReady:
		return "not_ready"
	case SimStateReady:
		return "ready"
	case SimStateLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// IsReady reports whether the SIM can be used for data
func (s SimState) IsReady() bool {
	return s == SimStateReady || s == SimStateLoaded
}

// CallState is the voice call state reported by the call subsystem
type CallState int

const (
	CallStateUnknown CallState = iota - 1
	CallStateDialing
	CallStateProceeding
	CallStateAlerting
	CallStateActive
	CallStateDisconnected
	CallStateIncoming
	CallStateWaiting
	CallStateHold
	CallStateRetrieve
	CallStateIdle
)

func (c CallState) String() string {
	switch c {
	case CallStateDialing:
		return "dialing"
	case CallStateProceeding:
		return "proceeding"
	case CallStateAlerting:
		return "alerting"
	case CallStateActive:
		return "active"
	case CallStateDisconnected:
		return "disconnected"
	case CallStateIncoming:
		return "incoming"
	case CallStateWaiting:
		return "waiting"
	case CallStateHold:
		return "hold"
	case CallStateRetrieve:
		return "retrieve"
	case CallStateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// InCall reports whether a call is in progress
func (c CallState) InCall() bool {
	return c != CallStateUnknown && c != CallStateIdle && c != CallStateDisconnected
}

// DsdsMode is the dual-SIM dual-standby variant of the device
type DsdsMode int

const (
	DsdsModeUnknown DsdsMode = iota - 1
	DsdsModeV2
	DsdsModeV3
	DsdsModeV5TDM
	DsdsModeV5DSDA
)

func (m DsdsMode) String() string {
	switch m {
	case DsdsModeV2:
		return "2.0"
	case DsdsModeV3:
		return "3.0"
	case DsdsModeV5TDM:
		return "5.0-tdm"
	case DsdsModeV5DSDA:
		return "5.0-dsda"
	default:
		return "unknown"
	}
}

// DataFlowType describes the direction of recent cellular traffic
type DataFlowType int

const (
	DataFlowNone DataFlowType = iota
	DataFlowDown
	DataFlowUp
	DataFlowUpDown
	DataFlowDormant
)

func (f DataFlowType) String() string {
	switch f {
	case DataFlowDown:
		return "down"
	case DataFlowUp:
		return "up"
	case DataFlowUpDown:
		return "up_down"
	case DataFlowDormant:
		return "dormant"
	default:
		return "none"
	}
}

// RecoveryState is the current step of data stall recovery
type RecoveryState int

const (
	RecoveryRequestContextList RecoveryState = iota
	RecoveryCleanupConnections
	RecoveryReregisterNetwork
	RecoveryRadioRestart
)

func (r RecoveryState) String() string {
	switch r {
	case RecoveryRequestContextList:
		return "request_context_list"
	case RecoveryCleanupConnections:
		return "cleanup_connections"
	case RecoveryReregisterNetwork:
		return "reregister_network"
	case RecoveryRadioRestart:
		return "radio_restart"
	default:
		return "unknown"
	}
}

// RadioPowerState is the modem power state
type RadioPowerState int

const (
	RadioPowerUnavailable RadioPowerState = iota
	RadioPowerOff
	RadioPowerOn
)

// NetCapability is a bitmask of network capabilities requested by clients
type NetCapability uint64

const (
	NetCapMMS      NetCapability = 1 << 0
	NetCapSUPL     NetCapability = 1 << 1
	NetCapDUN      NetCapability = 1 << 2
	NetCapIMS      NetCapability = 1 << 4
	NetCapIA       NetCapability = 1 << 7
	NetCapXCAP     NetCapability = 1 << 9
	NetCapEIMS     NetCapability = 1 << 10
	NetCapInternet NetCapability = 1 << 12
)

// Has reports whether all bits of other are set
func (c NetCapability) Has(other NetCapability) bool {
	return other != 0 && c&other == other
}

// NetRequest identifies a client asking for a cellular network
type NetRequest struct {
	Ident      string        `json:"ident"`
	Capability NetCapability `json:"capability"`
}

// SlotStatus is a snapshot of a slot's data connection state
type SlotStatus struct {
	SlotID         int               `json:"slot_id"`
	State          string            `json:"state"`
	DataState      string            `json:"data_state"`
	DataEnabled    bool              `json:"data_enabled"`
	RoamingEnabled bool              `json:"roaming_enabled"`
	Roaming        bool              `json:"roaming"`
	Attached       bool              `json:"attached"`
	SimState       string            `json:"sim_state"`
	RadioTech      string            `json:"radio_tech"`
	FlowType       string            `json:"flow_type"`
	RecoveryState  string            `json:"recovery_state"`
	Holders        map[string]string `json:"holders"`
	IPType         string            `json:"ip_type,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Event is a connection lifecycle event kept for history and publishing
type Event struct {
	ID        string                 `json:"id"`
	SlotID    int                    `json:"slot_id"`
	Type      EventType              `json:"type"`
	Role      string                 `json:"role,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventType is the kind of connection event
type EventType string

const (
	EventConnecting     EventType = "connecting"
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventFailed         EventType = "failed"
	EventRetryScheduled EventType = "retry_scheduled"
	EventSwitchChanged  EventType = "switch_changed"
	EventRecovery       EventType = "recovery"
	EventSlotChanged    EventType = "default_slot_changed"
)
