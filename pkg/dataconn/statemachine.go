package dataconn

import (
	"context"
	"errors"
	"time"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/apn"
	"github.com/markus-lassfolk/celldata/pkg/eventloop"
	"github.com/markus-lassfolk/celldata/pkg/logx"
	"github.com/markus-lassfolk/celldata/pkg/netagent"
	"github.com/markus-lassfolk/celldata/pkg/radio"
)

// State is the lifecycle state of one PDP context
type State int

const (
	StateInactive State = iota
	StateActivating
	StateActive
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Default watchdog timeouts
const (
	DefaultConnectTimeout    = 3 * time.Minute
	DefaultDisconnectTimeout = 3 * time.Minute
)

const (
	msgConnect eventloop.Code = iota + 1
	msgDisconnect
	msgDisconnectAll
	msgActivateResult
	msgDeactivateResult
	msgConnectTimeout
	msgDisconnectTimeout
	msgLostConnection
	msgRoamOn
	msgRoamOff
	msgVoiceCallStarted
	msgVoiceCallEnded
	msgLinkCapabilityChanged
	msgNrStateChanged
	msgNrFrequencyChanged
	msgRatChanged
	msgUpdateNetworkInfo
	msgHttpProxy
)

// ConnectParams carries everything needed to bring one context up
type ConnectParams struct {
	Role         string
	Apn          *apn.Item
	Capability   pkg.NetCapability
	RadioTech    pkg.RadioTech
	IsRoaming    bool
	AllowRoaming bool
}

// DisconnectParams names the role being torn down and what to do afterwards
type DisconnectParams struct {
	Role   string
	Reason pkg.DisconnectReason
}

type linkCapability struct {
	up, down uint32
}

type action func(sm *StateMachine, ev eventloop.Event) bool

var (
	stateTable   map[State]map[eventloop.Code]action
	defaultTable map[eventloop.Code]action
	enterTable   map[State]func(sm *StateMachine, prev State)
	exitTable    map[State]func(sm *StateMachine, next State)
)

func init() {
	stateTable = map[State]map[eventloop.Code]action{
		StateInactive: {
			msgConnect:       (*StateMachine).inactiveConnect,
			msgDisconnect:    handled,
			msgDisconnectAll: handled,
		},
		StateActivating: {
			msgConnect:        deferEvent,
			msgRatChanged:     deferEvent,
			msgActivateResult: (*StateMachine).activatingResult,
			msgConnectTimeout: (*StateMachine).activatingTimeout,
		},
		StateActive: {
			msgConnect:               handled,
			msgDisconnect:            (*StateMachine).activeDisconnect,
			msgDisconnectAll:         (*StateMachine).activeDisconnect,
			msgLostConnection:        (*StateMachine).activeLostConnection,
			msgRoamOn:                (*StateMachine).activeRoaming,
			msgRoamOff:               (*StateMachine).activeRoaming,
			msgVoiceCallStarted:      (*StateMachine).activeVoiceCall,
			msgVoiceCallEnded:        (*StateMachine).activeVoiceCall,
			msgLinkCapabilityChanged: (*StateMachine).activeLinkCapability,
			msgNrStateChanged:        (*StateMachine).activeNrState,
			msgNrFrequencyChanged:    (*StateMachine).activeNrFrequency,
			msgRatChanged:            (*StateMachine).activeRatChanged,
			msgUpdateNetworkInfo:     (*StateMachine).activeUpdateNetworkInfo,
			msgHttpProxy:             (*StateMachine).activeHttpProxy,
		},
		StateDisconnecting: {
			msgConnect:           deferEvent,
			msgDeactivateResult:  (*StateMachine).disconnectingResult,
			msgDisconnectTimeout: (*StateMachine).disconnectingTimeout,
		},
	}

	defaultTable = map[eventloop.Code]action{
		msgDisconnect:            deferEvent,
		msgDisconnectAll:         deferEvent,
		msgRoamOn:                (*StateMachine).recordRoaming,
		msgRoamOff:               (*StateMachine).recordRoaming,
		msgVoiceCallStarted:      (*StateMachine).recordVoiceCall,
		msgVoiceCallEnded:        (*StateMachine).recordVoiceCall,
		msgLinkCapabilityChanged: (*StateMachine).recordLinkCapability,
		msgNrStateChanged:        (*StateMachine).recordNrState,
		msgNrFrequencyChanged:    (*StateMachine).recordNrFrequency,
		msgRatChanged:            (*StateMachine).recordRat,
		msgHttpProxy:             (*StateMachine).recordHttpProxy,
		msgActivateResult:        stale,
		msgDeactivateResult:      stale,
		msgConnectTimeout:        stale,
		msgDisconnectTimeout:     stale,
		msgLostConnection:        handled,
		msgUpdateNetworkInfo:     handled,
	}

	enterTable = map[State]func(*StateMachine, State){
		StateInactive: (*StateMachine).enterInactive,
		StateActive:   (*StateMachine).enterActive,
	}

	exitTable = map[State]func(*StateMachine, State){
		StateActivating:    (*StateMachine).exitActivating,
		StateDisconnecting: (*StateMachine).exitDisconnecting,
	}
}

func handled(*StateMachine, eventloop.Event) bool { return true }

func deferEvent(sm *StateMachine, ev eventloop.Event) bool {
	sm.deferred = append(sm.deferred, ev)
	return true
}

func stale(sm *StateMachine, ev eventloop.Event) bool {
	sm.logger.Debug("dropping stale completion", "code", int(ev.Code), "state", sm.state.String())
	return true
}

// StateMachine drives one PDP context through Inactive, Activating, Active
// and Disconnecting. All methods run on the slot loop.
type StateMachine struct {
	id     int
	slotID int
	mgr    *Manager
	port   *eventloop.Port
	logger *logx.Logger

	state    State
	deferred []eventloop.Event

	connectID    int
	cid          int
	role         string
	roleID       int
	capability   pkg.NetCapability
	apnItem      *apn.Item
	radioTech    pkg.RadioTech
	roaming      bool
	allowRoaming bool
	inCall       bool
	nrConnected  bool
	nrFrequency  int
	linkCap      linkCapability
	httpProxy    string

	supplier netagent.SupplierInfo
	link     netagent.LinkInfo
	ipType   string
	lastCall radio.DataCall

	inactiveRole   string
	inactiveReason pkg.DisconnectReason
	inactiveCause  pkg.PdpCause
	inactiveRetry  time.Duration
}

func newStateMachine(id int, mgr *Manager) *StateMachine {
	sm := &StateMachine{
		id:     id,
		slotID: mgr.slotID,
		mgr:    mgr,
		roleID: apn.RoleIDInvalid,
		logger: mgr.logger.With("machine", id),
	}
	sm.port = mgr.loop.Bind(sm)
	return sm
}

// ID returns the arena index of the machine
func (sm *StateMachine) ID() int { return sm.id }

// State returns the current state
func (sm *StateMachine) State() State { return sm.state }

// Cid returns the radio context id, 0 when no context is up
func (sm *StateMachine) Cid() int { return sm.cid }

// Role returns the role the machine was last connected for
func (sm *StateMachine) Role() string { return sm.role }

// Capability returns the capability the machine serves
func (sm *StateMachine) Capability() pkg.NetCapability { return sm.capability }

// SetCapability changes the capability the machine serves
func (sm *StateMachine) SetCapability(c pkg.NetCapability) { sm.capability = c }

// ApnItem returns the profile of the current or last connection
func (sm *StateMachine) ApnItem() *apn.Item { return sm.apnItem }

// IPType returns the IP type of the active connection or ""
func (sm *StateMachine) IPType() string { return sm.ipType }

// SupplierInfo returns the last published supplier info
func (sm *StateMachine) SupplierInfo() netagent.SupplierInfo { return sm.supplier }

// LinkInfo returns the last published link info
func (sm *StateMachine) LinkInfo() netagent.LinkInfo { return sm.link }

// IsInactive reports whether the machine holds no context
func (sm *StateMachine) IsInactive() bool { return sm.state == StateInactive }

// IsActivating reports whether an activation is in flight
func (sm *StateMachine) IsActivating() bool { return sm.state == StateActivating }

// IsActive reports whether the context is up
func (sm *StateMachine) IsActive() bool { return sm.state == StateActive }

// IsDisconnecting reports whether a deactivation is in flight
func (sm *StateMachine) IsDisconnecting() bool { return sm.state == StateDisconnecting }

// Connect posts a connection request
func (sm *StateMachine) Connect(p ConnectParams) bool {
	return sm.port.SendEvent(msgConnect, p)
}

// Disconnect posts a teardown of the role's connection
func (sm *StateMachine) Disconnect(p DisconnectParams) bool {
	return sm.port.SendEvent(msgDisconnect, p)
}

// DisconnectAll posts a teardown regardless of role
func (sm *StateMachine) DisconnectAll(p DisconnectParams) bool {
	return sm.port.SendEvent(msgDisconnectAll, p)
}

// LostConnection reports that the radio dropped the context
func (sm *StateMachine) LostConnection() bool {
	return sm.port.SendEvent(msgLostConnection, nil)
}

// NotifyRoaming posts a roaming state change
func (sm *StateMachine) NotifyRoaming(roaming bool) bool {
	if roaming {
		return sm.port.SendEvent(msgRoamOn, nil)
	}
	return sm.port.SendEvent(msgRoamOff, nil)
}

// NotifyVoiceCall posts a voice call start or end
func (sm *StateMachine) NotifyVoiceCall(started bool) bool {
	if started {
		return sm.port.SendEvent(msgVoiceCallStarted, nil)
	}
	return sm.port.SendEvent(msgVoiceCallEnded, nil)
}

// NotifyLinkCapability posts the bandwidth the modem reported for the link
func (sm *StateMachine) NotifyLinkCapability(upKbps, downKbps uint32) bool {
	return sm.port.SendEvent(msgLinkCapabilityChanged, linkCapability{up: upKbps, down: downKbps})
}

// NotifyNrState posts the NR (NSA) connection state
func (sm *StateMachine) NotifyNrState(connected bool) bool {
	return sm.port.SendEvent(msgNrStateChanged, connected)
}

// NotifyNrFrequency posts the NR frequency range
func (sm *StateMachine) NotifyNrFrequency(freq int) bool {
	return sm.port.SendEvent(msgNrFrequencyChanged, freq)
}

// NotifyRatChanged posts a radio technology change
func (sm *StateMachine) NotifyRatChanged(tech pkg.RadioTech) bool {
	return sm.port.SendEvent(msgRatChanged, tech)
}

// UpdateNetworkInfo posts a fresh data call report for the context
func (sm *StateMachine) UpdateNetworkInfo(call radio.DataCall) bool {
	return sm.port.SendEvent(msgUpdateNetworkInfo, call)
}

// SetHttpProxy posts the proxy published with the link
func (sm *StateMachine) SetHttpProxy(proxy string) bool {
	return sm.port.SendEvent(msgHttpProxy, proxy)
}

// ProcessEvent implements eventloop.Handler
func (sm *StateMachine) ProcessEvent(ev eventloop.Event) {
	if fn, ok := stateTable[sm.state][ev.Code]; ok && fn(sm, ev) {
		return
	}
	if fn, ok := defaultTable[ev.Code]; ok && fn(sm, ev) {
		return
	}
	sm.logger.Debug("unhandled event", "code", int(ev.Code), "state", sm.state.String())
}

func (sm *StateMachine) transitionTo(next State) {
	prev := sm.state
	if fn, ok := exitTable[prev]; ok {
		fn(sm, next)
	}
	sm.state = next
	sm.logger.Debug("state changed", "from", prev.String(), "to", next.String())
	if fn, ok := enterTable[next]; ok {
		fn(sm, prev)
	}

	deferred := sm.deferred
	sm.deferred = nil
	for _, ev := range deferred {
		sm.port.Send(ev)
	}
}

func (sm *StateMachine) inactiveConnect(ev eventloop.Event) bool {
	p, ok := ev.Data.(ConnectParams)
	if !ok || p.Apn == nil {
		sm.logger.Error("connect without an apn", "role", p.Role)
		sm.notifyDisconnected(p.Role, pkg.ReasonClearConnection, pkg.PdpCauseUnknown, 0)
		return true
	}
	sm.doConnect(p)
	sm.transitionTo(StateActivating)
	return true
}

func (sm *StateMachine) doConnect(p ConnectParams) {
	sm.role = p.Role
	sm.roleID = apn.FindApnIDByApnName(p.Role)
	sm.apnItem = p.Apn
	if p.Capability != 0 {
		sm.capability = p.Capability
	}
	sm.radioTech = p.RadioTech
	sm.roaming = p.IsRoaming
	sm.allowRoaming = p.AllowRoaming
	sm.connectID++
	id := sm.connectID

	req := radio.ActivateRequest{
		SlotID:       sm.slotID,
		ConnectID:    id,
		RadioTech:    p.RadioTech,
		Profile:      profileFromItem(p.Apn),
		IsRoaming:    p.IsRoaming,
		AllowRoaming: p.AllowRoaming,
	}
	sm.logger.Info("activating pdp context",
		"role", p.Role, "apn", p.Apn.Apn, "connect_id", id, "radio_tech", p.RadioTech.String())

	port := sm.port
	err := sm.mgr.radio.ActivatePdpContext(context.Background(), req, func(res radio.ActivateResult) {
		port.SendEvent(msgActivateResult, res)
	})
	if err != nil {
		cause := pkg.PdpCauseRadioRequestFailed
		if errors.Is(err, radio.ErrNotConnected) {
			cause = pkg.PdpCauseRadioNotAvailable
		}
		sm.logger.Warn("activate request failed", "error", err, "cause", int(cause))
		port.SendEvent(msgActivateResult, radio.ActivateResult{
			ConnectID: id,
			Call:      radio.DataCall{ConnectID: id, Reason: cause},
		})
	}
	port.SendDelayed(eventloop.Event{Code: msgConnectTimeout, Param: int64(id)}, sm.mgr.connectTimeout)
}

func profileFromItem(item *apn.Item) radio.Profile {
	return radio.Profile{
		ProfileID:       item.ProfileID,
		Apn:             item.Apn,
		Protocol:        item.Protocol,
		RoamingProtocol: item.RoamingProtocol,
		AuthType:        item.AuthType,
		User:            item.User,
		Password:        item.Password,
	}
}

func (sm *StateMachine) activatingResult(ev eventloop.Event) bool {
	res, ok := ev.Data.(radio.ActivateResult)
	if !ok || res.ConnectID != sm.connectID {
		return false
	}

	if res.Error != radio.RequestOK {
		reason, cause := pkg.ReasonClearConnection, pkg.PdpCauseRadioRequestRejected
		if res.Error.Retryable() {
			reason, cause = pkg.ReasonRetryConnection, pkg.PdpCauseRadioRequestFailed
		}
		sm.logger.Warn("activation request error", "error", int(res.Error), "reason", reason.String())
		sm.failActivation(reason, cause, 0)
		return true
	}

	call := res.Call
	if call.Reason != pkg.PdpCauseNone {
		sm.failActivation(sm.reasonForCause(call.Reason), call.Reason, call.RetryTime)
		return true
	}
	if !call.Active {
		sm.failActivation(pkg.ReasonRetryConnection, pkg.PdpCauseUnknown, call.RetryTime)
		return true
	}

	sm.cid = call.Cid
	sm.lastCall = call
	sm.mgr.AddActiveConnectionByCid(sm)
	sm.transitionTo(StateActive)
	return true
}

func (sm *StateMachine) reasonForCause(cause pkg.PdpCause) pkg.DisconnectReason {
	class := pkg.ClassifyPdpCause(cause)
	sm.logger.Warn("pdp activation failed", "cause", int(cause), "class", class.String())
	switch class {
	case pkg.FailureRetry:
		return pkg.ReasonRetryConnection
	case pkg.FailureBadApn:
		if sm.apnItem != nil {
			sm.apnItem.MarkBadApn(true)
		}
		return pkg.ReasonRetryConnection
	case pkg.FailurePermanent:
		return pkg.ReasonPermanentReject
	default:
		return pkg.ReasonClearConnection
	}
}

func (sm *StateMachine) failActivation(reason pkg.DisconnectReason, cause pkg.PdpCause, retry time.Duration) {
	sm.recordInactive(sm.role, reason, cause, retry)
	sm.transitionTo(StateInactive)
}

func (sm *StateMachine) activatingTimeout(ev eventloop.Event) bool {
	if int(ev.Param) != sm.connectID {
		return true
	}
	sm.logger.Warn("activation timed out", "connect_id", sm.connectID, "role", sm.role)
	sm.failActivation(pkg.ReasonRetryConnection, pkg.PdpCauseTimeout, 0)
	return true
}

func (sm *StateMachine) exitActivating(State) {
	sm.port.RemoveEvent(msgConnectTimeout)
}

func (sm *StateMachine) enterActive(State) {
	sm.supplierAvailable(true)
	sm.mgr.agent.RegisterSlotType(sm.slotID, sm.supplierCapability(), sm.radioTech)
	sm.publishLink(sm.lastCall)
	sm.logger.Info("pdp context active", "role", sm.role, "cid", sm.cid, "ip_type", sm.ipType)
	sm.mgr.notifyOwner(CodeEstablishComplete, EstablishComplete{
		MachineID: sm.id,
		Role:      sm.role,
		Cid:       sm.cid,
	})
}

func (sm *StateMachine) activeDisconnect(ev eventloop.Event) bool {
	p, _ := ev.Data.(DisconnectParams)
	role := p.Role
	if role == "" {
		role = sm.role
	}
	sm.recordInactive(role, p.Reason, pkg.PdpCauseNone, 0)
	sm.freeConnection()
	sm.transitionTo(StateDisconnecting)
	return true
}

func (sm *StateMachine) freeConnection() {
	sm.connectID++
	id := sm.connectID
	req := radio.DeactivateRequest{SlotID: sm.slotID, ConnectID: id, Cid: sm.cid, Reason: int(pkg.PdpCauseRegularDeactivation)}
	sm.logger.Info("deactivating pdp context", "role", sm.role, "cid", sm.cid, "connect_id", id)

	port := sm.port
	err := sm.mgr.radio.DeactivatePdpContext(context.Background(), req, func(res radio.DeactivateResult) {
		port.SendEvent(msgDeactivateResult, res)
	})
	if err != nil {
		sm.logger.Warn("deactivate request failed", "error", err)
		port.SendEvent(msgDeactivateResult, radio.DeactivateResult{ConnectID: id, Cid: sm.cid, Error: radio.RequestIPCFailure})
	}
	port.SendDelayed(eventloop.Event{Code: msgDisconnectTimeout, Param: int64(id)}, sm.mgr.disconnectTimeout)
}

func (sm *StateMachine) activeLostConnection(eventloop.Event) bool {
	sm.logger.Warn("pdp context lost", "role", sm.role, "cid", sm.cid)
	sm.recordInactive(sm.role, pkg.ReasonRetryConnection, pkg.PdpCauseLostConnection, 0)
	sm.transitionTo(StateInactive)
	return true
}

func (sm *StateMachine) activeRoaming(ev eventloop.Event) bool {
	sm.recordRoaming(ev)
	sm.publishSupplier()
	return true
}

func (sm *StateMachine) activeVoiceCall(ev eventloop.Event) bool {
	sm.recordVoiceCall(ev)
	sm.publishSupplier()
	return true
}

func (sm *StateMachine) activeLinkCapability(ev eventloop.Event) bool {
	sm.recordLinkCapability(ev)
	sm.publishSupplier()
	return true
}

func (sm *StateMachine) activeNrState(ev eventloop.Event) bool {
	sm.recordNrState(ev)
	sm.publishSupplier()
	return true
}

func (sm *StateMachine) activeNrFrequency(ev eventloop.Event) bool {
	sm.recordNrFrequency(ev)
	sm.publishSupplier()
	return true
}

func (sm *StateMachine) activeRatChanged(ev eventloop.Event) bool {
	sm.recordRat(ev)
	sm.mgr.agent.RegisterSlotType(sm.slotID, sm.supplierCapability(), sm.radioTech)
	sm.publishSupplier()
	sm.publishLink(sm.lastCall)
	return true
}

func (sm *StateMachine) activeUpdateNetworkInfo(ev eventloop.Event) bool {
	call, ok := ev.Data.(radio.DataCall)
	if !ok || call.Cid != sm.cid {
		return true
	}
	if call.Addresses == sm.lastCall.Addresses && call.DNS == sm.lastCall.DNS &&
		call.Gateway == sm.lastCall.Gateway && call.MTU == sm.lastCall.MTU {
		return true
	}
	sm.lastCall = call
	sm.publishLink(call)
	return true
}

func (sm *StateMachine) activeHttpProxy(ev eventloop.Event) bool {
	sm.recordHttpProxy(ev)
	sm.publishLink(sm.lastCall)
	return true
}

func (sm *StateMachine) disconnectingResult(ev eventloop.Event) bool {
	res, ok := ev.Data.(radio.DeactivateResult)
	if !ok || res.ConnectID != sm.connectID {
		return false
	}
	if res.Error != radio.RequestOK {
		sm.logger.Warn("deactivation reported an error", "error", int(res.Error), "cid", res.Cid)
	}
	sm.transitionTo(StateInactive)
	return true
}

func (sm *StateMachine) disconnectingTimeout(ev eventloop.Event) bool {
	if int(ev.Param) != sm.connectID {
		return true
	}
	sm.logger.Warn("deactivation timed out", "connect_id", sm.connectID, "cid", sm.cid)
	sm.transitionTo(StateInactive)
	return true
}

func (sm *StateMachine) exitDisconnecting(State) {
	sm.port.RemoveEvent(msgDisconnectTimeout)
}

func (sm *StateMachine) enterInactive(prev State) {
	if sm.supplier.Available {
		sm.supplierAvailable(false)
	}
	if sm.cid != 0 {
		sm.mgr.RemoveActiveConnectionByCid(sm.cid)
	}
	sm.cid = 0
	sm.ipType = ""
	sm.link = netagent.LinkInfo{}
	sm.lastCall = radio.DataCall{}
	sm.supplier = netagent.SupplierInfo{}

	if sm.inactiveRole != "" {
		role, reason, cause, retry := sm.inactiveRole, sm.inactiveReason, sm.inactiveCause, sm.inactiveRetry
		sm.inactiveRole = ""
		sm.inactiveReason = pkg.ReasonRetryConnection
		sm.inactiveCause = pkg.PdpCauseNone
		sm.inactiveRetry = 0
		sm.notifyDisconnected(role, reason, cause, retry)
	}
}

func (sm *StateMachine) recordInactive(role string, reason pkg.DisconnectReason, cause pkg.PdpCause, retry time.Duration) {
	sm.inactiveRole = role
	sm.inactiveReason = reason
	sm.inactiveCause = cause
	sm.inactiveRetry = retry
}

func (sm *StateMachine) notifyDisconnected(role string, reason pkg.DisconnectReason, cause pkg.PdpCause, retry time.Duration) {
	sm.mgr.notifyOwner(CodeDisconnectComplete, DisconnectComplete{
		MachineID: sm.id,
		Role:      role,
		Reason:    reason,
		Cause:     cause,
		RetryTime: retry,
	})
}

func (sm *StateMachine) recordRoaming(ev eventloop.Event) bool {
	sm.roaming = ev.Code == msgRoamOn
	return true
}

func (sm *StateMachine) recordVoiceCall(ev eventloop.Event) bool {
	sm.inCall = ev.Code == msgVoiceCallStarted
	return true
}

func (sm *StateMachine) recordLinkCapability(ev eventloop.Event) bool {
	if lc, ok := ev.Data.(linkCapability); ok {
		sm.linkCap = lc
	}
	return true
}

func (sm *StateMachine) recordNrState(ev eventloop.Event) bool {
	if v, ok := ev.Data.(bool); ok {
		sm.nrConnected = v
	}
	return true
}

func (sm *StateMachine) recordNrFrequency(ev eventloop.Event) bool {
	if v, ok := ev.Data.(int); ok {
		sm.nrFrequency = v
	}
	return true
}

func (sm *StateMachine) recordRat(ev eventloop.Event) bool {
	if v, ok := ev.Data.(pkg.RadioTech); ok {
		sm.radioTech = v
	}
	return true
}

func (sm *StateMachine) recordHttpProxy(ev eventloop.Event) bool {
	if v, ok := ev.Data.(string); ok {
		sm.httpProxy = v
	}
	return true
}

func (sm *StateMachine) supplierCapability() pkg.NetCapability {
	if c := apn.FindCapabilityByApnID(sm.roleID); c != 0 {
		return c
	}
	return pkg.NetCapInternet
}

func (sm *StateMachine) supplierAvailable(available bool) {
	sm.supplier.Available = available
	sm.publishSupplier()
}

func (sm *StateMachine) publishSupplier() {
	up, down := sm.mgr.link.Bandwidth(sm.radioTech, sm.nrConnected)
	if sm.linkCap.up > 0 || sm.linkCap.down > 0 {
		up, down = sm.linkCap.up, sm.linkCap.down
	}
	sm.supplier.Roaming = sm.roaming
	sm.supplier.InCall = sm.inCall
	sm.supplier.LinkUpKbps = up
	sm.supplier.LinkDownKbps = down
	sm.supplier.UpdatedAt = sm.mgr.loop.Now()
	sm.mgr.agent.UpdateNetSupplierInfo(sm.slotID, sm.supplierCapability(), sm.supplier)
}

func (sm *StateMachine) publishLink(call radio.DataCall) {
	link := netagent.LinkInfo{
		Iface:          call.Ifname,
		Addresses:      ParseIPAddr(call.Addresses),
		DNS:            ParseNormalIPAddr(call.DNS),
		Routes:         ParseRoute(call.Gateway, call.Ifname),
		MTU:            call.MTU,
		TCPBufferSizes: sm.mgr.link.TCPBufferSizes(sm.radioTech),
		HTTPProxy:      sm.httpProxy,
	}
	if link.MTU <= 0 {
		link.MTU = sm.mgr.link.DefaultMTU()
	}
	if len(link.Addresses) == 0 || len(link.DNS) == 0 || len(link.Routes) == 0 {
		sm.logger.Warn("incomplete link info", "addresses", len(link.Addresses),
			"dns", len(link.DNS), "routes", len(link.Routes))
	}
	sm.ipType = GetIPType(link.Addresses)
	sm.link = link
	sm.mgr.agent.UpdateNetLinkInfo(sm.slotID, sm.supplierCapability(), link)
}
