// Package incall moves default data to the secondary slot for the duration
// of a call on it, when the dual SIM mode cannot carry data on the other slot.
package incall

import (
	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/eventloop"
	"github.com/markus-lassfolk/celldata/pkg/logx"
	"github.com/markus-lassfolk/celldata/pkg/slots"
)

// State of the in-call machine. Activating and Activated share the
// SecondaryActive parent; Deactivating falls back to Idle.
type State int

const (
	StateIdle State = iota
	StateActivating
	StateActivated
	StateDeactivating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActivating:
		return "activating_secondary"
	case StateActivated:
		return "activated_secondary"
	case StateDeactivating:
		return "deactivating_secondary"
	default:
		return "unknown"
	}
}

// CodeIncallDataComplete is posted to the owner once the machine is idle
// again with no call in progress
const CodeIncallDataComplete eventloop.Code = 2101

const (
	msgCallStarted eventloop.Code = iota + 1
	msgCallEnded
	msgSettingsOn
	msgSettingsOff
	msgDsdsChanged
	msgDataConnected
	msgDataDisconnected
)

// Config wires the machine to its slot
type Config struct {
	SlotID  int
	Loop    *eventloop.Loop
	Owner   *eventloop.Port
	Context *slots.Context
	// SwitchOn reports the in-call data user switch
	SwitchOn func() bool
	// HasAnyConnected reports whether the slot has a connection up
	HasAnyConnected func() bool
	CallState       pkg.CallState
	Logger          *logx.Logger
}

type action func(sm *StateMachine, ev eventloop.Event) bool

var (
	stateTable  map[State]map[eventloop.Code]action
	parentTable map[State]map[eventloop.Code]action
)

func init() {
	idle := map[eventloop.Code]action{
		msgCallStarted: (*StateMachine).tryActivate,
		msgSettingsOn:  (*StateMachine).tryActivate,
		msgDsdsChanged: (*StateMachine).tryActivate,
		msgCallEnded:   (*StateMachine).idleCallEnded,
	}
	secondaryActive := map[eventloop.Code]action{
		msgSettingsOn:  handled,
		msgDsdsChanged: handled,
		msgCallEnded:   (*StateMachine).secondaryCallEnded,
		msgSettingsOff: (*StateMachine).secondarySettingsOff,
	}

	stateTable = map[State]map[eventloop.Code]action{
		StateIdle: idle,
		StateActivating: {
			msgDataConnected: (*StateMachine).activatingDataConnected,
		},
		StateActivated: {},
		StateDeactivating: {
			msgDataDisconnected: (*StateMachine).deactivatingDataDisconnected,
			msgSettingsOn:       handled,
		},
	}
	parentTable = map[State]map[eventloop.Code]action{
		StateActivating:   secondaryActive,
		StateActivated:    secondaryActive,
		StateDeactivating: idle,
	}
}

func handled(*StateMachine, eventloop.Event) bool { return true }

// StateMachine is the in-call data machine of one slot
type StateMachine struct {
	slotID          int
	ctx             *slots.Context
	owner           *eventloop.Port
	port            *eventloop.Port
	switchOn        func() bool
	hasAnyConnected func() bool
	logger          *logx.Logger

	state     State
	callState pkg.CallState
}

// New creates the machine in Idle
func New(cfg Config) *StateMachine {
	sm := &StateMachine{
		slotID:          cfg.SlotID,
		ctx:             cfg.Context,
		owner:           cfg.Owner,
		switchOn:        cfg.SwitchOn,
		hasAnyConnected: cfg.HasAnyConnected,
		callState:       cfg.CallState,
		logger:          cfg.Logger.With("slot", cfg.SlotID, "machine", "incall"),
	}
	if sm.switchOn == nil {
		sm.switchOn = func() bool { return false }
	}
	if sm.hasAnyConnected == nil {
		sm.hasAnyConnected = func() bool { return false }
	}
	sm.port = cfg.Loop.Bind(sm)
	return sm
}

// State returns the current state
func (sm *StateMachine) State() State { return sm.state }

// CallState returns the last call state seen
func (sm *StateMachine) CallState() pkg.CallState { return sm.callState }

// Release detaches the machine from its loop
func (sm *StateMachine) Release() { sm.port.Release() }

// CallStarted posts a call start with the current call state
func (sm *StateMachine) CallStarted(state pkg.CallState) bool {
	return sm.port.SendEvent(msgCallStarted, state)
}

// CallEnded posts a call end with the current call state
func (sm *StateMachine) CallEnded(state pkg.CallState) bool {
	return sm.port.SendEvent(msgCallEnded, state)
}

// SettingsOn posts that the in-call data switch was turned on
func (sm *StateMachine) SettingsOn() bool {
	return sm.port.SendEvent(msgSettingsOn, nil)
}

// SettingsOff posts that the in-call data switch was turned off
func (sm *StateMachine) SettingsOff() bool {
	return sm.port.SendEvent(msgSettingsOff, nil)
}

// DsdsChanged posts a dual SIM mode change
func (sm *StateMachine) DsdsChanged() bool {
	return sm.port.SendEvent(msgDsdsChanged, nil)
}

// DataConnected posts that default data came up on this slot
func (sm *StateMachine) DataConnected() bool {
	return sm.port.SendEvent(msgDataConnected, nil)
}

// DataDisconnected posts that data on this slot went down
func (sm *StateMachine) DataDisconnected() bool {
	return sm.port.SendEvent(msgDataDisconnected, nil)
}

// ProcessEvent implements eventloop.Handler
func (sm *StateMachine) ProcessEvent(ev eventloop.Event) {
	if cs, ok := ev.Data.(pkg.CallState); ok {
		sm.callState = cs
	}
	if fn, ok := stateTable[sm.state][ev.Code]; ok && fn(sm, ev) {
		return
	}
	if fn, ok := parentTable[sm.state][ev.Code]; ok && fn(sm, ev) {
		return
	}
	sm.logger.Debug("unhandled in-call event", "code", int(ev.Code), "state", sm.state.String())
}

func (sm *StateMachine) transitionTo(next State) {
	prev := sm.state
	sm.state = next
	sm.logger.Debug("in-call state changed", "from", prev.String(), "to", next.String())
	switch next {
	case StateIdle:
		sm.enterIdle()
	case StateDeactivating:
		sm.enterDeactivating()
	}
}

func (sm *StateMachine) callIdle() bool {
	return sm.callState == pkg.CallStateIdle || sm.callState == pkg.CallStateDisconnected
}

// CanActivateSecondary reports whether data may move to this slot for the
// current call
func (sm *StateMachine) CanActivateSecondary() bool {
	if sm.ctx.DsdsMode() >= pkg.DsdsModeV3 {
		return false
	}
	primary := sm.ctx.PrimarySlot()
	if primary == slots.InvalidSlot || primary == sm.slotID {
		return false
	}
	if !sm.ctx.HasSimCard(primary) {
		return false
	}
	if !sm.ctx.ImsRegistered(primary) {
		return false
	}
	if !sm.callState.InCall() {
		return false
	}
	return sm.ctx.PsRadioTech(sm.slotID).SupportsConcurrentData()
}

func (sm *StateMachine) tryActivate(eventloop.Event) bool {
	if !sm.switchOn() || !sm.CanActivateSecondary() {
		return true
	}
	if sm.ctx.DefaultDataSlot() == sm.slotID {
		return true
	}
	sm.transitionTo(StateActivating)
	if err := sm.ctx.SetDefaultDataSlot(sm.slotID); err != nil {
		sm.logger.Warn("failed to move default data slot", "error", err)
	}
	return true
}

func (sm *StateMachine) idleCallEnded(eventloop.Event) bool {
	sm.port.RemoveEvent(msgDsdsChanged)
	sm.notifyComplete()
	return true
}

func (sm *StateMachine) leaveSecondary() {
	if sm.ctx.DefaultDataSlot() != sm.ctx.PrimarySlot() {
		sm.transitionTo(StateDeactivating)
		return
	}
	sm.transitionTo(StateIdle)
}

func (sm *StateMachine) secondaryCallEnded(eventloop.Event) bool {
	if sm.callIdle() {
		sm.leaveSecondary()
	}
	return true
}

func (sm *StateMachine) secondarySettingsOff(eventloop.Event) bool {
	if !sm.switchOn() {
		sm.leaveSecondary()
	}
	return true
}

func (sm *StateMachine) activatingDataConnected(eventloop.Event) bool {
	sm.transitionTo(StateActivated)
	return true
}

func (sm *StateMachine) deactivatingDataDisconnected(eventloop.Event) bool {
	if sm.slotID != sm.ctx.PrimarySlot() {
		sm.transitionTo(StateIdle)
	}
	return true
}

func (sm *StateMachine) enterIdle() {
	if sm.callIdle() {
		sm.notifyComplete()
	}
}

func (sm *StateMachine) enterDeactivating() {
	primary := sm.ctx.PrimarySlot()
	backOnPrimary := sm.ctx.DefaultDataSlot() == primary
	if !backOnPrimary {
		if err := sm.ctx.SetDefaultDataSlot(primary); err != nil {
			sm.logger.Warn("failed to restore default data slot", "error", err)
		}
	}
	if backOnPrimary || !sm.hasAnyConnected() {
		sm.transitionTo(StateIdle)
	}
}

func (sm *StateMachine) notifyComplete() {
	sm.owner.SendEvent(CodeIncallDataComplete, sm.slotID)
}
