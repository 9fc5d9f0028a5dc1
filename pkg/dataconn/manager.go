// Package dataconn manages the PDP contexts of one SIM slot: a state machine
// per context, the table of active contexts and the stall monitor.
package dataconn

import (
	"sort"
	"time"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/eventloop"
	"github.com/markus-lassfolk/celldata/pkg/logx"
	"github.com/markus-lassfolk/celldata/pkg/netagent"
	"github.com/markus-lassfolk/celldata/pkg/radio"
)

// Codes posted to the owner port. They start high so owners can keep their
// own codes below.
const (
	CodeEstablishComplete eventloop.Code = 2001 + iota
	CodeDisconnectComplete
	CodeFlowTypeChanged
	CodeRecoveryCleanup
	CodeRecoveryStateChanged
)

// EstablishComplete is the payload of CodeEstablishComplete
type EstablishComplete struct {
	MachineID int
	Role      string
	Cid       int
}

// DisconnectComplete is the payload of CodeDisconnectComplete
type DisconnectComplete struct {
	MachineID int
	Role      string
	Reason    pkg.DisconnectReason
	Cause     pkg.PdpCause
	RetryTime time.Duration
}

// Config wires a Manager to its slot
type Config struct {
	SlotID            int
	Loop              *eventloop.Loop
	Owner             *eventloop.Port
	Radio             radio.Radio
	Agent             *netagent.Agent
	Traffic           radio.TrafficSource
	Link              LinkConfig
	Logger            *logx.Logger
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// Manager owns the state machine arena of a slot and the cid index of the
// active ones. It is only used from the slot loop.
type Manager struct {
	slotID            int
	loop              *eventloop.Loop
	owner             *eventloop.Port
	radio             radio.Radio
	agent             *netagent.Agent
	link              LinkConfig
	logger            *logx.Logger
	connectTimeout    time.Duration
	disconnectTimeout time.Duration

	machines []*StateMachine
	active   map[int]*StateMachine
	monitor  *Monitor
}

// NewManager creates the manager and its monitor
func NewManager(cfg Config) *Manager {
	m := &Manager{
		slotID:            cfg.SlotID,
		loop:              cfg.Loop,
		owner:             cfg.Owner,
		radio:             cfg.Radio,
		agent:             cfg.Agent,
		link:              cfg.Link,
		logger:            cfg.Logger.With("slot", cfg.SlotID),
		connectTimeout:    cfg.ConnectTimeout,
		disconnectTimeout: cfg.DisconnectTimeout,
		active:            make(map[int]*StateMachine),
	}
	if m.link == nil {
		m.link = BuiltinLinkConfig()
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = DefaultConnectTimeout
	}
	if m.disconnectTimeout <= 0 {
		m.disconnectTimeout = DefaultDisconnectTimeout
	}
	m.monitor = newMonitor(m, cfg.Traffic)
	return m
}

// SlotID returns the slot the manager serves
func (m *Manager) SlotID() int { return m.slotID }

// Monitor returns the stall and flow monitor
func (m *Manager) Monitor() *Monitor { return m.monitor }

// SetLinkConfig replaces the operator link configuration. Contexts brought
// up afterwards use it; a nil config restores the built-in values.
func (m *Manager) SetLinkConfig(link LinkConfig) {
	if link == nil {
		link = BuiltinLinkConfig()
	}
	m.link = link
}

// CreateMachine adds a new Inactive machine to the arena
func (m *Manager) CreateMachine(capability pkg.NetCapability) *StateMachine {
	sm := newStateMachine(len(m.machines), m)
	sm.capability = capability
	m.machines = append(m.machines, sm)
	m.logger.Debug("created state machine", "machine", sm.id)
	return sm
}

// Machine returns the machine with id or nil
func (m *Manager) Machine(id int) *StateMachine {
	if id < 0 || id >= len(m.machines) {
		return nil
	}
	return m.machines[id]
}

// Machines returns every machine in the arena
func (m *Manager) Machines() []*StateMachine {
	return m.machines
}

// FindIdleMachine returns an Inactive machine that unused reports as free
func (m *Manager) FindIdleMachine(unused func(id int) bool) *StateMachine {
	for _, sm := range m.machines {
		if sm.IsInactive() && !sm.port.HasEvent(msgConnect) && unused(sm.id) {
			return sm
		}
	}
	return nil
}

// AddActiveConnectionByCid indexes an activated machine by its cid
func (m *Manager) AddActiveConnectionByCid(sm *StateMachine) {
	if sm == nil || sm.cid == 0 {
		return
	}
	m.active[sm.cid] = sm
	m.logger.Debug("active connection added", "cid", sm.cid, "active", len(m.active))
}

// RemoveActiveConnectionByCid drops the cid from the index
func (m *Manager) RemoveActiveConnectionByCid(cid int) {
	delete(m.active, cid)
}

// GetActiveConnectionByCid returns the active machine for cid or nil
func (m *Manager) GetActiveConnectionByCid(cid int) *StateMachine {
	return m.active[cid]
}

// ActiveConnections returns the active machines ordered by cid
func (m *Manager) ActiveConnections() []*StateMachine {
	out := make([]*StateMachine, 0, len(m.active))
	for _, sm := range m.active {
		out = append(out, sm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cid < out[j].cid })
	return out
}

// IsNoActiveConnection reports whether no context is up
func (m *Manager) IsNoActiveConnection() bool {
	return len(m.active) == 0
}

// HasInternetCapability reports whether the context cid serves internet
func (m *Manager) HasInternetCapability(cid int) bool {
	sm := m.active[cid]
	return sm != nil && sm.capability&pkg.NetCapInternet != 0
}

// HandleDataCallListChanged reconciles the active table with the list the
// radio reported. Contexts missing from the list are treated as lost.
func (m *Manager) HandleDataCallListChanged(calls []radio.DataCall) {
	reported := make(map[int]radio.DataCall, len(calls))
	for _, c := range calls {
		if c.Active {
			reported[c.Cid] = c
		}
	}
	for _, sm := range m.ActiveConnections() {
		call, ok := reported[sm.cid]
		if !ok {
			m.logger.Info("context missing from data call list", "cid", sm.cid)
			sm.LostConnection()
			continue
		}
		sm.UpdateNetworkInfo(call)
	}
}

// NotifyRoaming forwards a roaming change to every machine
func (m *Manager) NotifyRoaming(roaming bool) {
	for _, sm := range m.machines {
		sm.NotifyRoaming(roaming)
	}
}

// NotifyVoiceCall forwards a call start or end to every machine
func (m *Manager) NotifyVoiceCall(started bool) {
	for _, sm := range m.machines {
		sm.NotifyVoiceCall(started)
	}
}

// NotifyRatChanged forwards a RAT change to every machine
func (m *Manager) NotifyRatChanged(tech pkg.RadioTech) {
	for _, sm := range m.machines {
		sm.NotifyRatChanged(tech)
	}
}

// NotifyNrState forwards the NR state to every machine
func (m *Manager) NotifyNrState(connected bool) {
	for _, sm := range m.machines {
		sm.NotifyNrState(connected)
	}
}

// NotifyNrFrequency forwards the NR frequency to every machine
func (m *Manager) NotifyNrFrequency(freq int) {
	for _, sm := range m.machines {
		sm.NotifyNrFrequency(freq)
	}
}

// NotifyLinkCapability forwards reported bandwidth to the active machines
func (m *Manager) NotifyLinkCapability(upKbps, downKbps uint32) {
	for _, sm := range m.ActiveConnections() {
		sm.NotifyLinkCapability(upKbps, downKbps)
	}
}

// SetHttpProxy forwards a proxy change to every machine
func (m *Manager) SetHttpProxy(proxy string) {
	for _, sm := range m.machines {
		sm.SetHttpProxy(proxy)
	}
}

// Stop releases every machine port and stops the monitor timers
func (m *Manager) Stop() {
	m.monitor.StopStallDetectionTimer()
	m.monitor.EndNetStatistics()
	m.monitor.port.Release()
	for _, sm := range m.machines {
		sm.port.Release()
	}
	m.active = make(map[int]*StateMachine)
}

func (m *Manager) notifyOwner(code eventloop.Code, data interface{}) {
	if !m.owner.SendEvent(code, data) {
		m.logger.Debug("owner gone, dropping notification", "code", int(code))
	}
}
