// Package handler is the per-slot cellular data orchestrator. It owns the
// APN holders, the connection state machines and the in-call machine of one
// SIM slot and decides when connections are brought up or torn down.
//
// Everything except the exported request methods and the status accessors
// runs on the slot event loop.
package handler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/apn"
	"github.com/markus-lassfolk/celldata/pkg/dataconn"
	"github.com/markus-lassfolk/celldata/pkg/eventloop"
	"github.com/markus-lassfolk/celldata/pkg/incall"
	"github.com/markus-lassfolk/celldata/pkg/logx"
	"github.com/markus-lassfolk/celldata/pkg/netagent"
	"github.com/markus-lassfolk/celldata/pkg/opconfig"
	"github.com/markus-lassfolk/celldata/pkg/radio"
	"github.com/markus-lassfolk/celldata/pkg/settings"
	"github.com/markus-lassfolk/celldata/pkg/slots"
)

// Timing used by the policy
const (
	EstablishDelay = time.Second
	StoreTimeout   = 5 * time.Second
)

const (
	msgRequestNet eventloop.Code = iota + 1
	msgReleaseNet
	msgSetDataEnable
	msgSetRoamingEnable
	msgSetIncallEnable
	msgSetPolicyData
	msgPowerSave
	msgClearAll
	msgApnChanged
	msgFactoryReset
	msgRadioEvent
	msgSettingChanged
	msgDefaultSlotChanged
	msgDsdsChanged
)

// msgEstablishBase plus a role id is the per-holder establish code, so a
// pending establish can be looked up and removed per holder.
const msgEstablishBase eventloop.Code = 100

func establishCode(roleID int) eventloop.Code {
	return msgEstablishBase + eventloop.Code(roleID)
}

type settingChange struct {
	column string
	value  int
}

type slotChange struct {
	from, to int
}

// Observer receives connection lifecycle events
type Observer interface {
	Publish(ev pkg.Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ev pkg.Event)

// Publish implements Observer
func (f ObserverFunc) Publish(ev pkg.Event) { f(ev) }

// Config wires a Handler to its slot
type Config struct {
	SlotID    int
	Loop      *eventloop.Loop
	Context   *slots.Context
	Radio     radio.Radio
	Agent     *netagent.Agent
	Traffic   radio.TrafficSource
	Settings  settings.Store
	Profiles  apn.ProfileSource
	Operators *opconfig.File
	Observer  Observer
	Logger    *logx.Logger

	// RetryDelay replaces the back-off curve of every holder when set
	RetryDelay        apn.DelayFunc
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// Handler is the cellular data handler of one slot
type Handler struct {
	slotID    int
	loop      *eventloop.Loop
	port      *eventloop.Port
	ctx       *slots.Context
	radio     radio.Radio
	store     settings.Store
	operators *opconfig.File
	observer  Observer
	logger    *logx.Logger

	apnMgr   *apn.Manager
	connMgr  *dataconn.Manager
	switches *settings.DataSwitchSettings
	incall   *incall.StateMachine
	opCfg    *opconfig.Config

	// Radio facts, owned by the loop
	attached   bool
	roaming    bool
	simState   pkg.SimState
	radioTech  pkg.RadioTech
	radioPower pkg.RadioPowerState
	callState  pkg.CallState
	emergency  bool
	numeric    string

	// Gates layered over the user switches
	airplane  bool
	powerSave bool

	ratRetry map[string]bool

	mu     sync.RWMutex
	status snapshot
}

type snapshot struct {
	slot      pkg.SlotStatus
	dataState pkg.DataConnectionStatus
	holders   map[string]pkg.ApnState
	apnAttr   *apn.Config
	ipType    string
	flow      pkg.DataFlowType
	recovery  pkg.RecoveryState
	internet  map[int]bool
}

// New creates the handler and its collaborators. Call Init on the loop
// before posting anything else.
func New(cfg Config) *Handler {
	logger := cfg.Logger.With("slot", cfg.SlotID)
	h := &Handler{
		slotID:     cfg.SlotID,
		loop:       cfg.Loop,
		ctx:        cfg.Context,
		radio:      cfg.Radio,
		store:      cfg.Settings,
		operators:  cfg.Operators,
		observer:   cfg.Observer,
		logger:     logger,
		opCfg:      opconfig.Builtin(),
		radioPower: pkg.RadioPowerOn,
		callState:  pkg.CallStateIdle,
		ratRetry:   make(map[string]bool),
	}
	if h.store == nil {
		h.store = settings.NewMemoryStore()
	}
	h.port = cfg.Loop.Bind(h)
	h.apnMgr = apn.NewManager(cfg.SlotID, cfg.Profiles, logger)
	h.switches = settings.NewDataSwitchSettings(cfg.SlotID, h.store, logger)
	h.connMgr = dataconn.NewManager(dataconn.Config{
		SlotID:            cfg.SlotID,
		Loop:              cfg.Loop,
		Owner:             h.port,
		Radio:             cfg.Radio,
		Agent:             cfg.Agent,
		Traffic:           cfg.Traffic,
		Link:              h.opCfg,
		Logger:            cfg.Logger,
		ConnectTimeout:    cfg.ConnectTimeout,
		DisconnectTimeout: cfg.DisconnectTimeout,
	})

	h.apnMgr.InitApnHolders()
	if cfg.RetryDelay != nil {
		for _, holder := range h.apnMgr.AllApnHolders() {
			holder.RetryPolicy().SetDelayFunc(cfg.RetryDelay)
		}
	}
	return h
}

// SlotID returns the slot served by the handler
func (h *Handler) SlotID() int { return h.slotID }

// Init loads the switches and the built-in profiles and subscribes to
// settings and default slot changes. It must run on the loop.
func (h *Handler) Init() {
	h.apnMgr.CreateAllApnItem()
	h.switches.SetDefaultRoaming(h.opCfg.DefaultDataRoaming())
	h.switches.LoadSwitchValue()
	h.airplane = settings.IsAirplaneModeOn(h.store)

	port := h.port
	watch := func(column string, value int) {
		port.SendEvent(msgSettingChanged, settingChange{column, value})
	}
	h.store.Watch(settings.ColumnDataEnable, watch)
	h.store.Watch(settings.SlotColumn(settings.ColumnDataRoamingEnable, h.slotID), watch)
	h.store.Watch(settings.SlotColumn(settings.ColumnIncallDataEnable, h.slotID), watch)
	h.store.Watch(settings.ColumnAirplaneMode, watch)
	h.ctx.OnDefaultDataSlotChanged(func(from, to int) {
		port.SendEvent(msgDefaultSlotChanged, slotChange{from, to})
	})

	h.setDataPermitted()
	h.logger.Info("cellular data handler initialized",
		"data_enabled", h.switches.IsUserDataOn(),
		"roaming_enabled", h.switches.IsUserDataRoamingOn(),
		"airplane", h.airplane)
	h.refreshStatus()
}

// Stop releases the handler, its machines and the in-call machine. It must
// run on the loop.
func (h *Handler) Stop() {
	h.port.Release()
	if h.incall != nil {
		h.incall.Release()
		h.incall = nil
	}
	h.connMgr.Stop()
	h.logger.Info("cellular data handler stopped")
}

// RequestNet records a network request and establishes the matching role.
// It returns false for a capability no role serves.
func (h *Handler) RequestNet(req pkg.NetRequest) bool {
	if apn.FindApnIDByCapability(req.Capability) == apn.RoleIDInvalid {
		h.logger.Warn("request for unsupported capability", "ident", req.Ident, "capability", uint64(req.Capability))
		return false
	}
	return h.port.SendEvent(msgRequestNet, req)
}

// ReleaseNet drops a network request. The connection is torn down once the
// last requester of its role is gone.
func (h *Handler) ReleaseNet(req pkg.NetRequest) bool {
	if apn.FindApnIDByCapability(req.Capability) == apn.RoleIDInvalid {
		return false
	}
	return h.port.SendEvent(msgReleaseNet, req)
}

// SetCellularDataEnable sets the user data switch
func (h *Handler) SetCellularDataEnable(on bool) bool {
	return h.port.SendEvent(msgSetDataEnable, on)
}

// SetCellularDataRoamingEnabled sets the user data roaming switch of the slot
func (h *Handler) SetCellularDataRoamingEnabled(on bool) bool {
	return h.port.SendEvent(msgSetRoamingEnable, on)
}

// SetIncallDataEnable sets the in-call data switch of the slot
func (h *Handler) SetIncallDataEnable(on bool) bool {
	return h.port.SendEvent(msgSetIncallEnable, on)
}

// SetPolicyDataOn sets the data policy switch
func (h *Handler) SetPolicyDataOn(on bool) bool {
	return h.port.SendEvent(msgSetPolicyData, on)
}

// SetPowerSaveMode enters or leaves the system power save mode
func (h *Handler) SetPowerSaveMode(enter bool) bool {
	return h.port.SendEvent(msgPowerSave, enter)
}

// ClearAllConnections tears every connection down with reason
func (h *Handler) ClearAllConnections(reason pkg.DisconnectReason) bool {
	return h.port.SendEvent(msgClearAll, reason)
}

// HandleApnChanged reloads the profiles after the APN store changed
func (h *Handler) HandleApnChanged() bool {
	return h.port.SendEvent(msgApnChanged, nil)
}

// FactoryReset restores the switches and the APN store
func (h *Handler) FactoryReset() bool {
	return h.port.SendEvent(msgFactoryReset, nil)
}

// HandleRadioEvent queues an unsolicited radio event
func (h *Handler) HandleRadioEvent(ev radio.Event) bool {
	return h.port.SendEvent(msgRadioEvent, ev)
}

// HandleDsdsModeChanged re-evaluates data permission after the dual SIM mode changed
func (h *Handler) HandleDsdsModeChanged() bool {
	return h.port.SendEvent(msgDsdsChanged, nil)
}

// IsCellularDataEnabled returns the user data switch
func (h *Handler) IsCellularDataEnabled() bool {
	return h.switches.IsUserDataOn()
}

// IsCellularDataRoamingEnabled returns the user data roaming switch
func (h *Handler) IsCellularDataRoamingEnabled() bool {
	return h.switches.IsUserDataRoamingOn()
}

// IsIncallDataEnabled returns the in-call data switch
func (h *Handler) IsIncallDataEnabled() bool {
	return h.switches.IsIncallDataOn()
}

// ProcessEvent implements eventloop.Handler
func (h *Handler) ProcessEvent(ev eventloop.Event) {
	defer h.refreshStatus()

	if ev.Code >= msgEstablishBase && ev.Code <= establishCode(apn.RoleIDXCAP) {
		h.handleEstablish(int(ev.Code - msgEstablishBase))
		return
	}

	switch ev.Code {
	case msgRequestNet:
		if req, ok := ev.Data.(pkg.NetRequest); ok {
			h.handleRequestNet(req)
		}
	case msgReleaseNet:
		if req, ok := ev.Data.(pkg.NetRequest); ok {
			h.handleReleaseNet(req)
		}
	case msgSetDataEnable:
		if on, ok := h.boolData(ev); ok {
			h.handleSetDataEnable(on)
		}
	case msgSetRoamingEnable:
		if on, ok := h.boolData(ev); ok {
			h.handleSetRoamingEnable(on)
		}
	case msgSetIncallEnable:
		if on, ok := h.boolData(ev); ok {
			if err := h.switches.SetIncallDataOn(on); err != nil {
				h.logger.Error("failed to persist in-call data switch", "error", err)
			}
		}
	case msgSetPolicyData:
		if on, ok := h.boolData(ev); ok {
			h.handleSetPolicyData(on)
		}
	case msgPowerSave:
		if on, ok := h.boolData(ev); ok {
			h.handlePowerSave(on)
		}
	case msgClearAll:
		if reason, ok := ev.Data.(pkg.DisconnectReason); ok {
			h.clearAllConnections(reason)
		} else {
			h.logger.Warn("malformed event payload", "code", int(ev.Code))
		}
	case msgApnChanged:
		h.handleApnChanged()
	case msgFactoryReset:
		h.handleFactoryReset()
	case msgRadioEvent:
		if rev, ok := ev.Data.(radio.Event); ok {
			h.handleRadioEvent(rev)
		}
	case msgSettingChanged:
		if c, ok := ev.Data.(settingChange); ok {
			h.handleSettingChanged(c)
		}
	case msgDefaultSlotChanged:
		if c, ok := ev.Data.(slotChange); ok {
			h.handleDefaultSlotChanged(c.from, c.to)
		}
	case msgDsdsChanged:
		h.handleDsdsChanged()

	case dataconn.CodeEstablishComplete:
		if c, ok := ev.Data.(dataconn.EstablishComplete); ok {
			h.handleEstablishComplete(c)
		}
	case dataconn.CodeDisconnectComplete:
		if c, ok := ev.Data.(dataconn.DisconnectComplete); ok {
			h.handleDisconnectComplete(c)
		}
	case dataconn.CodeFlowTypeChanged:
		h.logger.Debug("data flow type changed", "flow_type", h.connMgr.Monitor().DataFlowType().String())
	case dataconn.CodeRecoveryCleanup:
		reason, _ := ev.Data.(pkg.DisconnectReason)
		h.logger.Warn("data stall recovery tearing connections down", "reason", reason.String())
		h.clearAllConnections(reason)
	case dataconn.CodeRecoveryStateChanged:
		if s, ok := ev.Data.(pkg.RecoveryState); ok {
			h.publish(pkg.EventRecovery, "", "", "data stall recovery state changed",
				map[string]interface{}{"recovery_state": s.String()})
		}
	case incall.CodeIncallDataComplete:
		h.handleIncallComplete()
	default:
		h.logger.Debug("unhandled handler event", "code", int(ev.Code))
	}
}

func (h *Handler) boolData(ev eventloop.Event) (bool, bool) {
	on, ok := ev.Data.(bool)
	if !ok {
		h.logger.Warn("malformed event payload", "code", int(ev.Code))
	}
	return on, ok
}

func (h *Handler) publish(typ pkg.EventType, role, reason, msg string, data map[string]interface{}) {
	ev := pkg.Event{
		ID:        uuid.NewString(),
		SlotID:    h.slotID,
		Type:      typ,
		Role:      role,
		Reason:    reason,
		Message:   msg,
		Timestamp: h.loop.Now(),
		Data:      data,
	}
	if h.observer != nil {
		h.observer.Publish(ev)
	}
}

func (h *Handler) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), StoreTimeout)
}

// refreshStatus rebuilds the snapshot read by the accessors
func (h *Handler) refreshStatus() {
	mon := h.connMgr.Monitor()
	snap := snapshot{
		holders:  make(map[string]pkg.ApnState),
		internet: make(map[int]bool),
		flow:     mon.DataFlowType(),
		recovery: mon.RecoveryState(),
	}
	names := make(map[string]string)
	for _, holder := range h.apnMgr.AllApnHolders() {
		snap.holders[holder.Role()] = holder.State()
		names[holder.Role()] = holder.State().String()
	}
	for _, sm := range h.connMgr.ActiveConnections() {
		snap.internet[sm.Cid()] = h.connMgr.HasInternetCapability(sm.Cid())
	}
	snap.dataState = h.cellularDataState()
	snap.apnAttr, snap.ipType = h.dataConnAttr()

	snap.slot = pkg.SlotStatus{
		SlotID:         h.slotID,
		State:          h.apnMgr.GetOverallApnState().String(),
		DataState:      snap.dataState.String(),
		DataEnabled:    h.switches.IsUserDataOn(),
		RoamingEnabled: h.switches.IsUserDataRoamingOn(),
		Roaming:        h.roaming,
		Attached:       h.attached,
		SimState:       h.simState.String(),
		RadioTech:      h.radioTech.String(),
		FlowType:       snap.flow.String(),
		RecoveryState:  snap.recovery.String(),
		Holders:        names,
		IPType:         snap.ipType,
		UpdatedAt:      h.loop.Now(),
	}

	h.mu.Lock()
	h.status = snap
	h.mu.Unlock()
}

func (h *Handler) cellularDataState() pkg.DataConnectionStatus {
	st := pkg.StatusFromApnState(h.apnMgr.GetOverallDefaultApnState())
	if st == pkg.DataStateConnected && h.isRestrictedMode() {
		return pkg.DataStateSuspended
	}
	return st
}

// dataConnAttr returns the profile and ip type of the first enabled holder
func (h *Handler) dataConnAttr() (*apn.Config, string) {
	var attr *apn.Config
	for _, holder := range h.apnMgr.AllApnHolders() {
		if !holder.IsDataCallEnabled() || holder.CurrentApn() == nil {
			continue
		}
		cfg := holder.CurrentApn().Config
		cfg.Password = ""
		attr = &cfg
		break
	}
	for _, holder := range h.apnMgr.AllApnHolders() {
		if !holder.IsDataCallEnabled() || !holder.HasMachine() {
			continue
		}
		if sm := h.connMgr.Machine(holder.MachineID()); sm != nil {
			return attr, sm.IPType()
		}
	}
	return attr, ""
}

// Status returns a snapshot of the slot
func (h *Handler) Status() pkg.SlotStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := h.status.slot
	holders := make(map[string]string, len(st.Holders))
	for k, v := range st.Holders {
		holders[k] = v
	}
	st.Holders = holders
	return st
}

// GetCellularDataState returns the reported data state of the default role
func (h *Handler) GetCellularDataState() pkg.DataConnectionStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.status.holders == nil {
		return pkg.DataStateDisconnected
	}
	return h.status.dataState
}

// GetApnState returns the state of the holder of role
func (h *Handler) GetApnState(role string) (pkg.ApnState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.status.holders[role]
	return s, ok
}

// GetDataConnApnAttr returns the profile of the current data connection
func (h *Handler) GetDataConnApnAttr() (apn.Config, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.status.apnAttr == nil {
		return apn.Config{}, false
	}
	return *h.status.apnAttr, true
}

// GetDataConnIpType returns the ip type of the current data connection
func (h *Handler) GetDataConnIpType() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status.ipType
}

// GetDataRecoveryState returns the step the next stall recovery takes
func (h *Handler) GetDataRecoveryState() pkg.RecoveryState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status.recovery
}

// GetCellularDataFlowType returns the direction of recent traffic
func (h *Handler) GetCellularDataFlowType() pkg.DataFlowType {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status.flow
}

// HasInternetCapability reports whether the active context cid serves internet
func (h *Handler) HasInternetCapability(cid int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status.internet[cid]
}
