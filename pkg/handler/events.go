package handler

import (
	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/apn"
	"github.com/markus-lassfolk/celldata/pkg/eventloop"
	"github.com/markus-lassfolk/celldata/pkg/incall"
	"github.com/markus-lassfolk/celldata/pkg/radio"
	"github.com/markus-lassfolk/celldata/pkg/settings"
)

func (h *Handler) handleRequestNet(req pkg.NetRequest) {
	holder := h.apnMgr.FindApnHolderByID(apn.FindApnIDByCapability(req.Capability))
	if holder == nil {
		h.logger.Warn("no holder for request", "ident", req.Ident, "capability", uint64(req.Capability))
		return
	}
	if !holder.RequestCellularData(req) {
		h.logger.Debug("duplicate network request", "ident", req.Ident, "role", holder.Role())
	}
	h.handleEstablish(holder.ID())
}

func (h *Handler) handleReleaseNet(req pkg.NetRequest) {
	holder := h.apnMgr.FindApnHolderByID(apn.FindApnIDByCapability(req.Capability))
	if holder == nil {
		return
	}
	if !holder.ReleaseCellularData(req) {
		h.logger.Debug("release keeps the connection", "ident", req.Ident, "role", holder.Role(),
			"requests", len(holder.Requests()))
		return
	}
	h.handleEstablish(holder.ID())
}

func (h *Handler) handleSetDataEnable(on bool) {
	if err := h.switches.SetUserDataOn(on); err != nil {
		h.logger.Error("failed to persist data switch", "error", err)
	}
}

func (h *Handler) handleSetRoamingEnable(on bool) {
	if err := h.switches.SetUserDataRoamingOn(on); err != nil {
		h.logger.Error("failed to persist data roaming switch", "error", err)
	}
}

func (h *Handler) handleSetPolicyData(on bool) {
	if h.switches.IsPolicyDataOn() == on {
		return
	}
	h.switches.SetPolicyDataOn(on)
	h.publish(pkg.EventSwitchChanged, "", "", "policy data switch changed", map[string]interface{}{"policy_data": on})
	if on {
		h.establishAllApnsIfConnectable()
		return
	}
	h.clearAllConnections(pkg.ReasonClearConnection)
}

func (h *Handler) handlePowerSave(enter bool) {
	if h.powerSave == enter {
		return
	}
	h.powerSave = enter
	h.logger.Info("power save mode changed", "enter", enter)
	if enter {
		h.clearAllConnections(pkg.ReasonClearConnection)
		return
	}
	h.establishAllApnsIfConnectable()
}

// handleSettingChanged re-evaluates after a persisted switch changed, either
// through this handler or directly in the store
func (h *Handler) handleSettingChanged(c settingChange) {
	on := c.value == settings.Enabled
	data := map[string]interface{}{"column": c.column, "value": c.value}
	switch c.column {
	case settings.ColumnDataEnable:
		h.switches.LoadSwitchValue()
		h.publish(pkg.EventSwitchChanged, "", "", "data switch changed", data)
		if h.switches.IsUserDataOn() && h.isDefaultSlot() {
			h.establishAllApnsIfConnectable()
			return
		}
		h.clearAllConnections(pkg.ReasonClearConnection)

	case settings.SlotColumn(settings.ColumnDataRoamingEnable, h.slotID):
		h.switches.LoadSwitchValue()
		h.publish(pkg.EventSwitchChanged, "", "", "data roaming switch changed", data)
		if !h.roaming {
			return
		}
		overall := h.apnMgr.GetOverallApnState()
		if overall == pkg.ApnStateConnecting || overall == pkg.ApnStateConnected {
			h.clearAllConnections(pkg.ReasonRetryConnection)
		}
		h.establishAllApnsIfConnectable()

	case settings.SlotColumn(settings.ColumnIncallDataEnable, h.slotID):
		if h.incall == nil {
			return
		}
		if on {
			h.incall.SettingsOn()
		} else {
			h.incall.SettingsOff()
		}

	case settings.ColumnAirplaneMode:
		if h.airplane == on {
			return
		}
		h.airplane = on
		h.logger.Info("airplane mode changed", "on", on)
		if on {
			h.clearAllConnections(pkg.ReasonClearConnection)
			return
		}
		h.establishAllApnsIfConnectable()
	}
}

func (h *Handler) handleRadioEvent(ev radio.Event) {
	h.logger.Debug("radio event", "kind", ev.Kind.String())
	switch ev.Kind {
	case radio.EventPsAttached:
		h.attached = true
		overall := h.apnMgr.GetOverallApnState()
		if overall == pkg.ApnStateConnecting || overall == pkg.ApnStateConnected {
			h.clearAllConnections(pkg.ReasonRetryConnection)
		}
		h.establishAllApnsIfConnectable()

	case radio.EventPsDetached:
		h.attached = false
		if h.apnMgr.GetOverallApnState() != pkg.ApnStateIdle {
			h.clearAllConnections(pkg.ReasonRetryConnection)
		}

	case radio.EventRoamingOn, radio.EventRoamingOff:
		roaming := ev.Kind == radio.EventRoamingOn
		if h.roaming == roaming {
			return
		}
		h.roaming = roaming
		h.connMgr.NotifyRoaming(roaming)
		overall := h.apnMgr.GetOverallApnState()
		if overall == pkg.ApnStateConnecting || overall == pkg.ApnStateConnected {
			h.clearAllConnections(pkg.ReasonRetryConnection)
		}
		h.establishAllApnsIfConnectable()

	case radio.EventRatChanged:
		h.handleRatChanged(ev.RadioTech)

	case radio.EventSimStateChanged:
		h.handleSimStateChanged(ev.SimState)

	case radio.EventSimRecordsLoaded:
		h.handleSimRecordsLoaded(ev.Numeric)

	case radio.EventRadioPowerChanged:
		h.radioPower = ev.RadioPower
		switch ev.RadioPower {
		case pkg.RadioPowerOff, pkg.RadioPowerUnavailable:
			if h.apnMgr.GetOverallApnState() != pkg.ApnStateIdle {
				h.clearAllConnections(pkg.ReasonClearConnection)
			}
		case pkg.RadioPowerOn:
			h.establishAllApnsIfConnectable()
		}

	case radio.EventCallStateChanged:
		h.handleCallStateChanged(ev.CallState)

	case radio.EventImsRegChanged:
		h.ctx.SetImsRegistration(ev.SlotID, ev.ImsVoice, ev.ImsVideo)

	case radio.EventDataCallList:
		h.connMgr.HandleDataCallListChanged(ev.DataCalls)

	case radio.EventNrStateChanged:
		h.connMgr.NotifyNrState(ev.NrConnected)

	case radio.EventNrFrequencyChanged:
		h.connMgr.NotifyNrFrequency(ev.NrFrequency)

	case radio.EventEmergencyModeChanged:
		h.handleEmergencyMode(ev.Emergency)

	case radio.EventLinkCapabilityChanged:
		h.connMgr.NotifyLinkCapability(ev.LinkUpKbps, ev.LinkDownKbps)

	case radio.EventHostDied:
		h.logger.Warn("radio host died, dropping active contexts")
		for _, sm := range h.connMgr.ActiveConnections() {
			sm.LostConnection()
		}
	}
}

func (h *Handler) handleRatChanged(tech pkg.RadioTech) {
	if h.radioTech == tech {
		return
	}
	h.logger.Info("packet radio technology changed", "from", h.radioTech.String(), "to", tech.String())
	h.radioTech = tech
	h.ctx.SetPsRadioTech(h.slotID, tech)
	h.connMgr.NotifyRatChanged(tech)
	if !h.switches.IsUserDataOn() || !h.attached {
		return
	}
	h.clearConnectionIfRequired()
	h.establishAllApnsIfConnectable()
}

func (h *Handler) handleSimStateChanged(state pkg.SimState) {
	if h.simState == state {
		return
	}
	h.logger.Info("sim state changed", "from", h.simState.String(), "to", state.String())
	h.simState = state
	h.ctx.SetSimPresent(h.slotID, state != pkg.SimStateNotPresent && state != pkg.SimStateUnknown)
	if state.IsReady() {
		return
	}
	h.ctx.SetSimAccountLoaded(h.slotID, false)
	h.clearAllConnections(pkg.ReasonClearConnection)
	if state == pkg.SimStateNotPresent {
		for _, holder := range h.apnMgr.AllApnHolders() {
			if !holder.IsEmergency() {
				holder.ReleaseAllCellularData()
			}
		}
	}
	h.establishAllApnsIfConnectable()
}

// handleSimRecordsLoaded applies the operator configuration and profiles of
// the newly loaded SIM
func (h *Handler) handleSimRecordsLoaded(numeric string) {
	h.logger.Info("sim records loaded", "numeric", numeric)
	h.ctx.SetSimAccountLoaded(h.slotID, true)
	if h.apnMgr.GetOverallApnState() != pkg.ApnStateIdle {
		h.clearAllConnections(pkg.ReasonChangeConnection)
	}
	h.numeric = numeric
	h.opCfg = h.operators.Resolve(numeric)
	h.connMgr.SetLinkConfig(h.opCfg)
	h.switches.SetDefaultRoaming(h.opCfg.DefaultDataRoaming())
	h.switches.LoadSwitchValue()

	h.createApnItems()
	h.setRilAttachApn()
	h.setDataPermitted()
	if h.switches.IsUserDataOn() && h.isDefaultSlot() {
		h.establishAllApnsIfConnectable()
		return
	}
	h.clearAllConnections(pkg.ReasonClearConnection)
}

func (h *Handler) createApnItems() {
	if h.numeric == "" {
		h.apnMgr.CreateAllApnItem()
		return
	}
	ctx, cancel := h.storeContext()
	defer cancel()
	count := h.apnMgr.CreateApnItems(ctx, h.numeric)
	h.logger.Debug("apn items created", "numeric", h.numeric, "count", count)
}

// setRilAttachApn registers the initial attach profile. Without the esm
// flag an empty profile is sent.
func (h *Handler) setRilAttachApn() {
	attach := h.apnMgr.GetRilAttachApn()
	if attach == nil {
		h.logger.Warn("no attach apn")
		return
	}
	profile := radio.Profile{}
	if h.opCfg.EsmFlag() {
		profile = radio.Profile{
			ProfileID:       attach.ProfileID,
			Apn:             attach.Apn,
			Protocol:        attach.Protocol,
			RoamingProtocol: attach.RoamingProtocol,
			AuthType:        attach.AuthType,
			User:            attach.User,
			Password:        attach.Password,
		}
	}
	ctx, cancel := h.storeContext()
	defer cancel()
	if err := h.radio.SetInitialApn(ctx, h.slotID, profile); err != nil {
		h.logger.Warn("failed to set initial attach apn", "error", err)
	}
}

func (h *Handler) dataPermitted() bool {
	return h.ctx.DsdsMode() >= pkg.DsdsModeV3 || h.isDefaultSlot()
}

func (h *Handler) setDataPermitted() {
	ctx, cancel := h.storeContext()
	defer cancel()
	if err := h.radio.SetDataPermitted(ctx, h.slotID, h.dataPermitted()); err != nil {
		h.logger.Warn("failed to set data permitted", "error", err)
	}
}

// setDataPermittedForMms lets MMS use a slot that does not carry default data
func (h *Handler) setDataPermittedForMms(permitted bool) {
	if h.dataPermitted() {
		return
	}
	ctx, cancel := h.storeContext()
	defer cancel()
	if err := h.radio.SetDataPermitted(ctx, h.slotID, permitted); err != nil {
		h.logger.Warn("failed to set data permitted for mms", "permitted", permitted, "error", err)
	}
}

func (h *Handler) handleApnChanged() {
	h.logger.Info("apn profiles changed")
	h.createApnItems()
	h.apnMgr.ClearAllApnBad()
	h.setRilAttachApn()
	overall := h.apnMgr.GetOverallApnState()
	if overall == pkg.ApnStateConnecting || overall == pkg.ApnStateConnected {
		h.clearAllConnections(pkg.ReasonRetryConnection)
	}
	for _, holder := range h.apnMgr.AllApnHolders() {
		code := establishCode(holder.ID())
		h.port.RemoveEvent(code)
		h.port.SendDelayed(eventloop.Event{Code: code}, EstablishDelay)
	}
}

func (h *Handler) handleFactoryReset() {
	h.logger.Info("factory reset")
	h.handleSetDataEnable(true)
	h.handleSetRoamingEnable(h.opCfg.DefaultDataRoaming())
	ctx, cancel := h.storeContext()
	defer cancel()
	if err := h.apnMgr.ResetApns(ctx); err != nil {
		h.logger.Warn("failed to reset apns", "error", err)
	}
	h.handleApnChanged()
}

func (h *Handler) handleDefaultSlotChanged(from, to int) {
	h.logger.Info("default data slot changed", "from", from, "to", to)
	h.setDataPermitted()
	h.switches.LoadSwitchValue()
	if to == h.slotID {
		h.publish(pkg.EventSlotChanged, "", "", "slot became the default data slot",
			map[string]interface{}{"from": from, "to": to})
	}
	if to == h.slotID && h.switches.IsUserDataOn() {
		h.establishAllApnsIfConnectable()
		return
	}
	h.clearAllConnections(pkg.ReasonClearConnection)
}

func (h *Handler) handleDsdsChanged() {
	mode := h.ctx.DsdsMode()
	h.logger.Info("dual sim mode changed", "mode", mode.String())
	h.setDataPermitted()
	enable := h.dataPermitted()
	if h.switches.IsInternalDataOn() != enable {
		h.switches.SetInternalDataOn(enable)
		if enable {
			h.establishAllApnsIfConnectable()
		} else {
			h.clearAllConnections(pkg.ReasonClearConnection)
		}
	}
	if h.incall != nil {
		h.incall.DsdsChanged()
	}
}

func (h *Handler) handleEmergencyMode(on bool) {
	if h.emergency == on {
		return
	}
	h.emergency = on
	h.logger.Info("emergency call mode changed", "on", on)
	if on {
		overall := h.apnMgr.GetOverallApnState()
		if overall == pkg.ApnStateConnecting || overall == pkg.ApnStateConnected {
			h.clearAllConnections(pkg.ReasonClearConnection)
		}
		return
	}
	switch h.apnMgr.GetOverallDefaultApnState() {
	case pkg.ApnStateIdle, pkg.ApnStateDisconnecting:
		h.establishAllApnsIfConnectable()
	}
}

// handleCallStateChanged drives the in-call machine when the primary slot
// is IMS registered and applies the circuit switched restriction otherwise
func (h *Handler) handleCallStateChanged(state pkg.CallState) {
	if h.callState == state {
		return
	}
	prev := h.callState
	h.callState = state
	h.connMgr.NotifyVoiceCall(state.InCall())

	if h.ctx.ImsRegistered(h.slotID) {
		if h.incall == nil && (state == pkg.CallStateDialing || state == pkg.CallStateIncoming) {
			h.incall = incall.New(incall.Config{
				SlotID:          h.slotID,
				Loop:            h.loop,
				Owner:           h.port,
				Context:         h.ctx,
				SwitchOn:        h.switches.IsIncallDataOn,
				HasAnyConnected: h.apnMgr.HasAnyConnectedState,
				CallState:       state,
				Logger:          h.logger,
			})
		}
		if h.incall != nil {
			if state.InCall() {
				h.incall.CallStarted(state)
			} else {
				h.incall.CallEnded(state)
			}
		}
		return
	}

	mon := h.connMgr.Monitor()
	switch {
	case h.isRestrictedMode() && !prev.InCall():
		h.logger.Info("voice call without concurrent data", "radio_tech", h.radioTech.String())
		h.clearAllConnections(pkg.ReasonGsmAndCallingOnly)
		mon.SetDataFlowType(pkg.DataFlowDormant)
	case !state.InCall() && prev.InCall():
		mon.SetDataFlowType(pkg.DataFlowNone)
		if h.apnMgr.HasAnyConnectedState() {
			mon.StartStallDetectionTimer()
			mon.BeginNetStatistics()
		}
		h.establishAllApnsIfConnectable()
	}
}

func (h *Handler) handleIncallComplete() {
	if h.incall == nil || h.callState.InCall() {
		return
	}
	h.logger.Debug("in-call data finished")
	h.incall.Release()
	h.incall = nil
}
