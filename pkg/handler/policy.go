package handler

import (
	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/apn"
	"github.com/markus-lassfolk/celldata/pkg/dataconn"
	"github.com/markus-lassfolk/celldata/pkg/eventloop"
)

// isRestrictedMode reports a voice call on a technology that cannot carry
// data at the same time
func (h *Handler) isRestrictedMode() bool {
	return h.callState.InCall() && !h.radioTech.SupportsConcurrentData()
}

func (h *Handler) isDefaultSlot() bool {
	return h.ctx.DefaultDataSlot() == h.slotID
}

func (h *Handler) isSinglePdp() bool {
	return h.opCfg.SinglePdpEnabled(h.radioTech)
}

// establishAllApnsIfConnectable walks the holders in priority order and
// tries every enabled one. Failed and retrying holders start over.
func (h *Handler) establishAllApnsIfConnectable() {
	for _, holder := range h.apnMgr.SortedApnHolders() {
		if !holder.IsDataCallEnabled() {
			continue
		}
		switch holder.State() {
		case pkg.ApnStateFailed, pkg.ApnStateRetrying:
			h.port.RemoveEvent(establishCode(holder.ID()))
			if id := holder.ReleaseDataConnection(); id != apn.NoMachine {
				h.disconnectMachine(id, holder.Role(), pkg.ReasonClearConnection)
			}
			holder.SetApnState(pkg.ApnStateIdle)
		}
		h.attemptEstablishDataConnection(holder)
	}
}

// attemptEstablishDataConnection brings holder up when every gate allows
// it. Calling it while a connection is in flight does nothing.
func (h *Handler) attemptEstablishDataConnection(holder *apn.Holder) bool {
	if !holder.IsDataCallEnabled() || h.radioPower != pkg.RadioPowerOn {
		return false
	}
	if (h.airplane || h.emergency) && !holder.IsEmergency() {
		h.logger.Debug("establish blocked", "role", holder.Role(), "airplane", h.airplane, "emergency", h.emergency)
		return false
	}
	if !h.checkCellularDataSlot(holder) {
		return false
	}
	if !holder.IsEmergency() && !h.checkAttachAndSimState(holder) {
		return false
	}
	if !h.checkRoamingState(holder) {
		return false
	}
	if !h.checkApnState(holder) {
		return false
	}
	return h.establishDataConnection(holder)
}

func (h *Handler) checkCellularDataSlot(holder *apn.Holder) bool {
	if holder.Role() == apn.RoleDefault && !h.isDefaultSlot() {
		h.logger.Debug("default role needs the default data slot", "default_slot", h.ctx.DefaultDataSlot())
		return false
	}
	return true
}

func (h *Handler) checkAttachAndSimState(holder *apn.Holder) bool {
	if holder.Role() == apn.RoleMMS && h.simState.IsReady() && !h.isDefaultSlot() {
		h.setDataPermittedForMms(true)
	}
	loaded := h.ctx.IsSimAccountLoaded(h.slotID)
	if !h.attached || !h.simState.IsReady() || !loaded {
		h.logger.Debug("establish needs attach and sim", "role", holder.Role(),
			"attached", h.attached, "sim_state", h.simState.String(), "sim_loaded", loaded)
		return false
	}
	return true
}

// checkRoamingState combines the data switches with the roaming and call
// restrictions. Emergency always passes.
func (h *Handler) checkRoamingState(holder *apn.Holder) bool {
	if holder.IsEmergency() {
		return true
	}
	allow := h.switches.IsAllowActiveData()
	switch {
	case h.roaming && !h.switches.IsUserDataRoamingOn():
		allow = false
	case holder.Role() == apn.RoleMMS:
		allow = true
	}
	if h.isRestrictedMode() || h.powerSave {
		allow = false
	}
	if !allow {
		h.logger.Debug("active data not allowed", "role", holder.Role(), "roaming", h.roaming,
			"restricted", h.isRestrictedMode(), "power_save", h.powerSave)
	}
	return allow
}

func (h *Handler) checkApnState(holder *apn.Holder) bool {
	switch holder.State() {
	case pkg.ApnStateDisconnecting:
		code := establishCode(holder.ID())
		if !h.port.HasEvent(code) {
			h.port.SendDelayed(eventloop.Event{Code: code}, EstablishDelay)
		}
		return false
	case pkg.ApnStateFailed:
		holder.SetApnState(pkg.ApnStateIdle)
	}
	if holder.State() != pkg.ApnStateIdle {
		return false
	}
	matched := h.apnMgr.FilterMatchedApns(holder.Role(), h.radioTech, h.roaming)
	if len(matched) == 0 {
		h.logger.Info("no matched apn", "role", holder.Role(), "radio_tech", h.radioTech.String())
		return false
	}
	holder.SetAllMatchedApns(matched)
	return true
}

func (h *Handler) hasAnyHigherPriorityConnection(holder *apn.Holder) bool {
	for _, other := range h.apnMgr.SortedApnHolders() {
		if other.Priority() <= holder.Priority() || !other.IsDataCallEnabled() {
			continue
		}
		switch other.State() {
		case pkg.ApnStateConnected, pkg.ApnStateConnecting, pkg.ApnStateDisconnecting:
			return true
		}
	}
	return false
}

func (h *Handler) establishDataConnection(holder *apn.Holder) bool {
	item := holder.GetNextRetryApn()
	if item == nil {
		h.logger.Warn("no usable apn left", "role", holder.Role())
		holder.SetApnState(pkg.ApnStateFailed)
		h.publish(pkg.EventFailed, holder.Role(), "", "every candidate apn is bad", nil)
		return false
	}

	if h.isSinglePdp() && !holder.IsEmergency() {
		if h.hasAnyHigherPriorityConnection(holder) {
			h.logger.Info("higher priority connection in progress", "role", holder.Role())
			return false
		}
		overall := h.apnMgr.GetOverallApnState()
		if overall == pkg.ApnStateConnecting || overall == pkg.ApnStateConnected {
			h.clearAllConnections(pkg.ReasonChangeConnection)
			return false
		}
	}

	sm := h.connMgr.FindIdleMachine(h.apnMgr.IsDataConnectionNotUsed)
	if sm == nil {
		sm = h.connMgr.CreateMachine(holder.Capability())
	}
	sm.SetCapability(holder.Capability())
	holder.SetCurrentApn(item)
	holder.SetApnState(pkg.ApnStateConnecting)
	holder.BindMachine(sm.ID())
	sm.Connect(dataconn.ConnectParams{
		Role:         holder.Role(),
		Apn:          item,
		Capability:   holder.Capability(),
		RadioTech:    h.radioTech,
		IsRoaming:    h.roaming,
		AllowRoaming: h.switches.IsUserDataRoamingOn(),
	})
	h.logger.Info("establishing data connection", "role", holder.Role(), "apn", item.Apn,
		"profile_id", item.ProfileID, "machine", sm.ID())
	h.publish(pkg.EventConnecting, holder.Role(), "", "establishing data connection",
		map[string]interface{}{"apn": item.Apn, "profile_id": item.ProfileID})
	return true
}

func (h *Handler) disconnectMachine(id int, role string, reason pkg.DisconnectReason) {
	sm := h.connMgr.Machine(id)
	if sm == nil {
		h.logger.Warn("no state machine to disconnect", "machine", id, "role", role)
		return
	}
	sm.Disconnect(dataconn.DisconnectParams{Role: role, Reason: reason})
}

// clearConnection tells the bound machine to tear down and marks the
// holder disconnecting until the completion arrives
func (h *Handler) clearConnection(holder *apn.Holder, reason pkg.DisconnectReason) {
	if reason != pkg.ReasonRetryConnection && holder.State() == pkg.ApnStateRetrying {
		h.port.RemoveEvent(establishCode(holder.ID()))
		holder.SetApnState(pkg.ApnStateIdle)
	}
	if !holder.HasMachine() {
		return
	}
	h.logger.Info("clearing data connection", "role", holder.Role(), "reason", reason.String())
	h.disconnectMachine(holder.MachineID(), holder.Role(), reason)
	holder.SetApnState(pkg.ApnStateDisconnecting)
	holder.UnbindMachine()
}

func (h *Handler) clearAllConnections(reason pkg.DisconnectReason) {
	for _, holder := range h.apnMgr.AllApnHolders() {
		h.clearConnection(holder, reason)
	}
	mon := h.connMgr.Monitor()
	mon.StopStallDetectionTimer()
	mon.EndNetStatistics()
	if !h.switches.IsUserDataOn() {
		mon.SetDataFlowType(pkg.DataFlowNone)
	}
}

// handleEstablish runs a posted or delayed establish for one holder
func (h *Handler) handleEstablish(roleID int) {
	holder := h.apnMgr.FindApnHolderByID(roleID)
	if holder == nil {
		h.logger.Warn("establish for unknown role", "role_id", roleID)
		return
	}
	if holder.State() == pkg.ApnStateRetrying {
		holder.SetApnState(pkg.ApnStateIdle)
	}
	if holder.IsDataCallEnabled() {
		h.attemptEstablishDataConnection(holder)
		return
	}
	reason := pkg.ReasonClearConnection
	if h.isSinglePdp() {
		reason = pkg.ReasonChangeConnection
	}
	h.clearConnection(holder, reason)
}

// handleSortConnection gives the highest priority enabled holder the next
// turn after a single PDP change
func (h *Handler) handleSortConnection() {
	overall := h.apnMgr.GetOverallApnState()
	if overall != pkg.ApnStateIdle && overall != pkg.ApnStateFailed {
		return
	}
	for _, holder := range h.apnMgr.SortedApnHolders() {
		if !holder.IsDataCallEnabled() {
			continue
		}
		code := establishCode(holder.ID())
		if !h.port.HasEvent(code) {
			h.port.SendDelayed(eventloop.Event{Code: code}, EstablishDelay)
		}
		return
	}
}

func (h *Handler) handleEstablishComplete(c dataconn.EstablishComplete) {
	holder := h.apnMgr.GetApnHolder(c.Role)
	if holder == nil || holder.MachineID() != c.MachineID {
		h.logger.Debug("stale establish completion", "role", c.Role, "machine", c.MachineID)
		return
	}
	holder.SetApnState(pkg.ApnStateConnected)
	holder.InitialApnRetryCount()
	if attach := h.apnMgr.GetRilAttachApn(); attach != nil && attach.Proxy != "" {
		h.connMgr.SetHttpProxy(attach.Proxy)
	}
	mon := h.connMgr.Monitor()
	mon.StartStallDetectionTimer()
	mon.BeginNetStatistics()
	if h.incall != nil {
		h.incall.DataConnected()
	}

	data := map[string]interface{}{"cid": c.Cid, "unmetered": h.opCfg.IsUnmetered(c.Role)}
	if item := holder.CurrentApn(); item != nil {
		data["apn"] = item.Apn
	}
	h.logger.Info("data connection established", "role", c.Role, "cid", c.Cid)
	h.publish(pkg.EventConnected, c.Role, "", "data connection established", data)
}

func (h *Handler) handleDisconnectComplete(c dataconn.DisconnectComplete) {
	holder := h.apnMgr.GetApnHolder(c.Role)
	if holder == nil {
		h.logger.Warn("disconnect completion for unknown role", "role", c.Role)
		return
	}
	if holder.HasMachine() && holder.MachineID() != c.MachineID {
		h.logger.Debug("stale disconnect completion", "role", c.Role, "machine", c.MachineID)
		return
	}
	holder.UnbindMachine()

	data := map[string]interface{}{"cause": int(c.Cause)}
	switch {
	case c.Reason == pkg.ReasonPermanentReject:
		holder.SetApnState(pkg.ApnStateFailed)
		h.publish(pkg.EventFailed, c.Role, c.Reason.String(), "activation rejected permanently", data)
	case c.Reason == pkg.ReasonRetryConnection && holder.IsDataCallEnabled():
		scene := apn.SceneConnectFailed
		switch {
		case h.ratRetry[c.Role]:
			scene = apn.SceneRatChanged
		case c.Cause == pkg.PdpCauseLostConnection:
			scene = apn.SceneLostConnection
		}
		delay, ok := holder.GetRetryDelay(c.Cause, c.RetryTime, scene)
		if !ok {
			holder.SetApnState(pkg.ApnStateFailed)
			h.publish(pkg.EventFailed, c.Role, c.Reason.String(), "retries exhausted", data)
			break
		}
		holder.SetApnState(pkg.ApnStateRetrying)
		code := establishCode(holder.ID())
		h.port.RemoveEvent(code)
		h.port.SendDelayed(eventloop.Event{Code: code}, delay)
		data["delay"] = delay.String()
		data["scene"] = scene.String()
		h.logger.Info("data connection retry scheduled", "role", c.Role, "delay", delay.String(), "cause", int(c.Cause))
		h.publish(pkg.EventRetryScheduled, c.Role, c.Reason.String(), "retry scheduled", data)
	default:
		holder.SetApnState(pkg.ApnStateIdle)
		h.publish(pkg.EventDisconnected, c.Role, c.Reason.String(), "data connection closed", data)
	}
	delete(h.ratRetry, c.Role)

	if !h.apnMgr.HasAnyConnectedState() {
		mon := h.connMgr.Monitor()
		mon.StopStallDetectionTimer()
		mon.EndNetStatistics()
		if h.isRestrictedMode() {
			mon.SetDataFlowType(pkg.DataFlowDormant)
		}
		if h.incall != nil {
			h.incall.DataDisconnected()
		}
	}
	if c.Role == apn.RoleMMS && !h.isDefaultSlot() {
		h.setDataPermittedForMms(false)
	}
	if c.Reason == pkg.ReasonChangeConnection {
		h.handleSortConnection()
	}
}

// clearConnectionIfRequired refreshes the candidates after a technology
// change and restarts connections whose candidate set changed
func (h *Handler) clearConnectionIfRequired() {
	for _, holder := range h.apnMgr.AllApnHolders() {
		matched := h.apnMgr.FilterMatchedApns(holder.Role(), h.radioTech, h.roaming)
		if apn.SameItems(matched, holder.MatchedApns()) {
			continue
		}
		holder.SetAllMatchedApns(matched)
		switch holder.State() {
		case pkg.ApnStateIdle, pkg.ApnStateFailed:
			continue
		}
		if holder.HasMachine() {
			h.ratRetry[holder.Role()] = true
		}
		h.clearConnection(holder, pkg.ReasonRetryConnection)
	}
}
