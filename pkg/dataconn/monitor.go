package dataconn

import (
	"context"
	"time"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/eventloop"
	"github.com/markus-lassfolk/celldata/pkg/logx"
	"github.com/markus-lassfolk/celldata/pkg/radio"
)

// Monitor periods and thresholds
const (
	NetStatisticsPeriod   = 3 * time.Second
	StallDetectionPeriod  = 10 * time.Second
	RecoveryTriggerPacket = 10
)

const (
	msgRunMonitorTask eventloop.Code = iota + 1
	msgStallDetection
	msgRadioOn
)

// Monitor watches the slot's packet counters. A 3s statistics tick derives
// the data flow type; a 10s stall tick escalates recovery when packets go
// out and nothing comes back.
type Monitor struct {
	mgr     *Manager
	traffic radio.TrafficSource
	port    *eventloop.Port
	logger  *logx.Logger

	updateNetStat    bool
	stallEnabled     bool
	flowType         pkg.DataFlowType
	recoveryState    pkg.RecoveryState
	noRecvPackets    uint64
	flowCounters     radio.Counters
	stallCounters    radio.Counters
	stallCountersSet bool
}

func newMonitor(mgr *Manager, traffic radio.TrafficSource) *Monitor {
	mon := &Monitor{
		mgr:     mgr,
		traffic: traffic,
		logger:  mgr.logger,
	}
	mon.port = mgr.loop.Bind(mon)
	return mon
}

// ProcessEvent implements eventloop.Handler
func (mon *Monitor) ProcessEvent(ev eventloop.Event) {
	switch ev.Code {
	case msgRunMonitorTask:
		mon.updateNetTrafficState()
	case msgStallDetection:
		mon.onStallDetectionTimer()
	case msgRadioOn:
		if err := mon.mgr.radio.SetRadioPower(context.Background(), mon.mgr.slotID, true); err != nil {
			mon.logger.Warn("failed to power radio back on", "error", err)
		}
	}
}

// BeginNetStatistics starts the periodic flow type update
func (mon *Monitor) BeginNetStatistics() {
	mon.updateNetStat = true
	mon.updateNetTrafficState()
}

// EndNetStatistics stops the flow type update and resets the flow type
func (mon *Monitor) EndNetStatistics() {
	mon.port.RemoveEvent(msgRunMonitorTask)
	mon.updateNetStat = false
	mon.flowType = pkg.DataFlowNone
}

// StartStallDetectionTimer arms the stall tick unless it already runs
func (mon *Monitor) StartStallDetectionTimer() {
	mon.stallEnabled = true
	if !mon.port.HasEvent(msgStallDetection) {
		mon.port.SendDelayed(eventloop.Event{Code: msgStallDetection}, StallDetectionPeriod)
	}
}

// StopStallDetectionTimer cancels the stall tick
func (mon *Monitor) StopStallDetectionTimer() {
	mon.stallEnabled = false
	mon.port.RemoveEvent(msgStallDetection)
}

// DataFlowType returns the last computed flow type
func (mon *Monitor) DataFlowType() pkg.DataFlowType {
	return mon.flowType
}

// SetDataFlowType forces the flow type, used to report dormancy during
// circuit switched calls
func (mon *Monitor) SetDataFlowType(t pkg.DataFlowType) {
	if mon.flowType == t {
		return
	}
	mon.flowType = t
	mon.mgr.notifyOwner(CodeFlowTypeChanged, t)
}

// RecoveryState returns the step the next recovery will take
func (mon *Monitor) RecoveryState() pkg.RecoveryState {
	return mon.recoveryState
}

func (mon *Monitor) updateNetTrafficState() {
	if !mon.updateNetStat || mon.port.HasEvent(msgRunMonitorTask) {
		return
	}
	mon.updateDataFlowType()
	mon.port.SendDelayed(eventloop.Event{Code: msgRunMonitorTask}, NetStatisticsPeriod)
}

func (mon *Monitor) readCounters() (radio.Counters, bool) {
	if mon.traffic == nil {
		return radio.Counters{}, false
	}
	c, err := mon.traffic.Counters(mon.mgr.slotID)
	if err != nil {
		mon.logger.Debug("traffic counters unavailable", "error", err)
		return radio.Counters{}, false
	}
	return c, true
}

func (mon *Monitor) updateDataFlowType() {
	cur, ok := mon.readCounters()
	if !ok {
		return
	}
	prev := mon.flowCounters
	mon.flowCounters = cur
	if prev.TxPackets == 0 && prev.RxPackets == 0 {
		return
	}

	sent := delta(cur.TxPackets, prev.TxPackets)
	recv := delta(cur.RxPackets, prev.RxPackets)
	next := pkg.DataFlowNone
	switch {
	case sent > 0 && recv > 0:
		next = pkg.DataFlowUpDown
	case sent > 0:
		next = pkg.DataFlowUp
	case recv > 0:
		next = pkg.DataFlowDown
	}
	mon.SetDataFlowType(next)
}

func (mon *Monitor) onStallDetectionTimer() {
	mon.updateFlowInfo()
	if mon.noRecvPackets > RecoveryTriggerPacket {
		mon.handleRecovery()
		mon.noRecvPackets = 0
	}
	if mon.stallEnabled && !mon.port.HasEvent(msgStallDetection) {
		mon.port.SendDelayed(eventloop.Event{Code: msgStallDetection}, StallDetectionPeriod)
	}
}

func (mon *Monitor) updateFlowInfo() {
	cur, ok := mon.readCounters()
	if !ok {
		return
	}
	prev, primed := mon.stallCounters, mon.stallCountersSet
	mon.stallCounters, mon.stallCountersSet = cur, true
	if !primed {
		return
	}

	sent := delta(cur.TxPackets, prev.TxPackets)
	recv := delta(cur.RxPackets, prev.RxPackets)
	switch {
	case sent > 0 && recv == 0:
		mon.noRecvPackets += sent
	case recv > 0:
		mon.noRecvPackets = 0
		mon.setRecoveryState(pkg.RecoveryRequestContextList)
	}
}

func (mon *Monitor) handleRecovery() {
	ctx := context.Background()
	slot := mon.mgr.slotID
	mon.logger.Warn("data stall detected", "recovery_state", mon.recoveryState.String(), "no_recv", mon.noRecvPackets)

	switch mon.recoveryState {
	case pkg.RecoveryRequestContextList:
		mon.setRecoveryState(pkg.RecoveryCleanupConnections)
		if err := mon.mgr.radio.RequestPdpContextList(ctx, slot); err != nil {
			mon.logger.Warn("failed to request context list", "error", err)
		}
	case pkg.RecoveryCleanupConnections:
		mon.setRecoveryState(pkg.RecoveryReregisterNetwork)
		mon.mgr.notifyOwner(CodeRecoveryCleanup, pkg.ReasonRetryConnection)
	case pkg.RecoveryReregisterNetwork:
		mon.setRecoveryState(pkg.RecoveryRadioRestart)
		if err := mon.mgr.radio.Reregister(ctx, slot); err != nil {
			mon.logger.Warn("failed to reregister", "error", err)
		}
	case pkg.RecoveryRadioRestart:
		mon.setRecoveryState(pkg.RecoveryRequestContextList)
		mon.mgr.notifyOwner(CodeRecoveryCleanup, pkg.ReasonRetryConnection)
		if err := mon.mgr.radio.SetRadioPower(ctx, slot, false); err != nil {
			mon.logger.Warn("failed to power radio off", "error", err)
			return
		}
		mon.port.SendEvent(msgRadioOn, nil)
	}
}

func (mon *Monitor) setRecoveryState(s pkg.RecoveryState) {
	if mon.recoveryState == s {
		return
	}
	mon.recoveryState = s
	mon.mgr.notifyOwner(CodeRecoveryStateChanged, s)
}

func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}
