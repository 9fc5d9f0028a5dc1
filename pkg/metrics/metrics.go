// Package metrics exports cellular data state as Prometheus metrics
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/markus-lassfolk/celldata/pkg"
)

const namespace = "celldata"

var (
	holderStates = []pkg.ApnState{
		pkg.ApnStateIdle,
		pkg.ApnStateConnecting,
		pkg.ApnStateConnected,
		pkg.ApnStateDisconnecting,
		pkg.ApnStateFailed,
		pkg.ApnStateRetrying,
	}
	dataStates = []pkg.DataConnectionStatus{
		pkg.DataStateDisconnected,
		pkg.DataStateConnecting,
		pkg.DataStateConnected,
		pkg.DataStateSuspended,
	}
)

// Collector holds the celldata metric vectors
type Collector struct {
	apnHolderState *prometheus.GaugeVec
	dataState      *prometheus.GaugeVec
	dataEnabled    *prometheus.GaugeVec
	roaming        *prometheus.GaugeVec
	flowType       *prometheus.GaugeVec
	recoveryState  *prometheus.GaugeVec
	eventsTotal    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		apnHolderState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "apn_holder_state",
				Help:      "APN holder state (1 for the current state)",
			},
			[]string{"slot", "role", "state"},
		),
		dataState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "data_state",
				Help:      "Reported cellular data state (1 for the current state)",
			},
			[]string{"slot", "state"},
		),
		dataEnabled: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "data_enabled",
				Help:      "User cellular data switch",
			},
			[]string{"slot"},
		),
		roaming: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "roaming",
				Help:      "Whether the slot is registered on a roaming network",
			},
			[]string{"slot"},
		),
		flowType: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "data_flow_type",
				Help:      "Direction of recent cellular traffic (0 none, 1 down, 2 up, 3 up_down, 4 dormant)",
			},
			[]string{"slot"},
		),
		recoveryState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "data_recovery_state",
				Help:      "Step the next data stall recovery takes",
			},
			[]string{"slot"},
		),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Connection events by type",
			},
			[]string{"slot", "type"},
		),
	}

	reg.MustRegister(
		c.apnHolderState,
		c.dataState,
		c.dataEnabled,
		c.roaming,
		c.flowType,
		c.recoveryState,
		c.eventsTotal,
	)
	return c
}

// ObserveEvent counts ev
func (c *Collector) ObserveEvent(ev pkg.Event) {
	c.eventsTotal.WithLabelValues(strconv.Itoa(ev.SlotID), string(ev.Type)).Inc()
}

// Publish implements handler.Observer
func (c *Collector) Publish(ev pkg.Event) {
	c.ObserveEvent(ev)
}

// ObserveStatus updates the state gauges of a slot from its snapshot
func (c *Collector) ObserveStatus(st pkg.SlotStatus) {
	slot := strconv.Itoa(st.SlotID)

	for role, state := range st.Holders {
		for _, s := range holderStates {
			c.apnHolderState.WithLabelValues(slot, role, s.String()).Set(boolValue(s.String() == state))
		}
	}
	for _, s := range dataStates {
		c.dataState.WithLabelValues(slot, s.String()).Set(boolValue(s.String() == st.DataState))
	}
	c.dataEnabled.WithLabelValues(slot).Set(boolValue(st.DataEnabled))
	c.roaming.WithLabelValues(slot).Set(boolValue(st.Roaming))
	c.flowType.WithLabelValues(slot).Set(float64(parseFlowType(st.FlowType)))
	c.recoveryState.WithLabelValues(slot).Set(float64(parseRecoveryState(st.RecoveryState)))
}

func parseFlowType(name string) pkg.DataFlowType {
	for f := pkg.DataFlowNone; f <= pkg.DataFlowDormant; f++ {
		if f.String() == name {
			return f
		}
	}
	return pkg.DataFlowNone
}

func parseRecoveryState(name string) pkg.RecoveryState {
	for r := pkg.RecoveryRequestContextList; r <= pkg.RecoveryRadioRestart; r++ {
		if r.String() == name {
			return r
		}
	}
	return pkg.RecoveryRequestContextList
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
