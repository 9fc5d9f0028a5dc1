package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/apn"
	"github.com/markus-lassfolk/celldata/pkg/dataconn"
	"github.com/markus-lassfolk/celldata/pkg/eventloop"
	"github.com/markus-lassfolk/celldata/pkg/netagent"
	"github.com/markus-lassfolk/celldata/pkg/opconfig"
	"github.com/markus-lassfolk/celldata/pkg/radio"
	"github.com/markus-lassfolk/celldata/pkg/settings"
	"github.com/markus-lassfolk/celldata/pkg/slots"
)

var (
	internetReq = pkg.NetRequest{Ident: "browser", Capability: pkg.NetCapInternet}
	mmsReq      = pkg.NetRequest{Ident: "messaging", Capability: pkg.NetCapMMS}
	eimsReq     = pkg.NetRequest{Ident: "ecall", Capability: pkg.NetCapEIMS}
)

type eventRecorder struct {
	events []pkg.Event
}

func (r *eventRecorder) Publish(ev pkg.Event) {
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byType(typ pkg.EventType) []pkg.Event {
	var out []pkg.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	loop   *eventloop.Loop
	radio  *radio.FakeRadio
	broker *netagent.MemoryBroker
	agent  *netagent.Agent
	ctx    *slots.Context
	store  *settings.MemoryStore
	events *eventRecorder
	h      *Handler
}

// newFixture builds slot 0 of a two slot device. opts may adjust the
// config before the handler is created.
func newFixture(t *testing.T, opts ...func(*fixture, *Config)) *fixture {
	t.Helper()
	f := &fixture{
		loop:   eventloop.NewManual("slot0", nil),
		radio:  radio.NewFakeRadio(),
		broker: netagent.NewMemoryBroker(),
		ctx:    slots.NewContext(2),
		store:  settings.NewMemoryStore(),
		events: &eventRecorder{},
	}
	f.agent = netagent.NewAgent(f.broker, nil)
	require.NoError(t, f.agent.RegisterNetSupplier(context.Background(), 0))

	cfg := Config{
		SlotID:   0,
		Loop:     f.loop,
		Context:  f.ctx,
		Radio:    f.radio,
		Agent:    f.agent,
		Traffic:  f.radio.TrafficSource(),
		Settings: f.store,
		Observer: f.events,
	}
	for _, opt := range opts {
		opt(f, &cfg)
	}
	f.h = New(cfg)
	require.NoError(t, f.loop.Call(f.h.Init))
	return f
}

func (f *fixture) radioEvent(t *testing.T, ev radio.Event) {
	t.Helper()
	ev.SlotID = 0
	require.True(t, f.h.HandleRadioEvent(ev))
	f.loop.RunPending()
}

// ready brings the slot to attached on tech with a usable SIM
func (f *fixture) ready(t *testing.T, tech pkg.RadioTech) {
	t.Helper()
	f.radioEvent(t, radio.Event{Kind: radio.EventRatChanged, RadioTech: tech})
	f.radioEvent(t, radio.Event{Kind: radio.EventSimStateChanged, SimState: pkg.SimStateReady})
	f.radioEvent(t, radio.Event{Kind: radio.EventSimRecordsLoaded, Numeric: "00101"})
	f.radioEvent(t, radio.Event{Kind: radio.EventPsAttached})
}

func (f *fixture) request(t *testing.T, req pkg.NetRequest) {
	t.Helper()
	require.True(t, f.h.RequestNet(req))
	f.loop.RunPending()
}

func (f *fixture) apnState(t *testing.T, role string) pkg.ApnState {
	t.Helper()
	state, ok := f.h.GetApnState(role)
	require.True(t, ok, "no holder for %s", role)
	return state
}

// connectDefault brings the default role up on LTE
func (f *fixture) connectDefault(t *testing.T) {
	t.Helper()
	f.ready(t, pkg.RadioTechLTE)
	f.request(t, internetReq)
	require.Len(t, f.radio.Activations(), 1)
	require.True(t, f.radio.SucceedActivation())
	f.loop.RunPending()
	require.Equal(t, pkg.ApnStateConnected, f.apnState(t, apn.RoleDefault))
}

func (f *fixture) completeDeactivation(t *testing.T) {
	t.Helper()
	require.True(t, f.radio.CompleteDeactivation())
	f.loop.RunPending()
}

func fixedRetry(delay time.Duration, attempts int) func(*fixture, *Config) {
	return func(_ *fixture, cfg *Config) {
		cfg.RetryDelay = func(attempt int, cause pkg.PdpCause, suggested time.Duration, scene apn.RetryScene) (time.Duration, bool) {
			return delay, attempt <= attempts
		}
	}
}

func withOperators(file *opconfig.File) func(*fixture, *Config) {
	return func(_ *fixture, cfg *Config) {
		cfg.Operators = file
	}
}

func boolPtr(v bool) *bool { return &v }

func TestHandler_Init(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.h.IsCellularDataEnabled())
	assert.False(t, f.h.IsCellularDataRoamingEnabled())
	assert.True(t, f.radio.DataPermitted[0])
	assert.Equal(t, pkg.DataStateDisconnected, f.h.GetCellularDataState())

	st := f.h.Status()
	assert.Equal(t, 0, st.SlotID)
	assert.Equal(t, "idle", st.State)
	assert.Len(t, st.Holders, 8)
	assert.Equal(t, "idle", st.Holders[apn.RoleDefault])
}

func TestHandler_RequestNet(t *testing.T) {
	t.Run("establishes the default role", func(t *testing.T) {
		f := newFixture(t)
		f.ready(t, pkg.RadioTechLTE)
		f.request(t, internetReq)

		acts := f.radio.Activations()
		require.Len(t, acts, 1)
		assert.Equal(t, apn.MakeDefaultApn(apn.RoleDefault).Apn, acts[0].Profile.Apn)
		assert.Equal(t, pkg.RadioTechLTE, acts[0].RadioTech)
		assert.False(t, acts[0].IsRoaming)
		assert.Equal(t, pkg.ApnStateConnecting, f.apnState(t, apn.RoleDefault))
		assert.Equal(t, pkg.DataStateConnecting, f.h.GetCellularDataState())
		assert.Len(t, f.events.byType(pkg.EventConnecting), 1)

		require.True(t, f.radio.SucceedActivation())
		f.loop.RunPending()

		assert.Equal(t, pkg.ApnStateConnected, f.apnState(t, apn.RoleDefault))
		assert.Equal(t, pkg.DataStateConnected, f.h.GetCellularDataState())
		assert.True(t, f.h.HasInternetCapability(1))
		assert.Equal(t, dataconn.IPTypeIPv4, f.h.GetDataConnIpType())

		attr, ok := f.h.GetDataConnApnAttr()
		require.True(t, ok)
		assert.Equal(t, apn.MakeDefaultApn(apn.RoleDefault).Apn, attr.Apn)
		assert.Empty(t, attr.Password)

		connected := f.events.byType(pkg.EventConnected)
		require.Len(t, connected, 1)
		assert.Equal(t, apn.RoleDefault, connected[0].Role)
		assert.Equal(t, 1, connected[0].Data["cid"])
		assert.NotEmpty(t, connected[0].ID)

		st, ok := f.broker.Get(f.agent.SupplierID(0, pkg.NetCapInternet))
		require.True(t, ok)
		assert.True(t, st.Info.Available)
	})

	t.Run("is idempotent", func(t *testing.T) {
		f := newFixture(t)
		f.ready(t, pkg.RadioTechLTE)
		f.request(t, internetReq)
		f.request(t, internetReq)
		f.request(t, pkg.NetRequest{Ident: "mail", Capability: pkg.NetCapInternet})

		assert.Len(t, f.radio.Activations(), 1)
		require.True(t, f.radio.SucceedActivation())
		f.loop.RunPending()

		f.request(t, internetReq)
		assert.Len(t, f.radio.Activations(), 1)
		assert.Equal(t, pkg.ApnStateConnected, f.apnState(t, apn.RoleDefault))
	})

	t.Run("rejects unsupported capabilities", func(t *testing.T) {
		f := newFixture(t)
		assert.False(t, f.h.RequestNet(pkg.NetRequest{Ident: "x", Capability: pkg.NetCapInternet | pkg.NetCapMMS}))
		assert.False(t, f.h.ReleaseNet(pkg.NetRequest{Ident: "x", Capability: 0}))
	})

	t.Run("waits for attach and sim", func(t *testing.T) {
		f := newFixture(t)
		f.radioEvent(t, radio.Event{Kind: radio.EventRatChanged, RadioTech: pkg.RadioTechLTE})
		f.request(t, internetReq)
		assert.Empty(t, f.radio.Activations())

		f.radioEvent(t, radio.Event{Kind: radio.EventSimStateChanged, SimState: pkg.SimStateReady})
		assert.Empty(t, f.radio.Activations())

		f.radioEvent(t, radio.Event{Kind: radio.EventPsAttached})
		assert.Empty(t, f.radio.Activations())

		f.radioEvent(t, radio.Event{Kind: radio.EventSimRecordsLoaded, Numeric: "00101"})
		assert.Len(t, f.radio.Activations(), 1)
	})
}

func TestHandler_ReleaseNet(t *testing.T) {
	f := newFixture(t)
	f.connectDefault(t)
	other := pkg.NetRequest{Ident: "mail", Capability: pkg.NetCapInternet}
	f.request(t, other)

	require.True(t, f.h.ReleaseNet(internetReq))
	f.loop.RunPending()
	assert.Empty(t, f.radio.Deactivations())
	assert.Equal(t, pkg.ApnStateConnected, f.apnState(t, apn.RoleDefault))

	require.True(t, f.h.ReleaseNet(other))
	f.loop.RunPending()
	require.Len(t, f.radio.Deactivations(), 1)
	assert.Equal(t, pkg.ApnStateDisconnecting, f.apnState(t, apn.RoleDefault))

	f.completeDeactivation(t)
	assert.Equal(t, pkg.ApnStateIdle, f.apnState(t, apn.RoleDefault))
	assert.Equal(t, pkg.DataStateDisconnected, f.h.GetCellularDataState())
	assert.False(t, f.h.HasInternetCapability(1))

	disconnected := f.events.byType(pkg.EventDisconnected)
	require.Len(t, disconnected, 1)
	assert.Equal(t, pkg.ReasonClearConnection.String(), disconnected[0].Reason)
}

func TestHandler_Roaming(t *testing.T) {
	t.Run("roaming without the roaming switch blocks data", func(t *testing.T) {
		f := newFixture(t)
		f.ready(t, pkg.RadioTechLTE)
		f.radioEvent(t, radio.Event{Kind: radio.EventRoamingOn})
		f.request(t, internetReq)

		assert.Empty(t, f.radio.Activations())
		assert.Equal(t, pkg.ApnStateIdle, f.apnState(t, apn.RoleDefault))

		require.True(t, f.h.SetCellularDataRoamingEnabled(true))
		f.loop.RunPending()

		assert.True(t, f.h.IsCellularDataRoamingEnabled())
		acts := f.radio.Activations()
		require.Len(t, acts, 1)
		assert.True(t, acts[0].IsRoaming)
		assert.True(t, acts[0].AllowRoaming)
	})

	t.Run("entering roaming restarts the connection", func(t *testing.T) {
		f := newFixture(t)
		f.connectDefault(t)
		f.radioEvent(t, radio.Event{Kind: radio.EventRoamingOn})

		require.Len(t, f.radio.Deactivations(), 1)
		f.completeDeactivation(t)
		assert.Equal(t, pkg.ApnStateRetrying, f.apnState(t, apn.RoleDefault))

		f.loop.AdvanceTime(time.Minute)
		assert.Len(t, f.radio.Activations(), 1)
		assert.Equal(t, pkg.ApnStateIdle, f.apnState(t, apn.RoleDefault))
	})

	t.Run("mms ignores the data switch", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.SetValue(settings.ColumnDataEnable, settings.Disabled))
		f.loop.RunPending()
		f.ready(t, pkg.RadioTechLTE)

		f.request(t, mmsReq)
		require.Len(t, f.radio.Activations(), 1)
		assert.Equal(t, apn.MakeDefaultApn(apn.RoleMMS).Apn, f.radio.Activations()[0].Profile.Apn)
	})
}

func TestHandler_Emergency(t *testing.T) {
	f := newFixture(t, func(f *fixture, _ *Config) {
		require.NoError(t, f.store.SetValue(settings.ColumnAirplaneMode, settings.Enabled))
	})
	f.radioEvent(t, radio.Event{Kind: radio.EventRatChanged, RadioTech: pkg.RadioTechLTE})

	f.request(t, internetReq)
	assert.Empty(t, f.radio.Activations())

	f.request(t, eimsReq)
	acts := f.radio.Activations()
	require.Len(t, acts, 1)
	assert.Equal(t, "sos", acts[0].Profile.Apn)
	assert.Equal(t, pkg.ApnStateConnecting, f.apnState(t, apn.RoleEmergency))
	assert.Equal(t, pkg.ApnStateIdle, f.apnState(t, apn.RoleDefault))
}

func TestHandler_EmergencyMode(t *testing.T) {
	f := newFixture(t)
	f.connectDefault(t)

	f.radioEvent(t, radio.Event{Kind: radio.EventEmergencyModeChanged, Emergency: true})
	require.Len(t, f.radio.Deactivations(), 1)
	f.completeDeactivation(t)
	assert.Equal(t, pkg.ApnStateIdle, f.apnState(t, apn.RoleDefault))

	f.radioEvent(t, radio.Event{Kind: radio.EventEmergencyModeChanged, Emergency: false})
	assert.Len(t, f.radio.Activations(), 2)
}

func TestHandler_Retry(t *testing.T) {
	t.Run("retries then fails", func(t *testing.T) {
		f := newFixture(t, fixedRetry(time.Second, 2))
		f.ready(t, pkg.RadioTechLTE)
		f.request(t, internetReq)

		for i := 1; i <= 2; i++ {
			require.True(t, f.radio.FailActivationWithError(radio.RequestGenericFailure))
			f.loop.RunPending()
			assert.Equal(t, pkg.ApnStateRetrying, f.apnState(t, apn.RoleDefault))
			assert.Len(t, f.events.byType(pkg.EventRetryScheduled), i)

			f.loop.AdvanceTime(time.Second)
			assert.Len(t, f.radio.Activations(), i+1)
			assert.Equal(t, pkg.ApnStateConnecting, f.apnState(t, apn.RoleDefault))
		}

		require.True(t, f.radio.FailActivationWithError(radio.RequestGenericFailure))
		f.loop.RunPending()
		assert.Equal(t, pkg.ApnStateFailed, f.apnState(t, apn.RoleDefault))
		require.Len(t, f.events.byType(pkg.EventFailed), 1)

		f.loop.AdvanceTime(time.Minute)
		assert.Len(t, f.radio.Activations(), 3)
	})

	t.Run("success resets the back-off", func(t *testing.T) {
		f := newFixture(t, fixedRetry(time.Second, 1))
		f.ready(t, pkg.RadioTechLTE)
		f.request(t, internetReq)

		require.True(t, f.radio.FailActivationWithError(radio.RequestGenericFailure))
		f.loop.RunPending()
		f.loop.AdvanceTime(time.Second)
		require.True(t, f.radio.SucceedActivation())
		f.loop.RunPending()
		require.Equal(t, pkg.ApnStateConnected, f.apnState(t, apn.RoleDefault))

		f.radioEvent(t, radio.Event{Kind: radio.EventDataCallList})
		assert.Equal(t, pkg.ApnStateRetrying, f.apnState(t, apn.RoleDefault))
		retries := f.events.byType(pkg.EventRetryScheduled)
		require.Len(t, retries, 2)
		assert.Equal(t, apn.SceneLostConnection.String(), retries[1].Data["scene"])
	})

	t.Run("permanent reject does not retry", func(t *testing.T) {
		f := newFixture(t, fixedRetry(time.Second, 5))
		f.ready(t, pkg.RadioTechLTE)
		f.request(t, internetReq)

		require.True(t, f.radio.CompleteActivation(radio.DataCall{Reason: pkg.PdpCauseOperatorBarring}))
		f.loop.RunPending()
		assert.Equal(t, pkg.ApnStateFailed, f.apnState(t, apn.RoleDefault))

		f.loop.AdvanceTime(time.Minute)
		assert.Len(t, f.radio.Activations(), 1)
	})

	t.Run("bad apn exhausts the candidates until the profiles change", func(t *testing.T) {
		f := newFixture(t, fixedRetry(time.Second, 5))
		f.ready(t, pkg.RadioTechLTE)
		f.request(t, internetReq)

		require.True(t, f.radio.CompleteActivation(radio.DataCall{Reason: pkg.PdpCauseMissingOrUnknownApn}))
		f.loop.RunPending()
		assert.Equal(t, pkg.ApnStateRetrying, f.apnState(t, apn.RoleDefault))

		f.loop.AdvanceTime(time.Second)
		assert.Len(t, f.radio.Activations(), 1)
		assert.Equal(t, pkg.ApnStateFailed, f.apnState(t, apn.RoleDefault))

		require.True(t, f.h.HandleApnChanged())
		f.loop.RunPending()
		f.loop.AdvanceTime(EstablishDelay)
		assert.Len(t, f.radio.Activations(), 2)
		assert.Equal(t, pkg.ApnStateConnecting, f.apnState(t, apn.RoleDefault))
	})
}

func TestHandler_Switches(t *testing.T) {
	t.Run("data switch off clears and on restores", func(t *testing.T) {
		f := newFixture(t)
		f.connectDefault(t)

		require.True(t, f.h.SetCellularDataEnable(false))
		f.loop.RunPending()
		assert.False(t, f.h.IsCellularDataEnabled())
		require.Len(t, f.radio.Deactivations(), 1)
		f.completeDeactivation(t)
		assert.Equal(t, pkg.ApnStateIdle, f.apnState(t, apn.RoleDefault))

		v, err := f.store.GetValue(settings.ColumnDataEnable)
		require.NoError(t, err)
		assert.Equal(t, settings.Disabled, v)

		require.True(t, f.h.SetCellularDataEnable(true))
		f.loop.RunPending()
		assert.Len(t, f.radio.Activations(), 2)
		assert.NotEmpty(t, f.events.byType(pkg.EventSwitchChanged))
	})

	t.Run("external store writes are picked up", func(t *testing.T) {
		f := newFixture(t)
		f.connectDefault(t)

		require.NoError(t, f.store.SetValue(settings.ColumnDataEnable, settings.Disabled))
		f.loop.RunPending()
		assert.False(t, f.h.IsCellularDataEnabled())
		assert.Len(t, f.radio.Deactivations(), 1)
	})

	t.Run("policy switch", func(t *testing.T) {
		f := newFixture(t)
		f.connectDefault(t)

		require.True(t, f.h.SetPolicyDataOn(false))
		f.loop.RunPending()
		require.Len(t, f.radio.Deactivations(), 1)
		f.completeDeactivation(t)

		f.request(t, pkg.NetRequest{Ident: "mail", Capability: pkg.NetCapInternet})
		assert.Len(t, f.radio.Activations(), 1)

		require.True(t, f.h.SetPolicyDataOn(true))
		f.loop.RunPending()
		assert.Len(t, f.radio.Activations(), 2)
	})

	t.Run("power save", func(t *testing.T) {
		f := newFixture(t)
		f.connectDefault(t)

		require.True(t, f.h.SetPowerSaveMode(true))
		f.loop.RunPending()
		require.Len(t, f.radio.Deactivations(), 1)
		f.completeDeactivation(t)

		require.True(t, f.h.SetPowerSaveMode(false))
		f.loop.RunPending()
		assert.Len(t, f.radio.Activations(), 2)
	})

	t.Run("airplane mode", func(t *testing.T) {
		f := newFixture(t)
		f.connectDefault(t)

		require.NoError(t, f.store.SetValue(settings.ColumnAirplaneMode, settings.Enabled))
		f.loop.RunPending()
		require.Len(t, f.radio.Deactivations(), 1)
		f.completeDeactivation(t)

		require.NoError(t, f.store.SetValue(settings.ColumnAirplaneMode, settings.Disabled))
		f.loop.RunPending()
		assert.Len(t, f.radio.Activations(), 2)
	})

	t.Run("in-call switch is persisted per slot", func(t *testing.T) {
		f := newFixture(t)
		require.True(t, f.h.SetIncallDataEnable(true))
		f.loop.RunPending()
		assert.True(t, f.h.IsIncallDataEnabled())

		v, err := f.store.GetValue(settings.SlotColumn(settings.ColumnIncallDataEnable, 0))
		require.NoError(t, err)
		assert.Equal(t, settings.Enabled, v)
	})
}

func TestHandler_VoiceCall(t *testing.T) {
	t.Run("call without concurrent data suspends", func(t *testing.T) {
		f := newFixture(t)
		f.ready(t, pkg.RadioTechGSM)
		f.request(t, internetReq)
		require.True(t, f.radio.SucceedActivation())
		f.loop.RunPending()
		require.Equal(t, pkg.ApnStateConnected, f.apnState(t, apn.RoleDefault))

		f.radioEvent(t, radio.Event{Kind: radio.EventCallStateChanged, CallState: pkg.CallStateActive})
		require.Len(t, f.radio.Deactivations(), 1)
		assert.Equal(t, pkg.DataFlowDormant, f.h.GetCellularDataFlowType())
		assert.Equal(t, pkg.DataStateSuspended, f.h.GetCellularDataState())

		f.completeDeactivation(t)
		assert.Equal(t, pkg.ApnStateIdle, f.apnState(t, apn.RoleDefault))
		assert.Equal(t, pkg.DataFlowDormant, f.h.GetCellularDataFlowType())
		assert.Len(t, f.radio.Activations(), 1)

		f.radioEvent(t, radio.Event{Kind: radio.EventCallStateChanged, CallState: pkg.CallStateIdle})
		assert.Equal(t, pkg.DataFlowNone, f.h.GetCellularDataFlowType())
		assert.Len(t, f.radio.Activations(), 2)
	})

	t.Run("call on ims keeps data", func(t *testing.T) {
		f := newFixture(t)
		f.ctx.SetImsRegistration(0, true, false)
		f.connectDefault(t)

		f.radioEvent(t, radio.Event{Kind: radio.EventCallStateChanged, CallState: pkg.CallStateDialing})
		f.radioEvent(t, radio.Event{Kind: radio.EventCallStateChanged, CallState: pkg.CallStateActive})
		assert.Empty(t, f.radio.Deactivations())
		assert.Equal(t, pkg.ApnStateConnected, f.apnState(t, apn.RoleDefault))
		assert.Equal(t, pkg.DataStateConnected, f.h.GetCellularDataState())

		f.radioEvent(t, radio.Event{Kind: radio.EventCallStateChanged, CallState: pkg.CallStateIdle})
		assert.Empty(t, f.radio.Deactivations())
	})

	t.Run("ims on the other slot does not keep data", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ctx.SetPrimarySlot(1))
		f.ctx.SetImsRegistration(1, true, false)
		f.ready(t, pkg.RadioTechGSM)
		f.request(t, internetReq)
		require.True(t, f.radio.SucceedActivation())
		f.loop.RunPending()

		f.radioEvent(t, radio.Event{Kind: radio.EventCallStateChanged, CallState: pkg.CallStateActive})
		require.Len(t, f.radio.Deactivations(), 1)
		assert.Equal(t, pkg.DataFlowDormant, f.h.GetCellularDataFlowType())
	})
}

func TestHandler_DefaultSlotChanged(t *testing.T) {
	f := newFixture(t)
	f.connectDefault(t)

	require.NoError(t, f.ctx.SetDefaultDataSlot(1))
	f.loop.RunPending()
	assert.False(t, f.radio.DataPermitted[0])
	require.Len(t, f.radio.Deactivations(), 1)
	f.completeDeactivation(t)
	assert.Equal(t, pkg.ApnStateIdle, f.apnState(t, apn.RoleDefault))

	f.request(t, pkg.NetRequest{Ident: "mail", Capability: pkg.NetCapInternet})
	assert.Len(t, f.radio.Activations(), 1)

	require.NoError(t, f.ctx.SetDefaultDataSlot(0))
	f.loop.RunPending()
	assert.True(t, f.radio.DataPermitted[0])
	assert.Len(t, f.radio.Activations(), 2)
	assert.Len(t, f.events.byType(pkg.EventSlotChanged), 1)
}

func TestHandler_DsdsMode(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctx.SetDefaultDataSlot(1))
	f.loop.RunPending()
	assert.False(t, f.radio.DataPermitted[0])

	f.ctx.SetDsdsMode(pkg.DsdsModeV3)
	require.True(t, f.h.HandleDsdsModeChanged())
	f.loop.RunPending()
	assert.True(t, f.radio.DataPermitted[0])
}

func TestHandler_SimRemoved(t *testing.T) {
	f := newFixture(t)
	f.connectDefault(t)
	assert.True(t, f.ctx.HasSimCard(0))

	f.radioEvent(t, radio.Event{Kind: radio.EventSimStateChanged, SimState: pkg.SimStateNotPresent})
	assert.False(t, f.ctx.HasSimCard(0))
	require.Len(t, f.radio.Deactivations(), 1)
	f.completeDeactivation(t)
	assert.Equal(t, pkg.ApnStateIdle, f.apnState(t, apn.RoleDefault))

	f.radioEvent(t, radio.Event{Kind: radio.EventSimStateChanged, SimState: pkg.SimStateReady})
	f.radioEvent(t, radio.Event{Kind: radio.EventPsAttached})
	assert.Len(t, f.radio.Activations(), 1)

	f.radioEvent(t, radio.Event{Kind: radio.EventSimRecordsLoaded, Numeric: "00101"})
	assert.Len(t, f.radio.Activations(), 1)
}

func TestHandler_SimNotReadyRestoresEmergency(t *testing.T) {
	f := newFixture(t)
	f.ready(t, pkg.RadioTechLTE)
	f.request(t, eimsReq)
	require.True(t, f.radio.SucceedActivation())
	f.loop.RunPending()
	require.Equal(t, pkg.ApnStateConnected, f.apnState(t, apn.RoleEmergency))

	f.radioEvent(t, radio.Event{Kind: radio.EventSimStateChanged, SimState: pkg.SimStateLocked})
	require.Len(t, f.radio.Deactivations(), 1)
	f.completeDeactivation(t)
	assert.Equal(t, pkg.ApnStateIdle, f.apnState(t, apn.RoleEmergency))

	f.loop.AdvanceTime(EstablishDelay)
	assert.Len(t, f.radio.Activations(), 2)
	assert.Equal(t, pkg.ApnStateConnecting, f.apnState(t, apn.RoleEmergency))
}

func TestHandler_SimRemovedKeepsEmergencyRequest(t *testing.T) {
	f := newFixture(t)
	f.ready(t, pkg.RadioTechLTE)
	f.request(t, internetReq)
	f.request(t, eimsReq)

	f.radioEvent(t, radio.Event{Kind: radio.EventSimStateChanged, SimState: pkg.SimStateNotPresent})
	holders := f.h.apnMgr
	assert.False(t, holders.GetApnHolder(apn.RoleDefault).IsDataCallEnabled())
	assert.True(t, holders.GetApnHolder(apn.RoleEmergency).IsDataCallEnabled())
}

func TestHandler_PsDetached(t *testing.T) {
	f := newFixture(t, fixedRetry(time.Second, 5))
	f.connectDefault(t)

	f.radioEvent(t, radio.Event{Kind: radio.EventPsDetached})
	require.Len(t, f.radio.Deactivations(), 1)
	f.completeDeactivation(t)
	assert.Equal(t, pkg.ApnStateRetrying, f.apnState(t, apn.RoleDefault))

	f.loop.AdvanceTime(time.Second)
	assert.Len(t, f.radio.Activations(), 1)

	f.radioEvent(t, radio.Event{Kind: radio.EventPsAttached})
	assert.Len(t, f.radio.Activations(), 2)
}

func TestHandler_RadioPower(t *testing.T) {
	f := newFixture(t)
	f.connectDefault(t)

	f.radioEvent(t, radio.Event{Kind: radio.EventRadioPowerChanged, RadioPower: pkg.RadioPowerOff})
	require.Len(t, f.radio.Deactivations(), 1)
	f.completeDeactivation(t)
	assert.Equal(t, pkg.ApnStateIdle, f.apnState(t, apn.RoleDefault))

	f.radioEvent(t, radio.Event{Kind: radio.EventPsAttached})
	assert.Len(t, f.radio.Activations(), 1)

	f.radioEvent(t, radio.Event{Kind: radio.EventRadioPowerChanged, RadioPower: pkg.RadioPowerOn})
	assert.Len(t, f.radio.Activations(), 2)
}

func TestHandler_SimRecordsLoaded(t *testing.T) {
	t.Run("built-in operator config registers the attach apn", func(t *testing.T) {
		f := newFixture(t)
		f.ready(t, pkg.RadioTechLTE)
		f.radioEvent(t, radio.Event{Kind: radio.EventSimRecordsLoaded, Numeric: "00101"})

		attach, ok := f.radio.InitialApns[0]
		require.True(t, ok)
		assert.Equal(t, apn.MakeDefaultApn(apn.RoleDefault).Apn, attach.Apn)
	})

	t.Run("esm flag off sends an empty attach profile", func(t *testing.T) {
		f := newFixture(t, withOperators(&opconfig.File{
			Operators: map[string]opconfig.Operator{"00101": {EsmFlag: boolPtr(false)}},
		}))
		f.ready(t, pkg.RadioTechLTE)
		f.radioEvent(t, radio.Event{Kind: radio.EventSimRecordsLoaded, Numeric: "00101"})

		attach, ok := f.radio.InitialApns[0]
		require.True(t, ok)
		assert.Equal(t, radio.Profile{}, attach)
	})

	t.Run("operator default roaming applies while the switch is unset", func(t *testing.T) {
		f := newFixture(t, withOperators(&opconfig.File{
			Default: opconfig.Operator{DefaultDataRoaming: boolPtr(true)},
		}))
		assert.False(t, f.h.IsCellularDataRoamingEnabled())
		f.radioEvent(t, radio.Event{Kind: radio.EventSimRecordsLoaded, Numeric: "00101"})
		assert.True(t, f.h.IsCellularDataRoamingEnabled())
	})
}

func TestHandler_SinglePdp(t *testing.T) {
	f := newFixture(t, withOperators(&opconfig.File{
		Default: opconfig.Operator{SinglePdpEnabled: boolPtr(true)},
	}))
	f.ready(t, pkg.RadioTechLTE)
	f.radioEvent(t, radio.Event{Kind: radio.EventSimRecordsLoaded, Numeric: "00101"})
	f.request(t, internetReq)
	require.True(t, f.radio.SucceedActivation())
	f.loop.RunPending()
	require.Equal(t, pkg.ApnStateConnected, f.apnState(t, apn.RoleDefault))

	f.request(t, mmsReq)
	assert.Len(t, f.radio.Activations(), 1)
	require.Len(t, f.radio.Deactivations(), 1)
	f.completeDeactivation(t)
	assert.Equal(t, pkg.ApnStateIdle, f.apnState(t, apn.RoleDefault))

	f.loop.AdvanceTime(EstablishDelay)
	acts := f.radio.Activations()
	require.Len(t, acts, 2)
	assert.Equal(t, apn.MakeDefaultApn(apn.RoleMMS).Apn, acts[1].Profile.Apn)
	assert.Equal(t, pkg.ApnStateConnecting, f.apnState(t, apn.RoleMMS))
}

func TestHandler_ClearAllConnections(t *testing.T) {
	f := newFixture(t)
	f.connectDefault(t)

	require.True(t, f.h.ClearAllConnections(pkg.ReasonClearConnection))
	f.loop.RunPending()
	require.Len(t, f.radio.Deactivations(), 1)
	f.completeDeactivation(t)
	assert.Equal(t, pkg.ApnStateIdle, f.apnState(t, apn.RoleDefault))
}

func TestHandler_MalformedEventPayload(t *testing.T) {
	f := newFixture(t)
	f.connectDefault(t)

	for _, code := range []eventloop.Code{msgSetDataEnable, msgSetRoamingEnable, msgSetIncallEnable,
		msgSetPolicyData, msgPowerSave, msgClearAll} {
		assert.NotPanics(t, func() {
			f.h.ProcessEvent(eventloop.Event{Code: code, Data: "yes"})
		})
	}
	f.loop.RunPending()
	assert.Empty(t, f.radio.Deactivations())
	assert.Equal(t, pkg.ApnStateConnected, f.apnState(t, apn.RoleDefault))
}

func TestHandler_Stop(t *testing.T) {
	f := newFixture(t)
	f.connectDefault(t)

	require.NoError(t, f.loop.Call(f.h.Stop))
	assert.False(t, f.h.RequestNet(mmsReq))
	assert.False(t, f.h.SetCellularDataEnable(false))
}
