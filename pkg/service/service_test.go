package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/apn"
	"github.com/markus-lassfolk/celldata/pkg/controller"
	"github.com/markus-lassfolk/celldata/pkg/netagent"
	"github.com/markus-lassfolk/celldata/pkg/radio"
	"github.com/markus-lassfolk/celldata/pkg/settings"
	"github.com/markus-lassfolk/celldata/pkg/slots"
)

type testService struct {
	svc   *Service
	ctrl  *controller.Controller
	radio *radio.FakeRadio
	ctx   *slots.Context
	agent *netagent.Agent
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	ts := &testService{
		radio: radio.NewFakeRadio(),
		ctx:   slots.NewContext(2),
	}
	ts.agent = netagent.NewAgent(netagent.NewMemoryBroker(), nil)
	ts.ctrl = controller.New(controller.Config{
		Context:     ts.ctx,
		Radio:       ts.radio,
		Agent:       ts.agent,
		Traffic:     ts.radio.TrafficSource(),
		Settings:    settings.NewMemoryStore(),
		ManualLoops: true,
	})
	ts.svc = New(ts.ctx, ts.ctrl, nil)
	require.NoError(t, ts.svc.Start(context.Background()))
	require.Eventually(t, func() bool {
		return ts.agent.SupplierID(1, pkg.NetCapEIMS) != ""
	}, time.Second, 5*time.Millisecond)
	t.Cleanup(func() { _ = ts.svc.Stop() })
	return ts
}

func (ts *testService) ready(slot int) {
	ts.radio.Emit(radio.Event{SlotID: slot, Kind: radio.EventRatChanged, RadioTech: pkg.RadioTechLTE})
	ts.radio.Emit(radio.Event{SlotID: slot, Kind: radio.EventSimStateChanged, SimState: pkg.SimStateReady})
	ts.radio.Emit(radio.Event{SlotID: slot, Kind: radio.EventSimRecordsLoaded, Numeric: "00101"})
	ts.radio.Emit(radio.Event{SlotID: slot, Kind: radio.EventPsAttached})
	ts.ctrl.RunPending()
}

// connect brings the default role of slot up through RequestNet
func (ts *testService) connect(t *testing.T, slot int) {
	t.Helper()
	ts.ready(slot)
	req := pkg.NetRequest{Ident: netagent.Ident(slot), Capability: pkg.NetCapInternet}
	require.NoError(t, ts.svc.RequestNet(context.Background(), req))
	ts.ctrl.RunPending()
	require.True(t, ts.radio.SucceedActivation())
	ts.ctrl.RunPending()
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{nil, CodeSuccess},
		{ErrInvalidParameter, CodeInvalidParameter},
		{fmt.Errorf("wrapped: %w", ErrServiceUnavailable), CodeServiceUnavailable},
		{ErrPermissionDenied, CodePermissionDenied},
		{fmt.Errorf("%w: 7", slots.ErrInvalidSlot), CodeInvalidSlot},
		{ErrNotReady, CodeNotReady},
		{ErrFailed, CodeFailed},
		{errors.New("boom"), CodeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}

	for c := CodeSuccess; c <= CodeNotReady; c++ {
		assert.Equal(t, c, CodeOf(ErrorOf(c)))
	}
}

func TestService_NotRunning(t *testing.T) {
	ctx := slots.NewContext(1)
	svc := New(ctx, controller.New(controller.Config{Context: ctx, ManualLoops: true}), nil)

	_, err := svc.IsCellularDataEnabled(context.Background())
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.ErrorIs(t, svc.EnableCellularData(context.Background(), true), ErrServiceUnavailable)
	_, err = svc.GetDefaultCellularDataSlotId(context.Background())
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestService_Permissions(t *testing.T) {
	ts := newTestService(t)
	reader := WithPermissions(context.Background(), PermGetNetworkInfo)

	_, err := ts.svc.IsCellularDataEnabled(reader)
	assert.NoError(t, err)
	assert.ErrorIs(t, ts.svc.EnableCellularData(reader, false), ErrPermissionDenied)
	assert.ErrorIs(t, ts.svc.SetDefaultCellularDataSlotId(reader, 1), ErrPermissionDenied)

	nobody := WithPermissions(context.Background(), 0)
	_, err = ts.svc.IsCellularDataRoamingEnabled(nobody, 0)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = ts.svc.GetCellularDataState(nobody)
	assert.NoError(t, err)

	admin := WithPermissions(context.Background(), PermAll)
	assert.NoError(t, ts.svc.EnableCellularData(admin, true))
}

func TestService_DataSwitch(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	on, err := ts.svc.IsCellularDataEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, ts.svc.EnableCellularData(ctx, false))
	ts.ctrl.RunPending()
	on, err = ts.svc.IsCellularDataEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestService_Roaming(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	require.NoError(t, ts.svc.EnableCellularDataRoaming(ctx, 1, true))
	ts.ctrl.RunPending()

	on, err := ts.svc.IsCellularDataRoamingEnabled(ctx, 1)
	require.NoError(t, err)
	assert.True(t, on)
	on, err = ts.svc.IsCellularDataRoamingEnabled(ctx, 0)
	require.NoError(t, err)
	assert.False(t, on)

	_, err = ts.svc.IsCellularDataRoamingEnabled(ctx, 2)
	assert.ErrorIs(t, err, ErrInvalidSlot)
	assert.Equal(t, CodeInvalidSlot, CodeOf(ts.svc.EnableCellularDataRoaming(ctx, -1, true)))
}

func TestService_RequestNet(t *testing.T) {
	ctx := context.Background()

	t.Run("routes by ident", func(t *testing.T) {
		ts := newTestService(t)
		ts.connect(t, 0)

		state, err := ts.svc.GetCellularDataState(ctx)
		require.NoError(t, err)
		assert.Equal(t, pkg.DataStateConnected, state)

		apnState, err := ts.svc.GetApnState(ctx, 0, apn.RoleDefault)
		require.NoError(t, err)
		assert.Equal(t, pkg.ApnStateConnected, apnState)

		ipType, err := ts.svc.GetDataConnIpType(ctx, 0)
		require.NoError(t, err)
		assert.NotEmpty(t, ipType)

		attr, err := ts.svc.GetDataConnApnAttr(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, apn.MakeDefaultApn(apn.RoleDefault).Apn, attr.Apn)

		internet, err := ts.svc.HasInternetCapability(ctx, 0, 1)
		require.NoError(t, err)
		assert.True(t, internet)
	})

	t.Run("release tears down", func(t *testing.T) {
		ts := newTestService(t)
		ts.connect(t, 0)

		req := pkg.NetRequest{Ident: netagent.Ident(0), Capability: pkg.NetCapInternet}
		require.NoError(t, ts.svc.ReleaseNet(ctx, req))
		ts.ctrl.RunPending()
		assert.Len(t, ts.radio.Deactivations(), 1)
	})

	t.Run("invalid ident", func(t *testing.T) {
		ts := newTestService(t)
		for _, ident := range []string{"browser", "slotId", "slotId9", "slotIdx"} {
			err := ts.svc.RequestNet(ctx, pkg.NetRequest{Ident: ident, Capability: pkg.NetCapInternet})
			assert.ErrorIs(t, err, ErrInvalidParameter, ident)
			assert.ErrorIs(t, ts.svc.ReleaseNet(ctx, pkg.NetRequest{Ident: ident, Capability: pkg.NetCapInternet}), ErrInvalidParameter)
		}
	})

	t.Run("unsupported capability", func(t *testing.T) {
		ts := newTestService(t)
		req := pkg.NetRequest{Ident: netagent.Ident(0), Capability: pkg.NetCapInternet | pkg.NetCapMMS}
		err := ts.svc.RequestNet(ctx, req)
		assert.ErrorIs(t, err, ErrFailed)
	})
}

func TestService_DefaultSlot(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	slot, err := ts.svc.GetDefaultCellularDataSlotId(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	assert.ErrorIs(t, ts.svc.SetDefaultCellularDataSlotId(ctx, 1), ErrNotReady)
	assert.ErrorIs(t, ts.svc.SetDefaultCellularDataSlotId(ctx, 3), ErrInvalidSlot)

	ts.ready(1)
	require.NoError(t, ts.svc.SetDefaultCellularDataSlotId(ctx, 1))
	ts.ctrl.RunPending()

	slot, err = ts.svc.GetDefaultCellularDataSlotId(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
	assert.True(t, ts.radio.DataPermitted[1])
}

func TestService_ApnState(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	state, err := ts.svc.GetApnState(ctx, 0, apn.RoleMMS)
	require.NoError(t, err)
	assert.Equal(t, pkg.ApnStateIdle, state)

	_, err = ts.svc.GetApnState(ctx, 0, "bogus")
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = ts.svc.GetApnState(ctx, 0, apn.RoleAll)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = ts.svc.GetApnState(ctx, 5, apn.RoleDefault)
	assert.ErrorIs(t, err, ErrInvalidSlot)
}

func TestService_ClearConnections(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	ts.connect(t, 0)

	require.NoError(t, ts.svc.ClearCellularDataConnections(ctx, 0))
	ts.ctrl.RunPending()
	assert.Len(t, ts.radio.Deactivations(), 1)
}

func TestService_PolicyAndMisc(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	ts.connect(t, 0)

	require.NoError(t, ts.svc.SetPolicyDataOn(ctx, 0, false))
	ts.ctrl.RunPending()
	assert.Len(t, ts.radio.Deactivations(), 1)

	require.NoError(t, ts.svc.EnableIncallData(ctx, 1, true))
	ts.ctrl.RunPending()
	on, err := ts.svc.IsIncallDataEnabled(ctx, 1)
	require.NoError(t, err)
	assert.True(t, on)

	flow, err := ts.svc.GetCellularDataFlowType(ctx)
	require.NoError(t, err)
	assert.Equal(t, pkg.DataFlowNone, flow)

	rec, err := ts.svc.GetDataRecoveryState(ctx)
	require.NoError(t, err)
	assert.Equal(t, pkg.RecoveryRequestContextList, rec)

	require.NoError(t, ts.svc.HandleApnChanged(ctx, 1))
	require.NoError(t, ts.svc.FactoryReset(ctx, 1))
	ts.ctrl.RunPending()

	statuses, err := ts.svc.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, 1, statuses[1].SlotID)
}

func TestService_Stop(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	require.NoError(t, ts.ctx.SetPrimarySlot(1))

	require.NoError(t, ts.svc.Stop())
	assert.False(t, ts.svc.IsRunning())
	assert.Equal(t, 0, ts.ctx.PrimarySlot())

	err := ts.svc.RequestNet(ctx, pkg.NetRequest{Ident: netagent.Ident(0), Capability: pkg.NetCapInternet})
	assert.Equal(t, CodeServiceUnavailable, CodeOf(err))
	require.NoError(t, ts.svc.Stop())
}
