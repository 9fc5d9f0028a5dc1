package radio

import (
	"context"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/celldata/pkg"
)

func TestFakeRadio_ActivateAndDeactivate(t *testing.T) {
	f := NewFakeRadio()
	var got []ActivateResult
	req := ActivateRequest{SlotID: 0, ConnectID: 7, Profile: Profile{Apn: "internet"}}
	require.NoError(t, f.ActivatePdpContext(context.Background(), req, func(r ActivateResult) {
		got = append(got, r)
	}))
	assert.Equal(t, 1, f.PendingActivations())

	require.True(t, f.SucceedActivation())
	require.Len(t, got, 1)
	assert.Equal(t, 7, got[0].ConnectID)
	assert.Equal(t, RequestOK, got[0].Error)
	assert.True(t, got[0].Call.Active)
	assert.Equal(t, 1, got[0].Call.Cid)
	assert.False(t, f.SucceedActivation(), "nothing left to complete")

	var acked []DeactivateResult
	require.NoError(t, f.DeactivatePdpContext(context.Background(), DeactivateRequest{ConnectID: 8, Cid: 1}, func(r DeactivateResult) {
		acked = append(acked, r)
	}))
	require.True(t, f.CompleteDeactivation())
	require.Len(t, acked, 1)
	assert.Equal(t, 1, acked[0].Cid)
	assert.Len(t, f.Deactivations(), 1)
}

func TestFakeRadio_ActivateErr(t *testing.T) {
	f := NewFakeRadio()
	f.ActivateErr = ErrNotConnected
	err := f.ActivatePdpContext(context.Background(), ActivateRequest{}, func(ActivateResult) {})
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Empty(t, f.Activations())
}

func TestFakeRadio_Emit(t *testing.T) {
	f := NewFakeRadio()
	var kinds []EventKind
	f.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })
	f.Emit(Event{Kind: EventPsAttached})
	f.Emit(Event{Kind: EventRoamingOn})
	assert.Equal(t, []EventKind{EventPsAttached, EventRoamingOn}, kinds)
	assert.Equal(t, "roaming_on", EventRoamingOn.String())
}

func TestFakeRadio_SubscribeDuringEmit(t *testing.T) {
	f := NewFakeRadio()
	var first, late int
	f.Subscribe(func(Event) {
		first++
		if first == 1 {
			f.Subscribe(func(Event) { late++ })
		}
	})
	f.Emit(Event{Kind: EventPsAttached})
	assert.Equal(t, 1, first)
	assert.Equal(t, 0, late)

	f.Emit(Event{Kind: EventPsDetached})
	assert.Equal(t, 2, first)
	assert.Equal(t, 1, late)
}

func TestModemManager_Emit(t *testing.T) {
	m := NewModemManager(nil, map[int]string{0: "/org/freedesktop/ModemManager1/Modem/0"}, nil)
	var got []Event
	m.Subscribe(func(ev Event) { got = append(got, ev) })
	m.emit(Event{SlotID: 0, Kind: EventRoamingOn})
	require.Len(t, got, 1)
	assert.Equal(t, EventRoamingOn, got[0].Kind)
}

func TestRequestError_Retryable(t *testing.T) {
	assert.True(t, RequestGenericFailure.Retryable())
	assert.True(t, RequestSendFailure.Retryable())
	assert.False(t, RequestNoCarrier.Retryable())
	assert.False(t, RequestOK.Retryable())
}

func TestAccessTechToRadioTech(t *testing.T) {
	tests := []struct {
		bits uint32
		want pkg.RadioTech
	}{
		{0, pkg.RadioTechUnknown},
		{mmAccessGSM | mmAccessEDGE, pkg.RadioTechGSM},
		{mmAccessUMTS, pkg.RadioTechWCDMA},
		{mmAccessHSDPA | mmAccessUMTS, pkg.RadioTechHSPA},
		{mmAccessHSPAPlus, pkg.RadioTechHSPAP},
		{mmAccessLTE, pkg.RadioTechLTE},
		{mmAccessLTE | mmAccess5GNR, pkg.RadioTechNR},
		{mmAccessEVDOA, pkg.RadioTechEVDO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, accessTechToRadioTech(tt.bits), "bits %#x", tt.bits)
	}
}

func TestDataCallFromBearer(t *testing.T) {
	ip4 := map[string]dbus.Variant{
		"address": dbus.MakeVariant("10.64.1.2"),
		"prefix":  dbus.MakeVariant(uint32(30)),
		"gateway": dbus.MakeVariant("10.64.1.1"),
		"dns1":    dbus.MakeVariant("1.1.1.1"),
		"dns2":    dbus.MakeVariant("not-an-ip"),
		"mtu":     dbus.MakeVariant(uint32(1430)),
	}
	ip6 := map[string]dbus.Variant{
		"address": dbus.MakeVariant("2001:db8::2"),
		"prefix":  dbus.MakeVariant(uint32(64)),
		"dns1":    dbus.MakeVariant("2001:4860:4860::8888"),
	}

	call := dataCallFromBearer("wwan0", ip4, ip6)
	assert.Equal(t, "wwan0", call.Ifname)
	assert.Equal(t, "10.64.1.2/30 2001:db8::2/64", call.Addresses)
	assert.Equal(t, "1.1.1.1 2001:4860:4860::8888", call.DNS)
	assert.Equal(t, "10.64.1.1", call.Gateway)
	assert.Equal(t, 1430, call.MTU)
	assert.Equal(t, "IPV4V6", call.Type)

	v4only := dataCallFromBearer("wwan0", ip4, nil)
	assert.Equal(t, "IP", v4only.Type)
}

func TestConnectProperties(t *testing.T) {
	req := ActivateRequest{
		IsRoaming:    true,
		AllowRoaming: true,
		Profile: Profile{
			Apn:             "internet",
			Protocol:        "IPV4V6",
			RoamingProtocol: "IP",
			AuthType:        3,
			User:            "u",
			Password:        "p",
		},
	}
	props := connectProperties(req)
	assert.Equal(t, "internet", props["apn"].Value())
	assert.Equal(t, uint32(mmIPFamilyV4), props["ip-type"].Value())
	assert.Equal(t, uint32(mmAuthPAP|mmAuthCHAP), props["allowed-auth"].Value())
	assert.Equal(t, "u", props["user"].Value())
}

func TestConnectErrorCause(t *testing.T) {
	err := dbus.Error{Name: "org.freedesktop.ModemManager1.Error.MobileEquipment.MissingOrUnknownApn"}
	assert.Equal(t, pkg.PdpCauseMissingOrUnknownApn, connectErrorCause(err))
	assert.Equal(t, pkg.PdpCauseRadioRequestFailed, connectErrorCause(errors.New("timeout")))
}

func TestModemManager_NoModemForSlot(t *testing.T) {
	m := NewModemManager(nil, map[int]string{0: "/org/freedesktop/ModemManager1/Modem/0"}, nil)
	err := m.ActivatePdpContext(context.Background(), ActivateRequest{SlotID: 1}, func(ActivateResult) {})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, m.Start(), ErrNotConnected)
}
