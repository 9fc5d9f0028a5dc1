package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/celldata/pkg"
)

func TestBuildCall(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		method string
		params map[string]interface{}
	}{
		{"status", []string{"status"}, "GetStatus", nil},
		{"data off", []string{"data", "off"}, "EnableCellularData", map[string]interface{}{"enable": false}},
		{"roaming", []string{"roaming", "1", "on"}, "EnableCellularDataRoaming",
			map[string]interface{}{"slot_id": 1, "enable": true}},
		{"get default", []string{"default-slot"}, "GetDefaultCellularDataSlotId", nil},
		{"set default", []string{"default-slot", "1"}, "SetDefaultCellularDataSlotId",
			map[string]interface{}{"slot_id": 1}},
		{"request", []string{"request", "0", "internet"}, "RequestNet",
			map[string]interface{}{"ident": "slotId0", "capability": uint64(pkg.NetCapInternet)}},
		{"release", []string{"release", "1", "MMS"}, "ReleaseNet",
			map[string]interface{}{"ident": "slotId1", "capability": uint64(pkg.NetCapMMS)}},
		{"apn state", []string{"apn-state", "0", "ims"}, "GetApnState",
			map[string]interface{}{"slot_id": 0, "apn_type": "ims"}},
		{"clear", []string{"clear", "0"}, "ClearCellularDataConnections", map[string]interface{}{"slot_id": 0}},
		{"generic", []string{"call", "HasInternetCapability", "slot_id=0", "cid=1"}, "HasInternetCapability",
			map[string]interface{}{"slot_id": int64(0), "cid": int64(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, params, err := buildCall(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.method, method)
			assert.Equal(t, tt.params, params)
		})
	}
}

func TestBuildCall_Errors(t *testing.T) {
	for _, args := range [][]string{
		{"reboot"},
		{"data"},
		{"data", "maybe"},
		{"roaming", "x", "on"},
		{"roaming", "-1", "on"},
		{"request", "0", "wifi"},
		{"call"},
		{"call", "GetStatus", "novalue"},
	} {
		_, _, err := buildCall(args)
		assert.Error(t, err, args)
	}
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, int64(42), parseValue("42"))
	assert.Equal(t, int64(1), parseValue("1"))
	assert.Equal(t, "default", parseValue("default"))
}
