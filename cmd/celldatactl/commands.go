package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/netagent"
)

var capabilities = map[string]pkg.NetCapability{
	"internet": pkg.NetCapInternet,
	"mms":      pkg.NetCapMMS,
	"supl":     pkg.NetCapSUPL,
	"dun":      pkg.NetCapDUN,
	"ims":      pkg.NetCapIMS,
	"ia":       pkg.NetCapIA,
	"eims":     pkg.NetCapEIMS,
	"xcap":     pkg.NetCapXCAP,
}

// buildCall turns command line arguments into a method and its parameters
func buildCall(args []string) (string, map[string]interface{}, error) {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "status":
		return "GetStatus", nil, nil

	case "data":
		if len(rest) != 1 {
			return "", nil, fmt.Errorf("usage: data on|off")
		}
		on, err := parseSwitch(rest[0])
		if err != nil {
			return "", nil, err
		}
		return "EnableCellularData", map[string]interface{}{"enable": on}, nil

	case "roaming":
		if len(rest) != 2 {
			return "", nil, fmt.Errorf("usage: roaming <slot> on|off")
		}
		slot, err := parseSlot(rest[0])
		if err != nil {
			return "", nil, err
		}
		on, err := parseSwitch(rest[1])
		if err != nil {
			return "", nil, err
		}
		return "EnableCellularDataRoaming", map[string]interface{}{"slot_id": slot, "enable": on}, nil

	case "default-slot":
		if len(rest) == 0 {
			return "GetDefaultCellularDataSlotId", nil, nil
		}
		slot, err := parseSlot(rest[0])
		if err != nil {
			return "", nil, err
		}
		return "SetDefaultCellularDataSlotId", map[string]interface{}{"slot_id": slot}, nil

	case "request", "release":
		if len(rest) != 2 {
			return "", nil, fmt.Errorf("usage: %s <slot> <capability>", cmd)
		}
		slot, err := parseSlot(rest[0])
		if err != nil {
			return "", nil, err
		}
		capability, ok := capabilities[strings.ToLower(rest[1])]
		if !ok {
			return "", nil, fmt.Errorf("unknown capability %q", rest[1])
		}
		method := "RequestNet"
		if cmd == "release" {
			method = "ReleaseNet"
		}
		return method, map[string]interface{}{
			"ident":      netagent.Ident(slot),
			"capability": uint64(capability),
		}, nil

	case "apn-state":
		if len(rest) != 2 {
			return "", nil, fmt.Errorf("usage: apn-state <slot> <type>")
		}
		slot, err := parseSlot(rest[0])
		if err != nil {
			return "", nil, err
		}
		return "GetApnState", map[string]interface{}{"slot_id": slot, "apn_type": rest[1]}, nil

	case "clear":
		if len(rest) != 1 {
			return "", nil, fmt.Errorf("usage: clear <slot>")
		}
		slot, err := parseSlot(rest[0])
		if err != nil {
			return "", nil, err
		}
		return "ClearCellularDataConnections", map[string]interface{}{"slot_id": slot}, nil

	case "call":
		if len(rest) == 0 {
			return "", nil, fmt.Errorf("usage: call <Method> [key=value ...]")
		}
		params := map[string]interface{}{}
		for _, kv := range rest[1:] {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return "", nil, fmt.Errorf("invalid parameter %q, want key=value", kv)
			}
			params[key] = parseValue(value)
		}
		return rest[0], params, nil
	}
	return "", nil, fmt.Errorf("unknown command %q", cmd)
}

func parseSlot(s string) (int, error) {
	slot, err := strconv.Atoi(s)
	if err != nil || slot < 0 {
		return 0, fmt.Errorf("invalid slot %q", s)
	}
	return slot, nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true", "enable":
		return true, nil
	case "off", "0", "false", "disable":
		return false, nil
	}
	return false, fmt.Errorf("invalid switch value %q, want on or off", s)
}

// parseValue reads booleans and integers, everything else stays a string
func parseValue(s string) interface{} {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
