package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/service"
)

type result map[string]interface{}

type method struct {
	name string
	call func(ctx context.Context, svc *service.Service, a args) (result, error)
}

// args reads typed parameters out of a request struct
type args struct {
	fields map[string]*structpb.Value
}

func newArgs(s *structpb.Struct) args {
	if s == nil {
		return args{}
	}
	return args{fields: s.GetFields()}
}

func (a args) Int(key string) (int, error) {
	v, ok := a.fields[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", service.ErrInvalidParameter, key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, fmt.Errorf("%w: %s is not an integer", service.ErrInvalidParameter, key)
	}
	return int(n.NumberValue), nil
}

func (a args) Bool(key string) (bool, error) {
	v, ok := a.fields[key]
	if !ok {
		return false, fmt.Errorf("%w: missing %s", service.ErrInvalidParameter, key)
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, fmt.Errorf("%w: %s is not a bool", service.ErrInvalidParameter, key)
	}
	return b.BoolValue, nil
}

func (a args) String(key string) (string, error) {
	v, ok := a.fields[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", service.ErrInvalidParameter, key)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", service.ErrInvalidParameter, key)
	}
	return s.StringValue, nil
}

func (a args) request() (pkg.NetRequest, error) {
	ident, err := a.String("ident")
	if err != nil {
		return pkg.NetRequest{}, err
	}
	capability, err := a.Int("capability")
	if err != nil {
		return pkg.NetRequest{}, err
	}
	if capability <= 0 {
		return pkg.NetRequest{}, fmt.Errorf("%w: capability %d", service.ErrInvalidParameter, capability)
	}
	return pkg.NetRequest{Ident: ident, Capability: pkg.NetCapability(capability)}, nil
}

// jsonValue converts v to the generic shape structpb accepts
func jsonValue(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func slotCall(fn func(ctx context.Context, svc *service.Service, slot int, a args) (result, error)) func(context.Context, *service.Service, args) (result, error) {
	return func(ctx context.Context, svc *service.Service, a args) (result, error) {
		slot, err := a.Int("slot_id")
		if err != nil {
			return nil, err
		}
		return fn(ctx, svc, slot, a)
	}
}

func slotToggle(fn func(svc *service.Service, ctx context.Context, slot int, enable bool) error) func(context.Context, *service.Service, args) (result, error) {
	return slotCall(func(ctx context.Context, svc *service.Service, slot int, a args) (result, error) {
		enable, err := a.Bool("enable")
		if err != nil {
			return nil, err
		}
		return nil, fn(svc, ctx, slot, enable)
	})
}

func slotAction(fn func(svc *service.Service, ctx context.Context, slot int) error) func(context.Context, *service.Service, args) (result, error) {
	return slotCall(func(ctx context.Context, svc *service.Service, slot int, _ args) (result, error) {
		return nil, fn(svc, ctx, slot)
	})
}

var methodTable = []method{
	{"IsCellularDataEnabled", func(ctx context.Context, svc *service.Service, _ args) (result, error) {
		on, err := svc.IsCellularDataEnabled(ctx)
		return result{"enabled": on}, err
	}},
	{"EnableCellularData", func(ctx context.Context, svc *service.Service, a args) (result, error) {
		enable, err := a.Bool("enable")
		if err != nil {
			return nil, err
		}
		return nil, svc.EnableCellularData(ctx, enable)
	}},
	{"GetCellularDataState", func(ctx context.Context, svc *service.Service, _ args) (result, error) {
		state, err := svc.GetCellularDataState(ctx)
		return result{"state": int(state), "state_name": state.String()}, err
	}},
	{"IsCellularDataRoamingEnabled", slotCall(func(ctx context.Context, svc *service.Service, slot int, _ args) (result, error) {
		on, err := svc.IsCellularDataRoamingEnabled(ctx, slot)
		return result{"enabled": on}, err
	})},
	{"EnableCellularDataRoaming", slotToggle((*service.Service).EnableCellularDataRoaming)},
	{"IsIncallDataEnabled", slotCall(func(ctx context.Context, svc *service.Service, slot int, _ args) (result, error) {
		on, err := svc.IsIncallDataEnabled(ctx, slot)
		return result{"enabled": on}, err
	})},
	{"EnableIncallData", slotToggle((*service.Service).EnableIncallData)},
	{"RequestNet", func(ctx context.Context, svc *service.Service, a args) (result, error) {
		req, err := a.request()
		if err != nil {
			return nil, err
		}
		return nil, svc.RequestNet(ctx, req)
	}},
	{"ReleaseNet", func(ctx context.Context, svc *service.Service, a args) (result, error) {
		req, err := a.request()
		if err != nil {
			return nil, err
		}
		return nil, svc.ReleaseNet(ctx, req)
	}},
	{"GetDefaultCellularDataSlotId", func(ctx context.Context, svc *service.Service, _ args) (result, error) {
		slot, err := svc.GetDefaultCellularDataSlotId(ctx)
		return result{"slot_id": slot}, err
	}},
	{"SetDefaultCellularDataSlotId", slotAction((*service.Service).SetDefaultCellularDataSlotId)},
	{"GetCellularDataFlowType", func(ctx context.Context, svc *service.Service, _ args) (result, error) {
		flow, err := svc.GetCellularDataFlowType(ctx)
		return result{"flow_type": int(flow), "flow_type_name": flow.String()}, err
	}},
	{"HandleApnChanged", slotAction((*service.Service).HandleApnChanged)},
	{"GetApnState", slotCall(func(ctx context.Context, svc *service.Service, slot int, a args) (result, error) {
		role, err := a.String("apn_type")
		if err != nil {
			return nil, err
		}
		state, err := svc.GetApnState(ctx, slot, role)
		return result{"state": int(state), "state_name": state.String()}, err
	})},
	{"GetDataConnApnAttr", slotCall(func(ctx context.Context, svc *service.Service, slot int, _ args) (result, error) {
		attr, err := svc.GetDataConnApnAttr(ctx, slot)
		if err != nil {
			return nil, err
		}
		v, err := jsonValue(attr)
		if err != nil {
			return nil, err
		}
		return result{"apn_attr": v}, nil
	})},
	{"GetDataConnIpType", slotCall(func(ctx context.Context, svc *service.Service, slot int, _ args) (result, error) {
		ipType, err := svc.GetDataConnIpType(ctx, slot)
		return result{"ip_type": ipType}, err
	})},
	{"GetDataRecoveryState", func(ctx context.Context, svc *service.Service, _ args) (result, error) {
		state, err := svc.GetDataRecoveryState(ctx)
		return result{"state": int(state), "state_name": state.String()}, err
	}},
	{"ClearCellularDataConnections", slotAction((*service.Service).ClearCellularDataConnections)},
	{"HasInternetCapability", slotCall(func(ctx context.Context, svc *service.Service, slot int, a args) (result, error) {
		cid, err := a.Int("cid")
		if err != nil {
			return nil, err
		}
		has, err := svc.HasInternetCapability(ctx, slot, cid)
		return result{"has_internet": has}, err
	})},
	{"SetPolicyDataOn", slotToggle((*service.Service).SetPolicyDataOn)},
	{"FactoryReset", slotAction((*service.Service).FactoryReset)},
	{"GetStatus", func(ctx context.Context, svc *service.Service, _ args) (result, error) {
		statuses, err := svc.Status(ctx)
		if err != nil {
			return nil, err
		}
		v, err := jsonValue(statuses)
		if err != nil {
			return nil, err
		}
		return result{"slots": v}, nil
	}},
}
