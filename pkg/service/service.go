// Package service is the telephony facing surface of the cellular data
// daemon. It validates slots and permissions and forwards each operation to
// the handler of the addressed slot.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/apn"
	"github.com/markus-lassfolk/celldata/pkg/controller"
	"github.com/markus-lassfolk/celldata/pkg/handler"
	"github.com/markus-lassfolk/celldata/pkg/logx"
	"github.com/markus-lassfolk/celldata/pkg/netagent"
	"github.com/markus-lassfolk/celldata/pkg/slots"
)

// Service implements the cellular data operations over a controller
type Service struct {
	ctx    *slots.Context
	ctrl   *controller.Controller
	logger *logx.Logger

	mu      sync.RWMutex
	running bool
}

// New creates a service. The controller must be built over ctx.
func New(ctx *slots.Context, ctrl *controller.Controller, logger *logx.Logger) *Service {
	return &Service{ctx: ctx, ctrl: ctrl, logger: logger}
}

// Start starts the controller and opens the service for callers
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := s.ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	s.running = true
	s.logger.Info("cellular data service started", "sim_count", s.ctx.SimCount())
	return nil
}

// Stop closes the service, stops the controller and resets the process context
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	err := s.ctrl.Stop()
	s.ctx.Reset()
	s.logger.Info("cellular data service stopped")
	return err
}

// IsRunning reports whether the service accepts calls
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Service) check(ctx context.Context, perm Permission) error {
	if !s.IsRunning() {
		return ErrServiceUnavailable
	}
	if perm != 0 {
		return checkPermission(ctx, perm)
	}
	return nil
}

func (s *Service) slotHandler(ctx context.Context, perm Permission, slot int) (*handler.Handler, error) {
	if err := s.check(ctx, perm); err != nil {
		return nil, err
	}
	if !s.ctx.IsValidSlot(slot) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	return s.ctrl.Handler(slot)
}

func (s *Service) defaultHandler(ctx context.Context, perm Permission) (*handler.Handler, error) {
	if err := s.check(ctx, perm); err != nil {
		return nil, err
	}
	h, err := s.ctrl.DefaultHandler()
	if err != nil {
		return nil, fmt.Errorf("%w: no default data slot", ErrInvalidParameter)
	}
	return h, nil
}

func sent(ok bool) error {
	if !ok {
		return ErrFailed
	}
	return nil
}

// IsCellularDataEnabled returns the user data switch
func (s *Service) IsCellularDataEnabled(ctx context.Context) (bool, error) {
	h, err := s.slotHandler(ctx, PermGetNetworkInfo, 0)
	if err != nil {
		return false, err
	}
	return h.IsCellularDataEnabled(), nil
}

// EnableCellularData sets the user data switch
func (s *Service) EnableCellularData(ctx context.Context, enable bool) error {
	h, err := s.slotHandler(ctx, PermSetTelephonyState, 0)
	if err != nil {
		return err
	}
	s.logger.Info("enable cellular data", "enable", enable)
	return sent(h.SetCellularDataEnable(enable))
}

// GetCellularDataState returns the data state of the default data slot
func (s *Service) GetCellularDataState(ctx context.Context) (pkg.DataConnectionStatus, error) {
	h, err := s.defaultHandler(ctx, 0)
	if err != nil {
		return pkg.DataStateDisconnected, err
	}
	return h.GetCellularDataState(), nil
}

// IsCellularDataRoamingEnabled returns the roaming switch of slot
func (s *Service) IsCellularDataRoamingEnabled(ctx context.Context, slot int) (bool, error) {
	h, err := s.slotHandler(ctx, PermGetNetworkInfo, slot)
	if err != nil {
		return false, err
	}
	return h.IsCellularDataRoamingEnabled(), nil
}

// EnableCellularDataRoaming sets the roaming switch of slot
func (s *Service) EnableCellularDataRoaming(ctx context.Context, slot int, enable bool) error {
	h, err := s.slotHandler(ctx, PermSetTelephonyState, slot)
	if err != nil {
		return err
	}
	s.logger.Info("enable cellular data roaming", "slot", slot, "enable", enable)
	return sent(h.SetCellularDataRoamingEnabled(enable))
}

// IsIncallDataEnabled returns the in-call data switch of slot
func (s *Service) IsIncallDataEnabled(ctx context.Context, slot int) (bool, error) {
	h, err := s.slotHandler(ctx, PermGetNetworkInfo, slot)
	if err != nil {
		return false, err
	}
	return h.IsIncallDataEnabled(), nil
}

// EnableIncallData sets the in-call data switch of slot
func (s *Service) EnableIncallData(ctx context.Context, slot int, enable bool) error {
	h, err := s.slotHandler(ctx, PermSetTelephonyState, slot)
	if err != nil {
		return err
	}
	return sent(h.SetIncallDataEnable(enable))
}

// requestHandler resolves the slot encoded in the request ident
func (s *Service) requestHandler(ctx context.Context, req pkg.NetRequest) (*handler.Handler, error) {
	if err := s.check(ctx, 0); err != nil {
		return nil, err
	}
	slot, ok := netagent.ParseIdent(req.Ident)
	if !ok || !s.ctx.IsValidSlot(slot) {
		return nil, fmt.Errorf("%w: ident %q", ErrInvalidParameter, req.Ident)
	}
	return s.ctrl.Handler(slot)
}

// RequestNet asks for a cellular network. The request ident names the slot
// as slotId<N>.
func (s *Service) RequestNet(ctx context.Context, req pkg.NetRequest) error {
	h, err := s.requestHandler(ctx, req)
	if err != nil {
		return err
	}
	if !h.RequestNet(req) {
		return fmt.Errorf("%w: request %q capability %d", ErrFailed, req.Ident, uint64(req.Capability))
	}
	return nil
}

// ReleaseNet drops a network request made through RequestNet
func (s *Service) ReleaseNet(ctx context.Context, req pkg.NetRequest) error {
	h, err := s.requestHandler(ctx, req)
	if err != nil {
		return err
	}
	if !h.ReleaseNet(req) {
		return fmt.Errorf("%w: release %q capability %d", ErrFailed, req.Ident, uint64(req.Capability))
	}
	return nil
}

// GetDefaultCellularDataSlotId returns the default data slot
func (s *Service) GetDefaultCellularDataSlotId(ctx context.Context) (int, error) {
	if err := s.check(ctx, 0); err != nil {
		return slots.InvalidSlot, err
	}
	return s.ctx.DefaultDataSlot(), nil
}

// SetDefaultCellularDataSlotId moves the default data slot. The slot must
// hold a SIM.
func (s *Service) SetDefaultCellularDataSlotId(ctx context.Context, slot int) error {
	if err := s.check(ctx, PermSetTelephonyState); err != nil {
		return err
	}
	if !s.ctx.IsValidSlot(slot) {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	if !s.ctx.HasSimCard(slot) {
		return fmt.Errorf("%w: no sim card in slot %d", ErrNotReady, slot)
	}
	if err := s.ctx.SetDefaultDataSlot(slot); err != nil {
		return err
	}
	s.logger.Info("default data slot changed", "slot", slot)
	return nil
}

// GetCellularDataFlowType returns the traffic direction of the default data slot
func (s *Service) GetCellularDataFlowType(ctx context.Context) (pkg.DataFlowType, error) {
	h, err := s.defaultHandler(ctx, 0)
	if err != nil {
		return pkg.DataFlowNone, err
	}
	return h.GetCellularDataFlowType(), nil
}

// HandleApnChanged makes slot reload its APN profiles
func (s *Service) HandleApnChanged(ctx context.Context, slot int) error {
	h, err := s.slotHandler(ctx, PermSetTelephonyState, slot)
	if err != nil {
		return err
	}
	return sent(h.HandleApnChanged())
}

// GetApnState returns the state of the holder of role on slot
func (s *Service) GetApnState(ctx context.Context, slot int, role string) (pkg.ApnState, error) {
	h, err := s.slotHandler(ctx, 0, slot)
	if err != nil {
		return pkg.ApnStateIdle, err
	}
	if apn.FindApnIDByApnName(role) <= apn.RoleIDAll {
		return pkg.ApnStateIdle, fmt.Errorf("%w: role %q", ErrInvalidParameter, role)
	}
	state, ok := h.GetApnState(role)
	if !ok {
		return pkg.ApnStateIdle, nil
	}
	return state, nil
}

// GetDataConnApnAttr returns the profile of the data connection of slot
func (s *Service) GetDataConnApnAttr(ctx context.Context, slot int) (apn.Config, error) {
	h, err := s.slotHandler(ctx, PermGetNetworkInfo, slot)
	if err != nil {
		return apn.Config{}, err
	}
	attr, _ := h.GetDataConnApnAttr()
	return attr, nil
}

// GetDataConnIpType returns the ip type of the data connection of slot
func (s *Service) GetDataConnIpType(ctx context.Context, slot int) (string, error) {
	h, err := s.slotHandler(ctx, PermGetNetworkInfo, slot)
	if err != nil {
		return "", err
	}
	return h.GetDataConnIpType(), nil
}

// GetDataRecoveryState returns the most advanced recovery step over all slots
func (s *Service) GetDataRecoveryState(ctx context.Context) (pkg.RecoveryState, error) {
	if err := s.check(ctx, 0); err != nil {
		return pkg.RecoveryRequestContextList, err
	}
	state := pkg.RecoveryRequestContextList
	for _, h := range s.ctrl.Handlers() {
		if r := h.GetDataRecoveryState(); r > state {
			state = r
		}
	}
	return state, nil
}

// ClearCellularDataConnections tears down every connection of slot
func (s *Service) ClearCellularDataConnections(ctx context.Context, slot int) error {
	return s.ClearAllConnections(ctx, slot, pkg.ReasonClearConnection)
}

// ClearAllConnections tears down every connection of slot with reason
func (s *Service) ClearAllConnections(ctx context.Context, slot int, reason pkg.DisconnectReason) error {
	h, err := s.slotHandler(ctx, PermSetTelephonyState, slot)
	if err != nil {
		return err
	}
	s.logger.Info("clear all connections", "slot", slot, "reason", reason.String())
	return sent(h.ClearAllConnections(reason))
}

// HasInternetCapability reports whether context cid on slot serves internet
func (s *Service) HasInternetCapability(ctx context.Context, slot, cid int) (bool, error) {
	h, err := s.slotHandler(ctx, 0, slot)
	if err != nil {
		return false, err
	}
	return h.HasInternetCapability(cid), nil
}

// SetPolicyDataOn sets the data policy switch of slot
func (s *Service) SetPolicyDataOn(ctx context.Context, slot int, enable bool) error {
	h, err := s.slotHandler(ctx, PermSetTelephonyState, slot)
	if err != nil {
		return err
	}
	return sent(h.SetPolicyDataOn(enable))
}

// FactoryReset restores the switches and APN profiles of slot
func (s *Service) FactoryReset(ctx context.Context, slot int) error {
	h, err := s.slotHandler(ctx, PermSetTelephonyState, slot)
	if err != nil {
		return err
	}
	s.logger.Warn("factory reset", "slot", slot)
	return sent(h.FactoryReset())
}

// Status returns the snapshot of every slot
func (s *Service) Status(ctx context.Context) ([]pkg.SlotStatus, error) {
	if err := s.check(ctx, PermGetNetworkInfo); err != nil {
		return nil, err
	}
	return s.ctrl.Statuses(), nil
}
