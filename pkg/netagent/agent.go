package netagent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/retry.v1"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/logx"
)

// SupplierCapabilities is the set of capabilities a slot registers a supplier for
var SupplierCapabilities = []pkg.NetCapability{
	pkg.NetCapInternet,
	pkg.NetCapMMS,
	pkg.NetCapSUPL,
	pkg.NetCapDUN,
	pkg.NetCapIA,
	pkg.NetCapXCAP,
	pkg.NetCapIMS,
	pkg.NetCapEIMS,
}

// DefaultRegisterStrategy paces supplier registration while the broker starts up
var DefaultRegisterStrategy retry.Strategy = retry.LimitCount(10, retry.LimitTime(2*time.Minute,
	retry.Exponential{
		Initial:  time.Second,
		Factor:   2,
		MaxDelay: 15 * time.Second,
	},
))

// IdentPrefix starts the ident of every supplier and network request
const IdentPrefix = "slotId"

// Ident returns the supplier ident of slotID
func Ident(slotID int) string {
	return IdentPrefix + strconv.Itoa(slotID)
}

// ParseIdent returns the slot named by a supplier ident
func ParseIdent(ident string) (int, bool) {
	rest, ok := strings.CutPrefix(ident, IdentPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	slot, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return slot, true
}

type supplierKey struct {
	slot int
	cap  pkg.NetCapability
}

// Agent maps (slot, capability) pairs onto broker supplier ids. It is the
// only writer of supplier state for those pairs.
type Agent struct {
	broker   Broker
	logger   *logx.Logger
	strategy retry.Strategy

	mu  sync.RWMutex
	ids map[supplierKey]string
}

// NewAgent creates an agent publishing to broker
func NewAgent(broker Broker, logger *logx.Logger) *Agent {
	return &Agent{
		broker:   broker,
		logger:   logger,
		strategy: DefaultRegisterStrategy,
		ids:      make(map[supplierKey]string),
	}
}

// SetRetryStrategy replaces the registration retry strategy
func (a *Agent) SetRetryStrategy(s retry.Strategy) {
	a.strategy = s
}

// RegisterNetSupplier registers one supplier per capability for slotID,
// retrying each registration until the strategy gives up.
func (a *Agent) RegisterNetSupplier(ctx context.Context, slotID int) error {
	for _, c := range SupplierCapabilities {
		key := supplierKey{slotID, c}
		a.mu.RLock()
		_, done := a.ids[key]
		a.mu.RUnlock()
		if done {
			continue
		}

		s := Supplier{
			ID:         uuid.NewString(),
			SlotID:     slotID,
			Capability: c,
			Ident:      Ident(slotID),
		}
		var err error
		for attempt := retry.Start(a.strategy, nil); attempt.Next(); {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err = a.broker.RegisterNetSupplier(ctx, s); err == nil {
				break
			}
			a.logger.Warn("net supplier registration failed", "slot", slotID, "capability", uint64(c), "attempt", attempt.Count(), "error", err)
		}
		if err != nil {
			return fmt.Errorf("failed to register net supplier for slot %d capability %d: %w", slotID, c, err)
		}

		a.mu.Lock()
		a.ids[key] = s.ID
		a.mu.Unlock()
		a.logger.Debug("net supplier registered", "slot", slotID, "capability", uint64(c), "supplier_id", s.ID)
	}
	return nil
}

// UnregisterNetSupplier removes every supplier of slotID
func (a *Agent) UnregisterNetSupplier(ctx context.Context, slotID int) {
	a.mu.Lock()
	var ids []string
	for key, id := range a.ids {
		if key.slot == slotID {
			ids = append(ids, id)
			delete(a.ids, key)
		}
	}
	a.mu.Unlock()

	for _, id := range ids {
		if err := a.broker.UnregisterNetSupplier(ctx, id); err != nil {
			a.logger.Warn("failed to unregister net supplier", "slot", slotID, "supplier_id", id, "error", err)
		}
	}
}

// SupplierID returns the supplier id of (slotID, c) or "" when not registered
func (a *Agent) SupplierID(slotID int, c pkg.NetCapability) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ids[supplierKey{slotID, c}]
}

// UpdateNetSupplierInfo publishes availability for (slotID, c)
func (a *Agent) UpdateNetSupplierInfo(slotID int, c pkg.NetCapability, info SupplierInfo) {
	id := a.SupplierID(slotID, c)
	if id == "" {
		a.logger.Debug("no net supplier for update", "slot", slotID, "capability", uint64(c))
		return
	}
	if err := a.broker.UpdateNetSupplierInfo(id, info); err != nil {
		a.logger.Warn("failed to update net supplier info", "slot", slotID, "supplier_id", id, "error", err)
	}
}

// UpdateNetLinkInfo publishes link configuration for (slotID, c)
func (a *Agent) UpdateNetLinkInfo(slotID int, c pkg.NetCapability, link LinkInfo) {
	id := a.SupplierID(slotID, c)
	if id == "" {
		return
	}
	if err := a.broker.UpdateNetLinkInfo(id, link); err != nil {
		a.logger.Warn("failed to update net link info", "slot", slotID, "supplier_id", id, "error", err)
	}
}

// RegisterSlotType tells the broker which radio technology serves (slotID, c)
func (a *Agent) RegisterSlotType(slotID int, c pkg.NetCapability, tech pkg.RadioTech) {
	id := a.SupplierID(slotID, c)
	if id == "" {
		return
	}
	if err := a.broker.RegisterSlotType(id, tech); err != nil {
		a.logger.Warn("failed to register slot type", "slot", slotID, "supplier_id", id, "error", err)
	}
}
