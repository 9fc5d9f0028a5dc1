package netagent

import (
	"context"
	"sync"

	"github.com/markus-lassfolk/celldata/pkg"
)

// SupplierState is everything the memory broker knows about a supplier
type SupplierState struct {
	Supplier  Supplier
	Info      SupplierInfo
	Link      LinkInfo
	RadioTech pkg.RadioTech
	Updates   int
}

// MemoryBroker keeps supplier state in memory. It backs tests and
// deployments without an external broker.
type MemoryBroker struct {
	mu        sync.RWMutex
	suppliers map[string]*SupplierState
}

// NewMemoryBroker creates an empty broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{suppliers: make(map[string]*SupplierState)}
}

func (b *MemoryBroker) RegisterNetSupplier(ctx context.Context, s Supplier) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suppliers[s.ID] = &SupplierState{Supplier: s}
	return nil
}

func (b *MemoryBroker) UnregisterNetSupplier(ctx context.Context, supplierID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.suppliers[supplierID]; !ok {
		return ErrUnknownSupplier
	}
	delete(b.suppliers, supplierID)
	return nil
}

func (b *MemoryBroker) UpdateNetSupplierInfo(supplierID string, info SupplierInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.suppliers[supplierID]
	if !ok {
		return ErrUnknownSupplier
	}
	st.Info = info
	st.Updates++
	return nil
}

func (b *MemoryBroker) UpdateNetLinkInfo(supplierID string, link LinkInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.suppliers[supplierID]
	if !ok {
		return ErrUnknownSupplier
	}
	st.Link = link
	st.Updates++
	return nil
}

func (b *MemoryBroker) RegisterSlotType(supplierID string, tech pkg.RadioTech) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.suppliers[supplierID]
	if !ok {
		return ErrUnknownSupplier
	}
	st.RadioTech = tech
	return nil
}

// Get returns a copy of the supplier state
func (b *MemoryBroker) Get(supplierID string) (SupplierState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.suppliers[supplierID]
	if !ok {
		return SupplierState{}, false
	}
	return *st, true
}

// Suppliers returns every registered supplier
func (b *MemoryBroker) Suppliers() []Supplier {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Supplier, 0, len(b.suppliers))
	for _, st := range b.suppliers {
		out = append(out, st.Supplier)
	}
	return out
}
