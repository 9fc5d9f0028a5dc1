package apn

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/logx"
)

// DefaultReadApnTimes is how often the profile store is queried before
// falling back to the built-in profiles
const DefaultReadApnTimes = 2

const mccLength = 3

// ProfileSource is the persisted APN profile store as seen by the manager
type ProfileSource interface {
	QueryApns(ctx context.Context, mcc, mnc string) ([]Config, error)
	PreferredApn(ctx context.Context, slotID int) (int, error)
	ResetApns(ctx context.Context, slotID int) error
}

// Manager owns the holders and the APN profile pool of one SIM slot
type Manager struct {
	slotID int
	source ProfileSource
	logger *logx.Logger

	holders []*Holder
	byID    map[int]*Holder
	sorted  []*Holder

	mu       sync.RWMutex
	items    []*Item
	preferID int
}

// NewManager creates a manager without holders. Call InitApnHolders.
func NewManager(slotID int, source ProfileSource, logger *logx.Logger) *Manager {
	return &Manager{
		slotID:   slotID,
		source:   source,
		logger:   logger,
		byID:     make(map[int]*Holder),
		preferID: InvalidProfileID,
	}
}

// InitApnHolders creates one holder per role
func (m *Manager) InitApnHolders() {
	for _, hr := range holderRoles {
		m.AddApnHolder(hr.name, hr.priority)
	}
}

// AddApnHolder registers a holder for role unless one already exists
func (m *Manager) AddApnHolder(role string, priority int) {
	id := FindApnIDByApnName(role)
	if id == RoleIDInvalid {
		m.logger.Error("invalid apn role", "slot", m.slotID, "role", role)
		return
	}
	if _, exists := m.byID[id]; exists {
		return
	}
	h := NewHolder(role, priority)
	m.holders = append(m.holders, h)
	m.byID[id] = h
	m.sorted = append(m.sorted, h)
	sort.SliceStable(m.sorted, func(i, j int) bool {
		if m.sorted[i].priority != m.sorted[j].priority {
			return m.sorted[i].priority > m.sorted[j].priority
		}
		return m.sorted[i].id < m.sorted[j].id
	})
}

// GetApnHolder returns the holder of role or nil
func (m *Manager) GetApnHolder(role string) *Holder {
	return m.byID[FindApnIDByApnName(role)]
}

// FindApnHolderByID returns the holder with role id or nil
func (m *Manager) FindApnHolderByID(id int) *Holder {
	if id == RoleIDInvalid {
		return nil
	}
	return m.byID[id]
}

// AllApnHolders returns the holders in creation order
func (m *Manager) AllApnHolders() []*Holder {
	return m.holders
}

// SortedApnHolders returns the holders in connection priority order
func (m *Manager) SortedApnHolders() []*Holder {
	return m.sorted
}

// CreateAllApnItem replaces the profile pool with the built-in profiles
func (m *Manager) CreateAllApnItem() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = []*Item{
		MakeDefaultApn(RoleDefault + "," + RoleSUPL + "," + RoleDUN + "," + RoleIA),
		MakeDefaultApn(RoleMMS),
		MakeDefaultApn(RoleEmergency),
	}
	m.preferID = InvalidProfileID
}

// CreateAllApnItemByDatabase rebuilds the pool from the profile store for
// the operator numeric (mcc+mnc). It returns the number of profiles loaded.
func (m *Manager) CreateAllApnItemByDatabase(ctx context.Context, numeric string) (int, error) {
	if m.source == nil {
		return 0, fmt.Errorf("no apn profile source configured")
	}
	if len(numeric) <= mccLength {
		return 0, fmt.Errorf("invalid operator numeric %q", numeric)
	}
	mcc, mnc := numeric[:mccLength], numeric[mccLength:]

	preferID, err := m.source.PreferredApn(ctx, m.slotID)
	if err != nil {
		m.logger.Debug("no preferred apn", "slot", m.slotID, "error", err)
		preferID = InvalidProfileID
	}
	configs, err := m.source.QueryApns(ctx, mcc, mnc)
	if err != nil {
		return 0, fmt.Errorf("failed to query apns for %s: %w", numeric, err)
	}
	if len(configs) == 0 {
		return 0, nil
	}

	items := make([]*Item, 0, len(configs))
	for _, cfg := range configs {
		if cfg.ProfileID == preferID && len(cfg.Types) == 0 {
			cfg.Types = []string{RoleDefault}
		}
		items = append(items, NewItem(cfg))
	}
	items, preferID = mergeSimilar(items, preferID)
	for i, item := range items {
		if item.ProfileID == preferID && i > 0 {
			items = append([]*Item{item}, append(items[:i:i], items[i+1:]...)...)
			break
		}
	}
	if !anyCanDeal(items, RoleEmergency) {
		items = append(items, MakeDefaultApn(RoleEmergency))
	}

	m.mu.Lock()
	m.items = items
	m.preferID = preferID
	m.mu.Unlock()

	m.logger.Info("apn profiles loaded", "slot", m.slotID, "numeric", numeric, "count", len(configs), "prefer_id", preferID)
	return len(configs), nil
}

// CreateApnItems loads the profiles for numeric, retrying the store up to
// DefaultReadApnTimes and falling back to the built-in profiles.
func (m *Manager) CreateApnItems(ctx context.Context, numeric string) int {
	for i := 0; i < DefaultReadApnTimes; i++ {
		count, err := m.CreateAllApnItemByDatabase(ctx, numeric)
		if err != nil {
			m.logger.Warn("failed to load apn profiles", "slot", m.slotID, "attempt", i+1, "error", err)
			continue
		}
		if count > 0 {
			return count
		}
	}
	m.logger.Info("using built-in apn profiles", "slot", m.slotID, "numeric", numeric)
	m.CreateAllApnItem()
	return 0
}

func mergeSimilar(items []*Item, preferID int) ([]*Item, int) {
	out := make([]*Item, 0, len(items))
	merged := make([]bool, len(items))
	for i := range items {
		if merged[i] {
			continue
		}
		cur := items[i]
		for j := i + 1; j < len(items); j++ {
			if merged[j] || !cur.IsSimilar(items[j]) {
				continue
			}
			if preferID == items[j].ProfileID {
				preferID = cur.ProfileID
			}
			cur = Merge(cur, items[j])
			merged[j] = true
		}
		out = append(out, cur)
	}
	return out, preferID
}

func anyCanDeal(items []*Item, role string) bool {
	for _, item := range items {
		if item.CanDealWithType(role) {
			return true
		}
	}
	return false
}

// FilterMatchedApns returns, in pool order, the profiles able to serve role
// on tech. Dun profiles are not used while roaming unless the preferred
// profile was edited by the user, in which case it is tried first.
func (m *Manager) FilterMatchedApns(role string, tech pkg.RadioTech, roaming bool) []*Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var preferred *Item
	for _, item := range m.items {
		if item.ProfileID == m.preferID {
			preferred = item
			break
		}
	}
	if role == RoleDUN {
		if roaming && (preferred == nil || !preferred.IsUserEdited) {
			return nil
		}
		if preferred != nil && preferred.CanDealWithType(RoleDUN) && preferred.SupportsRadioTech(tech) {
			return []*Item{preferred}
		}
	}

	var matched []*Item
	for _, item := range m.items {
		if !item.CanDealWithType(role) || !item.SupportsRadioTech(tech) {
			continue
		}
		if item.IsRoamingApn && !roaming {
			continue
		}
		matched = append(matched, item)
	}
	return matched
}

// IsDataConnectionNotUsed reports whether no holder binds the machine
func (m *Manager) IsDataConnectionNotUsed(machineID int) bool {
	if machineID == NoMachine {
		return false
	}
	for _, h := range m.holders {
		if h.machine == machineID {
			return false
		}
	}
	return true
}

// HasAnyConnectedState reports whether a holder is connected or disconnecting
func (m *Manager) HasAnyConnectedState() bool {
	for _, h := range m.holders {
		if h.state == pkg.ApnStateConnected || h.state == pkg.ApnStateDisconnecting {
			return true
		}
	}
	return false
}

// GetOverallApnState aggregates the holder states with the precedence
// Connected > Connecting > Idle > Failed. Disconnecting counts as
// Connected and Retrying counts as Connecting.
func (m *Manager) GetOverallApnState() pkg.ApnState {
	if len(m.holders) == 0 {
		return pkg.ApnStateIdle
	}
	if m.HasAnyConnectedState() {
		return pkg.ApnStateConnected
	}
	idle := false
	for _, h := range m.holders {
		switch h.state {
		case pkg.ApnStateConnecting, pkg.ApnStateRetrying:
			return pkg.ApnStateConnecting
		case pkg.ApnStateIdle:
			idle = true
		}
	}
	if idle {
		return pkg.ApnStateIdle
	}
	return pkg.ApnStateFailed
}

// GetOverallDefaultApnState returns the state of the default role holder
func (m *Manager) GetOverallDefaultApnState() pkg.ApnState {
	if h := m.GetApnHolder(RoleDefault); h != nil {
		return h.state
	}
	return pkg.ApnStateIdle
}

// GetRilAttachApn returns the profile to register as initial attach APN:
// the first ia capable profile, else the first default capable one, else
// the first profile.
func (m *Manager) GetRilAttachApn() *Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.items) == 0 {
		return nil
	}
	var attach *Item
	for _, item := range m.items {
		if item.CanDealWithType(RoleIA) {
			return item
		}
		if attach == nil && item.CanDealWithType(RoleDefault) {
			attach = item
		}
	}
	if attach == nil {
		attach = m.items[0]
	}
	return attach
}

// GetApnItemByID returns the pooled profile with id or nil
func (m *Manager) GetApnItemByID(id int) *Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, item := range m.items {
		if item.ProfileID == id {
			return item
		}
	}
	return nil
}

// AllApnItems returns the profile pool
func (m *Manager) AllApnItems() []*Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Item(nil), m.items...)
}

// PreferredID returns the preferred profile id or InvalidProfileID
func (m *Manager) PreferredID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.preferID
}

// ClearAllApnBad clears the bad flag of every pooled profile
func (m *Manager) ClearAllApnBad() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, item := range m.items {
		item.MarkBadApn(false)
	}
	for _, h := range m.holders {
		h.SetApnBadState(false)
	}
}

// ResetApns drops user edits in the profile store
func (m *Manager) ResetApns(ctx context.Context) error {
	if m.source == nil {
		return fmt.Errorf("no apn profile source configured")
	}
	if err := m.source.ResetApns(ctx, m.slotID); err != nil {
		return fmt.Errorf("failed to reset apns: %w", err)
	}
	return nil
}
