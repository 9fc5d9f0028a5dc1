package settings

import (
	"errors"
	"sync"

	"github.com/markus-lassfolk/celldata/pkg/logx"
)

// DataSwitchSettings caches the switches that gate data on one slot. User
// switches are persisted; policy and internal switches live in memory.
type DataSwitchSettings struct {
	slotID int
	store  Store
	logger *logx.Logger

	mu                sync.RWMutex
	userDataOn        bool
	userDataRoamingOn bool
	policyDataOn      bool
	internalDataOn    bool
	defaultRoaming    bool
}

// NewDataSwitchSettings creates the switches of slotID with data on
func NewDataSwitchSettings(slotID int, store Store, logger *logx.Logger) *DataSwitchSettings {
	return &DataSwitchSettings{
		slotID:         slotID,
		store:          store,
		logger:         logger,
		userDataOn:     true,
		policyDataOn:   true,
		internalDataOn: true,
	}
}

// SetDefaultRoaming sets the roaming value used while the column is unset,
// normally taken from operator config
func (d *DataSwitchSettings) SetDefaultRoaming(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defaultRoaming = on
}

// LoadSwitchValue refreshes the cached user switches from the store
func (d *DataSwitchSettings) LoadSwitchValue() {
	dataOn := d.readSwitch(ColumnDataEnable, true)

	d.mu.RLock()
	defRoaming := d.defaultRoaming
	d.mu.RUnlock()
	roamingOn := d.readSwitch(SlotColumn(ColumnDataRoamingEnable, d.slotID), defRoaming)

	d.mu.Lock()
	d.userDataOn = dataOn
	d.userDataRoamingOn = roamingOn
	d.mu.Unlock()

	d.logger.Debug("loaded data switches", "slot", d.slotID,
		"data_on", dataOn, "roaming_on", roamingOn)
}

func (d *DataSwitchSettings) readSwitch(column string, def bool) bool {
	v, err := d.store.GetValue(column)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.logger.Warn("failed to read switch", "column", column, "error", err)
		}
		return def
	}
	return v == Enabled
}

func boolValue(on bool) int {
	if on {
		return Enabled
	}
	return Disabled
}

// IsUserDataOn returns the cached user data switch
func (d *DataSwitchSettings) IsUserDataOn() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.userDataOn
}

// SetUserDataOn persists the user data switch
func (d *DataSwitchSettings) SetUserDataOn(on bool) error {
	d.mu.Lock()
	prev := d.userDataOn
	d.userDataOn = on
	d.mu.Unlock()
	if err := d.store.SetValue(ColumnDataEnable, boolValue(on)); err != nil {
		d.mu.Lock()
		d.userDataOn = prev
		d.mu.Unlock()
		return err
	}
	return nil
}

// IsUserDataRoamingOn returns the cached roaming switch
func (d *DataSwitchSettings) IsUserDataRoamingOn() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.userDataRoamingOn
}

// SetUserDataRoamingOn persists the roaming switch of the slot
func (d *DataSwitchSettings) SetUserDataRoamingOn(on bool) error {
	d.mu.Lock()
	prev := d.userDataRoamingOn
	d.userDataRoamingOn = on
	d.mu.Unlock()
	if err := d.store.SetValue(SlotColumn(ColumnDataRoamingEnable, d.slotID), boolValue(on)); err != nil {
		d.mu.Lock()
		d.userDataRoamingOn = prev
		d.mu.Unlock()
		return err
	}
	return nil
}

// IsIncallDataOn reads the in-call data switch of the slot
func (d *DataSwitchSettings) IsIncallDataOn() bool {
	return d.readSwitch(SlotColumn(ColumnIncallDataEnable, d.slotID), false)
}

// SetIncallDataOn persists the in-call data switch of the slot
func (d *DataSwitchSettings) SetIncallDataOn(on bool) error {
	return d.store.SetValue(SlotColumn(ColumnIncallDataEnable, d.slotID), boolValue(on))
}

// IsPolicyDataOn returns the data policy switch
func (d *DataSwitchSettings) IsPolicyDataOn() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.policyDataOn
}

// SetPolicyDataOn sets the data policy switch
func (d *DataSwitchSettings) SetPolicyDataOn(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policyDataOn = on
}

// IsInternalDataOn returns the dual SIM internal switch
func (d *DataSwitchSettings) IsInternalDataOn() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.internalDataOn
}

// SetInternalDataOn sets the dual SIM internal switch
func (d *DataSwitchSettings) SetInternalDataOn(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.internalDataOn = on
}

// IsAllowActiveData reports whether the user, policy and internal switches
// all allow data
func (d *DataSwitchSettings) IsAllowActiveData() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.userDataOn && d.policyDataOn && d.internalDataOn
}

// IsAirplaneModeOn reads the airplane mode column
func IsAirplaneModeOn(store Store) bool {
	v, err := store.GetValue(ColumnAirplaneMode)
	return err == nil && v == Enabled
}
