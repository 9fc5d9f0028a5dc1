// Package slots holds the process wide SIM slot state shared by every slot
// handler: default data slot, primary slot, DSDS mode and per-slot radio facts.
package slots

import (
	"fmt"
	"sync"

	"github.com/markus-lassfolk/celldata/pkg"
)

// InvalidSlot marks an unset slot id
const InvalidSlot = -1

// ErrInvalidSlot is returned for slot ids outside [0, SimCount)
var ErrInvalidSlot = fmt.Errorf("invalid slot id")

// DefaultSlotCallback is called after the default data slot changed
type DefaultSlotCallback func(from, to int)

// Context is created once at service start and reset at shutdown
type Context struct {
	mu sync.RWMutex

	simCount        int
	defaultDataSlot int
	primarySlot     int
	dsdsMode        pkg.DsdsMode

	// Per-slot facts reported by the radio
	simPresent map[int]bool
	simLoaded  map[int]bool
	imsVoice   map[int]bool
	imsVideo   map[int]bool
	radioTech  map[int]pkg.RadioTech

	// Callbacks
	callbacks   []DefaultSlotCallback
	callbacksMu sync.RWMutex
}

// NewContext creates a context for simCount slots with slot 0 as default
// data and primary slot
func NewContext(simCount int) *Context {
	c := &Context{simCount: simCount}
	c.reset()
	return c
}

func (c *Context) reset() {
	c.defaultDataSlot = 0
	c.primarySlot = 0
	c.dsdsMode = pkg.DsdsModeV2
	c.simPresent = make(map[int]bool)
	c.simLoaded = make(map[int]bool)
	c.imsVoice = make(map[int]bool)
	c.imsVideo = make(map[int]bool)
	c.radioTech = make(map[int]pkg.RadioTech)
}

// Reset drops all slot facts and callbacks
func (c *Context) Reset() {
	c.mu.Lock()
	c.reset()
	c.mu.Unlock()

	c.callbacksMu.Lock()
	c.callbacks = nil
	c.callbacksMu.Unlock()
}

// SimCount returns the number of slots
func (c *Context) SimCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.simCount
}

// IsValidSlot reports whether slot lies in [0, SimCount)
func (c *Context) IsValidSlot(slot int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slot >= 0 && slot < c.simCount
}

// DefaultDataSlot returns the slot carrying default data
func (c *Context) DefaultDataSlot() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultDataSlot
}

// SetDefaultDataSlot switches the default data slot and notifies callbacks
// when it changed
func (c *Context) SetDefaultDataSlot(slot int) error {
	c.mu.Lock()
	if slot < 0 || slot >= c.simCount {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	from := c.defaultDataSlot
	c.defaultDataSlot = slot
	c.mu.Unlock()

	if from == slot {
		return nil
	}
	c.callbacksMu.RLock()
	callbacks := append([]DefaultSlotCallback(nil), c.callbacks...)
	c.callbacksMu.RUnlock()
	for _, cb := range callbacks {
		cb(from, slot)
	}
	return nil
}

// OnDefaultDataSlotChanged registers a callback
func (c *Context) OnDefaultDataSlotChanged(cb DefaultSlotCallback) {
	c.callbacksMu.Lock()
	defer c.callbacksMu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// PrimarySlot returns the primary (voice) slot
func (c *Context) PrimarySlot() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primarySlot
}

// SetPrimarySlot sets the primary slot
func (c *Context) SetPrimarySlot(slot int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot < 0 || slot >= c.simCount {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	c.primarySlot = slot
	return nil
}

// DsdsMode returns the dual SIM mode
func (c *Context) DsdsMode() pkg.DsdsMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dsdsMode
}

// SetDsdsMode sets the dual SIM mode
func (c *Context) SetDsdsMode(mode pkg.DsdsMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dsdsMode = mode
}

// HasSimCard reports whether a SIM is inserted in slot
func (c *Context) HasSimCard(slot int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.simPresent[slot]
}

// SetSimPresent records SIM presence for slot
func (c *Context) SetSimPresent(slot int, present bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.simPresent[slot] = present
}

// IsSimAccountLoaded reports whether the SIM records of slot have been read
func (c *Context) IsSimAccountLoaded(slot int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.simLoaded[slot]
}

func (c *Context) SetSimAccountLoaded(slot int, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.simLoaded[slot] = loaded
}

// SetImsRegistration records the IMS voice and video registration of slot
func (c *Context) SetImsRegistration(slot int, voice, video bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.imsVoice[slot] = voice
	c.imsVideo[slot] = video
}

// ImsRegistered reports whether slot is IMS registered for voice or video
func (c *Context) ImsRegistered(slot int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.imsVoice[slot] || c.imsVideo[slot]
}

// PsRadioTech returns the packet radio technology of slot
func (c *Context) PsRadioTech(slot int) pkg.RadioTech {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.radioTech[slot]
}

// SetPsRadioTech records the packet radio technology of slot
func (c *Context) SetPsRadioTech(slot int, tech pkg.RadioTech) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.radioTech[slot] = tech
}
