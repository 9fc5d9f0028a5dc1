// Package controller runs one cellular data handler per SIM slot, each on
// its own event loop, and routes radio events to the handler of their slot.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/apn"
	"github.com/markus-lassfolk/celldata/pkg/eventloop"
	"github.com/markus-lassfolk/celldata/pkg/handler"
	"github.com/markus-lassfolk/celldata/pkg/logx"
	"github.com/markus-lassfolk/celldata/pkg/netagent"
	"github.com/markus-lassfolk/celldata/pkg/opconfig"
	"github.com/markus-lassfolk/celldata/pkg/radio"
	"github.com/markus-lassfolk/celldata/pkg/settings"
	"github.com/markus-lassfolk/celldata/pkg/slots"
)

// UnregisterTimeout bounds supplier removal at shutdown
const UnregisterTimeout = 5 * time.Second

// Config wires the controller
type Config struct {
	Context   *slots.Context
	Radio     radio.Radio
	Agent     *netagent.Agent
	Traffic   radio.TrafficSource
	Settings  settings.Store
	Profiles  apn.ProfileSource
	Operators *opconfig.File
	Observer  handler.Observer
	Logger    *logx.Logger

	// ManualLoops creates loops driven by the caller instead of goroutines
	ManualLoops bool
	RetryDelay  apn.DelayFunc
}

// Slot is the handler of one SIM slot and the loop it runs on
type Slot struct {
	ID      int
	Loop    *eventloop.Loop
	Handler *handler.Handler
}

// Controller owns the per-slot handlers
type Controller struct {
	cfg    Config
	ctx    *slots.Context
	logger *logx.Logger

	mu          sync.RWMutex
	slots       []*Slot
	started     bool
	stopped     bool
	registering bool

	tomb tomb.Tomb
}

// New creates a controller with one handler per slot of cfg.Context
func New(cfg Config) *Controller {
	c := &Controller{
		cfg:    cfg,
		ctx:    cfg.Context,
		logger: cfg.Logger,
	}
	for id := 0; id < cfg.Context.SimCount(); id++ {
		name := fmt.Sprintf("slot%d", id)
		var loop *eventloop.Loop
		if cfg.ManualLoops {
			loop = eventloop.NewManual(name, cfg.Logger)
		} else {
			loop = eventloop.New(name, cfg.Logger)
		}
		h := handler.New(handler.Config{
			SlotID:     id,
			Loop:       loop,
			Context:    cfg.Context,
			Radio:      cfg.Radio,
			Agent:      cfg.Agent,
			Traffic:    cfg.Traffic,
			Settings:   cfg.Settings,
			Profiles:   cfg.Profiles,
			Operators:  cfg.Operators,
			Observer:   cfg.Observer,
			Logger:     cfg.Logger,
			RetryDelay: cfg.RetryDelay,
		})
		c.slots = append(c.slots, &Slot{ID: id, Loop: loop, Handler: h})
	}
	return c
}

// Start starts the loops, initializes the handlers, subscribes to the radio
// and registers the net suppliers in the background
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("controller already stopped")
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.registering = c.cfg.Agent != nil
	c.mu.Unlock()

	for _, s := range c.slots {
		s.Loop.Start()
		if err := s.Loop.Call(s.Handler.Init); err != nil {
			return fmt.Errorf("failed to init slot %d: %w", s.ID, err)
		}
	}
	if c.cfg.Radio != nil {
		c.cfg.Radio.Subscribe(c.dispatchRadioEvent)
	}

	if c.registering {
		c.tomb.Go(func() error {
			c.registerSuppliers(c.tomb.Context(ctx))
			return nil
		})
	}

	c.logger.Info("cellular data controller started", "slots", len(c.slots), "default_slot", c.ctx.DefaultDataSlot())
	return nil
}

func (c *Controller) registerSuppliers(ctx context.Context) {
	for _, s := range c.slots {
		if err := c.cfg.Agent.RegisterNetSupplier(ctx, s.ID); err != nil {
			c.logger.Error("net supplier registration gave up", "slot", s.ID, "error", err)
		}
	}
}

// Stop stops the handlers and their loops and unregisters the suppliers
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.stopped = true
	registering := c.registering
	c.mu.Unlock()

	if registering {
		c.tomb.Kill(nil)
		_ = c.tomb.Wait()
	}

	var firstErr error
	for _, s := range c.slots {
		if err := s.Loop.Call(s.Handler.Stop); err != nil {
			c.logger.Warn("handler stop skipped", "slot", s.ID, "error", err)
		}
		if err := s.Loop.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop slot %d loop: %w", s.ID, err)
		}
	}

	if c.cfg.Agent != nil {
		ctx, cancel := context.WithTimeout(context.Background(), UnregisterTimeout)
		defer cancel()
		for _, s := range c.slots {
			c.cfg.Agent.UnregisterNetSupplier(ctx, s.ID)
		}
	}
	c.logger.Info("cellular data controller stopped")
	return firstErr
}

// dispatchRadioEvent routes ev to the handler of its slot. It may run on
// any goroutine.
func (c *Controller) dispatchRadioEvent(ev radio.Event) {
	h, err := c.Handler(ev.SlotID)
	if err != nil {
		c.logger.Warn("radio event for unknown slot", "slot", ev.SlotID, "kind", ev.Kind.String())
		return
	}
	h.HandleRadioEvent(ev)
}

// Slot returns the slot with id
func (c *Controller) Slot(id int) (*Slot, error) {
	if id < 0 || id >= len(c.slots) {
		return nil, fmt.Errorf("%w: %d", slots.ErrInvalidSlot, id)
	}
	return c.slots[id], nil
}

// Handler returns the handler of slot id
func (c *Controller) Handler(id int) (*handler.Handler, error) {
	s, err := c.Slot(id)
	if err != nil {
		return nil, err
	}
	return s.Handler, nil
}

// Handlers returns every handler in slot order
func (c *Controller) Handlers() []*handler.Handler {
	out := make([]*handler.Handler, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, s.Handler)
	}
	return out
}

// DefaultHandler returns the handler of the default data slot
func (c *Controller) DefaultHandler() (*handler.Handler, error) {
	return c.Handler(c.ctx.DefaultDataSlot())
}

// Statuses returns the snapshot of every slot
func (c *Controller) Statuses() []pkg.SlotStatus {
	out := make([]pkg.SlotStatus, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, s.Handler.Status())
	}
	return out
}

// SlotStatus returns the snapshot of slot id
func (c *Controller) SlotStatus(id int) (pkg.SlotStatus, error) {
	h, err := c.Handler(id)
	if err != nil {
		return pkg.SlotStatus{}, err
	}
	return h.Status(), nil
}

// SetDsdsMode records the dual SIM mode and lets every slot re-evaluate
// its data permission
func (c *Controller) SetDsdsMode(mode pkg.DsdsMode) {
	if c.ctx.DsdsMode() == mode {
		return
	}
	c.ctx.SetDsdsMode(mode)
	c.logger.Info("dsds mode changed", "mode", mode.String())
	for _, s := range c.slots {
		s.Handler.HandleDsdsModeChanged()
	}
}

// RunPending drains every manual loop until none has queued work
func (c *Controller) RunPending() int {
	total := 0
	for {
		n := 0
		for _, s := range c.slots {
			n += s.Loop.RunPending()
		}
		if n == 0 {
			return total
		}
		total += n
	}
}

// AdvanceTime moves the clock of every manual loop by d
func (c *Controller) AdvanceTime(d time.Duration) int {
	n := 0
	for _, s := range c.slots {
		n += s.Loop.AdvanceTime(d)
	}
	return n + c.RunPending()
}
