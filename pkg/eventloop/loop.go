// Package eventloop provides the single-threaded event runner each SIM slot
// uses to serialize its handler and state machine work.
package eventloop

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/markus-lassfolk/celldata/pkg/logx"
)

// Code identifies the kind of an event. Codes are scoped to a Handler.
type Code int

// Event is a unit of work delivered to a Handler on the loop goroutine
type Event struct {
	Code  Code
	Param int64
	Data  interface{}
}

// Handler consumes events posted through a Port
type Handler interface {
	ProcessEvent(ev Event)
}

// ErrStopped is returned by Call when the loop is no longer running
var ErrStopped = errors.New("event loop stopped")

type entry struct {
	seq  uint64
	port *Port
	ev   Event
	fn   func()
}

type timer struct {
	entry
	due time.Time
	t   *time.Timer
}

type pendingKey struct {
	port *Port
	code Code
}

// Loop runs events strictly in the order they were posted.
//
// A Loop created with New owns a goroutine started by Start. A Loop created
// with NewManual has no goroutine: the caller drains it with RunPending and
// moves a virtual clock with AdvanceTime, which keeps tests deterministic.
type Loop struct {
	name   string
	logger *logx.Logger
	manual bool

	mu      sync.Mutex
	seq     uint64
	queue   []entry
	timers  map[uint64]*timer
	pending map[pendingKey]int
	now     time.Time
	running bool

	wake chan struct{}
	tomb tomb.Tomb
}

// New creates a loop driven by its own goroutine
func New(name string, logger *logx.Logger) *Loop {
	return newLoop(name, logger, false)
}

// NewManual creates a loop that only advances when RunPending or AdvanceTime is called
func NewManual(name string, logger *logx.Logger) *Loop {
	l := newLoop(name, logger, true)
	l.now = time.Unix(0, 0)
	return l
}

func newLoop(name string, logger *logx.Logger, manual bool) *Loop {
	return &Loop{
		name:    name,
		logger:  logger,
		manual:  manual,
		timers:  make(map[uint64]*timer),
		pending: make(map[pendingKey]int),
		wake:    make(chan struct{}, 1),
	}
}

// Name returns the loop name
func (l *Loop) Name() string {
	return l.name
}

// Start launches the loop goroutine. It is a no-op for manual loops.
func (l *Loop) Start() {
	if l.manual {
		return
	}
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	l.tomb.Go(func() error {
		for {
			select {
			case <-l.wake:
				l.drain()
			case <-l.tomb.Dying():
				l.shutdown()
				return nil
			}
		}
	})
}

// Stop terminates the loop goroutine and drops every queued or delayed event
func (l *Loop) Stop() error {
	if l.manual {
		l.shutdown()
		return nil
	}
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	if !running {
		l.shutdown()
		return nil
	}
	l.tomb.Kill(nil)
	return l.tomb.Wait()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, tm := range l.timers {
		if tm.t != nil {
			tm.t.Stop()
		}
		delete(l.timers, id)
	}
	l.queue = nil
	l.pending = make(map[pendingKey]int)
	l.running = false
}

// Now returns the loop clock. Manual loops return the virtual time.
func (l *Loop) Now() time.Time {
	if !l.manual {
		return time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

// Bind returns a Port that delivers events to h on this loop
func (l *Loop) Bind(h Handler) *Port {
	return &Port{loop: l, handler: h}
}

func (l *Loop) enqueueLocked(e entry, front bool) {
	if front {
		l.queue = append([]entry{e}, l.queue...)
	} else {
		l.queue = append(l.queue, e)
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) post(p *Port, ev Event, fn func(), front bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	if p != nil {
		l.pending[pendingKey{p, ev.Code}]++
	}
	l.enqueueLocked(entry{seq: l.seq, port: p, ev: ev, fn: fn}, front)
}

func (l *Loop) postDelayed(p *Port, ev Event, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := l.seq
	l.pending[pendingKey{p, ev.Code}]++
	tm := &timer{entry: entry{seq: id, port: p, ev: ev}}
	if l.manual {
		tm.due = l.now.Add(d)
	} else {
		tm.due = time.Now().Add(d)
		tm.t = time.AfterFunc(d, func() { l.fire(id) })
	}
	l.timers[id] = tm
}

func (l *Loop) fire(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tm, ok := l.timers[id]
	if !ok {
		return
	}
	delete(l.timers, id)
	l.enqueueLocked(tm.entry, false)
}

func (l *Loop) hasEvent(p *Port, code Code) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending[pendingKey{p, code}] > 0
}

func (l *Loop) removeEvent(p *Port, code Code) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.queue[:0]
	for _, e := range l.queue {
		if e.port == p && e.ev.Code == code {
			continue
		}
		kept = append(kept, e)
	}
	l.queue = kept
	for id, tm := range l.timers {
		if tm.port == p && tm.ev.Code == code {
			if tm.t != nil {
				tm.t.Stop()
			}
			delete(l.timers, id)
		}
	}
	delete(l.pending, pendingKey{p, code})
}

func (l *Loop) removeAll(p *Port) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.queue[:0]
	for _, e := range l.queue {
		if e.port != p {
			kept = append(kept, e)
		}
	}
	l.queue = kept
	for id, tm := range l.timers {
		if tm.port == p {
			if tm.t != nil {
				tm.t.Stop()
			}
			delete(l.timers, id)
		}
	}
	for k := range l.pending {
		if k.port == p {
			delete(l.pending, k)
		}
	}
}

func (l *Loop) next() (entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return entry{}, false
	}
	e := l.queue[0]
	l.queue = l.queue[1:]
	if e.port != nil {
		key := pendingKey{e.port, e.ev.Code}
		if l.pending[key] > 1 {
			l.pending[key]--
		} else {
			delete(l.pending, key)
		}
	}
	return e, true
}

func (l *Loop) drain() int {
	n := 0
	for {
		e, ok := l.next()
		if !ok {
			return n
		}
		n++
		l.dispatch(e)
	}
}

func (l *Loop) dispatch(e entry) {
	defer func() {
		if r := recover(); r != nil && l.logger != nil {
			l.logger.Error("event handler panicked", "loop", l.name, "code", int(e.ev.Code), "panic", fmt.Sprint(r))
		}
	}()
	if e.fn != nil {
		e.fn()
		return
	}
	if e.port == nil || e.port.Released() {
		return
	}
	e.port.handler.ProcessEvent(e.ev)
}

// RunPending processes queued events, including ones posted while draining.
// It returns the number of events processed.
func (l *Loop) RunPending() int {
	return l.drain()
}

// AdvanceTime moves the virtual clock of a manual loop forward, queues every
// delayed event that became due in due-time order and drains the queue.
func (l *Loop) AdvanceTime(d time.Duration) int {
	if !l.manual {
		return 0
	}
	l.mu.Lock()
	target := l.now.Add(d)
	l.mu.Unlock()

	n := l.drain()
	for {
		l.mu.Lock()
		var due []*timer
		for _, tm := range l.timers {
			if !tm.due.After(target) {
				due = append(due, tm)
			}
		}
		if len(due) == 0 {
			l.now = target
			l.mu.Unlock()
			return n
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].due.Equal(due[j].due) {
				return due[i].seq < due[j].seq
			}
			return due[i].due.Before(due[j].due)
		})
		first := due[0]
		delete(l.timers, first.seq)
		if first.due.After(l.now) {
			l.now = first.due
		}
		l.enqueueLocked(first.entry, false)
		l.mu.Unlock()
		n += l.drain()
	}
}

// Call runs fn on the loop goroutine and waits until it has returned
func (l *Loop) Call(fn func()) error {
	if l.manual {
		l.post(nil, Event{}, fn, false)
		l.drain()
		return nil
	}
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	if !running {
		return ErrStopped
	}
	done := make(chan struct{})
	l.post(nil, Event{}, func() {
		defer close(done)
		fn()
	}, false)
	select {
	case <-done:
		return nil
	case <-l.tomb.Dying():
		return ErrStopped
	}
}

// Post queues fn to run on the loop without waiting for it
func (l *Loop) Post(fn func()) {
	l.post(nil, Event{}, fn, false)
}

// Pending returns the number of queued and delayed events
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) + len(l.timers)
}
