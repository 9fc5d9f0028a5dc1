package eventloop

import (
	"sync/atomic"
	"time"
)

// Port is a non-owning handle used to post events to a Handler. After
// Release every send reports false and queued events for the handler are
// dropped, which lets a component that outlives its target return early.
type Port struct {
	loop     *Loop
	handler  Handler
	released atomic.Bool
}

// Loop returns the loop the port posts to
func (p *Port) Loop() *Loop {
	if p == nil {
		return nil
	}
	return p.loop
}

// Released reports whether the handler behind the port is gone
func (p *Port) Released() bool {
	return p == nil || p.released.Load()
}

// Release detaches the handler and drops its queued and delayed events
func (p *Port) Release() {
	if p == nil || p.released.Swap(true) {
		return
	}
	p.loop.removeAll(p)
}

// Send queues ev behind every event already posted
func (p *Port) Send(ev Event) bool {
	if p.Released() {
		return false
	}
	p.loop.post(p, ev, nil, false)
	return true
}

// SendEvent is shorthand for Send with only a code and optional payload
func (p *Port) SendEvent(code Code, data interface{}) bool {
	return p.Send(Event{Code: code, Data: data})
}

// SendImmediate queues ev ahead of everything else. It is reserved for
// startup work that must not wait behind regular traffic.
func (p *Port) SendImmediate(ev Event) bool {
	if p.Released() {
		return false
	}
	p.loop.post(p, ev, nil, true)
	return true
}

// SendDelayed queues ev after d has elapsed on the loop clock
func (p *Port) SendDelayed(ev Event, d time.Duration) bool {
	if p.Released() {
		return false
	}
	if d <= 0 {
		p.loop.post(p, ev, nil, false)
		return true
	}
	p.loop.postDelayed(p, ev, d)
	return true
}

// HasEvent reports whether an event with code is queued or delayed for the handler
func (p *Port) HasEvent(code Code) bool {
	if p.Released() {
		return false
	}
	return p.loop.hasEvent(p, code)
}

// RemoveEvent cancels every queued or delayed event with code for the handler
func (p *Port) RemoveEvent(code Code) {
	if p == nil {
		return
	}
	p.loop.removeEvent(p, code)
}
