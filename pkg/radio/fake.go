package radio

import (
	"context"
	"slices"
	"sync"
)

type pendingActivate struct {
	req  ActivateRequest
	done func(ActivateResult)
}

type pendingDeactivate struct {
	req  DeactivateRequest
	done func(DeactivateResult)
}

// FakeRadio records requests and completes them when told to. Completions
// run synchronously on the calling goroutine.
type FakeRadio struct {
	mu sync.Mutex

	activations   []ActivateRequest
	deactivations []DeactivateRequest
	pendingAct    []pendingActivate
	pendingDeact  []pendingDeactivate
	listeners     []func(Event)
	nextCid       int

	// ActivateErr, when set, is returned synchronously by ActivatePdpContext
	ActivateErr error

	InitialApns      map[int]Profile
	DataPermitted    map[int]bool
	RadioPower       map[int]bool
	Reregisters      int
	ContextListCalls int
	Counters         map[int]Counters
}

// NewFakeRadio creates a fake with no pending requests
func NewFakeRadio() *FakeRadio {
	return &FakeRadio{
		nextCid:       1,
		InitialApns:   make(map[int]Profile),
		DataPermitted: make(map[int]bool),
		RadioPower:    make(map[int]bool),
		Counters:      make(map[int]Counters),
	}
}

func (f *FakeRadio) ActivatePdpContext(ctx context.Context, req ActivateRequest, done func(ActivateResult)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ActivateErr != nil {
		return f.ActivateErr
	}
	f.activations = append(f.activations, req)
	f.pendingAct = append(f.pendingAct, pendingActivate{req, done})
	return nil
}

func (f *FakeRadio) DeactivatePdpContext(ctx context.Context, req DeactivateRequest, done func(DeactivateResult)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivations = append(f.deactivations, req)
	f.pendingDeact = append(f.pendingDeact, pendingDeactivate{req, done})
	return nil
}

func (f *FakeRadio) RequestPdpContextList(ctx context.Context, slotID int) error {
	f.mu.Lock()
	f.ContextListCalls++
	f.mu.Unlock()
	return nil
}

func (f *FakeRadio) SetInitialApn(ctx context.Context, slotID int, p Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InitialApns[slotID] = p
	return nil
}

func (f *FakeRadio) SetDataPermitted(ctx context.Context, slotID int, permitted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DataPermitted[slotID] = permitted
	return nil
}

func (f *FakeRadio) SetRadioPower(ctx context.Context, slotID int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RadioPower[slotID] = on
	return nil
}

func (f *FakeRadio) Reregister(ctx context.Context, slotID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reregisters++
	return nil
}

func (f *FakeRadio) Subscribe(fn func(Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// Emit delivers ev to every subscriber
func (f *FakeRadio) Emit(ev Event) {
	f.mu.Lock()
	listeners := slices.Clone(f.listeners)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Activations returns every activation request received so far
func (f *FakeRadio) Activations() []ActivateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ActivateRequest(nil), f.activations...)
}

// Deactivations returns every deactivation request received so far
func (f *FakeRadio) Deactivations() []DeactivateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DeactivateRequest(nil), f.deactivations...)
}

// PendingActivations returns the number of unanswered activations
func (f *FakeRadio) PendingActivations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pendingAct)
}

// PendingDeactivations returns the number of unanswered deactivations
func (f *FakeRadio) PendingDeactivations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pendingDeact)
}

// CompleteActivation answers the oldest pending activation with call. The
// connect id is copied from the request. It returns false when none is pending.
func (f *FakeRadio) CompleteActivation(call DataCall) bool {
	f.mu.Lock()
	if len(f.pendingAct) == 0 {
		f.mu.Unlock()
		return false
	}
	p := f.pendingAct[0]
	f.pendingAct = f.pendingAct[1:]
	if call.Active && call.Cid == 0 {
		call.Cid = f.nextCid
		f.nextCid++
	}
	f.mu.Unlock()

	call.ConnectID = p.req.ConnectID
	p.done(ActivateResult{ConnectID: p.req.ConnectID, Error: RequestOK, Call: call})
	return true
}

// SucceedActivation answers the oldest pending activation with a working IPv4 call
func (f *FakeRadio) SucceedActivation() bool {
	return f.CompleteActivation(DataCall{
		Active:    true,
		Type:      "IP",
		Addresses: "10.0.0.2/24",
		DNS:       "8.8.8.8 8.8.4.4",
		Gateway:   "10.0.0.1",
		Ifname:    "rmnet0",
		MTU:       1500,
	})
}

// FailActivationWithError answers the oldest pending activation with a request error
func (f *FakeRadio) FailActivationWithError(e RequestError) bool {
	f.mu.Lock()
	if len(f.pendingAct) == 0 {
		f.mu.Unlock()
		return false
	}
	p := f.pendingAct[0]
	f.pendingAct = f.pendingAct[1:]
	f.mu.Unlock()

	p.done(ActivateResult{ConnectID: p.req.ConnectID, Error: e})
	return true
}

// CompleteDeactivation acknowledges the oldest pending deactivation
func (f *FakeRadio) CompleteDeactivation() bool {
	f.mu.Lock()
	if len(f.pendingDeact) == 0 {
		f.mu.Unlock()
		return false
	}
	p := f.pendingDeact[0]
	f.pendingDeact = f.pendingDeact[1:]
	f.mu.Unlock()

	p.done(DeactivateResult{ConnectID: p.req.ConnectID, Cid: p.req.Cid, Error: RequestOK})
	return true
}

// SetCounters sets the traffic counters reported for slotID
func (f *FakeRadio) SetCounters(slotID int, c Counters) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Counters[slotID] = c
}

// TrafficSource returns a source reading the counters set with SetCounters
func (f *FakeRadio) TrafficSource() TrafficSource {
	return fakeTraffic{f}
}

type fakeTraffic struct{ f *FakeRadio }

func (t fakeTraffic) Counters(slotID int) (Counters, error) {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	return t.f.Counters[slotID], nil
}
