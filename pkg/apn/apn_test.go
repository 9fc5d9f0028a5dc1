package apn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/logx"
)

type fakeSource struct {
	configs   []Config
	preferred int
	queryErr  error
	queries   int
	resets    int
}

func (f *fakeSource) QueryApns(ctx context.Context, mcc, mnc string) ([]Config, error) {
	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []Config
	for _, c := range f.configs {
		if c.Mcc == mcc && c.Mnc == mnc {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeSource) PreferredApn(ctx context.Context, slotID int) (int, error) {
	if f.preferred == 0 {
		return InvalidProfileID, errors.New("not found")
	}
	return f.preferred, nil
}

func (f *fakeSource) ResetApns(ctx context.Context, slotID int) error {
	f.resets++
	return nil
}

func newTestManager(src ProfileSource) *Manager {
	m := NewManager(0, src, logx.NewLogger("error", "apn"))
	m.InitApnHolders()
	return m
}

func TestRoleMapping(t *testing.T) {
	t.Run("bijection", func(t *testing.T) {
		for name, id := range roleIDs {
			assert.Equal(t, id, FindApnIDByApnName(name))
			assert.Equal(t, name, FindApnNameByApnID(id))
		}
	})
	t.Run("unknown_inputs", func(t *testing.T) {
		assert.Equal(t, RoleIDInvalid, FindApnIDByApnName("bogus"))
		assert.Equal(t, RoleIDInvalid, FindApnIDByCapability(pkg.NetCapInternet|pkg.NetCapMMS))
		assert.Equal(t, RoleIDInvalid, FindApnIDByCapability(0))
	})
	t.Run("capabilities", func(t *testing.T) {
		assert.Equal(t, RoleIDDefault, FindApnIDByCapability(pkg.NetCapInternet))
		assert.Equal(t, RoleIDEmergency, FindApnIDByCapability(pkg.NetCapEIMS))
		assert.Equal(t, pkg.NetCapMMS, FindBestCapability(pkg.NetCapInternet|pkg.NetCapMMS))
		assert.Equal(t, pkg.NetCapInternet, FindBestCapability(pkg.NetCapInternet))
	})
}

func TestItem_CanDealWithType(t *testing.T) {
	all := NewItem(Config{Types: []string{"*"}})
	assert.True(t, all.CanDealWithType(RoleDefault))
	assert.True(t, all.CanDealWithType(RoleMMS))
	assert.False(t, all.CanDealWithType(RoleIA))

	def := MakeDefaultApn("default,supl,dun,ia")
	assert.True(t, def.CanDealWithType(RoleIA))
	assert.False(t, def.CanDealWithType(RoleMMS))
	assert.Equal(t, "cmnet", def.Apn)
	assert.Equal(t, "cmwap", MakeDefaultApn("mms").Apn)
}

func TestHolder_Requesters(t *testing.T) {
	h := NewHolder(RoleDefault, PriorityLow)
	a := pkg.NetRequest{Ident: "slotId0", Capability: pkg.NetCapInternet}
	b := pkg.NetRequest{Ident: "app", Capability: pkg.NetCapInternet}

	assert.False(t, h.IsDataCallEnabled())
	assert.True(t, h.RequestCellularData(a))
	assert.False(t, h.RequestCellularData(a), "duplicate request is a no-op")
	assert.True(t, h.RequestCellularData(b))
	assert.Len(t, h.Requests(), 2)

	assert.False(t, h.ReleaseCellularData(pkg.NetRequest{Ident: "other"}))
	assert.True(t, h.IsDataCallEnabled())
	assert.False(t, h.ReleaseCellularData(a))
	assert.True(t, h.IsDataCallEnabled())
	assert.True(t, h.ReleaseCellularData(b))
	assert.False(t, h.IsDataCallEnabled())
	assert.False(t, h.ReleaseCellularData(b))
}

func TestHolder_RequestSequences(t *testing.T) {
	reqs := []pkg.NetRequest{
		{Ident: "a", Capability: pkg.NetCapInternet},
		{Ident: "b", Capability: pkg.NetCapInternet},
		{Ident: "c", Capability: pkg.NetCapInternet},
	}
	// Each step toggles one request; the holder must mirror the set.
	steps := []int{0, 1, 0, 2, 2, 1, 1, 0, 0, 2}
	h := NewHolder(RoleDefault, PriorityLow)
	set := map[pkg.NetRequest]bool{}
	for i, s := range steps {
		r := reqs[s]
		if set[r] {
			delete(set, r)
			emptied := h.ReleaseCellularData(r)
			assert.Equal(t, len(set) == 0, emptied, "step %d", i)
		} else {
			set[r] = true
			h.RequestCellularData(r)
		}
		assert.Equal(t, len(set) != 0, h.IsDataCallEnabled(), "step %d", i)
	}
}

func TestHolder_FailedClearsCandidates(t *testing.T) {
	h := NewHolder(RoleDefault, PriorityLow)
	h.SetAllMatchedApns([]*Item{MakeDefaultApn("default")})
	require.Len(t, h.MatchedApns(), 1)

	h.SetApnState(pkg.ApnStateFailed)
	assert.Empty(t, h.MatchedApns())
	assert.Nil(t, h.GetNextRetryApn())
}

func TestHolder_ReleaseDataConnection(t *testing.T) {
	h := NewHolder(RoleDefault, PriorityLow)
	assert.Equal(t, NoMachine, h.ReleaseDataConnection())

	h.BindMachine(3)
	h.SetApnState(pkg.ApnStateRetrying)
	assert.Equal(t, 3, h.ReleaseDataConnection())
	assert.False(t, h.HasMachine())
	assert.Equal(t, pkg.ApnStateIdle, h.State())
}

func TestRetryPolicy_Walk(t *testing.T) {
	a := NewItem(Config{ProfileID: 1, Apn: "a", Types: []string{"default"}})
	b := NewItem(Config{ProfileID: 2, Apn: "b", Types: []string{"default"}})
	r := NewRetryPolicy()
	r.SetMaxCount(2)
	r.SetMatchedApns([]*Item{a, b})

	assert.Same(t, a, r.GetNextRetryApnItem())
	assert.Same(t, a, r.GetNextRetryApnItem())
	assert.Same(t, b, r.GetNextRetryApnItem())

	t.Run("skips_bad", func(t *testing.T) {
		a.MarkBadApn(true)
		assert.Same(t, b, r.GetNextRetryApnItem())
		assert.Same(t, b, r.GetNextRetryApnItem())
		assert.Same(t, b, r.GetNextRetryApnItem(), "only good candidate is reused")
	})

	t.Run("exhausted", func(t *testing.T) {
		b.MarkBadApn(true)
		assert.Nil(t, r.GetNextRetryApnItem())
	})

	t.Run("same_list_keeps_position", func(t *testing.T) {
		a.MarkBadApn(false)
		b.MarkBadApn(false)
		r2 := NewRetryPolicy()
		r2.SetMaxCount(1)
		r2.SetMatchedApns([]*Item{a, b})
		assert.Same(t, a, r2.GetNextRetryApnItem())
		r2.SetMatchedApns([]*Item{a, b})
		assert.Same(t, b, r2.GetNextRetryApnItem())
	})
}

func TestRetryExhaustion_HolderFails(t *testing.T) {
	items := []*Item{
		NewItem(Config{ProfileID: 1, Apn: "a", Types: []string{"default"}}),
		NewItem(Config{ProfileID: 2, Apn: "b", Types: []string{"default"}}),
		NewItem(Config{ProfileID: 3, Apn: "c", Types: []string{"default"}}),
	}
	for _, it := range items {
		it.MarkBadApn(true)
	}
	h := NewHolder(RoleDefault, PriorityLow)
	h.SetAllMatchedApns(items)

	if got := h.GetNextRetryApn(); got != nil {
		t.Fatalf("expected nil candidate, got %v", got.Apn)
	}
	h.SetApnState(pkg.ApnStateFailed)
	assert.Empty(t, h.MatchedApns())
}

func TestExponentialDelay(t *testing.T) {
	f := ExponentialDelay(time.Second, 5*time.Second)

	tests := []struct {
		name      string
		attempt   int
		cause     pkg.PdpCause
		suggested time.Duration
		want      time.Duration
		ok        bool
	}{
		{"first", 1, pkg.PdpCauseUnknown, 0, time.Second, true},
		{"third", 3, pkg.PdpCauseUnknown, 0, 4 * time.Second, true},
		{"capped", 10, pkg.PdpCauseUnknown, 0, 5 * time.Second, true},
		{"suggested", 2, pkg.PdpCauseShortageResources, 30 * time.Second, 30 * time.Second, true},
		{"suggested_stop", 2, pkg.PdpCauseShortageResources, -1, 0, false},
		{"terminal", 1, pkg.PdpCauseOperatorBarring, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := f(tt.attempt, tt.cause, tt.suggested, SceneConnectFailed)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	h := NewHolder(RoleDefault, PriorityLow)
	d1, _ := h.GetRetryDelay(pkg.PdpCauseUnknown, 0, SceneConnectFailed)
	d2, _ := h.GetRetryDelay(pkg.PdpCauseUnknown, 0, SceneConnectFailed)
	assert.Equal(t, DefaultRetryBase, d1)
	assert.Equal(t, 2*DefaultRetryBase, d2)
	h.InitialApnRetryCount()
	d3, _ := h.GetRetryDelay(pkg.PdpCauseUnknown, 0, SceneConnectFailed)
	assert.Equal(t, DefaultRetryBase, d3)
}

func TestManager_OverallState(t *testing.T) {
	m := newTestManager(nil)
	set := func(states ...pkg.ApnState) {
		for i, h := range m.AllApnHolders() {
			if i < len(states) {
				h.SetApnState(states[i])
			} else {
				h.SetApnState(states[len(states)-1])
			}
		}
	}

	tests := []struct {
		name   string
		states []pkg.ApnState
		want   pkg.ApnState
	}{
		{"connected_and_idle", []pkg.ApnState{pkg.ApnStateConnected, pkg.ApnStateIdle}, pkg.ApnStateConnected},
		{"disconnecting_wins", []pkg.ApnState{pkg.ApnStateConnecting, pkg.ApnStateDisconnecting}, pkg.ApnStateConnected},
		{"retrying_is_connecting", []pkg.ApnState{pkg.ApnStateIdle, pkg.ApnStateRetrying}, pkg.ApnStateConnecting},
		{"idle_and_failed", []pkg.ApnState{pkg.ApnStateFailed, pkg.ApnStateIdle}, pkg.ApnStateIdle},
		{"all_failed", []pkg.ApnState{pkg.ApnStateFailed}, pkg.ApnStateFailed},
		{"all_idle", []pkg.ApnState{pkg.ApnStateIdle}, pkg.ApnStateIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set(tt.states...)
			assert.Equal(t, tt.want, m.GetOverallApnState())
		})
	}

	empty := NewManager(0, nil, nil)
	assert.Equal(t, pkg.ApnStateIdle, empty.GetOverallApnState())
}

func TestManager_SortedHolders(t *testing.T) {
	m := newTestManager(nil)
	sorted := m.SortedApnHolders()
	require.Len(t, sorted, len(holderRoles))
	assert.Equal(t, RoleIA, sorted[0].Role())
	for i := 1; i < len(sorted); i++ {
		assert.GreaterOrEqual(t, sorted[i-1].Priority(), sorted[i].Priority())
	}
	m.AddApnHolder(RoleDefault, PriorityHigh)
	assert.Len(t, m.AllApnHolders(), len(holderRoles), "duplicate role is ignored")
}

func TestManager_CreateApnItems(t *testing.T) {
	src := &fakeSource{
		preferred: 12,
		configs: []Config{
			{ProfileID: 11, Apn: "internet", Types: []string{"default", "supl"}, Mcc: "240", Mnc: "01", Protocol: "IP"},
			{ProfileID: 12, Apn: "internet", Types: []string{"dun"}, Mcc: "240", Mnc: "01", Protocol: "IPV4V6"},
			{ProfileID: 13, Apn: "mms.tele", Types: []string{"mms"}, Mcc: "240", Mnc: "01"},
			{ProfileID: 20, Apn: "other", Types: []string{"default"}, Mcc: "240", Mnc: "02"},
		},
	}
	m := newTestManager(src)

	count := m.CreateApnItems(context.Background(), "24001")
	assert.Equal(t, 3, count)

	items := m.AllApnItems()
	require.Len(t, items, 3, "similar profiles merge and an emergency default is added")
	assert.Equal(t, 11, items[0].ProfileID)
	assert.ElementsMatch(t, []string{"default", "supl", "dun"}, items[0].Types)
	assert.Equal(t, ProtocolIPv4v6, items[0].Protocol, "merge keeps the wider protocol")
	assert.Equal(t, 11, m.PreferredID(), "preferred id follows the merge")
	assert.True(t, items[2].CanDealWithType(RoleEmergency))

	t.Run("filter", func(t *testing.T) {
		def := m.FilterMatchedApns(RoleDefault, pkg.RadioTechLTE, false)
		require.Len(t, def, 1)
		assert.Equal(t, "internet", def[0].Apn)
		assert.Empty(t, m.FilterMatchedApns(RoleIMS, pkg.RadioTechLTE, false))
		assert.Empty(t, m.FilterMatchedApns(RoleDUN, pkg.RadioTechLTE, true), "dun is not used while roaming")
		assert.Len(t, m.FilterMatchedApns(RoleDUN, pkg.RadioTechLTE, false), 1)
	})

	t.Run("attach_apn", func(t *testing.T) {
		assert.Equal(t, "internet", m.GetRilAttachApn().Apn)
	})

	t.Run("fallback_to_defaults", func(t *testing.T) {
		failing := &fakeSource{queryErr: errors.New("db locked")}
		m2 := newTestManager(failing)
		assert.Equal(t, 0, m2.CreateApnItems(context.Background(), "24001"))
		assert.Equal(t, DefaultReadApnTimes, failing.queries)
		require.Len(t, m2.AllApnItems(), 3)
		assert.Equal(t, "cmnet", m2.GetRilAttachApn().Apn)
	})

	t.Run("invalid_numeric", func(t *testing.T) {
		_, err := m.CreateAllApnItemByDatabase(context.Background(), "24")
		assert.Error(t, err)
	})

	t.Run("clear_bad", func(t *testing.T) {
		items[0].MarkBadApn(true)
		m.ClearAllApnBad()
		assert.False(t, items[0].IsBadApn())
	})

	t.Run("reset", func(t *testing.T) {
		require.NoError(t, m.ResetApns(context.Background()))
		assert.Equal(t, 1, src.resets)
		assert.Error(t, newTestManager(nil).ResetApns(context.Background()))
	})
}

func TestManager_RadioTechFilter(t *testing.T) {
	m := newTestManager(&fakeSource{configs: []Config{
		{ProfileID: 1, Apn: "lte", Types: []string{"default"}, Mcc: "001", Mnc: "01", Bearers: []pkg.RadioTech{pkg.RadioTechLTE, pkg.RadioTechNR}},
		{ProfileID: 2, Apn: "any", Types: []string{"default"}, Mcc: "001", Mnc: "01", Proxy: "p"},
		{ProfileID: 3, Apn: "roam", Types: []string{"default"}, Mcc: "001", Mnc: "01", IsRoamingApn: true, Proxy: "q"},
	}})
	m.CreateApnItems(context.Background(), "00101")

	apns := func(items []*Item) []string {
		var out []string
		for _, it := range items {
			out = append(out, it.Apn)
		}
		return out
	}
	assert.Equal(t, []string{"lte", "any"}, apns(m.FilterMatchedApns(RoleDefault, pkg.RadioTechNR, false)))
	assert.Equal(t, []string{"any"}, apns(m.FilterMatchedApns(RoleDefault, pkg.RadioTechWCDMA, false)))
	assert.Equal(t, []string{"any", "roam"}, apns(m.FilterMatchedApns(RoleDefault, pkg.RadioTechGSM, true)))
}

func TestManager_IsDataConnectionNotUsed(t *testing.T) {
	m := newTestManager(nil)
	assert.True(t, m.IsDataConnectionNotUsed(4))
	m.GetApnHolder(RoleMMS).BindMachine(4)
	assert.False(t, m.IsDataConnectionNotUsed(4))
	assert.False(t, m.IsDataConnectionNotUsed(NoMachine))
}
