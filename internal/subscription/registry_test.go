package subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/store"
)

type problemRecorder struct {
	problems map[string][]error
}

func (p *problemRecorder) ReportProblem(scriptID string, err error) {
	if p.problems == nil {
		p.problems = make(map[string][]error)
	}
	p.problems[scriptID] = append(p.problems[scriptID], err)
}

func newTestRegistry() (*Registry, *store.Memory, *problemRecorder) {
	mem := store.NewMemory()
	problems := &problemRecorder{}
	return NewRegistry(mem, problems, nil), mem, problems
}

func countCalls(calls []string, id string) int {
	n := 0
	for _, c := range calls {
		if c == id {
			n++
		}
	}
	return n
}

func event(id string, val any) *Event {
	return &Event{ID: id, State: &store.State{Val: val}}
}

func TestRegistry_PredicateCombination(t *testing.T) {
	const x = "hm-rpc.0.sensor.temp"
	preds := []Predicate{IDEquals(x), ValueGreater(10)}

	tests := []struct {
		name  string
		mode  Mode
		event *Event
		want  bool
	}{
		{"and, value too low", ModeAnd, event(x, 5), false},
		{"and, both true", ModeAnd, event(x, 15), true},
		{"and, other id", ModeAnd, event("other.0.id", 15), false},
		{"or, id only", ModeOr, event(x, 5), true},
		{"or, value only", ModeOr, event("other.0.id", 15), true},
		{"or, neither", ModeOr, event("other.0.id", 1), false},
		{"unspecified acts as or", ModeUnspecified, event("other.0.id", 15), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newTestRegistry()
			matched := false
			r.Subscribe("script.js.a", preds, tt.mode, "", func(*Event) error {
				matched = true
				return nil
			})
			r.Dispatch(tt.event)
			assert.Equal(t, tt.want, matched)
		})
	}
}

func TestRegistry_EmptyPredicatesNeverMatch(t *testing.T) {
	for _, mode := range []Mode{ModeUnspecified, ModeAnd, ModeOr} {
		r, _, _ := newTestRegistry()
		called := false
		r.Subscribe("script.js.a", nil, mode, "", func(*Event) error {
			called = true
			return nil
		})
		r.Dispatch(event("any.0.id", 1))
		assert.False(t, called, "mode %s", mode)
	}
}

func TestRegistry_ReferenceCounting(t *testing.T) {
	r, mem, _ := newTestRegistry()
	const id = "zigbee.0.lamp.state"
	const n = 4

	var handles []Handle
	for i := 0; i < n; i++ {
		handles = append(handles, r.Subscribe("script.js.a", []Predicate{IDEquals(id)}, ModeAnd, id, func(*Event) error { return nil }))
	}
	assert.Equal(t, 1, countCalls(mem.SubscribeCalls(), id))
	assert.Equal(t, n, r.RefCount(id))

	// cache is dropped together with the last interest
	r.HandleStateChange(id, &store.State{Val: true})
	_, cached := r.CachedState(id)
	assert.True(t, cached)

	for i, h := range handles {
		require.NoError(t, r.Unsubscribe(h))
		if i < n-1 {
			assert.Equal(t, 0, countCalls(mem.UnsubscribeCalls(), id), "after removing %d", i+1)
		}
	}
	assert.Equal(t, 1, countCalls(mem.UnsubscribeCalls(), id))
	assert.Equal(t, 0, r.RefCount(id))
	_, cached = r.CachedState(id)
	assert.False(t, cached)

	// liveness interest goes away with the last adapter-scoped id
	assert.Equal(t, 0, r.RefCount("system.adapter.zigbee.0.alive"))
	assert.Empty(t, r.ReplayList("system.adapter.zigbee.0.alive"))
}

func TestRegistry_ReconnectReplay(t *testing.T) {
	r, mem, _ := newTestRegistry()
	live := "system.adapter.adap.0.alive"
	ids := []string{"adap.0.c", "adap.0.a", "adap.0.b"}
	for _, id := range ids {
		r.Subscribe("script.js.a", []Predicate{IDEquals(id)}, ModeAnd, id, func(*Event) error { return nil })
	}
	// a second interest in an already recorded id is not recorded again
	r.Subscribe("script.js.b", []Predicate{IDEquals("adap.0.a")}, ModeAnd, "adap.0.a", func(*Event) error { return nil })

	assert.Equal(t, ids, r.ReplayList(live))
	assert.Equal(t, 1, countCalls(mem.SubscribeCalls(), live))

	r.HandleStateChange(live, &store.State{Val: true})
	r.HandleStateChange(live, &store.State{Val: false})
	mem.ResetCalls()

	r.HandleStateChange(live, &store.State{Val: true})
	assert.Equal(t, ids, mem.SubscribeCalls(), "exactly one re-subscribe per id, in recorded order")

	mem.ResetCalls()
	r.HandleStateChange(live, &store.State{Val: true})
	assert.Empty(t, mem.SubscribeCalls(), "no replay without a false to true flip")
}

func TestRegistry_ReplayWhenSourceDownAtSubscribe(t *testing.T) {
	r, mem, _ := newTestRegistry()
	live := "system.adapter.adap.0.alive"
	require.NoError(t, mem.SetState(context.Background(), live, &store.State{Val: false}))

	ids := []string{"adap.0.a", "adap.0.b", "adap.0.c"}
	for _, id := range ids {
		r.Subscribe("script.js.a", []Predicate{IDEquals(id)}, ModeAnd, id, func(*Event) error { return nil })
	}
	mem.ResetCalls()

	r.HandleStateChange(live, &store.State{Val: true})
	assert.Equal(t, ids, mem.SubscribeCalls())
}

func TestRegistry_WildcardCacheEvictedWithLastInterest(t *testing.T) {
	r, _, _ := newTestRegistry()
	h := r.Subscribe("script.js.a", (&Pattern{ID: "dev.0.*"}).Predicates(), ModeAnd, "dev.0.*", func(*Event) error { return nil })

	r.HandleStateChange("dev.0.temp", &store.State{Val: 1})
	st, ok := r.CachedState("dev.0.temp")
	require.True(t, ok)
	assert.Equal(t, 1, st.Val)

	require.NoError(t, r.Unsubscribe(h))
	assert.Equal(t, 0, r.RefCount("dev.0.*"))
	_, ok = r.CachedState("dev.0.temp")
	assert.False(t, ok)

	// uncovered notifications are not cached
	r.HandleStateChange("dev.0.temp", &store.State{Val: 2})
	_, ok = r.CachedState("dev.0.temp")
	assert.False(t, ok)
}

func TestRegistry_CallbackErrorIsolation(t *testing.T) {
	r, _, problems := newTestRegistry()
	var order []string

	r.Subscribe("script.js.failing", []Predicate{IDEquals("a.0.x")}, ModeAnd, "", func(*Event) error {
		order = append(order, "failing")
		return errors.New("boom")
	})
	r.Subscribe("script.js.panicking", []Predicate{IDEquals("a.0.x")}, ModeAnd, "", func(*Event) error {
		order = append(order, "panicking")
		panic("bad")
	})
	r.Subscribe("script.js.healthy", []Predicate{IDEquals("a.0.x")}, ModeAnd, "", func(*Event) error {
		order = append(order, "healthy")
		return nil
	})

	r.Dispatch(event("a.0.x", 1))

	assert.Equal(t, []string{"failing", "panicking", "healthy"}, order)
	require.Len(t, problems.problems["script.js.failing"], 1)
	require.Len(t, problems.problems["script.js.panicking"], 1)
	assert.Empty(t, problems.problems["script.js.healthy"])

	var dispatchErr *script.CallbackDispatchError
	require.ErrorAs(t, problems.problems["script.js.failing"][0], &dispatchErr)
	assert.Equal(t, "a.0.x", dispatchErr.EventID)
}

func TestRegistry_UnsubscribeDuringDispatch(t *testing.T) {
	r, _, _ := newTestRegistry()
	var second Handle
	secondCalled := false

	r.Subscribe("script.js.a", []Predicate{IDEquals("a.0.x")}, ModeAnd, "", func(*Event) error {
		return r.Unsubscribe(second)
	})
	second = r.Subscribe("script.js.b", []Predicate{IDEquals("a.0.x")}, ModeAnd, "", func(*Event) error {
		secondCalled = true
		return nil
	})

	r.Dispatch(event("a.0.x", 1))
	assert.False(t, secondCalled)
}

func TestRegistry_UnsubscribeOwner(t *testing.T) {
	r, mem, _ := newTestRegistry()
	mem.UnsubscribeErr = errors.New("upstream gone")

	r.Subscribe("script.js.a", []Predicate{IDEquals("a.0.x")}, ModeAnd, "a.0.x", func(*Event) error { return nil })
	r.Subscribe("script.js.a", []Predicate{IDEquals("a.0.y")}, ModeAnd, "a.0.y", func(*Event) error { return nil })
	r.Subscribe("script.js.b", []Predicate{IDEquals("a.0.y")}, ModeAnd, "a.0.y", func(*Event) error { return nil })

	errs := r.UnsubscribeOwner("script.js.a")

	// a.0.x and the adapter liveness id are not shared with b, a.0.y is
	require.Len(t, errs, 1)
	var upErr *script.UpstreamUnsubscribeError
	require.ErrorAs(t, errs[0], &upErr)
	assert.Equal(t, "a.0.x", upErr.UpstreamID)

	assert.Equal(t, 0, r.Count("script.js.a"))
	assert.Equal(t, 1, r.Count("script.js.b"))
	assert.Equal(t, 1, r.RefCount("a.0.y"))
}

func TestRegistry_KnownIDs(t *testing.T) {
	r, _, _ := newTestRegistry()
	for _, id := range []string{"b.0.z", "a.0.x", "a.0.y", "a.0.x"} {
		r.AddKnownID(id)
	}
	assert.Equal(t, []string{"a.0.x", "a.0.y", "b.0.z"}, r.KnownIDs(""))
	assert.Equal(t, []string{"a.0.x", "a.0.y"}, r.KnownIDs("a.0.*"))

	r.RemoveKnownID("a.0.x")
	r.RemoveKnownID("missing")
	assert.Equal(t, []string{"a.0.y", "b.0.z"}, r.KnownIDs("*"))
}

func TestLivenessID(t *testing.T) {
	assert.Equal(t, "system.adapter.hm-rpc.0.alive", LivenessID("hm-rpc.0.dev.state"))
	assert.Equal(t, "", LivenessID("system.adapter.hm-rpc.0.alive"))
	assert.Equal(t, "", LivenessID("javascript.x.y"))
	assert.Equal(t, "", LivenessID("*.0.y"))
	assert.Equal(t, "", LivenessID("short.0"))
}
