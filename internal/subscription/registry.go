// Package subscription stores script subscriptions, keeps shared upstream
// interest counts and dispatches state changes to matching callbacks.
//
// A Registry is not safe for concurrent use. It is owned by the engine loop
// and only touched from closures running on it.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/store"
)

// Mode combines the predicates of a subscription.
type Mode int

const (
	// ModeUnspecified behaves like ModeOr.
	ModeUnspecified Mode = iota
	ModeAnd
	ModeOr
)

// ParseMode maps "and"/"or" to a Mode. Anything else is unspecified.
func ParseMode(s string) Mode {
	switch strings.ToLower(s) {
	case "and":
		return ModeAnd
	case "or":
		return ModeOr
	}
	return ModeUnspecified
}

func (m Mode) String() string {
	switch m {
	case ModeAnd:
		return "and"
	case ModeOr:
		return "or"
	}
	return "unspecified"
}

// Event is one materialized state change. It is consumed synchronously by a
// single dispatch pass.
type Event struct {
	ID       string
	State    *store.State
	OldState *store.State
}

// Predicate tests one aspect of an event.
type Predicate func(*Event) bool

// Callback handles a matching event. A returned error or panic is isolated
// to the owning script.
type Callback func(*Event) error

// Handle identifies a subscription.
type Handle string

// Upstream is the part of the store that subscriptions are issued to.
type Upstream interface {
	SubscribeStates(ctx context.Context, pattern string) error
	UnsubscribeStates(ctx context.Context, pattern string) error
}

// StateReader is implemented by upstreams that can report a current value.
// The registry uses it to learn whether a source is up when it first starts
// tracking its liveness id.
type StateReader interface {
	GetState(ctx context.Context, id string) (*store.State, error)
}

// ProblemReporter is told when a script's callback fails.
type ProblemReporter interface {
	ReportProblem(scriptID string, err error)
}

type subscription struct {
	id         Handle
	owner      string
	predicates []Predicate
	mode       Mode
	upstream   string
	callback   Callback
}

// matches applies the combination rule. With no predicates nothing matches,
// whatever the mode.
func (s *subscription) matches(ev *Event) bool {
	if len(s.predicates) == 0 {
		return false
	}
	if s.mode == ModeAnd {
		for _, p := range s.predicates {
			if !p(ev) {
				return false
			}
		}
		return true
	}
	for _, p := range s.predicates {
		if p(ev) {
			return true
		}
	}
	return false
}

// Registry holds live subscriptions in registration order.
type Registry struct {
	upstream Upstream
	problems ProblemReporter
	logger   *slog.Logger

	subs []*subscription
	byID map[Handle]*subscription

	refs   map[string]int
	replay map[string][]string // liveness id to upstream ids, in subscribe order
	alive  map[string]bool     // last seen value of each liveness id
	cache  map[string]*store.State
	known  []string // sorted
}

// NewRegistry creates a registry issuing upstream calls to up.
func NewRegistry(up Upstream, problems ProblemReporter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		upstream: up,
		problems: problems,
		logger:   logger.With("component", "subscriptions"),
		byID:     make(map[Handle]*subscription),
		refs:     make(map[string]int),
		replay:   make(map[string][]string),
		alive:    make(map[string]bool),
		cache:    make(map[string]*store.State),
	}
}

// LivenessID returns the liveness indicator of the source owning id, or ""
// when id is not scoped to an adapter instance ("<adapter>.<n>.…").
func LivenessID(id string) string {
	parts := strings.SplitN(id, ".", 3)
	if len(parts) < 3 || parts[0] == "system" || parts[0] == "script" {
		return ""
	}
	if strings.ContainsAny(parts[0], "*?[") {
		return ""
	}
	if _, err := strconv.Atoi(parts[1]); err != nil {
		return ""
	}
	return "system.adapter." + parts[0] + "." + parts[1] + ".alive"
}

// Subscribe registers a callback for events matching predicates combined by
// mode. upstreamID is the id or pattern to request from the store, or "" if
// the subscription relies on interest registered elsewhere.
func (r *Registry) Subscribe(owner string, predicates []Predicate, mode Mode, upstreamID string, cb Callback) Handle {
	sub := &subscription{
		id:         Handle(uuid.NewString()),
		owner:      owner,
		predicates: append([]Predicate(nil), predicates...),
		mode:       mode,
		upstream:   upstreamID,
		callback:   cb,
	}
	r.subs = append(r.subs, sub)
	r.byID[sub.id] = sub
	if upstreamID != "" {
		r.ref(upstreamID)
	}
	return sub.id
}

// Unsubscribe removes one subscription. An upstream unsubscribe failure is
// logged and returned; local bookkeeping is removed regardless.
func (r *Registry) Unsubscribe(h Handle) error {
	sub, ok := r.byID[h]
	if !ok {
		return nil
	}
	delete(r.byID, h)
	for i, s := range r.subs {
		if s == sub {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			break
		}
	}
	if sub.upstream == "" {
		return nil
	}
	return r.unref(sub.upstream, sub.owner)
}

// UnsubscribeOwner removes every subscription owned by owner and returns the
// upstream errors met on the way.
func (r *Registry) UnsubscribeOwner(owner string) []error {
	var handles []Handle
	for _, s := range r.subs {
		if s.owner == owner {
			handles = append(handles, s.id)
		}
	}
	var errs []error
	for _, h := range handles {
		if err := r.Unsubscribe(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Owner returns the owner of a live subscription.
func (r *Registry) Owner(h Handle) (string, bool) {
	sub, ok := r.byID[h]
	if !ok {
		return "", false
	}
	return sub.owner, true
}

// Count returns how many subscriptions owner holds. An empty owner counts all.
func (r *Registry) Count(owner string) int {
	if owner == "" {
		return len(r.subs)
	}
	n := 0
	for _, s := range r.subs {
		if s.owner == owner {
			n++
		}
	}
	return n
}

// RefCount returns the live interest count of an upstream id.
func (r *Registry) RefCount(upstreamID string) int {
	return r.refs[upstreamID]
}

// ReplayList returns the upstream ids recorded against a liveness id.
func (r *Registry) ReplayList(livenessID string) []string {
	return append([]string(nil), r.replay[livenessID]...)
}

func (r *Registry) ref(id string) {
	r.refs[id]++
	if r.refs[id] > 1 {
		return
	}
	if err := r.upstream.SubscribeStates(context.Background(), id); err != nil {
		r.logger.Warn("Upstream subscribe failed", "upstream", id, "error", err)
	}
	if live := LivenessID(id); live != "" {
		r.replay[live] = append(r.replay[live], id)
		r.ref(live)
		r.seedLiveness(live)
	}
}

// seedLiveness records the current value of a liveness id the first time it
// is tracked, so a source that is already down comes back as a false to true
// flip.
func (r *Registry) seedLiveness(live string) {
	if _, seen := r.alive[live]; seen {
		return
	}
	if st, ok := r.cache[live]; ok {
		r.alive[live] = truthy(st.Val)
		return
	}
	reader, ok := r.upstream.(StateReader)
	if !ok {
		return
	}
	st, err := reader.GetState(context.Background(), live)
	if err != nil || st == nil {
		return
	}
	r.alive[live] = truthy(st.Val)
}

// covered reports whether a live interest still delivers id.
func (r *Registry) covered(id string) bool {
	if r.refs[id] > 0 {
		return true
	}
	for pattern := range r.refs {
		if store.MatchPattern(pattern, id) {
			return true
		}
	}
	return false
}

// evict drops cached values that no remaining interest keeps fresh.
func (r *Registry) evict(pattern string) {
	for id := range r.cache {
		if store.MatchPattern(pattern, id) && !r.covered(id) {
			delete(r.cache, id)
		}
	}
}

func (r *Registry) unref(id, owner string) error {
	if r.refs[id] == 0 {
		return nil
	}
	r.refs[id]--
	if r.refs[id] > 0 {
		return nil
	}
	delete(r.refs, id)
	r.evict(id)

	var result error
	if err := r.upstream.UnsubscribeStates(context.Background(), id); err != nil {
		result = &script.UpstreamUnsubscribeError{UpstreamID: id, Cause: err}
		r.logger.Warn("Upstream unsubscribe failed", "script", owner, "upstream", id, "error", err)
	}

	if live := LivenessID(id); live != "" {
		ids := r.replay[live]
		for i, v := range ids {
			if v == id {
				ids = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(r.replay, live)
			delete(r.alive, live)
		} else {
			r.replay[live] = ids
		}
		if err := r.unref(live, owner); err != nil {
			result = errors.Join(result, err)
		}
	}
	return result
}

// HandleStateChange is the entry point for store state notifications. It
// updates the cache, replays upstream subscriptions when a source comes
// back, and dispatches the change. Deletions only clear the cache.
func (r *Registry) HandleStateChange(id string, st *store.State) {
	old := r.cache[id]
	if st == nil {
		delete(r.cache, id)
		if _, tracked := r.replay[id]; tracked {
			r.alive[id] = false
		}
		return
	}
	if r.covered(id) {
		r.cache[id] = st
	}

	if _, tracked := r.replay[id]; tracked {
		r.checkLiveness(id, truthy(st.Val))
	}

	r.Dispatch(&Event{ID: id, State: st, OldState: old})
}

func (r *Registry) checkLiveness(id string, now bool) {
	prev, seen := r.alive[id]
	r.alive[id] = now
	if !seen || prev || !now {
		return
	}
	ids := r.ReplayList(id)
	r.logger.Info("Source is back, replaying subscriptions", "liveness", id, "count", len(ids))
	for _, upstreamID := range ids {
		if err := r.upstream.SubscribeStates(context.Background(), upstreamID); err != nil {
			r.logger.Warn("Replay subscribe failed", "upstream", upstreamID, "error", err)
		}
	}
}

// Dispatch runs every live subscription against ev in registration order.
// Subscriptions removed by an earlier callback of the same pass are skipped.
func (r *Registry) Dispatch(ev *Event) {
	subs := append([]*subscription(nil), r.subs...)
	for _, sub := range subs {
		if _, live := r.byID[sub.id]; !live {
			continue
		}
		if !sub.matches(ev) {
			continue
		}
		if err := r.invoke(sub, ev); err != nil {
			dispatchErr := &script.CallbackDispatchError{
				ScriptID:       sub.owner,
				SubscriptionID: string(sub.id),
				EventID:        ev.ID,
				Cause:          err,
			}
			r.logger.Error("Subscription callback failed", "script", sub.owner, "event", ev.ID, "error", err)
			if r.problems != nil {
				r.problems.ReportProblem(sub.owner, dispatchErr)
			}
		}
	}
}

func (r *Registry) invoke(sub *subscription, ev *Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			r.logger.Debug("Callback panic stack", "stack", string(debug.Stack()))
		}
	}()
	return sub.callback(ev)
}

// CachedState returns the last value seen for id while a live interest
// still covers it.
func (r *Registry) CachedState(id string) (*store.State, bool) {
	st, ok := r.cache[id]
	if !ok || !r.covered(id) {
		return nil, false
	}
	return st, true
}

// AddKnownID inserts id into the known-id index.
func (r *Registry) AddKnownID(id string) {
	i := sort.SearchStrings(r.known, id)
	if i < len(r.known) && r.known[i] == id {
		return
	}
	r.known = append(r.known, "")
	copy(r.known[i+1:], r.known[i:])
	r.known[i] = id
}

// RemoveKnownID removes id from the known-id index.
func (r *Registry) RemoveKnownID(id string) {
	i := sort.SearchStrings(r.known, id)
	if i < len(r.known) && r.known[i] == id {
		r.known = append(r.known[:i], r.known[i+1:]...)
	}
}

// KnownIDs returns the known ids matching pattern, sorted.
func (r *Registry) KnownIDs(pattern string) []string {
	out := make([]string, 0)
	for _, id := range r.known {
		if pattern == "" || store.MatchPattern(pattern, id) {
			out = append(out, id)
		}
	}
	return out
}

func truthy(v any) bool {
	switch v := v.(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	}
	return false
}
