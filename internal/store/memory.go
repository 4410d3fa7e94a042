package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests, the check command and single
// node development setups. It records every upstream subscribe and
// unsubscribe call so reference counting can be observed.
type Memory struct {
	mu             sync.Mutex
	objects        map[string]*Object
	states         map[string]*State
	objectPatterns map[string]int
	statePatterns  map[string]int
	expiries       map[string]*time.Timer
	listeners      []Listener

	subscribeCalls   []string
	unsubscribeCalls []string

	// UnsubscribeErr, when set, is returned by UnsubscribeStates.
	UnsubscribeErr error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		objects:        make(map[string]*Object),
		states:         make(map[string]*State),
		objectPatterns: make(map[string]int),
		statePatterns:  make(map[string]int),
		expiries:       make(map[string]*time.Timer),
	}
}

func (m *Memory) Watch(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

func (m *Memory) GetObject(_ context.Context, id string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", id, ErrNotFound)
	}
	return obj.Clone(), nil
}

func (m *Memory) GetObjectList(_ context.Context, prefix string) ([]*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Object, 0)
	for id, obj := range m.objects {
		if strings.HasPrefix(id, prefix) {
			out = append(out, obj.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetObject(_ context.Context, obj *Object) error {
	if obj == nil || obj.ID == "" {
		return fmt.Errorf("object without id")
	}
	stored := obj.Clone()
	m.mu.Lock()
	m.objects[obj.ID] = stored
	listeners := m.objectListeners(obj.ID)
	m.mu.Unlock()

	for _, l := range listeners {
		l.ObjectChanged(obj.ID, stored.Clone())
	}
	return nil
}

func (m *Memory) DelObject(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.objects[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("object %s: %w", id, ErrNotFound)
	}
	delete(m.objects, id)
	listeners := m.objectListeners(id)
	m.mu.Unlock()

	for _, l := range listeners {
		l.ObjectChanged(id, nil)
	}
	return nil
}

func (m *Memory) GetState(_ context.Context, id string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return nil, fmt.Errorf("state %s: %w", id, ErrNotFound)
	}
	return st.Clone(), nil
}

func (m *Memory) SetState(_ context.Context, id string, st *State) error {
	if st == nil {
		return fmt.Errorf("state %s: nil value", id)
	}
	now := time.Now()
	stored := st.Clone()
	stored.Expire = 0
	if stored.Ts.IsZero() {
		stored.Ts = now
	}

	m.mu.Lock()
	if prev, ok := m.states[id]; ok && reflect.DeepEqual(prev.Val, stored.Val) && !prev.LC.IsZero() {
		stored.LC = prev.LC
	} else {
		stored.LC = stored.Ts
	}
	m.states[id] = stored
	if t, ok := m.expiries[id]; ok {
		t.Stop()
		delete(m.expiries, id)
	}
	if st.Expire > 0 {
		m.expiries[id] = time.AfterFunc(st.Expire, func() { m.expire(id, stored) })
	}
	listeners := m.stateListeners(id)
	m.mu.Unlock()

	for _, l := range listeners {
		l.StateChanged(id, stored.Clone())
	}
	return nil
}

// expire removes id if it still holds the value written with the expiry.
func (m *Memory) expire(id string, written *State) {
	m.mu.Lock()
	if m.states[id] != written {
		m.mu.Unlock()
		return
	}
	delete(m.states, id)
	delete(m.expiries, id)
	listeners := m.stateListeners(id)
	m.mu.Unlock()

	for _, l := range listeners {
		l.StateChanged(id, nil)
	}
}

func (m *Memory) DelState(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.states[id]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.states, id)
	if t, ok := m.expiries[id]; ok {
		t.Stop()
		delete(m.expiries, id)
	}
	listeners := m.stateListeners(id)
	m.mu.Unlock()

	for _, l := range listeners {
		l.StateChanged(id, nil)
	}
	return nil
}

func (m *Memory) SubscribeObjects(_ context.Context, pattern string) error {
	m.mu.Lock()
	m.objectPatterns[pattern]++
	m.mu.Unlock()
	return nil
}

func (m *Memory) SubscribeStates(_ context.Context, pattern string) error {
	m.mu.Lock()
	m.statePatterns[pattern]++
	m.subscribeCalls = append(m.subscribeCalls, pattern)
	m.mu.Unlock()
	return nil
}

func (m *Memory) UnsubscribeStates(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeCalls = append(m.unsubscribeCalls, pattern)
	if m.UnsubscribeErr != nil {
		return m.UnsubscribeErr
	}
	if m.statePatterns[pattern] > 0 {
		m.statePatterns[pattern]--
		if m.statePatterns[pattern] == 0 {
			delete(m.statePatterns, pattern)
		}
	}
	return nil
}

// SubscribeCalls returns every pattern passed to SubscribeStates, in call order.
func (m *Memory) SubscribeCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subscribeCalls...)
}

// UnsubscribeCalls returns every pattern passed to UnsubscribeStates, in call order.
func (m *Memory) UnsubscribeCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unsubscribeCalls...)
}

// ResetCalls forgets the recorded subscribe and unsubscribe calls.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	m.subscribeCalls = nil
	m.unsubscribeCalls = nil
	m.mu.Unlock()
}

// DropStateSubscriptions simulates an upstream that lost its subscriptions,
// for example after a restart of the owning adapter.
func (m *Memory) DropStateSubscriptions(prefix string) {
	m.mu.Lock()
	for p := range m.statePatterns {
		if strings.HasPrefix(p, prefix) {
			delete(m.statePatterns, p)
		}
	}
	m.mu.Unlock()
}

func (m *Memory) objectListeners(id string) []Listener {
	for p := range m.objectPatterns {
		if MatchPattern(p, id) {
			return append([]Listener(nil), m.listeners...)
		}
	}
	return nil
}

func (m *Memory) stateListeners(id string) []Listener {
	for p := range m.statePatterns {
		if MatchPattern(p, id) {
			return append([]Listener(nil), m.listeners...)
		}
	}
	return nil
}
