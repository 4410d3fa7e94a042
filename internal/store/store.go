// Package store defines the object/state store the engine mirrors and
// subscribes to, plus an in-memory implementation.
package store

import (
	"context"
	"errors"
	"maps"
	"path"
	"time"
)

// ErrNotFound is returned when an object or state does not exist.
var ErrNotFound = errors.New("not found")

// Object is a document in the object store. Script definitions, state
// definitions and library sources are all objects.
type Object struct {
	ID     string         `json:"_id"`
	Type   string         `json:"type"`
	Common map[string]any `json:"common"`
	Native map[string]any `json:"native,omitempty"`
}

// Clone returns a copy whose maps can be modified independently.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	return &Object{
		ID:     o.ID,
		Type:   o.Type,
		Common: maps.Clone(o.Common),
		Native: maps.Clone(o.Native),
	}
}

// CommonString returns common[key] if it is a string.
func (o *Object) CommonString(key string) string {
	s, _ := o.Common[key].(string)
	return s
}

// CommonBool returns common[key] if it is a bool.
func (o *Object) CommonBool(key string) bool {
	b, _ := o.Common[key].(bool)
	return b
}

// CommonInt returns common[key] converted to int64. JSON decoded numbers are floats.
func (o *Object) CommonInt(key string) int64 {
	switch v := o.Common[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// State is the current value of a state id.
type State struct {
	Val  any       `json:"val"`
	Ack  bool      `json:"ack"`
	Ts   time.Time `json:"ts"`
	LC   time.Time `json:"lc"`
	From string    `json:"from,omitempty"`

	// Expire deletes the state after the given duration. Only used on write.
	Expire time.Duration `json:"-"`
}

// Clone returns a shallow copy of st.
func (st *State) Clone() *State {
	if st == nil {
		return nil
	}
	c := *st
	return &c
}

// Listener receives push notifications for subscribed ids. A nil object or
// state means the id was deleted.
type Listener interface {
	ObjectChanged(id string, obj *Object)
	StateChanged(id string, st *State)
}

// Store is the durable object/state store. Notifications are only delivered
// for ids matching a pattern passed to SubscribeObjects or SubscribeStates.
type Store interface {
	GetObject(ctx context.Context, id string) (*Object, error)
	GetObjectList(ctx context.Context, prefix string) ([]*Object, error)
	SetObject(ctx context.Context, obj *Object) error
	DelObject(ctx context.Context, id string) error

	GetState(ctx context.Context, id string) (*State, error)
	SetState(ctx context.Context, id string, st *State) error
	DelState(ctx context.Context, id string) error

	SubscribeObjects(ctx context.Context, pattern string) error
	SubscribeStates(ctx context.Context, pattern string) error
	UnsubscribeStates(ctx context.Context, pattern string) error

	Watch(l Listener)
}

// MatchPattern reports whether id matches a store pattern where '*' matches
// any sequence of characters, dots included.
func MatchPattern(pattern, id string) bool {
	if pattern == "*" || pattern == id {
		return true
	}
	ok, err := path.Match(pattern, id)
	return err == nil && ok
}
