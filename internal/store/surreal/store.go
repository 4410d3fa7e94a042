// Package surreal implements store.Store on SurrealDB. Objects and states
// live in two tables; push notifications come from one live query per table.
package surreal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/scriptd/internal/retry"
	"github.com/nfrund/scriptd/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	conn    *Connection
	retryer *retry.Backoff
	logger  *slog.Logger

	mu             sync.Mutex
	listeners      []store.Listener
	objectPatterns patterns
	statePatterns  patterns
	live           map[string]*liveQuery
	expiries       map[string]*time.Timer
	closed         bool
}

// New creates a store on an established connection.
func New(conn *Connection, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		conn:           conn,
		retryer:        retry.New(5),
		logger:         logger.With("component", "surreal_store"),
		objectPatterns: patterns{},
		statePatterns:  patterns{},
		live:           make(map[string]*liveQuery),
		expiries:       make(map[string]*time.Timer),
	}
}

// Open connects with cfg and returns a store with health monitoring started.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	conn := NewConnection(cfg, logger)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	conn.StartMonitoring(30 * time.Second)
	return New(conn, logger), nil
}

// Close kills the live queries and closes the connection.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live := make([]*liveQuery, 0, len(s.live))
	for _, lq := range s.live {
		live = append(live, lq)
	}
	s.live = map[string]*liveQuery{}
	for id, t := range s.expiries {
		t.Stop()
		delete(s.expiries, id)
	}
	s.mu.Unlock()

	for _, lq := range live {
		lq.cancel()
		s.killLive(lq)
	}
	return s.conn.Close(ctx)
}

func (s *Store) Watch(l store.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func query[T any](ctx context.Context, s *Store, sql string, vars map[string]any) ([]T, error) {
	var out []T
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		res, err := surrealdb.Query[[]T](ctx, db, sql, vars)
		if err != nil {
			return err
		}
		if res == nil || len(*res) == 0 {
			out = nil
			return nil
		}
		out = (*res)[0].Result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	return out, nil
}

func (s *Store) GetObject(ctx context.Context, id string) (*store.Object, error) {
	recs, err := query[objectRecord](ctx, s, "SELECT * FROM type::thing($tb, $key)", map[string]any{"tb": objectTable, "key": id})
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", id, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("object %s: %w", id, store.ErrNotFound)
	}
	return recs[0].object(), nil
}

func (s *Store) GetObjectList(ctx context.Context, prefix string) ([]*store.Object, error) {
	recs, err := query[objectRecord](ctx, s,
		"SELECT * FROM type::table($tb) WHERE string::starts_with(key, $prefix) ORDER BY key",
		map[string]any{"tb": objectTable, "prefix": prefix})
	if err != nil {
		return nil, fmt.Errorf("objects %s*: %w", prefix, err)
	}
	out := make([]*store.Object, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.object())
	}
	return out, nil
}

func (s *Store) SetObject(ctx context.Context, obj *store.Object) error {
	if obj == nil || obj.ID == "" {
		return errors.New("object without id")
	}
	_, err := query[objectRecord](ctx, s, "UPSERT type::thing($tb, $key) CONTENT $doc",
		map[string]any{"tb": objectTable, "key": obj.ID, "doc": objectToRecord(obj)})
	if err != nil {
		return fmt.Errorf("set object %s: %w", obj.ID, err)
	}
	return nil
}

func (s *Store) DelObject(ctx context.Context, id string) error {
	recs, err := query[objectRecord](ctx, s, "DELETE type::thing($tb, $key) RETURN BEFORE",
		map[string]any{"tb": objectTable, "key": id})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	if len(recs) == 0 {
		return fmt.Errorf("object %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, id string) (*store.State, error) {
	recs, err := query[stateRecord](ctx, s, "SELECT * FROM type::thing($tb, $key)", map[string]any{"tb": stateTable, "key": id})
	if err != nil {
		return nil, fmt.Errorf("state %s: %w", id, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("state %s: %w", id, store.ErrNotFound)
	}
	return recs[0].state(), nil
}

// SetState writes st. The last-change time is kept when the value is
// unchanged.
func (s *Store) SetState(ctx context.Context, id string, st *store.State) error {
	if st == nil {
		return fmt.Errorf("state %s: nil value", id)
	}
	stored := st.Clone()
	if stored.Ts.IsZero() {
		stored.Ts = time.Now()
	}
	stored.LC = stored.Ts
	prev, err := s.GetState(ctx, id)
	switch {
	case err == nil:
		if reflect.DeepEqual(normalize(prev.Val), normalize(stored.Val)) {
			stored.LC = prev.LC
		}
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	_, err = query[stateRecord](ctx, s, "UPSERT type::thing($tb, $key) CONTENT $doc",
		map[string]any{"tb": stateTable, "key": id, "doc": stateToRecord(id, stored)})
	if err != nil {
		return fmt.Errorf("set state %s: %w", id, err)
	}
	s.scheduleExpiry(id, stored, st.Expire)
	return nil
}

// scheduleExpiry deletes id after d unless it has been written again since.
func (s *Store) scheduleExpiry(id string, written *store.State, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.expiries[id]; ok {
		t.Stop()
		delete(s.expiries, id)
	}
	if d <= 0 || s.closed {
		return
	}
	ts := written.Ts.UnixMilli()
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.expiries[id] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.expiries, id)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := query[stateRecord](ctx, s, "DELETE type::thing($tb, $key) WHERE ts = $ts",
			map[string]any{"tb": stateTable, "key": id, "ts": ts})
		if err != nil {
			s.logger.Warn("Failed to expire state", "id", id, "error", err)
		}
	})
	s.expiries[id] = timer
}

func (s *Store) DelState(ctx context.Context, id string) error {
	s.mu.Lock()
	if t, ok := s.expiries[id]; ok {
		t.Stop()
		delete(s.expiries, id)
	}
	s.mu.Unlock()
	_, err := query[stateRecord](ctx, s, "DELETE type::thing($tb, $key)", map[string]any{"tb": stateTable, "key": id})
	if err != nil {
		return fmt.Errorf("delete state %s: %w", id, err)
	}
	return nil
}

func (s *Store) SubscribeObjects(ctx context.Context, pattern string) error {
	s.mu.Lock()
	s.objectPatterns.add(pattern)
	s.mu.Unlock()
	return s.ensureLive(ctx, objectTable)
}

func (s *Store) SubscribeStates(ctx context.Context, pattern string) error {
	s.mu.Lock()
	s.statePatterns.add(pattern)
	s.mu.Unlock()
	return s.ensureLive(ctx, stateTable)
}

func (s *Store) UnsubscribeStates(_ context.Context, pattern string) error {
	s.mu.Lock()
	s.statePatterns.remove(pattern)
	s.mu.Unlock()
	return nil
}
