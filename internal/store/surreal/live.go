package surreal

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

// liveQuery is one LIVE SELECT over a whole table. Pattern filtering
// happens locally so a table needs a single live query however many
// patterns are subscribed.
type liveQuery struct {
	table  string
	id     string
	cancel context.CancelFunc
}

func (s *Store) ensureLive(ctx context.Context, table string) error {
	s.mu.Lock()
	_, running := s.live[table]
	s.mu.Unlock()
	if running {
		return nil
	}

	lq, notifications, err := s.startLive(ctx, table)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, raced := s.live[table]; raced || s.closed {
		s.mu.Unlock()
		s.killLive(lq)
		return nil
	}
	lctx, cancel := context.WithCancel(context.Background())
	lq.cancel = cancel
	s.live[table] = lq
	s.mu.Unlock()

	go s.listen(lctx, lq, notifications)
	return nil
}

func (s *Store) startLive(ctx context.Context, table string) (*liveQuery, <-chan connection.Notification, error) {
	lq := &liveQuery{table: table}
	var notifications <-chan connection.Notification
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		results, err := surrealdb.Query[any](ctx, db, "LIVE SELECT * FROM type::table($tb)", map[string]any{"tb": table})
		if err != nil {
			return fmt.Errorf("live select %s: %w", table, err)
		}
		if results == nil || len(*results) == 0 {
			return fmt.Errorf("live select %s returned no results", table)
		}
		res := (*results)[0]
		if res.Status != "OK" {
			return fmt.Errorf("live select %s failed with status %s", table, res.Status)
		}
		id, err := liveQueryID(res.Result)
		if err != nil {
			return err
		}
		lq.id = id

		ch, err := db.LiveNotifications(id)
		if err != nil {
			return fmt.Errorf("notification channel for %s: %w", table, err)
		}
		notifications = ch
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Debug("Live query established", "table", table, "live_query", lq.id)
	return lq, notifications, nil
}

func liveQueryID(v any) (string, error) {
	switch x := v.(type) {
	case string:
		if x != "" {
			return x, nil
		}
	case models.UUID:
		return x.String(), nil
	case *models.UUID:
		if x != nil {
			return x.String(), nil
		}
	case map[string]any:
		return liveQueryID(x["id"])
	}
	return "", fmt.Errorf("unexpected live query id %T: %+v", v, v)
}

// listen forwards notifications to the listeners in arrival order. When the
// channel closes while the store is open, the live query is re-established.
func (s *Store) listen(ctx context.Context, lq *liveQuery, notifications <-chan connection.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				s.relive(ctx, lq)
				return
			}
			s.notify(lq.table, n)
		}
	}
}

func (s *Store) relive(ctx context.Context, lq *liveQuery) {
	s.mu.Lock()
	if s.closed || s.live[lq.table] != lq {
		s.mu.Unlock()
		return
	}
	delete(s.live, lq.table)
	s.mu.Unlock()

	s.logger.Warn("Live query closed, re-establishing", "table", lq.table)
	err := s.retryer.Retry(ctx, func() error {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return s.ensureLive(rctx, lq.table)
	})
	if err != nil {
		s.logger.Error("Failed to re-establish live query", "table", lq.table, "error", err)
	}
}

func (s *Store) killLive(lq *liveQuery) {
	if lq.id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		if err := db.CloseLiveNotifications(lq.id); err != nil {
			s.logger.Debug("Failed to close live notifications", "live_query", lq.id, "error", err)
		}
		_, err := surrealdb.Query[any](ctx, db, "KILL $id", map[string]any{"id": lq.id})
		return err
	})
	if err != nil {
		s.logger.Warn("Failed to kill live query", "live_query", lq.id, "error", err)
	}
}

func (s *Store) notify(table string, n connection.Notification) {
	deleted := n.Action == connection.DeleteAction
	if !deleted && n.Action != connection.CreateAction && n.Action != connection.UpdateAction {
		return
	}

	switch table {
	case objectTable:
		obj, err := decodeObject(n.Result)
		if err != nil {
			s.logger.Warn("Dropping object notification", "error", err)
			return
		}
		s.mu.Lock()
		wanted := s.objectPatterns.match(obj.ID)
		listeners := append(s.listeners[:0:0], s.listeners...)
		s.mu.Unlock()
		if !wanted {
			return
		}
		id := obj.ID
		if deleted {
			obj = nil
		}
		for _, l := range listeners {
			l.ObjectChanged(id, obj.Clone())
		}
	case stateTable:
		st, id, err := decodeState(n.Result)
		if err != nil {
			s.logger.Warn("Dropping state notification", "error", err)
			return
		}
		s.mu.Lock()
		wanted := s.statePatterns.match(id)
		listeners := append(s.listeners[:0:0], s.listeners...)
		s.mu.Unlock()
		if !wanted {
			return
		}
		if deleted {
			st = nil
		}
		for _, l := range listeners {
			l.StateChanged(id, st.Clone())
		}
	}
}
