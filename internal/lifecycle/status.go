package lifecycle

import (
	"context"
	"time"

	"github.com/nfrund/scriptd/internal/sandbox"
	"github.com/nfrund/scriptd/internal/script"
)

// Status describes one script for the admin API.
type Status struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Dialect     script.Dialect      `json:"dialect"`
	Global      bool                `json:"global"`
	Enabled     bool                `json:"enabled"`
	Engine      string              `json:"engine"`
	State       State               `json:"state"`
	InstanceID  string              `json:"instanceId,omitempty"`
	StartedAt   *time.Time          `json:"startedAt,omitempty"`
	Resources   *sandbox.Resources  `json:"resources,omitempty"`
	Diagnostics []script.Diagnostic `json:"diagnostics,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Status lists every known script sorted by id. It must run on the loop.
func (m *Manager) Status() []Status {
	out := make([]Status, 0, len(m.scripts))
	for _, id := range m.sortedIDs() {
		e := m.scripts[id]
		s := Status{
			ID:          id,
			Name:        e.desc.Name,
			Dialect:     e.desc.Dialect,
			Global:      e.desc.IsGlobal(),
			Enabled:     e.desc.Enabled,
			Engine:      e.desc.Engine,
			State:       e.state,
			Diagnostics: e.diagnostics,
		}
		if e.state == StateRunning && !e.startedAt.IsZero() {
			t := e.startedAt
			s.StartedAt = &t
		}
		if e.inst != nil {
			s.InstanceID = e.inst.ID
			res := e.inst.Resources()
			s.Resources = &res
		}
		if e.lastErr != nil {
			s.Error = e.lastErr.Error()
		}
		out = append(out, s)
	}
	return out
}

// Snapshot returns Status from any goroutine.
func (m *Manager) Snapshot(ctx context.Context) ([]Status, error) {
	var out []Status
	if err := m.deps.Loop.Do(ctx, func() { out = m.Status() }); err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup returns the status of one script.
func (m *Manager) Lookup(ctx context.Context, id string) (Status, bool, error) {
	statuses, err := m.Snapshot(ctx)
	if err != nil {
		return Status{}, false, err
	}
	for _, s := range statuses {
		if s.ID == id {
			return s, true, nil
		}
	}
	return Status{}, false, nil
}
