// Package indicator maintains the per-script enabled and problem states the
// engine exposes in the state store.
package indicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/store"
)

const (
	enabledInfix = ".scriptEnabled."
	problemInfix = ".scriptProblem."

	writeTimeout = 5 * time.Second
)

// Indicators writes scriptEnabled.<rel> and scriptProblem.<rel> states under
// the engine namespace. scriptEnabled is writable by users; a write with
// ack=false is a command to enable or disable the script.
type Indicators struct {
	store     store.Store
	namespace string
	reporter  *script.ErrorReporter
	logger    *slog.Logger
}

// New creates the indicator writer for namespace, for example "javascript.0".
func New(st store.Store, namespace string, reporter *script.ErrorReporter, logger *slog.Logger) *Indicators {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = script.NewErrorReporter(logger)
	}
	return &Indicators{
		store:     st,
		namespace: namespace,
		reporter:  reporter,
		logger:    logger.With("component", "indicators"),
	}
}

// Namespace returns the prefix all indicator ids live under.
func (in *Indicators) Namespace() string { return in.namespace }

// Reporter returns the error reporter problems are recorded with.
func (in *Indicators) Reporter() *script.ErrorReporter { return in.reporter }

// EnabledID is the id of the writable run toggle of scriptID.
func (in *Indicators) EnabledID(scriptID string) string {
	return in.namespace + enabledInfix + script.RelativeID(scriptID)
}

// ProblemID is the id of the read-only health flag of scriptID.
func (in *Indicators) ProblemID(scriptID string) string {
	return in.namespace + problemInfix + script.RelativeID(scriptID)
}

// EnabledPattern matches every enabled indicator.
func (in *Indicators) EnabledPattern() string {
	return in.namespace + enabledInfix + "*"
}

// ParseEnabledID returns the script id an enabled indicator belongs to.
func (in *Indicators) ParseEnabledID(id string) (string, bool) {
	prefix := in.namespace + enabledInfix
	if !strings.HasPrefix(id, prefix) || len(id) == len(prefix) {
		return "", false
	}
	return script.Prefix + strings.TrimPrefix(id, prefix), true
}

// Ensure creates the state objects of both indicators if they are missing.
func (in *Indicators) Ensure(ctx context.Context, scriptID string) error {
	defs := []struct {
		id    string
		name  string
		role  string
		write bool
	}{
		{in.EnabledID(scriptID), "Script enabled", "switch.active", true},
		{in.ProblemID(scriptID), "Script has a problem", "indicator.error", false},
	}
	for _, d := range defs {
		if _, err := in.store.GetObject(ctx, d.id); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("ensure indicator %s: %w", d.id, err)
		}
		obj := &store.Object{
			ID:   d.id,
			Type: "state",
			Common: map[string]any{
				"name":  d.name,
				"type":  "boolean",
				"role":  d.role,
				"read":  true,
				"write": d.write,
				"def":   false,
			},
			Native: map[string]any{"script": scriptID},
		}
		if err := in.store.SetObject(ctx, obj); err != nil {
			return fmt.Errorf("create indicator %s: %w", d.id, err)
		}
	}
	return nil
}

// SetEnabled acknowledges the enabled state of a script.
func (in *Indicators) SetEnabled(ctx context.Context, scriptID string, enabled bool) error {
	return in.store.SetState(ctx, in.EnabledID(scriptID), &store.State{Val: enabled, Ack: true})
}

// SetProblem writes the problem state. A positive expire lets the store
// drop the value after that long.
func (in *Indicators) SetProblem(ctx context.Context, scriptID string, problem bool, expire time.Duration) error {
	return in.store.SetState(ctx, in.ProblemID(scriptID), &store.State{Val: problem, Ack: true, Expire: expire})
}

// ReportProblem records err for the script and raises its problem state.
func (in *Indicators) ReportProblem(scriptID string, err error) {
	in.reporter.Report(scriptID, err)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if werr := in.SetProblem(ctx, scriptID, true, 0); werr != nil {
		in.logger.Warn("Failed to raise problem indicator", "script", scriptID, "error", werr)
	}
}

// ClearProblem lowers the problem state; the value expires after expire.
func (in *Indicators) ClearProblem(scriptID string, expire time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := in.SetProblem(ctx, scriptID, false, expire); err != nil {
		in.logger.Warn("Failed to clear problem indicator", "script", scriptID, "error", err)
	}
}

// Remove deletes both indicators of a deleted script.
func (in *Indicators) Remove(ctx context.Context, scriptID string) error {
	var errs []error
	for _, id := range []string{in.EnabledID(scriptID), in.ProblemID(scriptID)} {
		if err := in.store.DelState(ctx, id); err != nil {
			errs = append(errs, err)
		}
		if err := in.store.DelObject(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	in.reporter.Forget(scriptID)
	return errors.Join(errs...)
}
