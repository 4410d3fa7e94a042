// Package lifecycle drives scripts through compile, run, stop and reload in
// response to object and state notifications.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nfrund/scriptd/internal/compiler"
	"github.com/nfrund/scriptd/internal/declarations"
	"github.com/nfrund/scriptd/internal/eventloop"
	"github.com/nfrund/scriptd/internal/indicator"
	"github.com/nfrund/scriptd/internal/sandbox"
	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/store"
	"github.com/nfrund/scriptd/internal/subscription"
)

// State of one script.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateCompiling State = "compiling"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateFailed    State = "failed"
)

const storeTimeout = 5 * time.Second

// Dependencies are the engine parts the manager orchestrates.
type Dependencies struct {
	Loop         *eventloop.Loop
	Store        store.Store
	Compiler     *compiler.Compiler
	Declarations *declarations.Propagator
	Executor     *sandbox.Executor
	Registry     *subscription.Registry
	Indicators   *indicator.Indicators
	// Engine is the instance id scripts must name in common.engine to run here.
	Engine string
	Logger *slog.Logger
}

type entry struct {
	desc        *script.Descriptor
	state       State
	inst        *sandbox.Instance
	unit        *compiler.CompiledUnit
	diagnostics []script.Diagnostic
	lastErr     error
	startedAt   time.Time

	waiters []func(found bool)
	reload  bool // load again once the running stop completes
	removed bool // drop the entry once the running stop completes
}

// Manager owns the script table. Every method except Start, Shutdown and
// Snapshot must be called on the engine loop.
type Manager struct {
	deps   Dependencies
	log    *script.ScriptLogger
	logger *slog.Logger

	scripts map[string]*entry
	prelude *compiler.Prelude

	reevaluating      bool
	reevaluatePending bool
	shuttingDown      bool
}

// New creates a Manager.
func New(deps Dependencies) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		deps:    deps,
		log:     script.NewScriptLogger(deps.Logger),
		logger:  deps.Logger.With("component", "lifecycle"),
		scripts: make(map[string]*entry),
		prelude: &compiler.Prelude{},
	}
}

// Start subscribes to script objects and control states, registers every
// existing script and loads the active ones.
func (m *Manager) Start(ctx context.Context) error {
	m.deps.Store.Watch(m)
	var startErr error
	err := m.deps.Loop.Do(ctx, func() {
		startErr = m.start(ctx)
	})
	if err != nil {
		return err
	}
	return startErr
}

func (m *Manager) start(ctx context.Context) error {
	st := m.deps.Store
	if err := st.SubscribeObjects(ctx, "*"); err != nil {
		return fmt.Errorf("subscribe objects: %w", err)
	}
	if err := st.SubscribeStates(ctx, m.deps.Indicators.EnabledPattern()); err != nil {
		return fmt.Errorf("subscribe control states: %w", err)
	}

	objects, err := st.GetObjectList(ctx, "")
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].ID < objects[j].ID })

	scripts := 0
	for _, obj := range objects {
		if !strings.HasPrefix(obj.ID, script.Prefix) {
			if obj.Type == "state" {
				m.deps.Registry.AddKnownID(obj.ID)
			}
			continue
		}
		desc, err := script.DescriptorFromObject(obj)
		if err != nil {
			m.logger.Warn("Skipping invalid script object", "id", obj.ID, "error", err)
			continue
		}
		m.scripts[desc.ID] = &entry{desc: desc, state: StateUnloaded}
		if err := m.deps.Indicators.Ensure(ctx, desc.ID); err != nil {
			m.logger.Warn("Failed to create indicators", "script", desc.ID, "error", err)
		}
		scripts++
	}
	m.log.System(slog.LevelInfo, "Script engine starting",
		slog.Int("scripts", scripts), slog.String("engine", m.deps.Engine))

	m.rebuildPrelude(ctx)
	for _, id := range m.sortedIDs() {
		if !script.IsGlobalID(id) {
			m.LoadScript(ctx, id)
		}
	}
	return nil
}

// ObjectChanged implements store.Listener.
func (m *Manager) ObjectChanged(id string, obj *store.Object) {
	m.deps.Loop.Post(func() { m.HandleObjectChange(context.Background(), id, obj) })
}

// StateChanged implements store.Listener.
func (m *Manager) StateChanged(id string, st *store.State) {
	m.deps.Loop.Post(func() { m.HandleStateChange(context.Background(), id, st) })
}

func (m *Manager) sortedIDs() []string {
	ids := make([]string, 0, len(m.scripts))
	for id := range m.scripts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) activeGlobals() []*script.Descriptor {
	var out []*script.Descriptor
	for _, id := range m.sortedIDs() {
		e := m.scripts[id]
		if e.desc.IsGlobal() && !e.removed && e.desc.Active(m.deps.Engine) {
			out = append(out, e.desc)
		}
	}
	return out
}

// rebuildPrelude compiles the active globals into a fresh prelude and
// declaration set.
func (m *Manager) rebuildPrelude(ctx context.Context) {
	m.deps.Declarations.Reset()
	globals := m.activeGlobals()
	prelude, failed := m.deps.Compiler.BuildPrelude(ctx, globals, m.deps.Declarations)
	m.prelude = prelude

	for _, id := range m.sortedIDs() {
		e := m.scripts[id]
		if !e.desc.IsGlobal() {
			continue
		}
		if !e.desc.Active(m.deps.Engine) {
			e.state = StateUnloaded
			continue
		}
		if err, ok := failed[id]; ok {
			m.fail(e, err)
			continue
		}
		e.state = StateRunning
		e.diagnostics = nil
		e.lastErr = nil
		e.startedAt = time.Now()
		m.deps.Indicators.ClearProblem(id, 0)
		m.setEnabled(ctx, id, true)
	}
	m.log.System(slog.LevelInfo, "Prelude built",
		slog.Int("globals", len(globals)),
		slog.Int("failed", len(failed)),
		slog.Int("lines", prelude.Lines),
	)
}

func (m *Manager) setEnabled(ctx context.Context, id string, enabled bool) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.deps.Indicators.SetEnabled(ctx, id, enabled); err != nil {
		m.logger.Warn("Failed to write enabled indicator", "script", id, "error", err)
	}
}

// fail records a failed load. A compile error leaves the script Failed
// until the next notification; a failure of the top-level run leaves it
// stopped with the error and problem indicator kept.
func (m *Manager) fail(e *entry, err error) {
	e.state = StateUnloaded
	e.lastErr = err
	var ce *script.CompileError
	if errors.As(err, &ce) {
		e.state = StateFailed
		e.diagnostics = ce.Diagnostics
		for _, d := range ce.Diagnostics {
			m.log.Lifecycle(slog.LevelError, "Compile diagnostic", e.desc.ID, slog.String("diagnostic", d.String()))
		}
		// runtime failures are reported by the executor itself
		m.deps.Indicators.ReportProblem(e.desc.ID, err)
	}
	m.log.Lifecycle(slog.LevelError, "Script failed", e.desc.ID, slog.String("error", err.Error()))
}

// LoadScript compiles and starts an active, non-running script. A global
// script re-evaluates the whole engine instead.
func (m *Manager) LoadScript(ctx context.Context, id string) {
	e, ok := m.scripts[id]
	if !ok || m.shuttingDown || e.removed || !e.desc.Active(m.deps.Engine) {
		return
	}
	if e.desc.IsGlobal() {
		m.Reevaluate(ctx)
		return
	}
	if m.reevaluating {
		// loaded with the new prelude once re-evaluation completes
		return
	}
	switch e.state {
	case StateRunning, StateCompiling:
		return
	case StateStopping:
		e.reload = true
		return
	}

	e.state = StateCompiling
	m.log.Lifecycle(slog.LevelDebug, "Compiling script", id, slog.String("dialect", string(e.desc.Dialect)))
	unit, err := m.deps.Compiler.Compile(ctx, compiler.Request{
		ID:       id,
		Source:   e.desc.Source,
		Dialect:  e.desc.Dialect,
		Filename: e.desc.Filename(),
		Prelude:  m.prelude,
	})
	if err != nil {
		e.unit = nil
		m.fail(e, err)
		return
	}
	e.unit = unit
	e.diagnostics = unit.Diagnostics

	inst, err := m.deps.Executor.Execute(ctx, unit, sandbox.Options{
		Name:        e.desc.Name,
		Verbose:     e.desc.Verbose,
		Debug:       e.desc.Debug,
		StopTimeout: e.desc.StopTimeout,
	})
	if err != nil {
		m.fail(e, err)
		return
	}
	e.inst = inst
	e.state = StateRunning
	e.lastErr = nil
	e.startedAt = time.Now()
	m.setEnabled(ctx, id, true)
	m.log.Lifecycle(slog.LevelInfo, "Script running", id, slog.String("instance", inst.ID))
}

// StopScript stops a running script. done, if not nil, is called on the
// loop once the stop completed, with found=false when nothing was running.
// Concurrent stops of the same script share one stop sequence.
func (m *Manager) StopScript(id string, done func(found bool)) {
	e, ok := m.scripts[id]
	if !ok || (e.state != StateRunning && e.state != StateStopping) {
		if done != nil {
			done(false)
		}
		return
	}
	if done != nil {
		e.waiters = append(e.waiters, done)
	}
	if e.state == StateStopping {
		return
	}

	// globals only live in the prelude, there is no instance to tear down
	if e.inst == nil {
		e.state = StateUnloaded
		m.setEnabled(context.Background(), id, false)
		m.settle(e)
		return
	}

	e.state = StateStopping
	inst := e.inst
	m.log.Lifecycle(slog.LevelInfo, "Stopping script", id, slog.String("instance", inst.ID))
	inst.CancelResources()

	finished := false
	finish := func(timedOut bool) {
		if finished {
			return
		}
		finished = true
		if timedOut {
			m.log.Lifecycle(slog.LevelWarn, "Stop handler timed out, forcing teardown", id,
				slog.Duration("timeout", inst.StopTimeout()))
		}
		inst.Finalize()
		e.inst = nil
		e.unit = nil
		e.state = StateUnloaded
		m.setEnabled(context.Background(), id, false)
		m.log.Lifecycle(slog.LevelInfo, "Script stopped", id, slog.String("instance", inst.ID))
		m.settle(e)
	}

	if !inst.HasStopHandler() {
		finish(false)
		return
	}
	timer := m.deps.Loop.AfterFunc(inst.StopTimeout(), func() { finish(true) })
	inst.RunStopHandler(func() {
		m.deps.Loop.Post(func() {
			timer.Stop()
			finish(false)
		})
	})
}

// settle runs what waited on a completed stop.
func (m *Manager) settle(e *entry) {
	waiters := e.waiters
	e.waiters = nil
	for _, w := range waiters {
		w(true)
	}
	if e.removed {
		delete(m.scripts, e.desc.ID)
		return
	}
	if e.reload {
		e.reload = false
		m.LoadScript(context.Background(), e.desc.ID)
	}
}

// stopAll stops every running or stopping script and calls then once all
// stops have completed.
func (m *Manager) stopAll(ids []string, then func()) {
	pending := 0
	for _, id := range ids {
		e := m.scripts[id]
		if e.state == StateRunning || e.state == StateStopping {
			pending++
		}
	}
	if pending == 0 {
		then()
		return
	}
	for _, id := range ids {
		e := m.scripts[id]
		if e.state != StateRunning && e.state != StateStopping {
			continue
		}
		m.StopScript(id, func(bool) {
			pending--
			if pending == 0 {
				then()
			}
		})
	}
}

// Reevaluate stops every script, rebuilds the prelude and declaration set
// from the active globals and loads all active scripts again. A request
// while one is in progress runs once more after it.
func (m *Manager) Reevaluate(ctx context.Context) {
	if m.shuttingDown {
		return
	}
	if m.reevaluating {
		m.reevaluatePending = true
		return
	}
	m.reevaluating = true
	m.log.System(slog.LevelInfo, "Re-evaluating all scripts")

	ids := m.sortedIDs()
	for _, id := range ids {
		m.scripts[id].reload = false
	}
	m.stopAll(ids, func() {
		m.rebuildPrelude(ctx)
		m.reevaluating = false
		for _, id := range m.sortedIDs() {
			if !script.IsGlobalID(id) {
				m.LoadScript(ctx, id)
			}
		}
		if m.reevaluatePending {
			m.reevaluatePending = false
			m.Reevaluate(ctx)
		}
	})
}

// HandleObjectChange applies an object notification. A nil object means
// the object was deleted.
func (m *Manager) HandleObjectChange(ctx context.Context, id string, obj *store.Object) {
	if !strings.HasPrefix(id, script.Prefix) {
		switch {
		case obj == nil:
			m.deps.Registry.RemoveKnownID(id)
		case obj.Type == "state":
			m.deps.Registry.AddKnownID(id)
		}
		return
	}

	e, exists := m.scripts[id]
	if obj == nil {
		if exists {
			m.remove(ctx, e)
		}
		return
	}

	desc, err := script.DescriptorFromObject(obj)
	if err != nil {
		m.logger.Warn("Ignoring invalid script object", "id", id, "error", err)
		return
	}

	if !exists {
		e = &entry{desc: desc, state: StateUnloaded}
		m.scripts[id] = e
		if err := m.deps.Indicators.Ensure(ctx, id); err != nil {
			m.logger.Warn("Failed to create indicators", "script", id, "error", err)
		}
		m.log.Lifecycle(slog.LevelInfo, "Script added", id, slog.Bool("enabled", desc.Enabled))
		if desc.Active(m.deps.Engine) {
			m.LoadScript(ctx, id)
		}
		return
	}

	old := e.desc
	e.desc = desc
	wasActive := old.Active(m.deps.Engine)
	nowActive := desc.Active(m.deps.Engine)
	sourceChanged := old.SourceChanged(desc)

	if desc.IsGlobal() {
		if wasActive != nowActive || (nowActive && sourceChanged) {
			m.Reevaluate(ctx)
		}
		return
	}

	switch {
	case wasActive && !nowActive:
		e.reload = false
		m.StopScript(id, nil)
	case !wasActive && nowActive:
		m.LoadScript(ctx, id)
	case nowActive && sourceChanged:
		m.log.Lifecycle(slog.LevelInfo, "Source changed, reloading", id)
		switch e.state {
		case StateRunning:
			e.reload = true
			m.StopScript(id, nil)
		case StateStopping:
			e.reload = true
		default:
			m.LoadScript(ctx, id)
		}
	case nowActive && e.inst != nil:
		e.inst.Verbose = desc.Verbose
		e.inst.Debug = desc.Debug
	}
}

func (m *Manager) remove(ctx context.Context, e *entry) {
	id := e.desc.ID
	e.removed = true
	e.reload = false
	m.log.Lifecycle(slog.LevelInfo, "Script deleted", id)

	cleanup := func(bool) {
		rctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if err := m.deps.Indicators.Remove(rctx, id); err != nil {
			m.logger.Warn("Failed to remove indicators", "script", id, "error", err)
		}
		delete(m.scripts, id)
		if e.desc.IsGlobal() && e.desc.Active(m.deps.Engine) {
			m.Reevaluate(ctx)
		}
	}
	if e.state == StateRunning || e.state == StateStopping {
		m.StopScript(id, cleanup)
		return
	}
	cleanup(false)
}

// HandleStateChange applies a state notification. Unacknowledged writes to
// an enabled indicator toggle the script; everything goes to the
// subscription registry.
func (m *Manager) HandleStateChange(ctx context.Context, id string, st *store.State) {
	if scriptID, ok := m.deps.Indicators.ParseEnabledID(id); ok && st != nil && !st.Ack {
		m.toggle(ctx, scriptID, truthy(st.Val))
	}
	m.deps.Registry.HandleStateChange(id, st)
}

func (m *Manager) toggle(ctx context.Context, scriptID string, enabled bool) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	obj, err := m.deps.Store.GetObject(ctx, scriptID)
	if err != nil {
		m.logger.Warn("Enable command for unknown script", "script", scriptID, "error", err)
		return
	}
	if obj.CommonBool("enabled") == enabled {
		// nothing changes, acknowledge the current value
		m.setEnabled(ctx, scriptID, enabled && m.isRunning(scriptID))
		return
	}
	obj = obj.Clone()
	if obj.Common == nil {
		obj.Common = map[string]any{}
	}
	obj.Common["enabled"] = enabled
	if err := m.deps.Store.SetObject(ctx, obj); err != nil {
		m.logger.Warn("Failed to toggle script", "script", scriptID, "error", err)
	}
}

func (m *Manager) isRunning(id string) bool {
	e, ok := m.scripts[id]
	return ok && e.state == StateRunning
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x == "true" || x == "1" || x == "on"
	case float64:
		return x != 0
	case int64:
		return x != 0
	case int:
		return x != 0
	}
	return false
}

// Shutdown stops every running script and waits until each has completed
// or hit its own stop timeout, or until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	start := time.Now()
	err := m.deps.Loop.Do(ctx, func() {
		m.shuttingDown = true
		m.stopAll(m.sortedIDs(), func() { close(done) })
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		m.log.System(slog.LevelInfo, "All scripts stopped", slog.Duration("duration", time.Since(start)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
