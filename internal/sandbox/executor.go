// Package sandbox runs compiled script units in isolated tengo VMs that see
// only a fixed set of capability functions.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/google/uuid"

	"github.com/nfrund/scriptd/internal/compiler"
	"github.com/nfrund/scriptd/internal/eventloop"
	"github.com/nfrund/scriptd/internal/schedule"
	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/store"
	"github.com/nfrund/scriptd/internal/subscription"
)

// CapabilityNames are the globals every script sees, in global index order.
var CapabilityNames = []string{
	"log",
	"getState",
	"setState",
	"existsState",
	"getIds",
	"on",
	"unsubscribe",
	"setTimeout",
	"clearTimeout",
	"setInterval",
	"clearInterval",
	"schedule",
	"clearSchedule",
	"scheduleWizard",
	"clearWizard",
	"onStop",
	"onMessage",
	"offMessage",
	"sendTo",
	"onLog",
	"offLog",
	"instanceId",
	"scriptName",
}

// problemExpiry is how long a cleared problem indicator stays visible.
const problemExpiry = 10 * time.Second

// Health receives the outcome of script runs.
type Health interface {
	ReportProblem(scriptID string, err error)
	ClearProblem(scriptID string, expire time.Duration)
}

// Dependencies are the collaborators an Executor hands to capabilities.
type Dependencies struct {
	Loop      *eventloop.Loop
	Store     store.Store
	Registry  *subscription.Registry
	Scheduler schedule.Scheduler
	Bus       *Bus
	Logs      *LogHub
	Health    Health
	Limits    script.Limits
	Logger    *slog.Logger
}

// Options describe one run.
type Options struct {
	Name        string
	Verbose     bool
	Debug       bool
	StopTimeout time.Duration
}

// Executor creates script instances. Execute and every Instance method must
// run on the engine loop.
type Executor struct {
	deps Dependencies
	log  *script.ScriptLogger
}

// NewExecutor creates an Executor.
func NewExecutor(deps Dependencies) *Executor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = NewBus()
	}
	if deps.Logs == nil {
		deps.Logs = NewLogHub()
	}
	if deps.Limits.HandlerTimeout <= 0 {
		deps.Limits = script.GetDefaultLimits()
	}
	return &Executor{
		deps: deps,
		log:  script.NewScriptLogger(deps.Logger),
	}
}

// Bus returns the script message bus.
func (e *Executor) Bus() *Bus { return e.deps.Bus }

// Execute runs the unit's top-level pass and returns the live instance. On
// a runtime error every resource registered so far is released, the problem
// indicator is set and the error is returned as *script.RuntimeError.
func (e *Executor) Execute(ctx context.Context, unit *compiler.CompiledUnit, opts Options) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = unit.ScriptID
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = e.deps.Limits.StopTimeout
	}

	inst := newInstance(e, unit, opts)
	inst.globals = make([]tengo.Object, tengo.GlobalsSize)
	for name, fn := range inst.capabilities() {
		if idx, ok := unit.Symbols[name]; ok {
			inst.globals[idx] = fn
		}
	}
	for name, fn := range compiler.Intrinsics() {
		if idx, ok := unit.Intrinsics[name]; ok {
			inst.globals[idx] = fn
		}
	}

	start := time.Now()
	vm := tengo.NewVM(unit.Bytecode, inst.globals, e.deps.Limits.MaxAllocs)
	_, err := inst.runVM(func() (tengo.Object, error) { return nil, vm.Run() }, vm)
	if err != nil {
		rtErr := inst.runtimeError("start", err)
		inst.cancelled = true
		inst.CancelResources()
		e.log.Execution(slog.LevelError, "Script failed during start", unit.ScriptID,
			slog.String("instance", inst.ID),
			slog.String("error", rtErr.Error()),
		)
		if e.deps.Health != nil {
			e.deps.Health.ReportProblem(unit.ScriptID, rtErr)
		}
		return nil, rtErr
	}

	if e.deps.Health != nil {
		e.deps.Health.ClearProblem(unit.ScriptID, problemExpiry)
	}
	e.log.Execution(slog.LevelInfo, "Script started", unit.ScriptID,
		slog.String("instance", inst.ID),
		slog.Duration("execution_time", time.Since(start)),
		slog.Int("prelude_lines", unit.Map.PreludeLines()),
	)
	return inst, nil
}

// runVM runs fn, which drives vm, bounded by the handler timeout.
func (inst *Instance) runVM(fn func() (tengo.Object, error), vm *tengo.VM) (tengo.Object, error) {
	type result struct {
		obj tengo.Object
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &panicError{value: r}}
			}
		}()
		obj, err := fn()
		done <- result{obj: obj, err: err}
	}()

	timer := time.NewTimer(inst.exec.deps.Limits.HandlerTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.obj, r.err
	case <-timer.C:
		vm.Abort()
		<-done
		return nil, script.ErrTimeout
	}
}

// call invokes a script function with args. Callbacks of a cancelled
// instance are skipped.
func (inst *Instance) call(phase string, fn tengo.Object, args ...tengo.Object) (tengo.Object, error) {
	if inst.cancelled {
		return tengo.UndefinedValue, nil
	}
	var (
		res tengo.Object
		err error
	)
	switch f := fn.(type) {
	case *tengo.CompiledFunction:
		args, err = fitArgs(f, args)
		if err != nil {
			return nil, inst.runtimeError(phase, err)
		}
		result := loadCall(inst.globals, f, args)
		vm := tengo.NewVM(trampoline(inst.unit.Bytecode, len(args)), inst.globals, inst.exec.deps.Limits.MaxAllocs)
		_, err = inst.runVM(func() (tengo.Object, error) { return nil, vm.Run() }, vm)
		res = result()
	default:
		if !fn.CanCall() {
			return nil, fmt.Errorf("%s handler is not callable: %s", phase, fn.TypeName())
		}
		res, err = fn.Call(args...)
	}
	if err != nil {
		return nil, inst.runtimeError(phase, err)
	}
	return res, nil
}

// deferred runs a handler scheduled earlier. Errors are logged against the
// script and raise its problem indicator; the script keeps running.
func (inst *Instance) deferred(phase string, fn tengo.Object, args ...tengo.Object) {
	if _, err := inst.call(phase, fn, args...); err != nil {
		inst.reportError(err)
	}
}

func (inst *Instance) reportError(err error) {
	inst.exec.log.Execution(slog.LevelError, "Script handler failed", inst.ScriptID,
		slog.String("instance", inst.ID),
		slog.String("error", err.Error()),
	)
	if inst.exec.deps.Health != nil {
		inst.exec.deps.Health.ReportProblem(inst.ScriptID, err)
	}
}

func (inst *Instance) runtimeError(phase string, err error) *script.RuntimeError {
	var rtErr *script.RuntimeError
	if errors.As(err, &rtErr) {
		return rtErr
	}
	if errors.Is(err, script.ErrTimeout) {
		return &script.RuntimeError{ScriptID: inst.ScriptID, Phase: phase, Message: err.Error()}
	}
	var pe *panicError
	if errors.As(err, &pe) {
		// the VM lost its position; name the file so the author knows where to look
		return &script.RuntimeError{ScriptID: inst.ScriptID, Phase: phase, Message: pe.Error(), Trace: []string{inst.unit.Filename}}
	}
	msg, trace := inst.unit.Map.SplitRuntimeError(err)
	return &script.RuntimeError{ScriptID: inst.ScriptID, Phase: phase, Message: msg, Trace: trace}
}

// panicError is a Go panic raised while the VM ran.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("script panic: %v", e.value)
}

func newInstanceID() string {
	return uuid.NewString()
}
