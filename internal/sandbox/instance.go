package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/d5/tengo/v2"

	"github.com/nfrund/scriptd/internal/compiler"
	"github.com/nfrund/scriptd/internal/eventloop"
	"github.com/nfrund/scriptd/internal/schedule"
	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/subscription"
)

// Instance is the live runtime record of one started script. It owns every
// timer, job, subscription and handler the script registered.
type Instance struct {
	ID       string
	ScriptID string
	Name     string
	Verbose  bool
	Debug    bool

	exec    *Executor
	unit    *compiler.CompiledUnit
	globals []tengo.Object
	ctx     context.Context
	cancel  context.CancelFunc

	timers      map[int64]*eventloop.Timer
	intervals   map[int64]*eventloop.Timer
	schedules   map[int64]schedule.JobID
	wizards     map[int64]schedule.JobID
	subs        map[subscription.Handle]struct{}
	stopHandler tengo.Object
	stopTimeout time.Duration

	// cancelled is set once teardown completes. Deferred handlers that were
	// already queued check it and do nothing.
	cancelled bool
	nextID    int64
}

// Resources counts what an instance currently owns.
type Resources struct {
	Timers        int `json:"timers"`
	Intervals     int `json:"intervals"`
	Schedules     int `json:"schedules"`
	Wizards       int `json:"wizards"`
	Subscriptions int `json:"subscriptions"`
	Messages      int `json:"messages"`
	Logs          int `json:"logs"`
}

// Total is the sum of all owned resources.
func (r Resources) Total() int {
	return r.Timers + r.Intervals + r.Schedules + r.Wizards + r.Subscriptions + r.Messages + r.Logs
}

func newInstance(e *Executor, unit *compiler.CompiledUnit, opts Options) *Instance {
	ctx, cancel := context.WithCancel(context.Background())
	return &Instance{
		ID:          newInstanceID(),
		ScriptID:    unit.ScriptID,
		Name:        opts.Name,
		Verbose:     opts.Verbose,
		Debug:       opts.Debug,
		exec:        e,
		unit:        unit,
		ctx:         ctx,
		cancel:      cancel,
		timers:      make(map[int64]*eventloop.Timer),
		intervals:   make(map[int64]*eventloop.Timer),
		schedules:   make(map[int64]schedule.JobID),
		wizards:     make(map[int64]schedule.JobID),
		subs:        make(map[subscription.Handle]struct{}),
		stopTimeout: opts.StopTimeout,
	}
}

func (inst *Instance) id() int64 {
	inst.nextID++
	return inst.nextID
}

// Unit returns the compiled unit the instance runs.
func (inst *Instance) Unit() *compiler.CompiledUnit { return inst.unit }

// Cancelled reports whether teardown has completed.
func (inst *Instance) Cancelled() bool { return inst.cancelled }

// StopTimeout is how long a stop handler may run before teardown is forced.
func (inst *Instance) StopTimeout() time.Duration { return inst.stopTimeout }

// HasStopHandler reports whether the script registered onStop.
func (inst *Instance) HasStopHandler() bool { return inst.stopHandler != nil }

// Resources returns the current resource counts.
func (inst *Instance) Resources() Resources {
	deps := inst.exec.deps
	return Resources{
		Timers:        len(inst.timers),
		Intervals:     len(inst.intervals),
		Schedules:     len(inst.schedules),
		Wizards:       len(inst.wizards),
		Subscriptions: len(inst.subs),
		Messages:      deps.Bus.Count(inst.ID),
		Logs:          deps.Logs.Count(inst.ID),
	}
}

// CancelResources releases every timer, interval, job, subscription and
// handler the instance owns. Failures are collected and the remaining
// resources are still released.
func (inst *Instance) CancelResources() []error {
	var errs []error
	deps := inst.exec.deps

	for id, t := range inst.timers {
		t.Stop()
		delete(inst.timers, id)
	}
	for id, t := range inst.intervals {
		t.Stop()
		delete(inst.intervals, id)
	}
	for id, job := range inst.schedules {
		if err := deps.Scheduler.Cancel(job); err != nil {
			errs = append(errs, &script.ScheduleCancelError{ScriptID: inst.ScriptID, Kind: "schedule", Cause: err})
		}
		delete(inst.schedules, id)
	}
	for id, job := range inst.wizards {
		if err := deps.Scheduler.Cancel(job); err != nil {
			errs = append(errs, &script.ScheduleCancelError{ScriptID: inst.ScriptID, Kind: "wizard", Cause: err})
		}
		delete(inst.wizards, id)
	}
	for h := range inst.subs {
		if err := deps.Registry.Unsubscribe(h); err != nil {
			errs = append(errs, err)
		}
		delete(inst.subs, h)
	}
	// anything registered under the owner id without going through on()
	errs = append(errs, deps.Registry.UnsubscribeOwner(inst.ScriptID)...)

	deps.Bus.RemoveOwner(inst.ID)
	deps.Logs.RemoveOwner(inst.ID)

	for _, err := range errs {
		inst.exec.log.Error(script.Classify(inst.ScriptID, err), slog.String("instance", inst.ID))
	}
	return errs
}

// RunStopHandler invokes the registered stop handler. done is called once,
// when the handler calls its callback or, for a handler without parameters,
// when it returns. A failing handler counts as done.
func (inst *Instance) RunStopHandler(done func()) {
	var once sync.Once
	finish := func() { once.Do(done) }
	if inst.stopHandler == nil {
		finish()
		return
	}

	callback := &tengo.UserFunction{
		Name: "stopCallback",
		Value: func(args ...tengo.Object) (tengo.Object, error) {
			finish()
			return tengo.UndefinedValue, nil
		},
	}
	_, err := inst.call("stop", inst.stopHandler, callback)
	if err != nil {
		inst.reportError(err)
		finish()
		return
	}
	if f, ok := inst.stopHandler.(*tengo.CompiledFunction); !ok || f.NumParameters == 0 {
		finish()
	}
}

// Finalize marks the instance torn down and releases anything registered
// while the stop handler ran.
func (inst *Instance) Finalize() {
	if inst.cancelled {
		return
	}
	inst.CancelResources()
	inst.cancelled = true
	inst.stopHandler = nil
	inst.cancel()
}
