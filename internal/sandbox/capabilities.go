package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/d5/tengo/v2"

	"github.com/nfrund/scriptd/internal/eventloop"
	"github.com/nfrund/scriptd/internal/schedule"
	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/store"
	"github.com/nfrund/scriptd/internal/subscription"
)

const storeTimeout = 5 * time.Second

func userFunc(name string, f tengo.CallableFunc) *tengo.UserFunction {
	return &tengo.UserFunction{Name: name, Value: f}
}

func argRange(args []tengo.Object, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		return tengo.ErrWrongNumArguments
	}
	return nil
}

func stringArg(args []tengo.Object, i int, name string) (string, error) {
	s, ok := tengo.ToString(args[i])
	if !ok {
		return "", tengo.ErrInvalidArgumentType{Name: name, Expected: "string", Found: args[i].TypeName()}
	}
	return s, nil
}

func callableArg(args []tengo.Object, i int, name string) (tengo.Object, error) {
	if _, ok := args[i].(*tengo.CompiledFunction); ok {
		return args[i], nil
	}
	if !args[i].CanCall() {
		return nil, tengo.ErrInvalidArgumentType{Name: name, Expected: "function", Found: args[i].TypeName()}
	}
	return args[i], nil
}

func (inst *Instance) capabilities() map[string]tengo.Object {
	return map[string]tengo.Object{
		"log":            userFunc("log", inst.logLine),
		"getState":       userFunc("getState", inst.getState),
		"setState":       userFunc("setState", inst.setState),
		"existsState":    userFunc("existsState", inst.existsState),
		"getIds":         userFunc("getIds", inst.getIDs),
		"on":             userFunc("on", inst.on),
		"unsubscribe":    userFunc("unsubscribe", inst.unsubscribe),
		"setTimeout":     userFunc("setTimeout", inst.setTimeout),
		"clearTimeout":   userFunc("clearTimeout", inst.clearTimer(inst.timers)),
		"setInterval":    userFunc("setInterval", inst.setInterval),
		"clearInterval":  userFunc("clearInterval", inst.clearTimer(inst.intervals)),
		"schedule":       userFunc("schedule", inst.schedule),
		"clearSchedule":  userFunc("clearSchedule", inst.clearJob(inst.schedules)),
		"scheduleWizard": userFunc("scheduleWizard", inst.scheduleWizard),
		"clearWizard":    userFunc("clearWizard", inst.clearJob(inst.wizards)),
		"onStop":         userFunc("onStop", inst.onStop),
		"onMessage":      userFunc("onMessage", inst.onMessage),
		"offMessage":     userFunc("offMessage", inst.offMessage),
		"sendTo":         userFunc("sendTo", inst.sendTo),
		"onLog":          userFunc("onLog", inst.onLog),
		"offLog":         userFunc("offLog", inst.offLog),
		"instanceId":     &tengo.String{Value: inst.ID},
		"scriptName":     &tengo.String{Value: inst.Name},
	}
}

// log(message, [severity])
func (inst *Instance) logLine(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 1, 2); err != nil {
		return nil, err
	}
	msg, _ := tengo.ToString(args[0])
	severity := "info"
	if len(args) == 2 {
		s, _ := tengo.ToString(args[1])
		norm, ok := normalizeSeverity(s)
		if !ok || norm == "*" {
			return nil, tengo.ErrInvalidArgumentType{Name: "severity", Expected: "debug|info|warn|error", Found: s}
		}
		severity = norm
	}

	level := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}[severity]
	inst.exec.log.ScriptOutput(level, msg, inst.ScriptID, inst.ID)

	entry := &tengo.ImmutableMap{Value: map[string]tengo.Object{
		"from":     &tengo.String{Value: inst.ScriptID},
		"severity": &tengo.String{Value: severity},
		"message":  &tengo.String{Value: msg},
		"ts":       &tengo.Int{Value: time.Now().UnixMilli()},
	}}
	for _, lh := range inst.exec.deps.Logs.listeners(inst, severity) {
		lh := lh
		inst.exec.deps.Loop.Post(func() { lh.inst.deferred("log", lh.fn, entry) })
	}
	return tengo.UndefinedValue, nil
}

func (inst *Instance) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(inst.ctx, storeTimeout)
}

// getState(id) returns {val, ack, ts, lc, from} or undefined.
func (inst *Instance) getState(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 1, 1); err != nil {
		return nil, err
	}
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	if st, ok := inst.exec.deps.Registry.CachedState(id); ok {
		return stateObject(st), nil
	}
	ctx, cancel := inst.storeContext()
	defer cancel()
	st, err := inst.exec.deps.Store.GetState(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return tengo.UndefinedValue, nil
	}
	if err != nil {
		return errorObject("getState %s: %v", id, err), nil
	}
	return stateObject(st), nil
}

// setState(id, val, [ack]) or setState(id, {val, ack, expire})
func (inst *Instance) setState(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 2, 3); err != nil {
		return nil, err
	}
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	st := &store.State{Ts: time.Now(), From: inst.ScriptID}
	if m, ok := mapValue(args[1]); ok && len(args) == 2 && m["val"] != nil {
		st.Val = tengo.ToInterface(m["val"])
		if ack, ok := m["ack"]; ok {
			st.Ack = !ack.IsFalsy()
		}
		if exp, ok := m["expire"]; ok {
			d, ok := millis(exp)
			if !ok {
				return nil, tengo.ErrInvalidArgumentType{Name: "expire", Expected: "int", Found: exp.TypeName()}
			}
			st.Expire = d
		}
	} else {
		st.Val = tengo.ToInterface(args[1])
		if len(args) == 3 {
			st.Ack = !args[2].IsFalsy()
		}
	}

	ctx, cancel := inst.storeContext()
	defer cancel()
	if err := inst.exec.deps.Store.SetState(ctx, id, st); err != nil {
		return errorObject("setState %s: %v", id, err), nil
	}
	if inst.Debug {
		inst.exec.log.Execution(slog.LevelDebug, "setState", inst.ScriptID,
			slog.String("id", id), slog.Any("val", st.Val), slog.Bool("ack", st.Ack))
	}
	return tengo.UndefinedValue, nil
}

func (inst *Instance) existsState(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 1, 1); err != nil {
		return nil, err
	}
	id, err := stringArg(args, 0, "id")
	if err != nil {
		return nil, err
	}
	if _, ok := inst.exec.deps.Registry.CachedState(id); ok {
		return tengo.TrueValue, nil
	}
	ctx, cancel := inst.storeContext()
	defer cancel()
	if _, err := inst.exec.deps.Store.GetState(ctx, id); err != nil {
		return tengo.FalseValue, nil
	}
	return tengo.TrueValue, nil
}

// getIds([pattern]) lists known state object ids in sorted order.
func (inst *Instance) getIDs(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 0, 1); err != nil {
		return nil, err
	}
	pattern := ""
	if len(args) == 1 {
		p, err := stringArg(args, 0, "pattern")
		if err != nil {
			return nil, err
		}
		pattern = p
	}
	ids := inst.exec.deps.Registry.KnownIDs(pattern)
	out := make([]tengo.Object, len(ids))
	for i, id := range ids {
		out[i] = &tengo.String{Value: id}
	}
	return &tengo.Array{Value: out}, nil
}

// on(pattern, callback) returns a subscription handle.
func (inst *Instance) on(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 2, 2); err != nil {
		return nil, err
	}
	pattern, err := patternFromObject(args[0])
	if err != nil {
		return errorObject("on: %v", err), nil
	}
	cb, err := callableArg(args, 1, "callback")
	if err != nil {
		return nil, err
	}

	h := inst.exec.deps.Registry.Subscribe(inst.ScriptID, pattern.Predicates(), pattern.Logic, pattern.UpstreamID(),
		func(ev *subscription.Event) error {
			_, err := inst.call("subscription", cb, eventObject(ev))
			return err
		})
	inst.subs[h] = struct{}{}
	if inst.Verbose {
		inst.exec.log.Execution(slog.LevelDebug, "Subscribed", inst.ScriptID,
			slog.String("upstream", pattern.UpstreamID()), slog.String("handle", string(h)))
	}
	return &tengo.String{Value: string(h)}, nil
}

func (inst *Instance) unsubscribe(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 1, 1); err != nil {
		return nil, err
	}
	s, err := stringArg(args, 0, "handle")
	if err != nil {
		return nil, err
	}
	h := subscription.Handle(s)
	if _, ok := inst.subs[h]; !ok {
		return tengo.FalseValue, nil
	}
	delete(inst.subs, h)
	if err := inst.exec.deps.Registry.Unsubscribe(h); err != nil {
		inst.reportError(err)
	}
	return tengo.TrueValue, nil
}

func (inst *Instance) timerArgs(args []tengo.Object) (tengo.Object, time.Duration, []tengo.Object, error) {
	if err := argRange(args, 1, -1); err != nil {
		return nil, 0, nil, err
	}
	cb, err := callableArg(args, 0, "callback")
	if err != nil {
		return nil, 0, nil, err
	}
	var d time.Duration
	if len(args) > 1 {
		var ok bool
		if d, ok = millis(args[1]); !ok {
			return nil, 0, nil, tengo.ErrInvalidArgumentType{Name: "ms", Expected: "int", Found: args[1].TypeName()}
		}
	}
	var extra []tengo.Object
	if len(args) > 2 {
		extra = args[2:]
	}
	return cb, d, extra, nil
}

// setTimeout(callback, ms, args...)
func (inst *Instance) setTimeout(args ...tengo.Object) (tengo.Object, error) {
	cb, d, extra, err := inst.timerArgs(args)
	if err != nil {
		return nil, err
	}
	id := inst.id()
	inst.timers[id] = inst.exec.deps.Loop.AfterFunc(d, func() {
		if _, ok := inst.timers[id]; !ok {
			return
		}
		delete(inst.timers, id)
		inst.deferred("timeout", cb, extra...)
	})
	return &tengo.Int{Value: id}, nil
}

// setInterval(callback, ms, args...)
func (inst *Instance) setInterval(args ...tengo.Object) (tengo.Object, error) {
	cb, d, extra, err := inst.timerArgs(args)
	if err != nil {
		return nil, err
	}
	id := inst.id()
	inst.intervals[id] = inst.exec.deps.Loop.Every(d, func() {
		if _, ok := inst.intervals[id]; !ok {
			return
		}
		inst.deferred("interval", cb, extra...)
	})
	return &tengo.Int{Value: id}, nil
}

func (inst *Instance) clearTimer(owned map[int64]*eventloop.Timer) tengo.CallableFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		if err := argRange(args, 1, 1); err != nil {
			return nil, err
		}
		id, ok := tengo.ToInt64(args[0])
		if !ok {
			return tengo.FalseValue, nil
		}
		t, ok := owned[id]
		if !ok {
			return tengo.FalseValue, nil
		}
		t.Stop()
		delete(owned, id)
		return tengo.TrueValue, nil
	}
}

func (inst *Instance) addJob(owned map[int64]schedule.JobID, phase, spec string, cb tengo.Object) (tengo.Object, error) {
	id := inst.id()
	loop := inst.exec.deps.Loop
	job, err := inst.exec.deps.Scheduler.Schedule(spec, func() {
		loop.Post(func() {
			if _, ok := owned[id]; ok {
				inst.deferred(phase, cb)
			}
		})
	})
	if err != nil {
		return errorObject("%s: %v", phase, err), nil
	}
	owned[id] = job
	return &tengo.Int{Value: id}, nil
}

// schedule(spec, callback) takes a cron spec with optional seconds.
func (inst *Instance) schedule(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 2, 2); err != nil {
		return nil, err
	}
	spec, err := stringArg(args, 0, "spec")
	if err != nil {
		return nil, err
	}
	cb, err := callableArg(args, 1, "callback")
	if err != nil {
		return nil, err
	}
	return inst.addJob(inst.schedules, "schedule", spec, cb)
}

// scheduleWizard({hour, minute, second, weekdays}, callback)
func (inst *Instance) scheduleWizard(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 2, 2); err != nil {
		return nil, err
	}
	w, err := wizardFromObject(args[0])
	if err != nil {
		return errorObject("scheduleWizard: %v", err), nil
	}
	spec, err := w.Spec()
	if err != nil {
		return errorObject("scheduleWizard: %v", err), nil
	}
	cb, err := callableArg(args, 1, "callback")
	if err != nil {
		return nil, err
	}
	return inst.addJob(inst.wizards, "wizard", spec, cb)
}

func (inst *Instance) clearJob(owned map[int64]schedule.JobID) tengo.CallableFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		if err := argRange(args, 1, 1); err != nil {
			return nil, err
		}
		id, ok := tengo.ToInt64(args[0])
		if !ok {
			return tengo.FalseValue, nil
		}
		job, ok := owned[id]
		if !ok {
			return tengo.FalseValue, nil
		}
		delete(owned, id)
		if err := inst.exec.deps.Scheduler.Cancel(job); err != nil {
			inst.reportError(&script.ScheduleCancelError{ScriptID: inst.ScriptID, Kind: "job", Cause: err})
		}
		return tengo.TrueValue, nil
	}
}

// onStop(callback, [timeoutMs])
func (inst *Instance) onStop(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 1, 2); err != nil {
		return nil, err
	}
	cb, err := callableArg(args, 0, "callback")
	if err != nil {
		return nil, err
	}
	inst.stopHandler = cb
	if len(args) == 2 {
		d, ok := millis(args[1])
		if !ok {
			return nil, tengo.ErrInvalidArgumentType{Name: "timeout", Expected: "int", Found: args[1].TypeName()}
		}
		inst.stopTimeout = d
	}
	return tengo.UndefinedValue, nil
}

// onMessage(message, callback) returns a handler id.
func (inst *Instance) onMessage(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 2, 2); err != nil {
		return nil, err
	}
	message, err := stringArg(args, 0, "message")
	if err != nil {
		return nil, err
	}
	cb, err := callableArg(args, 1, "callback")
	if err != nil {
		return nil, err
	}
	return &tengo.String{Value: inst.exec.deps.Bus.add(inst, message, cb)}, nil
}

func (inst *Instance) offMessage(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 1, 1); err != nil {
		return nil, err
	}
	id, _ := tengo.ToString(args[0])
	if inst.exec.deps.Bus.remove(inst, id) {
		return tengo.TrueValue, nil
	}
	return tengo.FalseValue, nil
}

// sendTo(target, message, payload, [callback]) returns the number of
// handlers the message will reach. Delivery happens on a later loop turn.
func (inst *Instance) sendTo(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 2, 4); err != nil {
		return nil, err
	}
	target, err := stringArg(args, 0, "target")
	if err != nil {
		return nil, err
	}
	message, err := stringArg(args, 1, "message")
	if err != nil {
		return nil, err
	}
	var payload any
	if len(args) > 2 {
		payload = tengo.ToInterface(args[2])
	}
	var reply Reply
	loop := inst.exec.deps.Loop
	if len(args) == 4 {
		cb, err := callableArg(args, 3, "callback")
		if err != nil {
			return nil, err
		}
		reply = func(result any) {
			obj, err := tengo.FromInterface(result)
			if err != nil {
				obj = tengo.UndefinedValue
			}
			loop.Post(func() { inst.deferred("reply", cb, obj) })
		}
	}

	bus := inst.exec.deps.Bus
	n := bus.Match(target, message)
	loop.Post(func() { bus.Deliver(target, message, payload, reply) })
	return &tengo.Int{Value: int64(n)}, nil
}

// onLog(severity, callback) returns a handler id. "*" receives every line.
func (inst *Instance) onLog(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 2, 2); err != nil {
		return nil, err
	}
	s, err := stringArg(args, 0, "severity")
	if err != nil {
		return nil, err
	}
	severity, ok := normalizeSeverity(s)
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "severity", Expected: "*|debug|info|warn|error", Found: s}
	}
	cb, err := callableArg(args, 1, "callback")
	if err != nil {
		return nil, err
	}
	return &tengo.String{Value: inst.exec.deps.Logs.add(inst, severity, cb)}, nil
}

func (inst *Instance) offLog(args ...tengo.Object) (tengo.Object, error) {
	if err := argRange(args, 1, 1); err != nil {
		return nil, err
	}
	id, _ := tengo.ToString(args[0])
	if inst.exec.deps.Logs.remove(inst, id) {
		return tengo.TrueValue, nil
	}
	return tengo.FalseValue, nil
}
