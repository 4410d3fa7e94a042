package script

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType categorizes different types of script errors
type ErrorType string

const (
	ErrorTypeCompilation         ErrorType = "compilation"
	ErrorTypeRuntime             ErrorType = "runtime"
	ErrorTypeTimeout             ErrorType = "timeout"
	ErrorTypeUpstreamUnsubscribe ErrorType = "upstream_unsubscribe"
	ErrorTypeScheduleCancel      ErrorType = "schedule_cancel"
	ErrorTypeCallbackDispatch    ErrorType = "callback_dispatch"
	ErrorTypeLibraryInstall      ErrorType = "library_install"
	ErrorTypeNotFound            ErrorType = "not_found"
)

// ScriptError represents script-related errors with context
type ScriptError struct {
	Type      ErrorType
	ScriptID  string
	Message   string
	Cause     error
	Timestamp time.Time
}

func (e *ScriptError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ScriptError) Unwrap() error {
	return e.Cause
}

// NewScriptError creates a new ScriptError with the given parameters
func NewScriptError(errorType ErrorType, scriptID, message string, cause error) *ScriptError {
	return &ScriptError{
		Type:      errorType,
		ScriptID:  scriptID,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// CompileError is returned when a script cannot be compiled. It blocks
// execution of that script only.
type CompileError struct {
	ScriptID    string
	Filename    string
	Diagnostics []Diagnostic
}

func (e *CompileError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compile %s failed", e.Filename)
	for i, d := range e.Diagnostics {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(d.String())
	}
	return b.String()
}

// RuntimeError is raised by script code, either during the top-level pass or
// inside a deferred handler. Trace lines are already rewritten to the
// author's own file and line numbers.
type RuntimeError struct {
	ScriptID string
	Phase    string // "start", "timer", "subscription", ...
	Message  string
	Trace    []string
}

func (e *RuntimeError) Error() string {
	if len(e.Trace) == 0 {
		return fmt.Sprintf("%s: %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("%s: %s\n\tat %s", e.Phase, e.Message, strings.Join(e.Trace, "\n\tat "))
}

// UpstreamUnsubscribeError reports a failed upstream unsubscribe while a
// subscription is torn down. The stop sequence continues.
type UpstreamUnsubscribeError struct {
	UpstreamID string
	Cause      error
}

func (e *UpstreamUnsubscribeError) Error() string {
	return fmt.Sprintf("unsubscribe upstream %s: %v", e.UpstreamID, e.Cause)
}

func (e *UpstreamUnsubscribeError) Unwrap() error { return e.Cause }

// ScheduleCancelError reports a scheduled job that could not be cancelled.
type ScheduleCancelError struct {
	ScriptID string
	Kind     string // "schedule" or "wizard"
	Cause    error
}

func (e *ScheduleCancelError) Error() string {
	return fmt.Sprintf("cancel %s job of %s: %v", e.Kind, e.ScriptID, e.Cause)
}

func (e *ScheduleCancelError) Unwrap() error { return e.Cause }

// CallbackDispatchError wraps a failure raised by a subscription callback.
type CallbackDispatchError struct {
	ScriptID       string
	SubscriptionID string
	EventID        string
	Cause          error
}

func (e *CallbackDispatchError) Error() string {
	return fmt.Sprintf("subscription %s of %s failed on %s: %v", e.SubscriptionID, e.ScriptID, e.EventID, e.Cause)
}

func (e *CallbackDispatchError) Unwrap() error { return e.Cause }

// LibraryInstallError is the permanent failure of an optional library after
// all install attempts are exhausted.
type LibraryInstallError struct {
	Library  string
	Attempts int
	Cause    error
}

func (e *LibraryInstallError) Error() string {
	return fmt.Sprintf("install library %s failed after %d attempts: %v", e.Library, e.Attempts, e.Cause)
}

func (e *LibraryInstallError) Unwrap() error { return e.Cause }

// Classify converts any of the typed errors above into a ScriptError so it can
// be reported and counted uniformly.
func Classify(scriptID string, err error) *ScriptError {
	if err == nil {
		return nil
	}

	var se *ScriptError
	if errors.As(err, &se) {
		return se
	}

	var (
		compileErr  *CompileError
		runtimeErr  *RuntimeError
		upstreamErr *UpstreamUnsubscribeError
		cancelErr   *ScheduleCancelError
		dispatchErr *CallbackDispatchError
		libErr      *LibraryInstallError
	)
	switch {
	case errors.As(err, &compileErr):
		return NewScriptError(ErrorTypeCompilation, compileErr.ScriptID, "script failed to compile", err)
	case errors.As(err, &runtimeErr):
		return NewScriptError(ErrorTypeRuntime, runtimeErr.ScriptID, "script raised an error", err)
	case errors.As(err, &upstreamErr):
		return NewScriptError(ErrorTypeUpstreamUnsubscribe, scriptID, "upstream unsubscribe failed", err)
	case errors.As(err, &cancelErr):
		return NewScriptError(ErrorTypeScheduleCancel, cancelErr.ScriptID, "scheduled job cancel failed", err)
	case errors.As(err, &dispatchErr):
		return NewScriptError(ErrorTypeCallbackDispatch, dispatchErr.ScriptID, "subscription callback failed", err)
	case errors.As(err, &libErr):
		return NewScriptError(ErrorTypeLibraryInstall, scriptID, "optional library unavailable", err)
	case errors.Is(err, ErrTimeout):
		return NewScriptError(ErrorTypeTimeout, scriptID, "script exceeded its time limit", err)
	}
	return NewScriptError(ErrorTypeRuntime, scriptID, "script error", err)
}

// ErrTimeout is returned when a script handler exceeds its execution budget.
var ErrTimeout = errors.New("script execution timed out")
