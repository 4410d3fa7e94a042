package script

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrorReporter counts script errors per script and type and derives how
// serious each one is. It is safe for concurrent use.
type ErrorReporter struct {
	mu             sync.Mutex
	errorCounts    map[string]int
	lastErrors     map[string]*ScriptError
	recoveryPolicy RecoveryPolicy
	logger         *slog.Logger
}

// RecoveryPolicy defines how the engine treats repeated errors
type RecoveryPolicy struct {
	// RepeatThreshold is how many errors of one type for one script are
	// reported before the script is flagged as repeatedly failing.
	RepeatThreshold int
}

// ErrorSummary provides aggregated error information
type ErrorSummary struct {
	TotalErrors     int               `json:"total_errors"`
	ErrorsByType    map[ErrorType]int `json:"errors_by_type"`
	ErrorsByScript  map[string]int    `json:"errors_by_script"`
	MostCommonError *ScriptError      `json:"-"`
	LastErrorTime   time.Time         `json:"last_error_time"`
}

// ErrorReport contains the reporter's view of one error occurrence
type ErrorReport struct {
	Error           *ScriptError
	Severity        ErrorSeverity
	Recoverable     bool
	SuggestedAction string
	Occurrences     int
	Repeated        bool
}

// ErrorSeverity categorizes the impact of errors
type ErrorSeverity string

const (
	SeverityHigh   ErrorSeverity = "high"   // script cannot run
	SeverityMedium ErrorSeverity = "medium" // script runs degraded
	SeverityLow    ErrorSeverity = "low"    // cleanup noise
)

// NewErrorReporter creates a new error reporter with default recovery policy
func NewErrorReporter(logger *slog.Logger) *ErrorReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorReporter{
		errorCounts:    make(map[string]int),
		lastErrors:     make(map[string]*ScriptError),
		recoveryPolicy: RecoveryPolicy{RepeatThreshold: 5},
		logger:         logger.With("component", "error_reporter"),
	}
}

func errorKey(err *ScriptError) string {
	return err.ScriptID + "|" + string(err.Type)
}

// Report classifies err against scriptID, records it and logs it at a level
// derived from its severity.
func (er *ErrorReporter) Report(scriptID string, err error) *ErrorReport {
	se := Classify(scriptID, err)
	if se == nil {
		return nil
	}
	if se.ScriptID == "" {
		se.ScriptID = scriptID
	}

	key := errorKey(se)
	er.mu.Lock()
	er.errorCounts[key]++
	er.lastErrors[key] = se
	count := er.errorCounts[key]
	er.mu.Unlock()

	report := &ErrorReport{
		Error:           se,
		Severity:        er.determineSeverity(se),
		Recoverable:     er.isRecoverable(se),
		SuggestedAction: er.suggestAction(se),
		Occurrences:     count,
		Repeated:        count >= er.recoveryPolicy.RepeatThreshold,
	}
	er.logError(report)
	return report
}

func (er *ErrorReporter) determineSeverity(err *ScriptError) ErrorSeverity {
	switch err.Type {
	case ErrorTypeCompilation, ErrorTypeLibraryInstall:
		return SeverityHigh
	case ErrorTypeRuntime, ErrorTypeCallbackDispatch, ErrorTypeTimeout:
		return SeverityMedium
	case ErrorTypeUpstreamUnsubscribe, ErrorTypeScheduleCancel, ErrorTypeNotFound:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// isRecoverable reports whether the engine keeps going without operator action
func (er *ErrorReporter) isRecoverable(err *ScriptError) bool {
	switch err.Type {
	case ErrorTypeCompilation:
		return false // needs a source change
	case ErrorTypeRuntime:
		return false // top-level failures leave the script stopped
	default:
		return true
	}
}

func (er *ErrorReporter) suggestAction(err *ScriptError) string {
	switch err.Type {
	case ErrorTypeCompilation:
		return "Fix the reported diagnostics and save the script again."
	case ErrorTypeRuntime:
		return "Check the script logic at the reported line."
	case ErrorTypeTimeout:
		return "Look for long running loops in the script handler."
	case ErrorTypeCallbackDispatch:
		return "Check the subscription callback for errors on unexpected values."
	case ErrorTypeLibraryInstall:
		return "Verify the library object exists and its source compiles."
	case ErrorTypeUpstreamUnsubscribe, ErrorTypeScheduleCancel:
		return "No action needed unless the message repeats."
	default:
		return "Review error details and script implementation."
	}
}

func (er *ErrorReporter) logError(report *ErrorReport) {
	fields := []any{
		"script", report.Error.ScriptID,
		"error_type", report.Error.Type,
		"severity", report.Severity,
		"recoverable", report.Recoverable,
		"occurrences", report.Occurrences,
		"error_message", report.Error.Message,
	}
	if report.Error.Cause != nil {
		fields = append(fields, "underlying_error", report.Error.Cause.Error())
	}
	if report.Repeated {
		fields = append(fields, "suggestion", report.SuggestedAction)
	}

	switch report.Severity {
	case SeverityHigh:
		er.logger.Error("Script error", fields...)
	case SeverityMedium:
		er.logger.Warn("Script error", fields...)
	default:
		er.logger.Info("Script cleanup error", fields...)
	}
}

// GetErrorSummary returns aggregated error statistics
func (er *ErrorReporter) GetErrorSummary() *ErrorSummary {
	er.mu.Lock()
	defer er.mu.Unlock()

	summary := &ErrorSummary{
		ErrorsByType:   make(map[ErrorType]int),
		ErrorsByScript: make(map[string]int),
	}

	keys := make([]string, 0, len(er.errorCounts))
	for k := range er.errorCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mostCommonCount int
	for _, key := range keys {
		count := er.errorCounts[key]
		summary.TotalErrors += count

		scriptID, errType, ok := strings.Cut(key, "|")
		if ok {
			summary.ErrorsByType[ErrorType(errType)] += count
			summary.ErrorsByScript[scriptID] += count
		}

		last := er.lastErrors[key]
		if count > mostCommonCount {
			mostCommonCount = count
			summary.MostCommonError = last
		}
		if last != nil && last.Timestamp.After(summary.LastErrorTime) {
			summary.LastErrorTime = last.Timestamp
		}
	}
	return summary
}

// Forget clears the error history of one script, e.g. after its source changed.
func (er *ErrorReporter) Forget(scriptID string) {
	er.mu.Lock()
	defer er.mu.Unlock()
	prefix := scriptID + "|"
	for key := range er.errorCounts {
		if strings.HasPrefix(key, prefix) {
			delete(er.errorCounts, key)
			delete(er.lastErrors, key)
		}
	}
}

// ClearErrorHistory clears error tracking history
func (er *ErrorReporter) ClearErrorHistory() {
	er.mu.Lock()
	er.errorCounts = make(map[string]int)
	er.lastErrors = make(map[string]*ScriptError)
	er.mu.Unlock()
	er.logger.Info("Error history cleared")
}

// SetRecoveryPolicy updates the error recovery policy
func (er *ErrorReporter) SetRecoveryPolicy(policy RecoveryPolicy) {
	if policy.RepeatThreshold <= 0 {
		policy.RepeatThreshold = 1
	}
	er.recoveryPolicy = policy
	er.logger.Info(fmt.Sprintf("Error recovery policy updated, repeat threshold %d", policy.RepeatThreshold))
}
