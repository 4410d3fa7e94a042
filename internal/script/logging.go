package script

import (
	"context"
	"log/slog"
)

// ScriptLogger provides centralized logging for the script engine
type ScriptLogger struct {
	logger     *slog.Logger
	baseFields []slog.Attr
}

// NewScriptLogger creates a new script logger with base fields
func NewScriptLogger(logger *slog.Logger) *ScriptLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptLogger{
		logger: logger,
		baseFields: []slog.Attr{
			slog.String("component", "script_engine"),
		},
	}
}

func (sl *ScriptLogger) log(level slog.Level, message, eventType, scriptID string, additional []slog.Attr) {
	fields := make([]slog.Attr, 0, len(sl.baseFields)+2+len(additional))
	fields = append(fields, sl.baseFields...)
	if scriptID != "" {
		fields = append(fields, slog.String("script", scriptID))
	}
	fields = append(fields, slog.String("event_type", eventType))
	fields = append(fields, additional...)

	sl.logger.LogAttrs(context.Background(), level, message, fields...)
}

// Execution logs script execution events with consistent structure
func (sl *ScriptLogger) Execution(level slog.Level, message, scriptID string, additional ...slog.Attr) {
	sl.log(level, message, "script_execution", scriptID, additional)
}

// Lifecycle logs state machine transitions (compiling, running, stopping, ...)
func (sl *ScriptLogger) Lifecycle(level slog.Level, message, scriptID string, additional ...slog.Attr) {
	sl.log(level, message, "script_lifecycle", scriptID, additional)
}

// System logs engine-wide events
func (sl *ScriptLogger) System(level slog.Level, message string, additional ...slog.Attr) {
	sl.log(level, message, "script_system", "", additional)
}

// ScriptOutput logs a line written by script code through the log capability.
func (sl *ScriptLogger) ScriptOutput(level slog.Level, message, scriptID, instanceID string) {
	sl.log(level, message, "script_output", scriptID, []slog.Attr{slog.String("instance", instanceID)})
}

// Error logs a script error with its type and cause
func (sl *ScriptLogger) Error(err *ScriptError, additional ...slog.Attr) {
	fields := []slog.Attr{
		slog.String("error_type", string(err.Type)),
		slog.String("error_message", err.Message),
		slog.Time("error_timestamp", err.Timestamp),
	}
	if err.Cause != nil {
		fields = append(fields, slog.String("cause", err.Cause.Error()))
	}
	fields = append(fields, additional...)
	sl.log(slog.LevelError, "Script error", "script_error", err.ScriptID, fields)
}

// HotReload logs script directory import events
func (sl *ScriptLogger) HotReload(action, scriptID, filePath string, err error) {
	fields := []slog.Attr{
		slog.String("file_path", filePath),
		slog.String("action", action),
		slog.Bool("success", err == nil),
	}
	level := slog.LevelInfo
	if err != nil {
		fields = append(fields, slog.String("error", err.Error()))
		level = slog.LevelError
	}
	sl.log(level, "Script import "+action, "hot_reload", scriptID, fields)
}
