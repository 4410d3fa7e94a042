package sandbox

import (
	"strings"
	"sync"

	"github.com/d5/tengo/v2"
	"github.com/google/uuid"
)

var severities = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

type logHandler struct {
	id       string
	inst     *Instance
	severity string
	fn       tengo.Object
}

// LogHub fans script log lines out to onLog handlers of other scripts.
type LogHub struct {
	mu       sync.Mutex
	handlers map[string]*logHandler
}

// NewLogHub creates an empty hub.
func NewLogHub() *LogHub {
	return &LogHub{handlers: make(map[string]*logHandler)}
}

// normalizeSeverity maps aliases onto debug, info, warn and error. "*"
// stays as is and means every severity.
func normalizeSeverity(s string) (string, bool) {
	s = strings.ToLower(s)
	switch s {
	case "*", "":
		return "*", true
	case "warning":
		return "warn", true
	case "silly":
		return "debug", true
	}
	return s, severities[s]
}

func (h *LogHub) add(inst *Instance, severity string, fn tengo.Object) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	lh := &logHandler{id: uuid.NewString(), inst: inst, severity: severity, fn: fn}
	h.handlers[lh.id] = lh
	return lh.id
}

func (h *LogHub) remove(inst *Instance, id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	lh, ok := h.handlers[id]
	if !ok || lh.inst != inst {
		return false
	}
	delete(h.handlers, id)
	return true
}

// RemoveOwner drops every handler of an instance.
func (h *LogHub) RemoveOwner(instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, lh := range h.handlers {
		if lh.inst.ID == instanceID {
			delete(h.handlers, id)
		}
	}
}

// Count returns how many handlers an instance has registered.
func (h *LogHub) Count(instanceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, lh := range h.handlers {
		if lh.inst.ID == instanceID {
			n++
		}
	}
	return n
}

// listeners returns the handlers interested in a line, excluding the
// emitting instance so a handler that logs cannot feed itself.
func (h *LogHub) listeners(from *Instance, severity string) []*logHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*logHandler
	for _, lh := range h.handlers {
		if lh.inst == from {
			continue
		}
		if lh.severity == "*" || lh.severity == severity {
			out = append(out, lh)
		}
	}
	return out
}
