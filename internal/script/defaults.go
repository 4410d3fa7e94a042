package script

import "time"

// Limits bound what a single script may do.
type Limits struct {
	// MaxAllocs caps VM object allocations per run, -1 disables the cap.
	MaxAllocs int64
	// HandlerTimeout aborts a single top-level pass or handler call.
	HandlerTimeout time.Duration
	// StopTimeout is how long a user stop handler may take before teardown is forced.
	StopTimeout time.Duration
	// AllowedModules lists the tengo stdlib modules scripts may import.
	AllowedModules []string
}

// DefaultLimits provides safe default constraints for script execution
var DefaultLimits = Limits{
	MaxAllocs:      5_000_000,
	HandlerTimeout: 5 * time.Second,
	StopTimeout:    1000 * time.Millisecond,
	AllowedModules: []string{
		"fmt",
		"text",
		"math",
		"rand",
		"times",
		"json",
		"enum",
	},
}

// GetDefaultLimits returns a copy of the default limits
func GetDefaultLimits() Limits {
	limits := DefaultLimits
	limits.AllowedModules = make([]string, len(DefaultLimits.AllowedModules))
	copy(limits.AllowedModules, DefaultLimits.AllowedModules)
	return limits
}
