// Package schedule runs calendar-style jobs for scripts.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

// JobID identifies a scheduled job.
type JobID int

// ErrUnknownJob is returned when cancelling a job that does not exist.
var ErrUnknownJob = errors.New("unknown job")

// Scheduler is the opaque schedule/cancel service scripts use. Job
// functions run on the scheduler's own goroutines; callers hand them
// over to the engine loop themselves.
type Scheduler interface {
	Schedule(spec string, fn func()) (JobID, error)
	Cancel(id JobID) error
}

// Cron is a Scheduler backed by robfig/cron. Specs have five fields or six
// with leading seconds, and descriptors like @hourly are accepted.
type Cron struct {
	mu      sync.Mutex
	cron    *cron.Cron
	parser  cron.Parser
	entries map[JobID]cron.EntryID
	next    JobID
	logger  *slog.Logger
}

// NewCron creates a stopped scheduler. Call Start to begin firing jobs.
func NewCron(logger *slog.Logger) *Cron {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Cron{
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DiscardLogger))),
		parser:  parser,
		entries: make(map[JobID]cron.EntryID),
		logger:  logger.With("component", "scheduler"),
	}
}

// Validate reports whether spec can be scheduled.
func (c *Cron) Validate(spec string) error {
	_, err := c.parser.Parse(spec)
	return err
}

// Schedule registers fn to run on the cron spec.
func (c *Cron) Schedule(spec string, fn func()) (JobID, error) {
	entry, err := c.cron.AddFunc(spec, fn)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.entries[c.next] = entry
	c.logger.Debug("Job scheduled", "job", c.next, "spec", spec)
	return c.next, nil
}

// Cancel removes a job. Unknown ids return ErrUnknownJob.
func (c *Cron) Cancel(id JobID) error {
	c.mu.Lock()
	entry, ok := c.entries[id]
	delete(c.entries, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel job %d: %w", id, ErrUnknownJob)
	}
	c.cron.Remove(entry)
	return nil
}

// Len returns the number of scheduled jobs.
func (c *Cron) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Start begins firing jobs in the background.
func (c *Cron) Start() {
	c.cron.Start()
}

// Stop halts the scheduler and waits for running jobs until ctx is done.
func (c *Cron) Stop(ctx context.Context) {
	done := c.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Wizard is the structured form of a daily or weekly job.
type Wizard struct {
	Hour     int
	Minute   int
	Second   int
	Weekdays []int // 0 is Sunday, empty means every day
}

// Spec renders the wizard as a six-field cron spec.
func (w Wizard) Spec() (string, error) {
	if w.Hour < 0 || w.Hour > 23 {
		return "", fmt.Errorf("hour %d out of range", w.Hour)
	}
	if w.Minute < 0 || w.Minute > 59 {
		return "", fmt.Errorf("minute %d out of range", w.Minute)
	}
	if w.Second < 0 || w.Second > 59 {
		return "", fmt.Errorf("second %d out of range", w.Second)
	}
	dow := "*"
	if len(w.Weekdays) > 0 {
		days := make([]string, len(w.Weekdays))
		for i, d := range w.Weekdays {
			if d < 0 || d > 6 {
				return "", fmt.Errorf("weekday %d out of range", d)
			}
			days[i] = fmt.Sprint(d)
		}
		dow = strings.Join(days, ",")
	}
	return fmt.Sprintf("%d %d %d * * %s", w.Second, w.Minute, w.Hour, dow), nil
}
