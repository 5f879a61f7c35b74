// Package jobs runs the periodic schedule work: materialising upcoming
// doses and refreshing each user's pending count.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "medsched/internal/log"
	"medsched/internal/schedule"
)

const jobTimeout = 2 * time.Minute

// Scheduler is the part of schedule.Service the runner drives.
type Scheduler interface {
	Materialize(ctx context.Context, userID string) (schedule.MaterializeResult, error)
	Pending(ctx context.Context, userID string) (int, error)
}

// Config holds runner configuration.
type Config struct {
	// MaterializeSpec and RefreshSpec are standard cron expressions
	// (descriptors such as "@every 1m" are accepted).
	MaterializeSpec string
	RefreshSpec     string
	Users           []string
	Location        *time.Location

	// OnPending, if set, is called after each refresh with the user and
	// their current pending count.
	OnPending func(userID string, pending int)
}

// Runner manages scheduled job execution.
type Runner struct {
	config Config
	sched  Scheduler
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	running bool
	pending map[string]int
}

// NewRunner validates the cron specs and registers both jobs. Nothing runs
// until Start.
func NewRunner(config Config, sched Scheduler) (*Runner, error) {
	if sched == nil {
		return nil, errors.New("jobs: nil scheduler")
	}
	if config.Location == nil {
		config.Location = time.Local
	}

	r := &Runner{
		config:  config,
		sched:   sched,
		cron:    cron.New(cron.WithLocation(config.Location)),
		ctx:     context.Background(),
		pending: make(map[string]int),
	}

	if _, err := r.cron.AddFunc(config.MaterializeSpec, r.MaterializeAll); err != nil {
		return nil, fmt.Errorf("jobs: materialize spec %q: %w", config.MaterializeSpec, err)
	}
	if _, err := r.cron.AddFunc(config.RefreshSpec, r.RefreshAll); err != nil {
		return nil, fmt.Errorf("jobs: refresh spec %q: %w", config.RefreshSpec, err)
	}
	return r, nil
}

// Start runs one full cycle immediately and then hands over to cron. A
// stopped runner can be started again.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("jobs: runner already running")
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true
	r.mu.Unlock()

	r.RunOnce()
	r.cron.Start()
	appLog.Info("job runner started",
		"materialize", r.config.MaterializeSpec,
		"refresh", r.config.RefreshSpec,
		"users", len(r.config.Users),
	)
	return nil
}

// Stop cancels in-flight jobs and waits for them to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	<-r.cron.Stop().Done()
	appLog.Info("job runner stopped")
}

func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// jobContext is cancelled by Stop. Before the first Start it never is, so
// RunOnce works on a runner that was never started.
func (r *Runner) jobContext() context.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ctx
}

// RunOnce materialises and refreshes every configured user synchronously.
func (r *Runner) RunOnce() {
	r.MaterializeAll()
	r.RefreshAll()
}

// MaterializeAll runs one materialisation pass per user. A failing user is
// logged and does not stop the others.
func (r *Runner) MaterializeAll() {
	parent := r.jobContext()
	for _, user := range r.config.Users {
		if parent.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(parent, jobTimeout)
		_, err := r.sched.Materialize(ctx, user)
		cancel()
		if err != nil {
			appLog.Error("materialize failed", err, "user", user)
		}
	}
}

// RefreshAll recomputes the pending count of every user.
func (r *Runner) RefreshAll() {
	parent := r.jobContext()
	for _, user := range r.config.Users {
		if parent.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(parent, jobTimeout)
		n, err := r.sched.Pending(ctx, user)
		cancel()
		if err != nil {
			appLog.Error("pending refresh failed", err, "user", user)
			continue
		}

		r.mu.Lock()
		prev, seen := r.pending[user]
		r.pending[user] = n
		r.mu.Unlock()

		if !seen || prev != n {
			appLog.Info("pending doses changed", "user", user, "pending", n)
		}
		if r.config.OnPending != nil {
			r.config.OnPending(user, n)
		}
	}
}

// PendingCounts returns the counts from the latest refresh.
func (r *Runner) PendingCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.pending)
}
