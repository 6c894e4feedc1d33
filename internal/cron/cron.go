// Package cron drives the scheduler loop: a fixed set of controllers that are
// started once and then ticked on a constant interval.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/loykin/barnr/internal/metrics"
)

var (
	ErrTickInProgress = errors.New("tick already in progress")
	ErrStarted        = errors.New("loop already started")
)

// Controller is a component driven by the loop.
type Controller interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnTick(ctx context.Context) error
}

// Options tune a Loop.
type Options struct {
	// OnError is called with every controller error raised by a tick.
	OnError func(controller string, err error)
}

// Loop ticks its controllers every interval. A tick that fires while the
// previous one is still running is skipped.
type Loop struct {
	interval time.Duration
	opts     Options

	mu          sync.Mutex
	controllers []Controller
	sched       *rcron.Cron
	cancel      context.CancelFunc
	ctx         context.Context
	started     bool

	running atomic.Bool
}

// New returns a loop ticking every interval. interval <= 0 never ticks on its
// own; TickNow still works.
func New(interval time.Duration, opts Options) *Loop {
	return &Loop{interval: interval, opts: opts}
}

// ParseInterval accepts a Go duration or the form "@every <duration>".
func ParseInterval(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "@every ") {
		expr = strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	} else if strings.HasPrefix(expr, "@") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	d, err := time.ParseDuration(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// Every renders d as a robfig/cron schedule.
func Every(d time.Duration) string { return "@every " + d.String() }

// Register adds controllers. Registration order is start and tick order.
func (l *Loop) Register(cs ...Controller) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.controllers = append(l.controllers, cs...)
}

// Controllers returns the names of the registered controllers in order.
func (l *Loop) Controllers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.controllers))
	for _, c := range l.controllers {
		names = append(names, c.Name())
	}
	return names
}

func (l *Loop) snapshot() []Controller {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Controller(nil), l.controllers...)
}

// Start starts every controller and then the ticker. If a controller fails to
// start, the ones already started are stopped again.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrStarted
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	for i, c := range l.controllers {
		if err := c.Start(runCtx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = l.controllers[j].Stop(ctx)
			}
			cancel()
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		slog.Debug("Controller started", "controller", c.Name())
	}
	if l.interval > 0 {
		sched := rcron.New()
		if _, err := sched.AddFunc(Every(l.interval), l.fire); err != nil {
			cancel()
			return fmt.Errorf("schedule loop: %w", err)
		}
		sched.Start()
		l.sched = sched
	}
	l.ctx, l.cancel, l.started = runCtx, cancel, true
	slog.Info("Scheduler loop started", "interval", l.interval, "controllers", len(l.controllers))
	return nil
}

func (l *Loop) fire() {
	l.mu.Lock()
	ctx := l.ctx
	l.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := l.TickNow(ctx); errors.Is(err, ErrTickInProgress) {
		slog.Warn("Skipping tick, previous tick still running")
	}
}

// TickNow runs one tick synchronously. Every controller is ticked even when
// an earlier one fails; the errors are joined.
func (l *Loop) TickNow(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		metrics.IncTickSkipped()
		return ErrTickInProgress
	}
	defer l.running.Store(false)
	metrics.IncTick()

	var errs []error
	for _, c := range l.snapshot() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := c.OnTick(ctx); err != nil {
			slog.Error("Controller tick failed", "controller", c.Name(), "error", err)
			if l.opts.OnError != nil {
				l.opts.OnError(c.Name(), err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Stop halts the ticker, waits for a running tick up to ctx, and stops the
// controllers in reverse order.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	sched, cancel := l.sched, l.cancel
	l.sched, l.started = nil, false
	controllers := append([]Controller(nil), l.controllers...)
	l.mu.Unlock()

	if sched != nil {
		select {
		case <-sched.Stop().Done():
		case <-ctx.Done():
		}
	}
	cancel()

	var errs []error
	for i := len(controllers) - 1; i >= 0; i-- {
		if err := controllers[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", controllers[i].Name(), err))
		}
	}
	slog.Info("Scheduler loop stopped")
	return errors.Join(errs...)
}
