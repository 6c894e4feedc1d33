package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loykin/barnr/internal/record"
	"github.com/loykin/barnr/internal/store"
)

// StateKey is the state store key of the scheduler counters.
const StateKey = "backup.scheduler"

// ErrStatePersist is returned by Tick when the counters could not be saved.
var ErrStatePersist = errors.New("persist scheduler state")

// State is the persisted tick counters of the scheduler.
type State struct {
	GlobalTickCount      int            `json:"global_tick_count"`
	PerInstanceTickCount map[string]int `json:"per_instance_tick_count"`
}

// Runner performs backups on behalf of the scheduler.
type Runner interface {
	Backup(ctx context.Context, name string) (Result, error)
	BackupAll(ctx context.Context, includeCustom bool) []Result
}

// TickReport describes what one tick did.
type TickReport struct {
	State       State
	GlobalSweep bool
	Results     []Result
}

// Scheduler counts ticks per instance and globally and triggers backups when
// an interval is reached. Counters survive restarts through the state store.
type Scheduler struct {
	repo           record.Repository
	states         store.StateStore
	runner         Runner
	globalInterval int

	mu sync.Mutex
}

// NewScheduler returns a scheduler. globalInterval <= 0 disables the global sweep.
func NewScheduler(repo record.Repository, states store.StateStore, runner Runner, globalInterval int) *Scheduler {
	return &Scheduler{repo: repo, states: states, runner: runner, globalInterval: globalInterval}
}

// State loads the persisted counters. A missing entry yields zero counters.
func (s *Scheduler) State(ctx context.Context) (State, error) {
	st := State{PerInstanceTickCount: map[string]int{}}
	if err := s.states.Load(ctx, StateKey, &st); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return State{PerInstanceTickCount: map[string]int{}}, nil
		}
		return st, fmt.Errorf("load scheduler state: %w", err)
	}
	if st.PerInstanceTickCount == nil {
		st.PerInstanceTickCount = map[string]int{}
	}
	return st, nil
}

// Tick advances every counter by one and runs the backups that are due.
// The state is persisted whatever the backup outcomes.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.State(ctx)
	if err != nil {
		slog.Warn("Scheduler state unreadable, starting from zero", "error", err)
		st = State{PerInstanceTickCount: map[string]int{}}
	}
	recs, err := s.repo.List(ctx)
	if err != nil {
		return TickReport{State: st}, err
	}
	known := make(map[string]record.Record, len(recs))
	for _, r := range recs {
		known[r.Name] = r
	}

	st.GlobalTickCount++
	for name := range known {
		if _, ok := st.PerInstanceTickCount[name]; !ok {
			st.PerInstanceTickCount[name] = 0
		}
	}
	for name := range st.PerInstanceTickCount {
		r, ok := known[name]
		if !ok {
			delete(st.PerInstanceTickCount, name)
			continue
		}
		if !r.Disabled && r.Backup.Interval() > 0 {
			st.PerInstanceTickCount[name]++
		}
	}

	report := TickReport{}
	if s.globalInterval > 0 && st.GlobalTickCount >= s.globalInterval {
		slog.Info("Global backup sweep", "ticks", st.GlobalTickCount)
		report.GlobalSweep = true
		report.Results = append(report.Results, s.runner.BackupAll(ctx, true)...)
		st.GlobalTickCount = 0
	}

	names := make([]string, 0, len(st.PerInstanceTickCount))
	for name := range st.PerInstanceTickCount {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		interval := known[name].Backup.Interval()
		if interval <= 0 || st.PerInstanceTickCount[name] < interval {
			continue
		}
		res, _ := s.runner.Backup(ctx, name)
		report.Results = append(report.Results, res)
		st.PerInstanceTickCount[name] = 0
	}

	report.State = st
	if err := s.states.Save(ctx, StateKey, st); err != nil {
		return report, fmt.Errorf("%w: %w", ErrStatePersist, err)
	}
	return report, nil
}

func (s *Scheduler) Name() string { return "backup" }

// Start makes sure the counters exist so a fresh data dir gets a state entry.
func (s *Scheduler) Start(ctx context.Context) error {
	st, err := s.State(ctx)
	if err != nil {
		slog.Warn("Scheduler state unreadable, resetting", "error", err)
		st = State{PerInstanceTickCount: map[string]int{}}
	}
	if err := s.states.Save(ctx, StateKey, st); err != nil {
		return fmt.Errorf("%w: %w", ErrStatePersist, err)
	}
	return nil
}

func (s *Scheduler) Stop(context.Context) error { return nil }

func (s *Scheduler) OnTick(ctx context.Context) error {
	_, err := s.Tick(ctx)
	return err
}
