package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/barnr/internal/record"
	"github.com/loykin/barnr/internal/store"
)

type fakeRunner struct {
	mu      sync.Mutex
	backups []string
	sweeps  []bool
}

func (f *fakeRunner) Backup(_ context.Context, name string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups = append(f.backups, name)
	return Result{Name: name}, nil
}

func (f *fakeRunner) BackupAll(_ context.Context, includeCustom bool) []Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps = append(f.sweeps, includeCustom)
	return nil
}

type failingStore struct{ store.StateStore }

func (failingStore) Save(context.Context, string, any) error { return errors.New("disk full") }

func newScheduler(t *testing.T, global int) (*Scheduler, *record.FileStore, *fakeRunner, store.StateStore) {
	t.Helper()
	recs, err := record.Open(t.TempDir())
	require.NoError(t, err)
	states, err := store.New(store.Config{Path: filepath.Join(t.TempDir(), "state.json")})
	require.NoError(t, err)
	r := &fakeRunner{}
	return NewScheduler(recs, states, r, global), recs, r, states
}

func addInstance(t *testing.T, s *record.FileStore, name string, interval *int, disabled bool) {
	t.Helper()
	_, err := s.Init(context.Background(), name, seedFile(t))
	require.NoError(t, err)
	_, err = s.Update(context.Background(), name, func(r *record.Record) error {
		r.Backup.IntervalHours = interval
		r.Disabled = disabled
		return nil
	})
	require.NoError(t, err)
}

func seedFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "seed.db")
	require.NoError(t, os.WriteFile(p, []byte("seed"), 0o644))
	return p
}

func TestIntervalThreeBacksUpOnThirdTick(t *testing.T) {
	s, recs, runner, _ := newScheduler(t, 0)
	addInstance(t, recs, "alpha", record.IntPtr(3), false)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		rep, err := s.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, rep.State.PerInstanceTickCount["alpha"])
	}
	assert.Empty(t, runner.backups)

	rep, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, runner.backups)
	assert.Equal(t, 0, rep.State.PerInstanceTickCount["alpha"])
	assert.False(t, rep.GlobalSweep)

	st, err := s.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.PerInstanceTickCount["alpha"])
	assert.Equal(t, 3, st.GlobalTickCount)
}

func TestNilAndZeroIntervalNeverCounted(t *testing.T) {
	s, recs, runner, _ := newScheduler(t, 0)
	addInstance(t, recs, "global", nil, false)
	addInstance(t, recs, "never", record.IntPtr(0), false)
	addInstance(t, recs, "off", record.IntPtr(1), true)
	ctx := context.Background()

	var rep TickReport
	var err error
	for i := 0; i < 5; i++ {
		rep, err = s.Tick(ctx)
		require.NoError(t, err)
	}
	assert.Empty(t, runner.backups)
	assert.Equal(t, map[string]int{"global": 0, "never": 0, "off": 0}, rep.State.PerInstanceTickCount)
}

func TestGlobalSweep(t *testing.T) {
	s, recs, runner, _ := newScheduler(t, 2)
	addInstance(t, recs, "alpha", nil, false)
	ctx := context.Background()

	rep, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, rep.GlobalSweep)
	rep, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, rep.GlobalSweep)
	assert.Equal(t, []bool{true}, runner.sweeps)
	assert.Equal(t, 0, rep.State.GlobalTickCount)
}

func TestCountersSurviveRestartAndPrune(t *testing.T) {
	s, recs, runner, states := newScheduler(t, 0)
	addInstance(t, recs, "alpha", record.IntPtr(2), false)
	ctx := context.Background()
	_, err := s.Tick(ctx)
	require.NoError(t, err)

	require.NoError(t, states.Save(ctx, StateKey, State{
		GlobalTickCount:      7,
		PerInstanceTickCount: map[string]int{"alpha": 1, "removed": 4},
	}))

	restarted := NewScheduler(recs, states, runner, 0)
	rep, err := restarted.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, runner.backups)
	assert.Equal(t, 8, rep.State.GlobalTickCount)
	assert.NotContains(t, rep.State.PerInstanceTickCount, "removed")
}

func TestTickPersistFailure(t *testing.T) {
	s, recs, runner, states := newScheduler(t, 0)
	addInstance(t, recs, "alpha", record.IntPtr(1), false)
	s.states = failingStore{states}

	_, err := s.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStatePersist))
	assert.Equal(t, []string{"alpha"}, runner.backups, "backups run before the save")
}

func TestSchedulerController(t *testing.T) {
	s, _, _, states := newScheduler(t, 0)
	ctx := context.Background()
	assert.Equal(t, "backup", s.Name())
	require.NoError(t, s.Start(ctx))
	var st State
	require.NoError(t, states.Load(ctx, StateKey, &st))
	require.NoError(t, s.OnTick(ctx))
	require.NoError(t, s.Stop(ctx))
}

func TestStartAndTickReplaceCorruptState(t *testing.T) {
	s, recs, runner, states := newScheduler(t, 0)
	addInstance(t, recs, "alpha", record.IntPtr(2), false)
	path := states.(*store.FileStore).Path()
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	st, err := s.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.GlobalTickCount)
	_, err = os.Stat(path + ".corrupt")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	rep, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.State.GlobalTickCount)
	rep, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, runner.backups)
	assert.Equal(t, 2, rep.State.GlobalTickCount)
}
