package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error { m.closed = true; return nil }

func TestNewEvent(t *testing.T) {
	a := NewEvent(EventStart, "server", "alpha")
	b := NewEvent(EventStart, "server", "alpha")
	require.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID, "event ids must be unique")
	assert.Equal(t, EventStart, a.Type)
	assert.Equal(t, "alpha", a.Instance)
	assert.False(t, a.OccurredAt.IsZero())
}

func TestRecorderFansOutAndSwallowsErrors(t *testing.T) {
	ok := &memSink{}
	bad := &memSink{err: errors.New("down")}
	r := NewRecorder(ok, nil, bad)

	r.Emit(context.Background(), NewEvent(EventBackup, "backup", "alpha"))

	assert.Len(t, ok.events, 1)
	assert.Len(t, bad.events, 1)
	require.NoError(t, r.Close())
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Emit(context.Background(), NewEvent(EventStop, "server", "alpha"))
	assert.NoError(t, r.Close())
}
