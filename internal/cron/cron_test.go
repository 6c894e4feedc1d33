package cron

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type ctrl struct {
	name     string
	rec      *recorder
	startErr error
	tickErr  error
	block    chan struct{}
}

func (c *ctrl) Name() string { return c.name }

func (c *ctrl) Start(context.Context) error {
	c.rec.add("start:" + c.name)
	return c.startErr
}

func (c *ctrl) Stop(context.Context) error {
	c.rec.add("stop:" + c.name)
	return nil
}

func (c *ctrl) OnTick(context.Context) error {
	c.rec.add("tick:" + c.name)
	if c.block != nil {
		<-c.block
	}
	return c.tickErr
}

func TestParseInterval(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"1h":            time.Hour,
		"@every 90s":    90 * time.Second,
		" @every 5m  ": 5 * time.Minute,
	} {
		got, err := ParseInterval(in)
		if err != nil || got != want {
			t.Fatalf("ParseInterval(%q) = %v, %v", in, got, err)
		}
	}
	for _, bad := range []string{"", "* * * * *", "@hourly", "@every -1s", "0s"} {
		if _, err := ParseInterval(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if Every(time.Hour) != "@every 1h0m0s" {
		t.Fatalf("every = %q", Every(time.Hour))
	}
}

func TestLoopOrder(t *testing.T) {
	rec := &recorder{}
	l := New(0, Options{})
	l.Register(&ctrl{name: "a", rec: rec}, &ctrl{name: "b", rec: rec})
	ctx := context.Background()

	if err := l.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(ctx); !errors.Is(err, ErrStarted) {
		t.Fatalf("second start: %v", err)
	}
	if err := l.TickNow(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	want := "start:a start:b tick:a tick:b stop:b stop:a"
	if got := strings.Join(rec.list(), " "); got != want {
		t.Fatalf("events = %s, want %s", got, want)
	}
	if names := l.Controllers(); len(names) != 2 || names[0] != "a" {
		t.Fatalf("controllers = %v", names)
	}
}

func TestStartFailureUnwinds(t *testing.T) {
	rec := &recorder{}
	l := New(0, Options{})
	l.Register(&ctrl{name: "a", rec: rec}, &ctrl{name: "b", rec: rec, startErr: errors.New("boom")})
	if err := l.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	want := "start:a start:b stop:a"
	if got := strings.Join(rec.list(), " "); got != want {
		t.Fatalf("events = %s", got)
	}
}

func TestTickErrorsReachEveryController(t *testing.T) {
	rec := &recorder{}
	var failed []string
	l := New(0, Options{OnError: func(name string, err error) { failed = append(failed, name) }})
	boom := errors.New("state write failed")
	l.Register(&ctrl{name: "a", rec: rec, tickErr: boom}, &ctrl{name: "b", rec: rec})

	err := l.TickNow(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("tick err = %v", err)
	}
	if got := strings.Join(rec.list(), " "); got != "tick:a tick:b" {
		t.Fatalf("events = %s", got)
	}
	if len(failed) != 1 || failed[0] != "a" {
		t.Fatalf("OnError calls = %v", failed)
	}
}

func TestOverlappingTickSkipped(t *testing.T) {
	rec := &recorder{}
	block := make(chan struct{})
	l := New(0, Options{})
	l.Register(&ctrl{name: "slow", rec: rec, block: block})

	done := make(chan error, 1)
	go func() { done <- l.TickNow(context.Background()) }()
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.list()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := l.TickNow(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Fatalf("overlapping tick: %v", err)
	}
	close(block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if n := len(rec.list()); n != 1 {
		t.Fatalf("ticks = %d, want 1", n)
	}
}

func TestScheduledTicks(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the cron scheduler")
	}
	rec := &recorder{}
	l := New(time.Second, Options{})
	l.Register(&ctrl{name: "a", rec: rec})
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Stop(context.Background()) }()

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range rec.list() {
			if e == "tick:a" {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("no scheduled tick observed: %v", rec.list())
}
