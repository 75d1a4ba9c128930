package inspector

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

// lockedBuffer is a bytes.Buffer safe for a logger and a test reading it
// from different goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestWatchSIGHUP_Reload(t *testing.T) {
	p, err := NewPipeline(nil, PipelineConfig{Domains: []string{"old.com"}})
	if err != nil {
		t.Fatal(err)
	}
	p.DomainSource = NewStaticListLoader("new.com")

	var called atomic.Int32
	reload := func(ctx context.Context) error {
		defer called.Add(1)
		return p.Reload(ctx)
	}

	reloader := WatchSIGHUP(reload, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_ = syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
	waitFor(t, "reload", func() bool { return called.Load() > 0 })
	reloader.Cancel()

	if !p.Filter.Decide("new.com").Denied {
		t.Error("new list should block new.com")
	}
	if p.Filter.Decide("old.com").Denied {
		t.Error("old list should be gone")
	}
}

func TestWatchSIGHUP_ReloadError(t *testing.T) {
	var logBuf lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	var called atomic.Int32
	reload := func(context.Context) error {
		called.Add(1)
		return errors.New("source unreachable")
	}

	reloader := WatchSIGHUP(reload, logger)
	_ = syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
	waitFor(t, "reload attempt", func() bool { return called.Load() > 0 })
	waitFor(t, "error log", func() bool { return strings.Contains(logBuf.String(), "reload failed") })
	reloader.Cancel()

	if !strings.Contains(logBuf.String(), "source unreachable") {
		t.Errorf("log does not include the cause: %s", logBuf.String())
	}
}

func TestWatchSIGHUP_Cancel(t *testing.T) {
	var called atomic.Int32
	reloader := WatchSIGHUP(func(context.Context) error {
		called.Add(1)
		return nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		reloader.Cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not return")
	}
	if called.Load() != 0 {
		t.Errorf("reload called %d times without a signal", called.Load())
	}
}
