package inspector

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader watches for SIGHUP signals and reloads the pipeline
// lists. Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// ReloadFunc reloads configuration or lists. Pipeline.Reload is one.
type ReloadFunc func(ctx context.Context) error

// WatchSIGHUP starts a goroutine that calls reload on every SIGHUP. A
// failed reload is logged and the current lists stay in place.
func WatchSIGHUP(reload ReloadFunc, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading...")
				if err := reload(ctx); err != nil {
					logger.Error("reload failed", "error", err)
					continue
				}
				logger.Info("lists reloaded successfully")
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
