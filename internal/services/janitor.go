package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bizlens/internal/store"
)

// Janitor periodically revokes activations that have not been seen for
// longer than the stale threshold, freeing their device slots. License
// records themselves are never deleted.
type Janitor struct {
	store      store.Store
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewJanitor creates a janitor that prunes every interval.
func NewJanitor(st store.Store, interval, staleAfter time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:      st,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start launches the prune loop. The loop stops when ctx is cancelled or
// Stop is called.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)

	go func() {
		defer close(j.done)

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		j.logger.Info("Stale-activation janitor started",
			slog.Duration("interval", j.interval),
			slog.Duration("stale_after", j.staleAfter))

		for {
			select {
			case <-ctx.Done():
				j.logger.Info("Stale-activation janitor stopped")
				return
			case <-ticker.C:
				j.runOnce(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.once.Do(func() {
		if j.cancel != nil {
			j.cancel()
		}
		<-j.done
	})
}

func (j *Janitor) runOnce(ctx context.Context) {
	pruned, err := j.store.PruneStale(ctx, j.staleAfter)
	if err != nil {
		j.logger.ErrorContext(ctx, "Stale-activation prune failed",
			slog.String("error", err.Error()))
		return
	}
	if pruned > 0 {
		j.logger.InfoContext(ctx, "Stale activations revoked",
			slog.Int("count", pruned))
	}
}
