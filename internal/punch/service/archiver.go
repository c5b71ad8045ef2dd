package service

import (
	"context"
	"log"
	"time"

	"github.com/fieldpunch/agent/internal/punch/store"
)

// Archiver periodically moves synced sessions that are past the retention
// window into the archived state. It runs as a background goroutine and is
// safe to stop via its context or the Stop method.
//
// A retention of 0 disables archiving entirely.
type Archiver struct {
	sessions  store.SessionStore
	retention time.Duration
	interval  time.Duration
	logger    *log.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

// ArchiverConfig holds the parameters for NewArchiver.
type ArchiverConfig struct {
	// RetentionDays is how long a synced session stays visible before it is
	// archived. 0 means keep everything (archiver will not start).
	RetentionDays int

	// IntervalHours is how often the sweep runs. Defaults to 6.
	IntervalHours int
}

// NewArchiver creates an archiver but does not start it.
// Call Start to begin the background loop.
func NewArchiver(s store.SessionStore, cfg ArchiverConfig, logger *log.Logger) *Archiver {
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	return &Archiver{
		sessions:  s,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start begins the background sweep. It runs an immediate sweep on startup,
// then repeats on the configured interval. The loop exits when ctx is
// cancelled or Stop is called.
func (a *Archiver) Start(ctx context.Context) {
	if a.retention <= 0 {
		a.logger.Printf("session archiver disabled (retention=0)")
		close(a.done)
		return
	}

	ctx, a.cancel = context.WithCancel(ctx)

	go a.loop(ctx)

	a.logger.Printf("session archiver started (retention=%dd, interval=%dh)",
		int(a.retention.Hours()/24), int(a.interval.Hours()))
}

// Stop signals the archiver to exit and waits for it to finish.
func (a *Archiver) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	<-a.done
}

func (a *Archiver) loop(ctx context.Context) {
	defer close(a.done)

	a.sweep(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Archiver) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-a.retention)
	archived, err := a.sessions.ArchiveSyncedBefore(ctx, cutoff)
	if err != nil {
		a.logger.Printf("session archive error: %v", err)
		return
	}
	if archived > 0 {
		a.logger.Printf("session archive: moved %d session(s) older than %s",
			archived, cutoff.Format(time.RFC3339))
	}
}
