package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/fieldpunch/agent/internal/punch/gate"
	"github.com/fieldpunch/agent/internal/punch/store"
	"github.com/fieldpunch/agent/internal/punch/types"
	"github.com/fieldpunch/agent/internal/remote"
)

// RemoteEndpoint submits one queued operation to the time authority. The
// idempotency key is the queue item's id, so a replay of an interrupted
// attempt is safe.
type RemoteEndpoint interface {
	Submit(ctx context.Context, idempotencyKey string, req types.SubmitRequest) (types.AuthoritativeFields, error)
}

// maxRetries is how many transient failures an item absorbs before it turns
// into a terminal failure waiting for manual resolution.
const maxRetries = 3

// backoffDelay is the pure retry schedule: 2^attempt seconds (2s, 4s, 8s).
// Keeping it a function of the attempt number makes the drain loop's timing
// fully simulable in tests.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// SleepFunc suspends between retries. Tests inject one that records delays
// instead of waiting.
type SleepFunc func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type SyncerConfig struct {
	// PollInterval is how often an idle syncer re-checks the queue even
	// without a connectivity transition or manual trigger. Defaults to 30s.
	PollInterval time.Duration
}

// Syncer is the single sequential drain worker. At most one drain pass runs
// at a time; items are submitted strictly in queue order, one by one.
type Syncer struct {
	queue    store.QueueStore
	sessions store.SessionStore
	cursor   store.CursorStore
	remote   RemoteEndpoint
	gate     *gate.Gate
	logger   *log.Logger
	poll     time.Duration

	sleep   SleepFunc
	now     func() time.Time
	trigger chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSyncer(q store.QueueStore, s store.SessionStore, c store.CursorStore, r RemoteEndpoint, g *gate.Gate, cfg SyncerConfig, logger *log.Logger) *Syncer {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Syncer{
		queue:    q,
		sessions: s,
		cursor:   c,
		remote:   r,
		gate:     g,
		logger:   logger,
		poll:     poll,
		sleep:    realSleep,
		now:      func() time.Time { return time.Now().UTC() },
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Trigger requests an immediate drain pass. Non-blocking; multiple triggers
// coalesce into one.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start begins the drain loop. Items left in_flight by a previous run are
// requeued first: the remote call may or may not have landed, and the
// idempotency key makes resubmitting the safe choice.
func (s *Syncer) Start(ctx context.Context) error {
	requeued, err := s.queue.RequeueInFlight(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 {
		s.logger.Printf("sync: requeued %d in-flight item(s) from a previous run", requeued)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	return nil
}

// Stop signals the syncer to exit and waits for it to finish.
func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Syncer) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
		case <-s.gate.Changes():
		case <-ticker.C:
			// The periodic poll is a fallback; skip it while the gate says
			// offline so an unreachable authority isn't hammered.
			if !s.gate.Reachable() {
				continue
			}
		}
		s.Drain(ctx)
	}
}

// Drain submits pending items in order until the queue is empty or the
// context ends. Exported so a manual trigger in tests (and the CLI's
// one-shot sync) can run a pass synchronously.
func (s *Syncer) Drain(ctx context.Context) {
	if err := s.cursor.TouchAttempt(ctx, s.now()); err != nil {
		s.logger.Printf("sync: touch attempt: %v", err)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		item, err := s.queue.NextPending(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			s.logger.Printf("sync: next pending: %v", err)
			return
		}

		if err := s.submitOne(ctx, item); err != nil {
			// Storage trouble or shutdown; the item's durable state is
			// whatever the last committed transaction says.
			s.logger.Printf("sync: item %s: %v", item.ID, err)
			return
		}
	}
}

// submitOne performs one attempt for one item and records the outcome.
// Transient failures put the item back to pending with a bumped retry count
// and suspend for the backoff delay — the item is still the head of its
// session's queue, so the next loop iteration picks it up again.
func (s *Syncer) submitOne(ctx context.Context, item store.QueueItemRecord) error {
	if err := s.queue.MarkInFlight(ctx, item.ID); err != nil {
		return err
	}

	sess, err := s.sessions.GetSession(ctx, item.SessionLocalID)
	if err != nil {
		return err
	}

	fields, err := s.remote.Submit(ctx, item.ID, types.SubmitRequest{
		Op:             item.Op,
		SessionLocalID: item.SessionLocalID,
		RemoteID:       sess.RemoteID,
		Payload:        item.Payload,
	})

	if err == nil {
		// Validate the response shape up front (Reconcile is pure, so the
		// pre-submit snapshot is as good as any for the parse). The server
		// accepted but sent an unusable response: surface a terminal failure
		// rather than guessing at state.
		if _, rerr := Reconcile(sess, item.Op, fields); rerr != nil {
			s.logger.Printf("sync: item %s reconcile: %v", item.ID, rerr)
			return s.queue.MarkFailed(ctx, item.ID, rerr.Error(), false)
		}

		// The merge runs against the session as the ack transaction sees it,
		// not the pre-submit snapshot: a clock-out the UI enqueued while this
		// call was on the wire must survive, say, a rate-change ack.
		ackErr := s.queue.AckSuccess(ctx, item.ID, func(cur store.SessionRecord) (store.SessionRecord, error) {
			return Reconcile(cur, item.Op, fields)
		}, s.now())
		if errors.Is(ackErr, store.ErrInvalidState) {
			// Park the item as failed so it stays visible and retryable;
			// left in_flight, nothing would ever drain or recover it.
			s.logger.Printf("sync: item %s ack conflict: %v", item.ID, ackErr)
			return s.queue.MarkFailed(ctx, item.ID, ackErr.Error(), false)
		}
		if ackErr != nil {
			return ackErr
		}
		s.logger.Printf("sync: item %s acked (session %s)", item.ID, item.SessionLocalID)
		return nil
	}

	if ctx.Err() != nil {
		// Shutdown mid-call: leave the item in_flight; the next start
		// requeues and resubmits it under the same idempotency key.
		return ctx.Err()
	}

	var perm *remote.PermanentError
	if errors.As(err, &perm) {
		s.logger.Printf("sync: item %s rejected: %v", item.ID, perm)
		return s.queue.MarkFailed(ctx, item.ID, perm.Error(), true)
	}

	// Transient: timeouts, 5xx, unreachable network.
	attempt := item.RetryCount + 1
	if item.RetryCount >= maxRetries {
		s.logger.Printf("sync: item %s failed after %d retries: %v", item.ID, item.RetryCount, err)
		return s.queue.MarkFailed(ctx, item.ID, err.Error(), false)
	}

	if err := s.queue.MarkRetry(ctx, item.ID, attempt); err != nil {
		return err
	}
	s.logger.Printf("sync: item %s transient failure (attempt %d), backing off %s: %v",
		item.ID, attempt, backoffDelay(attempt), err)
	return s.sleep(ctx, backoffDelay(attempt))
}
