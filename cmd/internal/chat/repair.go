package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Repairer retries a failed lastMessage summary write out of band.
type Repairer interface {
	Schedule(ctx context.Context, conversationID string) error
}

const (
	repairQueueSize  = 1024
	repairAttempts   = 5
	repairBaseDelay  = 200 * time.Millisecond
	repairMaxDelay   = 10 * time.Second
	repairOpDeadline = 5 * time.Second
)

// RetryRepairer is the in-process Repairer used when no job queue is configured.
//
// A single worker drains a bounded queue; a conversation already queued is not queued twice.
// Each attempt recomputes the summary from history, so retries are idempotent.
type RetryRepairer struct {
	log   *slog.Logger
	store Store

	queue chan string

	mu      sync.Mutex
	pending map[string]struct{}

	baseDelay time.Duration
	attempts  int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

var _ Repairer = (*RetryRepairer)(nil)

// NewRetryRepairer starts the worker goroutine. Close stops it.
func NewRetryRepairer(log *slog.Logger, st Store) *RetryRepairer {
	if log == nil {
		log = slog.Default()
	}
	r := &RetryRepairer{
		log:       log,
		store:     st,
		queue:     make(chan string, repairQueueSize),
		pending:   make(map[string]struct{}),
		baseDelay: repairBaseDelay,
		attempts:  repairAttempts,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Schedule queues conversationID. It never blocks; a full queue drops the request with a log line.
func (r *RetryRepairer) Schedule(_ context.Context, conversationID string) error {
	r.mu.Lock()
	if _, ok := r.pending[conversationID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.pending[conversationID] = struct{}{}
	r.mu.Unlock()

	select {
	case <-r.stop:
		r.forget(conversationID)
		return nil
	case r.queue <- conversationID:
		return nil
	default:
		r.forget(conversationID)
		r.log.Warn("chat.summary.repair.dropped", "conversation_id", conversationID, "reason", "queue_full")
		return nil
	}
}

// Close stops the worker and waits for it.
func (r *RetryRepairer) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *RetryRepairer) forget(conversationID string) {
	r.mu.Lock()
	delete(r.pending, conversationID)
	r.mu.Unlock()
}

func (r *RetryRepairer) run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case id := <-r.queue:
			r.repair(id)
			r.forget(id)
		}
	}
}

func (r *RetryRepairer) repair(conversationID string) {
	delay := r.baseDelay
	for attempt := 1; attempt <= r.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), repairOpDeadline)
		err := RepairSummary(ctx, r.store, conversationID)
		cancel()
		if err == nil {
			r.log.Info("chat.summary.repair.ok", "conversation_id", conversationID, "attempt", attempt)
			return
		}

		r.log.Warn("chat.summary.repair.fail", "conversation_id", conversationID, "attempt", attempt, "err", err)
		if attempt == r.attempts {
			break
		}

		t := time.NewTimer(delay)
		select {
		case <-r.stop:
			t.Stop()
			return
		case <-t.C:
		}
		delay *= 2
		if delay > repairMaxDelay {
			delay = repairMaxDelay
		}
	}
	r.log.Error("chat.summary.repair.give_up", "conversation_id", conversationID, "attempts", r.attempts)
}
