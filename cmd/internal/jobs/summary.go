// Package jobs runs out-of-band chat maintenance on a Redis-backed asynq queue.
//
// The only job today repairs a conversation's lastMessage summary after the
// inline compare-and-swap write failed.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"huddle/cmd/internal/chat"

	"github.com/hibiken/asynq"
)

// TaskSummaryRepair is the asynq task type for summary repair.
const TaskSummaryRepair = "chat:summary.repair"

const (
	DefaultQueue = "chat"

	summaryMaxRetry  = 8
	summaryUniqueTTL = 30 * time.Second
	summaryTimeout   = 10 * time.Second
)

// SummaryRepairPayload is the JSON payload of TaskSummaryRepair.
type SummaryRepairPayload struct {
	ConversationID string `json:"conversation_id"`
}

// NewSummaryRepairTask builds the task for conversationID.
func NewSummaryRepairTask(conversationID string) (*asynq.Task, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("jobs: conversation id is required")
	}
	b, err := json.Marshal(SummaryRepairPayload{ConversationID: conversationID})
	if err != nil {
		return nil, fmt.Errorf("jobs: marshal payload: %w", err)
	}
	return asynq.NewTask(TaskSummaryRepair, b), nil
}

// SummaryQueue implements chat.Repairer by enqueueing TaskSummaryRepair.
type SummaryQueue struct {
	log    *slog.Logger
	client *asynq.Client
	queue  string
}

var _ chat.Repairer = (*SummaryQueue)(nil)

// NewSummaryQueue connects an asynq client to the Redis at redisURL.
func NewSummaryQueue(log *slog.Logger, redisURL, queue string) (*SummaryQueue, error) {
	if log == nil {
		log = slog.Default()
	}
	opt, err := parseRedis(redisURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(queue) == "" {
		queue = DefaultQueue
	}
	return &SummaryQueue{log: log, client: asynq.NewClient(opt), queue: queue}, nil
}

// Schedule enqueues a repair. A repair already pending for the conversation is not queued twice.
func (q *SummaryQueue) Schedule(ctx context.Context, conversationID string) error {
	task, err := NewSummaryRepairTask(conversationID)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(q.queue),
		asynq.MaxRetry(summaryMaxRetry),
		asynq.Unique(summaryUniqueTTL),
		asynq.Timeout(summaryTimeout),
	)
	switch {
	case errors.Is(err, asynq.ErrDuplicateTask):
		q.log.Debug("jobs.summary.enqueue.duplicate", "conversation_id", conversationID)
		return nil
	case err != nil:
		return fmt.Errorf("jobs: enqueue %s: %w", TaskSummaryRepair, err)
	}
	q.log.Info("jobs.summary.enqueued", "conversation_id", conversationID, "task_id", info.ID, "queue", info.Queue)
	return nil
}

func (q *SummaryQueue) Close() error { return q.client.Close() }

// SummaryRepairer is implemented by *chat.Service.
type SummaryRepairer interface {
	RepairSummary(ctx context.Context, conversationID string) error
}

// HandleSummaryRepair returns the asynq handler for TaskSummaryRepair.
// Malformed payloads are not retried.
func HandleSummaryRepair(log *slog.Logger, r SummaryRepairer) asynq.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var p SummaryRepairPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("jobs: decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
		}
		if strings.TrimSpace(p.ConversationID) == "" {
			return fmt.Errorf("jobs: %s without conversation id: %w", t.Type(), asynq.SkipRetry)
		}

		retry, _ := asynq.GetRetryCount(ctx)
		if err := r.RepairSummary(ctx, p.ConversationID); err != nil {
			log.Warn("jobs.summary.repair.fail", "conversation_id", p.ConversationID, "retry", retry, "err", err)
			return err
		}
		log.Info("jobs.summary.repair.ok", "conversation_id", p.ConversationID, "retry", retry)
		return nil
	}
}

func parseRedis(redisURL string) (asynq.RedisConnOpt, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, errors.New("jobs: redis url is empty")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("jobs: parse redis url: %w", err)
	}
	return opt, nil
}
