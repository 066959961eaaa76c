package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"
)

// WorkerConfig configures the asynq server.
type WorkerConfig struct {
	RedisURL    string
	Concurrency int
	// Queues is a CSV of name=weight pairs, e.g. "chat=6,default=1".
	Queues string
}

// Worker processes jobs until Shutdown.
type Worker struct {
	log    *slog.Logger
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker builds the server and registers the summary repair handler.
func NewWorker(log *slog.Logger, cfg WorkerConfig, repairer SummaryRepairer) (*Worker, error) {
	if log == nil {
		log = slog.Default()
	}
	opt, err := parseRedis(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	queues := parseQueueWeights(cfg.Queues)
	if len(queues) == 0 {
		queues = map[string]int{DefaultQueue: 1}
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
		Logger:      slogAdapter{log: log.With("component", "asynq")},
		LogLevel:    asynq.WarnLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			log.Warn("jobs.task.fail", "type", task.Type(), "err", err)
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSummaryRepair, HandleSummaryRepair(log, repairer))

	return &Worker{log: log, server: srv, mux: mux}, nil
}

// Run starts processing and blocks until ctx is done, then shuts the server down.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("jobs: start worker: %w", err)
	}
	w.log.Info("jobs.worker.start")
	<-ctx.Done()
	w.Shutdown()
	return nil
}

// Shutdown waits for in-flight tasks, bounded by the server's shutdown timeout.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
	w.log.Info("jobs.worker.stop")
}

// parseQueueWeights parses "critical=6,default=3,low=1". A missing weight is 1.
func parseQueueWeights(s string) map[string]int {
	res := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, weight, hasWeight := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		w := 1
		if hasWeight {
			if i, err := strconv.Atoi(strings.TrimSpace(weight)); err == nil && i > 0 {
				w = i
			}
		}
		res[name] = w
	}
	return res
}

// slogAdapter routes asynq's internal logging to slog.
type slogAdapter struct{ log *slog.Logger }

func (a slogAdapter) Debug(args ...any) { a.log.Debug(fmt.Sprint(args...)) }
func (a slogAdapter) Info(args ...any)  { a.log.Info(fmt.Sprint(args...)) }
func (a slogAdapter) Warn(args ...any)  { a.log.Warn(fmt.Sprint(args...)) }
func (a slogAdapter) Error(args ...any) { a.log.Error(fmt.Sprint(args...)) }

// Fatal is called by asynq on unrecoverable startup errors; it must not exit the process here.
func (a slogAdapter) Fatal(args ...any) { a.log.Error(fmt.Sprint(args...), "fatal", true) }
