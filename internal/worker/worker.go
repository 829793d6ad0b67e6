// Package worker writes usage records to the ledger off the request path.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vnmchuo/llmgate/internal/billing"
)

var ErrQueueFull = errors.New("usage queue full")

const drainTimeout = 5 * time.Second

type Queue interface {
	Enqueue(ctx context.Context, log *billing.UsageLog) error
	Process(ctx context.Context) error // starts the worker loop
}

// UsageQueue is a bounded in-memory queue drained by Process.
type UsageQueue struct {
	store  billing.Store
	jobs   chan *billing.UsageLog
	logger *slog.Logger
}

func NewUsageQueue(store billing.Store, size int, logger *slog.Logger) *UsageQueue {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageQueue{
		store:  store,
		jobs:   make(chan *billing.UsageLog, size),
		logger: logger,
	}
}

// Enqueue never blocks. A full queue drops the record and returns
// ErrQueueFull.
func (q *UsageQueue) Enqueue(ctx context.Context, log *billing.UsageLog) error {
	select {
	case q.jobs <- log:
		return nil
	default:
		q.logger.Warn("dropping usage record", "call_id", log.CallID, "error", ErrQueueFull)
		return ErrQueueFull
	}
}

// Process writes queued records until ctx is done, then flushes what is
// left with a short deadline.
func (q *UsageQueue) Process(ctx context.Context) error {
	for {
		select {
		case log := <-q.jobs:
			q.write(ctx, log)
		case <-ctx.Done():
			q.drain()
			return ctx.Err()
		}
	}
}

func (q *UsageQueue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case log := <-q.jobs:
			q.write(ctx, log)
		default:
			return
		}
	}
}

func (q *UsageQueue) write(ctx context.Context, log *billing.UsageLog) {
	if err := q.store.LogUsage(ctx, log); err != nil {
		q.logger.Error("failed to log usage", "call_id", log.CallID, "tenant_id", log.TenantID, "error", err)
	}
}
