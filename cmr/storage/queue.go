package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/mariusoe/inspectIT-sub007/cmr/common"
	"github.com/mariusoe/inspectIT-sub007/cmr/trees"
)

// DefaultFlushInterval bounds how long a partial batch waits for more elements
const DefaultFlushInterval = time.Second

// Queue hands evicted elements to a Writer without ever blocking the buffer.
// Elements offered while the queue is full are dropped and counted.
type Queue struct {
	items         chan *trees.Element
	writer        Writer
	batchSize     int
	workers       int
	flushInterval time.Duration
	logger        zerolog.Logger

	mu     sync.RWMutex
	closed bool

	offered atomic.Int64
	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64
	batches atomic.Int64
}

// QueueOption allows for customization of Queue
type QueueOption func(*Queue)

// WithQueueLogger sets a custom logger
func WithQueueLogger(logger zerolog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithBatchSize sets the largest batch passed to a single Write
func WithBatchSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// WithWorkers sets how many batches may be written concurrently
func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithFlushInterval sets how long a partial batch may wait
func WithFlushInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.flushInterval = d
		}
	}
}

// NewQueue creates a queue holding at most capacity pending elements
func NewQueue(writer Writer, capacity int, opts ...QueueOption) (*Queue, error) {
	if writer == nil {
		return nil, fmt.Errorf("%w: nil writer", common.ErrInvalidArgument)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: queue capacity %d", common.ErrInvalidArgument, capacity)
	}
	q := &Queue{
		items:         make(chan *trees.Element, capacity),
		writer:        writer,
		batchSize:     256,
		workers:       1,
		flushInterval: DefaultFlushInterval,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Offer enqueues e if there is room. It never blocks.
func (q *Queue) Offer(e *trees.Element) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.items <- e:
		q.offered.Add(1)
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Close stops accepting elements. Run writes what is still pending and returns.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}

// Run batches pending elements and writes them until the queue is closed or
// ctx is cancelled. Elements still pending on cancellation are discarded.
func (q *Queue) Run(ctx context.Context) error {
	p := pool.New().WithMaxGoroutines(q.workers)

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	batch := make([]*trees.Element, 0, q.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		pending := batch
		batch = make([]*trees.Element, 0, q.batchSize)
		p.Go(func() {
			q.write(ctx, pending)
		})
	}

	for {
		select {
		case <-ctx.Done():
			q.logger.Warn().Int("discarded", len(batch)+len(q.items)).Msg("storage queue cancelled")
			p.Wait()
			return ctx.Err()
		case e, ok := <-q.items:
			if !ok {
				flush()
				p.Wait()
				q.logger.Info().Int64("written", q.written.Load()).Msg("storage queue drained")
				return nil
			}
			batch = append(batch, e)
			if len(batch) >= q.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (q *Queue) write(ctx context.Context, batch []*trees.Element) {
	id := uuid.New()
	start := time.Now()
	q.batches.Add(1)
	if err := q.writer.Write(ctx, id, batch); err != nil {
		q.failed.Add(int64(len(batch)))
		q.logger.Error().Err(err).Str("batch", id.String()).Int("elements", len(batch)).Msg("failed to persist evicted elements")
		return
	}
	q.written.Add(int64(len(batch)))
	q.logger.Debug().
		Str("batch", id.String()).
		Int("elements", len(batch)).
		Dur("took", time.Since(start)).
		Msg("persisted evicted elements")
}

// QueueStats summarizes the queue's activity
type QueueStats struct {
	Pending int
	Offered int64
	Dropped int64
	Written int64
	Failed  int64
	Batches int64
}

func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Pending: len(q.items),
		Offered: q.offered.Load(),
		Dropped: q.dropped.Load(),
		Written: q.written.Load(),
		Failed:  q.failed.Load(),
		Batches: q.batches.Load(),
	}
}
