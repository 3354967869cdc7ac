package queue

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// MemoryQueue is an in-process port.ReservationQueue. Keys are hashed onto a
// fixed set of buffered partitions, each drained by one goroutine, so
// requests sharing a key are handled one at a time in publish order.
type MemoryQueue struct {
	partitions []chan domain.ReservationRequest
	retry      RetryPolicy
	logger     *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewMemoryQueue(partitions, bufferSize int, retry RetryPolicy, logger *zap.Logger) *MemoryQueue {
	if partitions <= 0 {
		partitions = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &MemoryQueue{
		partitions: make([]chan domain.ReservationRequest, partitions),
		retry:      retry,
		logger:     logger,
		done:       make(chan struct{}),
	}
	for i := range q.partitions {
		q.partitions[i] = make(chan domain.ReservationRequest, bufferSize)
	}
	return q
}

func (q *MemoryQueue) partition(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(q.partitions)))
}

func (q *MemoryQueue) Publish(ctx context.Context, partitionKey string, req domain.ReservationRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return domain.ErrQueueUnavailable
	}

	select {
	case q.partitions[q.partition(partitionKey)] <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe starts one worker per partition and blocks until ctx is done or
// the queue is closed.
func (q *MemoryQueue) Subscribe(ctx context.Context, handler port.ReservationHandler) error {
	var wg sync.WaitGroup
	for i, partition := range q.partitions {
		wg.Add(1)
		go func(id int, partition <-chan domain.ReservationRequest) {
			defer wg.Done()
			q.workerLoop(ctx, id, partition, handler)
		}(i, partition)
	}
	q.logger.Info("memory queue consuming", zap.Int("partitions", len(q.partitions)))

	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) workerLoop(ctx context.Context, id int, partition <-chan domain.ReservationRequest, handler port.ReservationHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case req := <-partition:
			if !deliver(ctx, handler, req, q.retry, q.logger.With(zap.Int("partition", id))) {
				return
			}
		}
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
