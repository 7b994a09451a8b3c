package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

const (
	defaultBatchSize     = 50
	defaultBatchInterval = 2 * time.Second
	defaultQueueSize     = 10000
	flushTimeout         = 10 * time.Second
)

// ErrQueueFull is returned when an event cannot be queued for writing
var ErrQueueFull = errors.New("sink queue full")

// ErrClosed is returned for writes after Stop
var ErrClosed = errors.New("sink closed")

// BatchOptions tunes a batching writer
type BatchOptions struct {
	Size      int
	Interval  time.Duration
	QueueSize int
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.Size <= 0 {
		o.Size = defaultBatchSize
	}
	if o.Interval <= 0 {
		o.Interval = defaultBatchInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	return o
}

type flushFunc func(ctx context.Context, batch []model.SecurityEvent) error

// batcher queues events and hands them to flush in batches, either when a
// batch fills up or on the interval tick. Stop drains the queue.
type batcher struct {
	name  string
	opts  BatchOptions
	flush flushFunc
	queue chan model.SecurityEvent
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
	batches atomic.Uint64

	logger *slog.Logger
}

func newBatcher(name string, opts BatchOptions, flush flushFunc, logger *slog.Logger) *batcher {
	opts = opts.withDefaults()
	return &batcher{
		name:   name,
		opts:   opts,
		flush:  flush,
		queue:  make(chan model.SecurityEvent, opts.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (b *batcher) start() {
	b.wg.Add(1)
	go b.loop()
}

func (b *batcher) enqueue(ev model.SecurityEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return ErrClosed
	}
	select {
	case b.queue <- ev:
		return nil
	default:
		b.dropped.Add(1)
		return ErrQueueFull
	}
}

func (b *batcher) stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	b.logger.Info("Sink writer stopped",
		"sink", b.name,
		"written", b.written.Load(),
		"failed", b.failed.Load(),
		"dropped", b.dropped.Load(),
		"batches", b.batches.Load())
}

func (b *batcher) loop() {
	defer b.wg.Done()

	batch := make([]model.SecurityEvent, 0, b.opts.Size)
	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-b.queue:
			batch = append(batch, ev)
			if len(batch) >= b.opts.Size {
				b.write(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.write(batch)
				batch = batch[:0]
			}

		case <-b.done:
			// enqueue is excluded by stopped, so the queue only shrinks from here
			close(b.queue)
			for ev := range b.queue {
				batch = append(batch, ev)
				if len(batch) >= b.opts.Size {
					b.write(batch)
					batch = batch[:0]
				}
			}
			if len(batch) > 0 {
				b.write(batch)
			}
			return
		}
	}
}

func (b *batcher) write(batch []model.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := b.flush(ctx, batch); err != nil {
		b.failed.Add(uint64(len(batch)))
		b.logger.Error("Failed to write batch", "sink", b.name, "size", len(batch), "error", err)
		return
	}
	b.written.Add(uint64(len(batch)))
	b.batches.Add(1)
}

// BatchStats reports writer counters
type BatchStats struct {
	Written  uint64 `json:"written"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	Batches  uint64 `json:"batches"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
}

func (b *batcher) stats() BatchStats {
	return BatchStats{
		Written:  b.written.Load(),
		Failed:   b.failed.Load(),
		Dropped:  b.dropped.Load(),
		Batches:  b.batches.Load(),
		QueueLen: len(b.queue),
		QueueCap: cap(b.queue),
	}
}
