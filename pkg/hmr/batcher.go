package hmr

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Priority orders pending jobs within the batcher's queue. HIGH jobs are
// always drained before NORMAL, NORMAL before LOW.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Completion is the one-shot handle returned by Enqueue, resolved once the
// job's batch has run (successfully or with a user-visible error) or
// rejected on a programmer error.
type Completion struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Wait blocks until the completion resolves, returning the error the
// batch handler produced for this job, if any.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type updateJob struct {
	file       ModuleID
	priority   Priority
	enqueuedAt time.Time
	seq        int64
	completion *Completion
}

// BatchHandler processes one batch of distinct-file jobs. Implementations
// should return a per-file error via the returned map for any file whose
// processing failed; a non-nil top-level error indicates a programmer
// error that should reject every job in the batch instead.
type BatchHandler func(ctx context.Context, files []ModuleID) (map[ModuleID]error, error)

// UpdateBatcher deduplicates, prioritises and rate-limits file-change
// notifications into bounded batches delivered to a BatchHandler by a
// fixed pool of worker goroutines.
type UpdateBatcher struct {
	mu      sync.Mutex
	pending map[ModuleID]*updateJob
	queue   []*updateJob // jobs not yet claimed by a worker, priority/age ordered on read

	handler       BatchHandler
	maxBatch      int
	batchWindow   time.Duration
	concurrency   int
	seqCounter    *atomic.Int64
	log           *zap.Logger

	wakeup   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

// BatcherOptions configures an UpdateBatcher; zero-valued fields fall
// back to the defaults (MaxBatch=10, BatchWindow=100ms, Concurrency=4).
type BatcherOptions struct {
	MaxBatch    int
	BatchWindow time.Duration
	Concurrency int
	Logger      *zap.Logger
}

func NewUpdateBatcher(handler BatchHandler, opts BatcherOptions) *UpdateBatcher {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 10
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = 100 * time.Millisecond
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &UpdateBatcher{
		pending:     make(map[ModuleID]*updateJob),
		handler:     handler,
		maxBatch:    opts.MaxBatch,
		batchWindow: opts.BatchWindow,
		concurrency: opts.Concurrency,
		seqCounter:  atomic.NewInt64(0),
		log:         opts.Logger,
		wakeup:      make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < b.concurrency; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	b.started = true

	return b
}

// Enqueue registers file for the next available batch at the given
// priority, returning a Completion. If file already has a pending or
// in-flight job, the existing Completion is returned instead of creating
// a new job, per the dedup rule; the existing job's priority is raised to
// the max of the two requests.
func (b *UpdateBatcher) Enqueue(file ModuleID, priority Priority) *Completion {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.pending[file]; ok {
		if priority > existing.priority {
			existing.priority = priority
		}
		return existing.completion
	}

	job := &updateJob{
		file:       file,
		priority:   priority,
		enqueuedAt: time.Now(),
		seq:        b.seqCounter.Inc(),
		completion: newCompletion(),
	}
	b.pending[file] = job
	b.queue = append(b.queue, job)

	select {
	case b.wakeup <- struct{}{}:
	default:
	}

	return job.completion
}

// Close stops all workers; in-flight batches are allowed to finish.
func (b *UpdateBatcher) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *UpdateBatcher) worker() {
	defer b.wg.Done()

	timer := time.NewTimer(b.batchWindow)
	defer timer.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.wakeup:
		case <-timer.C:
		}

		batch := b.claimBatch()
		if len(batch) == 0 {
			timer.Reset(b.batchWindow)
			continue
		}

		b.runBatch(batch)
		timer.Reset(b.batchWindow)
	}
}

// claimBatch pulls up to maxBatch jobs sharing the current head's
// priority class whose ages fall within batchWindow of the head, removes
// them from pending/queue, and returns them sorted by (priority desc,
// enqueuedAt asc, seq asc) — the batcher's age/priority ordering.
func (b *UpdateBatcher) claimBatch() []*updateJob {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil
	}

	sort.Slice(b.queue, func(i, j int) bool {
		a, c := b.queue[i], b.queue[j]
		if a.priority != c.priority {
			return a.priority > c.priority
		}
		if !a.enqueuedAt.Equal(c.enqueuedAt) {
			return a.enqueuedAt.Before(c.enqueuedAt)
		}
		return a.seq < c.seq
	})

	head := b.queue[0]
	var claimed []*updateJob
	var rest []*updateJob

	for _, j := range b.queue {
		if len(claimed) < b.maxBatch && j.priority == head.priority && j.enqueuedAt.Sub(head.enqueuedAt) <= b.batchWindow {
			claimed = append(claimed, j)
		} else {
			rest = append(rest, j)
		}
	}

	b.queue = rest
	return claimed
}

func (b *UpdateBatcher) runBatch(batch []*updateJob) {
	files := make([]ModuleID, len(batch))
	byFile := make(map[ModuleID]*updateJob, len(batch))
	for i, j := range batch {
		files[i] = j.file
		byFile[j.file] = j
	}

	perFileErrs, fatal := b.handler(b.ctx, files)

	b.mu.Lock()
	for _, j := range batch {
		delete(b.pending, j.file)
	}
	b.mu.Unlock()

	if fatal != nil {
		b.log.Error("update batch rejected by fatal handler error", zap.Error(fatal), zap.Int("batch_size", len(batch)))
		for _, j := range batch {
			j.completion.resolve(fatal)
		}
		return
	}

	var aggregate error
	for file, j := range byFile {
		err := perFileErrs[file]
		if err != nil {
			aggregate = multierr.Append(aggregate, err)
		}
		j.completion.resolve(err)
	}
	if aggregate != nil {
		b.log.Warn("update batch completed with partial failures", zap.Error(aggregate))
	}
}
