// Package pipeline implements the batched, retrying write path between the
// normalizer and the stores. A bounded input queue feeds a single worker
// goroutine, which preserves per-point ordering by construction.
package pipeline

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/observability/metrics"
)

// Outcome is the synchronous result of Handle.
type Outcome int

const (
	// Accepted means the value entered the queue.
	Accepted Outcome = iota
	// Duplicate means the value matched a recent signature.
	Duplicate
	// InvalidTS means the timestamp is non-positive or stale.
	InvalidTS
	// InvalidValue means an f64 payload is NaN or infinite.
	InvalidValue
	// Backpressure means the buffer is full; the caller should slow down.
	Backpressure
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case InvalidTS:
		return "invalid_ts"
	case InvalidValue:
		return "invalid_value"
	case Backpressure:
		return "backpressure"
	}
	return "unknown"
}

// Writer performs the durable batch append. The batch never spans tenants
// or projects.
type Writer interface {
	AppendBatch(ctx context.Context, values []domain.PointValue) error
}

// PostWrite runs per record after a successful durable append. Used for the
// last-value upsert and the online touch; failures are the callee's
// problem and must not propagate.
type PostWrite func(ctx context.Context, value domain.PointValue)

// Config tunes the pipeline.
type Config struct {
	// BatchSize triggers an immediate flush when reached.
	BatchSize int
	// MaxBufferSize bounds pending records; beyond it Handle returns
	// Backpressure.
	MaxBufferSize int
	// MaxRetries bounds durable-append attempts per batch beyond the first.
	MaxRetries int
	// DedupCacheSize bounds the duplicate-suppression cache. Zero disables
	// deduplication.
	DedupCacheSize int
	// MaxAgeMs rejects records older than now-MaxAgeMs when positive.
	MaxAgeMs int64
	// FlushInterval flushes partial batches periodically.
	FlushInterval time.Duration
	// RetryBackoff is the initial backoff between append attempts; it
	// doubles per attempt.
	RetryBackoff time.Duration
}

func (c Config) sanitized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxBufferSize < c.BatchSize {
		c.MaxBufferSize = c.BatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	return c
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		MaxBufferSize:  1000,
		MaxRetries:     3,
		DedupCacheSize: 10000,
		FlushInterval:  time.Second,
		RetryBackoff:   100 * time.Millisecond,
	}
}

type flushRequest struct {
	done chan struct{}
}

// Pipeline is the single-writer ingest pipeline.
type Pipeline struct {
	cfg       Config
	writer    Writer
	postWrite PostWrite
	logger    *log.Logger
	now       func() time.Time

	mu    sync.Mutex
	dedup *dedupCache

	in      chan domain.PointValue
	flushCh chan flushRequest
	stopCh  chan struct{}
	doneCh  chan struct{}
	pending atomic.Int64
	stopped atomic.Bool
}

// New constructs and starts a pipeline.
func New(writer Writer, postWrite PostWrite, cfg Config, logger *log.Logger) (*Pipeline, error) {
	if writer == nil {
		return nil, errors.New("pipeline: nil writer")
	}
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.sanitized()
	p := &Pipeline{
		cfg:       cfg,
		writer:    writer,
		postWrite: postWrite,
		logger:    logger,
		now:       time.Now,
		dedup:     newDedupCache(cfg.DedupCacheSize),
		in:        make(chan domain.PointValue, cfg.MaxBufferSize),
		flushCh:   make(chan flushRequest),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// SetClock overrides the time source. Test helper.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Handle validates, deduplicates, and enqueues a value. It never blocks.
func (p *Pipeline) Handle(value domain.PointValue) Outcome {
	if outcome, ok := p.validate(value); !ok {
		return outcome
	}

	// The buffer slot is reserved before the dedup cache records the
	// signature: a backpressure-rejected record must stay eligible for a
	// later retry.
	if p.pending.Add(1) > int64(p.cfg.MaxBufferSize) {
		p.pending.Add(-1)
		metrics.IncBackpressure()
		return Backpressure
	}

	p.mu.Lock()
	duplicate := p.dedup.isDuplicate(value)
	p.mu.Unlock()
	if duplicate {
		p.pending.Add(-1)
		metrics.IncDuplicates()
		return Duplicate
	}

	// Reservations never exceed the channel capacity, so this send cannot
	// block.
	p.in <- value
	return Accepted
}

func (p *Pipeline) validate(value domain.PointValue) (Outcome, bool) {
	if value.TsMs <= 0 {
		metrics.IncInvalidTs()
		return InvalidTS, false
	}
	if value.Value.Kind == domain.KindF64 {
		if math.IsNaN(value.Value.F64) || math.IsInf(value.Value.F64, 0) {
			metrics.IncInvalidValue()
			return InvalidValue, false
		}
	}
	if p.cfg.MaxAgeMs > 0 {
		nowMs := p.now().UnixMilli()
		if nowMs-value.TsMs > p.cfg.MaxAgeMs {
			metrics.IncInvalidTs()
			return InvalidTS, false
		}
	}
	return Accepted, true
}

// Flush forces a batch boundary and waits for everything enqueued before
// the call to reach the writer.
func (p *Pipeline) Flush(ctx context.Context) error {
	req := flushRequest{done: make(chan struct{})}
	select {
	case p.flushCh <- req:
	case <-p.doneCh:
		return errors.New("pipeline: stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains in-flight work within the context deadline.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if p.stopped.CompareAndSwap(false, true) {
		close(p.stopCh)
	}
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]domain.PointValue, 0, p.cfg.BatchSize)

	for {
		select {
		case value := <-p.in:
			batch = p.append(batch, value)
		case req := <-p.flushCh:
			batch = p.drainReady(batch)
			batch = p.writeBatch(batch)
			close(req.done)
		case <-ticker.C:
			batch = p.writeBatch(batch)
		case <-p.stopCh:
			batch = p.drainReady(batch)
			p.writeBatch(batch)
			return
		}
	}
}

func (p *Pipeline) append(batch []domain.PointValue, value domain.PointValue) []domain.PointValue {
	batch = append(batch, value)
	if len(batch) >= p.cfg.BatchSize {
		batch = p.writeBatch(batch)
	}
	return batch
}

// drainReady pulls everything already enqueued without blocking, flushing
// full batches as they form.
func (p *Pipeline) drainReady(batch []domain.PointValue) []domain.PointValue {
	for {
		select {
		case value := <-p.in:
			batch = p.append(batch, value)
		default:
			return batch
		}
	}
}

// writeBatch splits the batch by (tenant, project) — the store appends one
// scope per call — and writes each group with retry. A group exhausting its
// retries is dropped alone: groups that durably landed keep their metrics
// and per-record post-write hooks.
func (p *Pipeline) writeBatch(batch []domain.PointValue) []domain.PointValue {
	if len(batch) == 0 {
		return batch
	}
	count := len(batch)
	defer p.pending.Add(-int64(count))

	for _, group := range groupByScope(batch) {
		startedAt := p.now()
		if err := p.appendGroupWithRetry(group); err != nil {
			metrics.IncBatchWriteFailures()
			p.logger.Printf("pipeline: batch of %d for %s/%s dropped after %d attempts: %v",
				len(group), group[0].TenantID, group[0].ProjectID, p.cfg.MaxRetries+1, err)
			continue
		}
		metrics.IncBatchWrites()
		metrics.ObserveWriteLatency(float64(p.now().Sub(startedAt).Milliseconds()))

		if p.postWrite != nil {
			nowMs := p.now().UnixMilli()
			for _, value := range group {
				p.postWrite(context.Background(), value)
				if delta := nowMs - value.TsMs; delta >= 0 {
					metrics.ObserveEndToEndLatency(float64(delta))
				}
			}
		}
	}
	return batch[:0]
}

// appendGroupWithRetry writes one scope's records with exponential backoff.
// Every retry attempts the entire group.
func (p *Pipeline) appendGroupWithRetry(group []domain.PointValue) error {
	attempt := 0
	delay := p.cfg.RetryBackoff
	for {
		err := p.writer.AppendBatch(context.Background(), group)
		if err == nil {
			return nil
		}
		attempt++
		if attempt > p.cfg.MaxRetries {
			return err
		}
		select {
		case <-time.After(delay):
		case <-p.stopCh:
			return err
		}
		delay *= 2
	}
}

// groupByScope splits a batch by (tenant, project), preserving order within
// each group.
func groupByScope(batch []domain.PointValue) [][]domain.PointValue {
	var groups [][]domain.PointValue
	index := make(map[string]int)
	for _, value := range batch {
		key := value.TenantID + "/" + value.ProjectID
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], value)
	}
	return groups
}
