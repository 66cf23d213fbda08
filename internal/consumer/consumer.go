// Package consumer implements the consumer pool (spec §4.9): M workers
// that accumulate DataBatches by (task_type, symbol), periodically flush
// through the storage engine, and dead-letter whatever a failing flush
// couldn't persist. The periodic-tick flush loop is grounded on the
// teacher's CheckpointCommitter, generalized from "advance one
// checkpoint" to "flush N accumulator buckets".
package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockdl/downloader/internal/deadletter"
	"github.com/stockdl/downloader/internal/queue"
	"github.com/stockdl/downloader/internal/retry"
	"github.com/stockdl/downloader/internal/task"
)

// Storage is the subset of *storage.Engine the pool depends on.
type Storage interface {
	Save(batch task.DataBatch) error
}

// Notifier receives best-effort lifecycle events (spec §4.11).
type Notifier interface {
	BatchFlushed(count int)
}

// NoopNotifier discards every event.
type NoopNotifier struct{}

func (NoopNotifier) BatchFlushed(int) {}

// Config configures a Pool.
type Config struct {
	Size          int
	BatchSize     int           // row-count flush threshold per bucket
	FlushInterval time.Duration // time-based flush threshold
	MaxRetries    int           // flush retry attempts before dead-lettering a bucket
	PollTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	return c
}

// Stats is a point-in-time snapshot of pool-wide counters.
type Stats struct {
	Flushed int64
	Failed  int64
}

// dateColumn returns the table's watermark date column, mirroring
// storage's table design since flush-time dedup needs the same fact.
func dateColumn(t task.Type) string {
	switch t {
	case task.TypeFinancials:
		return "ann_date"
	case task.TypeStockList:
		return "list_date"
	default:
		return "trade_date"
	}
}

// bucket accumulates every batch seen for one (task_type, symbol) pair
// since the worker's last flush.
type bucket struct {
	batches  []task.DataBatch
	rowCount int
}

// Pool is the fixed-size consumer worker pool.
type Pool struct {
	cfg        Config
	dataQueue  *queue.DataQueue
	storage    Storage
	deadLetter *deadletter.Log
	notifier   Notifier
	log        zerolog.Logger

	flushed      atomic.Int64
	failed       atomic.Int64
	stopping     atomic.Bool
	forceFlushCh chan chan struct{}
	wg           sync.WaitGroup
}

// New constructs a Pool. notifier may be nil.
func New(cfg Config, dataQueue *queue.DataQueue, storage Storage, deadLetter *deadletter.Log, notifier Notifier, log zerolog.Logger) *Pool {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:          cfg,
		dataQueue:    dataQueue,
		storage:      storage,
		deadLetter:   deadLetter,
		notifier:     notifier,
		log:          log.With().Str("component", "consumer").Logger(),
		forceFlushCh: make(chan chan struct{}, cfg.Size),
	}
}

// Start launches cfg.Size workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Size; i++ {
		id := i
		p.wg.Add(1)
		go p.runWorker(id)
	}
}

// ForceFlush asks every worker to flush its accumulator on its next loop
// iteration (spec §4.9's engine-issued force-flush condition). It does
// not wait for the flush to land; use ForceFlushSync when a later step
// depends on the flushed rows being durable.
func (p *Pool) ForceFlush() {
	for i := 0; i < p.cfg.Size; i++ {
		select {
		case p.forceFlushCh <- nil:
		default:
		}
	}
}

// ForceFlushSync asks every worker to flush immediately and blocks until
// all of them have acknowledged one such cycle, or timeout elapses
// (returning false). The engine uses this between phase 1 and symbol
// resolution: phase 2's "all symbols" planning reads the security
// master phase 1 just populated, so that flush must be durable first.
func (p *Pool) ForceFlushSync(timeout time.Duration) bool {
	ack := make(chan struct{}, p.cfg.Size)
	sent := 0
	for i := 0; i < p.cfg.Size; i++ {
		select {
		case p.forceFlushCh <- ack:
			sent++
		default:
		}
	}

	deadline := time.After(timeout)
	for i := 0; i < sent; i++ {
		select {
		case <-ack:
		case <-deadline:
			return false
		}
	}
	return true
}

// Stop requests every worker flush and exit, then waits up to timeout.
func (p *Pool) Stop(timeout time.Duration) bool {
	p.stopping.Store(true)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Idle reports whether the data queue is currently empty. Used by the
// engine's drain detection (spec §4.10); accumulated-but-unflushed rows
// are intentionally not part of "drained" — a force-flush settles those.
func (p *Pool) Idle() bool {
	return p.dataQueue.Len() == 0
}

// Statistics returns the pool's aggregate counters.
func (p *Pool) Statistics() Stats {
	return Stats{Flushed: p.flushed.Load(), Failed: p.failed.Load()}
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()

	acc := make(map[task.PartitionKey]*bucket)
	lastFlush := time.Now()

	for {
		var ack chan struct{}
		select {
		case sig := <-p.forceFlushCh:
			ack = sig
		default:
		}

		b, err := p.dataQueue.Get(p.cfg.PollTimeout)
		switch {
		case err == nil:
			accumulate(acc, b)
		case errors.Is(err, queue.ErrClosed):
			p.flushAll(acc, log)
			ackFlush(ack)
			return
		default:
			// ErrTimeout: fall through to flush-condition check.
		}

		if p.stopping.Load() {
			p.flushAll(acc, log)
			ackFlush(ack)
			return
		}

		if ack != nil || time.Since(lastFlush) >= p.cfg.FlushInterval || anyBucketFull(acc, p.cfg.BatchSize) {
			p.flushDue(acc, p.cfg.BatchSize, log)
			lastFlush = time.Now()
		}
		ackFlush(ack)
	}
}

func ackFlush(ack chan struct{}) {
	if ack == nil {
		return
	}
	select {
	case ack <- struct{}{}:
	default:
	}
}

func accumulate(acc map[task.PartitionKey]*bucket, b task.DataBatch) {
	key := b.PartitionKey()
	buck, ok := acc[key]
	if !ok {
		buck = &bucket{}
		acc[key] = buck
	}
	buck.batches = append(buck.batches, b)
	buck.rowCount += len(b.DF)
}

func anyBucketFull(acc map[task.PartitionKey]*bucket, threshold int) bool {
	for _, b := range acc {
		if b.rowCount >= threshold {
			return true
		}
	}
	return false
}

// flushDue flushes every bucket that holds rows and empties the
// accumulator; buckets with no rows are dropped without a storage call.
// threshold is not consulted: whichever flush condition fired, every
// pending bucket is written.
func (p *Pool) flushDue(acc map[task.PartitionKey]*bucket, threshold int, log zerolog.Logger) {
	for key, b := range acc {
		if b.rowCount == 0 {
			delete(acc, key)
			continue
		}
		p.flushBucket(key, b, log)
		delete(acc, key)
	}
}

// flushAll unconditionally flushes every remaining bucket, used on
// worker shutdown per spec §4.9's worker loop ("flush_all() on exit").
func (p *Pool) flushAll(acc map[task.PartitionKey]*bucket, log zerolog.Logger) {
	p.flushDue(acc, 0, log)
}

func (p *Pool) flushBucket(key task.PartitionKey, b *bucket, log zerolog.Logger) {
	merged := dedupeByNaturalKey(key.TaskType, b.batches)
	if len(merged) == 0 {
		p.flushed.Add(1)
		p.notifier.BatchFlushed(0)
		return
	}

	flushBatch := task.DataBatch{
		TaskID: b.batches[len(b.batches)-1].TaskID,
		Symbol: key.Symbol,
		Meta: task.Meta{
			TaskType:  key.TaskType,
			CreatedAt: time.Now().UTC(),
		},
		DF: merged,
	}

	policy := retry.Policy{
		Strategy:     retry.Exponential,
		MaxAttempts:  p.cfg.MaxRetries,
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		BackoffFactor: 2,
		NonRetryable: retry.NonRetryablePatterns,
	}

	err := retry.Do(context.Background(), policy, func() error {
		return p.storage.Save(flushBatch)
	})
	if err != nil {
		log.Error().Str("task_type", string(key.TaskType)).Str("symbol", key.Symbol).Err(err).
			Msg("flush failed after retries, dead-lettering bucket")
		p.deadLetterBucket(key, b, err)
		p.failed.Add(int64(len(b.batches)))
		return
	}

	p.flushed.Add(1)
	p.notifier.BatchFlushed(len(merged))
}

// deadLetterBucket records one dead-letter entry per originating batch
// in the failing bucket (spec §4.9). DataBatch doesn't carry the
// producing task's priority/retry_count/params, so those fields are
// left at their zero values; task_id, symbol and task_type are preserved,
// which is what a reconcile rerun needs to re-derive the task.
// original_created_at holds the batch's creation time, since the task's
// own creation time does not travel with the batch.
func (p *Pool) deadLetterBucket(key task.PartitionKey, b *bucket, flushErr error) {
	for _, batch := range b.batches {
		t := task.Task{
			ID:        batch.TaskID,
			Symbol:    batch.Symbol,
			Type:      key.TaskType,
			CreatedAt: batch.Meta.CreatedAt,
		}
		if err := p.deadLetter.Write(t, deadletter.ErrorTypeStorageFailure, flushErr); err != nil {
			p.log.Error().Err(err).Msg("failed to write dead-letter record")
		}
	}
}

// dedupeByNaturalKey concatenates every row across batches and, when the
// table has a date column, deduplicates by (symbol, date), keeping the
// last occurrence — later-produced data wins (spec §4.9/§5).
func dedupeByNaturalKey(t task.Type, batches []task.DataBatch) task.DataFrame {
	col := dateColumn(t)

	var all task.DataFrame
	for _, b := range batches {
		all = append(all, b.DF...)
	}
	if col == "" {
		return all
	}

	order := make([]string, 0, len(all))
	latest := make(map[string]task.Row, len(all))
	for _, row := range all {
		symbol, _ := row["symbol"].(string)
		date, _ := row[col].(string)
		key := symbol + "\x00" + date
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = row
	}

	out := make(task.DataFrame, 0, len(order))
	for _, key := range order {
		out = append(out, latest[key])
	}
	return out
}
