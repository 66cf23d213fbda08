// Package producer implements the producer pool (spec §4.8): a fixed
// set of workers pulling tasks off the task queue, dispatching them
// through the fetcher, and pushing the resulting batches onto the data
// queue. Worker lifecycle (poll-with-timeout loop, stop flag, atomic
// counters) is grounded on the teacher's AsyncWorker/CheckpointCommitter
// style in internal/ingester.
package producer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockdl/downloader/internal/deadletter"
	"github.com/stockdl/downloader/internal/queue"
	"github.com/stockdl/downloader/internal/ratelimit"
	"github.com/stockdl/downloader/internal/retry"
	"github.com/stockdl/downloader/internal/task"
)

// Dispatcher is the subset of *fetcher.Fetcher the pool depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, t task.Task) (task.DataBatch, error)
}

// Notifier receives best-effort lifecycle events from the pool (spec
// §4.11's publisher side of C11). The progress bus implements this;
// tests and callers that don't care about observability use NoopNotifier.
type Notifier interface {
	TaskStarted(taskID, symbol string)
	TaskCompleted(taskID string, rows int)
	TaskFailed(taskID, symbol string, err error)
}

// NoopNotifier discards every event.
type NoopNotifier struct{}

func (NoopNotifier) TaskStarted(string, string)      {}
func (NoopNotifier) TaskCompleted(string, int)       {}
func (NoopNotifier) TaskFailed(string, string, error) {}

// Config configures a Pool.
type Config struct {
	Size           int
	PollTimeout    time.Duration
	EnqueueTimeout time.Duration
	RequeuePolicy  retry.Policy // decides task-level requeue-vs-dead-letter, spec §4.8 step 1
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 5 * time.Second
	}
	if c.Size <= 0 {
		c.Size = 1
	}
	return c
}

// Stats is a point-in-time snapshot of pool-wide counters.
type Stats struct {
	Processed int64
	Failed    int64
}

// Pool is the fixed-size producer worker pool.
type Pool struct {
	cfg        Config
	taskQueue  *queue.TaskQueue
	dataQueue  *queue.DataQueue
	dispatcher Dispatcher
	deadLetter *deadletter.Log
	notifier   Notifier
	log        zerolog.Logger

	processed atomic.Int64
	failed    atomic.Int64
	inFlight  atomic.Int32
	stopping  atomic.Bool
	wg        sync.WaitGroup
}

// New constructs a Pool. notifier may be NoopNotifier{}.
func New(cfg Config, taskQueue *queue.TaskQueue, dataQueue *queue.DataQueue, dispatcher Dispatcher, deadLetter *deadletter.Log, notifier Notifier, log zerolog.Logger) *Pool {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Pool{
		cfg:        cfg.withDefaults(),
		taskQueue:  taskQueue,
		dataQueue:  dataQueue,
		dispatcher: dispatcher,
		deadLetter: deadLetter,
		notifier:   notifier,
		log:        log.With().Str("component", "producer").Logger(),
	}
}

// Start launches cfg.Size workers, each running independently until
// Stop is called or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Size; i++ {
		id := i
		p.wg.Add(1)
		go p.runWorker(ctx, id)
	}
}

// Stop requests every worker finish its in-flight task and exit, then
// waits up to timeout. Returns false if workers were still running when
// timeout elapsed.
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

// Idle reports whether every worker is currently between tasks, i.e.
// nothing is queued and no worker has an in-flight dispatch. Used by
// the engine's drain detection (spec §4.10).
func (p *Pool) Idle() bool {
	return p.taskQueue.Len() == 0 && p.inFlight.Load() == 0
}

// Statistics returns the pool's aggregate counters.
func (p *Pool) Statistics() Stats {
	return Stats{Processed: p.processed.Load(), Failed: p.failed.Load()}
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()

	for {
		if p.stopping.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, err := p.taskQueue.Get(p.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return
			}
			// ErrTimeout: poll again so stop()/ctx cancellation stays observable.
			continue
		}

		p.processTask(ctx, t, log)
	}
}

func (p *Pool) processTask(ctx context.Context, t task.Task, log zerolog.Logger) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	p.notifier.TaskStarted(t.ID, t.Symbol)

	batch, err := p.dispatcher.Dispatch(ctx, t)
	if err != nil {
		if p.handleFetchError(ctx, t, err, log) {
			return
		}
		p.failed.Add(1)
		p.notifier.TaskFailed(t.ID, t.Symbol, err)
		return
	}

	if putErr := p.dataQueue.Put(batch, p.cfg.EnqueueTimeout); putErr != nil {
		log.Error().Str("task_id", t.ID).Err(putErr).Msg("data queue enqueue failed, dead-lettering task")
		if dlErr := p.deadLetter.Write(t, deadletter.ErrorTypeQueueFull, putErr); dlErr != nil {
			log.Error().Err(dlErr).Msg("failed to write dead-letter record")
		}
		p.failed.Add(1)
		p.notifier.TaskFailed(t.ID, t.Symbol, putErr)
		return
	}

	p.processed.Add(1)
	p.notifier.TaskCompleted(t.ID, len(batch.DF))
}

// handleFetchError applies spec §4.8's error-handling decision tree: a
// retryable error under an unretired task is requeued with its own
// backoff; everything else is dead-lettered. It reports whether the task
// was requeued, in which case the caller does not count it as failed.
func (p *Pool) handleFetchError(ctx context.Context, t task.Task, err error, log zerolog.Logger) bool {
	attempt := t.RetryCount + 1
	if t.CanRetry() && p.cfg.RequeuePolicy.ShouldRetry(err, attempt) {
		delay := p.cfg.RequeuePolicy.GetDelay(err, attempt)
		if !sleepOrCancelled(ctx, delay) {
			return false
		}
		requeued := t.IncrementRetry()
		if putErr := p.taskQueue.Put(requeued, p.cfg.EnqueueTimeout); putErr != nil {
			log.Warn().Str("task_id", t.ID).Err(putErr).Msg("requeue failed, dead-lettering task")
			if dlErr := p.deadLetter.Write(requeued, deadletter.ErrorTypeQueueFull, putErr); dlErr != nil {
				log.Error().Err(dlErr).Msg("failed to write dead-letter record")
			}
			return false
		}
		return true
	}

	errType := deadletter.ErrorTypeRetryExhausted
	if errors.Is(err, ratelimit.ErrWaitTooLong) {
		errType = deadletter.ErrorTypeRateLimitWait
	} else if !p.cfg.RequeuePolicy.ShouldRetry(err, 0) {
		errType = deadletter.ErrorTypeNonRetryable
	}
	if dlErr := p.deadLetter.Write(t, errType, err); dlErr != nil {
		log.Error().Err(dlErr).Msg("failed to write dead-letter record")
	}
	return false
}

// sleepOrCancelled blocks for d, returning false if ctx is cancelled
// first (in which case the caller should abandon the retry).
func sleepOrCancelled(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
