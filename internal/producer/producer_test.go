package producer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockdl/downloader/internal/deadletter"
	"github.com/stockdl/downloader/internal/queue"
	"github.com/stockdl/downloader/internal/retry"
	"github.com/stockdl/downloader/internal/task"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   int
	failN   int
	failErr error
	result  task.DataBatch
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, t task.Task) (task.DataBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failN > 0 {
		f.failN--
		return task.DataBatch{}, f.failErr
	}
	return task.NewBatch(t, f.result.DF, ""), nil
}

func newTestDeadLetter(t *testing.T) *deadletter.Log {
	t.Helper()
	l, err := deadletter.Open(filepath.Join(t.TempDir(), "dl.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func TestPoolProcessesTaskSuccessfully(t *testing.T) {
	tq := queue.NewTaskQueue(4)
	dq := queue.NewDataQueue(4)
	dl := newTestDeadLetter(t)
	fd := &fakeDispatcher{result: task.DataBatch{DF: task.DataFrame{{"symbol": "600000.SH"}}}}

	pool := New(Config{Size: 1, PollTimeout: 20 * time.Millisecond}, tq, dq, fd, dl, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	tk := task.New("600000.SH", task.TypeDaily, task.Params{"start_date": "20240101", "end_date": "20240102"}, task.PriorityNormal, 3)
	if err := tq.Put(tk, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	batch, err := dq.Get(2 * time.Second)
	if err != nil {
		t.Fatalf("expected batch on data queue, got err %v", err)
	}
	if len(batch.DF) != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}

	pool.Stop(time.Second)
	stats := pool.Statistics()
	if stats.Processed != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPoolRequeuesRetryableErrorThenSucceeds(t *testing.T) {
	tq := queue.NewTaskQueue(4)
	dq := queue.NewDataQueue(4)
	dl := newTestDeadLetter(t)
	fd := &fakeDispatcher{
		failN:   1,
		failErr: errors.New("connection reset"),
		result:  task.DataBatch{DF: task.DataFrame{{"symbol": "600000.SH"}}},
	}

	policy := retry.Policy{Strategy: retry.Fixed, MaxAttempts: 3, BaseDelay: time.Millisecond, NonRetryable: retry.NonRetryablePatterns}
	pool := New(Config{Size: 1, PollTimeout: 10 * time.Millisecond, RequeuePolicy: policy}, tq, dq, fd, dl, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	tk := task.New("600000.SH", task.TypeDaily, nil, task.PriorityNormal, 3)
	if err := tq.Put(tk, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	batch, err := dq.Get(2 * time.Second)
	if err != nil {
		t.Fatalf("expected eventual batch, got err %v", err)
	}
	if len(batch.DF) != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}

	pool.Stop(time.Second)

	stats, err := dl.Statistics()
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected no dead-letter records after successful retry, got %d", stats.Total)
	}
}

func TestPoolDeadLettersNonRetryableError(t *testing.T) {
	tq := queue.NewTaskQueue(4)
	dq := queue.NewDataQueue(4)
	dl := newTestDeadLetter(t)
	fd := &fakeDispatcher{failN: 100, failErr: errors.New("401 unauthorized")}

	policy := retry.Policy{Strategy: retry.Fixed, MaxAttempts: 3, BaseDelay: time.Millisecond, NonRetryable: retry.NonRetryablePatterns}
	pool := New(Config{Size: 1, PollTimeout: 10 * time.Millisecond, RequeuePolicy: policy}, tq, dq, fd, dl, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	tk := task.New("600000.SH", task.TypeDaily, nil, task.PriorityNormal, 3)
	if err := tq.Put(tk, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		stats, err := dl.Statistics()
		if err != nil {
			t.Fatalf("Statistics: %v", err)
		}
		if stats.Total == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected exactly one dead-letter record for non-retryable error")
		case <-time.After(10 * time.Millisecond):
		}
	}

	pool.Stop(time.Second)
	if fd.calls != 1 {
		t.Fatalf("expected exactly 1 dispatch call for non-retryable error, got %d", fd.calls)
	}
}

func TestPoolDeadLettersAfterRetriesExhausted(t *testing.T) {
	tq := queue.NewTaskQueue(4)
	dq := queue.NewDataQueue(4)
	dl := newTestDeadLetter(t)
	fd := &fakeDispatcher{failN: 100, failErr: errors.New("connection reset")}

	policy := retry.Policy{Strategy: retry.Fixed, MaxAttempts: 2, BaseDelay: time.Millisecond, NonRetryable: retry.NonRetryablePatterns}
	pool := New(Config{Size: 1, PollTimeout: 10 * time.Millisecond, RequeuePolicy: policy}, tq, dq, fd, dl, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	tk := task.New("600000.SH", task.TypeDaily, nil, task.PriorityNormal, 1)
	if err := tq.Put(tk, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		stats, err := dl.Statistics()
		if err != nil {
			t.Fatalf("Statistics: %v", err)
		}
		if stats.Total == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected task to exhaust retries and dead-letter")
		case <-time.After(10 * time.Millisecond):
		}
	}
	pool.Stop(time.Second)
}

func TestPoolEmptyBatchStillEnqueued(t *testing.T) {
	tq := queue.NewTaskQueue(4)
	dq := queue.NewDataQueue(4)
	dl := newTestDeadLetter(t)
	fd := &fakeDispatcher{result: task.DataBatch{DF: task.DataFrame{}}}

	pool := New(Config{Size: 1, PollTimeout: 10 * time.Millisecond}, tq, dq, fd, dl, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	tk := task.New("600000.SH", task.TypeDaily, nil, task.PriorityNormal, 3)
	if err := tq.Put(tk, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	batch, err := dq.Get(2 * time.Second)
	if err != nil {
		t.Fatalf("expected empty batch to be enqueued, got err %v", err)
	}
	if len(batch.DF) != 0 {
		t.Fatalf("expected empty DataFrame, got %d rows", len(batch.DF))
	}
	pool.Stop(time.Second)
}
