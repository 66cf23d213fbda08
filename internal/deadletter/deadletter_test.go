package deadletter

import (
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stockdl/downloader/internal/task"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dead_letters.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func TestWriteAndRead(t *testing.T) {
	l := newTestLog(t)
	tk := task.New("600000.SH", task.TypeDaily, nil, task.PriorityNormal, 3)
	tk = tk.IncrementRetry().IncrementRetry().IncrementRetry()

	if err := l.Write(tk, ErrorTypeRetryExhausted, errors.New("connection reset")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	recs, err := l.Read(Filter{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Symbol != "600000.SH" || recs[0].ErrorType != string(ErrorTypeRetryExhausted) {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
	if recs[0].RetryCount != 3 {
		t.Fatalf("expected retry_count 3, got %d", recs[0].RetryCount)
	}
}

func TestLogMissingSymbols(t *testing.T) {
	l := newTestLog(t)
	if err := l.LogMissingSymbols("daily_basic", []string{"000001.SZ", "000002.SZ"}); err != nil {
		t.Fatalf("LogMissingSymbols: %v", err)
	}
	recs, err := l.Read(Filter{TaskType: "daily_basic"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	for _, r := range recs {
		if r.ErrorType != string(ErrorTypeMissingData) {
			t.Fatalf("expected MISSING_DATA, got %s", r.ErrorType)
		}
	}
}

func TestReadFilterBySymbolPattern(t *testing.T) {
	l := newTestLog(t)
	for _, sym := range []string{"600000.SH", "000001.SZ", "600001.SH"} {
		tk := task.New(sym, task.TypeDaily, nil, task.PriorityNormal, 1)
		if err := l.Write(tk, ErrorTypeNonRetryable, errors.New("boom")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	pat := regexp.MustCompile(`^600`)
	recs, err := l.Read(Filter{SymbolPattern: pat})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records matching 600*, got %d", len(recs))
	}
}

func TestArchiveRemovesMatchingTaskIDs(t *testing.T) {
	l := newTestLog(t)
	tk1 := task.New("600000.SH", task.TypeDaily, nil, task.PriorityNormal, 1)
	tk2 := task.New("000001.SZ", task.TypeDaily, nil, task.PriorityNormal, 1)
	if err := l.Write(tk1, ErrorTypeRetryExhausted, errors.New("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := l.Write(tk2, ErrorTypeRetryExhausted, errors.New("y")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := l.Archive([]string{tk1.ID}); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	recs, err := l.Read(Filter{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 1 || recs[0].TaskID != tk2.ID {
		t.Fatalf("expected only tk2 to survive archive, got %+v", recs)
	}
}

func TestArchivePreservesMissingSymbolRecords(t *testing.T) {
	l := newTestLog(t)
	if err := l.LogMissingSymbols("daily", []string{"600000.SH"}); err != nil {
		t.Fatalf("LogMissingSymbols: %v", err)
	}
	if err := l.Archive([]string{"some-unrelated-task-id"}); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	recs, err := l.Read(Filter{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected missing-symbol record to survive archive, got %d", len(recs))
	}
}

func TestStatistics(t *testing.T) {
	l := newTestLog(t)
	tk := task.New("600000.SH", task.TypeDaily, nil, task.PriorityNormal, 1)
	if err := l.Write(tk, ErrorTypeRetryExhausted, errors.New("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tk2 := task.New("000001.SZ", task.TypeDailyBasic, nil, task.PriorityNormal, 1)
	if err := l.Write(tk2, ErrorTypeNonRetryable, errors.New("y")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	stats, err := l.Statistics()
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Total != 2 {
		t.Fatalf("expected total 2, got %d", stats.Total)
	}
	if stats.ByTaskType[string(task.TypeDaily)] != 1 || stats.ByTaskType[string(task.TypeDailyBasic)] != 1 {
		t.Fatalf("unexpected ByTaskType: %+v", stats.ByTaskType)
	}
	if stats.ByErrorType[string(ErrorTypeRetryExhausted)] != 1 || stats.ByErrorType[string(ErrorTypeNonRetryable)] != 1 {
		t.Fatalf("unexpected ByErrorType: %+v", stats.ByErrorType)
	}
}

func TestReadOnMissingFileReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent.jsonl")
	l := &Log{path: path}
	recs, err := l.Read(Filter{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if recs != nil {
		t.Fatalf("expected nil records, got %v", recs)
	}
}
