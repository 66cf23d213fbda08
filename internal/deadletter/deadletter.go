// Package deadletter implements the append-only JSON-lines record of
// terminally failed tasks and missing-symbol reconcile entries (spec
// §4.3). Writes are serialized by a single process-wide mutex, per the
// spec's explicit portability requirement.
package deadletter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/stockdl/downloader/internal/task"
)

// ErrorType enumerates the dead-letter record's failure classification.
type ErrorType string

const (
	ErrorTypeRetryExhausted ErrorType = "RETRY_EXHAUSTED"
	ErrorTypeNonRetryable   ErrorType = "NON_RETRYABLE"
	ErrorTypeQueueFull      ErrorType = "QUEUE_FULL"
	ErrorTypeRateLimitWait  ErrorType = "RATE_LIMIT_WAIT_TOO_LONG"
	ErrorTypeStorageFailure ErrorType = "STORAGE_FAILURE"
	ErrorTypeMissingData    ErrorType = "MISSING_DATA"
)

// Record is one line of the dead-letter log, exactly the schema in spec §6.
type Record struct {
	TaskID            string      `json:"task_id"`
	Symbol            string      `json:"symbol"`
	TaskType          string      `json:"task_type"`
	Params            task.Params `json:"params"`
	Priority          int         `json:"priority"`
	RetryCount        int         `json:"retry_count"`
	MaxRetries        int         `json:"max_retries"`
	ErrorType         string      `json:"error_type"`
	ErrorMessage      string      `json:"error_message"`
	FailedAt          time.Time   `json:"failed_at"`
	OriginalCreatedAt time.Time   `json:"original_created_at"`
}

// Filter selects a subset of Records for Read.
type Filter struct {
	TaskType      string
	SymbolPattern *regexp.Regexp
	Limit         int
}

// Stats summarizes dead-letter counts by task_type and error_type.
type Stats struct {
	ByTaskType  map[string]int
	ByErrorType map[string]int
	Total       int
}

// Log is a durable, append-only, concurrency-safe dead-letter writer.
type Log struct {
	path string
	mu   sync.Mutex
}

// Open opens (creating if necessary) the dead-letter log at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open %s: %w", path, err)
	}
	f.Close()
	return &Log{path: path}, nil
}

// Write appends one dead-letter record for t, terminally failed with err.
func (l *Log) Write(t task.Task, errType ErrorType, err error) error {
	rec := Record{
		TaskID:            t.ID,
		Symbol:            t.Symbol,
		TaskType:          string(t.Type),
		Params:            t.Params,
		Priority:          int(t.Priority),
		RetryCount:        t.RetryCount,
		MaxRetries:        t.MaxRetries,
		ErrorType:         string(errType),
		ErrorMessage:      errMessage(err),
		FailedAt:          time.Now().UTC(),
		OriginalCreatedAt: t.CreatedAt,
	}
	return l.append(rec)
}

// LogMissingSymbols appends one MISSING_DATA record per symbol for a
// reconcile pass over taskType.
func (l *Log) LogMissingSymbols(taskType string, symbols []string) error {
	now := time.Now().UTC()
	for _, sym := range symbols {
		rec := Record{
			Symbol:       sym,
			TaskType:     taskType,
			ErrorType:    string(ErrorTypeMissingData),
			ErrorMessage: fmt.Sprintf("no %s rows found for %s", taskType, sym),
			FailedAt:     now,
		}
		if err := l.append(rec); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("deadletter: open for append: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("deadletter: marshal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("deadletter: write record: %w", err)
	}
	return nil
}

// Read parses the log file, returning records matching filter.
func (l *Log) Read(filter Filter) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(filter)
}

func (l *Log) readLocked(filter Filter) ([]Record, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("deadletter: open for read: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("deadletter: corrupt record: %w", err)
		}
		if !matches(rec, filter) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("deadletter: scan: %w", err)
	}
	return out, nil
}

func matches(rec Record, filter Filter) bool {
	if filter.TaskType != "" && rec.TaskType != filter.TaskType {
		return false
	}
	if filter.SymbolPattern != nil && !filter.SymbolPattern.MatchString(rec.Symbol) {
		return false
	}
	return true
}

// Archive rewrites the log, dropping any record whose TaskID is in ids.
// Missing-symbol records (no TaskID) are always kept.
func (l *Log) Archive(ids []string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.readLocked(Filter{})
	if err != nil {
		return err
	}

	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("deadletter: create temp file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, rec := range all {
		if rec.TaskID != "" && drop[rec.TaskID] {
			continue
		}
		line, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("deadletter: marshal record: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("deadletter: write temp record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("deadletter: flush temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("deadletter: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("deadletter: rename temp file: %w", err)
	}
	return nil
}

// Statistics returns counts grouped by task_type and error_type.
func (l *Log) Statistics() (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.readLocked(Filter{})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{ByTaskType: map[string]int{}, ByErrorType: map[string]int{}}
	for _, rec := range all {
		stats.ByTaskType[rec.TaskType]++
		stats.ByErrorType[rec.ErrorType]++
		stats.Total++
	}
	return stats, nil
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
