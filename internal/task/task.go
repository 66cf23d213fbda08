// Package task defines the unit of work that flows between the engine,
// the producer pool, and the consumer pool.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks within the task queue. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Type is the closed enumeration of fetchable data kinds.
type Type string

const (
	TypeStockList  Type = "STOCK_LIST"
	TypeDaily      Type = "DAILY"
	TypeDailyBasic Type = "DAILY_BASIC"
	TypeFinancials Type = "FINANCIALS"
)

// IsSystem reports whether this type must run in phase 1, alone.
func (t Type) IsSystem() bool {
	return t == TypeStockList
}

// StatementType discriminates FINANCIALS tasks.
type StatementType string

const (
	StatementIncome       StatementType = "income"
	StatementBalanceSheet StatementType = "balancesheet"
	StatementCashFlow     StatementType = "cashflow"
)

// SymbolSystem is the sentinel symbol used by system-level tasks.
const SymbolSystem = "system"

// Params is an immutable mapping of task parameters. Callers must treat
// a Params value as read-only; Task never mutates one in place.
type Params map[string]any

// StartDate returns params["start_date"] as a string, or "" if absent.
func (p Params) StartDate() string { return p.str("start_date") }

// EndDate returns params["end_date"] as a string, or "" if absent.
func (p Params) EndDate() string { return p.str("end_date") }

// Adjust returns params["adjust"] as a string, or "" if absent.
func (p Params) Adjust() string { return p.str("adjust") }

// Statement returns params["statement_type"] as a StatementType.
func (p Params) Statement() StatementType {
	return StatementType(p.str("statement_type"))
}

// TaskConfigName returns params["task_config"], the originating task-spec name.
func (p Params) TaskConfigName() string { return p.str("task_config") }

func (p Params) str(key string) string {
	if p == nil {
		return ""
	}
	v, ok := p[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Clone returns a shallow copy of p, safe to hand to a new Task.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Task is an immutable unit of work except through IncrementRetry, which
// returns a new value rather than mutating the receiver.
type Task struct {
	ID         string
	Symbol     string
	Type       Type
	Params     Params
	Priority   Priority
	RetryCount int
	MaxRetries int
	CreatedAt  time.Time
}

// New creates a fresh Task with a globally unique id and retry_count 0.
func New(symbol string, typ Type, params Params, priority Priority, maxRetries int) Task {
	return Task{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Type:       typ,
		Params:     params,
		Priority:   priority,
		RetryCount: 0,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
}

// CanRetry reports whether this task has retry budget remaining.
func (t Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// IncrementRetry returns a new Task with RetryCount+1. It never mutates t.
func (t Task) IncrementRetry() Task {
	next := t
	next.RetryCount = t.RetryCount + 1
	return next
}

// IsSystem reports whether this task must be scheduled in phase 1.
func (t Task) IsSystem() bool {
	return t.Type.IsSystem()
}
