package task

import (
	"time"

	"github.com/google/uuid"
)

// Row is one tabular record with a uniform named schema across a DataFrame.
// Storage persists every column a row carries, as given; it does not drop
// columns outside a table's schema or add missing ones as nulls.
type Row map[string]any

// DataFrame is an ordered sequence of Rows. An empty DataFrame is a
// legitimate "no data in range" result. The fetcher reports exhausted
// retries as an error, not as a nil DataFrame; a nil DataFrame with no
// error comes from a null upstream response.
type DataFrame []Row

// Meta carries batch provenance. Reason is set to "no_data" for
// legitimately empty batches so consumers can report accurate counts.
type Meta struct {
	TaskType  Type
	Statement StatementType
	CreatedAt time.Time
	Reason    string
}

// DataBatch is produced by the producer pool and consumed by the consumer
// pool. Rows within one batch belong to the same TaskType and Symbol.
type DataBatch struct {
	BatchID string
	TaskID  string
	Symbol  string
	Meta    Meta
	DF      DataFrame
}

// NewBatch constructs a DataBatch for the result of fetching t.
func NewBatch(t Task, df DataFrame, reason string) DataBatch {
	return DataBatch{
		BatchID: uuid.NewString(),
		TaskID:  t.ID,
		Symbol:  t.Symbol,
		Meta: Meta{
			TaskType:  t.Type,
			Statement: t.Params.Statement(),
			CreatedAt: time.Now().UTC(),
			Reason:    reason,
		},
		DF: df,
	}
}

// PartitionKey identifies the (task_type, symbol) accumulation bucket a
// batch belongs to in the consumer pool, per spec §4.9.
func (b DataBatch) PartitionKey() PartitionKey {
	return PartitionKey{TaskType: b.Meta.TaskType, Symbol: b.Symbol}
}

// PartitionKey is the consumer pool's accumulation/partition unit.
type PartitionKey struct {
	TaskType Type
	Symbol   string
}
