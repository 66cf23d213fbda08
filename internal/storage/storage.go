// Package storage is the durable, indexed, concurrent-read/single-writer
// columnar store for the four logical tables of the pipeline (spec
// §3/§4.5), grounded on the teacher's bucket-per-resource layout in
// cuemby-warren/pkg/storage/boltdb.go but built on composite sortable
// keys so watermark MAX queries are a cursor seek, not a scan.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stockdl/downloader/internal/task"
)

var (
	bucketDaily       = []byte("daily_data")
	bucketFundamental = []byte("fundamental_data")
	bucketFinancial   = []byte("financial_data")
	bucketStockList   = []byte("sys_stock_list")

	// Each data bucket has a matching index bucket of symbol\x00date -> pk,
	// giving watermark queries a Cursor.Seek instead of a full scan.
	indexSuffix = []byte("__by_symbol_date")
)

var dataBuckets = map[task.Type][]byte{
	task.TypeDaily:      bucketDaily,
	task.TypeDailyBasic: bucketFundamental,
	task.TypeFinancials: bucketFinancial,
	task.TypeStockList:  bucketStockList,
}

func indexBucketName(data []byte) []byte {
	return append(append([]byte{}, data...), indexSuffix...)
}

// dateColumn returns the table's watermark date column.
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

// BusinessPair is one (task_type, symbol) entry with at least one row.
type BusinessPair struct {
	TaskType task.Type
	Symbol   string
}

// Engine is the single embedded-file store backing all four tables.
type Engine struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and ensures
// every table and its secondary index bucket exist.
func Open(path string) (*Engine, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range dataBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucketIfNotExists(indexBucketName(name)); err != nil {
				return fmt.Errorf("create index bucket for %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Engine{db: db}, nil
}

// Close releases the underlying file.
func (e *Engine) Close() error {
	return e.db.Close()
}

// naturalKey builds the primary-key bytes for a row of the given table,
// per the natural keys declared in spec §3.
func naturalKey(t task.Type, row task.Row) ([]byte, error) {
	symbol, _ := row["symbol"].(string)
	if symbol == "" {
		return nil, fmt.Errorf("storage: row missing symbol")
	}
	switch t {
	case task.TypeStockList:
		return []byte(symbol), nil
	case task.TypeFinancials:
		annDate, _ := row["ann_date"].(string)
		endDate, _ := row["end_date"].(string)
		if annDate == "" {
			return nil, fmt.Errorf("storage: financial row for %s missing ann_date", symbol)
		}
		return []byte(symbol + "\x00" + annDate + "\x00" + endDate), nil
	default:
		tradeDate, _ := row["trade_date"].(string)
		if tradeDate == "" {
			return nil, fmt.Errorf("storage: row for %s missing trade_date", symbol)
		}
		return []byte(symbol + "\x00" + tradeDate), nil
	}
}

func indexKey(symbol, date string) []byte {
	return []byte(symbol + "\x00" + date)
}

// Save idempotently upserts batch's rows into the table for its task
// type. sys_stock_list rows replace the whole table (overwrite-all);
// every other table merges new fields over any existing row sharing the
// same natural key (upsert-merge), per spec §3.
func (e *Engine) Save(batch task.DataBatch) error {
	data, ok := dataBuckets[batch.Meta.TaskType]
	if !ok {
		return fmt.Errorf("storage: unknown task type %q", batch.Meta.TaskType)
	}
	if len(batch.DF) == 0 {
		return nil
	}

	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(data)
		idx := tx.Bucket(indexBucketName(data))
		dateCol := dateColumn(batch.Meta.TaskType)

		if batch.Meta.TaskType == task.TypeStockList {
			if err := clearBucket(b); err != nil {
				return err
			}
			if err := clearBucket(idx); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		for _, row := range batch.DF {
			pk, err := naturalKey(batch.Meta.TaskType, row)
			if err != nil {
				return err
			}

			merged := row
			if existing := b.Get(pk); existing != nil {
				var old task.Row
				if err := json.Unmarshal(existing, &old); err != nil {
					return fmt.Errorf("storage: corrupt row at %q: %w", pk, err)
				}
				merged = mergeRow(old, row)
			} else {
				merged = mergeRow(task.Row{"created_at": now.Format(time.RFC3339)}, row)
			}
			merged["updated_at"] = now.Format(time.RFC3339)

			encoded, err := json.Marshal(merged)
			if err != nil {
				return fmt.Errorf("storage: marshal row: %w", err)
			}
			if err := b.Put(pk, encoded); err != nil {
				return err
			}

			symbol, _ := row["symbol"].(string)
			date, _ := merged[dateCol].(string)
			if date != "" {
				if err := idx.Put(indexKey(symbol, date), pk); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// mergeRow overlays new onto base, keeping base's fields that new omits.
func mergeRow(base, new task.Row) task.Row {
	merged := make(task.Row, len(base)+len(new))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range new {
		merged[k] = v
	}
	return merged
}

func clearBucket(b *bolt.Bucket) error {
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.First() {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// GetLatestDate returns the watermark for (dataType, symbol), and false
// if no rows exist for that symbol in the table.
func (e *Engine) GetLatestDate(dataType task.Type, symbol string) (string, bool, error) {
	data, ok := dataBuckets[dataType]
	if !ok {
		return "", false, fmt.Errorf("storage: unknown task type %q", dataType)
	}

	var date string
	var found bool
	err := e.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(indexBucketName(data))
		date, found = seekMaxDate(idx, symbol)
		return nil
	})
	return date, found, err
}

// BatchGetLatestDates resolves watermarks for many symbols in a single
// read transaction, per spec §4.10 step 3's performance invariant.
// Symbols with no rows are simply absent from the result.
func (e *Engine) BatchGetLatestDates(dataType task.Type, symbols []string) (map[string]string, error) {
	data, ok := dataBuckets[dataType]
	if !ok {
		return nil, fmt.Errorf("storage: unknown task type %q", dataType)
	}

	out := make(map[string]string, len(symbols))
	err := e.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(indexBucketName(data))
		for _, sym := range symbols {
			if date, found := seekMaxDate(idx, sym); found {
				out[sym] = date
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// seekMaxDate finds the largest date indexed under symbol in idx, using a
// single Seek+Prev instead of scanning the bucket.
func seekMaxDate(idx *bolt.Bucket, symbol string) (string, bool) {
	prefix := []byte(symbol + "\x00")
	upper := append([]byte(symbol), 0xff)

	c := idx.Cursor()
	k, _ := c.Seek(upper)
	if k == nil {
		k, _ = c.Last()
	} else {
		k, _ = c.Prev()
	}
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return "", false
	}
	return string(k[len(prefix):]), true
}

// GetAllStockCodes reads every symbol in the security master.
func (e *Engine) GetAllStockCodes() ([]string, error) {
	var symbols []string
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStockList)
		return b.ForEach(func(k, _ []byte) error {
			symbols = append(symbols, string(k))
			return nil
		})
	})
	return symbols, err
}

// ResetWatermark deletes every row and index entry for symbol in
// dataType's table, the operational escape hatch for forcing a single
// symbol/task-type pair back to an empty watermark outside of a
// whole-group --force run. Reports how many rows were removed.
func (e *Engine) ResetWatermark(dataType task.Type, symbol string) (int, error) {
	data, ok := dataBuckets[dataType]
	if !ok {
		return 0, fmt.Errorf("storage: unknown task type %q", dataType)
	}

	removed := 0
	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(data)
		idx := tx.Bucket(indexBucketName(data))

		prefix := []byte(symbol + "\x00")
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte{}, k...))
		}
		if dataType == task.TypeStockList {
			if v := b.Get([]byte(symbol)); v != nil {
				keys = append(keys, []byte(symbol))
			}
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}

		var idxKeys [][]byte
		ic := idx.Cursor()
		for k, _ := ic.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = ic.Next() {
			idxKeys = append(idxKeys, append([]byte{}, k...))
		}
		for _, k := range idxKeys {
			if err := idx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: reset watermark for %s/%s: %w", dataType, symbol, err)
	}
	return removed, nil
}

// ListBusinessTables enumerates (task_type, symbol) pairs with at least
// one row, across every business (non-system) table. Used by the
// reconcile workflow to find symbols worth re-checking.
func (e *Engine) ListBusinessTables() ([]BusinessPair, error) {
	businessTypes := []task.Type{task.TypeDaily, task.TypeDailyBasic, task.TypeFinancials}

	var pairs []BusinessPair
	err := e.db.View(func(tx *bolt.Tx) error {
		for _, t := range businessTypes {
			b := tx.Bucket(dataBuckets[t])
			seen := make(map[string]bool)
			c := b.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				symbol := string(k)
				if i := bytes.IndexByte(k, 0); i >= 0 {
					symbol = string(k[:i])
				}
				if seen[symbol] {
					continue
				}
				seen[symbol] = true
				pairs = append(pairs, BusinessPair{TaskType: t, Symbol: symbol})
			}
		}
		return nil
	})
	return pairs, err
}
