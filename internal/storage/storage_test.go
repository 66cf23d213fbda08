package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/stockdl/downloader/internal/task"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func dailyBatch(symbol string, rows ...task.Row) task.DataBatch {
	tk := task.New(symbol, task.TypeDaily, nil, task.PriorityNormal, 3)
	return task.NewBatch(tk, rows, "")
}

func TestSaveAndGetLatestDate(t *testing.T) {
	e := newTestEngine(t)
	batch := dailyBatch("600000.SH",
		task.Row{"symbol": "600000.SH", "trade_date": "20240101", "close": "10.5"},
		task.Row{"symbol": "600000.SH", "trade_date": "20240103", "close": "10.8"},
		task.Row{"symbol": "600000.SH", "trade_date": "20240102", "close": "10.6"},
	)
	if err := e.Save(batch); err != nil {
		t.Fatalf("Save: %v", err)
	}

	date, found, err := e.GetLatestDate(task.TypeDaily, "600000.SH")
	if err != nil {
		t.Fatalf("GetLatestDate: %v", err)
	}
	if !found || date != "20240103" {
		t.Fatalf("expected watermark 20240103, got %q (found=%v)", date, found)
	}
}

func TestGetLatestDateNoRows(t *testing.T) {
	e := newTestEngine(t)
	_, found, err := e.GetLatestDate(task.TypeDaily, "999999.SZ")
	if err != nil {
		t.Fatalf("GetLatestDate: %v", err)
	}
	if found {
		t.Fatal("expected no watermark for unknown symbol")
	}
}

func TestBatchGetLatestDatesSingleTransaction(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Save(dailyBatch("600000.SH", task.Row{"symbol": "600000.SH", "trade_date": "20240105"})); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := e.Save(dailyBatch("000001.SZ", task.Row{"symbol": "000001.SZ", "trade_date": "20240110"})); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dates, err := e.BatchGetLatestDates(task.TypeDaily, []string{"600000.SH", "000001.SZ", "300001.SZ"})
	if err != nil {
		t.Fatalf("BatchGetLatestDates: %v", err)
	}
	if len(dates) != 2 {
		t.Fatalf("expected 2 resolved watermarks, got %d: %+v", len(dates), dates)
	}
	if dates["600000.SH"] != "20240105" || dates["000001.SZ"] != "20240110" {
		t.Fatalf("unexpected watermarks: %+v", dates)
	}
	if _, ok := dates["300001.SZ"]; ok {
		t.Fatal("expected absent symbol to be omitted, not zero-valued")
	}
}

func TestSaveUpsertMergesFields(t *testing.T) {
	e := newTestEngine(t)
	tk := task.New("600000.SH", task.TypeDaily, nil, task.PriorityNormal, 3)

	b1 := task.NewBatch(tk, task.DataFrame{{"symbol": "600000.SH", "trade_date": "20240101", "close": "10.0", "volume": "1000"}}, "")
	if err := e.Save(b1); err != nil {
		t.Fatalf("Save 1: %v", err)
	}
	b2 := task.NewBatch(tk, task.DataFrame{{"symbol": "600000.SH", "trade_date": "20240101", "close": "10.5"}}, "")
	if err := e.Save(b2); err != nil {
		t.Fatalf("Save 2: %v", err)
	}

	date, found, err := e.GetLatestDate(task.TypeDaily, "600000.SH")
	if err != nil || !found || date != "20240101" {
		t.Fatalf("expected watermark 20240101, got %q found=%v err=%v", date, found, err)
	}

	var row task.Row
	if err := e.db.View(func(tx *bolt.Tx) error {
		return json.Unmarshal(tx.Bucket(bucketDaily).Get([]byte("600000.SH\x0020240101")), &row)
	}); err != nil {
		t.Fatalf("read row: %v", err)
	}
	if row["close"] != "10.5" || row["volume"] != "1000" {
		t.Fatalf("expected close overwritten and volume kept, got %+v", row)
	}
}

func TestSaveStockListOverwritesAll(t *testing.T) {
	e := newTestEngine(t)
	tk := task.New(task.SymbolSystem, task.TypeStockList, nil, task.PriorityHigh, 3)

	b1 := task.NewBatch(tk, task.DataFrame{
		{"symbol": "600000.SH", "list_date": "19990101"},
		{"symbol": "000001.SZ", "list_date": "19910101"},
	}, "")
	if err := e.Save(b1); err != nil {
		t.Fatalf("Save 1: %v", err)
	}

	codes, err := e.GetAllStockCodes()
	if err != nil {
		t.Fatalf("GetAllStockCodes: %v", err)
	}
	if len(codes) != 2 {
		t.Fatalf("expected 2 codes, got %d", len(codes))
	}

	b2 := task.NewBatch(tk, task.DataFrame{
		{"symbol": "300001.SZ", "list_date": "20100101"},
	}, "")
	if err := e.Save(b2); err != nil {
		t.Fatalf("Save 2: %v", err)
	}

	codes, err = e.GetAllStockCodes()
	if err != nil {
		t.Fatalf("GetAllStockCodes: %v", err)
	}
	if len(codes) != 1 || codes[0] != "300001.SZ" {
		t.Fatalf("expected overwrite-all to leave only 300001.SZ, got %v", codes)
	}
}

func TestListBusinessTables(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Save(dailyBatch("600000.SH", task.Row{"symbol": "600000.SH", "trade_date": "20240101"})); err != nil {
		t.Fatalf("Save daily: %v", err)
	}
	tkBasic := task.New("600000.SH", task.TypeDailyBasic, nil, task.PriorityNormal, 3)
	if err := e.Save(task.NewBatch(tkBasic, task.DataFrame{{"symbol": "600000.SH", "trade_date": "20240101"}}, "")); err != nil {
		t.Fatalf("Save basic: %v", err)
	}

	pairs, err := e.ListBusinessTables()
	if err != nil {
		t.Fatalf("ListBusinessTables: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d: %+v", len(pairs), pairs)
	}
}

func TestSaveFinancialsCompositeKey(t *testing.T) {
	e := newTestEngine(t)
	tk := task.New("600000.SH", task.TypeFinancials, task.Params{"statement_type": "income"}, task.PriorityNormal, 3)
	batch := task.NewBatch(tk, task.DataFrame{
		{"symbol": "600000.SH", "ann_date": "20240301", "end_date": "20231231", "revenue": "100"},
		{"symbol": "600000.SH", "ann_date": "20240301", "end_date": "20230930", "revenue": "80"},
	}, "")
	if err := e.Save(batch); err != nil {
		t.Fatalf("Save: %v", err)
	}

	date, found, err := e.GetLatestDate(task.TypeFinancials, "600000.SH")
	if err != nil || !found || date != "20240301" {
		t.Fatalf("expected watermark 20240301, got %q found=%v err=%v", date, found, err)
	}
}

func TestSaveEmptyBatchIsNoop(t *testing.T) {
	e := newTestEngine(t)
	tk := task.New("600000.SH", task.TypeDaily, nil, task.PriorityNormal, 3)
	if err := e.Save(task.NewBatch(tk, nil, "no data in range")); err != nil {
		t.Fatalf("Save empty batch: %v", err)
	}
	_, found, err := e.GetLatestDate(task.TypeDaily, "600000.SH")
	if err != nil {
		t.Fatalf("GetLatestDate: %v", err)
	}
	if found {
		t.Fatal("expected empty batch to persist nothing")
	}
}

func TestResetWatermarkRemovesOnlyTargetSymbol(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Save(dailyBatch("600000.SH",
		task.Row{"symbol": "600000.SH", "trade_date": "20240101"},
		task.Row{"symbol": "600000.SH", "trade_date": "20240102"},
	)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := e.Save(dailyBatch("000001.SZ",
		task.Row{"symbol": "000001.SZ", "trade_date": "20240101"},
	)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	removed, err := e.ResetWatermark(task.TypeDaily, "600000.SH")
	if err != nil {
		t.Fatalf("ResetWatermark: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 rows removed, got %d", removed)
	}

	if _, found, err := e.GetLatestDate(task.TypeDaily, "600000.SH"); err != nil || found {
		t.Fatalf("expected watermark cleared, found=%v err=%v", found, err)
	}
	date, found, err := e.GetLatestDate(task.TypeDaily, "000001.SZ")
	if err != nil || !found || date != "20240101" {
		t.Fatalf("expected untouched symbol to keep its watermark, got %q found=%v err=%v", date, found, err)
	}
}

func TestResetWatermarkOnStockListRemovesWholeRow(t *testing.T) {
	e := newTestEngine(t)
	tk := task.New(task.SymbolSystem, task.TypeStockList, nil, task.PriorityHigh, 3)
	if err := e.Save(task.NewBatch(tk, task.DataFrame{
		{"symbol": "600519.SH", "list_date": "19960101"},
		{"symbol": "000001.SZ", "list_date": "19910403"},
	}, "")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	removed, err := e.ResetWatermark(task.TypeStockList, "600519.SH")
	if err != nil {
		t.Fatalf("ResetWatermark: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 row removed, got %d", removed)
	}

	codes, err := e.GetAllStockCodes()
	if err != nil {
		t.Fatalf("GetAllStockCodes: %v", err)
	}
	if len(codes) != 1 || codes[0] != "000001.SZ" {
		t.Fatalf("expected only 000001.SZ to remain, got %v", codes)
	}
}
