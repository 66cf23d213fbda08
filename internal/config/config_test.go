package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stockdl/downloader/internal/task"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const validDoc = `
tushare_token: "abc123"
database:
  path: "data/test.db"
downloader:
  max_producers: 4
  max_consumers: 2
  producer_queue_size: 1000
  data_queue_size: 1000
  symbols: all
consumer:
  batch_size: 500
  flush_interval: 30
  max_retries: 3
tasks:
  daily:
    type: DAILY
    enabled: true
  stock_list:
    type: STOCK_LIST
    enabled: true
groups:
  nightly:
    description: "full nightly run"
    symbols: all
    tasks: [stock_list, daily]
`

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validDoc)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TushareToken != "abc123" {
		t.Fatalf("unexpected token: %q", cfg.TushareToken)
	}
	if cfg.Tasks["daily"].TaskType() != task.TypeDaily {
		t.Fatalf("unexpected task type: %v", cfg.Tasks["daily"].TaskType())
	}
	all, list, err := cfg.Groups["nightly"].Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	if !all || list != nil {
		t.Fatalf("expected all=true, got all=%v list=%v", all, list)
	}
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	path := writeConfig(t, validDoc)
	t.Setenv("TUSHARE_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TushareToken != "from-env" {
		t.Fatalf("expected env override, got %q", cfg.TushareToken)
	}
}

func TestLoadAppliesDefaultPaths(t *testing.T) {
	path := writeConfig(t, validDoc)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeadLetter.Path != defaultDeadLetterPath {
		t.Fatalf("expected default dead-letter path, got %q", cfg.DeadLetter.Path)
	}
}

func TestLoadMissingTokenFails(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "data/test.db"
downloader:
  max_producers: 1
  max_consumers: 1
  producer_queue_size: 10
  data_queue_size: 10
  symbols: all
consumer:
  batch_size: 10
  flush_interval: 5
  max_retries: 1
tasks:
  daily:
    type: DAILY
groups:
  nightly:
    symbols: all
    tasks: [daily]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing tushare_token")
	}
}

func TestLoadUnknownTaskInGroupFails(t *testing.T) {
	path := writeConfig(t, `
tushare_token: "abc"
downloader:
  max_producers: 1
  max_consumers: 1
  producer_queue_size: 10
  data_queue_size: 10
  symbols: all
consumer:
  batch_size: 10
  flush_interval: 5
  max_retries: 1
tasks:
  daily:
    type: DAILY
groups:
  nightly:
    symbols: all
    tasks: [does_not_exist]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for group referencing unknown task")
	}
}

func TestLoadExplicitSymbolList(t *testing.T) {
	path := writeConfig(t, `
tushare_token: "abc"
downloader:
  max_producers: 1
  max_consumers: 1
  producer_queue_size: 10
  data_queue_size: 10
  symbols: ["600519.SH", "000001.SZ"]
consumer:
  batch_size: 10
  flush_interval: 5
  max_retries: 1
tasks:
  daily:
    type: DAILY
groups:
  nightly:
    symbols: ["600519.SH"]
    tasks: [daily]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	all, list, err := cfg.Downloader.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	if all || len(list) != 2 {
		t.Fatalf("expected explicit 2-symbol list, got all=%v list=%v", all, list)
	}
}
