// Command reset-watermark is a single-purpose operational tool, adapted
// from the teacher's cmd/tools/reset_checkpoint: delete the stored
// watermark for one (task-type, symbol) pair so the next group run
// refetches it from the earliest feasible date, without forcing a
// watermark reset across an entire --force run.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/stockdl/downloader/internal/config"
	"github.com/stockdl/downloader/internal/storage"
	"github.com/stockdl/downloader/internal/task"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	taskType := flag.String("type", "", "Task type to reset (STOCK_LIST, DAILY, DAILY_BASIC, FINANCIALS)")
	symbol := flag.String("symbol", "", "Symbol to reset, e.g. 600519.SH")
	flag.Parse()

	if *taskType == "" || *symbol == "" {
		fmt.Fprintln(os.Stderr, "usage: reset-watermark --type TYPE --symbol SYMBOL [--config PATH]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	removed, err := store.ResetWatermark(task.Type(*taskType), *symbol)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reset: %v\n", err)
		os.Exit(1)
	}

	if removed == 0 {
		fmt.Printf("No rows found for %s/%s. It might have already been reset or never existed.\n", *taskType, *symbol)
		return
	}
	fmt.Printf("Removed %d row(s) for %s/%s. The next run will refetch from the earliest feasible date.\n", removed, *taskType, *symbol)
}
