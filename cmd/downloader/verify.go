package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stockdl/downloader/internal/config"
	"github.com/stockdl/downloader/internal/logging"
	"github.com/stockdl/downloader/internal/storage"
	"github.com/stockdl/downloader/internal/task"
)

var businessTypes = []task.Type{task.TypeDaily, task.TypeDailyBasic, task.TypeFinancials}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Reconcile the security master against stored business data and log gaps",
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	store, deadLetter, closeAll, err := openState(cfg)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	defer closeAll()

	missing, err := reconcile(store)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	for taskType, symbols := range missing {
		if len(symbols) == 0 {
			continue
		}
		if err := deadLetter.LogMissingSymbols(string(taskType), symbols); err != nil {
			return fmt.Errorf("write reconcile log: %w", err)
		}
	}

	total := 0
	for _, symbols := range missing {
		total += len(symbols)
	}
	logging.WithComponent("cli").Info().Int("missing_pairs", total).Msg("verify complete")
	return nil
}

// reconcile finds every (symbol, data_type) pair present in the security
// master but absent from the matching business table (spec §6).
func reconcile(store *storage.Engine) (map[task.Type][]string, error) {
	symbols, err := store.GetAllStockCodes()
	if err != nil {
		return nil, fmt.Errorf("load security master: %w", err)
	}

	present, err := store.ListBusinessTables()
	if err != nil {
		return nil, fmt.Errorf("list business tables: %w", err)
	}
	have := make(map[task.Type]map[string]bool, len(businessTypes))
	for _, t := range businessTypes {
		have[t] = make(map[string]bool)
	}
	for _, pair := range present {
		have[pair.TaskType][pair.Symbol] = true
	}

	missing := make(map[task.Type][]string, len(businessTypes))
	for _, t := range businessTypes {
		for _, sym := range symbols {
			if !have[t][sym] {
				missing[t] = append(missing[t], sym)
			}
		}
	}
	return missing, nil
}
