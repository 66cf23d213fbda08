package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stockdl/downloader/internal/config"
	"github.com/stockdl/downloader/internal/deadletter"
	"github.com/stockdl/downloader/internal/engine"
	"github.com/stockdl/downloader/internal/fetcher"
	"github.com/stockdl/downloader/internal/logging"
	"github.com/stockdl/downloader/internal/ratelimit"
	"github.com/stockdl/downloader/internal/retry"
	"github.com/stockdl/downloader/internal/storage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one declared group's tasks against the storage",
	RunE:  runGroup,
}

func init() {
	runCmd.Flags().String("group", "", "Group name to run (required)")
	runCmd.Flags().String("symbols", "", "Comma-separated symbol list, overriding the group's own symbols")
	runCmd.Flags().Bool("force", false, "Bypass the watermark and use the earliest feasible start date")
}

func runGroup(cmd *cobra.Command, args []string) error {
	groupName, _ := cmd.Flags().GetString("group")
	if groupName == "" {
		return fmt.Errorf("%w: --group is required", errUsage)
	}
	symbolsFlag, _ := cmd.Flags().GetString("symbols")
	force, _ := cmd.Flags().GetBool("force")
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	group, ok := cfg.Groups[groupName]
	if !ok {
		return fmt.Errorf("%w: unknown group %q", errUsage, groupName)
	}

	job, err := buildJob(groupName, group, cfg, symbolsFlag, force)
	if err != nil {
		return err
	}

	store, deadLetter, closeAll, err := openState(cfg)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	defer closeAll()

	limiter := ratelimit.New(ratelimit.DefaultRule, nil)
	f := fetcher.New(fetcher.NewHTTPTransport(fetcher.DefaultBaseURL, cfg.TushareToken), limiter, retry.DefaultPolicy, logging.Logger)

	eng := engine.New(engine.Config{
		MaxProducers:          cfg.Downloader.MaxProducers,
		ProducerQueueSize:     cfg.Downloader.ProducerQueueSize,
		DataQueueSize:         cfg.Downloader.DataQueueSize,
		ConsumerSize:          cfg.Downloader.MaxConsumers,
		ConsumerBatchSize:     cfg.Consumer.BatchSize,
		ConsumerFlushInterval: time.Duration(cfg.Consumer.FlushInterval) * time.Second,
		ConsumerMaxRetries:    cfg.Consumer.MaxRetries,
		RequeuePolicy:         retry.DefaultPolicy,
	}, store, f, deadLetter, nil, logging.Logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := eng.Run(ctx, job)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	logging.WithComponent("cli").Info().
		Int("planned", stats.Planned).
		Int("processed", stats.Processed).
		Int("failed", stats.Failed).
		Int("flush_failures", stats.FlushFailures).
		Msg("run complete")

	if stats.Failed > 0 || stats.FlushFailures > 0 {
		logging.WithComponent("cli").Warn().
			Int("failed", stats.Failed).
			Int("flush_failures", stats.FlushFailures).
			Msg("run completed with failures; see the dead-letter log")
	}
	return nil
}

// buildJob resolves a group's task-spec names against cfg.Tasks and
// applies the --symbols/--force CLI overrides (spec §6).
func buildJob(groupName string, group config.Group, cfg *config.Config, symbolsFlag string, force bool) (engine.Job, error) {
	specs := make([]config.TaskSpec, 0, len(group.Tasks))
	for _, name := range group.Tasks {
		spec, ok := cfg.Tasks[name]
		if !ok {
			return engine.Job{}, fmt.Errorf("configuration error: group %q references unknown task %q", groupName, name)
		}
		specs = append(specs, spec)
	}

	job := engine.Job{GroupName: groupName, TaskSpecs: specs, ForceOverride: force}

	if symbolsFlag != "" {
		job.SymbolsAll = false
		job.SymbolList = splitSymbols(symbolsFlag)
		return job, nil
	}

	all, list, err := group.Symbols()
	if err != nil {
		return engine.Job{}, fmt.Errorf("configuration error: %w", err)
	}
	job.SymbolsAll = all
	job.SymbolList = list
	return job, nil
}

func splitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// openState opens the storage engine and dead-letter log named in cfg,
// returning a closer that closes the storage engine. The dead-letter log
// holds no open file between writes, so it needs no closing.
func openState(cfg *config.Config) (*storage.Engine, *deadletter.Log, func(), error) {
	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open storage: %w", err)
	}
	deadLetter, err := deadletter.Open(cfg.DeadLetter.Path)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("open dead-letter log: %w", err)
	}
	return store, deadLetter, func() { store.Close() }, nil
}
