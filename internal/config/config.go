// Package config loads and validates the pipeline's single YAML
// configuration document (spec §6), following the teacher's
// internal/config/config.go load-and-unmarshal shape, extended with
// struct-tag validation so a malformed document fails fast with a
// configuration-error exit code instead of a confusing nil-pointer
// panic three components downstream.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stockdl/downloader/internal/task"
)

// SymbolsAll is the sentinel value meaning "every symbol in the
// security master" wherever a symbols field can name it.
const SymbolsAll = "all"

// decodeSymbols handles the "all" | []string union that both
// downloader.symbols and groups.*.symbols accept.
func decodeSymbols(node yaml.Node) (all bool, list []string, err error) {
	if node.IsZero() {
		return true, nil, nil
	}
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return false, nil, fmt.Errorf("symbols: %w", err)
		}
		if strings.EqualFold(s, SymbolsAll) {
			return true, nil, nil
		}
		return false, []string{s}, nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return false, nil, fmt.Errorf("symbols: %w", err)
		}
		return false, list, nil
	default:
		return false, nil, fmt.Errorf("symbols: unsupported YAML node kind")
	}
}

// Downloader configures the task queue, data queue, and producer pool.
type Downloader struct {
	MaxProducers      int       `yaml:"max_producers" validate:"gt=0"`
	MaxConsumers      int       `yaml:"max_consumers" validate:"gt=0"`
	ProducerQueueSize int       `yaml:"producer_queue_size" validate:"gt=0"`
	DataQueueSize     int       `yaml:"data_queue_size" validate:"gt=0"`
	RawSymbols        yaml.Node `yaml:"symbols" validate:"-"`
}

// Symbols decodes downloader.symbols, which is either the literal "all"
// or a sequence of ticker strings.
func (d Downloader) Symbols() (all bool, list []string, err error) {
	return decodeSymbols(d.RawSymbols)
}

// Consumer configures the consumer pool's flush thresholds.
type Consumer struct {
	BatchSize     int `yaml:"batch_size" validate:"gt=0"`
	FlushInterval int `yaml:"flush_interval" validate:"gt=0"` // seconds
	MaxRetries    int `yaml:"max_retries" validate:"gte=0"`
}

// TaskSpec is one named, reusable task declaration under `tasks:`.
type TaskSpec struct {
	Name          string `yaml:"name"`
	Type          string `yaml:"type" validate:"required,oneof=STOCK_LIST DAILY DAILY_BASIC FINANCIALS"`
	Enabled       bool   `yaml:"enabled"`
	StartDate     string `yaml:"start_date"`
	EndDate       string `yaml:"end_date"`
	DateColumn    string `yaml:"date_col"`
	StatementType string `yaml:"statement_type" validate:"omitempty,oneof=income balancesheet cashflow"`
	ForceRun      bool   `yaml:"force_run"`
}

// TaskType returns the spec's type as the task package's enum.
func (s TaskSpec) TaskType() task.Type { return task.Type(s.Type) }

// Statement returns the spec's statement_type as the task package's enum.
func (s TaskSpec) Statement() task.StatementType { return task.StatementType(s.StatementType) }

// Group is a named, schedulable unit of work: a symbol universe plus an
// ordered list of task-spec names to run against it.
type Group struct {
	Description string    `yaml:"description"`
	RawSymbols  yaml.Node `yaml:"symbols" validate:"-"`
	Tasks       []string  `yaml:"tasks" validate:"required,min=1"`
}

// Symbols decodes groups.*.symbols the same way Downloader.Symbols does.
func (g Group) Symbols() (all bool, list []string, err error) {
	return decodeSymbols(g.RawSymbols)
}

// Config is the root document (spec §6).
type Config struct {
	TushareToken string `yaml:"tushare_token" validate:"required"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	DeadLetter struct {
		Path string `yaml:"path"`
	} `yaml:"dead_letter"`

	Downloader Downloader          `yaml:"downloader" validate:"required"`
	Consumer   Consumer            `yaml:"consumer" validate:"required"`
	Tasks      map[string]TaskSpec `yaml:"tasks" validate:"required,dive"`
	Groups     map[string]Group    `yaml:"groups" validate:"required,dive"`
}

// envOverrideKey is the environment variable that wins over
// tushare_token when set (spec §6: "environment wins").
const envOverrideKey = "TUSHARE_TOKEN"

const (
	defaultDatabasePath   = "data/stock.db"
	defaultDeadLetterPath = "logs/dead_letter.jsonl"
)

// Load reads, unmarshals, defaults, and validates the YAML document at
// path. A malformed or structurally invalid document returns a
// descriptive error; callers map that to the configuration-error exit
// code (spec §6/§7).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if env := os.Getenv(envOverrideKey); env != "" {
		cfg.TushareToken = env
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}
	if cfg.DeadLetter.Path == "" {
		cfg.DeadLetter.Path = defaultDeadLetterPath
	}
	for name, spec := range cfg.Tasks {
		if spec.Name == "" {
			spec.Name = name
			cfg.Tasks[name] = spec
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	for groupName, g := range cfg.Groups {
		for _, taskName := range g.Tasks {
			if _, ok := cfg.Tasks[taskName]; !ok {
				return nil, fmt.Errorf("config: group %q references unknown task %q", groupName, taskName)
			}
		}
	}

	return &cfg, nil
}
