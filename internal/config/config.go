// Package config holds the run configuration for pricestar. Every field has
// a default, so a config file is optional; values present in a file
// override the defaults and CLI flags override both.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pricestar/internal/dimension"
	"pricestar/internal/events"
	pcsv "pricestar/internal/parser/csv"
)

// Config is the full run configuration.
type Config struct {
	RawDir       string       `json:"raw_dir"`
	OutputDir    string       `json:"output_dir"`
	LogsDir      string       `json:"logs_dir"`
	FilePattern  string       `json:"file_pattern"`
	Nomenclature Nomenclature `json:"nomenclature"`
	CSV          CSV          `json:"csv"`
	Events       Events       `json:"events"`
	Workers      int          `json:"workers"`
	Limits       Limits       `json:"limits"`
	Warehouse    Warehouse    `json:"warehouse"`
	Metrics      Metrics      `json:"metrics"`
}

// Nomenclature points at the optional code → display name tables.
type Nomenclature struct {
	Category string `json:"category"`
	City     string `json:"city"`
}

// CSV controls decoding of the source extracts.
type CSV struct {
	Comma      string            `json:"comma"`
	Encoding   string            `json:"encoding"`
	LazyQuotes bool              `json:"lazy_quotes"`
	HeaderMap  map[string]string `json:"header_map,omitempty"`
}

// Events sizes the audit and error log buffers.
type Events struct {
	AuditBatchSize int `json:"audit_batch_size"`
	ErrorBatchSize int `json:"error_batch_size"`
}

// Limits are the dimension size advisory thresholds. Zero disables a check.
type Limits struct {
	MaxEntries   int   `json:"max_entries"`
	MaxFileBytes int64 `json:"max_file_bytes"`
}

// Warehouse configures the SQL export target.
type Warehouse struct {
	Kind      string `json:"kind"`
	DSN       string `json:"dsn"`
	BatchSize int    `json:"batch_size"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	Backend    string   `json:"backend"`
	Tags       []string `json:"tags,omitempty"`
	FlushEvery Duration `json:"flush_every"`
}

// Duration is a time.Duration written as a Go duration string ("60s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"60s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		RawDir:      "data/raw",
		OutputDir:   "data/processed",
		LogsDir:     "logs",
		FilePattern: "kolko_struva_*.csv",
		Nomenclature: Nomenclature{
			Category: "data/category-nomenclature.json",
			City:     "data/cities-ekatte-nomenclature.json",
		},
		CSV: CSV{
			Comma:    ",",
			Encoding: pcsv.EncodingUTF8,
		},
		Events: Events{
			AuditBatchSize: events.DefaultAuditBatchSize,
			ErrorBatchSize: events.DefaultErrorBatchSize,
		},
		Workers: 1,
		Limits: Limits{
			MaxEntries:   dimension.DefaultLimits.MaxEntries,
			MaxFileBytes: dimension.DefaultLimits.MaxFileBytes,
		},
		Warehouse: Warehouse{
			Kind:      "sqlite",
			DSN:       "data/processed/pricestar.db",
			BatchSize: 1000,
		},
		Metrics: Metrics{
			Backend:    "none",
			FlushEvery: Duration(60 * time.Second),
		},
	}
}

// Load reads the JSON file at path over Default. An empty path returns the
// defaults. Unknown fields are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// DimsDir is where the dimension documents live.
func (c Config) DimsDir() string { return filepath.Join(c.OutputDir, "dims") }

// FactPath is the CSV fact table.
func (c Config) FactPath() string { return filepath.Join(c.OutputDir, "facts", "fact_prices.csv") }

// AuditLogPath is the dimension creation log.
func (c Config) AuditLogPath() string { return filepath.Join(c.LogsDir, "dimension_audit.json") }

// ErrorLogPath is the rejection log.
func (c Config) ErrorLogPath() string { return filepath.Join(c.LogsDir, "etl_errors.json") }

// WarehouseDSN returns the DSN with environment variables expanded.
func (c Config) WarehouseDSN() string { return os.ExpandEnv(c.Warehouse.DSN) }

// CSVOptions converts the CSV section for the decoder. Call after Validate;
// an invalid comma falls back to ','.
func (c Config) CSVOptions() pcsv.Options {
	comma := ','
	if r := []rune(c.CSV.Comma); len(r) == 1 {
		comma = r[0]
	}
	return pcsv.Options{
		Comma:      comma,
		Encoding:   c.CSV.Encoding,
		LazyQuotes: c.CSV.LazyQuotes,
		HeaderMap:  c.CSV.HeaderMap,
	}
}

// DimensionLimits converts the limits section.
func (c Config) DimensionLimits() dimension.Limits {
	return dimension.Limits{MaxEntries: c.Limits.MaxEntries, MaxFileBytes: c.Limits.MaxFileBytes}
}

// EventOptions converts the events section, with paths under LogsDir.
func (c Config) EventOptions() events.Options {
	return events.Options{
		AuditPath:      c.AuditLogPath(),
		ErrorPath:      c.ErrorLogPath(),
		AuditBatchSize: c.Events.AuditBatchSize,
		ErrorBatchSize: c.Events.ErrorBatchSize,
	}
}
