package config

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	pcsv "pricestar/internal/parser/csv"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the JSON path of the field.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// WarehouseKinds are the export backends pricestar registers.
var WarehouseKinds = []string{"sqlite", "postgres", "mssql"}

// canonicalFields are the names a header_map may target without a warning.
var canonicalFields = map[string]bool{
	"settlement":   true,
	"trade_object": true,
	"product_name": true,
	"product_code": true,
	"category":     true,
	"retail_price": true,
	"promo_price":  true,
}

// Validate checks cfg and returns every issue found. Errors block a run;
// warnings are reported only.
func Validate(cfg Config) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	for path, v := range map[string]string{
		"raw_dir":    cfg.RawDir,
		"output_dir": cfg.OutputDir,
		"logs_dir":   cfg.LogsDir,
	} {
		if strings.TrimSpace(v) == "" {
			add(SeverityError, path, "must not be empty")
		}
	}

	switch {
	case cfg.FilePattern == "":
		add(SeverityError, "file_pattern", "must not be empty")
	case !doublestar.ValidatePattern(cfg.FilePattern):
		add(SeverityError, "file_pattern", "invalid glob %q", cfg.FilePattern)
	}

	if cfg.Nomenclature.Category == "" {
		add(SeverityWarning, "nomenclature.category", "not set; category codes are used as names")
	}
	if cfg.Nomenclature.City == "" {
		add(SeverityWarning, "nomenclature.city", "not set; EKATTE codes are used as names")
	}

	if r := []rune(cfg.CSV.Comma); len(r) != 1 || r[0] == '"' || r[0] == '\r' || r[0] == '\n' {
		add(SeverityError, "csv.comma", "must be a single character other than quote or newline, got %q", cfg.CSV.Comma)
	}
	if _, err := pcsv.NewReader(strings.NewReader(""), cfg.CSV.Encoding); err != nil {
		add(SeverityError, "csv.encoding", "%v", err)
	}
	for src, dst := range cfg.CSV.HeaderMap {
		p := "csv.header_map." + src
		switch {
		case strings.TrimSpace(dst) == "":
			add(SeverityError, p, "maps to an empty field name")
		case !canonicalFields[dst]:
			add(SeverityWarning, p, "maps to %q, which normalization does not read", dst)
		}
	}

	if cfg.Events.AuditBatchSize < 1 {
		add(SeverityError, "events.audit_batch_size", "must be >= 1")
	}
	if cfg.Events.ErrorBatchSize < 1 {
		add(SeverityError, "events.error_batch_size", "must be >= 1")
	}

	switch {
	case cfg.Workers < 1:
		add(SeverityError, "workers", "must be >= 1")
	case cfg.Workers > 64:
		add(SeverityWarning, "workers", "%d decode-ahead workers hold that many files in memory", cfg.Workers)
	}

	if cfg.Limits.MaxEntries < 0 {
		add(SeverityError, "limits.max_entries", "must be >= 0")
	}
	if cfg.Limits.MaxFileBytes < 0 {
		add(SeverityError, "limits.max_file_bytes", "must be >= 0")
	}

	if cfg.Warehouse.Kind != "" {
		known := false
		for _, k := range WarehouseKinds {
			known = known || k == cfg.Warehouse.Kind
		}
		if !known {
			add(SeverityError, "warehouse.kind", "unknown kind %q (want one of %s)", cfg.Warehouse.Kind, strings.Join(WarehouseKinds, ", "))
		}
		if cfg.Warehouse.DSN == "" {
			add(SeverityError, "warehouse.dsn", "required when warehouse.kind is set")
		}
	}
	if cfg.Warehouse.BatchSize < 0 {
		add(SeverityError, "warehouse.batch_size", "must be >= 0")
	}

	switch cfg.Metrics.Backend {
	case "", "none", "datadog":
	default:
		add(SeverityError, "metrics.backend", "unknown backend %q (want none or datadog)", cfg.Metrics.Backend)
	}
	if cfg.Metrics.FlushEvery < 0 {
		add(SeverityError, "metrics.flush_every", "must not be negative")
	}

	return out
}
