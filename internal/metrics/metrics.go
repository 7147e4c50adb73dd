// Package metrics is the run-metrics seam. Pipeline code reports through
// the package-level functions; a backend (Datadog, or the default no-op) is
// chosen once at process start with SetBackend.
package metrics

import (
	"sync"
	"time"
)

// Metric names emitted by the pipeline.
const (
	RowsTotal             = "etl_rows_total"
	FilesTotal            = "etl_files_total"
	DimensionCreatedTotal = "etl_dimension_created_total"
	StepTotal             = "etl_step_total"
	StepDurationSeconds   = "etl_step_duration_seconds"
	WarehouseRowsTotal    = "etl_warehouse_rows_total"
)

// Labels are metric dimensions such as {"status": "ok"}.
type Labels map[string]string

// Backend receives metric updates.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
	Close() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }
func (nopBackend) Close() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to a counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush submits whatever the backend has buffered.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one execution of a pipeline step and its duration.
func RecordStep(step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}
