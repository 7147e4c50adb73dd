// Package events records the run's append-only audit trail: one entry per
// newly created dimension entry and one per rejected row or failed file.
//
// Entries are buffered in memory and written at checkpoints: whenever a
// buffer reaches its batch size, and on Flush. Flush is mandatory at the
// end of a run; nothing is written on garbage collection or process exit.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pricestar/internal/fileutil"
)

// Event and error type tags.
const (
	EventNewDimensionEntry = "new_dimension_entry"

	ErrorTypeMalformedRow   = "malformed_row"
	ErrorTypeFileProcessing = "file_processing_error"
)

// Default batch sizes.
const (
	DefaultAuditBatchSize = 5000
	DefaultErrorBatchSize = 1000
)

// TimestampLayout is used for every entry timestamp (UTC).
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Creation is an audit entry for a newly created dimension entry.
type Creation struct {
	Timestamp  string `json:"timestamp"`
	EventType  string `json:"event_type"`
	Dimension  string `json:"dimension"`
	ID         int    `json:"id"`
	Value      string `json:"value"`
	Attributes any    `json:"attributes"`
}

// Rejection is an error entry for a rejected row (or, with RowNumber 0,
// a failed file).
type Rejection struct {
	Timestamp    string `json:"timestamp"`
	ErrorType    string `json:"error_type"`
	File         string `json:"file"`
	RowNumber    int    `json:"row_number"`
	RawData      string `json:"raw_data"`
	ErrorMessage string `json:"error_message"`
}

// Options configures a Recorder.
type Options struct {
	AuditPath      string
	ErrorPath      string
	AuditBatchSize int
	ErrorBatchSize int

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
	Now    func() time.Time
}

// Recorder buffers creation and rejection entries and appends them to two
// JSON-array documents.
//
// Concurrency:
//   - Safe for concurrent use.
//
// Errors:
//   - Recording never fails. A write error during a batch-size triggered
//     flush is retained and returned by the next Flush; the entries stay
//     buffered so Flush retries them.
type Recorder struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	audit    []Creation
	rejected []Rejection
	deferred error
}

// New returns a Recorder. Zero batch sizes take the defaults.
func New(opts Options) *Recorder {
	if opts.AuditBatchSize <= 0 {
		opts.AuditBatchSize = DefaultAuditBatchSize
	}
	if opts.ErrorBatchSize <= 0 {
		opts.ErrorBatchSize = DefaultErrorBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Recorder{opts: opts, log: log}
}

func (r *Recorder) timestamp() string {
	return r.opts.Now().UTC().Format(TimestampLayout)
}

// DimensionCreated buffers a creation event.
func (r *Recorder) DimensionCreated(dimension string, id int, value string, attributes any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.audit = append(r.audit, Creation{
		Timestamp:  r.timestamp(),
		EventType:  EventNewDimensionEntry,
		Dimension:  dimension,
		ID:         id,
		Value:      value,
		Attributes: attributes,
	})
	if len(r.audit) >= r.opts.AuditBatchSize {
		r.keep(r.flushAuditLocked())
	}
}

// Rejected buffers a rejection entry. An empty timestamp is filled in.
func (r *Recorder) Rejected(e Rejection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.Timestamp == "" {
		e.Timestamp = r.timestamp()
	}
	r.rejected = append(r.rejected, e)
	if len(r.rejected) >= r.opts.ErrorBatchSize {
		r.keep(r.flushErrorsLocked())
	}
}

func (r *Recorder) keep(err error) {
	if err == nil {
		return
	}
	r.log.Error().Err(err).Msg("events: batch flush failed; entries kept for retry")
	if r.deferred == nil {
		r.deferred = err
	}
}

// Pending returns the number of buffered audit and error entries.
func (r *Recorder) Pending() (audit, rejected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.audit), len(r.rejected)
}

// Flush writes both buffers. It returns the first deferred batch error (if
// any) joined with errors from this flush.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	errAudit := r.flushAuditLocked()
	errRejected := r.flushErrorsLocked()
	err := errors.Join(r.deferred, errAudit, errRejected)
	r.deferred = nil
	return err
}

// FlushRejections writes only the error buffer. It is used when a run
// aborts before dimensions are saved: rejections remain useful for
// diagnosis, creation events would describe entries that were never
// persisted.
func (r *Recorder) FlushRejections() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushErrorsLocked()
}

// DiscardAudit drops buffered creation events.
func (r *Recorder) DiscardAudit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.audit)
	r.audit = nil
	return n
}

func (r *Recorder) flushAuditLocked() error {
	if len(r.audit) == 0 {
		return nil
	}
	if err := appendEntries(r.opts.AuditPath, r.audit, r.log); err != nil {
		return fmt.Errorf("events: flush audit log: %w", err)
	}
	r.audit = r.audit[:0]
	return nil
}

func (r *Recorder) flushErrorsLocked() error {
	if len(r.rejected) == 0 {
		return nil
	}
	if err := appendEntries(r.opts.ErrorPath, r.rejected, r.log); err != nil {
		return fmt.Errorf("events: flush error log: %w", err)
	}
	r.rejected = r.rejected[:0]
	return nil
}

// appendEntries merges entries into the JSON array stored at path. Existing
// entries are kept as they are. Unreadable content restarts the
// array from empty.
func appendEntries[T any](path string, entries []T, log zerolog.Logger) error {
	existing, err := readArray(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("events: existing log unreadable; starting a new array")
		existing = nil
	}

	merged := make([]json.RawMessage, 0, len(existing)+len(entries))
	merged = append(merged, existing...)
	for _, e := range entries {
		b, err := marshalNoEscape(e)
		if err != nil {
			return err
		}
		merged = append(merged, b)
	}

	return fileutil.WriteTmpThenMove(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(merged)
	})
}

func readArray(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, err
	}
	return arr, nil
}

func marshalNoEscape(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
