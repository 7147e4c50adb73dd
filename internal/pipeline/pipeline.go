// Package pipeline drives a normalization run: it loads the dimension
// stores, walks the source files in sorted order, appends facts as each file
// completes, then saves the stores and flushes the event logs.
//
// Failure handling follows three tiers:
//   - a rejected row is recorded and skipped
//   - a file that cannot be named, opened or decoded is recorded and
//     skipped
//   - corrupt dimension state or unwritable output fails the run; no
//     dimension document is saved after such a failure
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"pricestar/internal/dimension"
	"pricestar/internal/events"
	"pricestar/internal/facts"
	"pricestar/internal/metrics"
	"pricestar/internal/normalize"
	pcsv "pricestar/internal/parser/csv"
)

// State is the run state.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateProcessing State = "processing"
	StateSaving     State = "saving"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// progressEvery is how many files pass between progress log lines.
const progressEvery = 5

// EventSink receives rejections and is flushed at the end of a run.
// *events.Recorder implements it.
type EventSink interface {
	Rejected(events.Rejection)
	Flush() error
	FlushRejections() error
	DiscardAudit() int
	Pending() (audit, rejected int)
}

// Options configures a Driver.
type Options struct {
	RawDir   string
	Pattern  string
	FactPath string
	CSV      pcsv.Options
	// Workers bounds how many files are decoded ahead of the one being
	// normalized. Values below 1 mean 1.
	Workers int
	Limits  dimension.Limits
	Logger  *zerolog.Logger
}

// Driver runs the normalization pipeline. A Driver is used for one run.
type Driver struct {
	opts  Options
	dims  *dimension.Set
	sink  EventSink
	norm  *normalize.Normalizer
	log   zerolog.Logger
	mu    sync.Mutex
	state State
	saved bool
}

// New returns a Driver in StateIdle.
func New(dims *dimension.Set, sink EventSink, norm *normalize.Normalizer, opts Options) *Driver {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Driver{opts: opts, dims: dims, sink: sink, norm: norm, log: log, state: StateIdle}
}

// State returns the current run state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.log.Debug().Str("state", string(s)).Msg("state transition")
}

// Run executes one run over the files sel selects. Stats are always
// returned; err is non-nil only for a fatal failure.
func (d *Driver) Run(ctx context.Context, sel Selector) (stats Stats, err error) {
	start := time.Now()
	stats.DimensionsCreated = make(map[string]int, len(dimension.Names))
	defer func() {
		stats.Duration = time.Since(start)
		if err != nil {
			d.abort(err)
		}
		stats.Log(d.log, d.State())
		if ferr := metrics.Flush(); ferr != nil {
			d.log.Warn().Err(ferr).Msg("metrics flush failed")
		}
	}()

	d.setState(StateLoading)
	if err := d.step("load", d.dims.LoadAll); err != nil {
		return stats, err
	}
	for _, p := range d.dims.All() {
		d.log.Info().Str("dimension", p.Name()).Int("entries", p.Len()).Msg("dimension loaded")
	}

	files, err := Discover(d.opts.RawDir, d.opts.Pattern, sel)
	if err != nil {
		return stats, err
	}
	d.log.Info().Str("dir", d.opts.RawDir).Int("files", len(files)).Msg("source files found")

	out, err := facts.Create(d.opts.FactPath)
	if err != nil {
		return stats, err
	}
	closed := false
	defer func() {
		if !closed {
			_ = out.Close()
		}
	}()

	d.setState(StateProcessing)
	if err := d.process(ctx, files, out, &stats); err != nil {
		return stats, err
	}
	closed = true
	if err := out.Close(); err != nil {
		return stats, err
	}
	d.log.Info().
		Int("files_processed", stats.FilesProcessed).
		Int("rows_written", stats.RowsWritten).
		Str("output", out.Path()).
		Msg("processing complete")

	for name, n := range d.dims.Created() {
		stats.DimensionsCreated[name] = n
	}

	d.setState(StateSaving)
	if err := d.step("save", d.dims.SaveAll); err != nil {
		return stats, err
	}
	d.saved = true
	for _, name := range dimension.Names {
		n := stats.DimensionsCreated[name]
		metrics.IncCounter(metrics.DimensionCreatedTotal, float64(n), metrics.Labels{"dimension": name})
		d.log.Info().Str("dimension", name).Int("new_entries", n).Msg("dimension saved")
	}
	if err := d.step("flush_events", d.sink.Flush); err != nil {
		return stats, fmt.Errorf("flush event logs: %w", err)
	}

	for _, w := range d.dims.SizeWarnings(d.opts.Limits) {
		d.log.Warn().Str("dimension", w.Dimension).Msg(w.String())
	}

	d.setState(StateDone)
	return stats, nil
}

// abort records a fatal failure. Rejections are still written. Creation
// events are dropped when the entries they describe were not saved;
// after a successful save they get one more flush attempt instead.
func (d *Driver) abort(cause error) {
	if d.State() == StateFailed {
		return
	}
	d.setState(StateFailed)
	dropped := 0
	if d.saved {
		if err := d.sink.Flush(); err != nil {
			d.log.Error().Err(err).Msg("flush event logs after failure")
		}
	} else {
		dropped = d.sink.DiscardAudit()
		if err := d.sink.FlushRejections(); err != nil {
			d.log.Error().Err(err).Msg("flush rejections after failure")
		}
	}
	audit, rejected := d.sink.Pending()
	d.log.Error().Err(cause).
		Int("dropped_audit_events", dropped).
		Int("unwritten_audit_events", audit).
		Int("unwritten_rejections", rejected).
		Msg("run failed")
}

func (d *Driver) step(name string, fn func() error) error {
	t0 := time.Now()
	err := fn()
	metrics.RecordStep(name, err, time.Since(t0))
	return err
}

// decoded is a source file read into memory ahead of normalization.
type decoded struct {
	path string
	fc   normalize.Context
	rows []pcsv.Row
	err  error
}

func (d *Driver) decode(ctx context.Context, path string) decoded {
	date, chain, err := ParseFileName(path)
	if err != nil {
		return decoded{path: path, err: err}
	}
	rows, err := pcsv.ReadFile(ctx, path, d.opts.CSV)
	if err != nil {
		return decoded{path: path, err: &FileError{Path: path, Err: err}}
	}
	return decoded{
		path: path,
		fc:   normalize.Context{Date: date, TradeChainID: chain, Source: path},
		rows: rows,
	}
}

// process decodes up to Workers files concurrently but normalizes them one
// at a time in slice order, so id assignment matches a sequential run.
func (d *Driver) process(ctx context.Context, files []string, out *facts.Writer, stats *Stats) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	slots := make([]chan decoded, len(files))
	for i := range slots {
		slots[i] = make(chan decoded, 1)
	}
	sem := semaphore.NewWeighted(int64(d.opts.Workers))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		for i, path := range files {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			g.Go(func() error {
				slots[i] <- d.decode(gctx, path)
				return nil
			})
		}
		return nil
	})

	var procErr error
	for i := range files {
		if err := runCtx.Err(); err != nil {
			procErr = err
			break
		}
		var dec decoded
		select {
		case dec = <-slots[i]:
		case <-runCtx.Done():
			procErr = runCtx.Err()
		}
		if procErr != nil {
			break
		}
		sem.Release(1)

		if err := d.processFile(dec, out, stats); err != nil {
			procErr = err
			break
		}
		if n := i + 1; n%progressEvery == 0 || n == len(files) {
			d.log.Info().
				Int("files_done", n).
				Int("files_total", len(files)).
				Int("rows_written", stats.RowsWritten).
				Msg("progress")
		}
	}

	cancel()
	if err := g.Wait(); err != nil && procErr == nil && !errors.Is(err, context.Canceled) {
		procErr = err
	}
	return procErr
}

// processFile normalizes one decoded file and appends its facts. Only an
// output write failure is returned; everything else is recorded.
func (d *Driver) processFile(dec decoded, out *facts.Writer, stats *Stats) error {
	t0 := time.Now()
	flog := d.log.With().Str("file", dec.path).Logger()

	if dec.err != nil {
		stats.FilesFailed++
		d.sink.Rejected(events.Rejection{
			ErrorType:    events.ErrorTypeFileProcessing,
			File:         dec.path,
			RowNumber:    0,
			RawData:      "",
			ErrorMessage: dec.err.Error(),
		})
		metrics.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"status": "failed"})
		metrics.RecordStep("file", dec.err, time.Since(t0))
		flog.Warn().Err(dec.err).Msg("file skipped")
		return nil
	}

	batch := make([]facts.Fact, 0, len(dec.rows))
	rejected := 0
	for _, r := range dec.rows {
		stats.RowsProcessed++
		if r.Err != nil {
			rejected++
			d.reject(&normalize.Rejection{
				Source: dec.path,
				Row:    r.Line,
				Raw:    r.Raw(),
				Reason: "malformed csv record: " + r.Err.Error(),
			})
			continue
		}
		f, rej := d.norm.Normalize(normalize.Row{Number: r.Line, Fields: r.Fields}, dec.fc)
		if rej != nil {
			rejected++
			rej.Raw = r.Raw()
			d.reject(rej)
			continue
		}
		batch = append(batch, f)
	}

	if err := out.Append(batch); err != nil {
		metrics.RecordStep("file", err, time.Since(t0))
		return err
	}
	stats.RowsWritten += len(batch)
	stats.RowsSkipped += rejected
	stats.FilesProcessed++

	metrics.IncCounter(metrics.RowsTotal, float64(len(batch)), metrics.Labels{"status": "written"})
	metrics.IncCounter(metrics.RowsTotal, float64(rejected), metrics.Labels{"status": "rejected"})
	metrics.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"status": "ok"})
	metrics.RecordStep("file", nil, time.Since(t0))
	flog.Debug().Int("rows", len(dec.rows)).Int("written", len(batch)).Int("rejected", rejected).Msg("file processed")
	return nil
}

func (d *Driver) reject(r *normalize.Rejection) {
	d.sink.Rejected(events.Rejection{
		ErrorType:    events.ErrorTypeMalformedRow,
		File:         r.Source,
		RowNumber:    r.Row,
		RawData:      r.Raw,
		ErrorMessage: r.Reason,
	})
}
