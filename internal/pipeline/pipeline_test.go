package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pricestar/internal/dimension"
	"pricestar/internal/events"
	"pricestar/internal/metrics"
	"pricestar/internal/normalize"
)

const sourceHeader = "Населено място,Търговски обект,Наименование на продукта,Код на продукта,Категория,Цена на дребно,Цена в промоция\n"

var fixedNow = func() time.Time { return time.Date(2025, 7, 10, 6, 0, 0, 0, time.UTC) }

type testEnv struct {
	raw   string
	dims  string
	fact  string
	audit string
	errs  string
}

func newEnv(t *testing.T) testEnv {
	t.Helper()
	root := t.TempDir()
	e := testEnv{
		raw:   filepath.Join(root, "raw"),
		dims:  filepath.Join(root, "processed", "dims"),
		fact:  filepath.Join(root, "processed", "facts", "fact_prices.csv"),
		audit: filepath.Join(root, "logs", "dimension_audit.json"),
		errs:  filepath.Join(root, "logs", "etl_errors.json"),
	}
	if err := os.MkdirAll(e.raw, 0o755); err != nil {
		t.Fatal(err)
	}
	return e
}

func (e testEnv) write(t *testing.T, name, rows string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.raw, name), []byte(sourceHeader+rows), 0o644); err != nil {
		t.Fatal(err)
	}
}

type runResult struct {
	stats  Stats
	err    error
	set    *dimension.Set
	driver *Driver
}

func (e testEnv) run(t *testing.T, ctx context.Context, sel Selector, workers int) runResult {
	t.Helper()
	rec := events.New(events.Options{AuditPath: e.audit, ErrorPath: e.errs, Now: fixedNow})
	set := dimension.NewSet(e.dims, rec, dimension.WithClock(fixedNow))
	d := New(set, rec, normalize.New(set, nil, nil), Options{
		RawDir:   e.raw,
		Pattern:  "kolko_struva_*.csv",
		FactPath: e.fact,
		Workers:  workers,
		Limits:   dimension.DefaultLimits,
	})
	stats, err := d.Run(ctx, sel)
	return runResult{stats: stats, err: err, set: set, driver: d}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func readRejections(t *testing.T, path string) []events.Rejection {
	t.Helper()
	var out []events.Rejection
	if err := json.Unmarshal([]byte(readFile(t, path)), &out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return out
}

func writeTwoChains(t *testing.T, e testEnv) {
	e.write(t, "kolko_struva_2025-07-09_account_1.csv",
		"68134-01,Адрес 1,Хляб,P1,1,1.99,\n"+
			"702,Адрес 2,Мляко,,2,,2.49\n"+
			"702,Адрес 2,Сирене,S1,2,,\n")
	e.write(t, "kolko_struva_2025-07-09_account_2.csv",
		"68134,Адрес 1,Хляб,P1,1,2.10,1.90\n"+
			"702,Адрес 3,Мляко,,2,2.59,\n")
}

const twoChainFacts = "date,trade_chain_id,trade_object_id,city_id,product_id,category_id,retail_price,promo_price\n" +
	"2025-07-09,1,1,1,1,1,1.99,\n" +
	"2025-07-09,1,2,2,2,2,,2.49\n" +
	"2025-07-09,2,3,1,1,1,2.1,1.9\n" +
	"2025-07-09,2,4,2,2,2,2.59,\n"

func TestRun_EndToEnd(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			e := newEnv(t)
			writeTwoChains(t, e)

			res := e.run(t, context.Background(), Selector{}, workers)
			if res.err != nil {
				t.Fatalf("Run: %v", res.err)
			}
			if res.driver.State() != StateDone {
				t.Errorf("state = %s, want done", res.driver.State())
			}

			s := res.stats
			if s.RowsProcessed != 5 || s.RowsWritten != 4 || s.RowsSkipped != 1 {
				t.Errorf("row stats = %+v", s)
			}
			if s.FilesProcessed != 2 || s.FilesFailed != 0 {
				t.Errorf("file stats = %+v", s)
			}
			wantCreated := map[string]int{"category": 2, "city": 2, "trade_chain": 0, "trade_object": 4, "product": 2}
			for name, n := range wantCreated {
				if s.DimensionsCreated[name] != n {
					t.Errorf("created[%s] = %d, want %d", name, s.DimensionsCreated[name], n)
				}
			}

			if got := readFile(t, e.fact); got != twoChainFacts {
				t.Errorf("fact table:\n%s\nwant:\n%s", got, twoChainFacts)
			}

			rej := readRejections(t, e.errs)
			if len(rej) != 1 {
				t.Fatalf("rejections = %+v", rej)
			}
			r := rej[0]
			if r.ErrorType != events.ErrorTypeMalformedRow || r.RowNumber != 4 ||
				r.RawData != "702,Адрес 2,Сирене,S1,2,," ||
				!strings.Contains(r.ErrorMessage, "at least one price") ||
				filepath.Base(r.File) != "kolko_struva_2025-07-09_account_1.csv" {
				t.Errorf("rejection = %+v", r)
			}

			var audit []events.Creation
			if err := json.Unmarshal([]byte(readFile(t, e.audit)), &audit); err != nil {
				t.Fatal(err)
			}
			if len(audit) != 10 {
				t.Errorf("audit entries = %d, want 10", len(audit))
			}

			for _, name := range dimension.Names {
				if _, err := os.Stat(dimension.DocumentPath(e.dims, name)); err != nil {
					t.Errorf("document for %s: %v", name, err)
				}
			}
		})
	}
}

func TestRun_IdempotentReprocessing(t *testing.T) {
	e := newEnv(t)
	writeTwoChains(t, e)

	if res := e.run(t, context.Background(), Selector{}, 1); res.err != nil {
		t.Fatal(res.err)
	}
	firstDocs := map[string]string{}
	for _, name := range dimension.Names {
		firstDocs[name] = readFile(t, dimension.DocumentPath(e.dims, name))
	}
	firstFacts := readFile(t, e.fact)

	res := e.run(t, context.Background(), Selector{}, 2)
	if res.err != nil {
		t.Fatal(res.err)
	}
	for name, n := range res.stats.DimensionsCreated {
		if n != 0 {
			t.Errorf("second run created %d %s entries", n, name)
		}
	}
	for _, name := range dimension.Names {
		if got := readFile(t, dimension.DocumentPath(e.dims, name)); got != firstDocs[name] {
			t.Errorf("%s document changed on reprocessing", name)
		}
	}
	if got := readFile(t, e.fact); got != firstFacts {
		t.Errorf("fact table changed on reprocessing:\n%s", got)
	}
}

func TestRun_IDsSurviveAcrossRuns(t *testing.T) {
	e := newEnv(t)
	e.write(t, "kolko_struva_2025-07-09_account_1.csv", "702,Адрес 1,Хляб,,1,1.00,\n")
	e.write(t, "kolko_struva_2025-07-10_account_1.csv",
		"999,Адрес 9,Олио,,3,4.00,\n"+
			"702,Адрес 1,Хляб,,1,1.10,\n")

	if res := e.run(t, context.Background(), Selector{Dates: []string{"2025-07-09"}}, 1); res.err != nil {
		t.Fatal(res.err)
	}
	res := e.run(t, context.Background(), Selector{Dates: []string{"2025-07-10"}}, 1)
	if res.err != nil {
		t.Fatal(res.err)
	}
	want := "date,trade_chain_id,trade_object_id,city_id,product_id,category_id,retail_price,promo_price\n" +
		"2025-07-10,1,2,2,2,2,4,\n" +
		"2025-07-10,1,1,1,1,1,1.1,\n"
	if got := readFile(t, e.fact); got != want {
		t.Errorf("fact table:\n%s\nwant:\n%s", got, want)
	}
	if n := res.set.Product.NextID(); n != 3 {
		t.Errorf("product next id = %d, want 3", n)
	}
}

func TestRun_FileLevelFailuresAreSkipped(t *testing.T) {
	e := newEnv(t)
	e.write(t, "kolko_struva_2025-02-30_account_1.csv", "702,a,b,,1,1.00,\n")
	if err := os.WriteFile(filepath.Join(e.raw, "kolko_struva_2025-07-09_account_3.csv"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	e.write(t, "kolko_struva_2025-07-09_account_4.csv", "702,a,b,,1,1.00,\n")

	res := e.run(t, context.Background(), Selector{}, 2)
	if res.err != nil {
		t.Fatalf("file-level failures must not fail the run: %v", res.err)
	}
	if res.stats.FilesFailed != 2 || res.stats.FilesProcessed != 1 || res.stats.RowsWritten != 1 {
		t.Errorf("stats = %+v", res.stats)
	}
	rej := readRejections(t, e.errs)
	if len(rej) != 2 {
		t.Fatalf("rejections = %+v", rej)
	}
	for _, r := range rej {
		if r.ErrorType != events.ErrorTypeFileProcessing || r.RowNumber != 0 || r.RawData != "" {
			t.Errorf("rejection = %+v", r)
		}
	}
	if !strings.Contains(rej[0].ErrorMessage, ErrFileName.Error()) {
		t.Errorf("first failure = %q", rej[0].ErrorMessage)
	}
}

func TestRun_MalformedCSVRecordIsRowLevel(t *testing.T) {
	e := newEnv(t)
	e.write(t, "kolko_struva_2025-07-09_account_1.csv",
		"702,a,b,,1,1.00,\n"+
			"702,\"bad\"quote,b,,1,1.00,\n"+
			"702,c,d,,1,2.00,\n")
	res := e.run(t, context.Background(), Selector{}, 1)
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.stats.RowsWritten != 2 || res.stats.RowsSkipped != 1 {
		t.Errorf("stats = %+v", res.stats)
	}
	rej := readRejections(t, e.errs)
	if len(rej) != 1 || rej[0].RowNumber != 3 || !strings.Contains(rej[0].ErrorMessage, "malformed csv record") {
		t.Errorf("rejections = %+v", rej)
	}
}

func TestRun_CorruptStateIsFatal(t *testing.T) {
	e := newEnv(t)
	writeTwoChains(t, e)
	if err := os.MkdirAll(e.dims, 0o755); err != nil {
		t.Fatal(err)
	}
	corrupt := dimension.DocumentPath(e.dims, dimension.NameCity)
	if err := os.WriteFile(corrupt, []byte(`["not","an","object"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	res := e.run(t, context.Background(), Selector{}, 1)
	var cse *dimension.CorruptStateError
	if !errors.As(res.err, &cse) || cse.Dimension != dimension.NameCity {
		t.Fatalf("err = %v, want CorruptStateError for city", res.err)
	}
	if res.driver.State() != StateFailed {
		t.Errorf("state = %s, want failed", res.driver.State())
	}
	if _, err := os.Stat(e.fact); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("fact table must not be created when loading fails: %v", err)
	}
	if got := readFile(t, corrupt); got != `["not","an","object"]` {
		t.Errorf("corrupt document was rewritten: %q", got)
	}
	if _, err := os.Stat(dimension.DocumentPath(e.dims, dimension.NameCategory)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("no dimension may be saved after a fatal error: %v", err)
	}
}

func TestRun_UnwritableOutputIsFatal(t *testing.T) {
	e := newEnv(t)
	writeTwoChains(t, e)
	blocker := filepath.Dir(filepath.Dir(e.fact))
	if err := os.MkdirAll(filepath.Dir(blocker), 0o755); err != nil {
		t.Fatal(err)
	}
	// processed/ exists as a regular file, so neither facts/ nor dims/
	// can be created beneath it.
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	e.dims = filepath.Join(filepath.Dir(blocker), "dims")

	res := e.run(t, context.Background(), Selector{}, 1)
	if res.err == nil {
		t.Fatal("expected fatal error")
	}
	for _, name := range dimension.Names {
		if _, err := os.Stat(dimension.DocumentPath(e.dims, name)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s saved after fatal error", name)
		}
	}
	if _, err := os.Stat(e.audit); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("audit log written after fatal error")
	}
}

func TestRun_CanceledContext(t *testing.T) {
	e := newEnv(t)
	writeTwoChains(t, e)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.run(t, ctx, Selector{}, 2)
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", res.err)
	}
	if _, err := os.Stat(dimension.DocumentPath(e.dims, dimension.NameProduct)); !errors.Is(err, os.ErrNotExist) {
		t.Error("dimensions saved after cancellation")
	}
}

func TestRun_NoInputStillSavesEmptyDocuments(t *testing.T) {
	e := newEnv(t)
	res := e.run(t, context.Background(), Selector{}, 1)
	if res.err != nil {
		t.Fatal(res.err)
	}
	if got := readFile(t, e.fact); !strings.HasPrefix(got, "date,") || strings.Count(got, "\n") != 1 {
		t.Errorf("fact table = %q", got)
	}
	doc := readFile(t, dimension.DocumentPath(e.dims, dimension.NameTradeChain))
	if !bytes.Contains([]byte(doc), []byte(`"next_id": 1`)) {
		t.Errorf("trade_chain document = %s", doc)
	}
}

// failingFlushSink fails the first n Flush calls, then delegates.
type failingFlushSink struct {
	*events.Recorder
	failures int
	discards int
}

var errDiskFull = errors.New("disk full")

func (s *failingFlushSink) Flush() error {
	if s.failures > 0 {
		s.failures--
		return errDiskFull
	}
	return s.Recorder.Flush()
}

func (s *failingFlushSink) DiscardAudit() int {
	s.discards++
	return s.Recorder.DiscardAudit()
}

func TestRun_FlushFailureAfterSaveKeepsAudit(t *testing.T) {
	e := newEnv(t)
	writeTwoChains(t, e)

	rec := events.New(events.Options{AuditPath: e.audit, ErrorPath: e.errs, Now: fixedNow})
	sink := &failingFlushSink{Recorder: rec, failures: 1}
	set := dimension.NewSet(e.dims, rec, dimension.WithClock(fixedNow))
	d := New(set, sink, normalize.New(set, nil, nil), Options{
		RawDir:   e.raw,
		Pattern:  "kolko_struva_*.csv",
		FactPath: e.fact,
		Limits:   dimension.DefaultLimits,
	})

	stats, err := d.Run(context.Background(), Selector{})
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("err = %v, want %v", err, errDiskFull)
	}
	if d.State() != StateFailed {
		t.Errorf("state = %s, want failed", d.State())
	}
	for _, name := range dimension.Names {
		if _, err := os.Stat(dimension.DocumentPath(e.dims, name)); err != nil {
			t.Errorf("%s not saved: %v", name, err)
		}
	}
	if sink.discards != 0 {
		t.Errorf("audit events discarded after a successful save")
	}

	created := 0
	for _, n := range stats.DimensionsCreated {
		created += n
	}
	var audit []json.RawMessage
	if err := json.Unmarshal([]byte(readFile(t, e.audit)), &audit); err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if created == 0 || len(audit) != created {
		t.Errorf("audit entries = %d, want %d", len(audit), created)
	}
	if a, r := rec.Pending(); a != 0 || r != 0 {
		t.Errorf("pending after retry = %d/%d, want 0/0", a, r)
	}
}

type countingBackend struct {
	mu      sync.Mutex
	rows    map[string]float64
	flushes int
}

func (b *countingBackend) IncCounter(name string, delta float64, l metrics.Labels) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == metrics.RowsTotal {
		b.rows[l["status"]] += delta
	}
}

func (b *countingBackend) ObserveHistogram(string, float64, metrics.Labels) {}

func (b *countingBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushes++
	return nil
}

func (b *countingBackend) Close() error { return nil }

func TestRun_FlushesMetricsAtEnd(t *testing.T) {
	b := &countingBackend{rows: map[string]float64{}}
	metrics.SetBackend(b)
	t.Cleanup(func() { metrics.SetBackend(nil) })

	e := newEnv(t)
	writeTwoChains(t, e)
	res := e.run(t, context.Background(), Selector{}, 1)
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushes != 1 {
		t.Errorf("flushes = %d, want 1", b.flushes)
	}
	if got := b.rows["written"]; got != float64(res.stats.RowsWritten) {
		t.Errorf("written rows metric = %v, want %d", got, res.stats.RowsWritten)
	}
}
