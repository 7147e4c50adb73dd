// Package warehouse loads the persisted star schema (dimension documents
// plus the CSV fact table) into a SQL database through storage.Repository.
//
// Loads are idempotent: dimension rows keep their surrogate ids and are
// skipped when the id already exists; fact rows are skipped when their
// natural key (date, trade chain, trade object, product) already exists.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"pricestar/internal/dimension"
	"pricestar/internal/facts"
	"pricestar/internal/fileutil"
	"pricestar/internal/metrics"
	"pricestar/internal/storage"
)

// DefaultBatchSize is the number of rows per InsertRows call.
const DefaultBatchSize = 1000

// Options configures an Exporter.
type Options struct {
	BatchSize int
	Logger    *zerolog.Logger
}

// TableResult reports one table's load.
type TableResult struct {
	Table    string `json:"table"`
	Read     int    `json:"read"`
	Inserted int64  `json:"inserted"`
}

// Skipped is the number of rows that were already present.
func (r TableResult) Skipped() int64 { return int64(r.Read) - r.Inserted }

// Result reports a whole export, in load order.
type Result struct {
	Tables   []TableResult `json:"tables"`
	Duration time.Duration `json:"duration_ns"`
}

// Exporter writes the star schema into one repository.
type Exporter struct {
	repo storage.Repository
	opts Options
	log  zerolog.Logger
}

// New returns an Exporter over repo. The caller owns repo.
func New(repo storage.Repository, opts Options) *Exporter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Exporter{repo: repo, opts: opts, log: log}
}

// Export creates missing tables, then loads every dimension of dims
// (which must be loaded) and finally the fact table at factPath.
//
// A missing fact table is not an error: dimensions are still exported and
// the fact result reports zero rows.
func (e *Exporter) Export(ctx context.Context, dims *dimension.Set, factPath string) (Result, error) {
	start := time.Now()
	var res Result

	err := e.step("ensure_tables", func() error {
		return e.repo.EnsureTables(ctx, storage.StarSchema())
	})
	if err != nil {
		return res, fmt.Errorf("warehouse: ensure tables: %w", err)
	}

	loads := []struct {
		table   string
		columns []string
		rows    [][]any
	}{
		{storage.TableCategory, []string{"id", "name"}, categoryRows(dims.Category)},
		{storage.TableCity, []string{"id", "ekatte_code", "name"}, cityRows(dims.City)},
		{storage.TableTradeChain, []string{"id", "name"}, tradeChainRows(dims.TradeChain)},
		{storage.TableTradeObject, []string{"id", "chain_id", "address"}, tradeObjectRows(dims.TradeObject)},
		{storage.TableProduct, []string{"id", "name", "product_code", "category_id"}, productRows(dims.Product)},
	}
	for _, l := range loads {
		var tr TableResult
		err := e.step("export_"+l.table, func() error {
			var err error
			tr, err = e.insertBatched(ctx, l.table, l.columns, l.rows, []string{"id"})
			return err
		})
		if err != nil {
			return res, err
		}
		res.Tables = append(res.Tables, tr)
	}

	var fr TableResult
	err = e.step("export_"+storage.TableFactPrices, func() error {
		var err error
		fr, err = e.exportFacts(ctx, factPath)
		return err
	})
	if err != nil {
		return res, err
	}
	res.Tables = append(res.Tables, fr)
	res.Duration = time.Since(start)

	for _, tr := range res.Tables {
		e.log.Info().
			Str("table", tr.Table).
			Str("read", humanize.Comma(int64(tr.Read))).
			Str("inserted", humanize.Comma(tr.Inserted)).
			Str("skipped", humanize.Comma(tr.Skipped())).
			Msg("warehouse table loaded")
	}
	return res, nil
}

func (e *Exporter) step(name string, fn func() error) error {
	t0 := time.Now()
	err := fn()
	metrics.RecordStep(name, err, time.Since(t0))
	return err
}

func (e *Exporter) insertBatched(ctx context.Context, table string, columns []string, rows [][]any, conflict []string) (TableResult, error) {
	tr := TableResult{Table: table}
	for start := 0; start < len(rows); start += e.opts.BatchSize {
		end := min(start+e.opts.BatchSize, len(rows))
		if err := e.insert(ctx, &tr, columns, rows[start:end], conflict); err != nil {
			return tr, err
		}
	}
	return tr, nil
}

func (e *Exporter) insert(ctx context.Context, tr *TableResult, columns []string, batch [][]any, conflict []string) error {
	n, err := e.repo.InsertRows(ctx, tr.Table, columns, batch, conflict)
	if err != nil {
		return fmt.Errorf("warehouse: load %s: %w", tr.Table, err)
	}
	tr.Read += len(batch)
	tr.Inserted += n
	metrics.IncCounter(metrics.WarehouseRowsTotal, float64(n), metrics.Labels{"table": tr.Table, "status": "inserted"})
	metrics.IncCounter(metrics.WarehouseRowsTotal, float64(int64(len(batch))-n), metrics.Labels{"table": tr.Table, "status": "skipped"})
	e.log.Debug().Str("table", tr.Table).Int("batch", len(batch)).Int64("inserted", n).Msg("batch loaded")
	return nil
}

// exportFacts streams the fact table in batches so memory stays bounded by
// BatchSize.
func (e *Exporter) exportFacts(ctx context.Context, factPath string) (TableResult, error) {
	tr := TableResult{Table: storage.TableFactPrices}
	columns := facts.Header

	batch := make([][]any, 0, e.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := e.insert(ctx, &tr, columns, batch, storage.FactKey)
		batch = make([][]any, 0, e.opts.BatchSize)
		return err
	}

	if !fileutil.Exists(factPath) {
		e.log.Warn().Str("path", factPath).Msg("fact table not found; only dimensions exported")
		return tr, nil
	}

	err := facts.Scan(ctx, factPath, func(_ int, f facts.Fact) error {
		batch = append(batch, factRow(f))
		if len(batch) >= e.opts.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return tr, err
	}
	return tr, flush()
}

func factRow(f facts.Fact) []any {
	return []any{
		f.Date,
		f.TradeChainID,
		f.TradeObjectID,
		f.CityID,
		f.ProductID,
		f.CategoryID,
		f.RetailPrice,
		f.PromoPrice,
	}
}

func categoryRows(s *dimension.Store[dimension.Category]) [][]any {
	var out [][]any
	for _, e := range s.Entries() {
		out = append(out, []any{e.ID, e.Attributes.Name})
	}
	return out
}

func cityRows(s *dimension.Store[dimension.City]) [][]any {
	var out [][]any
	for _, e := range s.Entries() {
		out = append(out, []any{e.ID, e.Attributes.EkatteCode, e.Attributes.Name})
	}
	return out
}

func tradeChainRows(s *dimension.Store[dimension.TradeChain]) [][]any {
	var out [][]any
	for _, e := range s.Entries() {
		out = append(out, []any{e.ID, e.Attributes.Name})
	}
	return out
}

func tradeObjectRows(s *dimension.Store[dimension.TradeObject]) [][]any {
	var out [][]any
	for _, e := range s.Entries() {
		out = append(out, []any{e.ID, e.Attributes.ChainID, e.Attributes.Address})
	}
	return out
}

func productRows(s *dimension.Store[dimension.Product]) [][]any {
	var out [][]any
	for _, e := range s.Entries() {
		code := sql.NullString{String: e.Attributes.Code(), Valid: e.Attributes.ProductCode != nil}
		out = append(out, []any{e.ID, e.Attributes.Name, code, e.Attributes.CategoryID})
	}
	return out
}
