package mssql

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"pricestar/internal/storage"
)

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

type fakeExecer struct {
	queries []string
	args    [][]any
}

func (f *fakeExecer) ExecContext(_ context.Context, q string, args ...any) (sql.Result, error) {
	f.queries = append(f.queries, q)
	f.args = append(f.args, args)
	// Every VALUES tuple counts as inserted.
	return fakeResult(strings.Count(q, "(@p")), nil
}

func TestBuildInsertNotExistsSQL(t *testing.T) {
	t.Parallel()

	q, args := buildInsertNotExistsSQL("fact_prices",
		[]string{"date", "product_id", "retail_price"},
		[][]any{{"2025-07-09", 1, "1.99"}},
		[]string{"date", "product_id"})

	want := "INSERT INTO [fact_prices] ([date], [product_id], [retail_price]) " +
		"SELECT v.[date], v.[product_id], v.[retail_price] FROM (VALUES (@p1, @p2, @p3)) " +
		"AS v([date], [product_id], [retail_price]) WHERE NOT EXISTS (SELECT 1 FROM [fact_prices] t " +
		"WHERE t.[date] = v.[date] AND t.[product_id] = v.[product_id])"
	if q != want {
		t.Fatalf("sql=\n%s\nwant\n%s", q, want)
	}
	if len(args) != 3 {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildBulkInsertSQL(t *testing.T) {
	t.Parallel()

	q, args := buildBulkInsertSQL("dbo.dim_city", []string{"id", "name"}, [][]any{{1, "a"}, {2, "b"}})
	want := "INSERT INTO [dbo].[dim_city] ([id], [name]) VALUES (@p1, @p2), (@p3, @p4)"
	if q != want || len(args) != 4 {
		t.Fatalf("sql=%q args=%v", q, args)
	}
}

func TestBuildCreateSQL_GuardsAndTypes(t *testing.T) {
	t.Parallel()

	var product storage.TableSpec
	for _, s := range storage.StarSchema() {
		if s.Name == storage.TableProduct {
			product = s
		}
	}
	q, err := buildCreateSQL(product)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	for _, want := range []string{
		"IF OBJECT_ID(N'dim_product', N'U') IS NULL BEGIN CREATE TABLE [dim_product] (",
		"[id] BIGINT NOT NULL",
		"[product_code] NVARCHAR(400) NULL",
		"[category_id] BIGINT NOT NULL REFERENCES dim_category(id)",
		"PRIMARY KEY ([id])",
	} {
		if !strings.Contains(q, want) {
			t.Fatalf("DDL missing %q:\n%s", want, q)
		}
	}
}

func TestInsertRows_DedupesBatchBeforeNotExists(t *testing.T) {
	t.Parallel()

	f := &fakeExecer{}
	rows := [][]any{
		{int64(1), "first"},
		{int64(1), "second"},
		{int64(2), "other"},
	}
	n, err := insertRows(context.Background(), f, "dim_city", []string{"id", "name"}, rows, []string{"id"})
	if err != nil {
		t.Fatalf("insertRows: %v", err)
	}
	if n != 2 {
		t.Fatalf("n=%d", n)
	}
	if len(f.queries) != 1 || !strings.Contains(f.queries[0], "WHERE NOT EXISTS") {
		t.Fatalf("queries=%v", f.queries)
	}
	if got := f.args[0]; len(got) != 4 || got[1] != "first" {
		t.Fatalf("args=%v", got)
	}
}

func TestInsertRows_ChunksUnderParameterLimit(t *testing.T) {
	t.Parallel()

	f := &fakeExecer{}
	rows := make([][]any, 0, 2500)
	for i := 0; i < 2500; i++ {
		rows = append(rows, []any{i})
	}
	n, err := insertRows(context.Background(), f, "t", []string{"id"}, rows, nil)
	if err != nil {
		t.Fatalf("insertRows: %v", err)
	}
	if len(f.queries) != 2 {
		t.Fatalf("statements=%d want 2", len(f.queries))
	}
	if n != 2500 {
		t.Fatalf("n=%d", n)
	}
	for _, a := range f.args {
		if len(a) > maxParams {
			t.Fatalf("statement binds %d parameters", len(a))
		}
	}
}

func TestInsertRows_UnknownConflictColumn(t *testing.T) {
	t.Parallel()

	_, err := insertRows(context.Background(), &fakeExecer{}, "t", []string{"a"}, [][]any{{1}}, []string{"b"})
	if err == nil {
		t.Fatalf("expected error")
	}
}
