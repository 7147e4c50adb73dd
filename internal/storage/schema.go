package storage

import (
	"fmt"
	"strings"
)

// ColumnType is a portable column type; each backend maps it to its own DDL.
type ColumnType string

const (
	TypeInteger ColumnType = "integer"
	TypeText    ColumnType = "text"
	TypeDate    ColumnType = "date"
	TypeDecimal ColumnType = "decimal"
)

// TableSpec describes one warehouse table.
type TableSpec struct {
	Name       string
	Columns    []ColumnSpec
	PrimaryKey []string
	Unique     [][]string
}

// ColumnSpec describes one column. Columns are NOT NULL unless Nullable.
type ColumnSpec struct {
	Name       string
	Type       ColumnType
	Nullable   bool
	References string // "table(column)"
}

// ColumnNames returns the column names in declaration order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Validate checks that the spec is usable by every backend.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("storage: table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("storage: table %s has no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("storage: table %s has a column without a name", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("storage: table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = true
		switch c.Type {
		case TypeInteger, TypeText, TypeDate, TypeDecimal:
		default:
			return fmt.Errorf("storage: table %s: column %s has unsupported type %q", t.Name, c.Name, c.Type)
		}
	}
	keys := append([][]string{t.PrimaryKey}, t.Unique...)
	for _, key := range keys {
		for _, col := range key {
			if !seen[col] {
				return fmt.Errorf("storage: table %s: key column %q is not declared", t.Name, col)
			}
		}
	}
	return nil
}

// Warehouse table names.
const (
	TableCategory    = "dim_category"
	TableCity        = "dim_city"
	TableTradeChain  = "dim_trade_chain"
	TableTradeObject = "dim_trade_object"
	TableProduct     = "dim_product"
	TableFactPrices  = "fact_prices"
)

// FactKey is the natural key of a price observation.
var FactKey = []string{"date", "trade_chain_id", "trade_object_id", "product_id"}

// StarSchema returns the warehouse tables in creation order: dimensions
// first, then the fact table that references them.
func StarSchema() []TableSpec {
	id := ColumnSpec{Name: "id", Type: TypeInteger}
	return []TableSpec{
		{
			Name:       TableCategory,
			Columns:    []ColumnSpec{id, {Name: "name", Type: TypeText}},
			PrimaryKey: []string{"id"},
		},
		{
			Name: TableCity,
			Columns: []ColumnSpec{
				id,
				{Name: "ekatte_code", Type: TypeText},
				{Name: "name", Type: TypeText},
			},
			PrimaryKey: []string{"id"},
		},
		{
			Name:       TableTradeChain,
			Columns:    []ColumnSpec{id, {Name: "name", Type: TypeText}},
			PrimaryKey: []string{"id"},
		},
		{
			Name: TableTradeObject,
			Columns: []ColumnSpec{
				id,
				{Name: "chain_id", Type: TypeInteger},
				{Name: "address", Type: TypeText},
			},
			PrimaryKey: []string{"id"},
		},
		{
			Name: TableProduct,
			Columns: []ColumnSpec{
				id,
				{Name: "name", Type: TypeText},
				{Name: "product_code", Type: TypeText, Nullable: true},
				{Name: "category_id", Type: TypeInteger, References: TableCategory + "(id)"},
			},
			PrimaryKey: []string{"id"},
		},
		{
			Name: TableFactPrices,
			Columns: []ColumnSpec{
				{Name: "date", Type: TypeDate},
				{Name: "trade_chain_id", Type: TypeInteger},
				{Name: "trade_object_id", Type: TypeInteger, References: TableTradeObject + "(id)"},
				{Name: "city_id", Type: TypeInteger, References: TableCity + "(id)"},
				{Name: "product_id", Type: TypeInteger, References: TableProduct + "(id)"},
				{Name: "category_id", Type: TypeInteger, References: TableCategory + "(id)"},
				{Name: "retail_price", Type: TypeDecimal, Nullable: true},
				{Name: "promo_price", Type: TypeDecimal, Nullable: true},
			},
			Unique: [][]string{FactKey},
		},
	}
}
