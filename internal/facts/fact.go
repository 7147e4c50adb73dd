// Package facts defines the price observation fact record and its on-disk
// renditions: the CSV fact table written during a run and a Parquet export.
package facts

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the observation date format used in file names and output.
const DateLayout = "2006-01-02"

// Header is the fixed column order of the fact table.
var Header = []string{
	"date",
	"trade_chain_id",
	"trade_object_id",
	"city_id",
	"product_id",
	"category_id",
	"retail_price",
	"promo_price",
}

// Fact is one price observation. At least one of RetailPrice and
// PromoPrice is valid.
type Fact struct {
	Date          time.Time
	TradeChainID  int
	TradeObjectID int
	CityID        int
	ProductID     int
	CategoryID    int
	RetailPrice   decimal.NullDecimal
	PromoPrice    decimal.NullDecimal
}

// Record renders f in Header order. Absent prices are empty fields.
func (f Fact) Record() []string {
	return []string{
		f.Date.Format(DateLayout),
		strconv.Itoa(f.TradeChainID),
		strconv.Itoa(f.TradeObjectID),
		strconv.Itoa(f.CityID),
		strconv.Itoa(f.ProductID),
		strconv.Itoa(f.CategoryID),
		formatPrice(f.RetailPrice),
		formatPrice(f.PromoPrice),
	}
}

func formatPrice(p decimal.NullDecimal) string {
	if !p.Valid {
		return ""
	}
	return p.Decimal.String()
}

// ParseRecord is the inverse of Record.
func ParseRecord(rec []string) (Fact, error) {
	if len(rec) != len(Header) {
		return Fact{}, fmt.Errorf("facts: record has %d fields, want %d", len(rec), len(Header))
	}
	var (
		f   Fact
		err error
	)
	if f.Date, err = time.Parse(DateLayout, rec[0]); err != nil {
		return Fact{}, fmt.Errorf("facts: date: %w", err)
	}
	ids := []*int{&f.TradeChainID, &f.TradeObjectID, &f.CityID, &f.ProductID, &f.CategoryID}
	for i, dst := range ids {
		if *dst, err = strconv.Atoi(rec[i+1]); err != nil {
			return Fact{}, fmt.Errorf("facts: %s: %w", Header[i+1], err)
		}
	}
	if f.RetailPrice, err = parsePrice(rec[6]); err != nil {
		return Fact{}, fmt.Errorf("facts: retail_price: %w", err)
	}
	if f.PromoPrice, err = parsePrice(rec[7]); err != nil {
		return Fact{}, fmt.Errorf("facts: promo_price: %w", err)
	}
	return f, nil
}

func parsePrice(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
