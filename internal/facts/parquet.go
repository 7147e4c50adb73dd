package facts

import (
	"context"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"pricestar/internal/fileutil"
)

// ParquetRow is the Parquet schema of the fact table. Column order and
// names match Header; absent prices are null.
type ParquetRow struct {
	Date          string   `parquet:"date"`
	TradeChainID  int64    `parquet:"trade_chain_id"`
	TradeObjectID int64    `parquet:"trade_object_id"`
	CityID        int64    `parquet:"city_id"`
	ProductID     int64    `parquet:"product_id"`
	CategoryID    int64    `parquet:"category_id"`
	RetailPrice   *float64 `parquet:"retail_price,optional"`
	PromoPrice    *float64 `parquet:"promo_price,optional"`
}

// ToParquet converts f to its Parquet row.
func ToParquet(f Fact) ParquetRow {
	return ParquetRow{
		Date:          f.Date.Format(DateLayout),
		TradeChainID:  int64(f.TradeChainID),
		TradeObjectID: int64(f.TradeObjectID),
		CityID:        int64(f.CityID),
		ProductID:     int64(f.ProductID),
		CategoryID:    int64(f.CategoryID),
		RetailPrice:   priceFloat(f.RetailPrice.Decimal.InexactFloat64(), f.RetailPrice.Valid),
		PromoPrice:    priceFloat(f.PromoPrice.Decimal.InexactFloat64(), f.PromoPrice.Valid),
	}
}

func priceFloat(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}

// parquetBatch bounds the rows buffered before a Write call.
const parquetBatch = 4096

// ExportParquet converts the CSV fact table at csvPath into a Parquet file
// at outPath. The Parquet file replaces outPath atomically.
func ExportParquet(ctx context.Context, csvPath, outPath string) (int, error) {
	total := 0
	err := fileutil.WriteTmpThenMove(outPath, func(w io.Writer) error {
		pw := parquet.NewGenericWriter[ParquetRow](w)
		batch := make([]ParquetRow, 0, parquetBatch)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if _, err := pw.Write(batch); err != nil {
				return fmt.Errorf("facts: parquet write: %w", err)
			}
			total += len(batch)
			batch = batch[:0]
			return nil
		}

		err := Scan(ctx, csvPath, func(_ int, f Fact) error {
			batch = append(batch, ToParquet(f))
			if len(batch) >= parquetBatch {
				return flush()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := flush(); err != nil {
			return err
		}
		if err := pw.Close(); err != nil {
			return fmt.Errorf("facts: parquet close: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
