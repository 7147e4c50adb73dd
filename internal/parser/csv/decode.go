// Package csv decodes source price extracts into rows keyed by canonical
// field names.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Supported source encodings.
const (
	EncodingUTF8        = "utf-8"
	EncodingWindows1251 = "windows-1251"
)

// ErrEncoding is returned for an encoding name Decode does not support.
var ErrEncoding = errors.New("csv: unsupported encoding")

// DefaultHeaderMap maps the headers of the published extracts to canonical
// field names.
var DefaultHeaderMap = map[string]string{
	"Населено място":           "settlement",
	"Търговски обект":          "trade_object",
	"Наименование на продукта": "product_name",
	"Код на продукта":          "product_code",
	"Категория":                "category",
	"Цена на дребно":           "retail_price",
	"Цена в промоция":          "promo_price",
}

// Options control how a source file is decoded.
type Options struct {
	Comma      rune
	Encoding   string
	LazyQuotes bool
	// HeaderMap overrides DefaultHeaderMap entries by source header.
	HeaderMap map[string]string
}

func (o Options) comma() rune {
	if o.Comma == 0 {
		return ','
	}
	return o.Comma
}

func (o Options) mapHeader(h string) string {
	if m, ok := o.HeaderMap[h]; ok {
		return m
	}
	if m, ok := DefaultHeaderMap[h]; ok {
		return m
	}
	return strings.ReplaceAll(strings.ToLower(h), " ", "_")
}

// Row is one data record. Line is the record number counting the header as
// 1. A record the reader could not parse has Err set and no Fields.
type Row struct {
	Line   int
	Fields map[string]string
	Record []string
	Err    error
}

// Raw renders the record as it appeared in the source, re-quoted as CSV.
func (r Row) Raw() string {
	if len(r.Record) == 0 {
		return ""
	}
	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write(r.Record)
	w.Flush()
	return strings.TrimRight(b.String(), "\r\n")
}

// NewReader wraps src with the decoder for encoding. UTF-8 input may start
// with a byte order mark, which is dropped.
func NewReader(src io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(encoding) {
	case "", EncodingUTF8, "utf8":
		return transform.NewReader(src, unicode.BOMOverride(unicode.UTF8.NewDecoder())), nil
	case EncodingWindows1251, "cp1251":
		return charmap.Windows1251.NewDecoder().Reader(src), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrEncoding, encoding)
	}
}

// Decode reads a header and then every record from src, calling fn per
// record in order. Parse errors on a record are delivered as a Row with Err
// set and decoding continues. A missing or unreadable header, a read error
// from src, or an error from fn stops decoding.
func Decode(ctx context.Context, src io.Reader, opt Options, fn func(Row) error) error {
	in, err := NewReader(src, opt.Encoding)
	if err != nil {
		return err
	}

	cr := csv.NewReader(in)
	cr.Comma = opt.comma()
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if err == io.EOF {
		return errors.New("csv: empty file, no header")
	}
	if err != nil {
		return fmt.Errorf("csv: read header: %w", err)
	}
	names := make([]string, len(hdr))
	for i, h := range hdr {
		names[i] = opt.mapHeader(strings.TrimSpace(h))
	}

	line := 1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		line++
		var pe *csv.ParseError
		if err != nil && !errors.As(err, &pe) {
			return fmt.Errorf("csv: line %d: %w", line, err)
		}

		row := Row{Line: line, Record: rec}
		if err != nil {
			row.Err = err
		} else {
			row.Fields = make(map[string]string, len(names))
			for i, name := range names {
				if i < len(rec) {
					row.Fields[name] = strings.TrimSpace(rec[i])
				}
			}
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

// ReadFile decodes the file at path into memory.
func ReadFile(ctx context.Context, path string, opt Options) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []Row
	err = Decode(ctx, f, opt, func(r Row) error {
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
