package facts

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
)

// Writer appends facts to the CSV fact table. Every Append is flushed to
// the file before it returns, so an interrupted run leaves a valid prefix.
type Writer struct {
	path string
	f    *os.File
	w    *csv.Writer
	rows int
}

// Create truncates (or creates) the fact table at path and writes the
// header.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("facts: create dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("facts: create %s: %w", path, err)
	}
	w := &Writer{path: path, f: f, w: csv.NewWriter(f)}
	if err := w.w.Write(Header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("facts: write header: %w", err)
	}
	if err := w.flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the fact table path.
func (w *Writer) Path() string { return w.path }

// Rows returns the number of facts written so far.
func (w *Writer) Rows() int { return w.rows }

// Append writes facts and flushes them.
func (w *Writer) Append(facts []Fact) error {
	for _, f := range facts {
		if err := w.w.Write(f.Record()); err != nil {
			return fmt.Errorf("facts: write: %w", err)
		}
	}
	if err := w.flush(); err != nil {
		return err
	}
	w.rows += len(facts)
	return nil
}

func (w *Writer) flush() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return fmt.Errorf("facts: flush %s: %w", w.path, err)
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	err := w.flush()
	return errors.Join(err, w.f.Close())
}

// Scan reads the fact table at path and calls fn for every fact, in file
// order. The header must match Header exactly.
func Scan(ctx context.Context, path string, fn func(line int, f Fact) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("facts: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.ReuseRecord = true
	r.FieldsPerRecord = len(Header)

	hdr, err := r.Read()
	if err != nil {
		return fmt.Errorf("facts: read header: %w", err)
	}
	if !slices.Equal(hdr, Header) {
		return fmt.Errorf("facts: unexpected header %v", hdr)
	}

	line := 1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		line++
		if err != nil {
			return fmt.Errorf("facts: line %d: %w", line, err)
		}
		fact, err := ParseRecord(rec)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(line, fact); err != nil {
			return err
		}
	}
}
