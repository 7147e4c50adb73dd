package storage

import (
	"fmt"
	"strings"
)

// DedupeRows keeps the first row for each distinct value of keyColumns and
// drops later ones, preserving order. Backends whose insert-or-ignore does
// not collapse duplicates inside one statement call it before inserting.
func DedupeRows(columns []string, rows [][]any, keyColumns []string) ([][]any, error) {
	idx, err := ColumnIndices(columns, keyColumns)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		k := rowKey(row, idx)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

// ColumnIndices maps each name in want to its position in columns.
func ColumnIndices(columns, want []string) ([]int, error) {
	pos := make(map[string]int, len(columns))
	for i, c := range columns {
		pos[c] = i
	}
	out := make([]int, len(want))
	for i, w := range want {
		p, ok := pos[w]
		if !ok {
			return nil, fmt.Errorf("storage: column %q not present in %v", w, columns)
		}
		out[i] = p
	}
	return out, nil
}

// CheckRows verifies that every row has one value per column.
func CheckRows(columns []string, rows [][]any) error {
	for i, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("storage: row %d has %d values, want %d", i, len(row), len(columns))
		}
	}
	return nil
}

// Chunk splits rows so that each chunk binds at most maxParams
// parameters. A chunk always holds at least one row.
func Chunk(rows [][]any, columns, maxParams int) [][][]any {
	per := 1
	if columns > 0 && maxParams/columns > 1 {
		per = maxParams / columns
	}
	var out [][][]any
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		out = append(out, rows[start:end])
	}
	return out
}

func rowKey(row []any, idx []int) string {
	var b strings.Builder
	for i, p := range idx {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		fmt.Fprintf(&b, "%v", row[p])
	}
	return b.String()
}
