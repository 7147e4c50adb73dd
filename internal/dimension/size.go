package dimension

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

// Limits are the advisory thresholds for one dimension.
type Limits struct {
	MaxEntries   int
	MaxFileBytes int64
}

// DefaultLimits: 100,000 entries or a 10 MiB document.
var DefaultLimits = Limits{MaxEntries: 100_000, MaxFileBytes: 10 * 1024 * 1024}

// SizeWarning describes a dimension that outgrew its advisory limits.
type SizeWarning struct {
	Dimension       string
	Path            string
	Entries         int
	FileBytes       int64
	Limits          Limits
	EntriesExceeded bool
	SizeExceeded    bool
}

func (w SizeWarning) String() string {
	var parts []string
	if w.EntriesExceeded {
		parts = append(parts, fmt.Sprintf("%s entries (threshold: %s)",
			humanize.Comma(int64(w.Entries)), humanize.Comma(int64(w.Limits.MaxEntries))))
	}
	if w.SizeExceeded {
		parts = append(parts, fmt.Sprintf("file is %s (threshold: %s)",
			humanize.IBytes(uint64(w.FileBytes)), humanize.IBytes(uint64(w.Limits.MaxFileBytes))))
	}
	return fmt.Sprintf("dimension %q: %s; consider an archival strategy", w.Dimension, strings.Join(parts, ", "))
}

func checkSize(name, path string, entries int, l Limits) *SizeWarning {
	w := SizeWarning{Dimension: name, Path: path, Entries: entries, Limits: l}
	if l.MaxEntries > 0 && entries > l.MaxEntries {
		w.EntriesExceeded = true
	}
	if fi, err := os.Stat(path); err == nil {
		w.FileBytes = fi.Size()
		if l.MaxFileBytes > 0 && fi.Size() > l.MaxFileBytes {
			w.SizeExceeded = true
		}
	}
	if !w.EntriesExceeded && !w.SizeExceeded {
		return nil
	}
	return &w
}
