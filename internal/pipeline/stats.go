package pipeline

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"pricestar/internal/dimension"
)

// Stats summarizes a run. It is returned whether or not the run failed.
type Stats struct {
	RowsProcessed     int            `json:"total_rows_processed"`
	RowsWritten       int            `json:"rows_written"`
	RowsSkipped       int            `json:"rows_skipped"`
	FilesProcessed    int            `json:"files_processed"`
	FilesFailed       int            `json:"files_failed"`
	DimensionsCreated map[string]int `json:"dimensions_created"`
	Duration          time.Duration  `json:"duration_ns"`
}

// Log writes the summary to l.
func (s Stats) Log(l zerolog.Logger, state State) {
	ev := l.Info()
	if state == StateFailed {
		ev = l.Error()
	}
	d := zerolog.Dict()
	for _, name := range dimension.Names {
		d.Int(name, s.DimensionsCreated[name])
	}
	ev.Str("state", string(state)).
		Str("rows_processed", humanize.Comma(int64(s.RowsProcessed))).
		Str("rows_written", humanize.Comma(int64(s.RowsWritten))).
		Str("rows_skipped", humanize.Comma(int64(s.RowsSkipped))).
		Int("files_processed", s.FilesProcessed).
		Int("files_failed", s.FilesFailed).
		Dict("dimensions_created", d).
		Dur("duration", s.Duration).
		Msg("run summary")
}
