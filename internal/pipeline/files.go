package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"pricestar/internal/facts"
)

// ErrFileName marks a source file whose name does not carry a date and a
// chain id.
var ErrFileName = errors.New("unrecognized source file name")

// FileError is a failure confined to one source file.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *FileError) Unwrap() error { return e.Err }

var fileNameRE = regexp.MustCompile(`^kolko_struva_(\d{4}-\d{2}-\d{2})_account_(\d+)\.csv$`)

// ParseFileName extracts the observation date and trade chain id from a
// name like kolko_struva_2025-07-09_account_7.csv.
func ParseFileName(p string) (time.Time, int, error) {
	base := filepath.Base(p)
	m := fileNameRE.FindStringSubmatch(base)
	if m == nil {
		return time.Time{}, 0, &FileError{Path: p, Err: ErrFileName}
	}
	date, err := time.Parse(facts.DateLayout, m[1])
	if err != nil {
		return time.Time{}, 0, &FileError{Path: p, Err: fmt.Errorf("%w: date %q", ErrFileName, m[1])}
	}
	chain, err := strconv.Atoi(m[2])
	if err != nil || chain < 1 {
		return time.Time{}, 0, &FileError{Path: p, Err: fmt.Errorf("%w: chain id %q", ErrFileName, m[2])}
	}
	return date, chain, nil
}

// Selector picks the input files of a run. An empty Dates selects every
// file matching the driver's pattern.
type Selector struct {
	Dates []string
}

// ValidateDates checks every selector date is YYYY-MM-DD.
func (s Selector) ValidateDates() error {
	for _, d := range s.Dates {
		if _, err := time.Parse(facts.DateLayout, d); err != nil {
			return fmt.Errorf("invalid date %q: want YYYY-MM-DD", d)
		}
	}
	return nil
}

// Discover lists the source files under dir in sorted order. The order
// decides which row first claims a business key, so it must not depend on
// directory iteration order. A missing dir yields no files.
func Discover(dir, pattern string, sel Selector) ([]string, error) {
	if err := sel.ValidateDates(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	patterns := []string{pattern}
	if len(sel.Dates) > 0 {
		patterns = patterns[:0]
		for _, d := range sel.Dates {
			patterns = append(patterns, "kolko_struva_"+d+"_account_*.csv")
		}
	}

	fsys := os.DirFS(dir)
	seen := make(map[string]struct{})
	var out []string
	for _, pat := range patterns {
		matches, err := doublestar.Glob(fsys, pat, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q in %s: %w", pat, dir, err)
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	for i, m := range out {
		out[i] = filepath.Join(dir, filepath.FromSlash(path.Clean(m)))
	}
	return out, nil
}
