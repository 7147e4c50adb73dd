// Package nomenclature loads the optional code -> display name tables for
// categories and settlements.
package nomenclature

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
)

// Table maps a raw source code to a human-readable name.
type Table map[string]string

// Name returns the display name for code, or code itself when unknown.
func (t Table) Name(code string) string {
	if name, ok := t[code]; ok && name != "" {
		return name
	}
	return code
}

// Read parses a nomenclature document: a flat JSON object of code -> name.
func Read(path string) (Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Table
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}
	if t == nil {
		t = Table{}
	}
	return t, nil
}

// Load reads the table at path. A missing or invalid document is not an
// error: it is logged as a warning and an empty table is returned, so
// lookups fall back to the raw codes.
func Load(path, kind string, log zerolog.Logger) Table {
	if path == "" {
		log.Warn().Str("nomenclature", kind).Msg("no nomenclature configured; raw codes will be used as names")
		return Table{}
	}
	t, err := Read(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("nomenclature", kind).Str("path", path).
			Msg("nomenclature file not found; raw codes will be used as names")
		return Table{}
	case err != nil:
		log.Warn().Err(err).Str("nomenclature", kind).Str("path", path).
			Msg("nomenclature unreadable; raw codes will be used as names")
		return Table{}
	}
	log.Debug().Str("nomenclature", kind).Int("entries", len(t)).Msg("nomenclature loaded")
	return t
}
