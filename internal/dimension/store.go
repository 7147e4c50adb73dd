// Package dimension owns the durable mapping from business keys to small,
// stable surrogate ids for each dimension of the price star schema.
//
// A Store is loaded once per run, grows monotonically through GetOrCreate
// and is saved once at the end. Ids are assigned in strictly increasing
// order starting at 1 and are never reused or renumbered, across runs.
package dimension

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pricestar/internal/fileutil"
)

// Recorder receives one event per newly created dimension entry.
// *events.Recorder satisfies it.
type Recorder interface {
	DimensionCreated(dimension string, id int, value string, attributes any)
}

// Entry is a single dimension entry.
type Entry[A Attributes] struct {
	ID         int
	Attributes A
}

// Option customizes a Store.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger zerolog.Logger
}

// WithClock sets the clock used for the document "generated" field.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for load-time repairs.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Store manages one dimension document.
//
// Concurrency:
//   - All methods are safe for concurrent use. GetOrCreate is atomic per
//     call, so one business key always yields one id within a run.
type Store[A Attributes] struct {
	name string
	path string
	rec  Recorder
	opts options

	mu      sync.Mutex
	st      state[A]
	loaded  bool
	created int
}

// NewStore returns an unloaded store for the named dimension persisted at
// path. rec may be nil.
func NewStore[A Attributes](name, path string, rec Recorder, opts ...Option) *Store[A] {
	o := options{now: time.Now, logger: zerolog.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	return &Store[A]{
		name: name,
		path: path,
		rec:  rec,
		opts: o,
		st:   emptyState[A](),
	}
}

// Name returns the dimension name.
func (s *Store[A]) Name() string { return s.name }

// Path returns the document path.
func (s *Store[A]) Path() string { return s.path }

// Load reads the persisted document. A missing document yields an empty
// store with next id 1.
//
// Errors:
//   - *CorruptStateError if the document exists but is not a valid
//     dimension document. Nothing is partially loaded in that case.
//   - A wrapped I/O error if the document cannot be read.
func (s *Store[A]) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("dimension %s: create dir: %w", s.name, err)
		}
		s.st = emptyState[A]()
		s.loaded = true
		s.created = 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("dimension %s: read %s: %w", s.name, s.path, err)
	}

	st, err := readDocument[A](data)
	if err != nil {
		return &CorruptStateError{Dimension: s.name, Path: s.path, Err: err}
	}
	if st.repairedNextID {
		s.opts.logger.Warn().
			Str("dimension", s.name).
			Int("next_id", st.nextID).
			Msg("persisted next_id did not exceed highest id; raised")
	}
	if st.rebuiltKeys > 0 {
		s.opts.logger.Warn().
			Str("dimension", s.name).
			Int("keys", st.rebuiltKeys).
			Msg("entries without lookup_index keys; derived from attributes")
	}

	s.st = st
	s.loaded = true
	s.created = 0
	return nil
}

// GetOrCreate returns the id for attrs' business key, creating an entry if
// the key is unseen. Attributes of an existing entry are never updated:
// the first write for a key wins.
func (s *Store[A]) GetOrCreate(attrs A) int {
	key := attrs.BusinessKey()

	s.mu.Lock()
	if id, ok := s.st.index[key]; ok {
		s.mu.Unlock()
		return id
	}
	id := s.st.nextID
	s.st.entries[id] = attrs
	s.st.index[key] = id
	s.st.nextID++
	s.created++
	s.mu.Unlock()

	if s.rec != nil {
		s.rec.DimensionCreated(s.name, id, attrs.DisplayValue(), attrs)
	}
	return id
}

// Lookup returns the id for a business key without creating anything.
func (s *Store[A]) Lookup(key string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.st.index[key]
	return id, ok
}

// Get returns the entry for id.
func (s *Store[A]) Get(id int) (Entry[A], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.st.entries[id]
	if !ok {
		return Entry[A]{}, false
	}
	return Entry[A]{ID: id, Attributes: attrs}, true
}

// Entries returns every entry in ascending id order.
func (s *Store[A]) Entries() []Entry[A] {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := sortedIDs(s.st.entries)
	out := make([]Entry[A], 0, len(ids))
	for _, id := range ids {
		out = append(out, Entry[A]{ID: id, Attributes: s.st.entries[id]})
	}
	return out
}

// Len returns the number of entries.
func (s *Store[A]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.entries)
}

// NextID returns the id the next created entry will receive.
func (s *Store[A]) NextID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.nextID
}

// Created returns the number of entries created since Load.
func (s *Store[A]) Created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// Save writes the whole state as one document. The write is atomic: the
// previous document stays in place if anything fails.
func (s *Store[A]) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return fmt.Errorf("dimension %s: %w", s.name, ErrNotLoaded)
	}
	err := fileutil.WriteTmpThenMove(s.path, func(w io.Writer) error {
		return writeDocument(w, s.st, s.opts.now())
	})
	if err != nil {
		return fmt.Errorf("dimension %s: save %s: %w", s.name, s.path, err)
	}
	return nil
}

// SizeWarning reports whether the entry count or the on-disk document size
// exceed l. It is advisory and never blocks processing.
func (s *Store[A]) SizeWarning(l Limits) *SizeWarning {
	return checkSize(s.name, s.path, s.Len(), l)
}
