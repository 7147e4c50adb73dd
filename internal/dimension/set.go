package dimension

import (
	"path/filepath"
)

// Persistent is the type-erased view of a Store used when a caller needs
// to treat all dimensions alike.
type Persistent interface {
	Name() string
	Path() string
	Load() error
	Save() error
	Len() int
	Created() int
	SizeWarning(l Limits) *SizeWarning
}

var (
	_ Persistent = (*Store[Category])(nil)
	_ Persistent = (*Store[City])(nil)
	_ Persistent = (*Store[TradeChain])(nil)
	_ Persistent = (*Store[TradeObject])(nil)
	_ Persistent = (*Store[Product])(nil)
)

// Set bundles the five stores of the price star schema.
type Set struct {
	Category    *Store[Category]
	City        *Store[City]
	TradeChain  *Store[TradeChain]
	TradeObject *Store[TradeObject]
	Product     *Store[Product]
}

// DocumentPath returns the document path of a dimension under dir.
func DocumentPath(dir, name string) string {
	return filepath.Join(dir, "dim_"+name+".json")
}

// NewSet returns unloaded stores persisted under dir as dim_<name>.json.
func NewSet(dir string, rec Recorder, opts ...Option) *Set {
	return &Set{
		Category:    NewStore[Category](NameCategory, DocumentPath(dir, NameCategory), rec, opts...),
		City:        NewStore[City](NameCity, DocumentPath(dir, NameCity), rec, opts...),
		TradeChain:  NewStore[TradeChain](NameTradeChain, DocumentPath(dir, NameTradeChain), rec, opts...),
		TradeObject: NewStore[TradeObject](NameTradeObject, DocumentPath(dir, NameTradeObject), rec, opts...),
		Product:     NewStore[Product](NameProduct, DocumentPath(dir, NameProduct), rec, opts...),
	}
}

// All returns the stores in Names order.
func (s *Set) All() []Persistent {
	return []Persistent{s.Category, s.City, s.TradeChain, s.TradeObject, s.Product}
}

// LoadAll loads every store, stopping at the first failure.
func (s *Set) LoadAll() error {
	for _, p := range s.All() {
		if err := p.Load(); err != nil {
			return err
		}
	}
	return nil
}

// SaveAll saves every store, stopping at the first failure. Dimensions are
// independent, so order does not matter.
func (s *Set) SaveAll() error {
	for _, p := range s.All() {
		if err := p.Save(); err != nil {
			return err
		}
	}
	return nil
}

// Counts returns entry counts by dimension name.
func (s *Set) Counts() map[string]int {
	out := make(map[string]int, len(Names))
	for _, p := range s.All() {
		out[p.Name()] = p.Len()
	}
	return out
}

// Created returns per-dimension creation counts since load.
func (s *Set) Created() map[string]int {
	out := make(map[string]int, len(Names))
	for _, p := range s.All() {
		out[p.Name()] = p.Created()
	}
	return out
}

// SizeWarnings runs the size advisory for every store.
func (s *Set) SizeWarnings(l Limits) []SizeWarning {
	var out []SizeWarning
	for _, p := range s.All() {
		if w := p.SizeWarning(l); w != nil {
			out = append(out, *w)
		}
	}
	return out
}
