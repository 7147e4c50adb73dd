package dimension

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type createdEvent struct {
	dimension string
	id        int
	value     string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []createdEvent
}

func (r *fakeRecorder) DimensionCreated(dimension string, id int, value string, attributes any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, createdEvent{dimension: dimension, id: id, value: value})
}

func fixedClock() time.Time { return time.Date(2025, 10, 27, 14, 30, 0, 0, time.UTC) }

func newLoaded[A Attributes](t *testing.T, name, path string, rec Recorder) *Store[A] {
	t.Helper()
	s := NewStore[A](name, path, rec, WithClock(fixedClock))
	if err := s.Load(); err != nil {
		t.Fatalf("Load() err=%v", err)
	}
	return s
}

func TestStore_Load_MissingDocumentStartsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dims", "dim_city.json")
	s := newLoaded[City](t, NameCity, path, nil)

	if s.Len() != 0 {
		t.Fatalf("Len()=%d, want 0", s.Len())
	}
	if s.NextID() != 1 {
		t.Fatalf("NextID()=%d, want 1", s.NextID())
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("parent dir not created: %v", err)
	}
}

func TestStore_GetOrCreate_SameKeySameID(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	s := newLoaded[Category](t, NameCategory, filepath.Join(t.TempDir(), "c.json"), rec)

	a := s.GetOrCreate(Category{Name: "Хляб"})
	b := s.GetOrCreate(Category{Name: "Мляко"})
	c := s.GetOrCreate(Category{Name: "Хляб"})

	if a != 1 || b != 2 || c != 1 {
		t.Fatalf("ids=(%d,%d,%d), want (1,2,1)", a, b, c)
	}
	if s.NextID() != 3 {
		t.Fatalf("NextID()=%d, want 3", s.NextID())
	}
	if s.Created() != 2 {
		t.Fatalf("Created()=%d, want 2", s.Created())
	}
	if len(rec.events) != 2 {
		t.Fatalf("recorded %d events, want 2", len(rec.events))
	}
	if rec.events[1] != (createdEvent{dimension: NameCategory, id: 2, value: "Мляко"}) {
		t.Fatalf("event=%+v", rec.events[1])
	}
}

func TestStore_GetOrCreate_FirstWriteWins(t *testing.T) {
	t.Parallel()

	s := newLoaded[City](t, NameCity, filepath.Join(t.TempDir(), "c.json"), nil)

	id := s.GetOrCreate(City{EkatteCode: "68134", Name: "68134"})
	again := s.GetOrCreate(City{EkatteCode: "68134", Name: "София"})
	if id != again {
		t.Fatalf("ids differ: %d vs %d", id, again)
	}
	e, ok := s.Get(id)
	if !ok {
		t.Fatalf("Get(%d) missing", id)
	}
	if e.Attributes.Name != "68134" {
		t.Fatalf("attributes updated: %+v", e.Attributes)
	}
	if _, ok := s.Get(99); ok {
		t.Fatalf("Get(99) found an entry")
	}
}

func TestStore_CompositeKeysAreDistinct(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	objects := newLoaded[TradeObject](t, NameTradeObject, filepath.Join(dir, "o.json"), nil)
	a := objects.GetOrCreate(TradeObject{ChainID: 1, Address: "ул. Витоша 1"})
	b := objects.GetOrCreate(TradeObject{ChainID: 2, Address: "ул. Витоша 1"})
	if a == b {
		t.Fatalf("same address under two chains shares id %d", a)
	}

	products := newLoaded[Product](t, NameProduct, filepath.Join(dir, "p.json"), nil)
	p1 := products.GetOrCreate(NewProduct("Ябълки", "", 1))
	p2 := products.GetOrCreate(NewProduct("Ябълки", "123", 1))
	p3 := products.GetOrCreate(NewProduct("Ябълки", "", 2))
	if p1 == p2 {
		t.Fatalf("blank and non-blank product code share id %d", p1)
	}
	if p3 != p1 {
		t.Fatalf("category is not part of the product key: got %d, want %d", p3, p1)
	}
}

func TestStore_SaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dim_product.json")
	s := newLoaded[Product](t, NameProduct, path, nil)
	for i, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"} {
		s.GetOrCreate(NewProduct(name, "", i%3+1))
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save() err=%v", err)
	}
	first, _ := os.ReadFile(path)

	reloaded := newLoaded[Product](t, NameProduct, path, nil)
	if reloaded.NextID() != s.NextID() {
		t.Fatalf("NextID()=%d, want %d", reloaded.NextID(), s.NextID())
	}
	for _, e := range s.Entries() {
		got, ok := reloaded.Get(e.ID)
		if !ok || got.Attributes.BusinessKey() != e.Attributes.BusinessKey() || got.Attributes.CategoryID != e.Attributes.CategoryID {
			t.Fatalf("entry %d: got %+v, want %+v", e.ID, got, e)
		}
		if id, ok := reloaded.Lookup(e.Attributes.BusinessKey()); !ok || id != e.ID {
			t.Fatalf("Lookup(%q)=%d,%v want %d", e.Attributes.BusinessKey(), id, ok, e.ID)
		}
	}

	if err := reloaded.Save(); err != nil {
		t.Fatalf("Save() err=%v", err)
	}
	second, _ := os.ReadFile(path)
	if !bytes.Equal(first, second) {
		t.Fatalf("resave changed document:\n%s\n---\n%s", first, second)
	}
}

func TestStore_Save_DocumentShape(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dim_product.json")
	s := newLoaded[Product](t, NameProduct, path, nil)
	for i := 0; i < 10; i++ {
		s.GetOrCreate(NewProduct(strings.Repeat("x", i+1), "", 1))
	}
	s.GetOrCreate(NewProduct("Сирене & масло", "", 1))
	if err := s.Save(); err != nil {
		t.Fatalf("Save() err=%v", err)
	}
	raw, _ := os.ReadFile(path)
	text := string(raw)

	if !strings.Contains(text, "Сирене & масло") {
		t.Fatalf("name escaped in document:\n%s", text)
	}
	if !strings.Contains(text, `"product_code": null`) {
		t.Fatalf("blank product code not null:\n%s", text)
	}
	if strings.Index(text, `"2": {`) > strings.Index(text, `"10": {`) {
		t.Fatalf("dimensions not in numeric id order:\n%s", text)
	}
	if !strings.Contains(text, `"generated": "2025-10-27T14:30:00.000000Z"`) {
		t.Fatalf("generated timestamp missing:\n%s", text)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("document is not JSON: %v", err)
	}
	for _, k := range []string{"version", "generated", "dimensions", "next_id", "lookup_index"} {
		if _, ok := doc[k]; !ok {
			t.Fatalf("document lacks %q", k)
		}
	}
	if doc["next_id"].(float64) != 12 {
		t.Fatalf("next_id=%v, want 12", doc["next_id"])
	}
}

func TestStore_IDsSurviveRuns(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dim_city.json")

	run1 := newLoaded[City](t, NameCity, path, nil)
	sofia := run1.GetOrCreate(City{EkatteCode: "68134", Name: "София"})
	if err := run1.Save(); err != nil {
		t.Fatal(err)
	}

	run2 := newLoaded[City](t, NameCity, path, nil)
	varna := run2.GetOrCreate(City{EkatteCode: "10135", Name: "Варна"})
	if got := run2.GetOrCreate(City{EkatteCode: "68134", Name: "София"}); got != sofia {
		t.Fatalf("run2 id for 68134=%d, want %d", got, sofia)
	}
	if varna <= sofia {
		t.Fatalf("new id %d not above existing %d", varna, sofia)
	}
	if err := run2.Save(); err != nil {
		t.Fatal(err)
	}

	run3 := newLoaded[City](t, NameCity, path, nil)
	if run3.NextID() <= varna {
		t.Fatalf("NextID()=%d, must exceed %d", run3.NextID(), varna)
	}
	if id, _ := run3.Lookup("10135"); id != varna {
		t.Fatalf("Lookup(10135)=%d, want %d", id, varna)
	}
}

func TestStore_Load_Corrupt(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"array":         `[1,2,3]`,
		"null":          `null`,
		"empty":         ``,
		"truncated":     `{"dimensions": {"1": {"name": "a"}`,
		"non-int id":    `{"dimensions": {"one": {"name": "a"}}, "next_id": 2}`,
		"zero id":       `{"dimensions": {"0": {"name": "a"}}, "next_id": 2}`,
		"bad attrs":     `{"dimensions": {"1": "a"}, "next_id": 2}`,
		"dangling key":  `{"dimensions": {"1": {"name": "a"}}, "next_id": 2, "lookup_index": {"a": 1, "b": 7}}`,
		"bad next id":   `{"dimensions": {}, "next_id": "x"}`,
		"bad index map": `{"dimensions": {}, "lookup_index": []}`,
	}

	for name, body := range cases {
		name, body := name, body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "dim_category.json")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			s := NewStore[Category](NameCategory, path, nil)
			err := s.Load()
			var cse *CorruptStateError
			if !errors.As(err, &cse) {
				t.Fatalf("Load() err=%v, want CorruptStateError", err)
			}
			if cse.Dimension != NameCategory || cse.Path != path {
				t.Fatalf("error fields=%+v", cse)
			}
		})
	}
}

func TestStore_Load_RepairsNextIDAndMissingKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dim_category.json")
	body := `{"version": "1.0", "dimensions": {"1": {"name": "a"}, "5": {"name": "b"}}, "next_id": 3, "lookup_index": {"a": 1}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	s := newLoaded[Category](t, NameCategory, path, nil)
	if s.NextID() != 6 {
		t.Fatalf("NextID()=%d, want 6", s.NextID())
	}
	if id, ok := s.Lookup("b"); !ok || id != 5 {
		t.Fatalf("Lookup(b)=%d,%v want 5", id, ok)
	}
	if id := s.GetOrCreate(Category{Name: "c"}); id != 6 {
		t.Fatalf("new id=%d, want 6", id)
	}
}

func TestStore_Load_KeepsPersistedIndex(t *testing.T) {
	t.Parallel()

	// The persisted index wins over the key function: an entry filed under
	// an older key keeps that key.
	path := filepath.Join(t.TempDir(), "dim_city.json")
	body := `{"dimensions": {"1": {"ekatte_code": "68134", "name": "София"}}, "next_id": 2, "lookup_index": {"68134-01": 1}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	s := newLoaded[City](t, NameCity, path, nil)
	if id, ok := s.Lookup("68134-01"); !ok || id != 1 {
		t.Fatalf("Lookup(68134-01)=%d,%v", id, ok)
	}
	if id := s.GetOrCreate(City{EkatteCode: "68134"}); id != 1 {
		t.Fatalf("GetOrCreate(68134)=%d, want 1", id)
	}
}

func TestStore_Save_NotLoaded(t *testing.T) {
	t.Parallel()

	s := NewStore[Category](NameCategory, filepath.Join(t.TempDir(), "c.json"), nil)
	if err := s.Save(); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("Save() err=%v, want ErrNotLoaded", err)
	}
}

func TestStore_Save_UnwritableDestination(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	// Parent of the document is a regular file, so the save must fail.
	s := NewStore[Category](NameCategory, filepath.Join(blocker, "dim_category.json"), nil)
	s.loaded = true
	if err := s.Save(); err == nil {
		t.Fatalf("Save() err=nil, want error")
	}
}

func TestStore_GetOrCreate_Concurrent(t *testing.T) {
	t.Parallel()

	s := newLoaded[Category](t, NameCategory, filepath.Join(t.TempDir(), "c.json"), &fakeRecorder{})

	const workers = 16
	ids := make([]int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = s.GetOrCreate(Category{Name: "shared"})
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent ids differ: %v", ids)
		}
	}
	if s.Len() != 1 || s.NextID() != 2 {
		t.Fatalf("Len()=%d NextID()=%d, want 1 and 2", s.Len(), s.NextID())
	}
}

func TestStore_SizeWarning(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dim_category.json")
	s := newLoaded[Category](t, NameCategory, path, nil)
	for _, n := range []string{"a", "b", "c"} {
		s.GetOrCreate(Category{Name: n})
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	if w := s.SizeWarning(DefaultLimits); w != nil {
		t.Fatalf("SizeWarning(defaults)=%v, want nil", w)
	}

	w := s.SizeWarning(Limits{MaxEntries: 2, MaxFileBytes: 10})
	if w == nil {
		t.Fatalf("SizeWarning()=nil, want warning")
	}
	if !w.EntriesExceeded || !w.SizeExceeded {
		t.Fatalf("warning=%+v, want both exceeded", w)
	}
	if !strings.Contains(w.String(), "3 entries") {
		t.Fatalf("String()=%q", w.String())
	}
}
