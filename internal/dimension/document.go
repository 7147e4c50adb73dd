package dimension

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// DefaultVersion is written into documents created from scratch.
const DefaultVersion = "1.0"

// generatedLayout matches the timestamps the audit log uses.
const generatedLayout = "2006-01-02T15:04:05.000000Z"

// document is the persisted shape of one dimension:
//
//	{
//	  "version": "1.0",
//	  "generated": "2025-10-27T14:30:00.000000Z",
//	  "dimensions": {"1": {...}, "2": {...}},
//	  "next_id": 3,
//	  "lookup_index": {"key1": 1, "key2": 2}
//	}
//
// "dimensions" is emitted in numeric id order, "lookup_index" in key order.
type document struct {
	Version     string          `json:"version"`
	Generated   string          `json:"generated"`
	Dimensions  json.RawMessage `json:"dimensions"`
	NextID      int             `json:"next_id"`
	LookupIndex map[string]int  `json:"lookup_index"`
}

// state is the in-memory content of a document.
type state[A Attributes] struct {
	version string
	entries map[int]A
	index   map[string]int
	nextID  int

	// repairedNextID is set when the persisted next_id did not exceed the
	// highest id in use and was raised on load.
	repairedNextID bool
	// rebuiltKeys counts entries that had no lookup_index key on disk.
	rebuiltKeys int
}

func emptyState[A Attributes]() state[A] {
	return state[A]{
		version: DefaultVersion,
		entries: make(map[int]A),
		index:   make(map[string]int),
		nextID:  1,
	}
}

// marshalNoEscape encodes v as compact JSON without HTML escaping so that
// names containing '&' or '<' round-trip as written.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func sortedIDs[A Attributes](entries map[int]A) []int {
	ids := make([]int, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func encodeEntries[A Attributes](entries map[int]A) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range sortedIDs(entries) {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(strconv.Itoa(id)))
		buf.WriteByte(':')
		b, err := marshalNoEscape(entries[id])
		if err != nil {
			return nil, fmt.Errorf("encode id %d: %w", id, err)
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// writeDocument renders st as an indented document.
func writeDocument[A Attributes](w io.Writer, st state[A], generated time.Time) error {
	dims, err := encodeEntries(st.entries)
	if err != nil {
		return err
	}
	index := st.index
	if index == nil {
		index = map[string]int{}
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(document{
		Version:     st.version,
		Generated:   generated.UTC().Format(generatedLayout),
		Dimensions:  dims,
		NextID:      st.nextID,
		LookupIndex: index,
	})
}

// readDocument parses and validates a persisted document. Any structural
// problem is returned as a plain error; the caller wraps it into a
// CorruptStateError.
func readDocument[A Attributes](data []byte) (state[A], error) {
	st := emptyState[A]()

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return st, fmt.Errorf("document is not a JSON object: %w", err)
	}
	if top == nil {
		return st, errors.New("document is not a JSON object")
	}

	if raw, ok := top["version"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &st.version); err != nil {
			return st, fmt.Errorf("version: %w", err)
		}
	}

	if raw, ok := top["dimensions"]; ok && !isNull(raw) {
		var byID map[string]json.RawMessage
		if err := json.Unmarshal(raw, &byID); err != nil {
			return st, fmt.Errorf("dimensions: %w", err)
		}
		for k, v := range byID {
			id, err := strconv.Atoi(k)
			if err != nil {
				return st, fmt.Errorf("dimensions: id %q is not an integer", k)
			}
			if id <= 0 {
				return st, fmt.Errorf("dimensions: id %d is not positive", id)
			}
			if isNull(v) {
				return st, fmt.Errorf("dimensions: id %d has no attributes", id)
			}
			var attrs A
			if err := json.Unmarshal(v, &attrs); err != nil {
				return st, fmt.Errorf("dimensions: id %d: %w", id, err)
			}
			st.entries[id] = attrs
		}
	}

	if raw, ok := top["lookup_index"]; ok && !isNull(raw) {
		var index map[string]int
		if err := json.Unmarshal(raw, &index); err != nil {
			return st, fmt.Errorf("lookup_index: %w", err)
		}
		for key, id := range index {
			if _, ok := st.entries[id]; !ok {
				return st, fmt.Errorf("lookup_index: key %q points at missing id %d", key, id)
			}
			st.index[key] = id
		}
	}

	// Entries written without an index key get one derived from their
	// attributes. Existing keys are never re-pointed.
	for _, id := range sortedIDs(st.entries) {
		key := st.entries[id].BusinessKey()
		if _, ok := st.index[key]; !ok {
			st.index[key] = id
			st.rebuiltKeys++
		}
	}

	if raw, ok := top["next_id"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &st.nextID); err != nil {
			return st, fmt.Errorf("next_id: %w", err)
		}
	}
	maxID := 0
	for id := range st.entries {
		if id > maxID {
			maxID = id
		}
	}
	if st.nextID <= maxID {
		st.nextID = maxID + 1
		st.repairedNextID = true
	}

	return st, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
