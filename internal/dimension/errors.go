package dimension

import (
	"errors"
	"fmt"
)

// ErrNotLoaded is returned by Save when Load was never called. Saving an
// unloaded store would overwrite persisted ids with an empty document.
var ErrNotLoaded = errors.New("dimension: store not loaded")

// CorruptStateError reports a persisted dimension document that exists but
// cannot be trusted. It is fatal for the whole run.
type CorruptStateError struct {
	Dimension string
	Path      string
	Err       error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("dimension %s: corrupt state in %s: %v", e.Dimension, e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }
