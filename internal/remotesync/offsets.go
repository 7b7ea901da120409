package remotesync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/piwardrive/piwardrive/internal/errs"
)

// Offset is the per-destination sync cursor.
type Offset struct {
	LastRowID           int64     `json:"last_row_id"`
	LastAttempt         time.Time `json:"last_attempt,omitzero"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// OffsetFile persists cursors at $PW_HOME/offsets.json, keyed by
// destination URL. Writes are atomic (tmp + rename).
type OffsetFile struct {
	path string

	mu      sync.Mutex
	offsets map[string]Offset
}

// LoadOffsets reads the cursor file. A missing file yields an empty set;
// a malformed one is a storage error.
func LoadOffsets(path string) (*OffsetFile, error) {
	f := &OffsetFile{path: path, offsets: make(map[string]Offset)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "read offsets", err)
	}
	if err := json.Unmarshal(raw, &f.offsets); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "parse offsets", err)
	}
	return f, nil
}

// Get returns the cursor for a destination (zero value when unseen).
func (f *OffsetFile) Get(dest string) Offset {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offsets[dest]
}

// Put replaces the cursor for a destination and persists the file.
func (f *OffsetFile) Put(dest string, off Offset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets[dest] = off
	return f.saveLocked()
}

func (f *OffsetFile) saveLocked() error {
	data, err := json.MarshalIndent(f.offsets, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindStorage, "marshal offsets", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errs.Wrap(errs.KindStorage, "create offsets dir", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.KindStorage, "write offsets tmp", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errs.Wrap(errs.KindStorage, "replace offsets", err)
	}
	return nil
}
