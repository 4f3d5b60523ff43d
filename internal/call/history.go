package call

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Store persists terminal call records and serves history queries. The JSONL
// [History] is the default implementation; a Postgres-backed one lives in the
// pgstore subpackage.
type Store interface {
	// Append persists one terminal record.
	Append(rec Record) error

	// Last returns up to limit records sorted by endedAt (falling back to
	// startedAt) descending.
	Last(limit int) ([]Record, error)
}

// History is an append-only JSON-lines call log. One record per terminal
// call; safe for concurrent use.
type History struct {
	mu   sync.Mutex
	path string
}

var _ Store = (*History)(nil)

// NewHistory creates a history log backed by the file at path. The file is
// created lazily on first append.
func NewHistory(path string) *History {
	return &History{path: path}
}

// Append writes rec as one JSON line.
func (h *History) Append(rec Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("call: open history %q: %w", h.path, err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("call: encode history record: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("call: append history: %w", err)
	}
	return nil
}

// Last reads the log and returns up to limit records, newest first. Lines
// that fail to decode (including a truncated trailing line from a crashed
// writer) are skipped.
func (h *History) Last(limit int) ([]Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("call: open history %q: %w", h.path, err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("call: read history: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return sortKey(records[i]) > sortKey(records[j])
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func sortKey(r Record) int64 {
	if r.EndedAt != 0 {
		return r.EndedAt
	}
	return r.StartedAt
}
