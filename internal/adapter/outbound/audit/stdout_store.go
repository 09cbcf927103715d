package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/wardengate/wardengate/internal/domain/audit"
)

// StdoutStore writes audit records as JSON Lines to a writer, normally
// stdout. It is the sink when no audit directory is configured; Recent
// is served from the same ring the file store uses.
type StdoutStore struct {
	mu    sync.Mutex
	w     io.Writer
	cache *ring
}

var _ audit.Store = (*StdoutStore)(nil)

// NewStdoutStore writes to os.Stdout when w is nil.
func NewStdoutStore(w io.Writer, cacheSize int) *StdoutStore {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutStore{w: w, cache: newRing(cacheSize)}
}

// Append writes one JSON object per line.
func (s *StdoutStore) Append(_ context.Context, records ...audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		if _, err := s.w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
		s.cache.add(rec)
	}
	return nil
}

// Recent serves the newest records from the in-memory ring, newest first.
func (s *StdoutStore) Recent(_ context.Context, limit int) ([]audit.Record, error) {
	return s.cache.recent(limit), nil
}

// Flush is a no-op: stdout is unbuffered at this layer.
func (s *StdoutStore) Flush(_ context.Context) error { return nil }

// Close is a no-op: the store does not own the writer.
func (s *StdoutStore) Close() error { return nil }
