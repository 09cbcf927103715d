// Package audit persists audit records as JSON Lines: one file per day
// with a size cap, retention cleanup, and a ring of recent records for
// the inspection API. An empty sink path swaps the file store for stdout.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wardengate/wardengate/internal/domain/audit"
)

// logFilePattern matches audit-YYYY-MM-DD.log and audit-YYYY-MM-DD-N.log.
var logFilePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

const cleanupInterval = time.Hour

// Config holds the file store knobs. Zero values fall back to the
// documented defaults.
type Config struct {
	// Dir is the directory audit files are written to.
	Dir string
	// RetentionDays before old files are deleted. Defaults to 7.
	RetentionDays int
	// MaxFileSizeMB before the current file rotates to a suffixed one.
	// Defaults to 100.
	MaxFileSizeMB int
	// CacheSize is how many recent records Recent can serve. Defaults
	// to 1000.
	CacheSize int
}

// FileStore is the JSONL-on-disk audit store.
type FileStore struct {
	dir       string
	maxSize   int64
	retention int
	logger    *slog.Logger
	cancel    context.CancelFunc
	cache     *ring

	mu      sync.Mutex
	file    *os.File
	date    string
	suffix  int
	written int64
	closed  bool
}

var _ audit.Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed, opens today's file,
// deletes files past retention, warms the recent-record cache from the
// newest file, and starts the hourly cleanup loop.
func NewFileStore(cfg Config, logger *slog.Logger) (*FileStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileStore{
		dir:       cfg.Dir,
		maxSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retention: cfg.RetentionDays,
		logger:    logger,
		cancel:    cancel,
		cache:     newRing(cfg.CacheSize),
	}

	// Resume the highest suffix so a restart never clobbers a
	// size-rotated file from earlier in the day.
	today := time.Now().UTC().Format(time.DateOnly)
	if err := s.open(today, s.highestSuffix(today)); err != nil {
		cancel()
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	s.cleanup()
	s.warmCache()
	go s.cleanupLoop(ctx)

	return s, nil
}

// Append writes records as one JSON object per line, rotating on date
// change and on the size cap.
func (s *FileStore) Append(_ context.Context, records ...audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("audit store closed")
	}

	for _, rec := range records {
		date := rec.Timestamp.UTC().Format(time.DateOnly)
		if date != s.date {
			if err := s.open(date, 0); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if s.written >= s.maxSize {
			if err := s.open(s.date, s.suffix+1); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		n, err := s.file.Write(append(data, '\n'))
		if err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
		s.written += int64(n)
		s.cache.add(rec)
	}
	return nil
}

// Recent serves the newest records from the in-memory ring, newest first.
func (s *FileStore) Recent(_ context.Context, limit int) ([]audit.Record, error) {
	return s.cache.recent(limit), nil
}

// Flush syncs the current file to disk.
func (s *FileStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

// Close stops the cleanup loop and closes the current file. Idempotent.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	if s.file == nil {
		return nil
	}
	_ = s.file.Sync()
	err := s.file.Close()
	s.file = nil
	return err
}

// open switches the current file to the given date and suffix, closing
// the previous one. Callers hold s.mu; the constructor calls it before
// the store is shared.
func (s *FileStore) open(date string, suffix int) error {
	if s.file != nil {
		_ = s.file.Sync()
		_ = s.file.Close()
		s.file = nil
	}

	path := filepath.Join(s.dir, logFileName(date, suffix))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat %s: %w", path, err)
	}

	s.file = f
	s.date = date
	s.suffix = suffix
	s.written = info.Size()
	return nil
}

// highestSuffix returns the largest rotation suffix on disk for a date,
// or 0 when the date has no files yet.
func (s *FileStore) highestSuffix(date string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		stamp, ok := parseLogName(e.Name())
		if ok && stamp.date == date && stamp.suffix > highest {
			highest = stamp.suffix
		}
	}
	return highest
}

// cleanup deletes audit files older than the retention window.
func (s *FileStore) cleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("audit cleanup: reading directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retention)
	deleted := 0
	for _, e := range entries {
		stamp, ok := parseLogName(e.Name())
		if !ok {
			continue
		}
		fileDate, err := time.Parse(time.DateOnly, stamp.date)
		if err != nil || !fileDate.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			s.logger.Error("audit cleanup: deleting file", "file", e.Name(), "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("audit cleanup completed", "deleted", deleted)
	}
}

func (s *FileStore) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// warmCache refills the ring from the newest non-empty file so Recent
// works across restarts.
func (s *FileStore) warmCache() {
	newest := s.newestFile()
	if newest == "" {
		return
	}

	f, err := os.Open(filepath.Join(s.dir, newest))
	if err != nil {
		s.logger.Error("audit cache: opening file", "file", newest, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	var records []audit.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec audit.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("audit cache: skipping malformed line", "file", newest, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("audit cache: reading file", "file", newest, "error", err)
	}

	// Chronological order so the newest record lands on top of the ring.
	start := 0
	if len(records) > s.cache.size {
		start = len(records) - s.cache.size
	}
	for _, rec := range records[start:] {
		s.cache.add(rec)
	}
}

// newestFile returns the name of the most recent non-empty audit file.
func (s *FileStore) newestFile() string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ""
	}

	var stamps []logStamp
	for _, e := range entries {
		stamp, ok := parseLogName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		stamps = append(stamps, stamp)
	}
	if len(stamps) == 0 {
		return ""
	}

	sort.Slice(stamps, func(i, j int) bool {
		if stamps[i].date != stamps[j].date {
			return stamps[i].date < stamps[j].date
		}
		return stamps[i].suffix < stamps[j].suffix
	})
	last := stamps[len(stamps)-1]
	return logFileName(last.date, last.suffix)
}

// logStamp is the date and rotation suffix parsed from a filename.
type logStamp struct {
	date   string
	suffix int
}

func parseLogName(name string) (logStamp, bool) {
	m := logFilePattern.FindStringSubmatch(name)
	if m == nil {
		return logStamp{}, false
	}
	stamp := logStamp{date: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return logStamp{}, false
		}
		stamp.suffix = n
	}
	return stamp, true
}

func logFileName(date string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("audit-%s.log", date)
	}
	return fmt.Sprintf("audit-%s-%d.log", date, suffix)
}
