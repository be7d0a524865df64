package scheduler

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/keel/pkg/models"
)

// ErrScheduleNotFound is returned when a schedule ID does not resolve.
var ErrScheduleNotFound = errors.New("scheduler: schedule not found")

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("scheduler: store closed")

// rewriteRatio triggers a compacting rewrite once the file holds this many
// lines per live schedule.
const rewriteRatio = 4

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the slog logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// Store persists schedules as JSON lines. The newest line for an ID wins on
// load, so updates append instead of rewriting; deletes and periodic
// compaction rewrite the whole file atomically.
type Store struct {
	mu        sync.Mutex
	path      string
	schedules map[string]*models.Schedule
	order     []string
	lines     int
	closed    bool
	logger    *slog.Logger
}

// OpenStore loads the schedule file at path, creating parent directories as
// needed. A missing file yields an empty store.
func OpenStore(path string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		path:      path,
		schedules: make(map[string]*models.Schedule),
		logger:    slog.Default().With("component", "scheduler.store"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("scheduler: create directory: %w", err)
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	if s.lines > rewriteRatio*len(s.schedules) && s.lines > rewriteRatio {
		if err := s.rewrite(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scheduler: open %s: %w", s.path, err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if err == nil {
			var sched models.Schedule
			if decodeErr := json.Unmarshal(line, &sched); decodeErr == nil && sched.ScheduleID != "" {
				if _, seen := s.schedules[sched.ScheduleID]; !seen {
					s.order = append(s.order, sched.ScheduleID)
				}
				s.schedules[sched.ScheduleID] = &sched
				s.lines++
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("scheduler: read %s: %w", s.path, err)
	}
}

// Put upserts a schedule and appends it to the file synchronously.
func (s *Store) Put(sched *models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if sched == nil || sched.ScheduleID == "" {
		return fmt.Errorf("scheduler: schedule requires an ID")
	}

	if _, seen := s.schedules[sched.ScheduleID]; !seen {
		s.order = append(s.order, sched.ScheduleID)
	}
	s.schedules[sched.ScheduleID] = sched.Clone()

	if s.lines+1 > rewriteRatio*len(s.schedules) && s.lines+1 > rewriteRatio {
		return s.rewrite()
	}
	if err := s.appendLine(sched); err != nil {
		return err
	}
	s.lines++
	return nil
}

// Delete removes a schedule and rewrites the file.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.schedules[id]; !ok {
		return ErrScheduleNotFound
	}

	delete(s.schedules, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.rewrite()
}

// Get returns a copy of the schedule with the given ID.
func (s *Store) Get(id string) (*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	sched, ok := s.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return sched.Clone(), nil
}

// List returns copies of all schedules in insertion order.
func (s *Store) List() []*models.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Schedule, 0, len(s.order))
	for _, id := range s.order {
		if sched, ok := s.schedules[id]; ok {
			out = append(out, sched.Clone())
		}
	}
	return out
}

// Len returns the number of stored schedules.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schedules)
}

// Close marks the store closed. Mutations persist synchronously so there is
// nothing to flush.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) appendLine(sched *models.Schedule) error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("scheduler: open for append: %w", err)
	}
	defer file.Close()

	raw, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("scheduler: encode schedule: %w", err)
	}
	if _, err := file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("scheduler: append schedule: %w", err)
	}
	return nil
}

// rewrite compacts the file to one line per live schedule. Callers hold mu.
func (s *Store) rewrite() error {
	tmpPath := s.path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("scheduler: create rewrite file: %w", err)
	}

	writer := bufio.NewWriter(file)
	for _, id := range s.order {
		sched, ok := s.schedules[id]
		if !ok {
			continue
		}
		raw, err := json.Marshal(sched)
		if err != nil {
			file.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("scheduler: encode schedule: %w", err)
		}
		if _, err := writer.Write(append(raw, '\n')); err != nil {
			file.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("scheduler: write schedule: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("scheduler: flush rewrite: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("scheduler: close rewrite: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("scheduler: swap rewrite: %w", err)
	}
	s.lines = len(s.schedules)
	return nil
}
