// Package memory implements the cross-session Active Memory: a line-
// delimited store of lessons extracted at session end and retrieved by
// keyword and tool overlap at session start.
package memory

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/keel/pkg/models"
)

const (
	// DefaultMaxLessons caps the store size; eviction drops the least
	// relevant lessons first.
	DefaultMaxLessons = 500

	// DefaultHorizon is how long a never-retrieved lesson survives.
	DefaultHorizon = 90 * 24 * time.Hour
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("memory: store closed")

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithNow injects the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxLessons sets the eviction cap.
func WithMaxLessons(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxLessons = n
		}
	}
}

// WithHorizon sets how old a zero-retrieval lesson may grow before pruning.
func WithHorizon(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.horizon = d
		}
	}
}

// Store is the Active Memory. All mutations rewrite or append to the
// backing file synchronously.
type Store struct {
	mu      sync.Mutex
	path    string
	lessons []models.Lesson
	closed  bool

	maxLessons int
	horizon    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Open loads the lesson file at path, applying the pruning rules: lessons
// past the horizon with zero retrievals are dropped, then the least
// relevant lessons are evicted until the cap holds. If pruning changed
// anything the file is rewritten.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:       path,
		maxLessons: DefaultMaxLessons,
		horizon:    DefaultHorizon,
		now:        time.Now,
		logger:     slog.Default().With("component", "memory"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("memory: create directory: %w", err)
		}
	}

	loaded, err := readLessons(path)
	if err != nil {
		return nil, err
	}

	kept := s.prune(loaded)
	s.lessons = kept
	if len(kept) != len(loaded) {
		s.logger.Info("pruned lessons on load", "loaded", len(loaded), "kept", len(kept))
		if err := s.rewrite(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// prune applies the horizon rule then the cap rule, preserving file order
// among survivors.
func (s *Store) prune(lessons []models.Lesson) []models.Lesson {
	cutoff := s.now().Add(-s.horizon)
	kept := lessons[:0:0]
	for _, lesson := range lessons {
		if lesson.RelevanceCount == 0 && lesson.CreatedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, lesson)
	}

	if len(kept) <= s.maxLessons {
		return kept
	}

	// Evict least relevant first; among equals the oldest goes first.
	order := make([]int, len(kept))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		la, lb := kept[order[a]], kept[order[b]]
		if la.RelevanceCount != lb.RelevanceCount {
			return la.RelevanceCount < lb.RelevanceCount
		}
		return la.CreatedAt.Before(lb.CreatedAt)
	})
	evict := make(map[int]struct{}, len(kept)-s.maxLessons)
	for _, idx := range order[:len(kept)-s.maxLessons] {
		evict[idx] = struct{}{}
	}

	survivors := kept[:0:0]
	for i, lesson := range kept {
		if _, gone := evict[i]; !gone {
			survivors = append(survivors, lesson)
		}
	}
	return survivors
}

// Append adds a lesson, assigning LessonID and CreatedAt when unset, and
// persists synchronously. If the cap is exceeded the least relevant lesson
// is evicted.
func (s *Store) Append(lesson models.Lesson) (models.Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.Lesson{}, ErrClosed
	}

	if lesson.LessonID == "" {
		lesson.LessonID = uuid.NewString()
	}
	if lesson.CreatedAt.IsZero() {
		lesson.CreatedAt = s.now().UTC()
	}

	s.lessons = append(s.lessons, lesson.Clone())
	if len(s.lessons) > s.maxLessons {
		s.lessons = s.prune(s.lessons)
		if err := s.rewrite(); err != nil {
			return models.Lesson{}, err
		}
		return lesson, nil
	}

	if err := s.appendLine(lesson); err != nil {
		return models.Lesson{}, err
	}
	return lesson, nil
}

// Search scores lessons by keyword overlap with the task text plus tool
// overlap with the catalog, returning up to limit hits best first. Returned
// lessons get their relevance_count incremented and last_retrieved_at
// stamped, and the file is rewritten to persist the counters.
func (s *Store) Search(taskText string, toolNames []string, limit int) ([]models.Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 5
	}

	taskTokens := tokenize(taskText)
	toolSet := make(map[string]struct{}, len(toolNames))
	for _, name := range toolNames {
		toolSet[name] = struct{}{}
	}

	type scored struct {
		idx   int
		score int
	}
	var hits []scored
	for i, lesson := range s.lessons {
		score := scoreLesson(lesson, taskTokens, toolSet)
		if score > 0 {
			hits = append(hits, scored{idx: i, score: score})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		la, lb := s.lessons[hits[a].idx], s.lessons[hits[b].idx]
		if la.RelevanceCount != lb.RelevanceCount {
			return la.RelevanceCount > lb.RelevanceCount
		}
		return la.CreatedAt.After(lb.CreatedAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	now := s.now().UTC()
	out := make([]models.Lesson, 0, len(hits))
	for _, hit := range hits {
		s.lessons[hit.idx].RelevanceCount++
		s.lessons[hit.idx].LastRetrievedAt = &now
		out = append(out, s.lessons[hit.idx].Clone())
	}

	if len(out) > 0 {
		if err := s.rewrite(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// All returns copies of every lesson in file order.
func (s *Store) All() ([]models.Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]models.Lesson, len(s.lessons))
	for i, lesson := range s.lessons {
		out[i] = lesson.Clone()
	}
	return out, nil
}

// Len returns the number of stored lessons.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lessons)
}

// Prune removes lessons created before the cutoff, regardless of relevance,
// and rewrites the file. It returns the number removed.
func (s *Store) Prune(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	kept := s.lessons[:0:0]
	for _, lesson := range s.lessons {
		if lesson.CreatedAt.Before(before) {
			continue
		}
		kept = append(kept, lesson)
	}
	removed := len(s.lessons) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	s.lessons = kept
	if err := s.rewrite(); err != nil {
		return 0, err
	}
	s.logger.Info("pruned lessons", "removed", removed, "kept", len(kept))
	return removed, nil
}

// Flush rewrites the file from the in-memory set in one compacted pass.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.rewrite()
}

// Close marks the store closed. The file is already consistent because
// every mutation persists synchronously.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) appendLine(lesson models.Lesson) error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open for append: %w", err)
	}
	defer file.Close()

	raw, err := json.Marshal(lesson)
	if err != nil {
		return fmt.Errorf("memory: encode lesson: %w", err)
	}
	if _, err := file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("memory: append lesson: %w", err)
	}
	return nil
}

func (s *Store) rewrite() error {
	tmpPath := s.path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("memory: create rewrite file: %w", err)
	}

	writer := bufio.NewWriter(file)
	for _, lesson := range s.lessons {
		raw, err := json.Marshal(lesson)
		if err != nil {
			file.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("memory: encode lesson: %w", err)
		}
		if _, err := writer.Write(append(raw, '\n')); err != nil {
			file.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("memory: write lesson: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("memory: flush rewrite: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("memory: close rewrite: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("memory: swap rewrite: %w", err)
	}
	return nil
}

func readLessons(path string) ([]models.Lesson, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("memory: open %s: %w", path, err)
	}
	defer file.Close()

	var lessons []models.Lesson
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if err == nil {
			var lesson models.Lesson
			if decodeErr := json.Unmarshal(line, &lesson); decodeErr == nil {
				lessons = append(lessons, lesson)
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return lessons, nil
		}
		return nil, fmt.Errorf("memory: read %s: %w", path, err)
	}
}

// scoreLesson counts shared task tokens plus double-weighted tool matches.
func scoreLesson(lesson models.Lesson, taskTokens map[string]struct{}, tools map[string]struct{}) int {
	score := 0
	seen := make(map[string]struct{})
	for token := range tokenize(lesson.TaskSummary + " " + lesson.Lesson) {
		if _, hit := taskTokens[token]; hit {
			if _, dup := seen[token]; !dup {
				seen[token] = struct{}{}
				score++
			}
		}
	}
	for _, name := range lesson.ToolNames {
		if _, hit := tools[name]; hit {
			score += 2
		}
	}
	return score
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping words
// too short to be meaningful.
func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(word) >= 3 {
			tokens[word] = struct{}{}
		}
	}
	return tokens
}
