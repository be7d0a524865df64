// Package journal implements the append-only, hash-chained event log that
// every other subsystem writes through. One JSON line per event; each line's
// hash covers the previous line's hash, so tampering anywhere in the file is
// detectable by VerifyIntegrity.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/haasonsaas/keel/pkg/models"
)

// GenesisHash is the prev_hash of the first event in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	// ErrAppendFailed wraps disk errors during Append. The chain is not
	// advanced when it is returned.
	ErrAppendFailed = errors.New("journal: append failed")

	// ErrClosed is returned by operations on a closed journal.
	ErrClosed = errors.New("journal: closed")
)

// SyncPolicy controls when appended lines are fsynced.
type SyncPolicy string

const (
	// SyncNever leaves flushing to the OS. Close and the shutdown handler
	// still sync.
	SyncNever SyncPolicy = "never"

	// SyncAlways fsyncs after every append.
	SyncAlways SyncPolicy = "always"
)

// Listener observes appended events synchronously, in append order.
// Listeners run under the append path: do not perform I/O inside one.
type Listener func(models.Event)

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) { j.logger = logger }
}

// WithNow injects the clock used for event timestamps.
func WithNow(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// WithSyncPolicy sets the fsync policy for appends.
func WithSyncPolicy(p SyncPolicy) Option {
	return func(j *Journal) { j.sync = p }
}

// Journal is a durable, ordered event log. All appends are serialized; seq
// is strictly increasing across all sessions interleaved.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	seq      int64
	prevHash string
	closed   bool

	subs      map[int]Listener
	nextSubID int

	sync   SyncPolicy
	now    func() time.Time
	logger *slog.Logger

	shutdownOnce sync.Once
}

// Open creates or opens the journal file at path. Creation is idempotent.
// On open the tail is scanned to recover the chain state; a trailing partial
// line (crash mid-write) is discarded by truncating the file back to the
// last complete line.
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{
		path:     path,
		prevHash: GenesisHash,
		subs:     make(map[int]Listener),
		sync:     SyncNever,
		now:      time.Now,
		logger:   slog.Default().With("component", "journal"),
	}
	for _, opt := range opts {
		opt(j)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	j.file = file

	if err := j.recoverChainState(); err != nil {
		file.Close()
		return nil, err
	}
	return j, nil
}

// recoverChainState scans the file for the last complete line and seeds seq
// and prevHash from the last decodable event. Trailing bytes after the final
// newline are dropped.
func (j *Journal) recoverChainState() error {
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("journal: seek: %w", err)
	}

	reader := bufio.NewReader(j.file)
	var validOffset int64
	for {
		line, err := reader.ReadBytes('\n')
		if err == nil {
			validOffset += int64(len(line))
			if ev, decodeErr := decodeLine(line); decodeErr == nil {
				j.seq = ev.Seq
				j.prevHash = ev.Hash
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				j.logger.Warn("discarding partial tail line",
					"path", j.path, "bytes", len(line))
			}
			break
		}
		return fmt.Errorf("journal: scan %s: %w", j.path, err)
	}

	if err := j.file.Truncate(validOffset); err != nil {
		return fmt.Errorf("journal: truncate partial tail: %w", err)
	}
	if _, err := j.file.Seek(validOffset, io.SeekStart); err != nil {
		return fmt.Errorf("journal: seek end: %w", err)
	}
	return nil
}

// Append assigns the next seq, links and hashes the event, writes one JSON
// line, and returns the persisted event. Subscribers are notified before
// Append returns. Disk errors surface as ErrAppendFailed and leave the chain
// unadvanced.
func (j *Journal) Append(ctx context.Context, typ models.EventType, sessionID string, payload map[string]any) (models.Event, error) {
	if err := ctx.Err(); err != nil {
		return models.Event{}, err
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return models.Event{}, ErrClosed
	}

	event := models.Event{
		Seq:       j.seq + 1,
		SessionID: sessionID,
		Type:      typ,
		Timestamp: j.now().UTC(),
		Payload:   payload,
		PrevHash:  j.prevHash,
	}

	hash, err := hashEvent(event)
	if err != nil {
		j.mu.Unlock()
		return models.Event{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	event.Hash = hash

	line, err := json.Marshal(event)
	if err != nil {
		j.mu.Unlock()
		return models.Event{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		j.mu.Unlock()
		return models.Event{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	if j.sync == SyncAlways {
		if err := j.file.Sync(); err != nil {
			j.mu.Unlock()
			return models.Event{}, fmt.Errorf("%w: sync: %v", ErrAppendFailed, err)
		}
	}

	j.seq = event.Seq
	j.prevHash = event.Hash

	listeners := make([]Listener, 0, len(j.subs))
	for _, l := range j.subs {
		listeners = append(listeners, l)
	}
	j.mu.Unlock()

	for _, l := range listeners {
		j.notify(l, event)
	}
	return event, nil
}

// notify invokes one listener, recovering panics so a bad subscriber cannot
// take down the appender.
func (j *Journal) notify(l Listener, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("journal listener panicked", "type", event.Type, "panic", r)
		}
	}()
	l(event)
}

// Subscribe registers a synchronous listener for all future appends. The
// returned function unsubscribes.
func (j *Journal) Subscribe(l Listener) func() {
	j.mu.Lock()
	defer j.mu.Unlock()
	id := j.nextSubID
	j.nextSubID++
	j.subs[id] = l
	return func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		delete(j.subs, id)
	}
}

// ReadAll returns every complete event in the file in seq order.
func (j *Journal) ReadAll() ([]models.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}
	return readEvents(j.path)
}

// ReadSession returns the events for one session in seq order.
func (j *Journal) ReadSession(sessionID string) ([]models.Event, error) {
	all, err := j.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make([]models.Event, 0, 16)
	for _, ev := range all {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Close flushes and closes the file. Further operations return ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.logger.Warn("sync on close failed", "error", err)
	}
	return j.file.Close()
}

// RegisterShutdownHandler installs a best-effort flush on SIGINT/SIGTERM.
// The handler syncs the file but leaves process termination to the caller's
// own signal handling.
func (j *Journal) RegisterShutdownHandler() {
	j.shutdownOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-ch
			signal.Stop(ch)
			j.mu.Lock()
			defer j.mu.Unlock()
			if j.closed {
				return
			}
			if err := j.file.Sync(); err != nil {
				j.logger.Warn("shutdown flush failed", "error", err)
			} else {
				j.logger.Info("journal flushed on shutdown signal")
			}
		}()
	})
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// LastSeq returns the seq of the most recently appended event.
func (j *Journal) LastSeq() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func decodeLine(line []byte) (models.Event, error) {
	var ev models.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return models.Event{}, err
	}
	return ev, nil
}

// readEvents loads every complete line from path. A trailing partial line is
// ignored; complete lines that fail to decode are skipped (VerifyIntegrity
// reports them).
func readEvents(path string) ([]models.Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: open for read: %w", err)
	}
	defer file.Close()

	var events []models.Event
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if err == nil {
			if ev, decodeErr := decodeLine(line); decodeErr == nil {
				events = append(events, ev)
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		return nil, fmt.Errorf("journal: read: %w", err)
	}
}
