package journal

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/haasonsaas/keel/pkg/models"
)

// Report is the result of VerifyIntegrity.
type Report struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Line     int    `json:"line,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// hashLine computes the chain hash for one serialized event line: decode,
// drop the hash field, canonicalize with sorted keys, SHA-256. Producers and
// verifiers both go through here so the two can never disagree on the view
// being hashed.
func hashLine(raw []byte) (string, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var view map[string]any
	if err := decoder.Decode(&view); err != nil {
		return "", fmt.Errorf("decode event: %w", err)
	}
	delete(view, "hash")

	canonical, err := models.CanonicalJSON(view)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// hashEvent hashes an event that has not had its Hash assigned yet.
func hashEvent(event models.Event) (string, error) {
	event.Hash = ""
	raw, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return hashLine(raw)
}

// VerifyIntegrity re-reads the whole file and checks, line by line, that
// every event's hash matches its content and that each prev_hash links to
// the preceding event. The first discrepancy stops the walk.
func (j *Journal) VerifyIntegrity() (Report, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return Report{}, ErrClosed
	}
	return verifyFile(j.path)
}

// VerifyFile checks a journal file in place, without opening it for writes:
// no partial-tail truncation, no lock taken. A missing file verifies clean.
func VerifyFile(path string) (Report, error) {
	return verifyFile(path)
}

func verifyFile(path string) (Report, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Report{Valid: true}, nil
		}
		return Report{}, fmt.Errorf("journal: open for verify: %w", err)
	}
	defer file.Close()

	report := Report{Valid: true}
	reader := bufio.NewReader(file)
	prevHash := GenesisHash
	var prevSeq int64
	lineNo := 0

	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				// A partial tail is a crash artifact, not corruption.
				return report, nil
			}
			return Report{}, fmt.Errorf("journal: read for verify: %w", readErr)
		}
		lineNo++

		event, err := decodeLine(line)
		if err != nil {
			report.Valid = false
			report.Line = lineNo
			report.Reason = fmt.Sprintf("line not decodable: %v", err)
			return report, nil
		}

		computed, err := hashLine(line)
		if err != nil {
			report.Valid = false
			report.Line = lineNo
			report.BrokenAt = event.Seq
			report.Reason = fmt.Sprintf("hash not computable: %v", err)
			return report, nil
		}

		switch {
		case computed != event.Hash:
			report.Valid = false
			report.Reason = "stored hash does not match event content"
		case event.PrevHash != prevHash:
			report.Valid = false
			report.Reason = "prev_hash does not link to preceding event"
		case event.Seq <= prevSeq:
			report.Valid = false
			report.Reason = fmt.Sprintf("seq %d not greater than preceding %d", event.Seq, prevSeq)
		}
		if !report.Valid {
			report.Line = lineNo
			report.BrokenAt = event.Seq
			return report, nil
		}

		report.Checked++
		prevHash = event.Hash
		prevSeq = event.Seq
	}
}

// Compact rewrites the file keeping only events whose session the retain
// predicate accepts. The chain restarts at a boundary event of type
// journal.compacted; retained events are renumbered and relinked so the
// rewritten file verifies cleanly. A nil predicate retains everything.
func (j *Journal) Compact(retain func(sessionID string) bool) (retained, dropped int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, 0, ErrClosed
	}

	events, err := readEvents(j.path)
	if err != nil {
		return 0, 0, err
	}

	kept := make([]models.Event, 0, len(events))
	sessions := make(map[string]struct{})
	for _, ev := range events {
		if ev.Type == models.EventJournalCompacted {
			dropped++
			continue
		}
		if retain == nil || retain(ev.SessionID) {
			kept = append(kept, ev)
			sessions[ev.SessionID] = struct{}{}
		} else {
			dropped++
		}
	}

	boundary := models.Event{
		Seq:       1,
		SessionID: "system",
		Type:      models.EventJournalCompacted,
		Timestamp: j.now().UTC(),
		Payload: map[string]any{
			"retained_events":   len(kept),
			"dropped_events":    dropped,
			"retained_sessions": len(sessions),
		},
		PrevHash: GenesisHash,
	}

	chain := make([]models.Event, 0, len(kept)+1)
	chain = append(chain, boundary)
	for _, ev := range kept {
		ev.Seq = int64(len(chain) + 1)
		chain = append(chain, ev)
	}

	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, 0, fmt.Errorf("journal: create compact file: %w", err)
	}

	prevHash := GenesisHash
	for i := range chain {
		chain[i].PrevHash = prevHash
		chain[i].Hash = ""
		hash, hashErr := hashEvent(chain[i])
		if hashErr != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return 0, 0, fmt.Errorf("journal: rehash during compact: %w", hashErr)
		}
		chain[i].Hash = hash

		line, marshalErr := json.Marshal(chain[i])
		if marshalErr != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return 0, 0, fmt.Errorf("journal: encode during compact: %w", marshalErr)
		}
		if _, writeErr := tmp.Write(append(line, '\n')); writeErr != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return 0, 0, fmt.Errorf("journal: write during compact: %w", writeErr)
		}
		prevHash = hash
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, 0, fmt.Errorf("journal: sync compact file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, 0, fmt.Errorf("journal: close compact file: %w", err)
	}

	if err := j.file.Close(); err != nil {
		j.logger.Warn("close before compact swap failed", "error", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return 0, 0, fmt.Errorf("journal: swap compact file: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		j.closed = true
		return 0, 0, fmt.Errorf("journal: reopen after compact: %w", err)
	}
	j.file = file
	j.seq = chain[len(chain)-1].Seq
	j.prevHash = chain[len(chain)-1].Hash

	j.logger.Info("journal compacted",
		"retained", len(kept), "dropped", dropped, "sessions", len(sessions))
	return len(kept), dropped, nil
}
