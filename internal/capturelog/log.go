// Package capturelog is the durable append-only JSONL record of merged
// messages.
package capturelog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
)

// Entry is one line of the capture log.
type Entry struct {
	ID             uuid.UUID      `json:"id"`
	ServiceID      string         `json:"service_id"`
	URL            string         `json:"url,omitempty"`
	Role           capture.Role   `json:"role"`
	Content        string         `json:"content"`
	ExternalID     string         `json:"external_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Source         capture.Source `json:"source"`
	CapturedAt     time.Time      `json:"captured_at"`
}

// NewEntry builds the log line for m, stamped with the persistence time.
func NewEntry(serviceID, url string, m capture.CapturedMessage, at time.Time) Entry {
	return Entry{
		ID:             uuid.New(),
		ServiceID:      serviceID,
		URL:            url,
		Role:           m.Role,
		Content:        m.Content,
		ExternalID:     m.ExternalID,
		ConversationID: m.ConversationID,
		Source:         m.Source,
		CapturedAt:     at.UTC().Truncate(time.Second),
	}
}

// Message converts the line back into a CapturedMessage.
func (e Entry) Message() capture.CapturedMessage {
	return capture.CapturedMessage{
		Role:           e.Role,
		Content:        e.Content,
		ExternalID:     e.ExternalID,
		ConversationID: e.ConversationID,
		Source:         e.Source,
		Timestamp:      e.CapturedAt,
	}
}

// Key is the collector dedup key of the line.
func (e Entry) Key() string {
	return e.Message().DedupKey(e.ServiceID)
}

// Writer appends entries to a file, creating it and its directory on first use.
type Writer struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

func (w *Writer) Path() string { return w.path }

// Append writes one line per entry. Lines are written in a single call so a
// batch is never interleaved with another.
func (w *Writer) Append(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var buf []byte
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log: %w", err)
		}
		w.f = f
	}
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Replay calls fn for every well-formed line in the log at path. Malformed
// lines are skipped. A missing file is not an error.
func Replay(path string, fn func(Entry)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if e.ServiceID == "" || e.Content == "" {
			continue
		}
		fn(e)
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("scan: %w", err)
	}
	return n, nil
}
