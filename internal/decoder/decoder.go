// Package decoder turns raw response bodies into logical events for the
// service adapters.
package decoder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Framing selects how a body is split into events.
type Framing int

const (
	FramingJSON Framing = iota
	FramingEventStream
)

func (f Framing) String() string {
	if f == FramingEventStream {
		return "event-stream"
	}
	return "json"
}

// FramingFor picks the framing from a response content-type header.
func FramingFor(contentType string) Framing {
	if strings.Contains(strings.ToLower(contentType), "text/event-stream") {
		return FramingEventStream
	}
	return FramingJSON
}

// Event is one decoded unit. Done marks the [DONE] terminator.
type Event struct {
	Data json.RawMessage
	Done bool
}

// DecodeError is returned when a json-framed body is not valid JSON.
type DecodeError struct {
	Framing Framing
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Framing, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

const maxLine = 10 * 1024 * 1024

// Decode reads r to EOF and returns its events.
func Decode(r io.Reader, f Framing) ([]Event, error) {
	return DecodeContext(context.Background(), r, f)
}

// DecodeChunks decodes a body that arrived as separate chunks. Lines may span
// chunk boundaries.
func DecodeChunks(chunks [][]byte, f Framing) ([]Event, error) {
	readers := make([]io.Reader, len(chunks))
	for i, c := range chunks {
		readers[i] = bytes.NewReader(c)
	}
	return Decode(io.MultiReader(readers...), f)
}

// DecodeContext is Decode with cancellation between lines.
func DecodeContext(ctx context.Context, r io.Reader, f Framing) ([]Event, error) {
	if f == FramingEventStream {
		return decodeEventStream(ctx, r)
	}
	return decodeJSON(r)
}

func decodeJSON(r io.Reader) ([]Event, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return nil, &DecodeError{Framing: FramingJSON, Err: errors.New("invalid json document")}
	}
	return []Event{{Data: json.RawMessage(body)}}, nil
}

func decodeEventStream(ctx context.Context, r io.Reader) ([]Event, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var events []Event
	var pending []byte

	for {
		if err := ctx.Err(); err != nil {
			return events, err
		}

		chunk, err := reader.ReadSlice('\n')
		pending = append(pending, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(pending) > maxLine {
				return events, fmt.Errorf("event-stream line exceeds %d bytes", maxLine)
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return events, fmt.Errorf("read stream: %w", err)
		}

		if len(pending) > 0 {
			ev, ok, done := parseLine(pending)
			pending = pending[:0]
			if ok {
				events = append(events, ev)
			}
			if done {
				return events, nil
			}
		}

		if errors.Is(err, io.EOF) {
			return events, nil
		}
	}
}

// parseLine handles one event-stream line. ok reports whether an event was
// produced, done whether it was the terminator.
func parseLine(raw []byte) (ev Event, ok, done bool) {
	line := strings.TrimRight(string(raw), "\r\n")
	payload, found := strings.CutPrefix(line, "data: ")
	if !found {
		return Event{}, false, false
	}
	payload = strings.TrimSpace(payload)
	if payload == "[DONE]" {
		return Event{Done: true}, true, true
	}
	if payload == "" || !json.Valid([]byte(payload)) {
		return Event{}, false, false
	}
	return Event{Data: json.RawMessage(payload)}, true, false
}
