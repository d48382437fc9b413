package decoder

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestDecodeChunks_EventStreamAcrossBoundaries(t *testing.T) {
	chunks := [][]byte{
		[]byte("event: delta\ndata: {\"a\":"),
		[]byte("1}\n\ndata: not json\n"),
		[]byte("data: {\"a\":2}\r\n"),
		[]byte("data: [DONE]\ndata: {\"a\":3}\n"),
	}

	events, err := DecodeChunks(chunks, FramingEventStream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if string(events[0].Data) != `{"a":1}` {
		t.Errorf("event[0] = %s", events[0].Data)
	}
	if string(events[1].Data) != `{"a":2}` {
		t.Errorf("event[1] = %s", events[1].Data)
	}
	if !events[2].Done {
		t.Error("expected terminal done event")
	}
}

func TestDecode_EventStreamUnterminatedFinalLine(t *testing.T) {
	events, err := Decode(strings.NewReader("data: {\"x\":true}"), FramingEventStream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || string(events[0].Data) != `{"x":true}` {
		t.Fatalf("events = %+v", events)
	}
}

func TestDecode_EventStreamEmpty(t *testing.T) {
	events, err := Decode(strings.NewReader(""), FramingEventStream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestDecode_JSON(t *testing.T) {
	events, err := Decode(strings.NewReader(` {"mapping":{}} `), FramingJSON)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || string(events[0].Data) != `{"mapping":{}}` {
		t.Fatalf("events = %+v", events)
	}
}

func TestDecode_JSONInvalid(t *testing.T) {
	_, err := Decode(strings.NewReader("<html>nope</html>"), FramingJSON)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestDecodeContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DecodeContext(ctx, strings.NewReader("data: {}\n"), FramingEventStream)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFramingFor(t *testing.T) {
	if FramingFor("text/event-stream; charset=utf-8") != FramingEventStream {
		t.Error("expected event-stream framing")
	}
	if FramingFor("application/json") != FramingJSON {
		t.Error("expected json framing")
	}
	if FramingFor("") != FramingJSON {
		t.Error("expected json framing for empty content-type")
	}
}
