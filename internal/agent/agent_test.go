package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/anychat/internal/adapter"
	"github.com/MikeSquared-Agency/anychat/internal/capture"
)

type fakeDeliverer struct {
	mu      sync.Mutex
	fail    bool
	batches []capture.CaptureBatch
}

func (f *fakeDeliverer) Deliver(_ context.Context, b capture.CaptureBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("all channels failed")
	}
	f.batches = append(f.batches, b)
	return nil
}

func (f *fakeDeliverer) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeDeliverer) delivered() []capture.CaptureBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capture.CaptureBatch(nil), f.batches...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAgent(t *testing.T, pageURL string, out Deliverer) *Agent {
	t.Helper()
	a, err := New(DefaultConfig(), pageURL, out, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func snapshot(t *testing.T, html string) adapter.Document {
	t.Helper()
	doc, err := adapter.NewSnapshot(html)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return doc
}

const page = `<article data-testid="conversation-turn-1"><div data-message-author-role="user">Hello</div></article>
<article data-testid="conversation-turn-2"><div data-message-author-role="assistant"><div class="markdown">Hi there</div></div></article>`

func chatGPTExchange() Exchange {
	return Exchange{
		Method:      "POST",
		URL:         "https://chatgpt.com/backend-api/conversation",
		RequestBody: `{"messages":[{"id":"u1","author":{"role":"user"},"content":{"parts":["Hello"]}}]}`,
		ContentType: "text/event-stream",
		Body: strings.NewReader(
			"data: {\"message\":{\"id\":\"m1\",\"author\":{\"role\":\"assistant\"},\"content\":{\"parts\":[\"Hi\"]}}}\n\n" +
				"data: {\"message\":{\"id\":\"m1\",\"author\":{\"role\":\"assistant\"},\"content\":{\"parts\":[\"Hi there\"]}}}\n\n" +
				"data: [DONE]\n\n"),
	}
}

func TestNew_SelectsAdapterOnce(t *testing.T) {
	a := newTestAgent(t, "https://chatgpt.com/c/abc", &fakeDeliverer{})
	if a.Kind() != adapter.KindChatGPT {
		t.Errorf("kind = %s", a.Kind())
	}
	if a.ServiceID() != "chatgpt.com" {
		t.Errorf("service id = %q", a.ServiceID())
	}

	if _, err := New(DefaultConfig(), "not a url", &fakeDeliverer{}, testLogger()); err == nil {
		t.Error("expected error for url without host")
	}
}

func TestCaptureDOM_SecondPassYieldsNothing(t *testing.T) {
	a := newTestAgent(t, "https://chatgpt.com/", &fakeDeliverer{})
	doc := snapshot(t, page)

	first := a.CaptureDOM(doc)
	if len(first) != 2 {
		t.Fatalf("first pass queued %d, want 2", len(first))
	}
	second := a.CaptureDOM(doc)
	if len(second) != 0 {
		t.Errorf("second pass queued %d, want 0", len(second))
	}
	if a.Pending() != 2 {
		t.Errorf("pending = %d, want 2", a.Pending())
	}
}

func TestCaptureDOM_UnknownSiteDoesNothing(t *testing.T) {
	a := newTestAgent(t, "https://example.com/", &fakeDeliverer{})
	if got := a.CaptureDOM(snapshot(t, page)); len(got) != 0 {
		t.Errorf("queued %d on unknown site", len(got))
	}
}

func TestObserveExchange_QueuesUserThenAssistant(t *testing.T) {
	a := newTestAgent(t, "https://chatgpt.com/", &fakeDeliverer{})

	queued := a.ObserveExchange(context.Background(), chatGPTExchange())
	if len(queued) != 2 {
		t.Fatalf("queued %d, want 2", len(queued))
	}
	if queued[0].Role != capture.RoleUser || queued[1].Content != "Hi there" {
		t.Errorf("queued = %+v", queued)
	}

	// The same round trip observed again is already in the dedup set.
	if again := a.ObserveExchange(context.Background(), chatGPTExchange()); len(again) != 0 {
		t.Errorf("re-observed exchange queued %d", len(again))
	}
}

func TestObserveExchange_IgnoresOtherCalls(t *testing.T) {
	a := newTestAgent(t, "https://chatgpt.com/", &fakeDeliverer{})
	ex := chatGPTExchange()
	ex.URL = "https://chatgpt.com/backend-api/models"
	if got := a.ObserveExchange(context.Background(), ex); len(got) != 0 {
		t.Errorf("queued %d for unmatched url", len(got))
	}
}

func TestObserveExchange_MalformedBodyIsNotFatal(t *testing.T) {
	a := newTestAgent(t, "https://chatgpt.com/", &fakeDeliverer{})
	ex := Exchange{
		Method:      "GET",
		URL:         "https://chatgpt.com/backend-api/conversation/c1",
		ContentType: "application/json",
		Body:        strings.NewReader("<html>rate limited</html>"),
	}
	if got := a.ObserveExchange(context.Background(), ex); len(got) != 0 {
		t.Errorf("queued %d for malformed body", len(got))
	}
}

func TestNetworkCaptureSuppressesDOM(t *testing.T) {
	a := newTestAgent(t, "https://chatgpt.com/", &fakeDeliverer{})
	clock := time.Date(2026, 2, 9, 7, 30, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }

	if got := a.ObserveExchange(context.Background(), chatGPTExchange()); len(got) == 0 {
		t.Fatal("expected network capture")
	}
	if got := a.CaptureDOM(snapshot(t, page)); got != nil {
		t.Errorf("dom pass ran while network capture active: %+v", got)
	}

	clock = clock.Add(a.cfg.NetworkQuiet + time.Second)
	if got := a.CaptureDOM(snapshot(t, page)); len(got) == 0 {
		t.Error("dom pass should resume once network capture goes quiet")
	}
}

func TestFlush_FailureRequeuesAtHead(t *testing.T) {
	out := &fakeDeliverer{fail: true}
	a := newTestAgent(t, "https://chatgpt.com/", out)
	a.enqueue([]capture.CapturedMessage{{Role: capture.RoleUser, Content: "first", Source: capture.SourceDOM}})

	if err := a.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if a.Pending() != 1 {
		t.Fatalf("pending = %d after failed flush, want 1", a.Pending())
	}
	if a.FlushFailures() != 1 {
		t.Errorf("failures = %d, want 1", a.FlushFailures())
	}

	a.enqueue([]capture.CapturedMessage{{Role: capture.RoleAssistant, Content: "second", Source: capture.SourceDOM}})
	out.setFail(false)
	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	batches := out.delivered()
	if len(batches) != 1 {
		t.Fatalf("delivered %d batches, want 1", len(batches))
	}
	b := batches[0]
	if b.ServiceID != "chatgpt.com" || b.URL != "https://chatgpt.com/" {
		t.Errorf("batch header = %q %q", b.ServiceID, b.URL)
	}
	if len(b.Messages) != 2 || b.Messages[0].Content != "first" || b.Messages[1].Content != "second" {
		t.Errorf("batch messages = %+v", b.Messages)
	}
	if a.Pending() != 0 {
		t.Errorf("pending = %d after successful flush", a.Pending())
	}
	if a.FlushFailures() != 0 {
		t.Errorf("failures = %d after successful flush", a.FlushFailures())
	}
}

// gatedDeliverer holds each delivery until release is closed.
type gatedDeliverer struct {
	started chan struct{}
	release chan struct{}
	err     error
}

func (g *gatedDeliverer) Deliver(context.Context, capture.CaptureBatch) error {
	close(g.started)
	<-g.release
	return g.err
}

func TestFlush_FailureAfterNavigationIsNotRequeued(t *testing.T) {
	out := &gatedDeliverer{
		started: make(chan struct{}),
		release: make(chan struct{}),
		err:     errors.New("loopback timeout"),
	}
	a := newTestAgent(t, "https://chatgpt.com/", out)
	a.CaptureDOM(snapshot(t, page))

	errc := make(chan error, 1)
	go func() { errc <- a.Flush(context.Background()) }()
	<-out.started

	if err := a.Reset("https://claude.ai/chat/x"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	close(out.release)
	if err := <-errc; err == nil {
		t.Fatal("expected flush error")
	}

	if a.Pending() != 0 {
		t.Errorf("pending = %d, old page's batch leaked into %s", a.Pending(), a.ServiceID())
	}
	if a.FlushFailures() != 0 {
		t.Errorf("failures = %d, want 0 for the new page", a.FlushFailures())
	}
}

func TestFlush_EmptyQueueIsNoop(t *testing.T) {
	out := &fakeDeliverer{}
	a := newTestAgent(t, "https://chatgpt.com/", out)
	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(out.delivered()) != 0 {
		t.Error("empty queue should not deliver")
	}
}

func TestEnqueue_DropsUnknownAndEmpty(t *testing.T) {
	a := newTestAgent(t, "https://chatgpt.com/", &fakeDeliverer{})
	added := a.enqueue([]capture.CapturedMessage{
		{Role: capture.RoleUnknown, Content: "who"},
		{Role: capture.RoleUser, Content: "   "},
		{Role: capture.RoleUser, Content: " ok "},
	})
	if len(added) != 1 || added[0].Content != "ok" {
		t.Errorf("added = %+v", added)
	}
	if added[0].Timestamp.IsZero() {
		t.Error("timestamp should default to capture time")
	}
}

func TestDrain(t *testing.T) {
	a := newTestAgent(t, "https://chatgpt.com/", &fakeDeliverer{})
	a.CaptureDOM(snapshot(t, page))

	b := a.Drain(1)
	if len(b.Messages) != 1 || b.Messages[0].Content != "Hello" {
		t.Fatalf("drained = %+v", b.Messages)
	}
	if a.Pending() != 1 {
		t.Errorf("pending = %d, want 1", a.Pending())
	}
	if rest := a.Drain(0); len(rest.Messages) != 1 {
		t.Errorf("drain all returned %d", len(rest.Messages))
	}
	if empty := a.Drain(5); len(empty.Messages) != 0 {
		t.Errorf("drain of empty queue returned %d", len(empty.Messages))
	}
}

func TestReset_DiscardsPageState(t *testing.T) {
	a := newTestAgent(t, "https://chatgpt.com/", &fakeDeliverer{})
	doc := snapshot(t, page)
	a.CaptureDOM(doc)

	if err := a.Reset("https://chatgpt.com/c/new"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if a.Pending() != 0 {
		t.Errorf("pending = %d after reset", a.Pending())
	}
	if got := a.CaptureDOM(doc); len(got) != 2 {
		t.Errorf("after reset dom pass queued %d, want 2", len(got))
	}

	if err := a.Reset("https://claude.ai/new"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if a.Kind() != adapter.KindClaude || a.ServiceID() != "claude.ai" {
		t.Errorf("after cross-site reset kind=%s service=%s", a.Kind(), a.ServiceID())
	}
}

func TestSeenSet_Eviction(t *testing.T) {
	s := newSeenSet(2)
	s.add("a")
	s.add("b")
	s.add("c")
	if s.len() != 2 {
		t.Fatalf("len = %d, want 2", s.len())
	}
	if !s.add("a") {
		t.Error("oldest key should have been evicted")
	}
	if s.add("c") {
		t.Error("recent key should still be present")
	}
}

func TestRun_FlushesAndCapturesOnMutation(t *testing.T) {
	out := &fakeDeliverer{}
	cfg := Config{
		FlushInterval: 20 * time.Millisecond,
		Debounce:      5 * time.Millisecond,
		NetworkQuiet:  time.Second,
	}
	a, err := New(cfg, "https://chatgpt.com/", out, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	doc := snapshot(t, page)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx, func(context.Context) (adapter.Document, error) { return doc, nil })
		close(done)
	}()

	a.NotifyMutation(MutationAttributes)
	a.NotifyMutation(MutationChildList)
	a.NotifyMutation(MutationCharacterData)

	deadline := time.After(2 * time.Second)
	for len(out.delivered()) == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("timed out waiting for flush")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	b := out.delivered()[0]
	if len(b.Messages) != 2 {
		t.Errorf("flushed %d messages, want 2", len(b.Messages))
	}
}

func TestRun_DebounceCoalescesMutations(t *testing.T) {
	cfg := Config{
		FlushInterval: time.Hour,
		Debounce:      200 * time.Millisecond,
	}
	a, err := New(cfg, "https://chatgpt.com/", &fakeDeliverer{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	doc := snapshot(t, page)

	var snapshots atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx, func(context.Context) (adapter.Document, error) {
			snapshots.Add(1)
			return doc, nil
		})
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for i := 0; i < 5; i++ {
		a.NotifyMutation(MutationChildList)
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.After(2 * time.Second)
	for snapshots.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for debounced snapshot")
		case <-time.After(10 * time.Millisecond):
		}
	}
	time.Sleep(400 * time.Millisecond)
	if n := snapshots.Load(); n != 1 {
		t.Errorf("snapshots = %d for one burst of mutations, want 1", n)
	}
}
