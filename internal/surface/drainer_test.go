package surface

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/anychat/internal/adapter"
	"github.com/MikeSquared-Agency/anychat/internal/agent"
	"github.com/MikeSquared-Agency/anychat/internal/capture"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSurface struct {
	id string

	mu        sync.Mutex
	state     pageState
	injected  []string
	evalErr   error
	evaluated int
}

func (f *fakeSurface) ID() string { return f.id }

func (f *fakeSurface) InjectScript(_ context.Context, js string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, js)
	f.state.Injected = true
	return nil
}

func (f *fakeSurface) Evaluate(_ context.Context, js string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluated++
	if f.evalErr != nil {
		return nil, f.evalErr
	}
	st := f.state
	f.state.Mutations = 0
	return json.Marshal(st)
}

func (f *fakeSurface) set(st pageState) {
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
}

type failingChain struct{}

func (failingChain) Deliver(context.Context, capture.CaptureBatch) error {
	return errors.New("all channels failed")
}

type recordingChannel struct {
	mu      sync.Mutex
	batches []capture.CaptureBatch
}

func (r *recordingChannel) Name() string { return "beacon" }

func (r *recordingChannel) Deliver(_ context.Context, b capture.CaptureBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return nil
}

const chatPage = `<article data-testid="conversation-turn-1"><div data-message-author-role="user">Hello</div></article>
<article data-testid="conversation-turn-2"><div data-message-author-role="assistant"><div class="markdown">Hi there</div></div></article>`

func newAgent(t *testing.T, pageURL string) *agent.Agent {
	t.Helper()
	a, err := agent.New(agent.DefaultConfig(), pageURL, failingChain{}, testLogger())
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	return a
}

func queueDOM(t *testing.T, a *agent.Agent) {
	t.Helper()
	doc, err := adapter.NewSnapshot(chatPage)
	if err != nil {
		t.Fatal(err)
	}
	if got := a.CaptureDOM(doc); len(got) != 2 {
		t.Fatalf("queued %d messages, want 2", len(got))
	}
}

func TestDrain_BeaconOnlyAfterFlushFailure(t *testing.T) {
	s := &fakeSurface{id: "main", state: pageState{URL: "https://chatgpt.com/", Injected: true}}
	a := newAgent(t, "https://chatgpt.com/")
	beacon := &recordingChannel{}
	d := NewDrainer(beacon, testLogger())
	d.Bind(s, a)

	queueDOM(t, a)
	d.DrainAll(context.Background())
	if len(beacon.batches) != 0 {
		t.Fatalf("drained %d batches before any flush failure", len(beacon.batches))
	}

	if err := a.Flush(context.Background()); err == nil {
		t.Fatal("expected flush failure")
	}
	d.DrainAll(context.Background())

	if len(beacon.batches) != 1 {
		t.Fatalf("beacon batches = %d, want 1", len(beacon.batches))
	}
	b := beacon.batches[0]
	if b.ServiceID != "chatgpt.com" || len(b.Messages) != 2 {
		t.Errorf("batch = %+v", b)
	}
	if a.Pending() != 0 {
		t.Errorf("pending = %d after drain", a.Pending())
	}
}

func TestDrain_ReinjectsOnUnseenLoad(t *testing.T) {
	s := &fakeSurface{id: "side", state: pageState{URL: "https://claude.ai/chat/1", Injected: false}}
	a := newAgent(t, "https://chatgpt.com/")
	d := NewDrainer(&recordingChannel{}, testLogger())
	d.Bind(s, a)

	d.DrainAll(context.Background())

	if len(s.injected) != 1 || !strings.Contains(s.injected[0], "__anychat") {
		t.Errorf("injected = %d scripts", len(s.injected))
	}
	if a.PageURL() != "https://claude.ai/chat/1" || a.Kind() != adapter.KindClaude {
		t.Errorf("agent not reset: url=%q kind=%v", a.PageURL(), a.Kind())
	}

	// Already injected: nothing to do on the next pass.
	d.DrainAll(context.Background())
	if len(s.injected) != 1 {
		t.Errorf("reinjected on second pass")
	}
}

func TestDrain_MutationsTriggerDOMCapture(t *testing.T) {
	s := &fakeSurface{id: "main", state: pageState{URL: "https://chatgpt.com/", Injected: true, Mutations: 3}}
	cfg := agent.DefaultConfig()
	cfg.InitialCapture = 0
	cfg.Debounce = 10 * time.Millisecond
	cfg.FlushInterval = time.Hour
	a, err := agent.New(cfg, "https://chatgpt.com/", failingChain{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	snapped := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, func(context.Context) (adapter.Document, error) {
		select {
		case snapped <- struct{}{}:
		default:
		}
		return adapter.NewSnapshot(chatPage)
	})

	d := NewDrainer(&recordingChannel{}, testLogger())
	d.Bind(s, a)
	d.DrainAll(context.Background())

	select {
	case <-snapped:
	case <-time.After(2 * time.Second):
		t.Fatal("mutation did not trigger a DOM snapshot")
	}
}

func TestDrain_UnbindAndErrors(t *testing.T) {
	s := &fakeSurface{id: "gone", evalErr: errors.New("target closed")}
	a := newAgent(t, "https://chatgpt.com/")
	d := NewDrainer(&recordingChannel{}, testLogger())
	d.Bind(s, a)

	d.DrainAll(context.Background())
	if s.evaluated != 1 {
		t.Errorf("evaluated = %d, want 1", s.evaluated)
	}

	d.Unbind("gone")
	d.DrainAll(context.Background())
	if s.evaluated != 1 {
		t.Errorf("unbound surface was polled")
	}
}

func TestDrainer_Start(t *testing.T) {
	d := NewDrainer(&recordingChannel{}, testLogger())
	if err := d.Start(context.Background(), "not a schedule"); err == nil {
		t.Error("expected error for invalid schedule")
	}

	s := &fakeSurface{id: "main", state: pageState{URL: "https://chatgpt.com/", Injected: true}}
	d.Bind(s, newAgent(t, "https://chatgpt.com/"))
	if err := d.Start(context.Background(), "@every 1s"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := s.evaluated
		s.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("scheduled drain never ran")
}
