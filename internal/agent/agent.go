// Package agent implements the per-surface page agent: it watches one page's
// network exchanges and DOM, queues new messages and flushes them through the
// delivery channels.
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/anychat/internal/adapter"
	"github.com/MikeSquared-Agency/anychat/internal/capture"
	"github.com/MikeSquared-Agency/anychat/internal/decoder"
)

// Deliverer moves one batch out of the agent. delivery.Chain implements it.
type Deliverer interface {
	Deliver(ctx context.Context, batch capture.CaptureBatch) error
}

// SnapshotFunc returns the current DOM of the page.
type SnapshotFunc func(ctx context.Context) (adapter.Document, error)

// MutationKind mirrors the MutationObserver record types.
type MutationKind string

const (
	MutationChildList     MutationKind = "childList"
	MutationCharacterData MutationKind = "characterData"
	MutationAttributes    MutationKind = "attributes"
)

// Config tunes the agent's timers.
type Config struct {
	FlushInterval  time.Duration
	Debounce       time.Duration
	InitialCapture time.Duration
	// NetworkQuiet is how long after the last network result DOM capture
	// stays suppressed.
	NetworkQuiet time.Duration
	// MaxSeen caps the dedup set; 0 means unbounded.
	MaxSeen int
}

func DefaultConfig() Config {
	return Config{
		FlushInterval:  3 * time.Second,
		Debounce:       750 * time.Millisecond,
		InitialCapture: 2 * time.Second,
		NetworkQuiet:   10 * time.Second,
	}
}

// Exchange is one intercepted network call. Body is a clone of the response
// body; the page's own copy is never touched.
type Exchange struct {
	Method      string
	URL         string
	RequestBody string
	ContentType string
	Body        io.Reader
}

// Agent is owned by one page lifetime. Reset discards its state on navigation.
type Agent struct {
	cfg  Config
	out  Deliverer
	base *slog.Logger
	now  func() time.Time

	mu          sync.Mutex
	serviceID   string
	pageURL     string
	logger      *slog.Logger
	sel         adapter.Selection
	seen        *seenSet
	queue       []capture.CapturedMessage
	lastNetwork time.Time
	flushing    bool
	failures    int
	// generation counts page lifetimes; a flush started before a Reset
	// must not re-queue into the new page.
	generation uint64

	mutations chan struct{}
}

// New builds an agent for the page at pageURL. The adapter is chosen here,
// once, from the page hostname.
func New(cfg Config, pageURL string, out Deliverer, logger *slog.Logger) (*Agent, error) {
	host, err := hostOf(pageURL)
	if err != nil {
		return nil, err
	}
	sel, _ := adapter.Select(host)
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	a := &Agent{
		cfg:       cfg,
		out:       out,
		base:      logger,
		logger:    logger.With("service", host, "adapter", sel.Kind.String()),
		now:       time.Now,
		serviceID: host,
		pageURL:   pageURL,
		sel:       sel,
		seen:      newSeenSet(cfg.MaxSeen),
		mutations: make(chan struct{}, 1),
	}
	if sel.Network == nil && sel.DOM == nil {
		a.logger.Info("no capture rules for this site")
	}
	return a, nil
}

func hostOf(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("page url %q has no host", pageURL)
	}
	return strings.ToLower(u.Hostname()), nil
}

// ServiceID is the hostname batches are tagged with.
func (a *Agent) ServiceID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serviceID
}

// Kind reports the selected service.
func (a *Agent) Kind() adapter.ServiceKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sel.Kind
}

// PageURL is the URL of the current page lifetime.
func (a *Agent) PageURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pageURL
}

// FlushFailures counts consecutive failed flushes since the last success.
func (a *Agent) FlushFailures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

// Pending returns the number of queued messages.
func (a *Agent) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// ObserveExchange runs intercept -> decode -> extract -> enqueue for one
// network call and returns the newly queued messages.
func (a *Agent) ObserveExchange(ctx context.Context, ex Exchange) (queued []capture.CapturedMessage) {
	defer a.isolate("observe exchange", &queued)

	a.mu.Lock()
	network := a.sel.Network
	logger := a.logger
	a.mu.Unlock()
	if network == nil || ex.Body == nil {
		return nil
	}

	ep, ok := network.Endpoint(strings.ToUpper(ex.Method), ex.URL)
	if !ok {
		return nil
	}

	framing := decoder.FramingFor(ex.ContentType)
	events, err := decoder.DecodeContext(ctx, ex.Body, framing)
	if err != nil {
		logger.Debug("decode failed", "url", ex.URL, "framing", framing.String(), "error", err)
		if len(events) == 0 {
			return nil
		}
	}

	msgs := network.Extract(ep, events, ex.RequestBody)
	if len(msgs) == 0 {
		return nil
	}

	a.mu.Lock()
	a.lastNetwork = a.now()
	a.mu.Unlock()

	queued = a.enqueue(msgs)
	if len(queued) > 0 {
		logger.Debug("network capture", "url", ex.URL, "queued", len(queued))
	}
	return queued
}

// NotifyMutation schedules a debounced DOM capture. Attribute-only mutations
// are ignored.
func (a *Agent) NotifyMutation(kind MutationKind) {
	if kind != MutationChildList && kind != MutationCharacterData {
		return
	}
	select {
	case a.mutations <- struct{}{}:
	default:
	}
}

// CaptureDOM runs one DOM pass and returns the newly queued messages. It does
// nothing while network capture is producing results for this page.
func (a *Agent) CaptureDOM(doc adapter.Document) (queued []capture.CapturedMessage) {
	defer a.isolate("capture dom", &queued)

	a.mu.Lock()
	sel := a.sel.DOM
	logger := a.logger
	suppressed := !a.lastNetwork.IsZero() && a.now().Sub(a.lastNetwork) < a.cfg.NetworkQuiet
	a.mu.Unlock()

	if sel == nil || doc == nil || suppressed {
		return nil
	}

	queued = a.enqueue(adapter.ExtractDOM(doc, *sel))
	if len(queued) > 0 {
		logger.Debug("dom capture", "queued", len(queued))
	}
	return queued
}

// enqueue appends messages whose page key has not been seen this lifetime.
func (a *Agent) enqueue(msgs []capture.CapturedMessage) []capture.CapturedMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	var added []capture.CapturedMessage
	for _, m := range msgs {
		m.Content = strings.TrimSpace(m.Content)
		if m.Role == capture.RoleUnknown || m.Role == "" || m.Content == "" {
			continue
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = a.now()
		}
		if !a.seen.add(m.PageKey()) {
			continue
		}
		added = append(added, m)
	}
	a.queue = append(a.queue, added...)
	return added
}

// Flush sends the whole queue as one batch. On failure the batch goes back to
// the head of the queue for the next tick.
func (a *Agent) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.flushing || len(a.queue) == 0 {
		a.mu.Unlock()
		return nil
	}
	a.flushing = true
	gen := a.generation
	batch := capture.CaptureBatch{
		ServiceID: a.serviceID,
		URL:       a.pageURL,
		Messages:  a.queue,
	}
	a.queue = nil
	a.mu.Unlock()

	err := a.out.Deliver(ctx, batch)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushing = false
	if gen != a.generation {
		if err != nil {
			a.logger.Warn("navigation discarded in-flight batch", "messages", len(batch.Messages), "error", err)
		}
		return err
	}
	if err != nil {
		a.failures++
		a.queue = append(batch.Messages, a.queue...)
		a.logger.Debug("flush failed, re-queued", "messages", len(batch.Messages), "error", err)
		return err
	}
	a.failures = 0
	a.logger.Info("flushed", "messages", len(batch.Messages))
	return nil
}

// Drain removes up to max messages from the head of the queue for the
// host-initiated beacon path. max <= 0 drains everything.
func (a *Agent) Drain(max int) capture.CaptureBatch {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.queue)
	if max > 0 && max < n {
		n = max
	}
	batch := capture.CaptureBatch{ServiceID: a.serviceID, URL: a.pageURL}
	if n == 0 {
		return batch
	}
	batch.Messages = append([]capture.CapturedMessage(nil), a.queue[:n]...)
	a.queue = a.queue[n:]
	return batch
}

// Reset models navigation or reload: the dedup set and queue are discarded,
// as is a batch still in flight if its delivery fails. A different hostname
// selects a new adapter.
func (a *Agent) Reset(pageURL string) error {
	host, err := hostOf(pageURL)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if dropped := len(a.queue); dropped > 0 {
		a.logger.Warn("navigation discarded queued messages", "messages", dropped)
	}
	if host != a.serviceID {
		a.sel, _ = adapter.Select(host)
		a.serviceID = host
		a.logger = a.base.With("service", host, "adapter", a.sel.Kind.String())
	}
	a.generation++
	a.pageURL = pageURL
	a.seen = newSeenSet(a.cfg.MaxSeen)
	a.queue = nil
	a.lastNetwork = time.Time{}
	a.failures = 0
	return nil
}

// Run drives the flush interval and debounced DOM capture until ctx ends.
func (a *Agent) Run(ctx context.Context, snapshot SnapshotFunc) {
	flush := time.NewTicker(a.cfg.FlushInterval)
	defer flush.Stop()

	domTimer := time.NewTimer(a.cfg.InitialCapture)
	if a.cfg.InitialCapture <= 0 {
		domTimer.Stop()
	}
	defer domTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			_ = a.Flush(ctx)
		case <-a.mutations:
			domTimer.Reset(a.cfg.Debounce)
		case <-domTimer.C:
			if snapshot == nil {
				continue
			}
			doc, err := snapshot(ctx)
			if err != nil {
				a.log().Debug("dom snapshot failed", "error", err)
				continue
			}
			a.CaptureDOM(doc)
		}
	}
}

func (a *Agent) log() *slog.Logger {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logger
}

// isolate keeps a failure in one capture stage from escaping into the host.
func (a *Agent) isolate(stage string, queued *[]capture.CapturedMessage) {
	if r := recover(); r != nil {
		a.log().Error("capture stage panicked", "stage", stage, "panic", r)
		*queued = nil
	}
}
