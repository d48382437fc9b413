// Package collector is the host-side merge point for capture batches from
// every delivery channel.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
	"github.com/MikeSquared-Agency/anychat/internal/capturelog"
	"github.com/MikeSquared-Agency/anychat/internal/dedup"
	"github.com/MikeSquared-Agency/anychat/internal/hermes"
	"github.com/MikeSquared-Agency/anychat/internal/trust"
)

// ErrInvalidBatch is returned for batches that cannot be attributed to a service.
var ErrInvalidBatch = errors.New("invalid capture batch")

// Appender persists log entries.
type Appender interface {
	Append(entries ...capturelog.Entry) error
}

// Mirror receives every persisted entry. Failures never affect the log.
type Mirror interface {
	Mirror(ctx context.Context, entries []capturelog.Entry) error
}

// Publisher sends notifications to an external bus.
type Publisher interface {
	Publish(subject string, data any) error
}

// Notification is emitted once per batch that produced new messages.
type Notification struct {
	ID        uuid.UUID                 `json:"id"`
	ServiceID string                    `json:"serviceId"`
	URL       string                    `json:"url,omitempty"`
	Messages  []capture.CapturedMessage `json:"messages"`
}

// Result summarises one Ingest call.
type Result struct {
	Merged     int
	Duplicates int
	Dropped    int
}

// Stats are the running totals since start.
type Stats struct {
	Merged     int64 `json:"merged"`
	Duplicates int64 `json:"duplicates"`
	Dropped    int64 `json:"dropped"`
}

type Option func(*Collector)

// WithMirror also writes persisted entries to m.
func WithMirror(m Mirror) Option {
	return func(c *Collector) { c.mirror = m }
}

// WithPublisher also publishes notifications on subject.
// An empty subject uses hermes.SubjectCaptureMerged.
func WithPublisher(p Publisher, subject string) Option {
	return func(c *Collector) {
		if subject == "" {
			subject = hermes.SubjectCaptureMerged
		}
		c.pub = p
		c.subject = subject
	}
}

type Collector struct {
	log    Appender
	index  *dedup.Index
	bus    *Bus
	logger *slog.Logger
	now    func() time.Time

	mirror  Mirror
	pub     Publisher
	subject string

	// mu serialises check, append and mark so two transports delivering the
	// same message persist it once.
	mu sync.Mutex

	merged     atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
}

func New(log Appender, index *dedup.Index, logger *slog.Logger, opts ...Option) *Collector {
	if index == nil {
		index = dedup.NewIndex()
	}
	c := &Collector{
		log:    log,
		index:  index,
		bus:    NewBus(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bus returns the in-process notification bus.
func (c *Collector) Bus() *Bus { return c.bus }

// Seed marks every key found in the log at path so restarts do not
// re-persist old messages.
func (c *Collector) Seed(path string) (int, error) {
	n, err := capturelog.Replay(path, func(e capturelog.Entry) {
		m := e.Message()
		c.index.Mark(m.DedupKey(e.ServiceID), m.HashKey(e.ServiceID))
	})
	if err != nil {
		return n, fmt.Errorf("seed dedup index: %w", err)
	}
	return n, nil
}

// Direct is the in-process delivery handler.
func (c *Collector) Direct(ctx context.Context, batch capture.CaptureBatch) error {
	_, err := c.Ingest(ctx, batch, capture.SourceAPI)
	return err
}

// Ingest merges batch into the log. transport is the source assigned to
// messages that arrive without one. Persistence failures are logged, not
// returned.
func (c *Collector) Ingest(ctx context.Context, batch capture.CaptureBatch, transport capture.Source) (Result, error) {
	serviceID := strings.TrimSpace(batch.ServiceID)
	if serviceID == "" {
		return Result{}, fmt.Errorf("%w: missing serviceId", ErrInvalidBatch)
	}

	msgs, dropped := c.normalize(batch.Messages, transport)
	msgs = dedup.Survivors(msgs,
		func(m capture.CapturedMessage) string { return m.DedupKey(serviceID) },
		trust.Prefer,
	)
	res := Result{Dropped: dropped}

	c.mu.Lock()
	var fresh []capture.CapturedMessage
	var entries []capturelog.Entry
	at := c.now()
	// accepted holds keys claimed earlier in this batch, so a DOM copy
	// behaves the same whether it arrives with its network record or later.
	accepted := make(map[string]struct{}, 2*len(msgs))
	for _, m := range msgs {
		key := m.DedupKey(serviceID)
		if _, ok := accepted[key]; ok || c.index.Seen(key) {
			res.Duplicates++
			continue
		}
		accepted[key] = struct{}{}
		accepted[m.HashKey(serviceID)] = struct{}{}
		fresh = append(fresh, m)
		entries = append(entries, capturelog.NewEntry(serviceID, batch.URL, m, at))
	}
	persisted := false
	if len(entries) > 0 {
		if err := c.log.Append(entries...); err != nil {
			c.logger.Warn("capture log append failed", "service", serviceID, "messages", len(entries), "error", err)
		} else {
			persisted = true
			for _, m := range fresh {
				c.index.Mark(m.DedupKey(serviceID), m.HashKey(serviceID))
			}
		}
	}
	c.mu.Unlock()

	res.Merged = len(fresh)
	c.merged.Add(int64(res.Merged))
	c.duplicates.Add(int64(res.Duplicates))
	c.dropped.Add(int64(res.Dropped))

	if res.Merged == 0 {
		return res, nil
	}

	for _, m := range fresh {
		c.logger.Debug("captured", "service", serviceID, "role", m.Role, "source", m.Source, "preview", capture.Preview(m.Content, 50))
	}
	c.logger.Info("batch merged", "service", serviceID, "transport", transport,
		"merged", res.Merged, "duplicates", res.Duplicates, "dropped", res.Dropped)

	if persisted && c.mirror != nil {
		if err := c.mirror.Mirror(ctx, entries); err != nil {
			c.logger.Warn("mirror failed", "service", serviceID, "error", err)
		}
	}

	c.notify(Notification{ID: uuid.New(), ServiceID: serviceID, URL: batch.URL, Messages: fresh})
	return res, nil
}

// Stats returns running totals.
func (c *Collector) Stats() Stats {
	return Stats{
		Merged:     c.merged.Load(),
		Duplicates: c.duplicates.Load(),
		Dropped:    c.dropped.Load(),
	}
}

func (c *Collector) normalize(in []capture.CapturedMessage, transport capture.Source) ([]capture.CapturedMessage, int) {
	out := make([]capture.CapturedMessage, 0, len(in))
	dropped := 0
	now := c.now()
	for _, m := range in {
		m.Content = strings.TrimSpace(m.Content)
		m.Role = capture.ParseRole(string(m.Role))
		if m.Content == "" || m.Role == capture.RoleUnknown {
			dropped++
			continue
		}
		if !m.Source.Valid() {
			m.Source = transport
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		out = append(out, m)
	}
	return out, dropped
}

func (c *Collector) notify(n Notification) {
	c.bus.Publish(n)
	if c.pub == nil {
		return
	}
	if err := c.pub.Publish(c.subject, n); err != nil {
		c.logger.Warn("notification publish failed", "subject", c.subject, "error", err)
	}
}
