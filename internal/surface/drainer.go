package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/MikeSquared-Agency/anychat/internal/agent"
	"github.com/MikeSquared-Agency/anychat/internal/delivery"
)

// DefaultDrainMax bounds how many messages one drain pulls from an agent.
const DefaultDrainMax = 50

type binding struct {
	surface Surface
	agent   *agent.Agent
}

// Drainer polls every bound surface on a cron schedule. Each pass forwards
// DOM mutation counts to the agent, resets the agent when the page
// navigated, and pulls queued messages out through beacons once the agent's
// own delivery chain has failed.
type Drainer struct {
	beacon delivery.Channel
	logger *slog.Logger
	max    int

	cron *cron.Cron

	mu       sync.Mutex
	bindings map[string]binding
}

func NewDrainer(beacon delivery.Channel, logger *slog.Logger) *Drainer {
	return &Drainer{
		beacon:   beacon,
		logger:   logger,
		max:      DefaultDrainMax,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		bindings: make(map[string]binding),
	}
}

// Bind starts polling s for a.
func (d *Drainer) Bind(s Surface, a *agent.Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindings[s.ID()] = binding{surface: s, agent: a}
}

// Unbind stops polling the surface with id.
func (d *Drainer) Unbind(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bindings, id)
}

// Start schedules DrainAll, e.g. "@every 5s".
func (d *Drainer) Start(ctx context.Context, schedule string) error {
	if _, err := d.cron.AddFunc(schedule, func() { d.DrainAll(ctx) }); err != nil {
		return fmt.Errorf("drain schedule %q: %w", schedule, err)
	}
	d.cron.Start()
	d.logger.Info("beacon drainer started", "schedule", schedule)
	return nil
}

// Stop waits for a running drain to finish.
func (d *Drainer) Stop() {
	<-d.cron.Stop().Done()
}

// DrainAll runs one pass over every binding in surface id order.
func (d *Drainer) DrainAll(ctx context.Context) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.bindings))
	for id := range d.bindings {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		d.mu.Lock()
		b, ok := d.bindings[id]
		d.mu.Unlock()
		if !ok {
			continue
		}
		if err := d.drain(ctx, b); err != nil {
			d.logger.Debug("drain failed", "surface", id, "error", err)
		}
	}
}

func (d *Drainer) drain(ctx context.Context, b binding) error {
	raw, err := b.surface.Evaluate(ctx, takeState)
	if err != nil {
		return fmt.Errorf("poll page state: %w", err)
	}
	var st pageState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode page state: %w", err)
	}

	if !st.Injected {
		// A document without the bootstrap is a load we did not see.
		pageURL := st.URL
		if pageURL == "" {
			pageURL = b.agent.PageURL()
		}
		if err := b.agent.Reset(pageURL); err != nil {
			return err
		}
		if err := b.surface.InjectScript(ctx, Bootstrap); err != nil {
			return fmt.Errorf("reinject: %w", err)
		}
	}
	if st.Mutations > 0 {
		b.agent.NotifyMutation(agent.MutationChildList)
	}

	if b.agent.FlushFailures() == 0 {
		return nil
	}
	batch := b.agent.Drain(d.max)
	if len(batch.Messages) == 0 {
		return nil
	}
	d.logger.Info("draining via beacon", "surface", b.surface.ID(), "service", batch.ServiceID, "messages", len(batch.Messages))
	return d.beacon.Deliver(ctx, batch)
}
