// Package delivery moves capture batches from a page agent to the collector
// over independent transports.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
)

// ErrUnavailable is returned by a channel that cannot be used from this
// surface at all. It is expected and not worth logging above debug.
var ErrUnavailable = errors.New("delivery channel unavailable")

// Channel is one transport out of the page.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, batch capture.CaptureBatch) error
}

// DeliveryError describes a transport-level failure.
type DeliveryError struct {
	Channel string
	Status  int
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d", e.Channel, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Chain tries channels in preference order and stops at the first success.
type Chain struct {
	channels []Channel
	logger   *slog.Logger
}

func NewChain(logger *slog.Logger, channels ...Channel) *Chain {
	return &Chain{channels: channels, logger: logger}
}

// Names lists the channels in the order they are tried.
func (c *Chain) Names() []string {
	names := make([]string, len(c.channels))
	for i, ch := range c.channels {
		names[i] = ch.Name()
	}
	return names
}

func (c *Chain) Deliver(ctx context.Context, batch capture.CaptureBatch) error {
	var errs []error
	for _, ch := range c.channels {
		err := ch.Deliver(ctx, batch)
		if err == nil {
			c.logger.Debug("batch delivered", "channel", ch.Name(), "service", batch.ServiceID, "messages", len(batch.Messages))
			return nil
		}
		if !errors.Is(err, ErrUnavailable) {
			c.logger.Debug("channel failed, falling back", "channel", ch.Name(), "error", err)
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return fmt.Errorf("no delivery channels: %w", ErrUnavailable)
	}
	return fmt.Errorf("all channels failed [%s]: %w", strings.Join(c.Names(), ","), errors.Join(errs...))
}
