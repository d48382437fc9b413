package delivery

import (
	"context"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
)

// DirectFunc is the host's in-process capture handler.
type DirectFunc func(ctx context.Context, batch capture.CaptureBatch) error

// Direct calls into the host synchronously. Only the surface the host owns
// gets a handler; everywhere else it fails fast with ErrUnavailable.
type Direct struct {
	fn DirectFunc
}

func NewDirect(fn DirectFunc) *Direct {
	return &Direct{fn: fn}
}

func (d *Direct) Name() string { return "direct" }

func (d *Direct) Deliver(ctx context.Context, batch capture.CaptureBatch) error {
	if d == nil || d.fn == nil {
		return ErrUnavailable
	}
	if err := d.fn(ctx, batch); err != nil {
		return &DeliveryError{Channel: d.Name(), Err: err}
	}
	return nil
}
