// Package channels implements the approval surfaces: the transports
// that carry outbound prompt events to a human approver and inbound
// decision events back. The broker treats the whole channel as
// asynchronous and at-least-once; surfaces never interpret decisions,
// they only move them.
package channels

import (
	"context"
	"log/slog"

	"github.com/gateinfra/toolgate/internal/types"
)

// Arbiter is the surface-facing slice of the broker. Resolve reports
// whether the event matched a live session; duplicates return false.
type Arbiter interface {
	Resolve(ev types.DecisionEvent) bool
}

// Surface is one approval transport (websocket, MQTT, terminal).
type Surface interface {
	// Name returns the surface identifier.
	Name() string

	// Start initialises the surface and any background goroutines.
	Start(ctx context.Context) error

	// Stop shuts the surface down and releases resources.
	Stop() error

	// Prompt delivers one outbound prompt event to the approver.
	Prompt(ctx context.Context, ev types.PromptEvent) error
}

// Dispatcher fans the broker's prompt stream out to every registered
// surface. A surface that fails to deliver is logged and skipped; the
// session's timeout still guarantees the request resolves.
type Dispatcher struct {
	prompts  <-chan types.PromptEvent
	surfaces []Surface
	logger   *slog.Logger
}

// NewDispatcher wires the prompt stream to the surfaces.
func NewDispatcher(prompts <-chan types.PromptEvent, logger *slog.Logger, surfaces ...Surface) *Dispatcher {
	return &Dispatcher{
		prompts:  prompts,
		surfaces: surfaces,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Run pumps prompts until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.prompts:
			for _, s := range d.surfaces {
				if err := s.Prompt(ctx, ev); err != nil {
					d.logger.Warn("prompt delivery failed",
						"surface", s.Name(), "request", ev.RequestID, "error", err)
				}
			}
		}
	}
}
