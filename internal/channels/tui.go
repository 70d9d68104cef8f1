package channels

import (
	"context"
	"log/slog"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/gateinfra/toolgate/internal/types"
)

// TUISurface runs the approver UI in the daemon's own terminal. It
// bridges the Bubble Tea program with the broker the same way the
// remote surfaces do, so the broker never knows which kind of approver
// answered.
type TUISurface struct {
	arbiter Arbiter
	logger  *slog.Logger

	mu      sync.Mutex
	program *tea.Program
}

// NewTUISurface creates the terminal approval surface.
func NewTUISurface(arbiter Arbiter, logger *slog.Logger) *TUISurface {
	return &TUISurface{
		arbiter: arbiter,
		logger:  logger.With("surface", "tui"),
	}
}

func (t *TUISurface) Name() string { return "tui" }

// Start launches the Bubble Tea program. The program blocks on stdin,
// so it runs in its own goroutine.
func (t *TUISurface) Start(ctx context.Context) error {
	model := NewApproverModel("console", func(ev types.DecisionEvent) {
		if !t.arbiter.Resolve(ev) {
			t.logger.Debug("stale decision ignored", "request", ev.RequestID)
		}
	})
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	t.mu.Lock()
	t.program = program
	t.mu.Unlock()

	go func() {
		if _, err := program.Run(); err != nil && ctx.Err() == nil {
			t.logger.Error("approver tui exited", "error", err)
		}
	}()

	t.logger.Info("tui surface started")
	return nil
}

// Stop quits the program.
func (t *TUISurface) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.program != nil {
		t.program.Quit()
	}
	t.logger.Info("tui surface stopped")
	return nil
}

// Prompt enqueues the event in the approver's pending list.
func (t *TUISurface) Prompt(_ context.Context, ev types.PromptEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.program != nil {
		t.program.Send(PromptMsg{Event: ev})
	}
	return nil
}
