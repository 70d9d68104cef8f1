// Command toolgate-tui is the remote approver: it connects to a
// toolgate daemon over websocket, shows pending permission prompts, and
// sends back the approver's decisions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gateinfra/toolgate/internal/channels"
	"github.com/gateinfra/toolgate/internal/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("toolgate-tui", flag.ExitOnError)
	daemonURL := fs.String("url", "ws://127.0.0.1:7433/ws", "toolgate websocket endpoint")
	token := fs.String("token", "", "approver token (mint with: toolgate token)")
	approver := fs.String("approver", "", "approver name attached to decisions")
	fs.Parse(os.Args[1:])

	if *token == "" {
		*token = os.Getenv("TOOLGATE_TOKEN")
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: --token or TOOLGATE_TOKEN is required")
		return 1
	}
	if *approver == "" {
		*approver = os.Getenv("USER")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := dial(ctx, *daemonURL, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	decide := func(ev types.DecisionEvent) {
		writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
		defer writeCancel()
		if err := wsjson.Write(writeCtx, conn, ev); err != nil {
			fmt.Fprintf(os.Stderr, "Error: send decision: %v\n", err)
		}
	}

	program := tea.NewProgram(
		channels.NewApproverModel(*approver, decide),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)

	go func() {
		for {
			var ev types.PromptEvent
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
				}
				program.Quit()
				return
			}
			program.Send(channels.PromptMsg{Event: ev})
		}
	}()

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// dial connects to the daemon, passing the token as a query parameter
// because browsers and some websocket stacks cannot set headers during
// the handshake.
func dial(ctx context.Context, rawURL, token string) (*websocket.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return conn, nil
}
