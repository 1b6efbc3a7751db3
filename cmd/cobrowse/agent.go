package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"cobrowse/cmd/cobrowse/ui"
	"cobrowse/internal/agent"
	"cobrowse/internal/protocol"
	"cobrowse/internal/session"
)

var (
	agentStatus string
	agentWait   time.Duration
	agentButton int
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Agent-side commands: dashboard, session list, control",
}

var agentDashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Interactive dashboard of live sessions",
	RunE:  runAgentDashboard,
}

var agentSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live sessions announced while listening",
	Long: `The relay keeps no history, so sessions are collected from announcements
seen during --wait.`,
	RunE: runAgentSessions,
}

var agentSendCmd = &cobra.Command{
	Use:   "send <session-id> <click|scroll|input|navigate> [args...]",
	Short: "Send one control command to a session",
	Long: `Joins the session, sends the command and leaves again.

  send <id> click <selector> [x y]
  send <id> scroll <x> <y>
  send <id> input <selector> <value>
  send <id> navigate <url>`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAgentSend,
}

func init() {
	agentSessionsCmd.Flags().StringVar(&agentStatus, "status", "all", "Filter: all, active or paused")
	agentSessionsCmd.Flags().DurationVar(&agentWait, "wait", 3*time.Second, "How long to listen for announcements")
	agentSendCmd.Flags().IntVar(&agentButton, "button", 0, "Mouse button for click")

	agentCmd.AddCommand(agentDashboardCmd)
	agentCmd.AddCommand(agentSessionsCmd)
	agentCmd.AddCommand(agentSendCmd)
}

func agentConfig() (agent.Config, error) {
	opts, err := cfg.ChannelOptions()
	if err != nil {
		return agent.Config{}, err
	}
	return agent.Config{
		AgentID:           cfg.Agent.AgentID,
		Channel:           opts,
		EventLogLimit:     cfg.Agent.EventLogLimit,
		MouseMoveThrottle: cfg.GetMouseMoveThrottle(),
	}, nil
}

// startDashboard dials the relay and subscribes a dashboard. The returned
// func closes both.
func startDashboard(ctx context.Context) (*agent.Dashboard, func(), error) {
	ac, err := agentConfig()
	if err != nil {
		return nil, nil, err
	}
	if ac.AgentID == "" {
		ac.AgentID = protocol.NewAgentID()
	}
	client, err := dialRelay(ctx, ac.AgentID)
	if err != nil {
		return nil, nil, err
	}
	d := agent.NewDashboard(client, ac)
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := d.Start(startCtx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return d, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(closeCtx)
		_ = client.Close()
	}, nil
}

func runAgentDashboard(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	d, stop, err := startDashboard(ctx)
	if err != nil {
		return err
	}
	defer stop()

	p := tea.NewProgram(ui.NewModel(ctx, d, ui.DefaultStyles()), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func runAgentSessions(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	d, stop, err := startDashboard(ctx)
	if err != nil {
		return err
	}
	defer stop()

	select {
	case <-time.After(agentWait):
	case <-ctx.Done():
	}
	printSessions(cmd.OutOrStdout(), d.Sessions(session.ParseFilter(agentStatus)), d.Counts(), time.Now())
	return nil
}

// printSessions writes the session table and status counts.
func printSessions(out io.Writer, sessions []protocol.Session, counts session.Counts, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No live sessions seen.")
		return
	}
	table := ui.NewSessionTable(counts, now)
	for _, s := range sessions {
		table.Add(s)
	}
	fmt.Fprint(out, table.View(ui.DefaultStyles()))
}

// parseCommand builds the control command for a send invocation.
func parseCommand(sessionID string, args []string, button int, now time.Time) (protocol.ControlCommand, error) {
	if len(args) == 0 {
		return protocol.ControlCommand{}, errors.New("missing command")
	}
	floats := func(ss []string) ([]float64, error) {
		out := make([]float64, len(ss))
		for i, s := range ss {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid coordinate %q: %w", s, err)
			}
			out[i] = f
		}
		return out, nil
	}

	typ, rest := protocol.CommandType(args[0]), args[1:]
	if args[0] == "navigate" {
		typ = protocol.CommandNavigation
	}
	var payload any
	switch typ {
	case protocol.CommandClick:
		if len(rest) != 1 && len(rest) != 3 {
			return protocol.ControlCommand{}, errors.New("click takes <selector> [x y]")
		}
		c := protocol.ClickCommand{Selector: rest[0], Button: button}
		if len(rest) == 3 {
			xy, err := floats(rest[1:])
			if err != nil {
				return protocol.ControlCommand{}, err
			}
			c.X, c.Y = xy[0], xy[1]
		}
		payload = c
	case protocol.CommandScroll:
		if len(rest) != 2 {
			return protocol.ControlCommand{}, errors.New("scroll takes <x> <y>")
		}
		xy, err := floats(rest)
		if err != nil {
			return protocol.ControlCommand{}, err
		}
		payload = protocol.ScrollCommand{ScrollX: xy[0], ScrollY: xy[1]}
	case protocol.CommandInput:
		if len(rest) != 2 {
			return protocol.ControlCommand{}, errors.New("input takes <selector> <value>")
		}
		payload = protocol.InputCommand{Selector: rest[0], Value: rest[1]}
	case protocol.CommandNavigation:
		if len(rest) != 1 {
			return protocol.ControlCommand{}, errors.New("navigate takes <url>")
		}
		payload = protocol.NavigationCommand{URL: rest[0]}
	default:
		return protocol.ControlCommand{}, fmt.Errorf("unknown command %q", args[0])
	}
	return protocol.NewControlCommand(typ, sessionID, payload, now)
}

func runAgentSend(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sessionID := args[0]
	command, err := parseCommand(sessionID, args[1:], agentButton, time.Now())
	if err != nil {
		return err
	}

	d, stop, err := startDashboard(ctx)
	if err != nil {
		return err
	}
	defer stop()

	joinCtx, joinCancel := context.WithTimeout(ctx, timeout)
	defer joinCancel()
	v, err := d.Join(joinCtx, sessionID)
	if err != nil {
		return err
	}
	if err := v.SendControl(joinCtx, command); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", command.Type, sessionID)
	return d.Leave(joinCtx, sessionID)
}
