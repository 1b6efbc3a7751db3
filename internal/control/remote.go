package control

import (
	"context"
	"sync"
	"time"

	"cobrowse/internal/clock"
	"cobrowse/internal/protocol"
)

// DefaultMouseMoveThrottle spaces out mouse-move commands.
const DefaultMouseMoveThrottle = 50 * time.Millisecond

// Sender publishes a wire event. channel.Manager implements it.
type Sender interface {
	Send(ctx context.Context, event string, payload any) error
}

// Remote issues control commands for one session from the agent side.
type Remote struct {
	sender    Sender
	sessionID string
	clock     clock.Clock
	throttle  time.Duration

	mu       sync.Mutex
	lastMove time.Time
}

// NewRemote returns a Remote that sends through sender. A zero throttle uses
// DefaultMouseMoveThrottle; a negative one disables throttling.
func NewRemote(sender Sender, sessionID string, throttle time.Duration, clk clock.Clock) *Remote {
	if throttle == 0 {
		throttle = DefaultMouseMoveThrottle
	}
	return &Remote{sender: sender, sessionID: sessionID, clock: clock.OrReal(clk), throttle: throttle}
}

func (r *Remote) Click(ctx context.Context, selector string, x, y float64, button int) error {
	return r.send(ctx, protocol.CommandClick, protocol.ClickCommand{Selector: selector, X: x, Y: y, Button: button})
}

func (r *Remote) Scroll(ctx context.Context, x, y float64) error {
	return r.send(ctx, protocol.CommandScroll, protocol.ScrollCommand{ScrollX: x, ScrollY: y})
}

func (r *Remote) Input(ctx context.Context, selector, value string) error {
	return r.send(ctx, protocol.CommandInput, protocol.InputCommand{Selector: selector, Value: value})
}

func (r *Remote) Navigate(ctx context.Context, url string) error {
	return r.send(ctx, protocol.CommandNavigation, protocol.NavigationCommand{URL: url})
}

// MouseMove sends the cursor position unless one was sent within the
// throttle interval. It reports whether a command went out.
func (r *Remote) MouseMove(ctx context.Context, x, y float64) (bool, error) {
	now := r.clock.Now()
	r.mu.Lock()
	if r.throttle > 0 && !r.lastMove.IsZero() && now.Sub(r.lastMove) < r.throttle {
		r.mu.Unlock()
		return false, nil
	}
	r.lastMove = now
	r.mu.Unlock()
	return true, r.send(ctx, protocol.CommandMouseMove, protocol.MouseMoveCommand{X: x, Y: y})
}

// SendCommand publishes a prebuilt command, stamping this session onto it.
func (r *Remote) SendCommand(ctx context.Context, cmd protocol.ControlCommand) error {
	cmd.SessionID = r.sessionID
	if cmd.Timestamp == 0 {
		cmd.Timestamp = r.clock.Now().UnixMilli()
	}
	return r.sender.Send(ctx, protocol.EventAgentControl, cmd)
}

func (r *Remote) send(ctx context.Context, typ protocol.CommandType, payload any) error {
	cmd, err := protocol.NewControlCommand(typ, r.sessionID, payload, r.clock.Now())
	if err != nil {
		return err
	}
	return r.sender.Send(ctx, protocol.EventAgentControl, cmd)
}
