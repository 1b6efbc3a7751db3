package control

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cobrowse/internal/clock"
	"cobrowse/internal/dom"
	"cobrowse/internal/protocol"
)

const page = `<html><body>
<button id="buy" style="color: red">Buy</button>
<form><input id="email" name="email"><textarea id="note"></textarea></form>
<div class="promo">Sale</div>
</body></html>`

func newPage(t *testing.T) *dom.Document {
	t.Helper()
	d, err := dom.NewDocument(page, "https://shop.test/cart")
	require.NoError(t, err)
	return d
}

func command(t *testing.T, typ protocol.CommandType, session string, payload any) protocol.ControlCommand {
	t.Helper()
	cmd, err := protocol.NewControlCommand(typ, session, payload, time.UnixMilli(1))
	require.NoError(t, err)
	return cmd
}

func recordEvents(d *dom.Document) func() []dom.RawEvent {
	var (
		mu  sync.Mutex
		got []dom.RawEvent
	)
	d.Observe(func(ev dom.RawEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	return func() []dom.RawEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]dom.RawEvent(nil), got...)
	}
}

func clicks(events []dom.RawEvent) []dom.RawEvent {
	var out []dom.RawEvent
	for _, ev := range events {
		if ev.Kind == dom.RawClick {
			out = append(out, ev)
		}
	}
	return out
}

func TestClickHighlightsAndRestores(t *testing.T) {
	d := newPage(t)
	events := recordEvents(d)
	clk := clock.Fake(time.Unix(0, 0))
	ex := NewExecutor(d, "s1", Config{Enabled: true, Clock: clk})

	require.NoError(t, ex.Apply(command(t, protocol.CommandClick, "s1", protocol.ClickCommand{Selector: "#buy", X: 10, Y: 20})))

	btn, ok := d.QuerySelector("#buy")
	require.True(t, ok)
	assert.Equal(t, HighlightStyle, btn.Style("outline"))
	assert.Equal(t, "red", btn.Style("color"))

	got := clicks(events())
	require.Len(t, got, 1)
	assert.Equal(t, 10.0, got[0].X)
	assert.Equal(t, "buy", got[0].Target.ID())

	// a second click while outlined must not capture the highlight as the original
	require.NoError(t, ex.Apply(command(t, protocol.CommandClick, "s1", protocol.ClickCommand{Selector: "#buy"})))

	clk.Advance(DefaultHighlightDuration)
	assert.Equal(t, "", btn.Style("outline"))
	assert.Equal(t, "red", btn.Style("color"))
}

func TestClickByCoordinates(t *testing.T) {
	d := newPage(t)
	promo, ok := d.QuerySelector(".promo")
	require.True(t, ok)
	require.NoError(t, d.SetRect(promo, dom.Rect{X: 0, Y: 100, Width: 200, Height: 50}))
	events := recordEvents(d)

	ex := NewExecutor(d, "s1", Config{Enabled: true, Clock: clock.Fake(time.Unix(0, 0))})
	require.NoError(t, ex.Apply(command(t, protocol.CommandClick, "s1", protocol.ClickCommand{X: 20, Y: 120})))

	got := clicks(events())
	require.Len(t, got, 1)
	assert.Equal(t, "promo", got[0].Target.ClassName())

	err := ex.Apply(command(t, protocol.CommandClick, "s1", protocol.ClickCommand{X: 900, Y: 900}))
	assert.ErrorIs(t, err, ErrSelectorMiss)
}

func TestScrollInputMouseMoveNavigate(t *testing.T) {
	d := newPage(t)
	events := recordEvents(d)
	ex := NewExecutor(d, "s1", Config{Enabled: true})

	require.NoError(t, ex.Apply(command(t, protocol.CommandScroll, "s1", protocol.ScrollCommand{ScrollX: 0, ScrollY: 640})))
	assert.Equal(t, 640.0, d.Viewport().ScrollY)

	require.NoError(t, ex.Apply(command(t, protocol.CommandInput, "s1", protocol.InputCommand{Selector: "#email", Value: "a@b.test"})))
	email, _ := d.QuerySelector("#email")
	assert.Equal(t, "a@b.test", email.Attributes()["value"])

	require.NoError(t, ex.Apply(command(t, protocol.CommandInput, "s1", protocol.InputCommand{Selector: "#note", Value: "hello"})))
	note, _ := d.QuerySelector("#note")
	assert.Equal(t, "hello", note.TextContent())

	require.NoError(t, ex.Apply(command(t, protocol.CommandMouseMove, "s1", protocol.MouseMoveCommand{X: 3, Y: 4})))
	x, y, ok := d.Cursor()
	assert.True(t, ok)
	assert.Equal(t, [2]float64{3, 4}, [2]float64{x, y})

	require.NoError(t, ex.Apply(command(t, protocol.CommandNavigation, "s1", protocol.NavigationCommand{URL: "https://shop.test/checkout"})))
	assert.Equal(t, "https://shop.test/checkout", d.URL())
	assert.Equal(t, []string{"https://shop.test/cart"}, d.History())

	var kinds []dom.RawEventKind
	for _, ev := range events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []dom.RawEventKind{dom.RawScroll, dom.RawInput, dom.RawInput}, kinds,
		"input dispatches a synthetic event; mouse-move and navigation do not touch page state")

	applied, skipped := ex.Counts()
	assert.Equal(t, 5, applied)
	assert.Equal(t, 0, skipped)
}

func TestFailuresAreNonFatal(t *testing.T) {
	d := newPage(t)
	ex := NewExecutor(d, "s1", Config{Enabled: true})

	tests := []struct {
		name string
		cmd  protocol.ControlCommand
		want error
	}{
		{"missing selector", command(t, protocol.CommandClick, "s1", protocol.ClickCommand{Selector: "#nope"}), ErrSelectorMiss},
		{"input on non-editable", command(t, protocol.CommandInput, "s1", protocol.InputCommand{Selector: ".promo", Value: "x"}), ErrSelectorMiss},
		{"unknown type", protocol.ControlCommand{Type: "test-click", SessionID: "s1", Data: json.RawMessage(`{}`)}, ErrUnknownCommand},
		{"other session", command(t, protocol.CommandScroll, "s2", protocol.ScrollCommand{ScrollY: 10}), ErrSessionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ex.Apply(tt.cmd), tt.want)
		})
	}

	assert.Equal(t, 0.0, d.Viewport().ScrollY)
	_, skipped := ex.Counts()
	assert.Equal(t, len(tests), skipped)
}

func TestMalformedPayload(t *testing.T) {
	ex := NewExecutor(newPage(t), "s1", Config{Enabled: true})
	err := ex.Apply(protocol.ControlCommand{Type: protocol.CommandScroll, SessionID: "s1", Data: json.RawMessage(`"nope"`)})
	assert.Error(t, err)
}

func TestDisabledAndSingleSession(t *testing.T) {
	d := newPage(t)
	ex := NewExecutor(d, "s1", Config{})
	assert.ErrorIs(t, ex.Apply(command(t, protocol.CommandScroll, "s1", protocol.ScrollCommand{ScrollY: 5})), ErrControlDisabled)

	ex.SetEnabled(true)
	require.NoError(t, ex.Apply(command(t, protocol.CommandScroll, "s1", protocol.ScrollCommand{ScrollY: 5})))

	demo := NewExecutor(d, "s1", Config{Enabled: true, SingleSession: true})
	require.NoError(t, demo.Apply(command(t, protocol.CommandScroll, "whatever", protocol.ScrollCommand{ScrollY: 50})))
	assert.Equal(t, 50.0, d.Viewport().ScrollY)
}

type sent struct {
	event string
	cmd   protocol.ControlCommand
}

type fakeSender struct {
	mu  sync.Mutex
	out []sent
}

func (f *fakeSender) Send(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{event: event, cmd: payload.(protocol.ControlCommand)})
	return nil
}

func TestRemoteBuildsCommands(t *testing.T) {
	s := &fakeSender{}
	clk := clock.Fake(time.UnixMilli(5000))
	r := NewRemote(s, "s1", 0, clk)
	ctx := context.Background()

	require.NoError(t, r.Click(ctx, "#buy", 1, 2, 0))
	require.NoError(t, r.Scroll(ctx, 0, 300))
	require.NoError(t, r.Input(ctx, "#email", "x"))
	require.NoError(t, r.Navigate(ctx, "https://shop.test/"))
	require.NoError(t, r.SendCommand(ctx, protocol.ControlCommand{Type: "test-click", SessionID: "other"}))

	require.Len(t, s.out, 5)
	for _, o := range s.out {
		assert.Equal(t, protocol.EventAgentControl, o.event)
		assert.Equal(t, "s1", o.cmd.SessionID)
		assert.Equal(t, int64(5000), o.cmd.Timestamp)
	}
	var click protocol.ClickCommand
	require.NoError(t, s.out[0].cmd.DecodeData(&click))
	assert.Equal(t, protocol.ClickCommand{Selector: "#buy", X: 1, Y: 2}, click)
}

func TestRemoteThrottlesMouseMove(t *testing.T) {
	s := &fakeSender{}
	clk := clock.Fake(time.Unix(0, 0))
	r := NewRemote(s, "s1", 0, clk)
	ctx := context.Background()

	ok, err := r.MouseMove(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	clk.Advance(20 * time.Millisecond)
	ok, _ = r.MouseMove(ctx, 2, 2)
	assert.False(t, ok)

	clk.Advance(30 * time.Millisecond)
	ok, _ = r.MouseMove(ctx, 3, 3)
	assert.True(t, ok)

	assert.Len(t, s.out, 2)
}

func TestRemoteToExecutor(t *testing.T) {
	d := newPage(t)
	ex := NewExecutor(d, "s1", Config{Enabled: true})
	r := NewRemote(senderFunc(func(_ context.Context, _ string, payload any) error {
		return ex.Apply(payload.(protocol.ControlCommand))
	}), "s1", -1, nil)

	require.NoError(t, r.Input(context.Background(), "#email", "agent@help.test"))
	email, _ := d.QuerySelector("#email")
	assert.Equal(t, "agent@help.test", email.Attributes()["value"])
}

type senderFunc func(ctx context.Context, event string, payload any) error

func (f senderFunc) Send(ctx context.Context, event string, payload any) error {
	return f(ctx, event, payload)
}
