package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cobrowse/internal/channel"
	"cobrowse/internal/dom"
	"cobrowse/internal/protocol"
	"cobrowse/internal/session"
	"cobrowse/internal/transport"
	"cobrowse/internal/transport/memory"
	"cobrowse/internal/visitor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const wait = time.Second
const tick = 5 * time.Millisecond

func startDashboard(t *testing.T, hub *memory.Hub) *Dashboard {
	t.Helper()
	tr := hub.Connect("agent")
	t.Cleanup(func() { _ = tr.Close() })
	d := NewDashboard(tr, Config{AgentID: "agent_1"})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

// rawVisitor publishes hand-built messages for a session.
func rawVisitor(t *testing.T, hub *memory.Hub, sessionID string) *channel.Manager {
	t.Helper()
	tr := hub.Connect("visitor-" + sessionID)
	t.Cleanup(func() { _ = tr.Close() })
	m := channel.NewManager(tr, sessionID, channel.Options{})
	require.NoError(t, m.Connect(context.Background()))
	return m
}

func sandboxText(v *Viewer) string {
	return v.Target().(*dom.Document).TextContent()
}

func TestEndToEndScenario(t *testing.T) {
	hub := memory.NewHub()
	d := startDashboard(t, hub)
	ctx := context.Background()

	v, err := d.Join(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StateConnecting, v.State())

	var (
		mu          sync.Mutex
		transitions []session.State
	)
	v.Machine().OnChange(func(_, to session.State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	vis := rawVisitor(t, hub, "s1")
	require.NoError(t, vis.Send(ctx, protocol.EventSessionStarted, protocol.SessionStarted{SessionID: "s1", VisitorID: "v1", Timestamp: 1}))
	require.Eventually(t, func() bool { return v.State() == session.StateActive }, wait, tick)
	require.Eventually(t, func() bool { return len(d.Sessions(session.FilterActive)) == 1 }, wait, tick)

	require.NoError(t, vis.Send(ctx, protocol.EventSnapshot, protocol.DOMSnapshot{SessionID: "s1", Timestamp: 2, HTML: "<div>x</div>"}))
	require.Eventually(t, func() bool { return sandboxText(v) == "x" }, wait, tick)
	snap, ok := v.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "<div>x</div>", snap.HTML)
	assert.Equal(t, "<div>x</div>", v.Target().(*dom.Document).BodyHTML())

	require.NoError(t, vis.Broadcast(ctx, protocol.EventSessionEnded, protocol.SessionEnded{SessionID: "s1", VisitorID: "v1", Timestamp: 3}))
	require.Eventually(t, func() bool { return v.State() == session.StateEnded }, wait, tick)
	require.Eventually(t, func() bool { return len(d.Sessions(session.FilterAll)) == 0 }, wait, tick)
	require.Eventually(t, func() bool { _, ok := d.Viewer("s1"); return !ok }, wait, tick)
	mu.Lock()
	assert.Equal(t, []session.State{session.StateActive, session.StateEnded}, transitions)
	mu.Unlock()

	require.NoError(t, vis.Close(ctx))
}

func TestViewerIgnoresOtherSessions(t *testing.T) {
	hub := memory.NewHub()
	d := startDashboard(t, hub)
	ctx := context.Background()

	v, err := d.Join(ctx, "B")
	require.NoError(t, err)
	a := rawVisitor(t, hub, "A")
	b := rawVisitor(t, hub, "B")

	click := func(seq uint64) protocol.VisitorEvent {
		ev, err := protocol.NewVisitorEvent(protocol.EventClick, "#buy", protocol.ClickData{X: 1, Y: 2}, time.UnixMilli(1))
		require.NoError(t, err)
		ev.Sequence = seq
		return ev
	}
	// A's actions reach B's viewer over the shared dashboard channel
	require.NoError(t, a.SendEvent(ctx, "va", click(1)))
	require.NoError(t, a.Send(ctx, protocol.EventSnapshot, protocol.DOMSnapshot{SessionID: "A", HTML: "<p>a</p>"}))
	require.NoError(t, b.SendEvent(ctx, "vb", click(1)))

	require.Eventually(t, func() bool { return v.Log().Len() == 1 }, wait, tick)
	time.Sleep(20 * time.Millisecond)
	entries := v.Log().Entries(FilterAll)
	require.Len(t, entries, 1)
	assert.Equal(t, "B", entries[0].SessionID)
	assert.Equal(t, "vb", entries[0].VisitorID)
	_, rendered := v.Snapshot()
	assert.False(t, rendered)

	require.NoError(t, a.Close(ctx))
	require.NoError(t, b.Close(ctx))
}

func TestJoinAnnouncesAndLeaveIsLocal(t *testing.T) {
	hub := memory.NewHub()
	d := startDashboard(t, hub)
	ctx := context.Background()

	vis := rawVisitor(t, hub, "s1")
	updates := make(chan protocol.Session, 4)
	vis.Subscribe(protocol.EventSessionUpdate, func(msg transport.Message) {
		var s protocol.Session
		if channel.DecodeInto(msg, &s) {
			updates <- s
		}
	})
	requests := make(chan protocol.SnapshotRequest, 4)
	vis.Subscribe(protocol.EventRequestSnapshot, func(msg transport.Message) {
		var r protocol.SnapshotRequest
		if channel.DecodeInto(msg, &r) {
			requests <- r
		}
	})
	ended := make(chan struct{}, 4)
	vis.Subscribe(protocol.EventSessionEnded, func(transport.Message) { ended <- struct{}{} })

	require.NoError(t, vis.Send(ctx, protocol.EventSessionStarted, protocol.SessionStarted{SessionID: "s1", VisitorID: "v1", URL: "https://shop.test", Timestamp: 1000}))
	require.Eventually(t, func() bool { return d.Counts().Active == 1 }, wait, tick)

	v, err := d.Join(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, v.State(), "a listed session is already started")
	again, err := d.Join(ctx, "s1")
	require.NoError(t, err)
	assert.Same(t, v, again)

	select {
	case s := <-updates:
		assert.Equal(t, "agent_1", s.AgentID)
		assert.Equal(t, "v1", s.VisitorID)
		assert.Equal(t, "https://shop.test", s.CurrentURL)
	case <-time.After(wait):
		t.Fatal("no session-update")
	}
	select {
	case r := <-requests:
		assert.Equal(t, "s1", r.SessionID)
	case <-time.After(wait):
		t.Fatal("no snapshot request")
	}
	got, _ := d.Session("s1")
	assert.Equal(t, "agent_1", got.AgentID)

	require.NoError(t, d.Leave(ctx, "s1"))
	assert.Empty(t, d.Sessions(session.FilterAll))
	assert.ErrorIs(t, d.Leave(ctx, "s1"), ErrUnknownSession)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ended, "leaving does not end the visitor's session")

	require.NoError(t, vis.Close(ctx))
}

func TestWidgetRoundTrip(t *testing.T) {
	hub := memory.NewHub()
	d := startDashboard(t, hub)
	ctx := context.Background()

	page, err := dom.NewDocument(`<html><head><style>h1{color:red}</style></head><body><h1>Checkout</h1><input id="email" name="email"><input id="password" name="password"></body></html>`, "https://shop.test/checkout")
	require.NoError(t, err)
	vtr := hub.Connect("visitor")
	defer vtr.Close()
	w := visitor.New(page, vtr, visitor.Config{SessionID: "s1", VisitorID: "v1", EnableControl: true})
	require.NoError(t, w.Start(ctx))

	require.Eventually(t, func() bool { return d.Counts().Total == 1 }, wait, tick)
	v, err := d.Join(ctx, "s1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sandboxText(v) == "Checkout" }, wait, tick)

	require.NoError(t, v.Remote().Input(ctx, "#email", "help@shop.test"))
	require.Eventually(t, func() bool {
		el, ok := page.QuerySelector("#email")
		return ok && el.Attributes()["value"] == "help@shop.test"
	}, wait, tick)

	// the executor's own input is captured and streamed back
	require.Eventually(t, func() bool { return len(v.Log().Entries(string(protocol.EventInput))) == 1 }, wait, tick)
	assert.Equal(t, `Filled "help@shop.test" in #email`, v.Log().Entries(string(protocol.EventInput))[0].Describe())

	require.NoError(t, d.End(ctx, "s1"))
	select {
	case <-w.Done():
	case <-time.After(wait):
		t.Fatal("visitor did not end")
	}
	assert.Equal(t, session.StateEnded, v.State())
	assert.Empty(t, d.Sessions(session.FilterAll))
	assert.Error(t, v.SendControl(ctx, protocol.ControlCommand{Type: protocol.CommandScroll}))
}

func TestJoinRequiresStart(t *testing.T) {
	hub := memory.NewHub()
	tr := hub.Connect("agent")
	defer tr.Close()
	d := NewDashboard(tr, Config{})
	assert.NotEmpty(t, d.AgentID())
	_, err := d.Join(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, d.End(context.Background(), "s1"), ErrUnknownSession)
}

func TestSessionUpdateReachesDashboardWithSingleDelivery(t *testing.T) {
	hub := memory.NewHub()
	other := startDashboard(t, hub)
	ctx := context.Background()

	tr := hub.Connect("agent-2")
	t.Cleanup(func() { _ = tr.Close() })
	d := NewDashboard(tr, Config{
		AgentID: "agent_2",
		Channel: channel.Options{Delivery: channel.Single{Route: channel.RouteSession}},
	})
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	_, err := d.Join(ctx, "s1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := other.Session("s1")
		return ok && s.AgentID == "agent_2"
	}, wait, tick)
}
