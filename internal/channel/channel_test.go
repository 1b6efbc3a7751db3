package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cobrowse/internal/protocol"
	"cobrowse/internal/transport"
	"cobrowse/internal/transport/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type received struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (r *received) add(m transport.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func pair(t *testing.T, hub *memory.Hub, sessionID string) (*Manager, *Manager) {
	t.Helper()
	a := hub.Connect("visitor")
	b := hub.Connect("agent")
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return NewManager(a, sessionID, Options{}), NewManager(b, sessionID, Options{})
}

func TestDualRouteDeliveryIsDeduped(t *testing.T) {
	hub := memory.NewHub()
	visitor, agent := pair(t, hub, "s1")
	got := &received{}
	agent.Subscribe(protocol.EventSnapshot, got.add)

	ctx := context.Background()
	require.NoError(t, visitor.Connect(ctx))
	require.NoError(t, agent.Connect(ctx))
	assert.Equal(t, 2, hub.Subscribers("session:s1"))
	assert.Equal(t, 2, hub.Subscribers(protocol.DefaultDashboardChannel))

	require.NoError(t, visitor.Send(ctx, protocol.EventSnapshot, protocol.DOMSnapshot{SessionID: "s1", Timestamp: 1, HTML: "<p>a</p>"}))
	require.NoError(t, visitor.Send(ctx, protocol.EventSnapshot, protocol.DOMSnapshot{SessionID: "s1", Timestamp: 2, HTML: "<p>b</p>"}))

	require.Eventually(t, func() bool { return got.len() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, got.len(), "copies from the second route are dropped")
	assert.Equal(t, transport.StatusSubscribed, visitor.Status())

	require.NoError(t, visitor.Close(ctx))
	require.NoError(t, agent.Close(ctx))
}

func TestFallsBackToDashboardWhenSessionChannelFails(t *testing.T) {
	hub := memory.NewHub()
	hub.Partition("session:s1", true)
	visitor, agent := pair(t, hub, "s1")
	got := &received{}
	agent.Subscribe(protocol.EventVisitorAction, got.add)

	ctx := context.Background()
	require.NoError(t, visitor.Connect(ctx))
	require.NoError(t, agent.Connect(ctx))
	assert.Equal(t, transport.StatusTimedOut, visitor.RouteStatus(RouteSession))
	assert.Equal(t, transport.StatusSubscribed, visitor.RouteStatus(RouteDashboard))
	assert.True(t, visitor.Connected())

	require.NoError(t, visitor.SendEvent(ctx, "v1", protocol.VisitorEvent{Type: protocol.EventClick, Sequence: 1}))
	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)
	got.mu.Lock()
	assert.Equal(t, "s1", protocol.PeekSessionID(got.msgs[0].Payload))
	assert.Equal(t, protocol.DefaultDashboardChannel, got.msgs[0].Topic)
	got.mu.Unlock()
}

func TestAllRoutesFailing(t *testing.T) {
	hub := memory.NewHub()
	hub.Partition("session:s1", true)
	hub.Partition(protocol.DefaultDashboardChannel, true)
	visitor, _ := pair(t, hub, "s1")

	err := visitor.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAllRoutesFailed)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, transport.StatusTimedOut, visitor.Status())
	assert.ErrorIs(t, visitor.Send(context.Background(), "e", "x"), ErrNotConnected)
	assert.ErrorIs(t, visitor.Track(context.Background(), "x"), ErrNotConnected)
}

func TestDeliveryStrategies(t *testing.T) {
	hub := memory.NewHub()
	down := errors.New("session channel down")
	hub.FailSends("session:s1", down)
	a := hub.Connect("a")
	defer a.Close()
	ctx := context.Background()

	fan := NewManager(a, "s1", Options{})
	require.NoError(t, fan.Connect(ctx))
	assert.NoError(t, fan.Send(ctx, "e", "x"), "fan-out succeeds on the dashboard route")

	single := NewManager(a, "s1", Options{Delivery: Single{Route: RouteSession}})
	require.NoError(t, single.Connect(ctx))
	err := single.Send(ctx, "e", "x")
	assert.ErrorIs(t, err, ErrAllRoutesFailed)
	assert.ErrorIs(t, err, down)

	hub.FailSends(protocol.DefaultDashboardChannel, down)
	assert.ErrorIs(t, fan.Send(ctx, "e", "x"), ErrAllRoutesFailed)

	for _, name := range []string{"", "fanout", "single", "dashboard"} {
		_, err := DeliveryByName(name)
		assert.NoError(t, err)
	}
	_, err = DeliveryByName("carrier-pigeon")
	assert.Error(t, err)
}

func TestDashboardOnlyManager(t *testing.T) {
	hub := memory.NewHub()
	tr := hub.Connect("agent")
	defer tr.Close()

	m := NewManager(tr, "", Options{DashboardChannel: "custom-dash"})
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, hub.Subscribers("custom-dash"))
	assert.Equal(t, transport.Status(""), m.RouteStatus(RouteSession))
	require.NoError(t, m.Close(context.Background()))
	assert.Zero(t, hub.Subscribers("custom-dash"))
}

func TestStatusListeners(t *testing.T) {
	hub := memory.NewHub()
	tr := hub.Connect("v")
	defer tr.Close()

	m := NewManager(tr, "s1", Options{})
	var mu sync.Mutex
	var seen []transport.Status
	m.OnStatus(func(s transport.Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	require.NoError(t, m.Connect(context.Background()))
	hub.Drop("session:s1")
	assert.True(t, m.Connected(), "dashboard route still up")
	require.NoError(t, m.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, transport.StatusSubscribed)
	assert.Equal(t, transport.StatusClosed, seen[len(seen)-1])
}

func TestStatusListenersRunOutsideLock(t *testing.T) {
	hub := memory.NewHub()
	tr := hub.Connect("v")
	defer tr.Close()

	m := NewManager(tr, "s1", Options{})
	var mu sync.Mutex
	var first, second []transport.Status
	m.OnStatus(func(transport.Status) {
		mu.Lock()
		first = append(first, m.Status())
		mu.Unlock()
	})
	m.OnStatus(func(s transport.Status) {
		mu.Lock()
		second = append(second, s)
		mu.Unlock()
	})
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, first)
	assert.Len(t, second, len(first))
	assert.Contains(t, second, transport.StatusSubscribed)
}

func TestPresenceAcrossManagers(t *testing.T) {
	hub := memory.NewHub()
	visitor, agent := pair(t, hub, "s1")
	var mu sync.Mutex
	joins := 0
	visitor.OnPresence(func(ev transport.PresenceEvent) {
		if ev.Kind == transport.PresenceJoin {
			mu.Lock()
			joins++
			mu.Unlock()
		}
	})
	ctx := context.Background()
	require.NoError(t, visitor.Connect(ctx))
	require.NoError(t, agent.Connect(ctx))
	require.NoError(t, agent.Track(ctx, protocol.PresenceState{Type: "agent", AgentID: "agent_1", SessionID: "s1"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return joins == 1
	}, time.Second, 5*time.Millisecond, "presence lives on the session channel")
	require.NoError(t, agent.Untrack(ctx))
}

func TestPresenceIsScopedPerSession(t *testing.T) {
	hub := memory.NewHub()
	tr := hub.Connect("agent")
	defer tr.Close()
	first := NewManager(tr, "s1", Options{})
	second := NewManager(tr, "s2", Options{})
	watcherTr := hub.Connect("visitor")
	defer watcherTr.Close()
	watcher := NewManager(watcherTr, "s2", Options{})

	var mu sync.Mutex
	var kinds []transport.PresenceKind
	watcher.OnPresence(func(ev transport.PresenceEvent) {
		if ev.Kind == transport.PresenceSync {
			return
		}
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	ctx := context.Background()
	for _, m := range []*Manager{first, second, watcher} {
		require.NoError(t, m.Connect(ctx))
	}
	require.NoError(t, first.Track(ctx, protocol.PresenceState{Type: "agent", AgentID: "agent_1", SessionID: "s1"}))
	require.NoError(t, second.Track(ctx, protocol.PresenceState{Type: "agent", AgentID: "agent_1", SessionID: "s2"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, first.Untrack(ctx))
	require.NoError(t, first.Close(ctx))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []transport.PresenceKind{transport.PresenceJoin}, kinds, "leaving s1 keeps the agent on s2")
	mu.Unlock()

	require.NoError(t, second.Close(ctx))
	require.NoError(t, watcher.Close(ctx))
}

func TestDeduperWindow(t *testing.T) {
	d := NewDeduper(2)
	assert.False(t, d.Seen("e", []byte("a")))
	assert.True(t, d.Seen("e", []byte("a")))
	assert.False(t, d.Seen("other", []byte("a")), "event name is part of the key")
	assert.False(t, d.Seen("e", []byte("b")))
	assert.False(t, d.Seen("e", []byte("a")), "evicted once the window is full")
}

func TestBroadcastIgnoresDeliveryStrategy(t *testing.T) {
	hub := memory.NewHub()
	a := hub.Connect("visitor")
	b := hub.Connect("agent")
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	visitor := NewManager(a, "s1", Options{Delivery: Single{Route: RouteSession}})
	require.NoError(t, visitor.Connect(ctx))
	dashboard := NewManager(b, "", Options{})
	got := &received{}
	dashboard.Subscribe(protocol.EventSessionEnded, got.add)
	require.NoError(t, dashboard.Connect(ctx))

	require.NoError(t, visitor.Send(ctx, protocol.EventSessionEnded, protocol.SessionEnded{SessionID: "s1", Timestamp: 1}))
	require.NoError(t, visitor.Broadcast(ctx, protocol.EventSessionEnded, protocol.SessionEnded{SessionID: "s1", Timestamp: 2}))

	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, got.len(), "only the broadcast reaches the dashboard channel")
}

func TestEverySubscriberSeesEachMessage(t *testing.T) {
	hub := memory.NewHub()
	visitor, agent := pair(t, hub, "s1")
	first, second := &received{}, &received{}
	agent.Subscribe(protocol.EventSnapshot, first.add)
	agent.Subscribe(protocol.EventSnapshot, second.add)

	ctx := context.Background()
	require.NoError(t, visitor.Connect(ctx))
	require.NoError(t, agent.Connect(ctx))
	require.NoError(t, visitor.Send(ctx, protocol.EventSnapshot, protocol.DOMSnapshot{SessionID: "s1", Timestamp: 1}))

	require.Eventually(t, func() bool { return first.len() == 1 && second.len() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, visitor.Close(ctx))
	require.NoError(t, agent.Close(ctx))
}
