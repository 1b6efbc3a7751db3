package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cobrowse/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type inbox struct {
	mu       sync.Mutex
	msgs     []transport.Message
	presence []transport.PresenceEvent
	statuses []transport.Status
}

func (in *inbox) onMessage(m transport.Message) {
	in.mu.Lock()
	in.msgs = append(in.msgs, m)
	in.mu.Unlock()
}

func (in *inbox) onPresence(ev transport.PresenceEvent) {
	in.mu.Lock()
	in.presence = append(in.presence, ev)
	in.mu.Unlock()
}

func (in *inbox) onStatus(s transport.Status, _ error) {
	in.mu.Lock()
	in.statuses = append(in.statuses, s)
	in.mu.Unlock()
}

func (in *inbox) messages() []transport.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]transport.Message(nil), in.msgs...)
}

func (in *inbox) presenceKinds() []transport.PresenceKind {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]transport.PresenceKind, 0, len(in.presence))
	for _, p := range in.presence {
		out = append(out, p.Kind)
	}
	return out
}

func (in *inbox) statusList() []transport.Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]transport.Status(nil), in.statuses...)
}

func join(t *testing.T, tr *Transport, name string, event string) (transport.Channel, *inbox) {
	t.Helper()
	in := &inbox{}
	ch := tr.Channel(name)
	ch.OnBroadcast(event, in.onMessage)
	ch.OnPresence(in.onPresence)
	require.NoError(t, ch.Subscribe(context.Background(), in.onStatus))
	return ch, in
}

func TestBroadcastSkipsSenderAndKeepsOrder(t *testing.T) {
	hub := NewHub()
	a, b := hub.Connect("a"), hub.Connect("b")
	defer a.Close()
	defer b.Close()

	chA, inA := join(t, a, "session:s1", transport.AnyEvent)
	_, inB := join(t, b, "session:s1", "visitor-action")

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, chA.Send(ctx, "visitor-action", map[string]int{"n": i}))
	}
	require.NoError(t, chA.Send(ctx, "other", map[string]int{"n": 99}))

	require.Eventually(t, func() bool { return len(inB.messages()) == 5 }, time.Second, 5*time.Millisecond)
	for i, m := range inB.messages() {
		var p map[string]int
		require.NoError(t, json.Unmarshal(m.Payload, &p))
		assert.Equal(t, i+1, p["n"])
		assert.Equal(t, "session:s1", m.Topic)
	}
	assert.Empty(t, inA.messages(), "sender does not receive its own broadcast")
	assert.Equal(t, []transport.Status{transport.StatusConnecting, transport.StatusSubscribed}, inA.statusList())
}

func TestNoRetentionForLateSubscribers(t *testing.T) {
	hub := NewHub()
	a, b := hub.Connect("a"), hub.Connect("b")
	defer a.Close()
	defer b.Close()

	chA, _ := join(t, a, "room", transport.AnyEvent)
	require.NoError(t, chA.Send(context.Background(), "early", "x"))

	_, inB := join(t, b, "room", transport.AnyEvent)
	require.NoError(t, chA.Send(context.Background(), "late", "y"))

	require.Eventually(t, func() bool { return len(inB.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "late", inB.messages()[0].Event)
}

func TestSendRequiresSubscription(t *testing.T) {
	hub := NewHub()
	tr := hub.Connect("a")
	defer tr.Close()
	ch := tr.Channel("room")
	assert.ErrorIs(t, ch.Send(context.Background(), "e", "x"), transport.ErrNotSubscribed)
	assert.ErrorIs(t, ch.Track(context.Background(), "x"), transport.ErrNotSubscribed)
}

func TestPresenceJoinLeaveSync(t *testing.T) {
	hub := NewHub()
	agent, visitor := hub.Connect("agent_1"), hub.Connect("visitor_1")
	defer agent.Close()
	defer visitor.Close()

	chV, inV := join(t, visitor, "session:s1", transport.AnyEvent)
	require.NoError(t, chV.Track(context.Background(), map[string]string{"visitor_id": "visitor_1"}))

	chA, inA := join(t, agent, "session:s1", transport.AnyEvent)
	require.NoError(t, chA.Track(context.Background(), map[string]string{"agent_id": "agent_1", "type": "agent"}))
	require.NoError(t, chA.Untrack(context.Background()))

	require.Eventually(t, func() bool { return len(inV.presenceKinds()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []transport.PresenceKind{
		transport.PresenceSync, transport.PresenceJoin, transport.PresenceJoin, transport.PresenceLeave,
	}, inV.presenceKinds())

	require.Eventually(t, func() bool { return len(inA.presenceKinds()) == 3 }, time.Second, 5*time.Millisecond)
	inA.mu.Lock()
	initial := inA.presence[0]
	inA.mu.Unlock()
	require.Len(t, initial.States, 1, "late joiner syncs existing presence")
	assert.JSONEq(t, `{"visitor_id":"visitor_1"}`, string(initial.States[0]))
}

func TestFailSendsAndPartition(t *testing.T) {
	hub := NewHub()
	tr := hub.Connect("a")
	defer tr.Close()

	ch, _ := join(t, tr, "session:s1", transport.AnyEvent)
	down := errors.New("down")
	hub.FailSends("session:s1", down)
	assert.ErrorIs(t, ch.Send(context.Background(), "e", "x"), down)
	hub.FailSends("session:s1", nil)
	assert.NoError(t, ch.Send(context.Background(), "e", "x"))

	hub.Partition("session:s2", true)
	in := &inbox{}
	err := tr.Channel("session:s2").Subscribe(context.Background(), in.onStatus)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, []transport.Status{transport.StatusConnecting, transport.StatusTimedOut}, in.statusList())
}

func TestUnsubscribeAndDrop(t *testing.T) {
	hub := NewHub()
	a, b := hub.Connect("a"), hub.Connect("b")
	defer a.Close()
	defer b.Close()

	chA, inA := join(t, a, "room", transport.AnyEvent)
	_, inB := join(t, b, "room", transport.AnyEvent)
	assert.Equal(t, 2, hub.Subscribers("room"))

	require.NoError(t, chA.Unsubscribe(context.Background()))
	require.NoError(t, chA.Unsubscribe(context.Background()))
	assert.Equal(t, 1, hub.Subscribers("room"))
	assert.Equal(t, transport.StatusClosed, inA.statusList()[len(inA.statusList())-1])
	assert.ErrorIs(t, chA.Subscribe(context.Background(), nil), transport.ErrClosed)

	hub.Drop("room")
	assert.Zero(t, hub.Subscribers("room"))
	assert.Equal(t, transport.StatusClosed, inB.statusList()[len(inB.statusList())-1])
}
