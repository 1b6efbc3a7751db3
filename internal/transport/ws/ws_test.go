package ws

import (
	"context"
	"net/http/httptest"
	"strings"
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

func startRelay(t *testing.T, apiKey string) (*Relay, string) {
	t.Helper()
	relay := NewRelay(apiKey)
	srv := httptest.NewServer(relay)
	t.Cleanup(func() {
		relay.Close()
		srv.Close()
	})
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, id, codec string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Options{URL: url, APIKey: "secret", ClientID: id, Codec: codec})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type collector struct {
	mu       sync.Mutex
	msgs     []transport.Message
	presence []transport.PresenceEvent
	statuses []transport.Status
}

func (c *collector) message(m transport.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) presenceEvent(ev transport.PresenceEvent) {
	c.mu.Lock()
	c.presence = append(c.presence, ev)
	c.mu.Unlock()
}

func (c *collector) status(s transport.Status, _ error) {
	c.mu.Lock()
	c.statuses = append(c.statuses, s)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) lastStatus() transport.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.statuses) == 0 {
		return ""
	}
	return c.statuses[len(c.statuses)-1]
}

func subscribe(t *testing.T, c *Client, topic string) (transport.Channel, *collector) {
	t.Helper()
	col := &collector{}
	ch := c.Channel(topic)
	ch.OnBroadcast(transport.AnyEvent, col.message)
	ch.OnPresence(col.presenceEvent)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Subscribe(ctx, col.status))
	return ch, col
}

func TestBroadcastAcrossCodecs(t *testing.T) {
	relay, url := startRelay(t, "secret")
	visitor := dial(t, url, "visitor_1", "cbor")
	agent := dial(t, url, "agent_1", "json")

	chV, colV := subscribe(t, visitor, "session:s1")
	_, colA := subscribe(t, agent, "session:s1")
	assert.Equal(t, RelayStats{Peers: 2, Topics: 1}, relay.Stats())

	ctx := context.Background()
	require.NoError(t, chV.Send(ctx, "session-started", map[string]string{"session_id": "s1"}))
	require.NoError(t, chV.Send(ctx, "snapshot", map[string]string{"session_id": "s1", "html": "<div>x</div>"}))

	require.Eventually(t, func() bool { return colA.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	colA.mu.Lock()
	assert.Equal(t, "session-started", colA.msgs[0].Event)
	assert.JSONEq(t, `{"session_id":"s1","html":"<div>x</div>"}`, string(colA.msgs[1].Payload))
	colA.mu.Unlock()
	assert.Zero(t, colV.count(), "no echo to sender")
	assert.Equal(t, transport.StatusSubscribed, colV.lastStatus())
}

func TestPresenceOverRelay(t *testing.T) {
	_, url := startRelay(t, "secret")
	visitor := dial(t, url, "visitor_1", "json")
	agent := dial(t, url, "agent_1", "cbor")

	chV, colV := subscribe(t, visitor, "session:s1")
	require.NoError(t, chV.Track(context.Background(), map[string]string{"visitor_id": "visitor_1"}))

	chA, colA := subscribe(t, agent, "session:s1")
	require.NoError(t, chA.Track(context.Background(), map[string]string{"agent_id": "agent_1", "type": "agent"}))
	require.NoError(t, chA.Unsubscribe(context.Background()))

	require.Eventually(t, func() bool {
		colV.mu.Lock()
		defer colV.mu.Unlock()
		return len(colV.presence) == 4
	}, 2*time.Second, 10*time.Millisecond)

	colV.mu.Lock()
	kinds := []transport.PresenceKind{}
	for _, p := range colV.presence {
		kinds = append(kinds, p.Kind)
	}
	assert.Equal(t, "agent_1", colV.presence[3].Key)
	colV.mu.Unlock()
	assert.Equal(t, []transport.PresenceKind{transport.PresenceSync, transport.PresenceJoin, transport.PresenceJoin, transport.PresenceLeave}, kinds)

	colA.mu.Lock()
	require.NotEmpty(t, colA.presence)
	assert.Len(t, colA.presence[0].States, 1, "sync carries the visitor")
	colA.mu.Unlock()
	assert.Equal(t, transport.StatusClosed, colA.lastStatus())
}

func TestRejectsBadAPIKey(t *testing.T) {
	_, url := startRelay(t, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, Options{URL: url, APIKey: "wrong"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestSendBeforeSubscribe(t *testing.T) {
	_, url := startRelay(t, "secret")
	c := dial(t, url, "v", "json")
	assert.ErrorIs(t, c.Channel("room").Send(context.Background(), "e", "x"), transport.ErrNotSubscribed)
}

func TestRelayShutdownClosesChannels(t *testing.T) {
	relay, url := startRelay(t, "secret")
	c := dial(t, url, "v", "json")
	_, col := subscribe(t, c, "room")

	relay.Close()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice relay shutdown")
	}
	status := col.lastStatus()
	assert.Contains(t, []transport.Status{transport.StatusErrored, transport.StatusClosed}, status)
}

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"", "json", "cbor"} {
		_, err := CodecByName(name)
		assert.NoError(t, err)
	}
	_, err := CodecByName("xml")
	assert.Error(t, err)

	c, _ := CodecByName("cbor")
	data, err := c.Marshal(Frame{Type: FrameBroadcast, Topic: "t", Payload: []byte(`{"a":1}`)})
	require.NoError(t, err)
	var f Frame
	require.NoError(t, c.Unmarshal(data, &f))
	assert.Equal(t, FrameBroadcast, f.Type)
	assert.JSONEq(t, `{"a":1}`, string(f.Payload))
}
