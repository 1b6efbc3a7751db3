package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"cobrowse/internal/logging"
	"cobrowse/internal/transport"
)

const ioTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	URL      string
	APIKey   string
	Codec    string
	ClientID string
}

// Client is one websocket connection to a Relay.
type Client struct {
	opts  Options
	codec Codec

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.Mutex
	pending  map[string]chan Frame
	channels map[string][]*channel
	closed   bool
	refSeq   atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

var _ transport.Transport = (*Client)(nil)

// Dial connects to the relay at opts.URL.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	codec, err := CodecByName(opts.Codec)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("codec", codec.Name())
	if opts.ClientID != "" {
		q.Set("client_id", opts.ClientID)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if opts.APIKey != "" {
		header.Set("apikey", opts.APIKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: ioTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay websocket: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial relay websocket: %w", err)
	}

	c := &Client{
		opts:     opts,
		codec:    codec,
		conn:     conn,
		pending:  make(map[string]chan Frame),
		channels: make(map[string][]*channel),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	logging.Transport("connected to relay %s (codec=%s)", opts.URL, codec.Name())
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Channel(name string) transport.Channel {
	ch := &channel{client: c, name: name}
	c.mu.Lock()
	if c.closed {
		ch.state = stateClosed
	} else {
		c.channels[name] = append(c.channels[name], ch)
	}
	c.mu.Unlock()
	return ch
}

// Close closes the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(500*time.Millisecond))
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *Client) write(ctx context.Context, f Frame) error {
	data, err := c.codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(ioTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(c.codec.MessageType(), data); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// request writes f and waits for the relay's reply.
func (c *Client) request(ctx context.Context, f Frame) error {
	f.Ref = strconv.FormatUint(c.refSeq.Add(1), 10)
	reply := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.pending[f.Ref] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Ref)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, f); err != nil {
		return err
	}
	select {
	case r := <-reply:
		if r.Status != ReplyOK {
			return fmt.Errorf("relay rejected %s on %s: %s", f.Type, f.Topic, r.Error)
		}
		return nil
	case <-c.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.shutdown()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				logging.TransportError("relay read failed: %v", err)
				c.failChannels(err)
			}
			return
		}
		f, err := decodeAny(messageType, data)
		if err != nil {
			logging.TransportWarn("dropping undecodable frame: %v", err)
			continue
		}

		switch f.Type {
		case FrameReply:
			c.mu.Lock()
			ch := c.pending[f.Ref]
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		case FrameBroadcast:
			msg := transport.Message{Topic: f.Topic, Event: f.Event, Payload: f.Payload}
			for _, sub := range c.subscribers(f.Topic) {
				sub := sub
				sub.deliver(func() { sub.handlers.Dispatch(msg) })
			}
		case FramePresence:
			if f.Presence == nil {
				continue
			}
			ev := *f.Presence
			for _, sub := range c.subscribers(f.Topic) {
				sub := sub
				sub.deliver(func() { sub.handlers.DispatchPresence(ev) })
			}
		default:
			logging.TransportDebug("ignoring %s frame from relay", f.Type)
		}
	}
}

func (c *Client) subscribers(topic string) []*channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*channel
	for _, ch := range c.channels[topic] {
		if ch.isSubscribed() {
			out = append(out, ch)
		}
	}
	return out
}

func (c *Client) forget(ch *channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.channels[ch.name]
	for i, other := range list {
		if other == ch {
			c.channels[ch.name] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(c.channels[ch.name]) == 0 {
		delete(c.channels, ch.name)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) failChannels(err error) {
	c.mu.Lock()
	var all []*channel
	for _, list := range c.channels {
		all = append(all, list...)
	}
	c.mu.Unlock()
	for _, ch := range all {
		ch.terminate(transport.StatusErrored, err)
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	var all []*channel
	for _, list := range c.channels {
		all = append(all, list...)
	}
	c.channels = make(map[string][]*channel)
	c.mu.Unlock()

	for _, ch := range all {
		ch.terminate(transport.StatusClosed, nil)
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	_ = c.conn.Close()
}

type channelState int

const (
	stateIdle channelState = iota
	stateSubscribed
	stateClosed
)

type channel struct {
	client   *Client
	name     string
	handlers transport.Handlers

	mu       sync.Mutex
	state    channelState
	onStatus transport.StatusHandler
	box      *transport.Mailbox
}

func (ch *channel) Name() string { return ch.name }

func (ch *channel) OnBroadcast(event string, h transport.Handler) { ch.handlers.AddBroadcast(event, h) }

func (ch *channel) OnPresence(h transport.PresenceHandler) { ch.handlers.AddPresence(h) }

func (ch *channel) Subscribe(ctx context.Context, onStatus transport.StatusHandler) error {
	ch.mu.Lock()
	switch ch.state {
	case stateSubscribed:
		ch.mu.Unlock()
		return nil
	case stateClosed:
		ch.mu.Unlock()
		return transport.ErrClosed
	}
	ch.onStatus = onStatus
	ch.box = transport.NewMailbox()
	ch.state = stateSubscribed
	ch.mu.Unlock()
	ch.notify(transport.StatusConnecting, nil)

	err := ch.client.request(ctx, Frame{Type: FrameSubscribe, Topic: ch.name})
	if err == nil {
		logging.TransportDebug("subscribed to %s", ch.name)
		ch.notify(transport.StatusSubscribed, nil)
		return nil
	}

	ch.mu.Lock()
	ch.state = stateIdle
	box := ch.box
	ch.box = nil
	ch.mu.Unlock()
	box.Close()
	if errors.Is(err, context.DeadlineExceeded) {
		ch.notify(transport.StatusTimedOut, transport.ErrTimeout)
		return transport.ErrTimeout
	}
	ch.notify(transport.StatusErrored, err)
	return err
}

func (ch *channel) Send(ctx context.Context, event string, payload any) error {
	if !ch.isSubscribed() {
		return transport.ErrNotSubscribed
	}
	data, err := transport.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return ch.client.request(ctx, Frame{Type: FrameBroadcast, Topic: ch.name, Event: event, Payload: data})
}

func (ch *channel) Track(ctx context.Context, state any) error {
	if !ch.isSubscribed() {
		return transport.ErrNotSubscribed
	}
	data, err := transport.Encode(state)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	return ch.client.request(ctx, Frame{Type: FrameTrack, Topic: ch.name, Payload: data})
}

func (ch *channel) Untrack(ctx context.Context) error {
	if !ch.isSubscribed() {
		return transport.ErrNotSubscribed
	}
	return ch.client.request(ctx, Frame{Type: FrameUntrack, Topic: ch.name})
}

// Unsubscribe leaves the topic. The relay is told only when no other
// channel of this client is still subscribed to it.
func (ch *channel) Unsubscribe(ctx context.Context) error {
	if !ch.isSubscribed() {
		ch.terminate(transport.StatusClosed, nil)
		return nil
	}
	ch.terminate(transport.StatusClosed, nil)
	ch.client.forget(ch)
	if len(ch.client.subscribers(ch.name)) > 0 {
		return nil
	}
	err := ch.client.request(ctx, Frame{Type: FrameUnsubscribe, Topic: ch.name})
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

func (ch *channel) terminate(status transport.Status, err error) {
	ch.mu.Lock()
	if ch.state == stateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = stateClosed
	box := ch.box
	ch.box = nil
	ch.mu.Unlock()
	if box != nil {
		box.Close()
	}
	ch.notify(status, err)
}

func (ch *channel) deliver(fn func()) {
	ch.mu.Lock()
	box := ch.box
	ch.mu.Unlock()
	if box != nil {
		box.Post(fn)
	}
}

func (ch *channel) isSubscribed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == stateSubscribed
}

func (ch *channel) notify(status transport.Status, err error) {
	ch.mu.Lock()
	fn := ch.onStatus
	ch.mu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}
