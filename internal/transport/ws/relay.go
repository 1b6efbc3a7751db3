package ws

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cobrowse/internal/logging"
	"cobrowse/internal/transport"
)

const (
	pingInterval  = 30 * time.Second
	pongWait      = 60 * time.Second
	maxFrameBytes = 8 << 20
	sendBuffer    = 256
)

// Relay is a broadcast and presence hub served over websockets. Nothing is
// retained: a peer only receives frames sent after it subscribed.
type Relay struct {
	apiKey   string
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	peers    map[*peer]struct{}
	topics   map[string]map[*peer]struct{}
	presence map[string]map[*peer]json.RawMessage
	closed   bool
}

// RelayStats describes current relay load.
type RelayStats struct {
	Peers  int `json:"peers"`
	Topics int `json:"topics"`
}

// NewRelay creates a Relay. An empty apiKey accepts every client.
func NewRelay(apiKey string) *Relay {
	return &Relay{
		apiKey: apiKey,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Visitor widgets connect from arbitrary customer origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers:    make(map[*peer]struct{}),
		topics:   make(map[string]map[*peer]struct{}),
		presence: make(map[string]map[*peer]json.RawMessage),
	}
}

// ServeHTTP authenticates and upgrades a client connection.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !r.authorized(req) {
		logging.RelayWarn("rejected client from %s: bad api key", req.RemoteAddr)
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}
	codec, err := CodecByName(req.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logging.RelayWarn("websocket upgrade failed: %v", err)
		return
	}

	id := req.URL.Query().Get("client_id")
	if id == "" {
		id = uuid.NewString()
	}
	p := &peer{id: id, relay: r, conn: conn, codec: codec, send: make(chan []byte, sendBuffer), done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.peers[p] = struct{}{}
	r.mu.Unlock()
	logging.RelayDebug("peer %s connected (codec=%s)", id, codec.Name())

	go p.writePump()
	go p.readPump()
}

func (r *Relay) authorized(req *http.Request) bool {
	if r.apiKey == "" {
		return true
	}
	key := req.Header.Get("apikey")
	if key == "" {
		key = req.URL.Query().Get("apikey")
	}
	if key == "" {
		key = strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(r.apiKey)) == 1
}

// Stats reports connected peers and active topics.
func (r *Relay) Stats() RelayStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RelayStats{Peers: len(r.peers), Topics: len(r.topics)}
}

// Close disconnects every peer.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	peers := make([]*peer, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

func (r *Relay) handle(p *peer, f Frame) {
	switch f.Type {
	case FrameSubscribe:
		r.mu.Lock()
		subs := r.topics[f.Topic]
		if subs == nil {
			subs = make(map[*peer]struct{})
			r.topics[f.Topic] = subs
		}
		subs[p] = struct{}{}
		states := r.statesLocked(f.Topic)
		r.mu.Unlock()
		p.reply(f, nil)
		p.push(Frame{Type: FramePresence, Topic: f.Topic, Presence: &transport.PresenceEvent{Kind: transport.PresenceSync, States: states}})

	case FrameUnsubscribe:
		r.leave(p, f.Topic)
		p.reply(f, nil)

	case FrameBroadcast:
		r.mu.RLock()
		subs := r.topics[f.Topic]
		_, member := subs[p]
		targets := make([]*peer, 0, len(subs))
		for sub := range subs {
			if sub != p {
				targets = append(targets, sub)
			}
		}
		r.mu.RUnlock()
		if !member {
			p.reply(f, transport.ErrNotSubscribed)
			return
		}
		out := Frame{Type: FrameBroadcast, Topic: f.Topic, Event: f.Event, Payload: f.Payload}
		for _, sub := range targets {
			sub.push(out)
		}
		p.reply(f, nil)

	case FrameTrack:
		r.mu.Lock()
		if _, member := r.topics[f.Topic][p]; !member {
			r.mu.Unlock()
			p.reply(f, transport.ErrNotSubscribed)
			return
		}
		if r.presence[f.Topic] == nil {
			r.presence[f.Topic] = make(map[*peer]json.RawMessage)
		}
		r.presence[f.Topic][p] = f.Payload
		targets := r.subscribersLocked(f.Topic)
		r.mu.Unlock()
		ev := &transport.PresenceEvent{Kind: transport.PresenceJoin, Key: p.id, States: []json.RawMessage{f.Payload}}
		for _, sub := range targets {
			sub.push(Frame{Type: FramePresence, Topic: f.Topic, Presence: ev})
		}
		p.reply(f, nil)

	case FrameUntrack:
		r.untrack(p, f.Topic)
		p.reply(f, nil)

	default:
		logging.RelayDebug("peer %s sent unexpected %s frame", p.id, f.Type)
	}
}

func (r *Relay) untrack(p *peer, topic string) {
	r.mu.Lock()
	state, ok := r.presence[topic][p]
	if ok {
		delete(r.presence[topic], p)
		if len(r.presence[topic]) == 0 {
			delete(r.presence, topic)
		}
	}
	targets := r.subscribersLocked(topic)
	r.mu.Unlock()
	if !ok {
		return
	}
	ev := &transport.PresenceEvent{Kind: transport.PresenceLeave, Key: p.id, States: []json.RawMessage{state}}
	for _, sub := range targets {
		sub.push(Frame{Type: FramePresence, Topic: topic, Presence: ev})
	}
}

func (r *Relay) leave(p *peer, topic string) {
	r.untrack(p, topic)
	r.mu.Lock()
	if subs := r.topics[topic]; subs != nil {
		delete(subs, p)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
	r.mu.Unlock()
}

func (r *Relay) disconnect(p *peer) {
	r.mu.Lock()
	var topics []string
	for topic, subs := range r.topics {
		if _, ok := subs[p]; ok {
			topics = append(topics, topic)
		}
	}
	delete(r.peers, p)
	r.mu.Unlock()
	for _, topic := range topics {
		r.leave(p, topic)
	}
	logging.RelayDebug("peer %s disconnected", p.id)
}

func (r *Relay) statesLocked(topic string) []json.RawMessage {
	members := r.presence[topic]
	peers := make([]*peer, 0, len(members))
	for p := range members {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].id < peers[j].id })
	out := make([]json.RawMessage, 0, len(peers))
	for _, p := range peers {
		out = append(out, members[p])
	}
	return out
}

func (r *Relay) subscribersLocked(topic string) []*peer {
	out := make([]*peer, 0, len(r.topics[topic]))
	for p := range r.topics[topic] {
		out = append(out, p)
	}
	return out
}

type peer struct {
	id    string
	relay *Relay
	conn  *websocket.Conn
	codec Codec
	send  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (p *peer) reply(req Frame, err error) {
	f := Frame{Type: FrameReply, Ref: req.Ref, Topic: req.Topic, Status: ReplyOK}
	if err != nil {
		f.Status = ReplyError
		f.Error = err.Error()
	}
	p.push(f)
}

// push queues f; a peer whose buffer is full is disconnected.
func (p *peer) push(f Frame) {
	data, err := p.codec.Marshal(f)
	if err != nil {
		logging.RelayWarn("encode frame for %s: %v", p.id, err)
		return
	}
	select {
	case <-p.done:
	case p.send <- data:
	default:
		logging.RelayWarn("peer %s too slow, disconnecting", p.id)
		p.close()
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) readPump() {
	defer func() {
		p.relay.disconnect(p)
		p.close()
	}()

	p.conn.SetReadLimit(maxFrameBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		f, err := decodeAny(messageType, data)
		if err != nil {
			logging.RelayWarn("peer %s sent undecodable frame: %v", p.id, err)
			continue
		}
		p.relay.handle(p, f)
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
			if err := p.conn.WriteMessage(p.codec.MessageType(), data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
