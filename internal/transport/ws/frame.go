// Package ws carries the transport over websockets: a Client implementing
// transport.Transport and a Relay server that fans broadcasts and presence
// out to every subscriber of a topic.
package ws

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"cobrowse/internal/transport"
)

// FrameType names a wire frame.
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameBroadcast   FrameType = "broadcast"
	FrameTrack       FrameType = "track"
	FrameUntrack     FrameType = "untrack"
	FramePresence    FrameType = "presence"
	FrameReply       FrameType = "reply"
)

// Reply statuses.
const (
	ReplyOK    = "ok"
	ReplyError = "error"
)

// Frame is the single wire message shape in both directions. Requests carry
// a Ref that the relay echoes on the matching reply.
type Frame struct {
	Type     FrameType                `json:"type"`
	Ref      string                   `json:"ref,omitempty"`
	Topic    string                   `json:"topic,omitempty"`
	Event    string                   `json:"event,omitempty"`
	Payload  json.RawMessage          `json:"payload,omitempty"`
	Presence *transport.PresenceEvent `json:"presence,omitempty"`
	Status   string                   `json:"status,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// Codec encodes frames for one connection.
type Codec interface {
	Name() string
	MessageType() int
	Marshal(f Frame) ([]byte, error)
	Unmarshal(data []byte, f *Frame) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                          { return "json" }
func (jsonCodec) MessageType() int                      { return websocket.TextMessage }
func (jsonCodec) Marshal(f Frame) ([]byte, error)       { return json.Marshal(f) }
func (jsonCodec) Unmarshal(data []byte, f *Frame) error { return json.Unmarshal(data, f) }

type cborCodec struct{}

func (cborCodec) Name() string                          { return "cbor" }
func (cborCodec) MessageType() int                      { return websocket.BinaryMessage }
func (cborCodec) Marshal(f Frame) ([]byte, error)       { return cbor.Marshal(f) }
func (cborCodec) Unmarshal(data []byte, f *Frame) error { return cbor.Unmarshal(data, f) }

// CodecByName returns the json (default) or cbor codec.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return jsonCodec{}, nil
	case "cbor":
		return cborCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

// decodeAny picks the codec from the websocket message type.
func decodeAny(messageType int, data []byte) (Frame, error) {
	var f Frame
	var err error
	if messageType == websocket.BinaryMessage {
		err = cborCodec{}.Unmarshal(data, &f)
	} else {
		err = jsonCodec{}.Unmarshal(data, &f)
	}
	return f, err
}
