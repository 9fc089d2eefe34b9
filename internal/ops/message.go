package ops

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Operative-001/ringnet/internal/contract"
	"github.com/Operative-001/ringnet/internal/ring"
)

// MsgType tags the payload of an Envelope.
type MsgType uint8

const (
	MsgConnectRequest MsgType = iota + 1
	MsgConnectResponse
	MsgPutRequest
	MsgPutResponse
	MsgPutBroadcast
	MsgGetRequest
	MsgGetResponse
	MsgSubscribeRequest
	MsgSubscribeResponse
)

var ErrUnknownMessage = errors.New("ops: unknown message type")

var msgNames = [...]string{
	MsgConnectRequest:    "connect-request",
	MsgConnectResponse:   "connect-response",
	MsgPutRequest:        "put-request",
	MsgPutResponse:       "put-response",
	MsgPutBroadcast:      "put-broadcast",
	MsgGetRequest:        "get-request",
	MsgGetResponse:       "get-response",
	MsgSubscribeRequest:  "subscribe-request",
	MsgSubscribeResponse: "subscribe-response",
}

func (t MsgType) String() string {
	if int(t) < len(msgNames) && msgNames[t] != "" {
		return msgNames[t]
	}
	return fmt.Sprintf("msg(%d)", uint8(t))
}

// Message is anything exchanged between operation engines.
type Message interface {
	Type() MsgType
	Transaction() Transaction
}

// Header is carried by every message.
type Header struct {
	Tx     Transaction          `msgpack:"tx"`
	Sender ring.PeerKeyLocation `msgpack:"sender"`
}

func (h Header) Transaction() Transaction { return h.Tx }

// Routing is carried by every request that travels hop by hop.
type Routing struct {
	HTL     int       `msgpack:"htl"`
	Visited []peer.ID `msgpack:"visited"`
}

type ConnectRequest struct {
	Header
	Routing
	Joiner     ring.Contact   `msgpack:"joiner"`
	AcceptedBy []ring.Contact `msgpack:"accepted_by"`
}

type ConnectResponse struct {
	Header
	AcceptedBy   []ring.Contact `msgpack:"accepted_by"`
	YourLocation ring.Location  `msgpack:"your_location"`
	YourAddr     string         `msgpack:"your_addr"`
}

type PutRequest struct {
	Header
	Routing
	Key    contract.Key    `msgpack:"key"`
	Value  contract.Value  `msgpack:"value"`
	Params contract.Params `msgpack:"params,omitempty"`
}

type PutResponse struct {
	Header
	Key     contract.Key `msgpack:"key"`
	Success bool         `msgpack:"success"`
}

// PutBroadcast pushes a new value to subscribers. It is never answered.
type PutBroadcast struct {
	Header
	BroadcastID uuid.UUID       `msgpack:"broadcast_id"`
	Key         contract.Key    `msgpack:"key"`
	Value       contract.Value  `msgpack:"value"`
	Params      contract.Params `msgpack:"params,omitempty"`
}

type GetRequest struct {
	Header
	Routing
	Key contract.Key `msgpack:"key"`
}

type GetResponse struct {
	Header
	Key     contract.Key   `msgpack:"key"`
	Found   bool            `msgpack:"found"`
	Value   contract.Value  `msgpack:"value,omitempty"`
	Params  contract.Params `msgpack:"params,omitempty"`
	Visited []peer.ID       `msgpack:"visited"`
}

type SubscribeRequest struct {
	Header
	Routing
	Key contract.Key `msgpack:"key"`
}

type SubscribeResponse struct {
	Header
	Key        contract.Key `msgpack:"key"`
	Subscribed bool         `msgpack:"subscribed"`
	Visited    []peer.ID    `msgpack:"visited"`
}

func (*ConnectRequest) Type() MsgType    { return MsgConnectRequest }
func (*ConnectResponse) Type() MsgType   { return MsgConnectResponse }
func (*PutRequest) Type() MsgType        { return MsgPutRequest }
func (*PutResponse) Type() MsgType       { return MsgPutResponse }
func (*PutBroadcast) Type() MsgType      { return MsgPutBroadcast }
func (*GetRequest) Type() MsgType        { return MsgGetRequest }
func (*GetResponse) Type() MsgType       { return MsgGetResponse }
func (*SubscribeRequest) Type() MsgType  { return MsgSubscribeRequest }
func (*SubscribeResponse) Type() MsgType { return MsgSubscribeResponse }

// Envelope is the unit written to a connection.
type Envelope struct {
	Type    MsgType            `msgpack:"t"`
	Payload msgpack.RawMessage `msgpack:"p"`
}

// Encode serializes msg inside an Envelope.
func Encode(msg Message) ([]byte, error) {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("ops: encode %T: %w", msg, err)
	}
	return msgpack.Marshal(&Envelope{Type: msg.Type(), Payload: payload})
}

// Decode parses an Envelope and its payload.
func Decode(b []byte) (Message, error) {
	var env Envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("ops: decode envelope: %w", err)
	}
	msg, err := newMessage(env.Type)
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("ops: decode %T: %w", msg, err)
	}
	return msg, nil
}

func newMessage(t MsgType) (Message, error) {
	switch t {
	case MsgConnectRequest:
		return new(ConnectRequest), nil
	case MsgConnectResponse:
		return new(ConnectResponse), nil
	case MsgPutRequest:
		return new(PutRequest), nil
	case MsgPutResponse:
		return new(PutResponse), nil
	case MsgPutBroadcast:
		return new(PutBroadcast), nil
	case MsgGetRequest:
		return new(GetRequest), nil
	case MsgGetResponse:
		return new(GetResponse), nil
	case MsgSubscribeRequest:
		return new(SubscribeRequest), nil
	case MsgSubscribeResponse:
		return new(SubscribeResponse), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, t)
}
