package server

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/quizhub/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	ProtocolJSON        = "json"
	ProtocolMessagePack = "messagepack"
)

// Codec converts frames to and from one wire protocol.
type Codec interface {
	Name() string
	// MessageType is the websocket message type frames are sent as.
	MessageType() int
	Encode(f *ServerFrame) ([]byte, error)
	Decode(data []byte) (*ClientFrame, error)
	DecodeArgs(raw []byte, v any) error
}

// CodecFor returns the codec registered under name. An empty name selects
// JSON.
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", ProtocolJSON:
		return jsonCodec{}, nil
	case ProtocolMessagePack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported protocol %q", name)
	}
}

type jsonFrame struct {
	Type         FrameType       `json:"type"`
	InvocationId string          `json:"invocationId"`
	Target       string          `json:"target"`
	Arguments    json.RawMessage `json:"arguments"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string     { return ProtocolJSON }
func (jsonCodec) MessageType() int { return websocket.TextMessage }

func (jsonCodec) Encode(f *ServerFrame) ([]byte, error) {
	return json.Marshal(f)
}

func (jsonCodec) Decode(data []byte) (*ClientFrame, error) {
	var f jsonFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &ClientFrame{
		Type:         f.Type,
		InvocationId: f.InvocationId,
		Target:       f.Target,
		Arguments:    f.Arguments,
	}, nil
}

func (jsonCodec) DecodeArgs(raw []byte, v any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	return json.Unmarshal(raw, v)
}

type msgpackFrame struct {
	Type         FrameType          `msgpack:"type"`
	InvocationId string             `msgpack:"invocationId"`
	Target       string             `msgpack:"target"`
	Arguments    msgpack.RawMessage `msgpack:"arguments"`
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string     { return ProtocolMessagePack }
func (msgpackCodec) MessageType() int { return websocket.BinaryMessage }

func (msgpackCodec) Encode(f *ServerFrame) ([]byte, error) {
	return types.MarshalMsgpack(f)
}

func (msgpackCodec) Decode(data []byte) (*ClientFrame, error) {
	var f msgpackFrame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &ClientFrame{
		Type:         f.Type,
		InvocationId: f.InvocationId,
		Target:       f.Target,
		Arguments:    f.Arguments,
	}, nil
}

func (msgpackCodec) DecodeArgs(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return types.UnmarshalMsgpack(raw, v)
}
