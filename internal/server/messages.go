package server

import (
	"github.com/npezzotti/quizhub/internal/types"
)

type FrameType string

const (
	FrameInvocation FrameType = "invocation"
	FrameCompletion FrameType = "completion"
	FrameEvent      FrameType = "event"
	FramePing       FrameType = "ping"
	FrameClose      FrameType = "close"
)

// ClientFrame is a decoded client-to-server frame. Arguments stay encoded
// until the hub knows which payload type the target expects.
type ClientFrame struct {
	Type         FrameType
	InvocationId string
	Target       string
	Arguments    []byte
}

type ServerFrame struct {
	Type         FrameType `json:"type"`
	InvocationId string    `json:"invocationId,omitempty"`
	Target       string    `json:"target,omitempty"`
	Arguments    any       `json:"arguments,omitempty"`
	Error        string    `json:"error,omitempty"`
	Code         string    `json:"code,omitempty"`
}

func Completion(invocationId string) *ServerFrame {
	return &ServerFrame{
		Type:         FrameCompletion,
		InvocationId: invocationId,
	}
}

func CompletionError(invocationId string, err error) *ServerFrame {
	he := types.AsHubError(err)
	return &ServerFrame{
		Type:         FrameCompletion,
		InvocationId: invocationId,
		Error:        types.NewErrorEvent(he).Message,
		Code:         he.Code,
	}
}

func EventFrame(ev types.Event) *ServerFrame {
	return &ServerFrame{
		Type:      FrameEvent,
		Target:    ev.EventName(),
		Arguments: ev,
	}
}

func PingFrame() *ServerFrame {
	return &ServerFrame{Type: FramePing}
}

func CloseFrame(reason string) *ServerFrame {
	return &ServerFrame{
		Type:  FrameClose,
		Error: reason,
	}
}
