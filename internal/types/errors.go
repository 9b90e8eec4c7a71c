package types

import (
	"errors"
	"fmt"
)

// HubError is the error taxonomy shared by the room and chat hubs. Two
// HubErrors match under errors.Is when their codes are equal, so wrapped
// copies still compare against the sentinels below.
type HubError struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
	Err     error  `json:"-"`
}

func (e *HubError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *HubError) Unwrap() error {
	return e.Err
}

func (e *HubError) Is(target error) bool {
	t, ok := target.(*HubError)
	return ok && t.Code == e.Code
}

// Wrap returns a copy of e carrying err as its cause.
func (e *HubError) Wrap(err error) *HubError {
	return &HubError{Code: e.Code, Message: e.Message, Err: err}
}

// WithMessage returns a copy of e with a more specific message.
func (e *HubError) WithMessage(msg string) *HubError {
	return &HubError{Code: e.Code, Message: msg, Err: e.Err}
}

var (
	ErrUnauthenticated     = &HubError{Code: "Unauthenticated", Message: "unauthenticated"}
	ErrNegotiationExpired  = &HubError{Code: "NegotiationExpired", Message: "negotiation expired"}
	ErrRoomNotFound        = &HubError{Code: "RoomNotFound", Message: "room not found"}
	ErrRoomFull            = &HubError{Code: "RoomFull", Message: "room is full"}
	ErrRoomClosed          = &HubError{Code: "RoomClosed", Message: "room is closed"}
	ErrAlreadyJoined       = &HubError{Code: "AlreadyJoined", Message: "already joined"}
	ErrForbidden           = &HubError{Code: "Forbidden", Message: "forbidden"}
	ErrCapacityExceeded    = &HubError{Code: "CapacityExceeded", Message: "join code space exhausted"}
	ErrChannelAccessDenied = &HubError{Code: "ChannelAccessDenied", Message: "channel access denied"}
	ErrInvalidPayload      = &HubError{Code: "InvalidPayload", Message: "invalid payload"}
	ErrUnavailable         = &HubError{Code: "Unavailable", Message: "service unavailable"}
	ErrInternal            = &HubError{Code: "Internal", Message: "internal server error"}
)

// AsHubError maps any error onto the taxonomy, hiding unknown causes behind
// ErrInternal.
func AsHubError(err error) *HubError {
	if err == nil {
		return nil
	}

	var he *HubError
	if errors.As(err, &he) {
		return he
	}

	return ErrInternal.Wrap(err)
}
