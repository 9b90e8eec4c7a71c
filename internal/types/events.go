package types

import (
	"fmt"
	"reflect"
	"time"
)

// Event is a named push event delivered to client connections.
type Event interface {
	EventName() string
}

const (
	EventPlayerJoined        = "playerJoined"
	EventPlayerLeft          = "playerLeft"
	EventRoomCreated         = "roomCreated"
	EventGameStarted         = "gameStarted"
	EventRoomClosed          = "roomClosed"
	EventRoomEvent           = "roomEvent"
	EventError               = "error"
	EventReceiveMessage      = "receiveMessage"
	EventLoadMessageHistory  = "loadMessageHistory"
	EventMessagesRead        = "messagesRead"
	EventUnreadMessageCounts = "unreadMessageCounts"
	EventBackfill            = "backfill"
)

type PlayerJoined struct {
	QuizId     string   `json:"QuizId"`
	RoomId     string   `json:"RoomId"`
	PlayerList []Player `json:"PlayerList"`
	HostId     string   `json:"HostId"`
}

func (PlayerJoined) EventName() string { return EventPlayerJoined }

type PlayerLeft struct {
	RoomId     string   `json:"RoomId"`
	UserId     string   `json:"UserId"`
	PlayerList []Player `json:"PlayerList"`
}

func (PlayerLeft) EventName() string { return EventPlayerLeft }

type RoomCreated struct {
	RoomId   string `json:"RoomId"`
	QuizId   string `json:"QuizId"`
	HostId   string `json:"HostId"`
	Capacity int    `json:"Capacity"`
}

func (RoomCreated) EventName() string { return EventRoomCreated }

type GameStarted struct {
	RoomId string `json:"RoomId"`
	QuizId string `json:"QuizId"`
}

func (GameStarted) EventName() string { return EventGameStarted }

const (
	CloseReasonHostClosed = "hostClosed"
	CloseReasonHostLeft   = "hostLeft"
	CloseReasonIdle       = "idle"
	CloseReasonShutdown   = "shutdown"
)

type RoomClosedEvent struct {
	RoomId string `json:"RoomId"`
	Reason string `json:"Reason"`
}

func (RoomClosedEvent) EventName() string { return EventRoomClosed }

// RoomEvent carries an opaque gameplay payload between room members.
type RoomEvent struct {
	RoomId     string `json:"RoomId"`
	FromUserId string `json:"FromUserId"`
	Name       string `json:"Name"`
	Payload    any    `json:"Payload,omitempty"`
}

func (RoomEvent) EventName() string { return EventRoomEvent }

type ErrorEvent struct {
	Message string `json:"Message"`
	Code    string `json:"Code,omitempty"`
}

func (ErrorEvent) EventName() string { return EventError }

// NewErrorEvent converts err into the error push sent to clients.
func NewErrorEvent(err error) ErrorEvent {
	he := AsHubError(err)
	if he.Code == ErrInternal.Code {
		// don't leak internal causes to clients
		return ErrorEvent{Message: ErrInternal.Message, Code: he.Code}
	}
	return ErrorEvent{Message: he.Message, Code: he.Code}
}

type ReceiveMessage struct {
	MessageId  int64     `json:"MessageId"`
	UserId     string    `json:"UserId"`
	FromUserId string    `json:"FromUserId"`
	Message    string    `json:"Message"`
	Timestamp  time.Time `json:"Timestamp"`
	GroupId    int64     `json:"GroupId"`
	Sequence   int64     `json:"Sequence"`
}

func (ReceiveMessage) EventName() string { return EventReceiveMessage }

func NewReceiveMessage(m Message) ReceiveMessage {
	return ReceiveMessage{
		MessageId:  m.MessageId,
		UserId:     m.UserId,
		FromUserId: m.UserId,
		Message:    m.Body,
		Timestamp:  m.Timestamp,
		GroupId:    m.GroupId,
		Sequence:   m.Sequence,
	}
}

type LoadMessageHistory struct {
	Messages   []Message `json:"Messages"`
	Page       int       `json:"Page"`
	TotalPages int       `json:"TotalPages"`
	Watermark  int64     `json:"Watermark"`
}

func (LoadMessageHistory) EventName() string { return EventLoadMessageHistory }

type MessagesRead struct {
	UserId   string `json:"UserId"`
	GroupId  int64  `json:"GroupId"`
	Sequence int64  `json:"Sequence"`
}

func (MessagesRead) EventName() string { return EventMessagesRead }

type UnreadMessageCounts []UnreadCount

func (UnreadMessageCounts) EventName() string { return EventUnreadMessageCounts }

type Backfill struct {
	GroupId        int64     `json:"GroupId"`
	Messages       []Message `json:"Messages"`
	HasMore        bool      `json:"HasMore"`
	LatestSequence int64     `json:"LatestSequence"`
}

func (Backfill) EventName() string { return EventBackfill }

var eventRegistry = map[string]reflect.Type{}

func init() {
	registerEvent(PlayerJoined{})
	registerEvent(PlayerLeft{})
	registerEvent(RoomCreated{})
	registerEvent(GameStarted{})
	registerEvent(RoomClosedEvent{})
	registerEvent(RoomEvent{})
	registerEvent(ErrorEvent{})
	registerEvent(ReceiveMessage{})
	registerEvent(LoadMessageHistory{})
	registerEvent(MessagesRead{})
	registerEvent(UnreadMessageCounts{})
	registerEvent(Backfill{})
}

func registerEvent(e Event) {
	eventRegistry[e.EventName()] = reflect.TypeOf(e)
}

// NewEvent returns a pointer to a zero value of the event registered under
// name, ready to be decoded into.
func NewEvent(name string) (any, error) {
	t, ok := eventRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown event %q", name)
	}
	return reflect.New(t).Interface(), nil
}

// Deref turns a pointer produced by NewEvent back into an Event value.
func Deref(v any) (Event, error) {
	e, ok := reflect.ValueOf(v).Elem().Interface().(Event)
	if !ok {
		return nil, fmt.Errorf("%T is not an event", v)
	}
	return e, nil
}
