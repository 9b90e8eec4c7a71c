package types

import (
	"time"
)

// Hub names a multiplexed channel on the persistent connection.
type Hub string

const (
	RoomHub Hub = "roomhub"
	ChatHub Hub = "chathub"
)

func (h Hub) Valid() bool {
	return h == RoomHub || h == ChatHub
}

// User is the identity resolved from an auth token.
type User struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type RoomState string

const (
	RoomOpen       RoomState = "Open"
	RoomInProgress RoomState = "InProgress"
	RoomClosed     RoomState = "Closed"
)

type Player struct {
	UserId       string `json:"UserId"`
	DisplayName  string `json:"DisplayName"`
	JoinSeq      int    `json:"JoinSeq"`
	ConnectionId string `json:"ConnectionId,omitempty"`
	Connected    bool   `json:"Connected"`
}

type RoomSnapshot struct {
	RoomId    string    `json:"RoomId"`
	QuizId    string    `json:"QuizId"`
	HostId    string    `json:"HostId"`
	State     RoomState `json:"State"`
	Capacity  int       `json:"Capacity"`
	Players   []Player  `json:"PlayerList"`
	CreatedAt time.Time `json:"CreatedAt"`
}

// UserIds returns the roster's user ids in join order.
func (s RoomSnapshot) UserIds() []string {
	ids := make([]string, len(s.Players))
	for i, p := range s.Players {
		ids[i] = p.UserId
	}
	return ids
}

type Message struct {
	MessageId       int64     `json:"MessageId"`
	GroupId         int64     `json:"GroupId"`
	UserId          string    `json:"UserId"`
	Body            string    `json:"Message"`
	Sequence        int64     `json:"Sequence"`
	Timestamp       time.Time `json:"Timestamp"`
	ClientMessageId string    `json:"ClientMessageId,omitempty"`
}

type UnreadCount struct {
	GroupId     int64 `json:"GroupId"`
	UnreadCount int64 `json:"UnreadCount"`
}

// Now returns the current time truncated the way timestamps are stored.
func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
