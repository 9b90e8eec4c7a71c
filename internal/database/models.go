package database

import "time"

type AppendMessageParams struct {
	MessageId       int64
	GroupId         int64
	UserId          string
	Body            string
	ClientMessageId string
	CreatedAt       time.Time
}

// UnreadState carries the two inputs of a group's unread count for a user.
type UnreadState struct {
	GroupId int64
	Latest  int64
	Cursor  int64
}

func (s UnreadState) Unread() int64 {
	if s.Cursor >= s.Latest {
		return 0
	}
	return s.Latest - s.Cursor
}
