package database

import (
	"context"

	"github.com/npezzotti/quizhub/internal/types"
)

// Repository is the durable store for group chat. Message rows, per-group
// sequence counters and read cursors are owned by this service; group
// membership rows are owned by the CRUD service and only read here.
type Repository interface {
	Ping(ctx context.Context) error

	// AppendMessage assigns the next sequence of the group and stores the
	// message in one transaction. A repeated ClientMessageId from the same
	// sender returns the stored message and duplicate=true.
	AppendMessage(ctx context.Context, params AppendMessageParams) (msg types.Message, duplicate bool, err error)
	LatestSequence(ctx context.Context, groupId int64) (int64, error)
	// MessagesInRange returns messages with lo < sequence <= hi, ascending.
	MessagesInRange(ctx context.Context, groupId, lo, hi int64) ([]types.Message, error)
	// MessagesAfter returns up to limit messages with sequence > after, ascending.
	MessagesAfter(ctx context.Context, groupId, after int64, limit int) ([]types.Message, error)

	// AdvanceReadCursor moves the cursor forward only. It returns the stored
	// cursor and whether this call moved it.
	AdvanceReadCursor(ctx context.Context, userId string, groupId, seq int64) (int64, bool, error)
	ReadCursor(ctx context.Context, userId string, groupId int64) (int64, error)
	UnreadStates(ctx context.Context, userId string) ([]UnreadState, error)

	IsMember(ctx context.Context, userId string, groupId int64) (bool, error)
	MemberIds(ctx context.Context, groupId int64) ([]string, error)
	GroupsForUser(ctx context.Context, userId string) ([]int64, error)
}
