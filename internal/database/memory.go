package database

import (
	"context"
	"slices"
	"sync"

	"github.com/npezzotti/quizhub/internal/types"
)

type cursorKey struct {
	userId  string
	groupId int64
}

// MemoryRepository is a Repository held in process memory. It backs local
// development (QUIZHUB_DATABASE_DSN=memory) and tests.
type MemoryRepository struct {
	mu       sync.Mutex
	messages map[int64][]types.Message
	cursors  map[cursorKey]int64
	members  map[int64]map[string]struct{}
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		messages: make(map[int64][]types.Message),
		cursors:  make(map[cursorKey]int64),
		members:  make(map[int64]map[string]struct{}),
	}
}

// AddMembers stands in for the CRUD service writing group_members rows.
func (r *MemoryRepository) AddMembers(groupId int64, userIds ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[groupId]
	if !ok {
		set = make(map[string]struct{})
		r.members[groupId] = set
	}
	for _, id := range userIds {
		set[id] = struct{}{}
	}
}

func (r *MemoryRepository) Ping(context.Context) error {
	return nil
}

func (r *MemoryRepository) AppendMessage(_ context.Context, params AppendMessageParams) (types.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.messages[params.GroupId]
	if params.ClientMessageId != "" {
		for _, m := range log {
			if m.UserId == params.UserId && m.ClientMessageId == params.ClientMessageId {
				return m, true, nil
			}
		}
	}

	msg := types.Message{
		MessageId:       params.MessageId,
		GroupId:         params.GroupId,
		UserId:          params.UserId,
		Body:            params.Body,
		Sequence:        int64(len(log)) + 1,
		Timestamp:       params.CreatedAt,
		ClientMessageId: params.ClientMessageId,
	}
	r.messages[params.GroupId] = append(log, msg)

	return msg, false, nil
}

func (r *MemoryRepository) LatestSequence(_ context.Context, groupId int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return int64(len(r.messages[groupId])), nil
}

func (r *MemoryRepository) MessagesInRange(_ context.Context, groupId, lo, hi int64) ([]types.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// sequence n lives at index n-1
	log := r.messages[groupId]
	lo = max(lo, 0)
	hi = min(hi, int64(len(log)))
	if lo >= hi {
		return []types.Message{}, nil
	}

	return slices.Clone(log[lo:hi]), nil
}

func (r *MemoryRepository) MessagesAfter(_ context.Context, groupId, after int64, limit int) ([]types.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.messages[groupId]
	after = max(after, 0)
	if after >= int64(len(log)) {
		return []types.Message{}, nil
	}

	end := min(after+int64(limit), int64(len(log)))
	return slices.Clone(log[after:end]), nil
}

func (r *MemoryRepository) AdvanceReadCursor(_ context.Context, userId string, groupId, seq int64) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cursorKey{userId, groupId}
	current := r.cursors[key]
	if seq <= current {
		return current, false, nil
	}
	r.cursors[key] = seq

	return seq, true, nil
}

func (r *MemoryRepository) ReadCursor(_ context.Context, userId string, groupId int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cursors[cursorKey{userId, groupId}], nil
}

func (r *MemoryRepository) UnreadStates(_ context.Context, userId string) ([]UnreadState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make([]UnreadState, 0)
	for _, groupId := range r.groupsForUser(userId) {
		states = append(states, UnreadState{
			GroupId: groupId,
			Latest:  int64(len(r.messages[groupId])),
			Cursor:  r.cursors[cursorKey{userId, groupId}],
		})
	}

	return states, nil
}

func (r *MemoryRepository) IsMember(_ context.Context, userId string, groupId int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.members[groupId][userId]
	return ok, nil
}

func (r *MemoryRepository) MemberIds(_ context.Context, groupId int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.members[groupId]))
	for id := range r.members[groupId] {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids, nil
}

func (r *MemoryRepository) GroupsForUser(_ context.Context, userId string) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.groupsForUser(userId), nil
}

func (r *MemoryRepository) groupsForUser(userId string) []int64 {
	ids := make([]int64, 0)
	for groupId, set := range r.members {
		if _, ok := set[userId]; ok {
			ids = append(ids, groupId)
		}
	}
	slices.Sort(ids)

	return ids
}
