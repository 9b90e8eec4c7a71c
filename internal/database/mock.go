package database

import (
	"context"

	"github.com/npezzotti/quizhub/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) AppendMessage(ctx context.Context, params AppendMessageParams) (types.Message, bool, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Message), args.Bool(1), args.Error(2)
}
func (m *MockRepository) LatestSequence(ctx context.Context, groupId int64) (int64, error) {
	args := m.Called(ctx, groupId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRepository) MessagesInRange(ctx context.Context, groupId, lo, hi int64) ([]types.Message, error) {
	args := m.Called(ctx, groupId, lo, hi)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) MessagesAfter(ctx context.Context, groupId, after int64, limit int) ([]types.Message, error) {
	args := m.Called(ctx, groupId, after, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) AdvanceReadCursor(ctx context.Context, userId string, groupId, seq int64) (int64, bool, error) {
	args := m.Called(ctx, userId, groupId, seq)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}
func (m *MockRepository) ReadCursor(ctx context.Context, userId string, groupId int64) (int64, error) {
	args := m.Called(ctx, userId, groupId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRepository) UnreadStates(ctx context.Context, userId string) ([]UnreadState, error) {
	args := m.Called(ctx, userId)
	if states, ok := args.Get(0).([]UnreadState); ok {
		return states, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) IsMember(ctx context.Context, userId string, groupId int64) (bool, error) {
	args := m.Called(ctx, userId, groupId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) MemberIds(ctx context.Context, groupId int64) ([]string, error) {
	args := m.Called(ctx, groupId)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) GroupsForUser(ctx context.Context, userId string) ([]int64, error) {
	args := m.Called(ctx, userId)
	if ids, ok := args.Get(0).([]int64); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
