package channel

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/npezzotti/quizhub/internal/cache"
	"github.com/npezzotti/quizhub/internal/database"
	"github.com/npezzotti/quizhub/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUnreadCache(t *testing.T) (*cache.RedisUnreadCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := cache.NewRedisCache(mr.Addr(), "", 0)
	t.Cleanup(func() { rc.Close() })
	return cache.NewRedisUnreadCache(rc, time.Minute), mr
}

func TestScenario_UnreadAfterPartialRead(t *testing.T) {
	repo := database.NewMemoryRepository()
	repo.AddMembers(7, "u1", "u2")
	s, _ := newTestStore(t, Config{}, repo, nil)
	ctx := context.Background()
	seed(t, s, 7, "u2", 25)

	cursor, advanced, err := s.MarkRead(ctx, "u1", 7, 20, "c-1")
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, int64(20), cursor)

	counts, err := s.GetUnreadCounts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []types.UnreadCount{{GroupId: 7, UnreadCount: 5}}, counts)
}

func TestStore_MarkRead(t *testing.T) {
	repo := database.NewMemoryRepository()
	repo.AddMembers(7, "u1", "u2")
	repo.AddMembers(8, "u1")
	s, pub := newTestStore(t, Config{}, repo, nil)
	ctx := context.Background()
	seed(t, s, 7, "u2", 10)

	tcases := []struct {
		name     string
		upto     int64
		cursor   int64
		advanced bool
	}{
		{name: "advances", upto: 6, cursor: 6, advanced: true},
		{name: "never moves backwards", upto: 5, cursor: 6, advanced: false},
		{name: "same sequence", upto: 6, cursor: 6, advanced: false},
		{name: "past latest clamps", upto: 99, cursor: 10, advanced: true},
		{name: "zero means latest", upto: 0, cursor: 10, advanced: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cursor, advanced, err := s.MarkRead(ctx, "u1", 7, tc.upto, "c-1")
			require.NoError(t, err)
			assert.Equal(t, tc.cursor, cursor)
			assert.Equal(t, tc.advanced, advanced)
		})
	}

	read := pub.await(t, types.EventMessagesRead, 2)
	require.Len(t, read, 2, "expected one messagesRead per advance")
	assert.Equal(t, types.ChatHub, read[0].Audience.Hub)
	assert.Equal(t, []string{"u1"}, read[0].Audience.UserIds)
	assert.Equal(t, "c-1", read[0].Audience.SkipConnectionId, "expected the reading connection to be skipped")
	assert.Equal(t, types.MessagesRead{UserId: "u1", GroupId: 7, Sequence: 10}, read[1].Event)

	t.Run("empty group", func(t *testing.T) {
		cursor, advanced, err := s.MarkRead(ctx, "u1", 8, 0, "c-1")
		require.NoError(t, err)
		assert.Zero(t, cursor)
		assert.False(t, advanced)
	})

	t.Run("non member", func(t *testing.T) {
		_, _, err := s.MarkRead(ctx, "u3", 7, 1, "c-3")
		assert.ErrorIs(t, err, types.ErrChannelAccessDenied)
	})
}

func TestStore_GetUnreadCounts(t *testing.T) {
	repo := database.NewMemoryRepository()
	repo.AddMembers(7, "u1", "u2")
	repo.AddMembers(3, "u1", "u2")
	repo.AddMembers(9, "u2")
	uc, mr := newTestUnreadCache(t)
	s, _ := newTestStore(t, Config{}, repo, uc)
	ctx := context.Background()

	seed(t, s, 7, "u2", 4)
	seed(t, s, 3, "u2", 2)
	seed(t, s, 9, "u2", 1)

	counts, err := s.GetUnreadCounts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []types.UnreadCount{
		{GroupId: 3, UnreadCount: 2},
		{GroupId: 7, UnreadCount: 4},
	}, counts, "expected counts for member groups sorted by id")

	cursor, err := mr.Get("cursor:u1:7")
	require.NoError(t, err, "expected lookup to warm the cursor")
	assert.Equal(t, "0", cursor)

	latest, err := mr.Get("channel:7:seq")
	require.NoError(t, err)
	assert.Equal(t, "4", latest)

	// a cache hit must reflect reads and appends without touching the repository
	_, _, err = s.MarkRead(ctx, "u1", 7, 3, "c-1")
	require.NoError(t, err)
	seed(t, s, 3, "u2", 1)

	counts, err = s.GetUnreadCounts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []types.UnreadCount{
		{GroupId: 3, UnreadCount: 3},
		{GroupId: 7, UnreadCount: 1},
	}, counts)

	t.Run("evicted entries fall back to the repository", func(t *testing.T) {
		mr.FastForward(2 * time.Minute)

		counts, err := s.GetUnreadCounts(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []types.UnreadCount{
			{GroupId: 3, UnreadCount: 3},
			{GroupId: 7, UnreadCount: 1},
		}, counts)
	})

	t.Run("cache down", func(t *testing.T) {
		mr.Close()

		counts, err := s.GetUnreadCounts(ctx, "u1")
		require.NoError(t, err, "expected the repository to serve counts when redis is unreachable")
		assert.Len(t, counts, 2)
	})

	t.Run("no groups", func(t *testing.T) {
		counts, err := s.GetUnreadCounts(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, counts)
		assert.NotNil(t, counts)
	})
}

func TestStore_GetUnreadCounts_FailedCacheWrite(t *testing.T) {
	repo := database.NewMemoryRepository()
	repo.AddMembers(7, "u1", "u2")
	uc, mr := newTestUnreadCache(t)
	s, _ := newTestStore(t, Config{}, repo, uc)
	ctx := context.Background()

	seed(t, s, 7, "u2", 3)
	counts, err := s.GetUnreadCounts(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []types.UnreadCount{{GroupId: 7, UnreadCount: 3}}, counts)

	mr.SetError("LOADING redis is loading the dataset in memory")
	seed(t, s, 7, "u2", 2)
	mr.SetError("")

	counts, err = s.GetUnreadCounts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []types.UnreadCount{{GroupId: 7, UnreadCount: 5}}, counts,
		"expected appends the cache missed to be counted")

	latest, err := mr.Get("channel:7:seq")
	require.NoError(t, err, "expected the lookup to rewarm the cache")
	assert.Equal(t, "5", latest)

	counts, err = s.GetUnreadCounts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []types.UnreadCount{{GroupId: 7, UnreadCount: 5}}, counts)
}
