package channel

import (
	"cmp"
	"context"
	"slices"

	"github.com/npezzotti/quizhub/internal/broker"
	"github.com/npezzotti/quizhub/internal/database"
	"github.com/npezzotti/quizhub/internal/types"
	"go.uber.org/zap"
)

// MarkRead moves userId's cursor in groupId up to upto, or to the latest
// sequence when upto <= 0. Cursors never move backwards. When the cursor
// advances, the user's other chat connections get a messagesRead event;
// connId is the connection that made the call.
func (s *Store) MarkRead(ctx context.Context, userId string, groupId, upto int64, connId string) (int64, bool, error) {
	if err := s.Authorize(ctx, userId, groupId); err != nil {
		return 0, false, err
	}

	latest, err := s.repo.LatestSequence(ctx, groupId)
	if err != nil {
		return 0, false, types.ErrUnavailable.Wrap(err)
	}
	if upto <= 0 || upto > latest {
		upto = latest
	}
	if upto == 0 {
		// nothing to read yet
		return 0, false, nil
	}

	cursor, advanced, err := s.repo.AdvanceReadCursor(ctx, userId, groupId, upto)
	if err != nil {
		return 0, false, types.ErrUnavailable.Wrap(err)
	}
	if !advanced {
		return cursor, false, nil
	}

	if err := s.cache.SetCursor(ctx, userId, groupId, cursor); err != nil {
		s.logger.Warn("cache read cursor", zap.Error(err))
	}

	s.publish(broker.Envelope{
		Key: groupKey(groupId),
		Audience: broker.Audience{
			Hub:              types.ChatHub,
			UserIds:          []string{userId},
			SkipConnectionId: connId,
		},
		Event: types.MessagesRead{UserId: userId, GroupId: groupId, Sequence: cursor},
	})

	return cursor, true, nil
}

// GetUnreadCounts returns latest-minus-cursor for every group userId belongs
// to. Cached inputs are used when present; the repository fills the rest and
// warms the cache.
func (s *Store) GetUnreadCounts(ctx context.Context, userId string) ([]types.UnreadCount, error) {
	groups, err := s.repo.GroupsForUser(ctx, userId)
	if err != nil {
		return nil, types.ErrUnavailable.Wrap(err)
	}
	if len(groups) == 0 {
		return []types.UnreadCount{}, nil
	}

	states, missing, err := s.cache.Lookup(ctx, userId, groups)
	if err != nil {
		s.logger.Warn("unread cache lookup", zap.Error(err))
		states, missing = nil, groups
	}

	if len(missing) > 0 {
		fromRepo, err := s.repo.UnreadStates(ctx, userId)
		if err != nil {
			return nil, types.ErrUnavailable.Wrap(err)
		}

		for _, st := range fromRepo {
			if !slices.Contains(missing, st.GroupId) {
				continue
			}
			states = append(states, st)
			s.warm(ctx, userId, st)
		}
	}

	counts := make([]types.UnreadCount, 0, len(states))
	for _, st := range states {
		counts = append(counts, types.UnreadCount{GroupId: st.GroupId, UnreadCount: st.Unread()})
	}
	slices.SortFunc(counts, func(a, b types.UnreadCount) int {
		return cmp.Compare(a.GroupId, b.GroupId)
	})

	return counts, nil
}

func (s *Store) warm(ctx context.Context, userId string, st database.UnreadState) {
	if err := s.cache.SetLatest(ctx, st.GroupId, st.Latest); err != nil {
		s.logger.Warn("warm latest sequence", zap.Error(err))
		return
	}
	if err := s.cache.SetCursor(ctx, userId, st.GroupId, st.Cursor); err != nil {
		s.logger.Warn("warm read cursor", zap.Error(err))
	}
}
