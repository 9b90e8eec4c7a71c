package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/npezzotti/quizhub/internal/types"
)

const (
	nextSequenceQuery = "INSERT INTO channel_sequences (group_id, seq) VALUES ($1, 1) " +
		"ON CONFLICT (group_id) DO UPDATE SET seq = channel_sequences.seq + 1 RETURNING seq"
	messageColumns = "id, group_id, user_id, body, seq, created_at, COALESCE(client_message_id, '')"
)

func (db *PgRepository) AppendMessage(ctx context.Context, params AppendMessageParams) (types.Message, bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Message{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// the upsert row lock serializes appenders of the same group across nodes
	var seq int64
	if err := tx.QueryRowContext(ctx, nextSequenceQuery, params.GroupId).Scan(&seq); err != nil {
		return types.Message{}, false, fmt.Errorf("next sequence: %w", err)
	}

	if params.ClientMessageId != "" {
		row := tx.QueryRowContext(ctx,
			"SELECT "+messageColumns+" FROM messages "+
				"WHERE group_id = $1 AND user_id = $2 AND client_message_id = $3 LIMIT 1",
			params.GroupId,
			params.UserId,
			params.ClientMessageId,
		)

		existing, err := scanMessage(row)
		if err == nil {
			// rollback releases the sequence we just took
			return existing, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return types.Message{}, false, fmt.Errorf("lookup client message id: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (id, group_id, user_id, body, seq, client_message_id, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)",
		params.MessageId,
		params.GroupId,
		params.UserId,
		params.Body,
		seq,
		params.ClientMessageId,
		params.CreatedAt,
	)
	if err != nil {
		return types.Message{}, false, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return types.Message{}, false, fmt.Errorf("commit: %w", err)
	}

	return types.Message{
		MessageId:       params.MessageId,
		GroupId:         params.GroupId,
		UserId:          params.UserId,
		Body:            params.Body,
		Sequence:        seq,
		Timestamp:       params.CreatedAt,
		ClientMessageId: params.ClientMessageId,
	}, false, nil
}

func (db *PgRepository) LatestSequence(ctx context.Context, groupId int64) (int64, error) {
	var seq int64
	err := db.conn.QueryRowContext(ctx,
		"SELECT seq FROM channel_sequences WHERE group_id = $1",
		groupId,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	return seq, err
}

func (db *PgRepository) MessagesInRange(ctx context.Context, groupId, lo, hi int64) ([]types.Message, error) {
	return db.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE group_id = $1 AND seq > $2 AND seq <= $3 ORDER BY seq ASC",
		groupId,
		lo,
		hi,
	)
}

func (db *PgRepository) MessagesAfter(ctx context.Context, groupId, after int64, limit int) ([]types.Message, error) {
	return db.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE group_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3",
		groupId,
		after,
		limit,
	)
}

func (db *PgRepository) queryMessages(ctx context.Context, query string, args ...any) ([]types.Message, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]types.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (types.Message, error) {
	var msg types.Message
	err := s.Scan(
		&msg.MessageId,
		&msg.GroupId,
		&msg.UserId,
		&msg.Body,
		&msg.Sequence,
		&msg.Timestamp,
		&msg.ClientMessageId,
	)
	msg.Timestamp = msg.Timestamp.UTC()

	return msg, err
}

func (db *PgRepository) AdvanceReadCursor(ctx context.Context, userId string, groupId, seq int64) (int64, bool, error) {
	var stored int64
	err := db.conn.QueryRowContext(ctx,
		"INSERT INTO read_cursors (user_id, group_id, seq, updated_at) VALUES ($1, $2, $3, NOW()) "+
			"ON CONFLICT (user_id, group_id) DO UPDATE SET seq = GREATEST(read_cursors.seq, EXCLUDED.seq), updated_at = NOW() "+
			"WHERE read_cursors.seq < EXCLUDED.seq RETURNING seq",
		userId,
		groupId,
		seq,
	).Scan(&stored)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("upsert read cursor: %w", err)
	}

	// the conflict branch was skipped: the cursor is already at or past seq
	stored, err = db.ReadCursor(ctx, userId, groupId)
	return stored, false, err
}

func (db *PgRepository) ReadCursor(ctx context.Context, userId string, groupId int64) (int64, error) {
	var seq int64
	err := db.conn.QueryRowContext(ctx,
		"SELECT seq FROM read_cursors WHERE user_id = $1 AND group_id = $2",
		userId,
		groupId,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	return seq, err
}

func (db *PgRepository) UnreadStates(ctx context.Context, userId string) ([]UnreadState, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT gm.group_id, COALESCE(cs.seq, 0), COALESCE(rc.seq, 0) FROM group_members gm "+
			"LEFT JOIN channel_sequences cs ON cs.group_id = gm.group_id "+
			"LEFT JOIN read_cursors rc ON rc.group_id = gm.group_id AND rc.user_id = gm.user_id "+
			"WHERE gm.user_id = $1 ORDER BY gm.group_id",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make([]UnreadState, 0)
	for rows.Next() {
		var s UnreadState
		if err := rows.Scan(&s.GroupId, &s.Latest, &s.Cursor); err != nil {
			return nil, err
		}
		states = append(states, s)
	}

	return states, rows.Err()
}

func (db *PgRepository) IsMember(ctx context.Context, userId string, groupId int64) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)",
		groupId,
		userId,
	).Scan(&exists)

	return exists, err
}

func (db *PgRepository) MemberIds(ctx context.Context, groupId int64) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT user_id FROM group_members WHERE group_id = $1",
		groupId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (db *PgRepository) GroupsForUser(ctx context.Context, userId string) ([]int64, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT group_id FROM group_members WHERE user_id = $1 ORDER BY group_id",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
