package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var messageRowColumns = []string{"id", "group_id", "user_id", "body", "seq", "created_at", "client_message_id"}

func newMockRepo(t *testing.T) (*PgRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewPgRepositoryFromDB(db), mock
}

func TestPgRepository_AppendMessage(t *testing.T) {
	now := time.Now().UTC()
	params := AppendMessageParams{
		MessageId:       99,
		GroupId:         7,
		UserId:          "u1",
		Body:            "hello",
		ClientMessageId: "c-1",
		CreatedAt:       now,
	}

	t.Run("new message", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO channel_sequences").
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(26))
		mock.ExpectQuery("SELECT (.+) FROM messages WHERE group_id").
			WithArgs(int64(7), "u1", "c-1").
			WillReturnRows(sqlmock.NewRows(messageRowColumns))
		mock.ExpectExec("INSERT INTO messages").
			WithArgs(int64(99), int64(7), "u1", "hello", int64(26), "c-1", now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		msg, dup, err := repo.AppendMessage(context.Background(), params)
		require.NoError(t, err)
		assert.False(t, dup)
		assert.Equal(t, int64(26), msg.Sequence, "expected sequence from counter")
		assert.Equal(t, "hello", msg.Body)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate client message id", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO channel_sequences").
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(27))
		mock.ExpectQuery("SELECT (.+) FROM messages WHERE group_id").
			WithArgs(int64(7), "u1", "c-1").
			WillReturnRows(sqlmock.NewRows(messageRowColumns).AddRow(99, 7, "u1", "hello", 26, now, "c-1"))
		mock.ExpectRollback()

		msg, dup, err := repo.AppendMessage(context.Background(), params)
		require.NoError(t, err)
		assert.True(t, dup, "expected duplicate to be reported")
		assert.Equal(t, int64(26), msg.Sequence, "expected original sequence")
		assert.NoError(t, mock.ExpectationsWereMet(), "expected sequence increment to be rolled back")
	})
}

func TestPgRepository_AdvanceReadCursor(t *testing.T) {
	t.Run("advances", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("INSERT INTO read_cursors").
			WithArgs("u1", int64(7), int64(20)).
			WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(20))

		seq, advanced, err := repo.AdvanceReadCursor(context.Background(), "u1", 7, 20)
		require.NoError(t, err)
		assert.True(t, advanced)
		assert.Equal(t, int64(20), seq)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale sequence", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("INSERT INTO read_cursors").
			WithArgs("u1", int64(7), int64(19)).
			WillReturnRows(sqlmock.NewRows([]string{"seq"}))
		mock.ExpectQuery("SELECT seq FROM read_cursors").
			WithArgs("u1", int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(20))

		seq, advanced, err := repo.AdvanceReadCursor(context.Background(), "u1", 7, 19)
		require.NoError(t, err)
		assert.False(t, advanced, "expected cursor not to move backwards")
		assert.Equal(t, int64(20), seq)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgRepository_LatestSequence(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT seq FROM channel_sequences").
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}))

	seq, err := repo.LatestSequence(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq, "expected empty group to report 0")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_MessagesInRange(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM messages WHERE group_id = \\$1 AND seq > \\$2 AND seq <= \\$3").
		WithArgs(int64(7), int64(15), int64(25)).
		WillReturnRows(sqlmock.NewRows(messageRowColumns).
			AddRow(1, 7, "u1", "a", 16, now, "").
			AddRow(2, 7, "u2", "b", 17, now, ""))

	msgs, err := repo.MessagesInRange(context.Background(), 7, 15, 25)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(16), msgs[0].Sequence)
	assert.Equal(t, "u2", msgs[1].UserId)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_UnreadStates(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("FROM group_members gm").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"group_id", "seq", "seq"}).
			AddRow(7, 25, 20).
			AddRow(9, 0, 0))

	states, err := repo.UnreadStates(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []UnreadState{{GroupId: 7, Latest: 25, Cursor: 20}, {GroupId: 9}}, states)
	assert.Equal(t, int64(5), states[0].Unread())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepository_IsMember(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(7), "u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.IsMember(context.Background(), "u1", 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
