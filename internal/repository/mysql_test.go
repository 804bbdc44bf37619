package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/votesaga/internal/model"
)

func newMockRepository(t *testing.T) (*MySQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewMySQLRepositoryFromDB(db, nil, nil)
	t.Cleanup(func() {
		mock.ExpectClose()
		require.NoError(t, repo.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	})
	return repo, mock
}

func TestInitSchemaCreatesTables(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS votes").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS idempotency_records").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.InitSchema(context.Background()))
}

func TestSaveVoteInsertsRow(t *testing.T) {
	repo, mock := newMockRepository(t)
	userID := uuid.New()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	vote := model.NewVote(userID, 7, now)
	vote.SagaID = "S1"

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO votes (saga_id, user_id, novel_id, create_time, update_time)")).
		WithArgs("S1", userID.String(), int64(7), now, now).
		WillReturnResult(sqlmock.NewResult(101, 1))

	saved, err := repo.SaveVote(context.Background(), vote)
	require.NoError(t, err)
	assert.Equal(t, int64(101), saved.ID)
	assert.Equal(t, int64(0), vote.ID, "input vote must not be mutated")
}

func TestSaveVoteReusesExistingSagaVote(t *testing.T) {
	repo, mock := newMockRepository(t)
	vote := model.NewVote(uuid.New(), 7, time.Now())
	vote.SagaID = "S1"

	// ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id) reports 0 rows and the existing id
	mock.ExpectExec("INSERT INTO votes").
		WillReturnResult(sqlmock.NewResult(55, 0))

	saved, err := repo.SaveVote(context.Background(), vote)
	require.NoError(t, err)
	assert.Equal(t, int64(55), saved.ID)
}

func TestSaveVoteWithoutSagaStoresNull(t *testing.T) {
	repo, mock := newMockRepository(t)
	vote := model.NewVote(uuid.New(), 7, time.Now())

	mock.ExpectExec("INSERT INTO votes").
		WithArgs(nil, vote.UserID.String(), int64(7), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(3, 1))

	_, err := repo.SaveVote(context.Background(), vote)
	require.NoError(t, err)
}

func TestSaveVotePropagatesError(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectExec("INSERT INTO votes").WillReturnError(errors.New("connection reset"))

	_, err := repo.SaveVote(context.Background(), model.NewVote(uuid.New(), 1, time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestFindVoteBySagaID(t *testing.T) {
	repo, mock := newMockRepository(t)
	userID := uuid.New()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "saga_id", "user_id", "novel_id", "create_time", "update_time"}).
		AddRow(int64(9), "S1", userID.String(), int64(7), now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM votes WHERE saga_id = ?")).
		WithArgs("S1").
		WillReturnRows(rows)

	vote, err := repo.FindVoteBySagaID(context.Background(), "S1")
	require.NoError(t, err)
	require.NotNil(t, vote)
	assert.Equal(t, int64(9), vote.ID)
	assert.Equal(t, "S1", vote.SagaID)
	assert.Equal(t, userID, vote.UserID)
	assert.Equal(t, now, vote.CreateTime)
}

func TestFindVoteBySagaIDMissing(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery("FROM votes WHERE saga_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "saga_id", "user_id", "novel_id", "create_time", "update_time"}))

	vote, err := repo.FindVoteBySagaID(context.Background(), "S404")
	require.NoError(t, err)
	assert.Nil(t, vote)
}

func TestFindLegacyVoteOnlyMatchesRowsWithoutSaga(t *testing.T) {
	repo, mock := newMockRepository(t)
	userID := uuid.New()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "saga_id", "user_id", "novel_id", "create_time", "update_time"}).
		AddRow(int64(3), nil, userID.String(), int64(7), now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM votes WHERE user_id = ? AND novel_id = ? AND saga_id IS NULL ORDER BY id DESC LIMIT 1")).
		WithArgs(userID.String(), int64(7)).
		WillReturnRows(rows)

	vote, err := repo.FindLegacyVote(context.Background(), userID, 7)
	require.NoError(t, err)
	require.NotNil(t, vote)
	assert.Equal(t, int64(3), vote.ID)
	assert.Empty(t, vote.SagaID)
}

func TestFindVoteByIDWithNullSaga(t *testing.T) {
	repo, mock := newMockRepository(t)
	userID := uuid.New()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "saga_id", "user_id", "novel_id", "create_time", "update_time"}).
		AddRow(int64(4), nil, userID.String(), int64(2), now, now)
	mock.ExpectQuery("FROM votes WHERE id = ?").WithArgs(int64(4)).WillReturnRows(rows)

	vote, err := repo.FindVoteByID(context.Background(), 4)
	require.NoError(t, err)
	require.NotNil(t, vote)
	assert.Empty(t, vote.SagaID)
}

func TestDeleteVote(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM votes WHERE id = ?")).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.DeleteVote(context.Background(), 9))
}

func TestCountVotes(t *testing.T) {
	repo, mock := newMockRepository(t)
	userID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM votes WHERE novel_id = ?")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(12)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM votes WHERE user_id = ?")).
		WithArgs(userID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	novelCount, err := repo.CountVotesByNovelID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(12), novelCount)

	userCount, err := repo.CountVotesByUserID(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), userCount)
}

func TestFindVotesByUserIDPaginates(t *testing.T) {
	repo, mock := newMockRepository(t)
	userID := uuid.New()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "saga_id", "user_id", "novel_id", "create_time", "update_time"}).
		AddRow(int64(20), "S2", userID.String(), int64(8), now, now).
		AddRow(int64(19), "S1", userID.String(), int64(7), now.Add(-time.Minute), now.Add(-time.Minute))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY create_time DESC, id DESC LIMIT ? OFFSET ?")).
		WithArgs(userID.String(), 2, 4).
		WillReturnRows(rows)

	votes, err := repo.FindVotesByUserID(context.Background(), userID, 4, 2)
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, int64(20), votes[0].ID)
	assert.Equal(t, int64(7), votes[1].NovelID)
}

func TestIsProcessed(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery("FROM idempotency_records").
		WithArgs("vote-saga-create:S1", "VoteSagaCreate").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery("FROM idempotency_records").
		WithArgs("vote-saga-create:S2", "VoteSagaCreate").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	processed, err := repo.IsProcessed(context.Background(), "vote-saga-create:S1", "VoteSagaCreate")
	require.NoError(t, err)
	assert.True(t, processed)

	processed, err = repo.IsProcessed(context.Background(), "vote-saga-create:S2", "VoteSagaCreate")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestMarkAsProcessedIsUpsert(t *testing.T) {
	repo, mock := newMockRepository(t)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("ON DUPLICATE KEY UPDATE processed_at = processed_at")).
		WithArgs("vote-saga-create:S1", "VoteSagaCreate", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON DUPLICATE KEY UPDATE processed_at = processed_at")).
		WithArgs("vote-saga-create:S1", "VoteSagaCreate", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.MarkAsProcessed(context.Background(), "vote-saga-create:S1", "VoteSagaCreate", at))
	require.NoError(t, repo.MarkAsProcessed(context.Background(), "vote-saga-create:S1", "VoteSagaCreate", at))
}
