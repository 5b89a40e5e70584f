package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/srg/pneulink/internal/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// QueueTestSuite runs against a real SQLite file in a temp dir.
type QueueTestSuite struct {
	suite.Suite
	ctx    context.Context
	path   string
	logger *logrus.Logger
	q      *Queue
}

func (s *QueueTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.path = filepath.Join(s.T().TempDir(), "queue.db")
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.WarnLevel)

	q, err := Open(s.ctx, s.path, s.logger)
	s.Require().NoError(err)
	s.q = q
}

func (s *QueueTestSuite) TearDownTest() {
	if s.q != nil {
		_ = s.q.Close()
	}
}

func (s *QueueTestSuite) readings(from, to int) []codec.Reading {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	out := make([]codec.Reading, 0, to-from+1)
	for i := from; i <= to; i++ {
		r, err := codec.NewReading("bottom_left", float64(i), base.Add(time.Duration(i)*time.Second))
		s.Require().NoError(err)
		out = append(out, r)
	}
	return out
}

func (s *QueueTestSuite) reopen() {
	s.Require().NoError(s.q.Close())
	q, err := Open(s.ctx, s.path, s.logger)
	s.Require().NoError(err)
	s.q = q
}

func (s *QueueTestSuite) TestAppendAssignsIncreasingIDs() {
	ids, err := s.q.Append(s.ctx, s.readings(1, 5))
	s.Require().NoError(err)
	s.Require().Len(ids, 5)

	for i := 1; i < len(ids); i++ {
		s.Greater(ids[i], ids[i-1], "local ids MUST strictly increase in append order")
	}
}

func (s *QueueTestSuite) TestAppendEmptyIsNoop() {
	ids, err := s.q.Append(s.ctx, nil)
	s.NoError(err)
	s.Empty(ids)
}

func (s *QueueTestSuite) TestDurabilityAcrossReopen() {
	// GOAL: entries survive a process restart in the same order
	//
	// TEST SCENARIO: append 20 → close → reopen → peek returns the same 20 entries

	original := s.readings(1, 20)
	ids, err := s.q.Append(s.ctx, original)
	s.Require().NoError(err)

	s.reopen()

	entries, err := s.q.PeekBatch(s.ctx, 100)
	s.Require().NoError(err)
	s.Require().Len(entries, len(original))
	for i, e := range entries {
		s.Equal(ids[i], e.LocalID)
		s.Equal(original[i].ChannelID(), e.Reading.ChannelID())
		s.Equal(original[i].Pressure(), e.Reading.Pressure())
		s.True(original[i].Timestamp().Equal(e.Reading.Timestamp()), "timestamp MUST survive storage")
	}
}

func (s *QueueTestSuite) TestPeekBatchRespectsLimitAndOrder() {
	_, err := s.q.Append(s.ctx, s.readings(1, 10))
	s.Require().NoError(err)

	entries, err := s.q.PeekBatch(s.ctx, 3)
	s.Require().NoError(err)
	s.Require().Len(entries, 3)
	s.Equal([]float64{1, 2, 3}, pressures(entries), "batch MUST hold the oldest entries")

	again, err := s.q.PeekBatch(s.ctx, 3)
	s.Require().NoError(err)
	s.Equal(entries, again, "peek MUST NOT remove entries")

	_, err = s.q.PeekBatch(s.ctx, 0)
	s.Error(err)
}

func (s *QueueTestSuite) TestPurgeUpToIsIdempotent() {
	ids, err := s.q.Append(s.ctx, s.readings(1, 10))
	s.Require().NoError(err)

	removed, err := s.q.PurgeUpTo(s.ctx, ids[4])
	s.Require().NoError(err)
	s.EqualValues(5, removed)

	removed, err = s.q.PurgeUpTo(s.ctx, ids[4])
	s.Require().NoError(err)
	s.EqualValues(0, removed, "second purge with the same mark MUST remove nothing")

	removed, err = s.q.PurgeUpTo(s.ctx, ids[1])
	s.Require().NoError(err)
	s.EqualValues(0, removed, "purge below an earlier mark MUST be a no-op")

	entries, err := s.q.PeekBatch(s.ctx, 100)
	s.Require().NoError(err)
	s.Equal([]float64{6, 7, 8, 9, 10}, pressures(entries))
}

func (s *QueueTestSuite) TestIDsNotReusedAfterPurge() {
	ids, err := s.q.Append(s.ctx, s.readings(1, 3))
	s.Require().NoError(err)
	_, err = s.q.PurgeUpTo(s.ctx, ids[2])
	s.Require().NoError(err)

	s.reopen()

	next, err := s.q.Append(s.ctx, s.readings(4, 4))
	s.Require().NoError(err)
	s.Greater(next[0], ids[2], "ids MUST NOT be reused after purge")
}

func (s *QueueTestSuite) TestClearAllAndCount() {
	_, err := s.q.Append(s.ctx, s.readings(1, 7))
	s.Require().NoError(err)

	n, err := s.q.Count(s.ctx)
	s.Require().NoError(err)
	s.EqualValues(7, n)

	removed, err := s.q.ClearAll(s.ctx)
	s.Require().NoError(err)
	s.EqualValues(7, removed)

	n, err = s.q.Count(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *QueueTestSuite) TestLastSync() {
	last, err := s.q.LastSync(s.ctx)
	s.Require().NoError(err)
	s.True(last.IsZero(), "no sync recorded MUST yield the zero time")

	at := time.Date(2024, 5, 1, 9, 0, 0, 250_000_000, time.UTC)
	s.Require().NoError(s.q.MarkSynced(s.ctx, at))
	s.Require().NoError(s.q.MarkSynced(s.ctx, at.Add(time.Hour)))

	s.reopen()

	last, err = s.q.LastSync(s.ctx)
	s.Require().NoError(err)
	s.True(at.Add(time.Hour).Equal(last), "latest sync time MUST win and persist")
}

func (s *QueueTestSuite) TestConcurrentAppendsKeepOrder() {
	const writers, perWriter = 4, 25
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			_, err := s.q.Append(s.ctx, s.readings(w*perWriter+1, (w+1)*perWriter))
			errs <- err
		}(w)
	}
	for w := 0; w < writers; w++ {
		s.Require().NoError(<-errs)
	}

	entries, err := s.q.PeekBatch(s.ctx, writers*perWriter)
	s.Require().NoError(err)
	s.Len(entries, writers*perWriter)
	for i := 1; i < len(entries); i++ {
		s.Greater(entries[i].LocalID, entries[i-1].LocalID)
	}
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}

func pressures(entries []Entry) []float64 {
	out := make([]float64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Reading.Pressure())
	}
	return out
}

// Storage failure paths, driven through sqlmock.

func newMockQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS queue_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sync_state").WillReturnResult(sqlmock.NewResult(0, 0))

	q, err := New(context.Background(), db, nil)
	require.NoError(t, err)
	return q, mock
}

func TestNew_SchemaFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS queue_entries").WillReturnError(errors.New("disk I/O error"))

	_, err = New(context.Background(), db, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_RollsBackOnFailure(t *testing.T) {
	// GOAL: a failing insert leaves nothing behind (all or nothing)
	q, mock := newMockQueue(t)

	r1, _ := codec.NewReading("top_left", 1, time.Now())
	r2, _ := codec.NewReading("top_left", 2, time.Now())

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO queue_entries")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	ids, err := q.Append(context.Background(), []codec.Reading{r1, r2})
	require.Error(t, err)
	assert.Nil(t, ids)
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet(), "failed append MUST roll back")
}

func TestAppend_CommitFailure(t *testing.T) {
	q, mock := newMockQueue(t)
	r, _ := codec.NewReading("top_left", 1, time.Now())

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO queue_entries").ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	_, err := q.Append(context.Background(), []codec.Reading{r})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit append")
}

func TestPurgeUpTo_Failure(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec("DELETE FROM queue_entries WHERE id <=").
		WithArgs(int64(42)).
		WillReturnError(errors.New("database is locked"))

	removed, err := q.PurgeUpTo(context.Background(), 42)
	require.Error(t, err)
	assert.Zero(t, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeekBatch_CorruptTimestamp(t *testing.T) {
	q, mock := newMockQueue(t)

	rows := sqlmock.NewRows([]string{"id", "channel_id", "pressure", "timestamp"}).
		AddRow(int64(1), "top_left", 1.5, "not-a-time")
	mock.ExpectQuery("SELECT id, channel_id, pressure, timestamp FROM queue_entries").
		WithArgs(10).
		WillReturnRows(rows)

	_, err := q.PeekBatch(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("queue entry %d", 1))
}
