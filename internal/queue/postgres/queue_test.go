package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecapture/internal/job"
	"github.com/JakeFAU/sitecapture/internal/queue"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

func newMockQueue(t *testing.T) (*Queue, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	q, err := NewWithPool(mock, "capture_jobs", time.Hour, &seqIDs{})
	require.NoError(t, err)
	return q, mock
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "jobs; DROP TABLE x", time.Hour, &seqIDs{})
	require.Error(t, err)
	_, err = NewWithPool(mock, "jobs", 0, &seqIDs{})
	require.Error(t, err)
}

func TestEnqueueInsertsRow(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	d := job.Descriptor{URL: "https://example.org", Mode: job.ModeSinglePage, IPVersion: job.IPv4, UserAgent: "firefox_nt10"}
	body, err := job.Encode(d)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO capture_jobs").
		WithArgs("id-1", body).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := q.Enqueue(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, "id-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueWrapsInsertError(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	mock.ExpectExec("INSERT INTO capture_jobs").
		WithArgs("id-1", pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err := q.Enqueue(context.Background(), job.Descriptor{URL: "https://example.org"})
	require.ErrorContains(t, err, "insert job")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReceiveLeasesRow(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	expires := time.Unix(1700003600, 0).UTC()
	body := []byte(`{"url":"https://example.org","mode":"single-page","ip_version":"v4","user_agent":"firefox_nt10"}`)

	mock.ExpectQuery("UPDATE capture_jobs").
		WithArgs("id-1", float64(3600)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "body", "receive_count", "visible_at"}).
			AddRow("job-1", body, 2, expires))

	d, err := q.Receive(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, &queue.Delivery{
		JobID:        "job-1",
		Receipt:      "id-1",
		Body:         body,
		ReceiveCount: 2,
		LeaseExpires: expires,
	}, d)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReceiveReturnsNilWhenEmpty(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	mock.ExpectQuery("UPDATE capture_jobs").
		WithArgs("id-1", float64(3600)).
		WillReturnError(pgx.ErrNoRows)

	d, err := q.Receive(context.Background(), 0)
	require.NoError(t, err)
	require.Nil(t, d)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAckDeletesByReceipt(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	mock.ExpectExec("DELETE FROM capture_jobs").
		WithArgs("receipt-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM capture_jobs").
		WithArgs("receipt-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, q.Ack(context.Background(), "receipt-1"))
	require.ErrorIs(t, q.Ack(context.Background(), "receipt-1"), queue.ErrStaleReceipt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsCountsVisibleAndLeased(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	mock.ExpectQuery("FILTER").
		WillReturnRows(pgxmock.NewRows([]string{"visible", "in_flight"}).AddRow(11, 3))

	st, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, queue.Stats{Visible: 11, InFlight: 3}, st)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaCreatesTable(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS capture_jobs").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, q.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
