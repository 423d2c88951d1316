package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"parkd/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// execQuerier answers Exec with a fixed tag/error; reads are not used.
type execQuerier struct {
	tag  pgconn.CommandTag
	err  error
	sqls []string
}

func (q *execQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.sqls = append(q.sqls, sql)
	return q.tag, q.err
}

func (q *execQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (q *execQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return errRow{}
}

type errRow struct{}

func (errRow) Scan(dest ...any) error { return pgx.ErrNoRows }

func TestInsertMapsActiveSessionConstraints(t *testing.T) {
	tests := []struct {
		constraint string
		want       error
	}{
		{"parking_sessions_one_active_per_user", ErrUserHasActiveSession},
		{"parking_sessions_one_active_per_spot", ErrSpotHasActiveSession},
	}
	for _, tt := range tests {
		t.Run(tt.constraint, func(t *testing.T) {
			q := &execQuerier{err: &pgconn.PgError{Code: "23505", ConstraintName: tt.constraint}}
			r := &SessionsRepo{db: q}
			err := r.Insert(context.Background(), models.ParkingSession{SessionId: "s1", SpotId: "p1", UserId: "u1", StartTime: time.Now()})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Insert() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInsertPassesThroughOtherErrors(t *testing.T) {
	fk := &pgconn.PgError{Code: "23503", ConstraintName: "parking_sessions_spot_id_fkey"}
	r := &SessionsRepo{db: &execQuerier{err: fk}}
	err := r.Insert(context.Background(), models.ParkingSession{SessionId: "s1"})
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23503" {
		t.Fatalf("Insert() error = %v, want raw foreign key error", err)
	}
}

func TestCompleteRequiresActiveSession(t *testing.T) {
	r := &SessionsRepo{db: &execQuerier{tag: pgconn.NewCommandTag("UPDATE 0")}}
	err := r.Complete(context.Background(), "s1", time.Now(), 10, models.LockNotApplicable)
	if !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("Complete() error = %v, want ErrSessionNotActive", err)
	}
}

func TestOccupyReportsCompareAndSwapOutcome(t *testing.T) {
	for _, tc := range []struct {
		tag  string
		want bool
	}{
		{"UPDATE 1", true},
		{"UPDATE 0", false},
	} {
		r := &SpotsRepo{db: &execQuerier{tag: pgconn.NewCommandTag(tc.tag)}}
		ok, err := r.Occupy(context.Background(), "p1", "u1")
		if err != nil {
			t.Fatalf("Occupy(): %v", err)
		}
		if ok != tc.want {
			t.Fatalf("Occupy() with %q = %v, want %v", tc.tag, ok, tc.want)
		}
	}
}

func TestGetSessionNotFoundIsNil(t *testing.T) {
	r := &SessionsRepo{db: &execQuerier{}}
	s, err := r.GetByID(context.Background(), "missing")
	if err != nil || s != nil {
		t.Fatalf("GetByID() = %v, %v; want nil, nil", s, err)
	}
}
