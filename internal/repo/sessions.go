package repo

import (
	"context"
	"errors"
	"time"

	"parkd/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SessionsRepo struct{ db querier }

func NewSessionsRepo(db *pgxpool.Pool) *SessionsRepo { return &SessionsRepo{db: db} }

const sessionColumns = `session_id, spot_id, user_id, vehicle_plate, start_time, end_time, total_amount,
		       session_status, payment_status, lock_closure_status, created_at, updated_at`

const uniqueViolation = "23505"

// Insert creates the session row. The partial unique indexes turn a lost
// race against another start into ErrUserHasActiveSession or
// ErrSpotHasActiveSession.
func (r *SessionsRepo) Insert(ctx context.Context, s models.ParkingSession) error {
	_, err := r.db.Exec(ctx, `
		insert into parking_sessions (session_id, spot_id, user_id, vehicle_plate, start_time, session_status, payment_status, lock_closure_status)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, s.SessionId, s.SpotId, s.UserId, s.VehiclePlate, s.StartTime, s.SessionStatus, s.PaymentStatus, s.LockClosureStatus)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case "parking_sessions_one_active_per_user":
			return ErrUserHasActiveSession
		case "parking_sessions_one_active_per_spot":
			return ErrSpotHasActiveSession
		}
	}
	return err
}

func (r *SessionsRepo) GetByID(ctx context.Context, id string) (*models.ParkingSession, error) {
	return r.getOne(ctx, `select `+sessionColumns+` from parking_sessions where session_id=$1`, id)
}

func (r *SessionsRepo) ActiveByUser(ctx context.Context, userId string) (*models.ParkingSession, error) {
	return r.getOne(ctx, `
		select `+sessionColumns+`
		from parking_sessions
		where user_id=$1 and session_status='active'
		order by start_time desc
		limit 1
	`, userId)
}

// ActiveForSpotUser locks the session row for the rest of the transaction.
func (r *SessionsRepo) ActiveForSpotUser(ctx context.Context, spotId, userId string) (*models.ParkingSession, error) {
	return r.getOne(ctx, `
		select `+sessionColumns+`
		from parking_sessions
		where spot_id=$1 and user_id=$2 and session_status='active'
		for update
	`, spotId, userId)
}

func (r *SessionsRepo) getOne(ctx context.Context, q string, args ...any) (*models.ParkingSession, error) {
	s, err := scanSession(r.db.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func (r *SessionsRepo) Complete(ctx context.Context, sessionId string, endTime time.Time, totalAmount int64, lock models.LockClosureStatus) error {
	tag, err := r.db.Exec(ctx, `
		update parking_sessions
		set end_time=$2, total_amount=$3, session_status='completed', payment_status='unpaid', lock_closure_status=$4, updated_at=now()
		where session_id=$1 and session_status='active'
	`, sessionId, endTime, totalAmount, lock)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotActive
	}
	return nil
}

// MarkPaid is the payment collaborator's write. It only touches completed,
// unpaid sessions and reports whether a row changed.
func (r *SessionsRepo) MarkPaid(ctx context.Context, sessionId string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		update parking_sessions set payment_status='paid', updated_at=now()
		where session_id=$1 and session_status='completed' and payment_status='unpaid'
	`, sessionId)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *SessionsRepo) ListBySpot(ctx context.Context, spotId string, limit int) ([]models.ParkingSession, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		select `+sessionColumns+`
		from parking_sessions where spot_id=$1
		order by start_time desc
		limit $2
	`, spotId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ParkingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (*models.ParkingSession, error) {
	var s models.ParkingSession
	if err := row.Scan(&s.SessionId, &s.SpotId, &s.UserId, &s.VehiclePlate, &s.StartTime, &s.EndTime, &s.TotalAmount,
		&s.SessionStatus, &s.PaymentStatus, &s.LockClosureStatus, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
