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

var (
	ErrUserHasActiveSession = errors.New("user already has an active session")
	ErrSpotHasActiveSession = errors.New("spot already has an active session")
	ErrSessionNotActive     = errors.New("session is not active")
)

// Store is the session store used by the lifecycle manager and the
// reconciler. Mutations of occupancy outside InTx are single-row
// conditional updates.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetSpot(ctx context.Context, spotId string) (*models.ParkingSpot, error)
	ListLockControlledSpots(ctx context.Context) ([]models.ParkingSpot, error)
	MarkSpotOccupied(ctx context.Context, spotId string) (bool, error)
	ReleaseOrphanedSpot(ctx context.Context, spotId string) (bool, error)

	GetSession(ctx context.Context, sessionId string) (*models.ParkingSession, error)
	ActiveSessionByUser(ctx context.Context, userId string) (*models.ParkingSession, error)
	ListSessionsBySpot(ctx context.Context, spotId string, limit int) ([]models.ParkingSession, error)
	MarkSessionPaid(ctx context.Context, sessionId string) (bool, error)
}

// Tx is the view of the store inside one database transaction.
type Tx interface {
	GetSpotForUpdate(ctx context.Context, spotId string) (*models.ParkingSpot, error)
	ActiveSessionByUser(ctx context.Context, userId string) (*models.ParkingSession, error)
	ActiveSessionForSpot(ctx context.Context, spotId, userId string) (*models.ParkingSession, error)
	InsertSession(ctx context.Context, s models.ParkingSession) error
	OccupySpot(ctx context.Context, spotId, userId string) (bool, error)
	CompleteSession(ctx context.Context, sessionId string, endTime time.Time, totalAmount int64, lock models.LockClosureStatus) error
	ReleaseSpot(ctx context.Context, spotId string) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgStore struct {
	pool     *pgxpool.Pool
	spots    *SpotsRepo
	sessions *SessionsRepo
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, spots: NewSpotsRepo(pool), sessions: NewSessionsRepo(pool)}
}

// InTx runs fn in a read-committed transaction. Mutual exclusion per spot
// comes from the row lock taken by GetSpotForUpdate and from the conditional
// writes, not from the isolation level.
func (s *PgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{
			spots:    &SpotsRepo{db: tx},
			sessions: &SessionsRepo{db: tx},
		})
	})
}

func (s *PgStore) GetSpot(ctx context.Context, spotId string) (*models.ParkingSpot, error) {
	return s.spots.Get(ctx, spotId)
}

func (s *PgStore) ListLockControlledSpots(ctx context.Context) ([]models.ParkingSpot, error) {
	return s.spots.ListLockControlled(ctx)
}

func (s *PgStore) MarkSpotOccupied(ctx context.Context, spotId string) (bool, error) {
	return s.spots.MarkOccupiedBySensor(ctx, spotId)
}

func (s *PgStore) ReleaseOrphanedSpot(ctx context.Context, spotId string) (bool, error) {
	return s.spots.ReleaseOrphaned(ctx, spotId)
}

func (s *PgStore) GetSession(ctx context.Context, sessionId string) (*models.ParkingSession, error) {
	return s.sessions.GetByID(ctx, sessionId)
}

func (s *PgStore) ActiveSessionByUser(ctx context.Context, userId string) (*models.ParkingSession, error) {
	return s.sessions.ActiveByUser(ctx, userId)
}

func (s *PgStore) ListSessionsBySpot(ctx context.Context, spotId string, limit int) ([]models.ParkingSession, error) {
	return s.sessions.ListBySpot(ctx, spotId, limit)
}

func (s *PgStore) MarkSessionPaid(ctx context.Context, sessionId string) (bool, error) {
	return s.sessions.MarkPaid(ctx, sessionId)
}

type pgTx struct {
	spots    *SpotsRepo
	sessions *SessionsRepo
}

func (t *pgTx) GetSpotForUpdate(ctx context.Context, spotId string) (*models.ParkingSpot, error) {
	return t.spots.GetForUpdate(ctx, spotId)
}

func (t *pgTx) ActiveSessionByUser(ctx context.Context, userId string) (*models.ParkingSession, error) {
	return t.sessions.ActiveByUser(ctx, userId)
}

func (t *pgTx) ActiveSessionForSpot(ctx context.Context, spotId, userId string) (*models.ParkingSession, error) {
	return t.sessions.ActiveForSpotUser(ctx, spotId, userId)
}

func (t *pgTx) InsertSession(ctx context.Context, s models.ParkingSession) error {
	return t.sessions.Insert(ctx, s)
}

func (t *pgTx) OccupySpot(ctx context.Context, spotId, userId string) (bool, error) {
	return t.spots.Occupy(ctx, spotId, userId)
}

func (t *pgTx) CompleteSession(ctx context.Context, sessionId string, endTime time.Time, totalAmount int64, lock models.LockClosureStatus) error {
	return t.sessions.Complete(ctx, sessionId, endTime, totalAmount, lock)
}

func (t *pgTx) ReleaseSpot(ctx context.Context, spotId string) error {
	return t.spots.Release(ctx, spotId)
}
