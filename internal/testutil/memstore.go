// Package testutil holds in-memory doubles for the session store, the lock
// gateway and the event sinks.
package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"parkd/internal/models"
	"parkd/internal/repo"

	"gopkg.in/guregu/null.v4"
)

// MemStore implements repo.Store with the same guarantees as the Postgres
// store: transactions are all-or-nothing and the one-active-session
// constraints are enforced on insert. A transaction holds the store lock
// until it commits or rolls back.
type MemStore struct {
	mu        sync.Mutex
	t         tables
	commitErr error
}

var _ repo.Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{t: tables{
		spots:    map[string]models.ParkingSpot{},
		sessions: map[string]models.ParkingSession{},
	}}
}

// PutSpot registers or overwrites a spot, bypassing the engine.
func (s *MemStore) PutSpot(sp models.ParkingSpot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp.OccupancyStatus == "" {
		sp.OccupancyStatus = models.SpotAvailable
	}
	sp.UpdatedAt = time.Now().UTC()
	s.t.spots[sp.SpotId] = sp
}

// PutSession inserts a session row directly, bypassing the engine.
func (s *MemStore) PutSession(ps models.ParkingSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t.sessions[ps.SessionId] = ps
}

// FailNextCommit makes the next transaction fail at commit time after its
// body ran successfully.
func (s *MemStore) FailNextCommit(err error) {
	s.mu.Lock()
	s.commitErr = err
	s.mu.Unlock()
}

func (s *MemStore) Spot(id string) (models.ParkingSpot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.t.spots[id]
	return sp, ok
}

// Spots is a full table scan ordered by spot id.
func (s *MemStore) Spots() []models.ParkingSpot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ParkingSpot, 0, len(s.t.spots))
	for _, sp := range s.t.spots {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpotId < out[j].SpotId })
	return out
}

// Sessions is a full table scan ordered by start time.
func (s *MemStore) Sessions() []models.ParkingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ParkingSession, 0, len(s.t.sessions))
	for _, ps := range s.t.sessions {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].SessionId < out[j].SessionId
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func (s *MemStore) InTx(ctx context.Context, fn func(tx repo.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{t: s.t.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.commitErr != nil {
		err := s.commitErr
		s.commitErr = nil
		return err
	}
	s.t = tx.t
	return nil
}

func (s *MemStore) GetSpot(ctx context.Context, spotId string) (*models.ParkingSpot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.spot(spotId), nil
}

func (s *MemStore) ListLockControlledSpots(ctx context.Context) ([]models.ParkingSpot, error) {
	var out []models.ParkingSpot
	for _, sp := range s.Spots() {
		if sp.LockControlled() {
			out = append(out, sp)
		}
	}
	return out, nil
}

func (s *MemStore) MarkSpotOccupied(ctx context.Context, spotId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.t.spots[spotId]
	if !ok || sp.OccupancyStatus != models.SpotAvailable {
		return false, nil
	}
	sp.OccupancyStatus = models.SpotOccupied
	sp.LastStatusSource = "reconciler"
	sp.UpdatedAt = time.Now().UTC()
	s.t.spots[spotId] = sp
	return true, nil
}

func (s *MemStore) ReleaseOrphanedSpot(ctx context.Context, spotId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.t.spots[spotId]
	if !ok || sp.OccupancyStatus != models.SpotOccupied || sp.CurrentSessionUserId.Valid {
		return false, nil
	}
	sp.OccupancyStatus = models.SpotAvailable
	sp.LastStatusSource = "reconciler"
	sp.UpdatedAt = time.Now().UTC()
	s.t.spots[spotId] = sp
	return true, nil
}

func (s *MemStore) GetSession(ctx context.Context, sessionId string) (*models.ParkingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.t.sessions[sessionId]
	if !ok {
		return nil, nil
	}
	return &ps, nil
}

func (s *MemStore) ActiveSessionByUser(ctx context.Context, userId string) (*models.ParkingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.activeByUser(userId), nil
}

func (s *MemStore) ListSessionsBySpot(ctx context.Context, spotId string, limit int) ([]models.ParkingSession, error) {
	var out []models.ParkingSession
	all := s.Sessions()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].SpotId == spotId {
			out = append(out, all[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) MarkSessionPaid(ctx context.Context, sessionId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.t.sessions[sessionId]
	if !ok || ps.SessionStatus != models.SessionCompleted || ps.PaymentStatus != models.PaymentUnpaid {
		return false, nil
	}
	ps.PaymentStatus = models.PaymentPaid
	ps.UpdatedAt = time.Now().UTC()
	s.t.sessions[sessionId] = ps
	return true, nil
}

type tables struct {
	spots    map[string]models.ParkingSpot
	sessions map[string]models.ParkingSession
}

func (t tables) clone() tables {
	c := tables{
		spots:    make(map[string]models.ParkingSpot, len(t.spots)),
		sessions: make(map[string]models.ParkingSession, len(t.sessions)),
	}
	for k, v := range t.spots {
		c.spots[k] = v
	}
	for k, v := range t.sessions {
		c.sessions[k] = v
	}
	return c
}

func (t tables) spot(id string) *models.ParkingSpot {
	sp, ok := t.spots[id]
	if !ok {
		return nil
	}
	return &sp
}

func (t tables) activeByUser(userId string) *models.ParkingSession {
	for _, ps := range t.sessions {
		if ps.UserId == userId && ps.SessionStatus == models.SessionActive {
			return &ps
		}
	}
	return nil
}

type memTx struct{ t tables }

func (tx *memTx) GetSpotForUpdate(ctx context.Context, spotId string) (*models.ParkingSpot, error) {
	return tx.t.spot(spotId), nil
}

func (tx *memTx) ActiveSessionByUser(ctx context.Context, userId string) (*models.ParkingSession, error) {
	return tx.t.activeByUser(userId), nil
}

func (tx *memTx) ActiveSessionForSpot(ctx context.Context, spotId, userId string) (*models.ParkingSession, error) {
	for _, ps := range tx.t.sessions {
		if ps.SpotId == spotId && ps.UserId == userId && ps.SessionStatus == models.SessionActive {
			return &ps, nil
		}
	}
	return nil, nil
}

func (tx *memTx) InsertSession(ctx context.Context, s models.ParkingSession) error {
	if _, dup := tx.t.sessions[s.SessionId]; dup {
		return errors.New("duplicate session id")
	}
	if s.SessionStatus == models.SessionActive {
		for _, ps := range tx.t.sessions {
			if ps.SessionStatus != models.SessionActive {
				continue
			}
			if ps.UserId == s.UserId {
				return repo.ErrUserHasActiveSession
			}
			if ps.SpotId == s.SpotId {
				return repo.ErrSpotHasActiveSession
			}
		}
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	tx.t.sessions[s.SessionId] = s
	return nil
}

func (tx *memTx) OccupySpot(ctx context.Context, spotId, userId string) (bool, error) {
	sp, ok := tx.t.spots[spotId]
	if !ok || sp.OccupancyStatus != models.SpotAvailable {
		return false, nil
	}
	sp.OccupancyStatus = models.SpotOccupied
	sp.CurrentSessionUserId = null.StringFrom(userId)
	sp.LastStatusSource = "session_start"
	sp.UpdatedAt = time.Now().UTC()
	tx.t.spots[spotId] = sp
	return true, nil
}

func (tx *memTx) CompleteSession(ctx context.Context, sessionId string, endTime time.Time, totalAmount int64, lock models.LockClosureStatus) error {
	ps, ok := tx.t.sessions[sessionId]
	if !ok || ps.SessionStatus != models.SessionActive {
		return repo.ErrSessionNotActive
	}
	ps.EndTime = null.TimeFrom(endTime)
	ps.TotalAmount = null.IntFrom(totalAmount)
	ps.SessionStatus = models.SessionCompleted
	ps.PaymentStatus = models.PaymentUnpaid
	ps.LockClosureStatus = lock
	ps.UpdatedAt = time.Now().UTC()
	tx.t.sessions[sessionId] = ps
	return nil
}

func (tx *memTx) ReleaseSpot(ctx context.Context, spotId string) error {
	sp, ok := tx.t.spots[spotId]
	if !ok {
		return nil
	}
	sp.OccupancyStatus = models.SpotAvailable
	sp.CurrentSessionUserId = null.String{}
	sp.LastStatusSource = "session_end"
	sp.UpdatedAt = time.Now().UTC()
	tx.t.spots[spotId] = sp
	return nil
}
