package repo

import (
	"context"
	"time"

	"parkd/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventsRepo writes the engine audit trail. It always uses the pool so rows
// survive the rollback of whatever user transaction triggered them.
type EventsRepo struct{ db *pgxpool.Pool }

func NewEventsRepo(db *pgxpool.Pool) *EventsRepo { return &EventsRepo{db: db} }

func (r *EventsRepo) Record(ctx context.Context, e models.EngineEvent) error {
	if e.EventId == "" {
		e.EventId = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var payload any
	if len(e.Payload) > 0 {
		payload = e.Payload
	}
	_, err := r.db.Exec(ctx, `
		insert into engine_events (event_id, kind, spot_id, session_id, lock_serial, prior_status, new_status, message, payload, created_at)
		values ($1,$2,nullif($3,''),$4,$5,$6,$7,$8,$9,$10)
	`, e.EventId, e.Kind, e.SpotId, e.SessionId, e.LockSerial, e.PriorStatus, e.NewStatus, e.Message, payload, e.CreatedAt)
	return err
}

func (r *EventsRepo) ListBySpot(ctx context.Context, spotId string, limit int) ([]models.EngineEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		select event_id, kind, coalesce(spot_id,''), session_id, lock_serial, prior_status, new_status, message, payload, created_at
		from engine_events where spot_id=$1
		order by created_at desc
		limit $2
	`, spotId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EngineEvent
	for rows.Next() {
		var e models.EngineEvent
		if err := rows.Scan(&e.EventId, &e.Kind, &e.SpotId, &e.SessionId, &e.LockSerial, &e.PriorStatus, &e.NewStatus, &e.Message, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
