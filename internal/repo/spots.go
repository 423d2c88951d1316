package repo

import (
	"context"
	"errors"

	"parkd/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SpotsRepo struct{ db querier }

func NewSpotsRepo(db *pgxpool.Pool) *SpotsRepo { return &SpotsRepo{db: db} }

const spotColumns = `spot_id, coalesce(owner_id,''), coalesce(title,''), occupancy_status, current_session_user_id,
		       lock_serial, hourly_rate::float8, last_status_source, updated_at`

// Upsert registers or edits a spot. Occupancy is left alone on conflict so
// spot management never races the lifecycle manager.
func (r *SpotsRepo) Upsert(ctx context.Context, s models.ParkingSpot) error {
	_, err := r.db.Exec(ctx, `
		insert into parking_spots (spot_id, owner_id, title, lock_serial, hourly_rate)
		values ($1,$2,$3,$4,$5)
		on conflict (spot_id) do update set
		  owner_id=excluded.owner_id,
		  title=excluded.title,
		  lock_serial=excluded.lock_serial,
		  hourly_rate=excluded.hourly_rate,
		  updated_at=now()
	`, s.SpotId, s.OwnerId, s.Title, s.LockSerial, s.HourlyRate)
	return err
}

func (r *SpotsRepo) Get(ctx context.Context, id string) (*models.ParkingSpot, error) {
	return r.getOne(ctx, `select `+spotColumns+` from parking_spots where spot_id=$1`, id)
}

func (r *SpotsRepo) GetForUpdate(ctx context.Context, id string) (*models.ParkingSpot, error) {
	return r.getOne(ctx, `select `+spotColumns+` from parking_spots where spot_id=$1 for update`, id)
}

func (r *SpotsRepo) getOne(ctx context.Context, q string, id string) (*models.ParkingSpot, error) {
	s, err := scanSpot(r.db.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func (r *SpotsRepo) ListLockControlled(ctx context.Context) ([]models.ParkingSpot, error) {
	rows, err := r.db.Query(ctx, `
		select `+spotColumns+`
		from parking_spots
		where lock_serial is not null and lock_serial <> ''
		order by spot_id asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ParkingSpot
	for rows.Next() {
		s, err := scanSpot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Occupy is the compare-and-swap guard for session start: zero rows means
// the spot was not available.
func (r *SpotsRepo) Occupy(ctx context.Context, spotId, userId string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		update parking_spots
		set occupancy_status='occupied', current_session_user_id=$2, last_status_source='session_start', updated_at=now()
		where spot_id=$1 and occupancy_status='available'
	`, spotId, userId)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *SpotsRepo) Release(ctx context.Context, spotId string) error {
	_, err := r.db.Exec(ctx, `
		update parking_spots
		set occupancy_status='available', current_session_user_id=null, last_status_source='session_end', updated_at=now()
		where spot_id=$1
	`, spotId)
	return err
}

func (r *SpotsRepo) MarkOccupiedBySensor(ctx context.Context, spotId string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		update parking_spots
		set occupancy_status='occupied', last_status_source='reconciler', updated_at=now()
		where spot_id=$1 and occupancy_status='available'
	`, spotId)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *SpotsRepo) ReleaseOrphaned(ctx context.Context, spotId string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		update parking_spots
		set occupancy_status='available', last_status_source='reconciler', updated_at=now()
		where spot_id=$1 and occupancy_status='occupied' and current_session_user_id is null
	`, spotId)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpot(row rowScanner) (*models.ParkingSpot, error) {
	var s models.ParkingSpot
	if err := row.Scan(&s.SpotId, &s.OwnerId, &s.Title, &s.OccupancyStatus, &s.CurrentSessionUserId,
		&s.LockSerial, &s.HourlyRate, &s.LastStatusSource, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
