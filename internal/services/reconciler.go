package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"parkd/internal/clock"
	"parkd/internal/gatewayclient"
	"parkd/internal/models"
	"parkd/internal/queue"
	"parkd/internal/repo"

	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"
)

// Lease elects one reconciler across replicas.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// AlertStore shares alert de-duplication state between replicas, so a
// condition already reported by one runner is not reported again when the
// lease moves. Values are opaque to the store.
type AlertStore interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, alerts map[string]string) error
}

type ReconcilerConfig struct {
	Interval      time.Duration
	RealertAfter  time.Duration
	StatusTimeout time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.RealertAfter <= 0 {
		c.RealertAfter = time.Hour
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = 10 * time.Second
	}
	return c
}

// CycleReport summarises one reconciliation pass.
type CycleReport struct {
	StartedAt   time.Time `json:"startedAt"`
	Checked     int       `json:"checked"`
	Corrected   int       `json:"corrected"`
	Anomalies   int       `json:"anomalies"`
	Offline     int       `json:"offline"`
	Ambiguous   int       `json:"ambiguous"`
	Failed      int       `json:"failed"`
	Alerts      int       `json:"alerts"`
	LeaseHeld   bool      `json:"leaseHeldElsewhere,omitempty"`
	DurationMs  int64     `json:"durationMs"`
	Corrections []string  `json:"corrections,omitempty"`
}

// Reconciler repairs stored occupancy from device telemetry. It never
// creates or ends sessions.
type Reconciler struct {
	store   repo.Store
	gateway gatewayclient.Gateway
	audit   AuditLog
	events  queue.Publisher
	lease   Lease
	shared  AlertStore
	clock   clock.Clock
	log     *zap.Logger
	cfg     ReconcilerConfig

	// cycleMu keeps cycles from overlapping and guards alerts.
	cycleMu sync.Mutex
	alerts  map[string]alertState

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

type alertState struct {
	signature string
	at        time.Time
}

func NewReconciler(store repo.Store, gw gatewayclient.Gateway, audit AuditLog, events queue.Publisher, lease Lease, clk clock.Clock, log *zap.Logger, cfg ReconcilerConfig) *Reconciler {
	if events == nil {
		events = queue.Noop{}
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		store:   store,
		gateway: gw,
		audit:   audit,
		events:  events,
		lease:   lease,
		clock:   clk,
		log:     log.Named("reconciler"),
		cfg:     cfg.withDefaults(),
		alerts:  map[string]alertState{},
	}
}

// WithAlertStore makes alert de-duplication survive a change of runner.
func (r *Reconciler) WithAlertStore(s AlertStore) *Reconciler {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()
	r.shared = s
	return r
}

// Start launches the loop. Calling Start on a running loop does nothing.
// The loop ends when ctx is cancelled or Stop is called; a cycle already
// running when ctx ends still completes.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.run(ctx, r.stop, r.done)
	r.log.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))
}

// Stop waits for the cycle in progress to finish, then stops the loop. It
// returns ctx.Err() if ctx ends first.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	close(r.stop)
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.log.Info("reconciler stopped")
	return nil
}

func (r *Reconciler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("reconciliation cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single cycle. A failed bulk status call aborts the
// cycle before any write.
func (r *Reconciler) RunOnce(ctx context.Context) (rep CycleReport, err error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	rep.StartedAt = r.clock.Now().UTC()
	began := time.Now()
	defer func() { rep.DurationMs = time.Since(began).Milliseconds() }()

	if r.lease != nil {
		ok, err := r.lease.TryAcquire(ctx)
		switch {
		case err != nil:
			// Writes are compare-and-swap; an unleased cycle cannot double-apply.
			r.log.Warn("reconcile lease unavailable, running unleased", zap.Error(err))
		case !ok:
			rep.LeaseHeld = true
			r.log.Debug("reconcile lease held by another replica")
			return rep, nil
		default:
			defer func() {
				if err := r.lease.Release(context.WithoutCancel(ctx)); err != nil {
					r.log.Warn("release reconcile lease", zap.Error(err))
				}
			}()
		}
	}

	spots, err := r.store.ListLockControlledSpots(ctx)
	if err != nil {
		return rep, fmt.Errorf("list lock-controlled spots: %w", err)
	}
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StatusTimeout)
	devices, err := r.gateway.StatusAll(sctx)
	cancel()
	if err != nil {
		return rep, fmt.Errorf("bulk device status: %w", err)
	}

	r.loadAlerts(ctx)

	bySerial := make(map[string]models.DeviceStatus, len(devices))
	for _, d := range devices {
		bySerial[d.Serial] = d
	}

	live := make(map[string]bool)
	for _, spot := range spots {
		rep.Checked++
		serial := spot.LockSerial.String
		d, ok := bySerial[serial]
		if !ok {
			rep.Offline++
			r.signal(ctx, &rep, live, "offline:"+spot.SpotId, "", func() {
				r.log.Warn("lock device offline, spot skipped",
					zap.String("spot_id", spot.SpotId),
					zap.String("lock_serial", serial),
					zap.String("occupancy", string(spot.OccupancyStatus)),
				)
				r.record(ctx, models.EngineEvent{
					Kind:        models.EventDeviceOffline,
					SpotId:      spot.SpotId,
					LockSerial:  null.StringFrom(serial),
					PriorStatus: null.StringFrom(string(spot.OccupancyStatus)),
					Message:     "no telemetry for device",
				})
			})
			continue
		}
		if !d.CarPresent.Valid {
			rep.Ambiguous++
			r.signal(ctx, &rep, live, "ambiguous:"+spot.SpotId, "", func() {
				r.log.Warn("ambiguous telemetry, spot skipped",
					zap.String("spot_id", spot.SpotId),
					zap.String("lock_serial", serial),
					zap.String("lock_position", string(d.LockPosition)),
				)
			})
			continue
		}
		r.apply(ctx, &rep, live, spot, d)
	}

	// Conditions that cleared this cycle may alert again if they return.
	for key := range r.alerts {
		if !live[key] {
			delete(r.alerts, key)
		}
	}
	r.saveAlerts(ctx)

	if rep.Corrected > 0 || rep.Alerts > 0 || rep.Failed > 0 {
		r.log.Info("reconciliation cycle done",
			zap.Int("checked", rep.Checked),
			zap.Int("corrected", rep.Corrected),
			zap.Int("anomalies", rep.Anomalies),
			zap.Int("offline", rep.Offline),
			zap.Int("failed", rep.Failed),
		)
	}
	return rep, nil
}

func (r *Reconciler) apply(ctx context.Context, rep *CycleReport, live map[string]bool, spot models.ParkingSpot, d models.DeviceStatus) {
	present := d.CarPresent.Bool
	switch {
	case present && spot.OccupancyStatus == models.SpotAvailable:
		ok, err := r.store.MarkSpotOccupied(ctx, spot.SpotId)
		r.corrected(ctx, rep, spot, d, models.SpotOccupied, ok, err)

	case !present && spot.OccupancyStatus == models.SpotOccupied && !spot.CurrentSessionUserId.Valid:
		ok, err := r.store.ReleaseOrphanedSpot(ctx, spot.SpotId)
		r.corrected(ctx, rep, spot, d, models.SpotAvailable, ok, err)

	case !present && spot.OccupancyStatus == models.SpotOccupied:
		// A live billing session is never ended by a heuristic.
		rep.Anomalies++
		user := spot.CurrentSessionUserId.String
		r.signal(ctx, rep, live, "anomaly:"+spot.SpotId, user, func() {
			r.log.Warn("occupied spot reports no vehicle",
				zap.String("spot_id", spot.SpotId),
				zap.String("lock_serial", d.Serial),
				zap.String("user_id", user),
				zap.String("status", string(spot.OccupancyStatus)),
				zap.Bool("car_present", present),
				zap.String("lock_position", string(d.LockPosition)),
			)
			r.record(ctx, models.EngineEvent{
				Kind:        models.EventAnomaly,
				SpotId:      spot.SpotId,
				LockSerial:  null.StringFrom(d.Serial),
				PriorStatus: null.StringFrom(string(spot.OccupancyStatus)),
				NewStatus:   null.StringFrom(string(spot.OccupancyStatus)),
				Message:     "occupied with active user but no vehicle detected",
				Payload:     telemetry(d, user),
			})
			r.publish(ctx, queue.Event{
				Type:        queue.Reconciliation,
				Kind:        string(models.EventAnomaly),
				SpotId:      spot.SpotId,
				UserId:      user,
				LockSerial:  d.Serial,
				PriorStatus: string(spot.OccupancyStatus),
				NewStatus:   string(spot.OccupancyStatus),
				Message:     "occupied with active user but no vehicle detected",
			})
		})
	}
}

func (r *Reconciler) corrected(ctx context.Context, rep *CycleReport, spot models.ParkingSpot, d models.DeviceStatus, to models.OccupancyStatus, ok bool, err error) {
	if err != nil {
		rep.Failed++
		r.log.Error("reconcile correction failed",
			zap.String("spot_id", spot.SpotId),
			zap.String("lock_serial", d.Serial),
			zap.Error(err),
		)
		return
	}
	if !ok {
		// The spot changed since it was listed; the next cycle sees the new state.
		return
	}
	rep.Corrected++
	rep.Corrections = append(rep.Corrections, spot.SpotId)
	r.log.Info("spot occupancy corrected",
		zap.String("spot_id", spot.SpotId),
		zap.String("lock_serial", d.Serial),
		zap.String("prior_status", string(spot.OccupancyStatus)),
		zap.String("new_status", string(to)),
		zap.Bool("car_present", d.CarPresent.Bool),
		zap.String("lock_position", string(d.LockPosition)),
	)
	r.record(ctx, models.EngineEvent{
		Kind:        models.EventCorrection,
		SpotId:      spot.SpotId,
		LockSerial:  null.StringFrom(d.Serial),
		PriorStatus: null.StringFrom(string(spot.OccupancyStatus)),
		NewStatus:   null.StringFrom(string(to)),
		Message:     "occupancy corrected from device telemetry",
		Payload:     telemetry(d, ""),
	})
	r.publish(ctx, queue.Event{
		Type:        queue.Reconciliation,
		Kind:        string(models.EventCorrection),
		SpotId:      spot.SpotId,
		LockSerial:  d.Serial,
		PriorStatus: string(spot.OccupancyStatus),
		NewStatus:   string(to),
	})
}

// signal runs emit unless the same condition was already reported within
// RealertAfter. A changed signature counts as a new condition.
func (r *Reconciler) signal(ctx context.Context, rep *CycleReport, live map[string]bool, key, signature string, emit func()) {
	live[key] = true
	now := r.clock.Now()
	if prev, ok := r.alerts[key]; ok && prev.signature == signature && now.Sub(prev.at) < r.cfg.RealertAfter {
		return
	}
	r.alerts[key] = alertState{signature: signature, at: now}
	rep.Alerts++
	emit()
}

// loadAlerts replaces local alert memory with the shared copy. On failure
// the local copy is kept.
func (r *Reconciler) loadAlerts(ctx context.Context) {
	if r.shared == nil {
		return
	}
	raw, err := r.shared.Load(ctx)
	if err != nil {
		r.log.Warn("load shared alert state", zap.Error(err))
		return
	}
	alerts := make(map[string]alertState, len(raw))
	for key, v := range raw {
		ts, sig, _ := strings.Cut(v, " ")
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			continue
		}
		alerts[key] = alertState{signature: sig, at: at}
	}
	r.alerts = alerts
}

func (r *Reconciler) saveAlerts(ctx context.Context) {
	if r.shared == nil {
		return
	}
	raw := make(map[string]string, len(r.alerts))
	for key, a := range r.alerts {
		raw[key] = a.at.UTC().Format(time.RFC3339Nano) + " " + a.signature
	}
	if err := r.shared.Save(context.WithoutCancel(ctx), raw); err != nil {
		r.log.Warn("save shared alert state", zap.Error(err))
	}
}

func (r *Reconciler) record(ctx context.Context, e models.EngineEvent) {
	if r.audit == nil {
		return
	}
	e.CreatedAt = r.clock.Now().UTC()
	if err := r.audit.Record(context.WithoutCancel(ctx), e); err != nil {
		r.log.Error("record engine event", zap.String("kind", string(e.Kind)), zap.String("spot_id", e.SpotId), zap.Error(err))
	}
}

func (r *Reconciler) publish(ctx context.Context, e queue.Event) {
	e.OccurredAt = r.clock.Now().UTC()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.events.Publish(pctx, e); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("publish reconciliation event", zap.String("spot_id", e.SpotId), zap.Error(err))
	}
}

func telemetry(d models.DeviceStatus, user string) []byte {
	b, _ := json.Marshal(struct {
		models.DeviceStatus
		UserId string `json:"userId,omitempty"`
	}{d, user})
	return b
}
