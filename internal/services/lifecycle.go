package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"parkd/internal/clock"
	"parkd/internal/gatewayclient"
	"parkd/internal/models"
	"parkd/internal/queue"
	"parkd/internal/repo"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"
)

// AuditLog persists engine events outside of any user transaction.
type AuditLog interface {
	Record(ctx context.Context, e models.EngineEvent) error
}

type EndResult struct {
	SessionId   string `json:"sessionId"`
	TotalAmount int64  `json:"totalAmount"`
}

// SessionManager is the only writer that moves a spot between available and
// occupied on behalf of a user. Lock commands run inside the store
// transaction, bounded by LockTimeout.
type SessionManager struct {
	Store       repo.Store
	Gateway     gatewayclient.Gateway
	Audit       AuditLog
	Events      queue.Publisher
	Clock       clock.Clock
	Log         *zap.Logger
	LockTimeout time.Duration
}

func NewSessionManager(store repo.Store, gw gatewayclient.Gateway, audit AuditLog, events queue.Publisher, clk clock.Clock, log *zap.Logger, lockTimeout time.Duration) *SessionManager {
	if events == nil {
		events = queue.Noop{}
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &SessionManager{
		Store:       store,
		Gateway:     gw,
		Audit:       audit,
		Events:      events,
		Clock:       clk,
		Log:         log.Named("lifecycle"),
		LockTimeout: lockTimeout,
	}
}

// StartSession opens a session on an available spot. On a lock-controlled
// spot the lock is opened before commit; a failed open leaves no trace in
// the store.
func (m *SessionManager) StartSession(ctx context.Context, spotId, userId, plate string) (string, error) {
	spotId, userId = strings.TrimSpace(spotId), strings.TrimSpace(userId)
	if spotId == "" || userId == "" {
		return "", newError(CodeInvalidRequest, "spotId and userId are required", nil)
	}

	now := m.now()
	sess := models.ParkingSession{
		SessionId:         uuid.NewString(),
		SpotId:            spotId,
		UserId:            userId,
		StartTime:         now,
		SessionStatus:     models.SessionActive,
		PaymentStatus:     models.PaymentUnpaid,
		LockClosureStatus: models.LockNotApplicable,
	}
	if p := strings.TrimSpace(plate); p != "" {
		sess.VehiclePlate = null.StringFrom(p)
	}

	var serial string
	opened := false
	err := m.Store.InTx(ctx, func(tx repo.Tx) error {
		spot, err := tx.GetSpotForUpdate(ctx, spotId)
		if err != nil {
			return internalError(err)
		}
		if spot == nil || spot.OccupancyStatus != models.SpotAvailable {
			return newError(CodeSpotUnavailable, "spot is not available", nil)
		}
		active, err := tx.ActiveSessionByUser(ctx, userId)
		if err != nil {
			return internalError(err)
		}
		if active != nil {
			return newError(CodeAlreadyInUse, "user already has an active session", nil)
		}

		if spot.LockControlled() {
			serial = spot.LockSerial.String
			sess.LockClosureStatus = models.LockPendingOpen
		}
		if err := tx.InsertSession(ctx, sess); err != nil {
			switch {
			case errors.Is(err, repo.ErrUserHasActiveSession):
				return newError(CodeAlreadyInUse, "user already has an active session", err)
			case errors.Is(err, repo.ErrSpotHasActiveSession):
				return newError(CodeSpotUnavailable, "spot is not available", err)
			}
			return internalError(err)
		}
		ok, err := tx.OccupySpot(ctx, spotId, userId)
		if err != nil {
			return internalError(err)
		}
		if !ok {
			return newError(CodeSpotUnavailable, "spot is not available", nil)
		}

		if serial == "" {
			return nil
		}
		if _, err := m.command(ctx, "open", serial, spotId, sess.SessionId); err != nil {
			m.mismatch(ctx, spotId, sess.SessionId, serial, "lock open failed or timed out; session rolled back, device position unknown", err)
			return newError(CodeLockOpenFailed, gatewayMessage(err), err)
		}
		opened = true
		return nil
	})
	if err != nil {
		if opened {
			// Lock is open but nothing was committed.
			m.mismatch(ctx, spotId, sess.SessionId, serial, "lock opened but session commit failed", err)
		}
		return "", m.fail("start session", spotId, userId, err)
	}

	m.Log.Info("session started",
		zap.String("session_id", sess.SessionId),
		zap.String("spot_id", spotId),
		zap.String("user_id", userId),
		zap.Bool("lock_controlled", serial != ""),
	)
	m.publish(ctx, queue.Event{
		Type:       queue.SessionStarted,
		SessionId:  sess.SessionId,
		SpotId:     spotId,
		UserId:     userId,
		LockSerial: serial,
		OccurredAt: now,
	})
	return sess.SessionId, nil
}

// EndSession completes the user's active session on the spot. On a
// lock-controlled spot the device must confirm the vehicle has left, and
// the lock must close, before anything is written.
func (m *SessionManager) EndSession(ctx context.Context, spotId, userId string) (EndResult, error) {
	spotId, userId = strings.TrimSpace(spotId), strings.TrimSpace(userId)
	if spotId == "" || userId == "" {
		return EndResult{}, newError(CodeInvalidRequest, "spotId and userId are required", nil)
	}

	var (
		res    EndResult
		serial string
		closed bool
		end    time.Time
	)
	err := m.Store.InTx(ctx, func(tx repo.Tx) error {
		spot, err := tx.GetSpotForUpdate(ctx, spotId)
		if err != nil {
			return internalError(err)
		}
		if spot == nil {
			return newError(CodeUsageNotFound, "no active session for this spot and user", nil)
		}
		sess, err := tx.ActiveSessionForSpot(ctx, spotId, userId)
		if err != nil {
			return internalError(err)
		}
		if sess == nil {
			return newError(CodeUsageNotFound, "no active session for this spot and user", nil)
		}
		res.SessionId = sess.SessionId

		lock := sess.LockClosureStatus
		if spot.LockControlled() {
			serial = spot.LockSerial.String
			st, err := m.status(ctx, serial)
			if err != nil {
				return newError(CodeLockStatusError, gatewayMessage(err), err)
			}
			if st.CarPresent.Bool {
				return newError(CodeCarDetected, "vehicle still detected at the spot", nil)
			}
			if _, err := m.command(ctx, "close", serial, spotId, sess.SessionId); err != nil {
				return newError(CodeLockCloseFailed, gatewayMessage(err), err)
			}
			closed = true
			lock = models.LockCompleted
		}

		end = m.now()
		amount := ComputeFee(sess.StartTime, end, spot.HourlyRate)
		if err := tx.CompleteSession(ctx, sess.SessionId, end, amount, lock); err != nil {
			if errors.Is(err, repo.ErrSessionNotActive) {
				return newError(CodeUsageNotFound, "no active session for this spot and user", err)
			}
			return internalError(err)
		}
		if err := tx.ReleaseSpot(ctx, spotId); err != nil {
			return internalError(err)
		}
		res.TotalAmount = amount
		return nil
	})
	if err != nil {
		if closed {
			m.mismatch(ctx, spotId, res.SessionId, serial, "lock closed but session completion did not commit", err)
		}
		return EndResult{}, m.fail("end session", spotId, userId, err)
	}

	m.Log.Info("session completed",
		zap.String("session_id", res.SessionId),
		zap.String("spot_id", spotId),
		zap.String("user_id", userId),
		zap.Int64("total_amount", res.TotalAmount),
	)
	amount := res.TotalAmount
	m.publish(ctx, queue.Event{
		Type:        queue.SessionCompleted,
		SessionId:   res.SessionId,
		SpotId:      spotId,
		UserId:      userId,
		LockSerial:  serial,
		TotalAmount: &amount,
		Payable:     true,
		OccurredAt:  end,
	})
	return res, nil
}

// GetActiveSession returns nil when the user has no active session.
func (m *SessionManager) GetActiveSession(ctx context.Context, userId string) (*models.ParkingSession, error) {
	s, err := m.Store.ActiveSessionByUser(ctx, userId)
	if err != nil {
		return nil, internalError(err)
	}
	return s, nil
}

func (m *SessionManager) GetSession(ctx context.Context, sessionId string) (*models.ParkingSession, error) {
	s, err := m.Store.GetSession(ctx, sessionId)
	if err != nil {
		return nil, internalError(err)
	}
	return s, nil
}

// MarkSessionPaid is the payment collaborator's write. Marking an already
// paid session again succeeds without change.
func (m *SessionManager) MarkSessionPaid(ctx context.Context, sessionId string) (*models.ParkingSession, error) {
	ok, err := m.Store.MarkSessionPaid(ctx, sessionId)
	if err != nil {
		return nil, internalError(err)
	}
	s, err := m.Store.GetSession(ctx, sessionId)
	if err != nil {
		return nil, internalError(err)
	}
	if s == nil {
		return nil, newError(CodeUsageNotFound, "session not found", nil)
	}
	if !ok && s.PaymentStatus != models.PaymentPaid {
		return nil, newError(CodeNotPayable, "session is still active", nil)
	}
	if ok {
		m.Log.Info("session paid", zap.String("session_id", sessionId), zap.String("spot_id", s.SpotId))
	}
	return s, nil
}

func (m *SessionManager) command(ctx context.Context, op, serial, spotId, sessionId string) (gatewayclient.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, m.LockTimeout)
	defer cancel()

	var (
		res gatewayclient.Result
		err error
	)
	switch op {
	case "open":
		res, err = m.Gateway.Open(cctx, serial)
	default:
		res, err = m.Gateway.Close(cctx, serial)
	}

	outcome := "ok"
	msg := res.Message
	if err != nil {
		outcome = "failed"
		msg = gatewayMessage(err)
		m.Log.Warn("lock command failed",
			zap.String("op", op),
			zap.String("lock_serial", serial),
			zap.String("spot_id", spotId),
			zap.Error(err),
		)
	}
	m.audit(ctx, models.EngineEvent{
		Kind:       models.EventLockCommand,
		SpotId:     spotId,
		SessionId:  null.StringFrom(sessionId),
		LockSerial: null.StringFrom(serial),
		NewStatus:  null.StringFrom(op + "_" + outcome),
		Message:    msg,
	})
	return res, err
}

func (m *SessionManager) status(ctx context.Context, serial string) (models.DeviceStatus, error) {
	cctx, cancel := context.WithTimeout(ctx, m.LockTimeout)
	defer cancel()
	st, err := m.Gateway.Status(cctx, serial)
	if err != nil {
		return st, err
	}
	if !st.CarPresent.Valid {
		return st, &gatewayclient.DeviceError{Op: "status", Serial: serial, Message: "vehicle presence unknown", Err: gatewayclient.ErrAmbiguousTelemetry}
	}
	return st, nil
}

// mismatch records a point where the stored state and the physical lock may
// disagree. The reconciler repairs occupancy from telemetry on its next pass.
func (m *SessionManager) mismatch(ctx context.Context, spotId, sessionId, serial, msg string, cause error) {
	m.Log.Warn("actuation mismatch",
		zap.String("spot_id", spotId),
		zap.String("session_id", sessionId),
		zap.String("lock_serial", serial),
		zap.String("detail", msg),
		zap.Error(cause),
	)
	payload, _ := json.Marshal(map[string]string{"cause": errString(cause)})
	m.audit(ctx, models.EngineEvent{
		Kind:       models.EventActuationMismatch,
		SpotId:     spotId,
		SessionId:  null.NewString(sessionId, sessionId != ""),
		LockSerial: null.StringFrom(serial),
		Message:    msg,
		Payload:    payload,
	})
}

func (m *SessionManager) audit(ctx context.Context, e models.EngineEvent) {
	if m.Audit == nil {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.Clock.Now().UTC()
	}
	// The request may already be cancelled; the audit row still matters.
	if err := m.Audit.Record(context.WithoutCancel(ctx), e); err != nil {
		m.Log.Error("record engine event", zap.String("kind", string(e.Kind)), zap.String("spot_id", e.SpotId), zap.Error(err))
	}
}

func (m *SessionManager) publish(ctx context.Context, e queue.Event) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.Events.Publish(pctx, e); err != nil {
		m.Log.Warn("publish event", zap.String("type", e.Type), zap.String("session_id", e.SessionId), zap.Error(err))
	}
}

func (m *SessionManager) fail(op, spotId, userId string, err error) error {
	var se *Error
	if !errors.As(err, &se) {
		se = internalError(err)
	}
	fields := []zap.Field{
		zap.String("code", string(se.Code)),
		zap.String("spot_id", spotId),
		zap.String("user_id", userId),
	}
	if se.Err != nil {
		fields = append(fields, zap.Error(se.Err))
	}
	if se.Code == CodeInternal {
		m.Log.Error(op+" failed", fields...)
	} else {
		m.Log.Info(op+" rejected", fields...)
	}
	return se
}

// gatewayMessage prefers the device's own message over transport detail.
func gatewayMessage(err error) string {
	var de *gatewayclient.DeviceError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "lock gateway timed out"
	}
	if errors.Is(err, gatewayclient.ErrAmbiguousTelemetry) {
		return "vehicle presence unknown"
	}
	return errString(err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// now is truncated to the precision of timestamptz so the fee computed here
// matches one recomputed from stored rows.
func (m *SessionManager) now() time.Time {
	return m.Clock.Now().UTC().Truncate(time.Microsecond)
}
