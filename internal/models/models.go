package models

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

type OccupancyStatus string

const (
	SpotAvailable OccupancyStatus = "available"
	SpotOccupied  OccupancyStatus = "occupied"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

type LockClosureStatus string

const (
	LockNotApplicable LockClosureStatus = "not_applicable"
	LockPendingOpen   LockClosureStatus = "pending_open"
	LockCompleted     LockClosureStatus = "completed"
)

type LockPosition string

const (
	LockUp      LockPosition = "up"
	LockDown    LockPosition = "down"
	LockUnknown LockPosition = "unknown"
)

// ParkingSpot is lock-controlled when LockSerial is set.
type ParkingSpot struct {
	SpotId               string          `json:"spotId"`
	OwnerId              string          `json:"ownerId,omitempty"`
	Title                string          `json:"title,omitempty"`
	OccupancyStatus      OccupancyStatus `json:"occupancyStatus"`
	CurrentSessionUserId null.String     `json:"currentSessionUserId"`
	LockSerial           null.String     `json:"lockSerial"`
	HourlyRate           float64         `json:"hourlyRate"`
	LastStatusSource     string          `json:"lastStatusSource,omitempty"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

func (s ParkingSpot) LockControlled() bool {
	return s.LockSerial.Valid && s.LockSerial.String != ""
}

type ParkingSession struct {
	SessionId         string            `json:"sessionId"`
	SpotId            string            `json:"spotId"`
	UserId            string            `json:"userId"`
	VehiclePlate      null.String       `json:"vehiclePlate"`
	StartTime         time.Time         `json:"startTime"`
	EndTime           null.Time         `json:"endTime"`
	TotalAmount       null.Int          `json:"totalAmount"`
	SessionStatus     SessionStatus     `json:"sessionStatus"`
	PaymentStatus     PaymentStatus     `json:"paymentStatus"`
	LockClosureStatus LockClosureStatus `json:"lockClosureStatus"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// DeviceStatus is a telemetry snapshot from the lock gateway. It is never
// persisted. CarPresent is invalid when the device could not tell.
type DeviceStatus struct {
	Serial       string       `json:"serial"`
	CarPresent   null.Bool    `json:"carPresent"`
	LockPosition LockPosition `json:"lockPosition"`
	Heartbeat    null.Time    `json:"heartbeat"`
	ErrorFlags   []string     `json:"errorFlags,omitempty"`
}

type EventKind string

const (
	EventCorrection        EventKind = "reconcile_correction"
	EventAnomaly           EventKind = "reconcile_anomaly"
	EventDeviceOffline     EventKind = "device_offline"
	EventLockCommand       EventKind = "lock_command"
	EventActuationMismatch EventKind = "actuation_mismatch"
)

// EngineEvent is one row of the audit trail written outside user transactions.
type EngineEvent struct {
	EventId     string      `json:"eventId"`
	Kind        EventKind   `json:"kind"`
	SpotId      string      `json:"spotId,omitempty"`
	SessionId   null.String `json:"sessionId"`
	LockSerial  null.String `json:"lockSerial"`
	PriorStatus null.String `json:"priorStatus"`
	NewStatus   null.String `json:"newStatus"`
	Message     string      `json:"message,omitempty"`
	Payload     []byte      `json:"-"`
	CreatedAt   time.Time   `json:"createdAt"`
}
