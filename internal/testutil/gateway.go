package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"

	"parkd/internal/gatewayclient"
	"parkd/internal/models"

	"gopkg.in/guregu/null.v4"
)

var errOffline = errors.New("device offline")

// FakeGateway is a scriptable lock gateway. Devices that were never set, or
// were removed, are offline.
type FakeGateway struct {
	mu        sync.Mutex
	devices   map[string]models.DeviceStatus
	openErr   map[string]error
	closeErr  map[string]error
	statusErr map[string]error
	allErr    error
	calls     []string

	// OnOpen, when set, runs before an open is answered. Tests use it to
	// block or to observe the store mid-transaction.
	OnOpen func(ctx context.Context, serial string) error
}

var _ gatewayclient.Gateway = (*FakeGateway)(nil)

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		devices:   map[string]models.DeviceStatus{},
		openErr:   map[string]error{},
		closeErr:  map[string]error{},
		statusErr: map[string]error{},
	}
}

// SetCarPresent puts the device online with a definite presence reading.
func (g *FakeGateway) SetCarPresent(serial string, present bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.devices[serial]
	d.Serial = serial
	d.CarPresent = null.BoolFrom(present)
	if d.LockPosition == "" {
		d.LockPosition = models.LockUp
	}
	g.devices[serial] = d
}

// SetAmbiguous keeps the device online but without a presence reading.
func (g *FakeGateway) SetAmbiguous(serial string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.devices[serial]
	d.Serial = serial
	d.CarPresent = null.Bool{}
	d.LockPosition = models.LockUnknown
	g.devices[serial] = d
}

func (g *FakeGateway) SetOffline(serial string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.devices, serial)
}

// FailOpen makes open report success=false with the given message.
func (g *FakeGateway) FailOpen(serial, message string) {
	g.FailOpenWith(serial, deviceFailure("open", serial, message))
}

func (g *FakeGateway) FailOpenWith(serial string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openErr[serial] = err
}

func (g *FakeGateway) FailClose(serial, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeErr[serial] = deviceFailure("close", serial, message)
}

func (g *FakeGateway) FailStatus(serial string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusErr[serial] = err
}

func (g *FakeGateway) FailStatusAll(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allErr = err
}

// ClearFailures drops every scripted error.
func (g *FakeGateway) ClearFailures() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openErr = map[string]error{}
	g.closeErr = map[string]error{}
	g.statusErr = map[string]error{}
	g.allErr = nil
}

// Calls lists the commands received, as "op:serial".
func (g *FakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *FakeGateway) Device(serial string) (models.DeviceStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.devices[serial]
	return d, ok
}

func (g *FakeGateway) Open(ctx context.Context, serial string) (gatewayclient.Result, error) {
	g.record("open", serial)
	if g.OnOpen != nil {
		if err := g.OnOpen(ctx, serial); err != nil {
			return gatewayclient.Result{}, &gatewayclient.DeviceError{Op: "open", Serial: serial, Err: err}
		}
	}
	return g.actuate("open", serial, g.openErr, models.LockDown)
}

func (g *FakeGateway) Close(ctx context.Context, serial string) (gatewayclient.Result, error) {
	g.record("close", serial)
	return g.actuate("close", serial, g.closeErr, models.LockUp)
}

func (g *FakeGateway) actuate(op, serial string, failures map[string]error, pos models.LockPosition) (gatewayclient.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := failures[serial]; err != nil {
		var de *gatewayclient.DeviceError
		if errors.As(err, &de) {
			return gatewayclient.Result{Success: false, Message: de.Message}, err
		}
		return gatewayclient.Result{}, err
	}
	d, ok := g.devices[serial]
	if !ok {
		return gatewayclient.Result{}, &gatewayclient.DeviceError{Op: op, Serial: serial, Err: errOffline}
	}
	d.LockPosition = pos
	g.devices[serial] = d
	return gatewayclient.Result{Success: true, Message: op + " ok"}, nil
}

func (g *FakeGateway) Status(ctx context.Context, serial string) (models.DeviceStatus, error) {
	g.record("status", serial)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.statusErr[serial]; err != nil {
		return models.DeviceStatus{}, err
	}
	d, ok := g.devices[serial]
	if !ok {
		return models.DeviceStatus{}, &gatewayclient.DeviceError{Op: "status", Serial: serial, Err: errOffline}
	}
	if !d.CarPresent.Valid {
		return d, &gatewayclient.DeviceError{Op: "status", Serial: serial, Message: "vehicle presence unknown", Err: gatewayclient.ErrAmbiguousTelemetry}
	}
	return d, nil
}

func (g *FakeGateway) StatusAll(ctx context.Context) ([]models.DeviceStatus, error) {
	g.record("status_all", "")
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.allErr != nil {
		return nil, g.allErr
	}
	out := make([]models.DeviceStatus, 0, len(g.devices))
	for _, d := range g.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func (g *FakeGateway) record(op, serial string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if serial == "" {
		g.calls = append(g.calls, op)
		return
	}
	g.calls = append(g.calls, op+":"+serial)
}

func deviceFailure(op, serial, message string) error {
	return &gatewayclient.DeviceError{Op: op, Serial: serial, Message: message, Err: gatewayclient.ErrDeviceFailure}
}
