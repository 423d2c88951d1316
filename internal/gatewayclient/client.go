package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"parkd/internal/models"

	"gopkg.in/guregu/null.v4"
)

var (
	// ErrDeviceFailure means the gateway answered but reported success=false.
	ErrDeviceFailure = errors.New("lock device reported failure")
	// ErrAmbiguousTelemetry means a status call succeeded without a usable
	// vehicle-presence reading.
	ErrAmbiguousTelemetry = errors.New("lock device telemetry is ambiguous")
)

// Gateway is the narrow contract of the remote device-control service.
type Gateway interface {
	Open(ctx context.Context, serial string) (Result, error)
	Close(ctx context.Context, serial string) (Result, error)
	Status(ctx context.Context, serial string) (models.DeviceStatus, error)
	StatusAll(ctx context.Context) ([]models.DeviceStatus, error)
}

type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DeviceError carries the gateway's message through to callers.
type DeviceError struct {
	Op      string
	Serial  string
	Message string
	Status  int
	Err     error
}

func (e *DeviceError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Serial == "" {
		return fmt.Sprintf("lock gateway %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("lock gateway %s %s: %s", e.Op, e.Serial, msg)
}

func (e *DeviceError) Unwrap() error { return e.Err }

type Client struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	HTTP    *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Timeout: timeout,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type statusPayload struct {
	Success      bool      `json:"success"`
	Message      string    `json:"message"`
	Serial       string    `json:"serial"`
	CarPresent   null.Bool `json:"carPresent"`
	LockPosition string    `json:"lockPosition"`
	Heartbeat    null.Time `json:"heartbeat"`
	ErrorFlags   []string  `json:"errorFlags"`
}

func (p statusPayload) snapshot() models.DeviceStatus {
	pos := models.LockPosition(strings.ToLower(p.LockPosition))
	switch pos {
	case models.LockUp, models.LockDown:
	default:
		pos = models.LockUnknown
	}
	return models.DeviceStatus{
		Serial:       p.Serial,
		CarPresent:   p.CarPresent,
		LockPosition: pos,
		Heartbeat:    p.Heartbeat,
		ErrorFlags:   p.ErrorFlags,
	}
}

func (c *Client) Open(ctx context.Context, serial string) (Result, error) {
	return c.command(ctx, "open", serial)
}

func (c *Client) Close(ctx context.Context, serial string) (Result, error) {
	return c.command(ctx, "close", serial)
}

func (c *Client) command(ctx context.Context, op, serial string) (Result, error) {
	var res Result
	status, err := c.do(ctx, http.MethodPost, "/v1/locks/"+url.PathEscape(serial)+"/"+op, &res)
	if err != nil {
		return res, &DeviceError{Op: op, Serial: serial, Status: status, Message: res.Message, Err: err}
	}
	if !res.Success {
		return res, &DeviceError{Op: op, Serial: serial, Status: status, Message: res.Message, Err: ErrDeviceFailure}
	}
	return res, nil
}

// Status returns ErrAmbiguousTelemetry when the device answered but could
// not say whether a vehicle is present.
func (c *Client) Status(ctx context.Context, serial string) (models.DeviceStatus, error) {
	var p statusPayload
	status, err := c.do(ctx, http.MethodGet, "/v1/locks/"+url.PathEscape(serial)+"/status", &p)
	if err != nil {
		return models.DeviceStatus{}, &DeviceError{Op: "status", Serial: serial, Status: status, Message: p.Message, Err: err}
	}
	if !p.Success {
		return models.DeviceStatus{}, &DeviceError{Op: "status", Serial: serial, Status: status, Message: p.Message, Err: ErrDeviceFailure}
	}
	if p.Serial == "" {
		p.Serial = serial
	}
	st := p.snapshot()
	if !st.CarPresent.Valid {
		return st, &DeviceError{Op: "status", Serial: serial, Status: status, Message: "vehicle presence unknown", Err: ErrAmbiguousTelemetry}
	}
	return st, nil
}

// StatusAll returns every device the gateway knows about. Devices missing
// from the answer are offline as far as the caller is concerned.
func (c *Client) StatusAll(ctx context.Context) ([]models.DeviceStatus, error) {
	var p struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Devices []statusPayload `json:"devices"`
	}
	status, err := c.do(ctx, http.MethodGet, "/v1/locks/status", &p)
	if err != nil {
		return nil, &DeviceError{Op: "status_all", Status: status, Message: p.Message, Err: err}
	}
	if !p.Success {
		return nil, &DeviceError{Op: "status_all", Status: status, Message: p.Message, Err: ErrDeviceFailure}
	}
	out := make([]models.DeviceStatus, 0, len(p.Devices))
	for _, d := range p.Devices {
		if d.Serial == "" {
			continue
		}
		out = append(out, d.snapshot())
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, into any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	// Decode even on error statuses so the gateway's message is kept.
	decodeErr := json.Unmarshal(b, into)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", decodeErr)
	}
	return resp.StatusCode, nil
}
