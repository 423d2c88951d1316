package gatewayclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"parkd/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, "gw-key", 2*time.Second)
}

func TestOpenSendsBearerAndPath(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/locks/L-1/open" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer gw-key" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"success":true,"message":"opened"}`))
	})

	res, err := c.Open(context.Background(), "L-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !res.Success || res.Message != "opened" {
		t.Fatalf("Open result = %+v", res)
	}
}

func TestCommandDeviceFailureKeepsMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"motor jammed"}`))
	})

	_, err := c.Close(context.Background(), "L-1")
	if !errors.Is(err, ErrDeviceFailure) {
		t.Fatalf("Close error = %v, want ErrDeviceFailure", err)
	}
	var de *DeviceError
	if !errors.As(err, &de) || de.Message != "motor jammed" {
		t.Fatalf("Close error = %#v, want gateway message", err)
	}
}

func TestCommandHTTPErrorKeepsMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"success":false,"message":"device offline"}`))
	})

	_, err := c.Open(context.Background(), "L-9")
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("Open error = %v, want DeviceError", err)
	}
	if de.Status != http.StatusServiceUnavailable || de.Message != "device offline" {
		t.Fatalf("DeviceError = %+v", de)
	}
}

func TestStatusParsesSnapshot(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/locks/L-1/status" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"success":true,"carPresent":false,"lockPosition":"DOWN","heartbeat":"2026-10-18T10:00:00Z"}`))
	})

	st, err := c.Status(context.Background(), "L-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Serial != "L-1" || !st.CarPresent.Valid || st.CarPresent.Bool {
		t.Fatalf("snapshot = %+v", st)
	}
	if st.LockPosition != models.LockDown {
		t.Fatalf("lock position = %q, want down", st.LockPosition)
	}
	if !st.Heartbeat.Valid {
		t.Fatal("heartbeat not parsed")
	}
}

func TestStatusWithoutPresenceIsAmbiguous(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"carPresent":null,"lockPosition":"sideways"}`))
	})

	st, err := c.Status(context.Background(), "L-1")
	if !errors.Is(err, ErrAmbiguousTelemetry) {
		t.Fatalf("Status error = %v, want ErrAmbiguousTelemetry", err)
	}
	if st.LockPosition != models.LockUnknown {
		t.Fatalf("lock position = %q, want unknown", st.LockPosition)
	}
}

func TestStatusAllSkipsDevicesWithoutSerial(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"devices":[
			{"serial":"L-1","carPresent":true,"lockPosition":"up"},
			{"serial":"","carPresent":true},
			{"serial":"L-2","carPresent":false,"lockPosition":"down","errorFlags":["low_battery"]}
		]}`))
	})

	devices, err := c.StatusAll(context.Background())
	if err != nil {
		t.Fatalf("StatusAll: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if devices[1].Serial != "L-2" || len(devices[1].ErrorFlags) != 1 {
		t.Fatalf("second device = %+v", devices[1])
	}
}

func TestStatusAllReportedFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"backend down"}`))
	})

	if _, err := c.StatusAll(context.Background()); !errors.Is(err, ErrDeviceFailure) {
		t.Fatalf("StatusAll error = %v, want ErrDeviceFailure", err)
	}
}

func TestCallsAreBoundedByTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	c := New(srv.URL, "", 50*time.Millisecond)

	start := time.Now()
	_, err := c.Open(context.Background(), "L-1")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Open took %s, timeout not applied", elapsed)
	}
}
