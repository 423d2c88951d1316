package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"parkd/internal/clock"
	"parkd/internal/config"
	"parkd/internal/models"
	"parkd/internal/services"
	"parkd/internal/testutil"

	"gopkg.in/guregu/null.v4"
)

type apiFixture struct {
	store *testutil.MemStore
	gw    *testutil.FakeGateway
	clk   *clock.Manual
	srv   *httptest.Server
}

func newAPIFixture(t *testing.T, apiKey string) *apiFixture {
	t.Helper()
	f := &apiFixture{
		store: testutil.NewMemStore(),
		gw:    testutil.NewFakeGateway(),
		clk:   clock.NewManual(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)),
	}
	f.store.PutSpot(models.ParkingSpot{SpotId: "p1", HourlyRate: 10})
	f.store.PutSpot(models.ParkingSpot{SpotId: "p2", HourlyRate: 4, LockSerial: null.StringFrom("L-2")})
	f.gw.SetCarPresent("L-2", false)

	audit := &testutil.AuditLog{}
	mgr := services.NewSessionManager(f.store, f.gw, audit, nil, f.clk, nil, time.Second)
	rec := services.NewReconciler(f.store, f.gw, audit, nil, nil, f.clk, nil, services.ReconcilerConfig{})
	cfg := config.Config{APIKey: apiKey, GatewayTimeout: time.Second}
	s := NewServer(cfg, f.store, mgr, rec, f.gw, nil, nil)
	f.srv = httptest.NewServer(s.Routes())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestStartAndEndSessionOverHTTP(t *testing.T) {
	f := newAPIFixture(t, "")

	resp, body := f.do(t, http.MethodPost, "/v1/spots/p1/sessions", `{"userId":"u1","plate":"AB-1"}`, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, body = %v", resp.StatusCode, body)
	}
	id, _ := body["sessionId"].(string)
	if id == "" {
		t.Fatalf("no session id in %v", body)
	}

	resp, body = f.do(t, http.MethodGet, "/v1/users/u1/session", "", "")
	if resp.StatusCode != http.StatusOK || body["sessionId"] != id {
		t.Fatalf("active session = %d %v", resp.StatusCode, body)
	}

	f.clk.Advance(time.Hour + time.Second)
	resp, body = f.do(t, http.MethodPost, "/v1/spots/p1/sessions/end", `{"userId":"u1"}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, body = %v", resp.StatusCode, body)
	}
	if body["totalAmount"] != float64(20) || body["sessionId"] != id {
		t.Fatalf("end body = %v", body)
	}

	resp, _ = f.do(t, http.MethodGet, "/v1/users/u1/session", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("active session after end = %d, want 404", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/paid", "", "")
	if resp.StatusCode != http.StatusOK || body["paymentStatus"] != "paid" {
		t.Fatalf("paid = %d %v", resp.StatusCode, body)
	}
}

func TestErrorCodesMapToStatus(t *testing.T) {
	f := newAPIFixture(t, "")
	if resp, body := f.do(t, http.MethodPost, "/v1/spots/p1/sessions", `{"userId":"u1"}`, ""); resp.StatusCode != http.StatusCreated {
		t.Fatalf("start = %d %v", resp.StatusCode, body)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"spot taken", http.MethodPost, "/v1/spots/p1/sessions", `{"userId":"u2"}`, http.StatusConflict, "SPOT_UNAVAILABLE"},
		{"user busy", http.MethodPost, "/v1/spots/p2/sessions", `{"userId":"u1"}`, http.StatusConflict, "ALREADY_IN_USE"},
		{"no usage", http.MethodPost, "/v1/spots/p2/sessions/end", `{"userId":"u1"}`, http.StatusNotFound, "USAGE_NOT_FOUND"},
		{"bad json", http.MethodPost, "/v1/spots/p2/sessions", `{`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing user", http.MethodPost, "/v1/spots/p2/sessions", `{}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown session", http.MethodGet, "/v1/sessions/nope", "", http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, tt.body, "")
			if resp.StatusCode != tt.status || body["code"] != tt.code {
				t.Fatalf("%s %s = %d %v; want %d %s", tt.method, tt.path, resp.StatusCode, body, tt.status, tt.code)
			}
		})
	}
}

func TestLockFailuresAreBadGateway(t *testing.T) {
	f := newAPIFixture(t, "")
	f.gw.FailOpen("L-2", "device offline")

	resp, body := f.do(t, http.MethodPost, "/v1/spots/p2/sessions", `{"userId":"u1"}`, "")
	if resp.StatusCode != http.StatusBadGateway || body["code"] != "LOCK_OPEN_FAILED" || body["message"] != "device offline" {
		t.Fatalf("start = %d %v", resp.StatusCode, body)
	}

	f.gw.ClearFailures()
	if resp, body := f.do(t, http.MethodPost, "/v1/spots/p2/sessions", `{"userId":"u1"}`, ""); resp.StatusCode != http.StatusCreated {
		t.Fatalf("start = %d %v", resp.StatusCode, body)
	}
	f.gw.SetCarPresent("L-2", true)
	resp, body = f.do(t, http.MethodPost, "/v1/spots/p2/sessions/end", `{"userId":"u1"}`, "")
	if resp.StatusCode != http.StatusConflict || body["code"] != "CAR_DETECTED" {
		t.Fatalf("end = %d %v", resp.StatusCode, body)
	}
}

func TestLockStatusPassthrough(t *testing.T) {
	f := newAPIFixture(t, "")

	resp, body := f.do(t, http.MethodGet, "/v1/locks/L-2/status", "", "")
	if resp.StatusCode != http.StatusOK || body["carPresent"] != false {
		t.Fatalf("status = %d %v", resp.StatusCode, body)
	}

	f.gw.SetAmbiguous("L-2")
	resp, body = f.do(t, http.MethodGet, "/v1/locks/L-2/status", "", "")
	if resp.StatusCode != http.StatusOK || body["carPresent"] != nil {
		t.Fatalf("ambiguous status = %d %v", resp.StatusCode, body)
	}

	f.gw.FailStatus("L-2", errors.New("connection refused"))
	resp, body = f.do(t, http.MethodGet, "/v1/locks/L-2/status", "", "")
	if resp.StatusCode != http.StatusBadGateway || body["code"] != "LOCK_STATUS_ERROR" {
		t.Fatalf("failed status = %d %v", resp.StatusCode, body)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	f := newAPIFixture(t, "")
	f.gw.SetCarPresent("L-2", true)

	resp, body := f.do(t, http.MethodPost, "/v1/reconcile", "", "")
	if resp.StatusCode != http.StatusOK || body["corrected"] != float64(1) {
		t.Fatalf("reconcile = %d %v", resp.StatusCode, body)
	}
	spot, _ := f.store.Spot("p2")
	if spot.OccupancyStatus != models.SpotOccupied {
		t.Fatalf("spot = %+v", spot)
	}

	f.gw.FailStatusAll(errors.New("gateway down"))
	resp, body = f.do(t, http.MethodPost, "/v1/reconcile", "", "")
	if resp.StatusCode != http.StatusBadGateway || body["code"] != "RECONCILE_FAILED" {
		t.Fatalf("failed reconcile = %d %v", resp.StatusCode, body)
	}
	if msg, _ := body["message"].(string); strings.Contains(msg, "gateway down") {
		t.Fatalf("failure detail leaked to caller: %q", msg)
	}
}

func TestSpotReadEndpoints(t *testing.T) {
	f := newAPIFixture(t, "")
	if resp, _ := f.do(t, http.MethodPost, "/v1/spots/p1/sessions", `{"userId":"u1"}`, ""); resp.StatusCode != http.StatusCreated {
		t.Fatalf("start = %d", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodGet, "/v1/spots/p1", "", "")
	if resp.StatusCode != http.StatusOK || body["occupancyStatus"] != "occupied" || body["currentSessionUserId"] != "u1" {
		t.Fatalf("spot = %d %v", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodGet, "/v1/spots/missing", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing spot = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/spots/p1/sessions?limit=5", nil)
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	var items []models.ParkingSession
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(items) != 1 || items[0].UserId != "u1" {
		t.Fatalf("sessions = %+v", items)
	}
}

func TestBearerRequiredWhenConfigured(t *testing.T) {
	f := newAPIFixture(t, "k3y")

	resp, body := f.do(t, http.MethodGet, "/v1/users/u1/session", "", "")
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "UNAUTHORIZED" {
		t.Fatalf("no token = %d %v", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodGet, "/v1/users/u1/session", "", "wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/v1/users/u1/session", "", "k3y")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("valid token = %d, want 404 for no session", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
}
