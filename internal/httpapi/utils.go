package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"parkd/internal/services"
)

func readAll(r *http.Request, limit int64) ([]byte, error) {
	body := http.MaxBytesReader(nil, r.Body, limit)
	defer body.Close()
	return io.ReadAll(body)
}

func decodeJSON(r *http.Request, into any) error {
	raw, err := readAll(r, 1<<20)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(raw, into)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func writeServiceError(w http.ResponseWriter, err error) {
	var se *services.Error
	if !errors.As(err, &se) {
		writeError(w, http.StatusInternalServerError, string(services.CodeInternal), "internal error")
		return
	}
	msg := se.Message
	if se.Code == services.CodeInternal {
		msg = "internal error"
	}
	writeError(w, statusFor(se.Code), string(se.Code), msg)
}

func statusFor(code services.Code) int {
	switch code {
	case services.CodeSpotUnavailable, services.CodeAlreadyInUse, services.CodeCarDetected, services.CodeNotPayable:
		return http.StatusConflict
	case services.CodeUsageNotFound:
		return http.StatusNotFound
	case services.CodeLockOpenFailed, services.CodeLockCloseFailed, services.CodeLockStatusError:
		return http.StatusBadGateway
	case services.CodeInvalidRequest:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
