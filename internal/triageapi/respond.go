package triageapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/linnemanlabs/edrtriage/internal/record"
	"github.com/linnemanlabs/edrtriage/internal/triage"
)

type errorBody struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps service error kinds onto HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, triage.ErrInput), errors.Is(err, record.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, triage.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, triage.ErrAlignment):
		return http.StatusUnprocessableEntity
	case errors.Is(err, triage.ErrScoring):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs server-side failures and writes the mapped status. Client
// errors carry their message; server errors carry only the kind.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}

	var se *triage.StageError
	if errors.As(err, &se) {
		body.Stage = se.Stage
	}

	if status >= http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, op+" failed", "status", status, "stage", body.Stage)
		switch {
		case errors.Is(err, triage.ErrPersist):
			body.Error = triage.ErrPersist.Error()
		case status == http.StatusInternalServerError:
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func formatSeconds(d time.Duration) string {
	return strconv.Itoa(int((d + time.Second - 1) / time.Second))
}
