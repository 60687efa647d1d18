package triageapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/linnemanlabs/edrtriage/internal/triage"
)

// maxConfigBody caps config mutation payloads.
const maxConfigBody = 64 << 10

func (a *API) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Config())
}

// priorityRulesRequest accepts either a bare array of rules or an object
// wrapping them under "priorityRules".
type priorityRulesRequest []triage.PriorityRule

func (p *priorityRulesRequest) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var env struct {
			PriorityRules *[]triage.PriorityRule `json:"priorityRules"`
		}
		if err := json.Unmarshal(b, &env); err != nil {
			return err
		}
		if env.PriorityRules == nil {
			return fmt.Errorf("missing priorityRules array")
		}
		*p = *env.PriorityRules
		return nil
	}
	var rules []triage.PriorityRule
	if err := json.Unmarshal(b, &rules); err != nil {
		return err
	}
	*p = rules
	return nil
}

func (a *API) handleReplacePriorityRules(w http.ResponseWriter, r *http.Request) {
	var req priorityRulesRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.writeError(w, r, "replace priority rules", err)
		return
	}
	view, err := a.svc.ReplacePriorityRules(r.Context(), req)
	if err != nil {
		a.writeError(w, r, "replace priority rules", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleUpdateAnalysisSettings(w http.ResponseWriter, r *http.Request) {
	var patch triage.SettingsPatch
	if err := decodeBody(w, r, &patch); err != nil {
		a.writeError(w, r, "update analysis settings", err)
		return
	}
	settings, err := a.svc.UpdateAnalysisSettings(r.Context(), patch)
	if err != nil {
		a.writeError(w, r, "update analysis settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *API) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Stats())
}

func (a *API) handleResetStats(w http.ResponseWriter, r *http.Request) {
	snap, err := a.svc.ResetStats(r.Context())
	if err != nil {
		a.writeError(w, r, "reset stats", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleHealth always answers 200; the body says whether the service is
// degraded. Load balancers use the ops readiness probe instead.
func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Health())
}

// decodeBody strictly decodes a bounded JSON body into v. Unknown fields and
// trailing data are input errors.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if statusFor(err) == http.StatusRequestEntityTooLarge {
			return err
		}
		return fmt.Errorf("%w: invalid JSON body: %w", triage.ErrInput, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after JSON body", triage.ErrInput)
	}
	return nil
}
