package api

import (
	"net/http"

	"vigil/core"

	"github.com/gorilla/mux"
)

// transitionRequest is the body of the acknowledge, resolve and suppress
// endpoints.
type transitionRequest struct {
	By     string `json:"by" validate:"required,max=256"`
	Reason string `json:"reason,omitempty" validate:"max=1024"`
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	params, field, ok := ParsePaginationParams(r, defaultPageLimit, maxPageLimit)
	if !ok {
		a.badRequest(w, field, "must be a non-negative integer")
		return
	}
	q := r.URL.Query()
	filter := core.AlertFilter{
		Severity: core.Severity(q.Get("severity")),
		Status:   core.AlertStatus(q.Get("status")),
		PolicyID: q.Get("policy_id"),
		TenantID: q.Get("tenant_id"),
		Limit:    params.Limit,
		Offset:   params.Offset,
	}

	alerts, total, err := a.alerts.List(r.Context(), filter)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []core.Alert{}
	}
	a.respondOK(w, http.StatusOK, NewPaginationResponse(alerts, total, params))
}

func (a *API) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := a.alerts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusOK, alert)
}

// decodeTransition parses and validates a transition body.
func (a *API) decodeTransition(w http.ResponseWriter, r *http.Request) (*transitionRequest, bool) {
	var req transitionRequest
	if _, ok := a.decodeJSON(w, r, &req); !ok {
		return nil, false
	}
	if err := core.ValidateStruct("transition", &req); err != nil {
		a.respondServiceError(w, r, err)
		return nil, false
	}
	return &req, true
}

func (a *API) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeTransition(w, r)
	if !ok {
		return
	}
	alert, err := a.alerts.Acknowledge(r.Context(), mux.Vars(r)["id"], req.By)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusOK, alert)
}

func (a *API) resolveAlert(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeTransition(w, r)
	if !ok {
		return
	}
	alert, err := a.alerts.Resolve(r.Context(), mux.Vars(r)["id"], req.By)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusOK, alert)
}

func (a *API) suppressAlert(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeTransition(w, r)
	if !ok {
		return
	}
	alert, err := a.alerts.Suppress(r.Context(), mux.Vars(r)["id"], req.By, req.Reason)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusOK, alert)
}
