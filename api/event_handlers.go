package api

import (
	"errors"
	"net/http"
	"strconv"

	"vigil/ingest"
	"vigil/metrics"
)

// eventsAccepted is returned for asynchronous submissions.
type eventsAccepted struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// eventsProcessed is returned when the caller waits for evaluation.
type eventsProcessed struct {
	Processed  int      `json:"processed"`
	AlertIDs   []string `json:"alert_ids"`
	Suppressed int      `json:"suppressed"`
}

// postEvents ingests a JSON, NDJSON or msgpack body of one or more events.
// With wait=true the events are evaluated before the response is written.
func (a *API) postEvents(w http.ResponseWriter, r *http.Request) {
	body, err := a.readBody(w, r)
	if err != nil {
		a.badRequest(w, "body", err.Error())
		return
	}
	events, err := ingest.Decode(r.Header.Get("Content-Type"), body, a.now())
	if err != nil {
		if errors.Is(err, ingest.ErrUnsupportedContentType) {
			a.respondServiceError(w, r, err)
			return
		}
		a.badRequest(w, "body", err.Error())
		return
	}

	wait := false
	if raw := r.URL.Query().Get("wait"); raw != "" {
		if wait, err = strconv.ParseBool(raw); err != nil {
			a.badRequest(w, "wait", "must be a boolean")
			return
		}
	}
	if wait {
		metrics.EventsReceived.WithLabelValues("sync").Add(float64(len(events)))
		out := eventsProcessed{Processed: len(events), AlertIDs: []string{}}
		for _, e := range events {
			alerts, result := a.events.ProcessEvent(r.Context(), e)
			for _, al := range alerts {
				out.AlertIDs = append(out.AlertIDs, al.AlertID)
			}
			out.Suppressed += len(result.Suppressed)
		}
		a.respondOK(w, http.StatusOK, out)
		return
	}

	var res eventsAccepted
	for _, e := range events {
		if a.events.Submit(e) {
			res.Accepted++
		} else {
			res.Dropped++
		}
	}
	if res.Accepted == 0 {
		a.respondError(w, http.StatusTooManyRequests, CodeRateLimited, "event queue is full", res)
		return
	}
	if res.Dropped > 0 {
		a.logger.Warnw("Event queue full, events dropped",
			"accepted", res.Accepted,
			"dropped", res.Dropped)
	}
	a.respondOK(w, http.StatusAccepted, res)
}
