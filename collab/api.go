package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/flashfusion/collab-relay/auth"
	"github.com/flashfusion/collab-relay/internal"
	"github.com/flashfusion/collab-relay/state"
)

// HistoryStore returns durable events so clients can backfill after reconnecting.
type HistoryStore interface {
	EventsSince(ctx context.Context, projectID string, since int64, limit int) ([]state.CollabEvent, error)
}

// API serves the read-only HTTP endpoints: the presence snapshot and event history of a
// project. Both need a valid bearer token.
type API struct {
	svc         *Service
	verifier    auth.Verifier
	history     HistoryStore
	authTimeout time.Duration
}

// NewAPI makes the HTTP API. history may be nil, in which case event history is unavailable.
func NewAPI(svc *Service, verifier auth.Verifier, history HistoryStore, authTimeout time.Duration) *API {
	return &API{
		svc:         svc,
		verifier:    verifier,
		history:     history,
		authTimeout: authTimeout,
	}
}

type presenceResponse struct {
	ProjectID     string          `json:"project_id"`
	Collaborators []PresenceEntry `json:"collaborators"`
}

type eventsResponse struct {
	ProjectID string              `json:"project_id"`
	Events    []state.CollabEvent `json:"events"`
	// seq to pass as ?since= to get the next page
	Next int64 `json:"next"`
}

func (a *API) PresenceHandler() http.Handler {
	return a.wrap(a.servePresence)
}

func (a *API) EventsHandler() http.Handler {
	return a.wrap(a.serveEvents)
}

func (a *API) wrap(fn func(w http.ResponseWriter, req *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		err := a.authenticate(req)
		if err == nil {
			err = fn(w, req)
		}
		if err != nil {
			herr, ok := err.(*internal.HandlerError)
			if !ok {
				herr = &internal.HandlerError{
					StatusCode: 500,
					Err:        err,
				}
			}
			if herr.StatusCode >= 500 {
				hlog.FromRequest(req).Err(err).Msg("request failed")
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(herr.StatusCode)
			w.Write(herr.JSON())
		}
	})
}

func (a *API) authenticate(req *http.Request) error {
	token := bearerToken(req)
	if token == "" {
		return &internal.HandlerError{
			StatusCode: 401,
			Err:        auth.ErrMissingParams,
			ErrCode:    "missing_token",
		}
	}
	ctx, cancel := context.WithTimeout(req.Context(), a.authTimeout)
	defer cancel()
	if _, err := a.verifier.Verify(ctx, token); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return &internal.HandlerError{
				StatusCode: 401,
				Err:        err,
				ErrCode:    "invalid_token",
			}
		}
		return &internal.HandlerError{
			StatusCode: http.StatusBadGateway,
			Err:        err,
			ErrCode:    "auth_unavailable",
		}
	}
	return nil
}

func (a *API) servePresence(w http.ResponseWriter, req *http.Request) error {
	projectID := mux.Vars(req)["project_id"]
	return writeJSON(w, presenceResponse{
		ProjectID:     projectID,
		Collaborators: a.svc.Presence.Snapshot(projectID),
	})
}

func (a *API) serveEvents(w http.ResponseWriter, req *http.Request) error {
	if a.history == nil {
		return &internal.HandlerError{
			StatusCode: http.StatusNotFound,
			Err:        fmt.Errorf("event history is not enabled"),
			ErrCode:    "history_disabled",
		}
	}
	projectID := mux.Vars(req)["project_id"]
	q := req.URL.Query()
	var since int64
	var limit int
	var err error
	if s := q.Get("since"); s != "" {
		if since, err = strconv.ParseInt(s, 10, 64); err != nil || since < 0 {
			return &internal.HandlerError{
				StatusCode: 400,
				Err:        fmt.Errorf("invalid since %q", s),
				ErrCode:    "bad_param",
			}
		}
	}
	if l := q.Get("limit"); l != "" {
		if limit, err = strconv.Atoi(l); err != nil || limit <= 0 {
			return &internal.HandlerError{
				StatusCode: 400,
				Err:        fmt.Errorf("invalid limit %q", l),
				ErrCode:    "bad_param",
			}
		}
	}
	events, err := a.history.EventsSince(req.Context(), projectID, since, limit)
	if err != nil {
		return err
	}
	if events == nil {
		events = []state.CollabEvent{}
	}
	next := since
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	return writeJSON(w, eventsResponse{
		ProjectID: projectID,
		Events:    events,
		Next:      next,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return &internal.HandlerError{
			StatusCode: 500,
			Err:        err,
		}
	}
	return nil
}
