// Package api exposes the arena engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/nadmax/nexarena/internal/arena"
	"github.com/nadmax/nexarena/internal/broadcast"
	"github.com/nadmax/nexarena/internal/dashboard"
	"github.com/nadmax/nexarena/internal/domain"
	"github.com/nadmax/nexarena/internal/httputil"
	"github.com/nadmax/nexarena/internal/judge"
	"github.com/nadmax/nexarena/internal/queue"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type API struct {
	arena *arena.Service
	mux   *http.ServeMux
	log   logrus.FieldLogger
}

type EnqueueRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
}

// BatchRequest queues a named prompt set in a new session.
type BatchRequest struct {
	Name     string   `json:"name"`
	Prompts  []string `json:"prompts"`
	ModelIDs []string `json:"model_ids"`
}

type BatchResponse struct {
	Session *domain.Session `json:"session"`
	Items   []*queue.Item   `json:"items"`
}

type BroadcastRequest struct {
	Prompt    string   `json:"prompt"`
	ModelIDs  []string `json:"model_ids"`
	SessionID string   `json:"session_id"`
}

type MoveRequest struct {
	Index *int `json:"index"`
}

type RatingRequest struct {
	Rating int `json:"rating"`
}

type JudgeRequest struct {
	SessionID    string `json:"session_id"`
	JudgeModelID string `json:"judge_model_id"`
	Instructions string `json:"instructions"`
}

type SessionRequest struct {
	Title    string   `json:"title"`
	ModelIDs []string `json:"model_ids"`
}

type OutcomeResponse struct {
	ResultID string `json:"result_id"`
	ModelID  string `json:"model_id"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

type BroadcastResponse struct {
	SessionID  string            `json:"session_id"`
	DurationMs int64             `json:"duration_ms"`
	Outcomes   []OutcomeResponse `json:"outcomes"`
}

type JudgeResponse struct {
	Status  string         `json:"status"`
	Verdict *judge.Verdict `json:"verdict,omitempty"`
}

func NewAPI(svc *arena.Service, log logrus.FieldLogger) *API {
	api := &API{
		arena: svc,
		mux:   http.NewServeMux(),
		log:   log,
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("POST /api/queue", a.enqueue)
	a.mux.HandleFunc("POST /api/queue/batch", a.enqueueBatch)
	a.mux.HandleFunc("GET /api/queue", a.listQueue)
	a.mux.HandleFunc("DELETE /api/queue", a.clearQueue)
	a.mux.HandleFunc("POST /api/queue/{id}/pause", a.pauseItem)
	a.mux.HandleFunc("POST /api/queue/{id}/resume", a.resumeItem)
	a.mux.HandleFunc("POST /api/queue/{id}/move", a.moveItem)
	a.mux.HandleFunc("DELETE /api/queue/{id}", a.removeItem)

	a.mux.HandleFunc("POST /api/broadcast", a.broadcast)
	a.mux.HandleFunc("POST /api/cancel", a.cancelAll)
	a.mux.HandleFunc("POST /api/results/{id}/retry", a.retry)
	a.mux.HandleFunc("POST /api/results/{id}/rating", a.rate)
	a.mux.HandleFunc("POST /api/judge", a.judge)

	a.mux.HandleFunc("GET /api/sessions", a.listSessions)
	a.mux.HandleFunc("POST /api/sessions", a.createSession)
	a.mux.HandleFunc("GET /api/sessions/{id}", a.getSession)
	a.mux.HandleFunc("GET /api/streaming", a.streaming)
	a.mux.HandleFunc("GET /api/models", a.models)

	dash := dashboard.NewDashboard(a.arena)
	a.mux.HandleFunc("GET /api/dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("GET /api/dashboard/queue", dash.GetQueue)

	a.mux.Handle("GET /metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return false
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close request body")
		}
	}()

	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}

	return true
}

func (a *API) enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !a.decode(w, r, &req) {
		return
	}

	item, err := a.arena.Enqueue(r.Context(), req.Prompt, req.SessionID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, item)
}

func (a *API) enqueueBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !a.decode(w, r, &req) {
		return
	}

	session, items, err := a.arena.EnqueueBatch(r.Context(), req.Name, req.Prompts, req.ModelIDs)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, BatchResponse{Session: session, Items: items})
}

func (a *API) listQueue(w http.ResponseWriter, r *http.Request) {
	items, err := a.arena.Queue(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, items)
}

func (a *API) clearQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.arena.Clear(r.Context()); err != nil {
		httputil.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) itemAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	if err := fn(r.Context(), r.PathValue("id")); err != nil {
		httputil.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) pauseItem(w http.ResponseWriter, r *http.Request) {
	a.itemAction(w, r, a.arena.Pause)
}

func (a *API) resumeItem(w http.ResponseWriter, r *http.Request) {
	a.itemAction(w, r, a.arena.Resume)
}

func (a *API) removeItem(w http.ResponseWriter, r *http.Request) {
	a.itemAction(w, r, a.arena.Remove)
}

func (a *API) moveItem(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Index == nil {
		httputil.WriteJSONError(w, "index is required", http.StatusBadRequest)
		return
	}

	a.itemAction(w, r, func(ctx context.Context, id string) error {
		return a.arena.Reorder(ctx, id, *req.Index)
	})
}

func toBroadcastResponse(report *broadcast.Report) BroadcastResponse {
	resp := BroadcastResponse{
		SessionID:  report.SessionID,
		DurationMs: report.Duration.Milliseconds(),
		Outcomes:   make([]OutcomeResponse, len(report.Outcomes)),
	}
	for i, o := range report.Outcomes {
		resp.Outcomes[i] = OutcomeResponse{ResultID: o.ResultID, ModelID: o.ModelID, State: o.State.String()}
		if o.Err != nil {
			resp.Outcomes[i].Error = o.Err.Error()
		}
	}

	return resp
}

// broadcast runs synchronously; the request context cancels it if the client goes away.
func (a *API) broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if !a.decode(w, r, &req) {
		return
	}

	report, err := a.arena.Broadcast(r.Context(), req.Prompt, req.ModelIDs, req.SessionID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toBroadcastResponse(report))
}

func (a *API) cancelAll(w http.ResponseWriter, _ *http.Request) {
	a.arena.CancelAll()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) retry(w http.ResponseWriter, r *http.Request) {
	result, err := a.arena.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

func (a *API) rate(w http.ResponseWriter, r *http.Request) {
	var req RatingRequest
	if !a.decode(w, r, &req) {
		return
	}

	a.itemAction(w, r, func(ctx context.Context, id string) error {
		return a.arena.Rate(ctx, id, req.Rating)
	})
}

func (a *API) judge(w http.ResponseWriter, r *http.Request) {
	var req JudgeRequest
	if !a.decode(w, r, &req) {
		return
	}

	start := time.Now()
	verdict, err := a.arena.JudgeSession(r.Context(), req.SessionID, req.JudgeModelID, req.Instructions)
	status := judge.Status(verdict, err)
	if err != nil {
		httputil.WriteJSON(w, httputil.StatusFor(err), JudgeResponse{Status: status})
		return
	}

	a.log.WithField("duration", time.Since(start).Round(time.Millisecond).String()).Debug("Judge request served")
	httputil.WriteJSON(w, http.StatusOK, JudgeResponse{Status: status, Verdict: verdict})
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.arena.Sessions(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, sessions)
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !a.decode(w, r, &req) {
		return
	}

	session, err := a.arena.NewSession(r.Context(), req.Title, req.ModelIDs)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, session)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.arena.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, session)
}

func (a *API) streaming(w http.ResponseWriter, r *http.Request) {
	states, err := a.arena.Streaming(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, states)
}

func (a *API) models(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, a.arena.Models())
}
