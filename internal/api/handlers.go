// Package api exposes HTTP handlers for the timer service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"example.com/timers/internal/accounts"
	"example.com/timers/internal/auth"
	"example.com/timers/internal/domain"
	"example.com/timers/internal/ratelimit"
)

// Handler coordinates HTTP requests with the domain services.
type Handler struct {
	timers   *domain.Service
	accounts *accounts.Service
	authCfg  auth.Config
	clock    clockwork.Clock
}

// NewHandler builds a Handler.
func NewHandler(timers *domain.Service, accountsSvc *accounts.Service, authCfg auth.Config, clock clockwork.Clock) *Handler {
	return &Handler{timers: timers, accounts: accountsSvc, authCfg: authCfg, clock: clock}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/auth/register", h.register)
	mux.HandleFunc("/v1/auth/login", h.login)
	mux.HandleFunc("/v1/auth/me", h.me)
	mux.HandleFunc("/v1/timers", h.timersRoot)
	mux.HandleFunc("/v1/timers/batch/tick", h.batchTick)
	mux.HandleFunc("/v1/timers/", h.timerSubpath)
	mux.HandleFunc("/v1/admin/timers/summary", h.adminSummary)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) timersRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createTimer(w, r)
	case http.MethodGet:
		h.listTimers(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) timerSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/timers/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing timer id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.getTimer(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		h.cancelTimer(w, r, id)
	case action == "tick" && r.Method == http.MethodGet:
		h.tick(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) createTimer(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	var req CreateTimerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	view, err := h.timers.CreateTimer(r.Context(), claims.Subject, req.Label, req.DurationSeconds)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTimerView(*view))
}

func (h *Handler) listTimers(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	views, err := h.timers.ListTimers(r.Context(), claims.Subject)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]TimerView, 0, len(views))
	for _, view := range views {
		items = append(items, toTimerView(view))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) getTimer(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	view, err := h.timers.GetTimer(r.Context(), claims.Subject, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimerView(*view))
}

func (h *Handler) cancelTimer(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	view, err := h.timers.CancelTimer(r.Context(), claims.Subject, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimerView(*view))
}

// tick translates HTTP conditional headers into the tick protocol and
// the not-modified outcome back into a 304.
func (h *Handler) tick(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	wait := r.URL.Query().Get("wait") != "false"
	clientFingerprint := firstETag(r.Header.Get("If-None-Match"))
	clientModifiedSince := parseHTTPDate(r.Header.Get("If-Modified-Since"))

	view, err := h.timers.Tick(r.Context(), claims.Subject, id, clientFingerprint, clientModifiedSince, wait)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("ETag", view.Fingerprint)
	w.Header().Set("Last-Modified", view.LastModified.UTC().Format(http.TimeFormat))

	if !view.Modified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, toTickView(*view))
}

func (h *Handler) batchTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	var req BatchTickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	wait := req.Wait == nil || *req.Wait
	var timeout time.Duration
	if req.TimeoutSeconds != nil {
		timeout = time.Duration(*req.TimeoutSeconds * float64(time.Second))
	}

	result, err := h.timers.BatchTick(r.Context(), claims.Subject, req.TimerIDs, req.ClientEtags, wait, timeout)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := BatchTickResponse{
		Timers:      make([]TickView, 0, len(result.Resolved)),
		NotModified: result.Unchanged,
	}
	for _, view := range result.Resolved {
		resp.Timers = append(resp.Timers, toTickView(view))
	}
	if resp.NotModified == nil {
		resp.NotModified = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) adminSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.Admin {
		writeError(w, http.StatusForbidden, "forbidden", "admin access required")
		return
	}

	summary, err := h.timers.AdminSummary(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TimerSummaryResponse{
		Total:       summary.Total,
		Running:     summary.Running,
		Completed:   summary.Completed,
		Canceled:    summary.Canceled,
		ActiveUsers: summary.ActiveUsers,
	})
}

// firstETag extracts the first candidate from an If-None-Match header.
func firstETag(header string) string {
	for _, token := range strings.Split(header, ",") {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func parseHTTPDate(value string) *time.Time {
	if value == "" {
		return nil
	}
	parsed, err := http.ParseTime(value)
	if err != nil {
		return nil
	}
	parsed = parsed.UTC()
	return &parsed
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrTimerNotFound):
		writeError(w, http.StatusNotFound, "not_found", "timer not found")
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, ratelimit.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, ratelimit.ErrLimiterUnavailable):
		writeError(w, http.StatusServiceUnavailable, "limiter_unavailable", "rate limiter unavailable, retry later")
	case errors.Is(err, context.Canceled):
		// Client went away mid-poll; nothing useful to write.
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
