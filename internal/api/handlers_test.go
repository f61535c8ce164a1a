package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"example.com/timers/internal/accounts"
	"example.com/timers/internal/auth"
	"example.com/timers/internal/domain"
	"example.com/timers/internal/kv"
)

func newTestHandler(t *testing.T) (*Handler, *clockwork.FakeClock) {
	t.Helper()
	// Issued tokens are checked against wall-clock expiry, so the fake
	// clock starts at the real current time.
	clock := clockwork.NewFakeClockAt(time.Now().UTC())
	store := kv.NewMemory(clock)
	timers := domain.NewService(newMockTimerRepo(), store, clock, domain.Options{})
	accountsSvc := accounts.NewService(newMockUserRepo(), clock)
	cfg := auth.Config{Secret: "test-secret", Issuer: "timers.test", TokenTTL: time.Hour}
	return NewHandler(timers, accountsSvc, cfg, clock), clock
}

func authed(r *http.Request, subject string, admin bool) *http.Request {
	claims := &auth.Claims{
		Subject:   subject,
		Admin:     admin,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	return r.WithContext(auth.WithClaims(r.Context(), claims))
}

func createTimerForTest(t *testing.T, handler *Handler, subject string, durationSeconds int) TimerView {
	t.Helper()
	body := strings.NewReader(`{"label":"focus","duration_seconds":` + strconv.Itoa(durationSeconds) + `}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/timers", body), subject, false)
	rr := httptest.NewRecorder()
	handler.createTimer(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}
	var view TimerView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return view
}

func TestCreateTimerSuccess(t *testing.T) {
	handler, _ := newTestHandler(t)

	view := createTimerForTest(t, handler, "user-1", 1500)
	if view.Status != "running" {
		t.Fatalf("expected running got %s", view.Status)
	}
	if view.RemainingSeconds != 1500 {
		t.Fatalf("expected remaining 1500 got %d", view.RemainingSeconds)
	}
	if !strings.HasPrefix(view.Etag, `W/"`) {
		t.Fatalf("unexpected etag %q", view.Etag)
	}
}

func TestCreateTimerValidation(t *testing.T) {
	handler, _ := newTestHandler(t)

	body := strings.NewReader(`{"duration_seconds":10}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/timers", body), "user-1", false)
	rr := httptest.NewRecorder()
	handler.createTimer(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestCreateTimerRequiresClaims(t *testing.T) {
	handler, _ := newTestHandler(t)

	body := strings.NewReader(`{"duration_seconds":1500}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/timers", body)
	rr := httptest.NewRecorder()
	handler.createTimer(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rr.Code)
	}
}

func TestTickSetsConditionalHeaders(t *testing.T) {
	handler, _ := newTestHandler(t)
	created := createTimerForTest(t, handler, "user-1", 300)

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/timers/"+created.ID+"/tick?wait=false", nil), "user-1", false)
	rr := httptest.NewRecorder()
	handler.tick(rr, req, created.ID)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("ETag") != created.Etag {
		t.Fatalf("expected etag header %q got %q", created.Etag, rr.Header().Get("ETag"))
	}
	if rr.Header().Get("Last-Modified") == "" {
		t.Fatalf("expected Last-Modified header")
	}

	var tick TickView
	if err := json.Unmarshal(rr.Body.Bytes(), &tick); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if tick.RemainingSeconds != 300 {
		t.Fatalf("expected remaining 300 got %d", tick.RemainingSeconds)
	}
}

func TestTickNotModifiedIs304WithoutBody(t *testing.T) {
	handler, _ := newTestHandler(t)
	created := createTimerForTest(t, handler, "user-1", 300)

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/timers/"+created.ID+"/tick?wait=false", nil), "user-1", false)
	req.Header.Set("If-None-Match", created.Etag)
	rr := httptest.NewRecorder()
	handler.tick(rr, req, created.ID)

	if rr.Code != http.StatusNotModified {
		t.Fatalf("expected 304 got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("304 must carry no body, got %q", rr.Body.String())
	}
	// Validators are re-armed even on 304.
	if rr.Header().Get("ETag") != created.Etag {
		t.Fatalf("expected etag header on 304")
	}
	if rr.Header().Get("Last-Modified") == "" {
		t.Fatalf("expected Last-Modified header on 304")
	}
}

func TestTickStaleEtagReturnsBody(t *testing.T) {
	handler, clock := newTestHandler(t)
	created := createTimerForTest(t, handler, "user-1", 300)

	clock.Advance(10 * time.Second)
	req := authed(httptest.NewRequest(http.MethodGet, "/v1/timers/"+created.ID+"/tick?wait=false", nil), "user-1", false)
	req.Header.Set("If-None-Match", created.Etag)
	rr := httptest.NewRecorder()
	handler.tick(rr, req, created.ID)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	var tick TickView
	if err := json.Unmarshal(rr.Body.Bytes(), &tick); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if tick.RemainingSeconds != 290 {
		t.Fatalf("expected remaining 290 got %d", tick.RemainingSeconds)
	}
	if rr.Header().Get("ETag") == created.Etag {
		t.Fatalf("etag must move with the state")
	}
}

func TestTickIfModifiedSinceFallback(t *testing.T) {
	handler, _ := newTestHandler(t)
	created := createTimerForTest(t, handler, "user-1", 300)

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/timers/"+created.ID+"/tick?wait=false", nil), "user-1", false)
	req.Header.Set("If-Modified-Since", created.LastModified.UTC().Format(http.TimeFormat))
	rr := httptest.NewRecorder()
	handler.tick(rr, req, created.ID)

	if rr.Code != http.StatusNotModified {
		t.Fatalf("expected 304 from date validator, got %d", rr.Code)
	}
}

func TestTickUnknownTimerIs404(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/timers/nope/tick?wait=false", nil), "user-1", false)
	rr := httptest.NewRecorder()
	handler.tick(rr, req, "nope")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestCancelThenGet(t *testing.T) {
	handler, _ := newTestHandler(t)
	created := createTimerForTest(t, handler, "user-1", 300)

	req := authed(httptest.NewRequest(http.MethodPost, "/v1/timers/"+created.ID+"/cancel", nil), "user-1", false)
	rr := httptest.NewRecorder()
	handler.cancelTimer(rr, req, created.ID)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	getReq := authed(httptest.NewRequest(http.MethodGet, "/v1/timers/"+created.ID, nil), "user-1", false)
	getRR := httptest.NewRecorder()
	handler.getTimer(getRR, getReq, created.ID)
	if getRR.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", getRR.Code)
	}
	var view TimerView
	if err := json.Unmarshal(getRR.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if view.Status != "canceled" {
		t.Fatalf("expected canceled got %s", view.Status)
	}
	if view.CanceledAt == nil {
		t.Fatalf("expected canceled_at to be set")
	}
}

func TestBatchTickPartitionsResponse(t *testing.T) {
	handler, clock := newTestHandler(t)
	first := createTimerForTest(t, handler, "user-1", 300)
	second := createTimerForTest(t, handler, "user-1", 600)

	clock.Advance(10 * time.Second)

	// Fetch second's current etag so only first reads as stale.
	getReq := authed(httptest.NewRequest(http.MethodGet, "/v1/timers/"+second.ID, nil), "user-1", false)
	getRR := httptest.NewRecorder()
	handler.getTimer(getRR, getReq, second.ID)
	var current TimerView
	if err := json.Unmarshal(getRR.Body.Bytes(), &current); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	payload := BatchTickRequest{
		TimerIDs: []string{first.ID, second.ID},
		Wait:     boolPtr(false),
		ClientEtags: map[string]string{
			first.ID:  first.Etag,
			second.ID: current.Etag,
		},
	}
	raw, _ := json.Marshal(payload)
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/timers/batch/tick", strings.NewReader(string(raw))), "user-1", false)
	rr := httptest.NewRecorder()
	handler.batchTick(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	var resp BatchTickResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Timers) != 1 || resp.Timers[0].ID != first.ID {
		t.Fatalf("expected only the stale timer in body, got %+v", resp.Timers)
	}
	if len(resp.NotModified) != 1 || resp.NotModified[0] != second.ID {
		t.Fatalf("expected second in not_modified, got %v", resp.NotModified)
	}
}

func TestBatchTickRejectsDuplicates(t *testing.T) {
	handler, _ := newTestHandler(t)

	body := strings.NewReader(`{"timer_ids":["a","a"],"wait":false}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/timers/batch/tick", body), "user-1", false)
	rr := httptest.NewRecorder()
	handler.batchTick(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestAdminSummaryRequiresAdmin(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/admin/timers/summary", nil), "user-1", false)
	rr := httptest.NewRecorder()
	handler.adminSummary(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}

	adminReq := authed(httptest.NewRequest(http.MethodGet, "/v1/admin/timers/summary", nil), "admin-1", true)
	adminRR := httptest.NewRecorder()
	handler.adminSummary(adminRR, adminReq)
	if adminRR.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", adminRR.Code, adminRR.Body.String())
	}
}

func TestRegisterLoginMe(t *testing.T) {
	handler, _ := newTestHandler(t)

	registerBody := strings.NewReader(`{"email":"dana@example.com","password":"long enough"}`)
	registerReq := httptest.NewRequest(http.MethodPost, "/v1/auth/register", registerBody)
	registerRR := httptest.NewRecorder()
	handler.register(registerRR, registerReq)
	if registerRR.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", registerRR.Code, registerRR.Body.String())
	}
	var token TokenResponse
	if err := json.Unmarshal(registerRR.Body.Bytes(), &token); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if token.AccessToken == "" || token.TokenType != "bearer" {
		t.Fatalf("unexpected token response %+v", token)
	}

	loginBody := strings.NewReader(`{"email":"dana@example.com","password":"long enough"}`)
	loginReq := httptest.NewRequest(http.MethodPost, "/v1/auth/login", loginBody)
	loginRR := httptest.NewRecorder()
	handler.login(loginRR, loginReq)
	if loginRR.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", loginRR.Code, loginRR.Body.String())
	}

	badBody := strings.NewReader(`{"email":"dana@example.com","password":"wrong"}`)
	badReq := httptest.NewRequest(http.MethodPost, "/v1/auth/login", badBody)
	badRR := httptest.NewRecorder()
	handler.login(badRR, badReq)
	if badRR.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", badRR.Code)
	}

	claims, err := auth.Parse(token.AccessToken, handler.authCfg)
	if err != nil {
		t.Fatalf("issued token did not parse: %v", err)
	}
	meReq := authed(httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil), claims.Subject, claims.Admin)
	meRR := httptest.NewRecorder()
	handler.me(meRR, meReq)
	if meRR.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", meRR.Code, meRR.Body.String())
	}
	var me UserView
	if err := json.Unmarshal(meRR.Body.Bytes(), &me); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if me.Email != "dana@example.com" {
		t.Fatalf("unexpected email %q", me.Email)
	}
}

func boolPtr(v bool) *bool { return &v }

// mockTimerRepo backs the domain service with the same version-guard
// semantics as the database repository.
type mockTimerRepo struct {
	mu     sync.Mutex
	timers map[string]domain.Timer
}

func newMockTimerRepo() *mockTimerRepo {
	return &mockTimerRepo{timers: make(map[string]domain.Timer)}
}

func (r *mockTimerRepo) CreateTimer(_ context.Context, timer domain.Timer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers[timer.ID] = timer
	return nil
}

func (r *mockTimerRepo) GetTimer(_ context.Context, timerID, userID string) (*domain.Timer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	timer, ok := r.timers[timerID]
	if !ok || timer.UserID != userID {
		return nil, nil
	}
	copied := timer
	return &copied, nil
}

func (r *mockTimerRepo) UpdateTimer(_ context.Context, timer domain.Timer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.timers[timer.ID]
	if !ok || stored.Version != timer.Version-1 {
		return domain.ErrVersionConflict
	}
	r.timers[timer.ID] = timer
	return nil
}

func (r *mockTimerRepo) ListTimersByUser(_ context.Context, userID string) ([]domain.Timer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Timer
	for _, timer := range r.timers {
		if timer.UserID == userID {
			out = append(out, timer)
		}
	}
	return out, nil
}

func (r *mockTimerRepo) TimerSummary(_ context.Context) (domain.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary := domain.Summary{}
	users := make(map[string]struct{})
	for _, timer := range r.timers {
		summary.Total++
		users[timer.UserID] = struct{}{}
		switch timer.Status {
		case domain.StatusRunning:
			summary.Running++
		case domain.StatusCompleted:
			summary.Completed++
		case domain.StatusCanceled:
			summary.Canceled++
		}
	}
	summary.ActiveUsers = len(users)
	return summary, nil
}

type mockUserRepo struct {
	mu    sync.Mutex
	users map[string]accounts.User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[string]accounts.User)}
}

func (r *mockUserRepo) CreateUser(_ context.Context, user accounts.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
	return nil
}

func (r *mockUserRepo) GetUserByEmail(_ context.Context, email string) (*accounts.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Email == email {
			copied := user
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *mockUserRepo) GetUserByID(_ context.Context, id string) (*accounts.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	copied := user
	return &copied, nil
}
