package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/guardapi/guard/internal/aggregator"
	"github.com/guardapi/guard/internal/config"
	"github.com/guardapi/guard/internal/breaker"
	"github.com/guardapi/guard/internal/decision"
	"github.com/guardapi/guard/internal/keystore"
	"github.com/guardapi/guard/internal/middleware"
	"github.com/guardapi/guard/internal/models"
	"github.com/guardapi/guard/internal/quota"
	"github.com/guardapi/guard/internal/ratelimit"
	"github.com/guardapi/guard/internal/usagelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testMasterKey = "test-master-key"
	testJWTSecret = "test-secret-key-for-jwt-testing-32chars"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type testServer struct {
	t      *testing.T
	srv    *Server
	keys   *keystore.Service
	clock  *testClock
	health map[string]HealthCheck
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Env: "test"},
		Auth: config.AuthConfig{
			MasterKey: testMasterKey,
			JWTSecret: testJWTSecret,
		},
		AdminRateLimit: config.AdminRateLimitConfig{Enabled: true, RPM: 1000},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	clock := &testClock{now: time.Date(2025, 8, 12, 9, 15, 15, 0, time.UTC)}
	plans := models.DefaultPlans()

	keys := keystore.NewService(keystore.NewMemoryStore(), keystore.NewMemoryResolveCache(time.Minute), keystore.Options{
		Hash:  &argon2id.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		Plans: plans,
		Now:   clock.Now,
	})

	store := usagelog.NewMemoryStore()
	wcfg := usagelog.DefaultWriterConfig()
	wcfg.FlushInterval = 10 * time.Millisecond
	writer := usagelog.NewWriter(store, wcfg)
	t.Cleanup(func() { _ = writer.Close(context.Background()) })

	limiter := ratelimit.NewMemoryLimiter()
	tracker := quota.NewMemoryTracker()
	breakers := breaker.NewManager(breaker.DefaultConfig())
	engine := decision.New(keys, limiter, tracker, writer, plans,
		decision.WithClock(clock.Now), decision.WithBreakers(breakers))

	health := map[string]HealthCheck{}
	srv := New(cfg, Deps{
		Engine:       engine,
		Keys:         keys,
		Writer:       writer,
		Logs:         store,
		Aggregator:   aggregator.New(store, limiter, tracker, plans),
		AdminLimiter: ratelimit.NewMemoryLimiter(),
		Health:       health,
		Breakers:     breakers,
		Now:          clock.Now,
	})

	return &testServer{t: t, srv: srv, keys: keys, clock: clock, health: health}
}

func (ts *testServer) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(w, req)
	return w
}

func master() map[string]string {
	return map[string]string{middleware.HeaderMasterKey: testMasterKey}
}

func apiKey(secret string) map[string]string {
	return map[string]string{middleware.HeaderAPIKey: secret}
}

func bearer(subject string) map[string]string {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	return map[string]string{"Authorization": "Bearer " + token}
}

func (ts *testServer) createKey(userID string) models.IssuedKey {
	ts.t.Helper()
	w := ts.do(http.MethodPost, "/keys", gin.H{"userId": userID}, master())
	require.Equal(ts.t, http.StatusCreated, w.Code, w.Body.String())
	var issued models.IssuedKey
	require.NoError(ts.t, json.Unmarshal(w.Body.Bytes(), &issued))
	return issued
}

func (ts *testServer) check(secret, route string) (*httptest.ResponseRecorder, CheckResponse) {
	ts.t.Helper()
	w := ts.do(http.MethodPost, "/check", gin.H{"route": route, "method": "get"}, apiKey(secret))
	var resp CheckResponse
	require.NoError(ts.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func TestCheck_StatusMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	issued := ts.createKey("user-1")

	w, resp := ts.check("", "/v1/items")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.ReasonUnauthorized, resp.Reason)

	w, resp = ts.check("guard_"+fmt.Sprintf("%064x", 7), "/v1/items")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.ReasonInvalidAPIKey, resp.Reason)

	w, resp = ts.check(issued.APIKey, "   ")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ReasonRouteRequired, resp.Reason)

	w, resp = ts.check(issued.APIKey, "/v1/items")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Allowed)
	assert.Empty(t, resp.Reason)
	assert.Equal(t, "30", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "29", w.Header().Get("X-RateLimit-Remaining"))
	assert.Empty(t, w.Header().Get("Retry-After"))

	w = ts.do(http.MethodPost, "/keys/"+issued.KID+"/disable", gin.H{"userId": "user-1"}, master())
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = ts.check(issued.APIKey, "/v1/items")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, models.ReasonAPIKeyDisabled, resp.Reason)
}

func TestCheck_MalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)
	issued := ts.createKey("user-1")

	tests := []struct {
		name       string
		body       string
		apiKey     string
		wantStatus int
		wantReason models.Reason
	}{
		{name: "no key wins over bad body", body: `{"route":5}`, wantStatus: http.StatusUnauthorized, wantReason: models.ReasonUnauthorized},
		{name: "invalid key wins over bad body", body: "{not json", apiKey: "guard_nope", wantStatus: http.StatusUnauthorized, wantReason: models.ReasonInvalidAPIKey},
		{name: "valid key needs a route", body: "{not json", apiKey: issued.APIKey, wantStatus: http.StatusBadRequest, wantReason: models.ReasonRouteRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/check", bytes.NewBufferString(tt.body))
			if tt.apiKey != "" {
				req.Header.Set(middleware.HeaderAPIKey, tt.apiKey)
			}
			w := httptest.NewRecorder()
			ts.srv.Router().ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			var resp CheckResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.False(t, resp.Allowed)
			assert.Equal(t, tt.wantReason, resp.Reason)
		})
	}
}

func TestCheck_ThirtyFirstRequestIsRateLimited(t *testing.T) {
	ts := newTestServer(t, nil)
	issued := ts.createKey("user-1")

	for i := 1; i <= 30; i++ {
		w, _ := ts.check(issued.APIKey, "/v1/items")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}

	w, resp := ts.check(issued.APIKey, "/v1/items")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.False(t, resp.Allowed)
	assert.Equal(t, models.ReasonRateLimit, resp.Reason)
	assert.Equal(t, "45", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, fmt.Sprint(time.Date(2025, 8, 12, 9, 16, 0, 0, time.UTC).Unix()), w.Header().Get("X-RateLimit-Reset"))

	// Next window admits again.
	ts.clock.mu.Lock()
	ts.clock.now = ts.clock.now.Add(time.Minute)
	ts.clock.mu.Unlock()

	w, resp = ts.check(issued.APIKey, "/v1/items")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Allowed)
}

func TestLogs_LimitReturnsNewestFirst(t *testing.T) {
	ts := newTestServer(t, nil)
	issued := ts.createKey("user-1")

	for i := 1; i <= 7; i++ {
		ts.check(issued.APIKey, fmt.Sprintf("/v1/route-%d", i))
	}

	w := ts.do(http.MethodGet, "/logs?limit=5", nil, apiKey(issued.APIKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var entries []models.UsageLogEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("/v1/route-%d", 7-i), e.Route)
		assert.Equal(t, issued.KID, e.KID)
		assert.Equal(t, "GET", e.Method)
		assert.NotContains(t, e.ClientKey, issued.APIKey)
	}
	assert.NotContains(t, w.Body.String(), issued.APIKey)
}

func TestLogs_Validation(t *testing.T) {
	ts := newTestServer(t, nil)
	issued := ts.createKey("user-1")

	w := ts.do(http.MethodGet, "/logs?limit=abc", nil, apiKey(issued.APIKey))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodGet, "/logs", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"UNAUTHORIZED"`)

	w = ts.do(http.MethodGet, "/logs", nil, apiKey("guard_nope"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"INVALID_API_KEY"`)

	w = ts.do(http.MethodGet, "/logs", nil, apiKey(issued.APIKey))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestUsage_ReportsCounters(t *testing.T) {
	ts := newTestServer(t, nil)
	issued := ts.createKey("user-1")

	ts.check(issued.APIKey, "/a")
	ts.check(issued.APIKey, "/b")
	ts.check(issued.APIKey, "")

	w := ts.do(http.MethodGet, "/usage", nil, apiKey(issued.APIKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		KID    string        `json:"kid"`
		Plan   string        `json:"plan"`
		Limits models.Limits `json:"limits"`
		Month  struct {
			Used      int64 `json:"used"`
			Remaining int64 `json:"remaining"`
		} `json:"month"`
		Minute struct {
			Used int `json:"used"`
		} `json:"minute"`
		Today struct {
			LastSeen *time.Time `json:"lastSeen"`
		} `json:"today"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, issued.KID, body.KID)
	assert.Equal(t, "free", body.Plan)
	assert.Equal(t, 30, body.Limits.RPM)
	assert.Equal(t, int64(2), body.Month.Used)
	assert.Equal(t, int64(9998), body.Month.Remaining)
	assert.Equal(t, 2, body.Minute.Used)
	require.NotNil(t, body.Today.LastSeen)
	assert.True(t, body.Today.LastSeen.Equal(ts.clock.Now()))
}

func TestDashboard_AndSeries(t *testing.T) {
	ts := newTestServer(t, nil)
	issued := ts.createKey("user-1")

	for i := 0; i < 4; i++ {
		ts.check(issued.APIKey, "/a")
	}
	ts.check(issued.APIKey, "")

	w := ts.do(http.MethodGet, "/dashboard/series?days=3", nil, apiKey(issued.APIKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var series SeriesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &series))
	assert.Equal(t, 3, series.Days)
	require.Len(t, series.Series, 3)
	assert.Equal(t, "2025-08-10", series.Series[0].Day)
	last := series.Series[2]
	assert.Equal(t, "2025-08-12", last.Day)
	assert.Equal(t, int64(4), last.Allowed)
	assert.Equal(t, int64(1), last.Blocked)
	assert.Equal(t, int64(5), last.Total)

	w = ts.do(http.MethodGet, "/dashboard", nil, apiKey(issued.APIKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var dash struct {
		Plan   string          `json:"plan"`
		Limits DashboardLimits `json:"limits"`
		Usage  struct {
			Today struct {
				Allowed int64 `json:"allowed"`
				Blocked int64 `json:"blocked"`
			} `json:"today"`
			Month struct {
				Used        int64  `json:"used"`
				PercentUsed string `json:"percentUsed"`
			} `json:"month"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dash))
	assert.Equal(t, "free", dash.Plan)
	assert.Equal(t, DashboardLimits{RPM: 30, Monthly: 10000}, dash.Limits)
	assert.Equal(t, int64(4), dash.Usage.Today.Allowed)
	assert.Equal(t, int64(1), dash.Usage.Today.Blocked)
	assert.Equal(t, int64(4), dash.Usage.Month.Used)
	assert.Equal(t, "0.04", dash.Usage.Month.PercentUsed)

	w = ts.do(http.MethodGet, "/dashboard/series", nil, apiKey(issued.APIKey))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &series))
	assert.Equal(t, aggregator.DefaultSeriesDays, series.Days)
	assert.Len(t, series.Series, aggregator.DefaultSeriesDays)
}

func TestKeys_Lifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	issued := ts.createKey("user-1")
	ts.createKey("user-1")

	w := ts.do(http.MethodGet, "/keys?userId=user-1", nil, master())
	require.Equal(t, http.StatusOK, w.Code)
	var list KeyListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total)
	assert.NotContains(t, w.Body.String(), issued.APIKey)
	assert.NotContains(t, w.Body.String(), "secret")

	w = ts.do(http.MethodPost, "/keys/"+issued.KID+"/rotate", gin.H{"userId": "user-1", "name": "renamed"}, master())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rotated models.IssuedKey
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rotated))
	assert.Equal(t, issued.KID, rotated.KID)
	assert.NotEqual(t, issued.APIKey, rotated.APIKey)

	_, resp := ts.check(issued.APIKey, "/a")
	assert.Equal(t, models.ReasonInvalidAPIKey, resp.Reason)
	_, resp = ts.check(rotated.APIKey, "/a")
	assert.True(t, resp.Allowed)

	for i := 0; i < 2; i++ {
		w = ts.do(http.MethodPost, "/keys/"+issued.KID+"/disable", gin.H{"userId": "user-1"}, master())
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, fmt.Sprintf(`{"ok":true,"kid":%q}`, issued.KID), w.Body.String())
	}

	w = ts.do(http.MethodPost, "/keys/"+issued.KID+"/rotate", gin.H{"userId": "user-1"}, master())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"KEY_DISABLED"`)

	w = ts.do(http.MethodPost, "/keys/does-not-exist/disable", gin.H{"userId": "user-1"}, master())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"KEY_NOT_FOUND"`)

	w = ts.do(http.MethodPost, "/keys", gin.H{}, master())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"OWNER_REQUIRED"`)
}

func TestKeys_OwnerToken(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodPost, "/keys", gin.H{"name": "cli"}, bearer("user-1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var mine models.IssuedKey
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mine))

	theirs := ts.createKey("user-2")

	w = ts.do(http.MethodGet, "/keys", nil, bearer("user-1"))
	require.Equal(t, http.StatusOK, w.Code)
	var list KeyListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, mine.KID, list.Keys[0].KID)

	w = ts.do(http.MethodGet, "/keys?userId=user-2", nil, bearer("user-1"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(http.MethodPost, "/keys/"+theirs.KID+"/disable", gin.H{}, bearer("user-1"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"KEY_NOT_OWNED"`)

	_, resp := ts.check(theirs.APIKey, "/a")
	assert.True(t, resp.Allowed)

	w = ts.do(http.MethodGet, "/keys", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSetPlan_RequiresMaster(t *testing.T) {
	ts := newTestServer(t, nil)
	issued := ts.createKey("user-1")

	w := ts.do(http.MethodPost, "/keys/"+issued.KID+"/plan", gin.H{"plan": "pro"}, bearer("user-1"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodPost, "/keys/"+issued.KID+"/plan", gin.H{"plan": "enterprise"}, master())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"INVALID_PLAN"`)

	w = ts.do(http.MethodPost, "/keys/"+issued.KID+"/plan", gin.H{"plan": "pro"}, master())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, fmt.Sprintf(`{"ok":true,"kid":%q,"plan":"pro"}`, issued.KID), w.Body.String())

	w, _ = ts.check(issued.APIKey, "/a")
	assert.Equal(t, "300", w.Header().Get("X-RateLimit-Limit"))
}

func TestAdminEndpoints_GuardRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.AdminRateLimit.RPM = 2
	ts := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		w := ts.do(http.MethodGet, "/keys?userId=user-1", nil, master())
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := ts.do(http.MethodGet, "/keys?userId=user-1", nil, master())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"GUARD_RATE_LIMIT"`)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestEnforceMasterKey_OnClientEndpoints(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.EnforceMasterKey = true
	ts := newTestServer(t, cfg)
	issued := ts.createKey("user-1")

	w := ts.do(http.MethodPost, "/check", gin.H{"route": "/a"}, apiKey(issued.APIKey))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	headers := apiKey(issued.APIKey)
	headers[middleware.HeaderMasterKey] = testMasterKey
	w = ts.do(http.MethodPost, "/check", gin.H{"route": "/a"}, headers)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.health["postgres"] = func(context.Context) error { return nil }

	w := ts.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"postgres":"healthy"`)

	issued := ts.createKey("user-1")
	ts.check(issued.APIKey, "/a")
	w = ts.do(http.MethodGet, "/health", nil, nil)
	assert.Contains(t, w.Body.String(), `"name":"keystore","state":"closed"`)

	ts.health["redis"] = func(context.Context) error { return errors.New("connection refused") }
	w = ts.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"unhealthy"`)
	assert.Contains(t, w.Body.String(), `"status":"unhealthy"`)
}
