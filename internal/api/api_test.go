package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/airfi/airfi-mpesa-gateway/internal/auth"
	"github.com/airfi/airfi-mpesa-gateway/internal/db"
	"github.com/airfi/airfi-mpesa-gateway/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingFirewall struct {
	mu      sync.Mutex
	grants  []string
	revokes []string
}

func (f *recordingFirewall) Grant(_ context.Context, ip, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, ip)
	return nil
}

func (f *recordingFirewall) Revoke(_ context.Context, ip, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokes = append(f.revokes, ip)
	return nil
}

type stubReports struct {
	callbacks []*db.CallbackLog
}

func (r *stubReports) GetStats(context.Context) (*db.Stats, error) {
	return &db.Stats{Total: 2, Active: 1, Revenue: 10}, nil
}

func (r *stubReports) ListCallbacks(_ context.Context, correlationID string, _ int) ([]*db.CallbackLog, error) {
	var out []*db.CallbackLog
	for _, l := range r.callbacks {
		if correlationID == "" || l.CorrelationID == correlationID {
			out = append(out, l)
		}
	}
	return out, nil
}

type testServer struct {
	router   *Router
	store    *session.MemoryStore
	firewall *recordingFirewall
	jwt      *auth.JWTService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := session.NewMemoryStore()
	fw := &recordingFirewall{}
	manager := session.NewManager(store, fw, nil, nil, nil)

	kp, err := auth.GenerateKeyPair()
	require.NoError(t, err)
	jwtService := auth.NewJWTService(kp, "airfi-test")

	reports := &stubReports{callbacks: []*db.CallbackLog{
		{ID: 1, CorrelationID: "ws_CO_1", Payload: "{}", ReceivedAt: time.Now()},
	}}

	return &testServer{
		router:   NewRouter(NewHandler(manager, reports, jwtService, nil)),
		store:    store,
		firewall: fw,
		jwt:      jwtService,
	}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) token(t *testing.T, role string) string {
	t.Helper()
	token, err := s.jwt.GenerateToken("alice", role, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) seed(t *testing.T, id, correlationID string, status session.Status) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.store.Create(context.Background(), &session.Session{
		ID:            id,
		Subscriber:    "254712345678",
		Amount:        10,
		CorrelationID: correlationID,
		IPAddress:     "10.0.0.5",
		MACAddress:    session.UnknownMAC,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

const successCallback = `{"Body":{"stkCallback":{
	"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResultCode":0,
	"ResultDesc":"The service request is processed successfully.",
	"CallbackMetadata":{"Item":[{"Name":"Amount","Value":10},{"Name":"MpesaReceiptNumber","Value":"QK12ABC"}]}}}}`

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["stats"].(map[string]any)["active"])
}

func TestPaymentCallback_ActivatesSession(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "s-1", "ws_CO_1", session.StatusPending)

	w := s.do(t, httptest.NewRequest(http.MethodPost, "/billing/callback/", strings.NewReader(successCallback)))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, w.Body.String())

	sess, err := s.store.Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)
	assert.Equal(t, "QK12ABC", sess.Receipt)
	assert.Equal(t, []string{"10.0.0.5"}, s.firewall.grants)
	require.Len(t, s.store.Callbacks(), 1)
	assert.Equal(t, "ws_CO_1", s.store.Callbacks()[0].CorrelationID)
}

func TestPaymentCallback_AlwaysAcknowledged(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "unmatched", path: "/billing/callback/", body: successCallback},
		{name: "not json", path: "/billing/callback/", body: "<xml/>"},
		{name: "missing stkCallback", path: "/billing/callback", body: `{"Body":{}}`},
		{name: "empty", path: "/billing/callback", body: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)

			w := s.do(t, httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body)))

			require.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, w.Body.String())
			assert.Zero(t, s.store.Count())
			assert.Empty(t, s.firewall.grants)
		})
	}
}

func TestPaymentCallback_RejectsGet(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/billing/callback/", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestPaymentCallback_NoCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/billing/callback/", "/billing/callback"} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set("Origin", "http://evil.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)

		w := s.do(t, req)

		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"), path)
	}

	// The portal keeps answering preflight.
	w := s.do(t, httptest.NewRequest(http.MethodOptions, "/pay", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestPay_CreatesPendingSession(t *testing.T) {
	s := newTestServer(t)

	form := url.Values{"phone": {"0712345678"}, "plan": {"24hours"}}
	req := httptest.NewRequest(http.MethodPost, "/pay", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "10.0.0.9:51000"

	w := s.do(t, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "254712345678", body["phone"])
	assert.Equal(t, "PENDING", body["status"])
	assert.EqualValues(t, 50, body["amount"])

	sess, err := s.store.Get(context.Background(), body["session_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", sess.IPAddress)
	assert.Equal(t, session.UnknownMAC, sess.MACAddress)
	assert.Empty(t, sess.CorrelationID)
}

func TestPay_IgnoresForwardedFor(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/pay", strings.NewReader(`{"phone":"254700000001"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "10.9.9.9")
	req.RemoteAddr = "10.0.0.7:40000"

	w := s.do(t, req)

	require.Equal(t, http.StatusOK, w.Code)
	sess, err := s.store.Get(context.Background(), decode(t, w)["session_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", sess.IPAddress)
}

func TestPay_RequiresPhone(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/pay", strings.NewReader(`{"plan":"1hour"}`))
	req.Header.Set("Content-Type", "application/json")

	w := s.do(t, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, s.store.Count())
}

func TestCheckStatus(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/check_status/0712345678", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"PENDING"}`, w.Body.String())

	s.seed(t, "s-1", "ws_CO_1", session.StatusActive)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/check_status/0712345678", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ACTIVE"}`, w.Body.String())
}

func TestGetPlans(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil))

	require.Equal(t, http.StatusOK, w.Code)
	plans := decode(t, w)["plans"].([]any)
	require.Len(t, plans, 3)
	assert.Equal(t, "1hour", plans[0].(map[string]any)["id"])
	assert.Equal(t, "1week", plans[2].(map[string]any)["id"])
	assert.Equal(t, "168h0m0s", plans[2].(map[string]any)["duration"])
}

func TestAdmin_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/admin/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/sessions", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = s.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+s.token(t, "viewer"))
	w = s.do(t, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdmin_DisabledWithoutKeys(t *testing.T) {
	manager := session.NewManager(session.NewMemoryStore(), &recordingFirewall{}, nil, nil, nil)
	router := NewRouter(NewHandler(manager, nil, nil, nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/sessions", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdmin_ListSessions(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "s-1", "ws_CO_1", session.StatusPending)
	s.seed(t, "s-2", "ws_CO_2", session.StatusActive)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/sessions?status=ACTIVE", nil)
	req.Header.Set("Authorization", "Bearer "+s.token(t, auth.RoleAdmin))
	w := s.do(t, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, "s-2", body["sessions"].([]any)[0].(map[string]any)["id"])

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/sessions?status=BOGUS", nil)
	req.Header.Set("Authorization", "Bearer "+s.token(t, auth.RoleAdmin))
	assert.Equal(t, http.StatusBadRequest, s.do(t, req).Code)
}

func TestAdmin_GrantAndRevoke(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "s-1", "ws_CO_1", session.StatusPending)
	bearer := "Bearer " + s.token(t, auth.RoleAdmin)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/sessions/s-1/grant", nil)
	req.Header.Set("Authorization", bearer)
	w := s.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ACTIVE", decode(t, w)["status"])
	assert.Equal(t, []string{"10.0.0.5"}, s.firewall.grants)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/sessions/s-1/revoke", nil)
	req.Header.Set("Authorization", bearer)
	w = s.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "REVOKED", decode(t, w)["status"])
	assert.Contains(t, s.firewall.revokes, "10.0.0.5")

	// REVOKED is terminal.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/sessions/s-1/grant", nil)
	req.Header.Set("Authorization", bearer)
	assert.Equal(t, http.StatusConflict, s.do(t, req).Code)
	assert.Len(t, s.firewall.grants, 1)
}

func TestAdmin_UnknownSession(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/sessions/missing", nil)
	req.Header.Set("Authorization", "Bearer "+s.token(t, auth.RoleAdmin))

	assert.Equal(t, http.StatusNotFound, s.do(t, req).Code)
}

func TestAdmin_ListCallbacks(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/callbacks?correlation_id=ws_CO_1", nil)
	req.Header.Set("Authorization", "Bearer "+s.token(t, auth.RoleAdmin))
	w := s.do(t, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, httptest.NewRequest(http.MethodPost, "/billing/callback/", strings.NewReader("junk")))

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `outcome="malformed"`)
}
