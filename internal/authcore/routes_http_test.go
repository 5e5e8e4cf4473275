package authcore

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type authTestHarness struct {
	router     *gin.Engine
	manager    *SessionManager
	principals *stubPrincipals
	clock      *movableClock
	metrics    *CounterMetrics
}

func newAuthHarness(t *testing.T, oauthClient *OAuthExchangeClient, principals *stubPrincipals) *authTestHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := &movableClock{timestamp: time.Unix(1700000000, 0).UTC()}
	codec := newTestCodec(t, clock)
	if principals == nil {
		principals = newStubPrincipals()
	}
	metricsRecorder := NewCounterMetrics()

	manager, err := NewSessionManager(ManagerConfig{
		Codec:      codec,
		Sessions:   NewMemorySessionStore(),
		Principals: principals,
		OAuth:      oauthClient,
		Metrics:    metricsRecorder,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("manager error: %v", err)
	}

	router := gin.New()
	MountAuthRoutes(router, RouteDeps{
		Manager:  manager,
		Codec:    codec,
		Versions: principals,
		Metrics:  metricsRecorder,
	})
	protected := router.Group("/api")
	protected.Use(RequireAuth(codec, principals, metricsRecorder))
	protected.GET("/ping", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"subject": contextGin.GetString(ContextKeySubject)})
	})

	return &authTestHarness{
		router:     router,
		manager:    manager,
		principals: principals,
		clock:      clock,
		metrics:    metricsRecorder,
	}
}

func (harness *authTestHarness) postJSON(t *testing.T, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func (harness *authTestHarness) get(t *testing.T, path string, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeTokenPair(t *testing.T, recorder *httptest.ResponseRecorder) (accessToken string, refreshToken string) {
	t.Helper()
	var payload struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error: %v (body %s)", err, recorder.Body.String())
	}
	if payload.TokenType != "Bearer" {
		t.Fatalf("expected Bearer token type, got %q", payload.TokenType)
	}
	if payload.ExpiresIn <= 0 {
		t.Fatalf("expected positive expires_in, got %d", payload.ExpiresIn)
	}
	if payload.AccessToken == "" || payload.RefreshToken == "" {
		t.Fatalf("expected both tokens in response body %s", recorder.Body.String())
	}
	return payload.AccessToken, payload.RefreshToken
}

func TestLoginRefreshLogoutLifecycle(t *testing.T) {
	harness := newAuthHarness(t, nil, nil)
	harness.principals.addPassword("alice", "correct horse")

	loginRecorder := harness.postJSON(t, "/auth/login", `{"username":"alice","password":"correct horse"}`)
	if loginRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body %s", loginRecorder.Code, loginRecorder.Body.String())
	}
	accessToken, refreshToken := decodeTokenPair(t, loginRecorder)

	pingRecorder := harness.get(t, "/api/ping", accessToken)
	if pingRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from protected route, got %d", pingRecorder.Code)
	}

	refreshRecorder := harness.postJSON(t, "/auth/refresh", fmt.Sprintf(`{"refresh_token":%q}`, refreshToken))
	if refreshRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from refresh, got %d body %s", refreshRecorder.Code, refreshRecorder.Body.String())
	}
	_, rotatedRefresh := decodeTokenPair(t, refreshRecorder)
	if rotatedRefresh == refreshToken {
		t.Fatalf("expected rotation to mint a new refresh token")
	}

	// Replaying the rotated-out token surfaces as a conflict.
	replayRecorder := harness.postJSON(t, "/auth/refresh", fmt.Sprintf(`{"refresh_token":%q}`, refreshToken))
	if replayRecorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 on replay, got %d", replayRecorder.Code)
	}
	if !strings.Contains(replayRecorder.Body.String(), "conflict") {
		t.Fatalf("unexpected conflict body %s", replayRecorder.Body.String())
	}

	// The revoked chain's current token collapses to a generic 401.
	revokedRecorder := harness.postJSON(t, "/auth/refresh", fmt.Sprintf(`{"refresh_token":%q}`, rotatedRefresh))
	if revokedRecorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked chain, got %d", revokedRecorder.Code)
	}
	if !strings.Contains(revokedRecorder.Body.String(), "unauthenticated") {
		t.Fatalf("expected undifferentiated body, got %s", revokedRecorder.Body.String())
	}

	logoutRecorder := harness.postJSON(t, "/auth/logout", fmt.Sprintf(`{"refresh_token":%q}`, rotatedRefresh))
	if logoutRecorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from logout, got %d", logoutRecorder.Code)
	}
	// Logout is idempotent.
	if again := harness.postJSON(t, "/auth/logout", fmt.Sprintf(`{"refresh_token":%q}`, rotatedRefresh)); again.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from repeated logout, got %d", again.Code)
	}
}

func TestLoginRejectsBadRequests(t *testing.T) {
	harness := newAuthHarness(t, nil, nil)
	harness.principals.addPassword("alice", "correct horse")

	if recorder := harness.postJSON(t, "/auth/login", `{not json`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", recorder.Code)
	}
	if recorder := harness.postJSON(t, "/auth/login", `{"username":"","password":"x"}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty username, got %d", recorder.Code)
	}

	recorder := harness.postJSON(t, "/auth/login", `{"username":"alice","password":"wrong"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "unauthenticated") {
		t.Fatalf("expected undifferentiated body, got %s", recorder.Body.String())
	}
}

func TestRefreshRejectsMissingToken(t *testing.T) {
	harness := newAuthHarness(t, nil, nil)

	if recorder := harness.postJSON(t, "/auth/refresh", `{}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing refresh_token, got %d", recorder.Code)
	}
	if recorder := harness.postJSON(t, "/auth/refresh", `{"refresh_token":"garbage"}`); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", recorder.Code)
	}
}

func TestProtectedRouteRejections(t *testing.T) {
	harness := newAuthHarness(t, nil, nil)
	harness.principals.addPassword("alice", "correct horse")

	loginRecorder := harness.postJSON(t, "/auth/login", `{"username":"alice","password":"correct horse"}`)
	accessToken, refreshToken := decodeTokenPair(t, loginRecorder)

	if recorder := harness.get(t, "/api/ping", ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", recorder.Code)
	}
	if recorder := harness.get(t, "/api/ping", "garbage"); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage bearer, got %d", recorder.Code)
	}
	// A refresh token is not an access token.
	if recorder := harness.get(t, "/api/ping", refreshToken); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for refresh token as bearer, got %d", recorder.Code)
	}

	// Expired access tokens stop working.
	harness.clock.Advance(16 * time.Minute)
	if recorder := harness.get(t, "/api/ping", accessToken); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired access token, got %d", recorder.Code)
	}
}

func TestLoginStorageOutageReturns503(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	clock := &movableClock{timestamp: time.Unix(1700000000, 0).UTC()}
	codec := newTestCodec(t, clock)
	principals := &flakyPrincipals{
		stubPrincipals: newStubPrincipals(),
		findErr:        fmt.Errorf("principal_store.credentials: %v", "dial tcp 127.0.0.1:5432: connection refused"),
	}
	manager, err := NewSessionManager(ManagerConfig{
		Codec:      codec,
		Sessions:   NewMemorySessionStore(),
		Principals: principals,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("manager error: %v", err)
	}
	router := gin.New()
	MountAuthRoutes(router, RouteDeps{Manager: manager, Codec: codec, Versions: principals})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"alice","password":"correct horse"}`))
	request.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for a credential store outage, got %d body %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), "service_unavailable") {
		t.Fatalf("expected service_unavailable body, got %s", recorder.Body.String())
	}
}

func TestRequireAuthVersionLookupOutageReturns503(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	codec := newTestCodec(t, fixedClock{timestamp: time.Unix(1700000000, 0).UTC()})
	token, _, issueErr := codec.IssueAccess("principal-1", 0)
	if issueErr != nil {
		t.Fatalf("issue error: %v", issueErr)
	}

	principals := &flakyPrincipals{
		stubPrincipals: newStubPrincipals(),
		versionErr:     fmt.Errorf("principal_store.get: %v", "dial tcp 127.0.0.1:5432: connection refused"),
	}
	metricsRecorder := NewCounterMetrics()
	router := gin.New()
	router.GET("/ping", RequireAuth(codec, principals, metricsRecorder), func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for a version store outage, got %d", recorder.Code)
	}
	if metricsRecorder.Count(MetricStorageUnavailable) != 1 {
		t.Fatalf("expected storage unavailable counted")
	}

	// A deleted principal is staleness, not an outage.
	principals.versionErr = nil
	recorder = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodGet, "/ping", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a missing principal, got %d", recorder.Code)
	}
	if metricsRecorder.Count(MetricTokenVersionStale) != 1 {
		t.Fatalf("expected token version stale counted")
	}
}

func TestLogoutAllInvalidatesOutstandingAccessTokens(t *testing.T) {
	harness := newAuthHarness(t, nil, nil)
	harness.principals.addPassword("alice", "correct horse")

	loginRecorder := harness.postJSON(t, "/auth/login", `{"username":"alice","password":"correct horse"}`)
	accessToken, refreshToken := decodeTokenPair(t, loginRecorder)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/logout_all", nil)
	request.Header.Set("Authorization", "Bearer "+accessToken)
	harness.router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from logout_all, got %d body %s", recorder.Code, recorder.Body.String())
	}

	// The token version bump kills the still-unexpired access token.
	if pingRecorder := harness.get(t, "/api/ping", accessToken); pingRecorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after forced logout, got %d", pingRecorder.Code)
	}
	if harness.metrics.Count(MetricTokenVersionStale) == 0 {
		t.Fatalf("expected stale token version counted")
	}

	// And the refresh session chain is dead.
	if refreshRecorder := harness.postJSON(t, "/auth/refresh", fmt.Sprintf(`{"refresh_token":%q}`, refreshToken)); refreshRecorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after forced logout, got %d", refreshRecorder.Code)
	}
}

func TestLogoutAllRequiresAuthentication(t *testing.T) {
	harness := newAuthHarness(t, nil, nil)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/logout_all", nil)
	harness.router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", recorder.Code)
	}
}

func TestGoogleLoginDisabledCollapsesTo401(t *testing.T) {
	harness := newAuthHarness(t, nil, nil)

	recorder := harness.postJSON(t, "/auth/google", `{"google_id_token":"whatever"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when google login is disabled, got %d", recorder.Code)
	}
	if recorder := harness.postJSON(t, "/auth/google", `{}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing id token, got %d", recorder.Code)
	}
}

func TestOAuthRoutesLifecycle(t *testing.T) {
	provider := newFakeProvider(t, kakaoUserinfoBody)
	principals := newStubPrincipals()
	oauthClient := NewOAuthExchangeClient(OAuthClientConfig{
		Providers:  []OAuthProviderConfig{provider.config("kakao")},
		MaxRetries: 1,
	}, NewMemoryPendingExchangeStore(), principals)
	harness := newAuthHarness(t, oauthClient, principals)

	startRecorder := harness.get(t, "/auth/oauth2/kakao/start", "")
	if startRecorder.Code != http.StatusFound {
		t.Fatalf("expected 302 from start, got %d", startRecorder.Code)
	}
	location := startRecorder.Header().Get("Location")
	parsed, parseErr := url.Parse(location)
	if parseErr != nil {
		t.Fatalf("location parse error: %v", parseErr)
	}
	state := parsed.Query().Get("state")
	if state == "" {
		t.Fatalf("expected state in redirect %q", location)
	}

	callbackRecorder := harness.get(t, "/auth/oauth2/kakao/callback?state="+url.QueryEscape(state)+"&code=auth-code", "")
	if callbackRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from callback, got %d body %s", callbackRecorder.Code, callbackRecorder.Body.String())
	}
	accessToken, _ := decodeTokenPair(t, callbackRecorder)
	if pingRecorder := harness.get(t, "/api/ping", accessToken); pingRecorder.Code != http.StatusOK {
		t.Fatalf("expected OAuth2 access token accepted, got %d", pingRecorder.Code)
	}

	// The state is gone after the first callback.
	replayRecorder := harness.get(t, "/auth/oauth2/kakao/callback?state="+url.QueryEscape(state)+"&code=auth-code", "")
	if replayRecorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on replayed callback, got %d", replayRecorder.Code)
	}
	if !strings.Contains(replayRecorder.Body.String(), "invalid_state") {
		t.Fatalf("unexpected replay body %s", replayRecorder.Body.String())
	}
}

func TestOAuthRoutesRejections(t *testing.T) {
	harness := newAuthHarness(t, NewOAuthExchangeClient(OAuthClientConfig{}, NewMemoryPendingExchangeStore(), newStubPrincipals()), nil)

	if recorder := harness.get(t, "/auth/oauth2/naver/start", ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown provider, got %d", recorder.Code)
	}
	if recorder := harness.get(t, "/auth/oauth2/naver/callback?state=s&code=c", ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown provider callback, got %d", recorder.Code)
	}
	if recorder := harness.get(t, "/auth/oauth2/kakao/callback?code=c", ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing state, got %d", recorder.Code)
	}
}
