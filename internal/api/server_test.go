package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/mattmorgis/github-token-exchange/internal/auth"
	"github.com/mattmorgis/github-token-exchange/internal/config"
	"github.com/mattmorgis/github-token-exchange/internal/githubapp"
	"github.com/mattmorgis/github-token-exchange/internal/service"
)

type stubVerifier struct {
	claims map[string]any
	err    error
	calls  atomic.Int64
}

func (s *stubVerifier) Verify(_ context.Context, _, _ string) (map[string]any, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.claims, nil
}

// githubStub fakes the two GitHub App endpoints behind an enterprise base
// URL (paths carry the /api/v3/ prefix the client adds).
type githubStub struct {
	srv *httptest.Server

	lookupStatus int
	lookupBody   string
	mintStatus   int
	mintBody     func(call int64) string

	lookupCalls atomic.Int64
	mintCalls   atomic.Int64
}

func newGitHubStub(t *testing.T) *githubStub {
	t.Helper()
	stub := &githubStub{
		lookupStatus: http.StatusOK,
		lookupBody:   `{"id": 12345}`,
		mintStatus:   http.StatusCreated,
		mintBody:     func(int64) string { return `{"token": "abc123"}` },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/widgets/installation", func(w http.ResponseWriter, r *http.Request) {
		stub.lookupCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(stub.lookupStatus)
		_, _ = w.Write([]byte(stub.lookupBody))
	})
	mux.HandleFunc("POST /api/v3/app/installations/12345/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		call := stub.mintCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(stub.mintStatus)
		_, _ = w.Write([]byte(stub.mintBody(call)))
	})

	stub.srv = httptest.NewServer(mux)
	t.Cleanup(stub.srv.Close)
	return stub
}

func testPrivateKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func newTestHandler(t *testing.T, cfg *config.Config, verifier service.TokenVerifier, githubURL string) http.Handler {
	t.Helper()
	broker, err := githubapp.New(githubapp.Options{
		AppName:    cfg.AppName,
		ClientID:   cfg.ClientID,
		PrivateKey: testPrivateKeyPEM(t),
		BaseURL:    githubURL,
	})
	if err != nil {
		t.Fatalf("creating broker: %v", err)
	}
	return NewServer(service.NewExchangeService(cfg, verifier, broker)).Routes()
}

func testConfig() *config.Config {
	return &config.Config{
		AppName:         "test-app",
		ClientID:        "Iv1.test",
		PrivateKey:      "pem",
		AllowedAudience: "https://exchange.example.com",
	}
}

func postExchange(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, ExchangeRoute, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestExchangeEndToEndSuccess(t *testing.T) {
	stub := newGitHubStub(t)
	verifier := &stubVerifier{claims: map[string]any{"repository": "acme/widgets"}}
	handler := newTestHandler(t, testConfig(), verifier, stub.srv.URL)

	rec := postExchange(t, handler, `{"oidc_token": "valid.oidc.token"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body)
	}
	var resp ExchangeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Token != "abc123" {
		t.Errorf("token = %q, want abc123", resp.Token)
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("response missing correlation ID header")
	}
}

func TestExchangeEndToEndExpiredToken(t *testing.T) {
	stub := newGitHubStub(t)
	verifier := &stubVerifier{err: &auth.VerificationError{Kind: auth.FailureExpired, Reason: "OIDC token has expired"}}
	handler := newTestHandler(t, testConfig(), verifier, stub.srv.URL)

	rec := postExchange(t, handler, `{"oidc_token": "expired.token"}`)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "expired") {
		t.Errorf("body = %s, want expiry mention", rec.Body)
	}
	if got := stub.lookupCalls.Load() + stub.mintCalls.Load(); got != 0 {
		t.Errorf("github calls = %d, want 0", got)
	}
}

func TestExchangeEndToEndNotInstalled(t *testing.T) {
	stub := newGitHubStub(t)
	stub.lookupStatus = http.StatusUnauthorized
	stub.lookupBody = `{"message": "Bad credentials"}`
	verifier := &stubVerifier{claims: map[string]any{"repository": "acme/widgets"}}
	handler := newTestHandler(t, testConfig(), verifier, stub.srv.URL)

	rec := postExchange(t, handler, `{"oidc_token": "valid.oidc.token"}`)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body: %s)", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "acme/widgets") {
		t.Errorf("body = %s, want repository mention", rec.Body)
	}
	if got := stub.mintCalls.Load(); got != 0 {
		t.Errorf("mint calls = %d, want 0", got)
	}
}

func TestExchangeEndToEndMintFailureDoesNotLeak(t *testing.T) {
	stub := newGitHubStub(t)
	stub.mintStatus = http.StatusInternalServerError
	stub.mintBody = func(int64) string { return `{"message": "internal-github-incident-1234"}` }
	verifier := &stubVerifier{claims: map[string]any{"repository": "acme/widgets"}}
	handler := newTestHandler(t, testConfig(), verifier, stub.srv.URL)

	rec := postExchange(t, handler, `{"oidc_token": "valid.oidc.token"}`)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "internal-github-incident-1234") {
		t.Errorf("body leaks downstream error text: %s", rec.Body)
	}
}

func TestExchangeEndToEndMissingConfig(t *testing.T) {
	stub := newGitHubStub(t)
	verifier := &stubVerifier{claims: map[string]any{"repository": "acme/widgets"}}
	handler := newTestHandler(t, &config.Config{}, verifier, stub.srv.URL)

	rec := postExchange(t, handler, `{"oidc_token": "valid.oidc.token"}`)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := verifier.calls.Load(); got != 0 {
		t.Errorf("verifier calls = %d, want 0 (config must be checked first)", got)
	}
	if got := stub.lookupCalls.Load() + stub.mintCalls.Load(); got != 0 {
		t.Errorf("github calls = %d, want 0", got)
	}
}

func TestExchangeEndToEndNoMemoization(t *testing.T) {
	stub := newGitHubStub(t)
	stub.mintBody = func(call int64) string { return fmt.Sprintf(`{"token": "token-%d"}`, call) }
	verifier := &stubVerifier{claims: map[string]any{"repository": "acme/widgets"}}
	handler := newTestHandler(t, testConfig(), verifier, stub.srv.URL)

	var tokens []string
	for i := 0; i < 2; i++ {
		rec := postExchange(t, handler, `{"oidc_token": "valid.oidc.token"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body)
		}
		var resp ExchangeResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		tokens = append(tokens, resp.Token)
	}

	if tokens[0] == tokens[1] {
		t.Errorf("repeated exchanges returned the same token %q, caching is not allowed", tokens[0])
	}
	if got := stub.lookupCalls.Load(); got != 2 {
		t.Errorf("installation lookups = %d, want 2", got)
	}
	if got := stub.mintCalls.Load(); got != 2 {
		t.Errorf("token mints = %d, want 2", got)
	}
}

func TestExchangeRejectsBadPayloads(t *testing.T) {
	stub := newGitHubStub(t)
	verifier := &stubVerifier{claims: map[string]any{"repository": "acme/widgets"}}
	handler := newTestHandler(t, testConfig(), verifier, stub.srv.URL)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"unknown field", `{"oidc_token": "x", "extra": true}`},
		{"missing token", `{}`},
		{"trailing data", `{"oidc_token": "x"} {"again": true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postExchange(t, handler, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body: %s)", rec.Code, rec.Body)
			}
		})
	}
	if got := verifier.calls.Load(); got != 0 {
		t.Errorf("verifier calls = %d, want 0", got)
	}
}

func TestHealthAndAbout(t *testing.T) {
	stub := newGitHubStub(t)
	verifier := &stubVerifier{claims: map[string]any{"repository": "acme/widgets"}}
	handler := newTestHandler(t, testConfig(), verifier, stub.srv.URL)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, HealthCheckRoute, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, AboutRoute, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("about status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "github-token-exchange") {
		t.Errorf("about body = %s, want service name", rec.Body)
	}
}
