package web

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"velvet/internal/core"
	"velvet/internal/modules/arith"
	"velvet/internal/modules/echo"
	"velvet/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	results []storage.ResultRecord
	audit   []storage.AuditEvent
}

func (s *fakeStore) SaveResult(_ context.Context, rec storage.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.TS = time.Now().UTC()
	s.results = append(s.results, rec)
	return nil
}

func (s *fakeStore) LatestResult(_ context.Context, module string) (storage.ResultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.results) - 1; i >= 0; i-- {
		if s.results[i].Module == module {
			return s.results[i], nil
		}
	}
	return storage.ResultRecord{}, storage.ErrNotFound
}

func (s *fakeStore) SaveAudit(_ context.Context, ev storage.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, ev)
	return nil
}

func (s *fakeStore) QueryAudit(context.Context, storage.AuditQuery) ([]storage.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AuditEvent(nil), s.audit...), nil
}

func (s *fakeStore) PurgeBefore(context.Context, time.Time) (int64, error) { return 0, nil }
func (s *fakeStore) Close() error                                         { return nil }

func (s *fakeStore) auditStatuses(action string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.audit {
		if ev.Action == action {
			out = append(out, ev.Status)
		}
	}
	return out
}

func blockUntilDone(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func newTestRegistry(t *testing.T, seal bool) *core.Registry {
	t.Helper()
	reg := core.NewRegistry(core.WithAsyncWorkers(4))
	ctx := context.Background()
	for id, h := range map[string]core.Handler{
		"echo":   echo.Module{},
		"divide": arith.New(arith.Divide),
		"block":  core.HandlerFunc(blockUntilDone),
	} {
		if err := reg.Register(ctx, id, h); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if seal {
		if err := reg.Seal(); err != nil {
			t.Fatalf("seal: %v", err)
		}
	}
	return reg
}

func newTestAdapter(t *testing.T, cfg Config) (*Adapter, *fakeStore) {
	t.Helper()
	return newAdapterWithRegistry(t, newTestRegistry(t, true), cfg)
}

func newAdapterWithRegistry(t *testing.T, reg *core.Registry, cfg Config) (*Adapter, *fakeStore) {
	t.Helper()
	cfg.AllowLegacySubjectHeader = true
	store := &fakeStore{}
	authz := core.NewAllowlistAuthorizer(map[string][]string{"web": {"u1", "ops"}})
	return NewAdapter(reg, authz, store, nil, cfg), store
}

func serve(a *Adapter, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var rd *bytes.Buffer
	if body != "" {
		rd = bytes.NewBufferString(body)
	} else {
		rd = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	return rr
}

var asU1 = map[string]string{"X-Subject-ID": "u1"}

func decodeInvoke(t *testing.T, rr *httptest.ResponseRecorder) invokeResponse {
	t.Helper()
	var resp invokeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func TestProtectedEndpointRequiresSubject(t *testing.T) {
	adapter, _ := newTestAdapter(t, Config{})
	rr := serve(adapter, http.MethodGet, "/v1/audit", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	assertErrorHasRequestID(t, rr)
}

func TestInvokeSync(t *testing.T) {
	adapter, store := newTestAdapter(t, Config{})
	rr := serve(adapter, http.MethodPost, "/v1/invoke", `{"module":"divide","command":"10,2"}`,
		map[string]string{"X-Subject-ID": "u1", "X-Request-ID": "abc-123"})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("expected request id header abc-123, got %q", got)
	}
	resp := decodeInvoke(t, rr)
	if resp.RequestID != "abc-123" || resp.Status != "ok" || resp.Result != "5" || resp.Fault != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got := store.auditStatuses("web:invoke"); len(got) != 1 || got[0] != "ok" {
		t.Fatalf("unexpected audit: %v", got)
	}
	rec, err := store.LatestResult(context.Background(), "divide")
	if err != nil || rec.Result != "5" {
		t.Fatalf("result not journaled: %+v %v", rec, err)
	}
}

func TestInvokeAsyncMatchesSync(t *testing.T) {
	adapter, _ := newTestAdapter(t, Config{})
	for _, body := range []string{
		`{"module":"echo","command":"hello, world"}`,
		`{"module":"divide","command":"1,0"}`,
	} {
		syncResp := decodeInvoke(t, serve(adapter, http.MethodPost, "/v1/invoke", body, asU1))
		asyncResp := decodeInvoke(t, serve(adapter, http.MethodPost, "/v1/invoke",
			strings.Replace(body, "}", `,"async":true}`, 1), asU1))
		if syncResp.Status != asyncResp.Status || syncResp.Result != asyncResp.Result {
			t.Fatalf("async %+v differs from sync %+v", asyncResp, syncResp)
		}
	}
}

func TestInvokeFaultStatusCodes(t *testing.T) {
	adapter, _ := newTestAdapter(t, Config{})
	cases := []struct {
		body string
		code int
		kind core.FaultKind
	}{
		{`{"module":"missing","command":"x"}`, http.StatusNotFound, core.FaultUnknownModule},
		{`{"module":"divide","command":"1,0"}`, http.StatusUnprocessableEntity, core.FaultHandlerFailure},
		{`{"module":"divide","command":"oops"}`, http.StatusUnprocessableEntity, core.FaultHandlerFailure},
	}
	for _, tc := range cases {
		rr := serve(adapter, http.MethodPost, "/v1/invoke", tc.body, asU1)
		if rr.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.body, tc.code, rr.Code)
		}
		resp := decodeInvoke(t, rr)
		if resp.Status != "error" || resp.Fault == nil || resp.Fault.Kind != tc.kind {
			t.Fatalf("%s: unexpected response %+v", tc.body, resp)
		}
	}
}

func TestInvokeUnavailableBeforeSeal(t *testing.T) {
	adapter, _ := newAdapterWithRegistry(t, newTestRegistry(t, false), Config{})
	rr := serve(adapter, http.MethodPost, "/v1/invoke", `{"module":"echo","command":"x"}`, asU1)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if resp := decodeInvoke(t, rr); resp.Fault == nil || resp.Fault.Kind != core.FaultUnavailable {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestInvokeTimeout(t *testing.T) {
	adapter, store := newTestAdapter(t, Config{RequestTimeout: 30 * time.Millisecond})
	for _, body := range []string{
		`{"module":"block","command":""}`,
		`{"module":"block","command":"","async":true}`,
	} {
		rr := serve(adapter, http.MethodPost, "/v1/invoke", body, asU1)
		if rr.Code != http.StatusGatewayTimeout {
			t.Fatalf("%s: expected 504, got %d", body, rr.Code)
		}
	}
	if got := store.auditStatuses("web:invoke"); len(got) != 2 || got[0] != "error" {
		t.Fatalf("unexpected audit: %v", got)
	}
}

func TestInvokeBadRequests(t *testing.T) {
	adapter, _ := newTestAdapter(t, Config{MaxRequestBody: 64})
	cases := []struct {
		body string
		code int
	}{
		{`{"module":""}`, http.StatusBadRequest},
		{`{"module":"echo","args":[]}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
		{`{"module":"echo","command":"` + strings.Repeat("x", 100) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		if rr := serve(adapter, http.MethodPost, "/v1/invoke", tc.body, asU1); rr.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.body, tc.code, rr.Code)
		}
	}
}

func TestInvokeDenied(t *testing.T) {
	adapter, store := newTestAdapter(t, Config{})
	rr := serve(adapter, http.MethodPost, "/v1/invoke", `{"module":"echo","command":"x"}`,
		map[string]string{"X-Subject-ID": "stranger"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if got := store.auditStatuses("web:invoke"); len(got) != 1 || got[0] != "denied" {
		t.Fatalf("unexpected audit: %v", got)
	}
}

func TestBearerToken(t *testing.T) {
	sum := sha256.Sum256([]byte("secret-token"))
	adapter, _ := newTestAdapter(t, Config{Tokens: []TokenEntry{
		{ID: "t1", TokenSHA256: hex.EncodeToString(sum[:]), Subject: "ops", Roles: []string{"admin"}, Enabled: true},
	}})

	rr := serve(adapter, http.MethodGet, "/v1/me", "", map[string]string{"Authorization": "Bearer secret-token"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var me struct {
		Subject    string   `json:"subject"`
		Roles      []string `json:"roles"`
		AuthMethod string   `json:"auth_method"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me.Subject != "ops" || me.AuthMethod != "bearer" || len(me.Roles) != 1 {
		t.Fatalf("unexpected me: %+v", me)
	}

	rr = serve(adapter, http.MethodGet, "/v1/me", "", map[string]string{"Authorization": "Bearer wrong"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestLatestResultEndpoint(t *testing.T) {
	adapter, _ := newTestAdapter(t, Config{})
	if rr := serve(adapter, http.MethodGet, "/v1/results/latest?module=echo", "", asU1); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any invocation, got %d", rr.Code)
	}
	serve(adapter, http.MethodPost, "/v1/invoke", `{"module":"echo","command":"ping"}`, asU1)

	rr := serve(adapter, http.MethodGet, "/v1/results/latest?module=echo", "", asU1)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["result"] != "ping" || resp["status"] != "ok" {
		t.Fatalf("unexpected latest: %v", resp)
	}
	if rr := serve(adapter, http.MethodGet, "/v1/results/latest", "", asU1); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without module, got %d", rr.Code)
	}
}

func TestCORS(t *testing.T) {
	adapter, _ := newTestAdapter(t, Config{CORSAllowedOrigins: []string{"https://ops.example"}})
	rr := serve(adapter, http.MethodOptions, "/v1/invoke", "", map[string]string{"Origin": "https://ops.example"})
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "https://ops.example" {
		t.Fatalf("unexpected preflight: %d %v", rr.Code, rr.Header())
	}
	rr = serve(adapter, http.MethodGet, "/v1/health", "", map[string]string{"Origin": "https://evil.example"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got %d", rr.Code)
	}
}

func TestCORSConfiguredMethods(t *testing.T) {
	adapter, _ := newTestAdapter(t, Config{
		CORSAllowedOrigins: []string{"https://ops.example"},
		CORSAllowedMethods: []string{"GET", "OPTIONS"},
		CORSAllowedHeaders: []string{"Authorization"},
	})
	rr := serve(adapter, http.MethodOptions, "/v1/invoke", "", map[string]string{
		"Origin":                        "https://ops.example",
		"Access-Control-Request-Method": "POST",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed method, got %d", rr.Code)
	}
	rr = serve(adapter, http.MethodOptions, "/v1/me", "", map[string]string{
		"Origin":                        "https://ops.example",
		"Access-Control-Request-Method": "GET",
	})
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Headers") != "Authorization" {
		t.Fatalf("unexpected preflight: %d %v", rr.Code, rr.Header())
	}
}

func assertErrorHasRequestID(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	var resp struct {
		RequestID string `json:"request_id"`
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RequestID == "" {
		t.Fatal("expected request_id in error response")
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header in error response")
	}
}

func jsonInto(data []byte, v any) error { return json.Unmarshal(data, v) }
