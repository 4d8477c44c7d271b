package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"velvet/internal/core"
	"velvet/internal/storage"
	"velvet/internal/transports/common"
)

type contextKey string

const (
	ctxRequestID  contextKey = "request_id"
	ctxSubjectID  contextKey = "subject_id"
	ctxRoles      contextKey = "roles"
	ctxAuthMethod contextKey = "auth_method"
	ctxInvokeReq  contextKey = "invoke_req"
)

// TokenEntry описывает web bearer-токен.
type TokenEntry struct {
	ID          string
	TokenSHA256 string
	Subject     string
	Roles       []string
	Enabled     bool
}

// Config определяет параметры HTTP-транспорта.
type Config struct {
	ListenAddr               string
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
	ShutdownTimeout          time.Duration
	RequestTimeout           time.Duration
	MaxRequestBody           int64
	AllowLegacySubjectHeader bool
	Tokens                   []TokenEntry
	CORSAllowedOrigins       []string
	CORSAllowedMethods       []string
	CORSAllowedHeaders       []string
}

// Adapter реализует web transport поверх net/http.
type Adapter struct {
	registry   *core.Registry
	authorizer core.Authorizer
	store      storage.Store
	logger     *slog.Logger
	cfg        Config

	tokensByHash map[string]TokenEntry
	corsOrigins  map[string]struct{}

	mu     sync.Mutex
	server *http.Server
}

type invokeRequest struct {
	Module  string `json:"module"`
	Command string `json:"command"`
	Async   bool   `json:"async"`
}

type invokeResponse struct {
	RequestID string      `json:"request_id"`
	Module    string      `json:"module"`
	Status    string      `json:"status"`
	Result    string      `json:"result,omitempty"`
	Fault     *core.Fault `json:"fault,omitempty"`
}

// NewAdapter создает web transport.
func NewAdapter(registry *core.Registry, authorizer core.Authorizer, store storage.Store, logger *slog.Logger, cfg Config) *Adapter {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = 1 << 20
	}
	if len(cfg.CORSAllowedMethods) == 0 {
		cfg.CORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(cfg.CORSAllowedHeaders) == 0 {
		cfg.CORSAllowedHeaders = []string{"Authorization", "Content-Type", "X-Request-ID"}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	tokensByHash := make(map[string]TokenEntry, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		h := strings.ToLower(strings.TrimSpace(token.TokenSHA256))
		if len(h) != sha256.Size*2 {
			logger.Warn("web token ignored: bad sha256", "token_id", token.ID)
			continue
		}
		tokensByHash[h] = token
	}
	corsOrigins := make(map[string]struct{}, len(cfg.CORSAllowedOrigins))
	for _, origin := range cfg.CORSAllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			corsOrigins[trimmed] = struct{}{}
		}
	}

	return &Adapter{
		registry:     registry,
		authorizer:   authorizer,
		store:        store,
		logger:       logger,
		cfg:          cfg,
		tokensByHash: tokensByHash,
		corsOrigins:  corsOrigins,
	}
}

func (a *Adapter) Name() string { return "web" }

// Start запускает HTTP server и останавливает его при отмене контекста.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.server != nil {
		a.mu.Unlock()
		return errors.New("web transport already started")
	}
	srv := &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      a.Handler(),
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
	}
	a.server = srv
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		_ = a.Stop(stopCtx)
	}()

	go func() {
		a.logger.Info("web transport listening", "addr", a.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("web transport failed", "err", err)
			a.audit(context.Background(), "", "web:serve", "error", "", map[string]string{"error": err.Error()})
		}
	}()
	return nil
}

// Stop завершает HTTP server.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Handler возвращает маршрутизатор API.
func (a *Adapter) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /v1/health", http.HandlerFunc(a.handleHealth))

	protected := func(h http.HandlerFunc, mws ...middleware) http.Handler {
		return chain(h, append([]middleware{a.timeoutMiddleware(), a.authSubjectMiddleware()}, mws...)...)
	}

	mux.Handle("GET /v1/", protected(http.NotFound))
	mux.Handle("POST /v1/", protected(http.NotFound))
	mux.Handle("GET /v1/me", protected(a.handleMe,
		a.authorizeActionMiddleware("web:me", core.Action{Module: "web", Command: "me"})))
	mux.Handle("GET /v1/modules", protected(a.handleModules,
		a.authorizeActionMiddleware("web:modules", core.Action{Module: "web", Command: "modules"})))
	mux.Handle("POST /v1/invoke", protected(a.handleInvoke,
		a.maxBodyMiddleware(), a.authorizeInvokeMiddleware()))
	mux.Handle("GET /v1/results/latest", protected(a.handleLatestResult,
		a.authorizeResultMiddleware()))
	mux.Handle("GET /v1/audit", protected(a.handleAudit,
		a.authorizeActionMiddleware("web:audit_query", core.Action{Module: "audit", Command: "read"})))

	return chain(mux, a.requestIDMiddleware(), a.corsMiddleware())
}

func (a *Adapter) requestIDMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeRequestID(r.Header.Get("X-Request-ID"))
			if requestID == "" {
				requestID = common.NewRequestID()
			}
			w.Header().Set("X-Request-ID", requestID)
			ctx := context.WithValue(r.Context(), ctxRequestID, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) corsMiddleware() middleware {
	allowMethods := strings.Join(a.cfg.CORSAllowedMethods, ", ")
	allowHeaders := strings.Join(a.cfg.CORSAllowedHeaders, ", ")
	methodAllowed := func(method string) bool {
		for _, m := range a.cfg.CORSAllowedMethods {
			if strings.EqualFold(strings.TrimSpace(m), method) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := a.corsOrigins[origin]; !ok {
				writeError(w, r, http.StatusForbidden, "cors_denied")
				return
			}
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", allowMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
			if r.Method == http.MethodOptions {
				if m := strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")); m != "" && !methodAllowed(m) {
					writeError(w, r, http.StatusForbidden, "cors_method_denied")
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) timeoutMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), a.cfg.RequestTimeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) authSubjectMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID, roles, authMethod, code := a.resolveSubject(r)
			if code != "" {
				writeError(w, r, http.StatusUnauthorized, code)
				return
			}
			ctx := context.WithValue(r.Context(), ctxSubjectID, subjectID)
			ctx = context.WithValue(ctx, ctxRoles, roles)
			ctx = context.WithValue(ctx, ctxAuthMethod, authMethod)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) resolveSubject(r *http.Request) (string, []string, string, string) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authHeader) >= 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		token := strings.TrimSpace(authHeader[7:])
		if token == "" {
			return "", nil, "", "invalid_token"
		}
		sum := sha256.Sum256([]byte(token))
		entry, ok := a.tokensByHash[hex.EncodeToString(sum[:])]
		if !ok || !entry.Enabled || entry.Subject == "" {
			return "", nil, "", "invalid_token"
		}
		return entry.Subject, append([]string(nil), entry.Roles...), "bearer", ""
	}
	if a.cfg.AllowLegacySubjectHeader {
		if subjectID := strings.TrimSpace(r.Header.Get("X-Subject-ID")); subjectID != "" {
			return subjectID, nil, "legacy_header", ""
		}
	}
	return "", nil, "", "auth_required"
}

func (a *Adapter) maxBodyMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxRequestBody)
			next.ServeHTTP(w, r)
		})
	}
}

// deny пишет 403 и аудит отказа; возвращает true, если доступ запрещен.
func (a *Adapter) deny(w http.ResponseWriter, r *http.Request, auditAction string, action core.Action) bool {
	subjectID := subjectIDFromContext(r.Context())
	if err := a.authorizer.Authorize(core.Subject{Source: "web", ID: subjectID}, action); err != nil {
		writeError(w, r, http.StatusForbidden, "access_denied")
		a.audit(r.Context(), subjectID, auditAction, "denied", requestIDFromContext(r.Context()), map[string]string{
			"module":      action.Module,
			"auth_method": authMethodFromContext(r.Context()),
		})
		return true
	}
	return false
}

func (a *Adapter) authorizeActionMiddleware(auditAction string, action core.Action) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.deny(w, r, auditAction, action) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) authorizeInvokeMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, code, statusCode := decodeInvokeRequest(r)
			if code != "" {
				writeError(w, r, statusCode, code)
				a.audit(r.Context(), subjectIDFromContext(r.Context()), "web:invoke", "error", requestIDFromContext(r.Context()), map[string]string{
					"error_code":  code,
					"auth_method": authMethodFromContext(r.Context()),
				})
				return
			}
			if a.deny(w, r, "web:invoke", core.Action{Module: req.Module, Command: req.Command}) {
				return
			}
			ctx := context.WithValue(r.Context(), ctxInvokeReq, req)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) authorizeResultMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			module := r.URL.Query().Get("module")
			if module != "" && a.deny(w, r, "web:results_latest", core.Action{Module: module, Command: "read_results"}) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeInvokeRequest(r *http.Request) (invokeRequest, string, int) {
	var req invokeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return invokeRequest{}, "payload_too_large", http.StatusRequestEntityTooLarge
		}
		return invokeRequest{}, "invalid_json", http.StatusBadRequest
	}
	if dec.More() {
		return invokeRequest{}, "invalid_json", http.StatusBadRequest
	}
	if strings.TrimSpace(req.Module) == "" {
		return invokeRequest{}, "bad_command", http.StatusBadRequest
	}
	return req, "", 0
}

func sanitizeRequestID(v string) string {
	id := strings.TrimSpace(v)
	if id == "" || len(id) > 64 {
		return ""
	}
	for _, ch := range id {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			continue
		}
		switch ch {
		case '-', '_', '.', ':':
			continue
		default:
			return ""
		}
	}
	return id
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":   "ok",
		"registry": a.registry.State().String(),
	})
}

func (a *Adapter) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id":  requestIDFromContext(r.Context()),
		"subject":     subjectIDFromContext(r.Context()),
		"roles":       rolesFromContext(r.Context()),
		"auth_method": authMethodFromContext(r.Context()),
	})
}

func (a *Adapter) handleModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestIDFromContext(r.Context()),
		"items":      a.registry.Modules(),
	})
}

func (a *Adapter) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subjectID := subjectIDFromContext(ctx)
	requestID := requestIDFromContext(ctx)
	req, _ := ctx.Value(ctxInvokeReq).(invokeRequest)

	var out core.Outcome
	if req.Async {
		var err error
		out, err = a.registry.InvokeAsync(ctx, req.Module, req.Command).Wait(ctx)
		if err != nil {
			a.timedOut(w, r, req, subjectID, requestID)
			return
		}
	} else {
		out = a.registry.InvokeSync(ctx, req.Module, req.Command)
	}
	if out.Fault != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		a.timedOut(w, r, req, subjectID, requestID)
		return
	}

	rec := storage.ResultRecord{Module: out.Module, Command: out.Command, Status: out.Status(), Result: out.Result}
	if out.Fault != nil {
		rec.FaultKind = string(out.Fault.Kind)
	}
	if err := a.store.SaveResult(ctx, rec); err != nil {
		a.logger.Warn("save result failed", "module", req.Module, "err", err)
	}

	writeJSON(w, r, faultStatus(out.Fault), invokeResponse{
		RequestID: requestID,
		Module:    out.Module,
		Status:    out.Status(),
		Result:    out.Result,
		Fault:     out.Fault,
	})
	a.audit(ctx, subjectID, "web:invoke", out.Status(), requestID, map[string]string{
		"module":      req.Module,
		"fault":       rec.FaultKind,
		"async":       strconv.FormatBool(req.Async),
		"auth_method": authMethodFromContext(ctx),
	})
}

func (a *Adapter) timedOut(w http.ResponseWriter, r *http.Request, req invokeRequest, subjectID, requestID string) {
	writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
	a.audit(r.Context(), subjectID, "web:invoke", "error", requestID, map[string]string{
		"module":     req.Module,
		"error_code": "request_timeout",
	})
}

// faultStatus отображает вид отказа в HTTP-статус.
func faultStatus(f *core.Fault) int {
	if f == nil {
		return http.StatusOK
	}
	switch f.Kind {
	case core.FaultUnknownModule:
		return http.StatusNotFound
	case core.FaultUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func (a *Adapter) handleLatestResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFromContext(ctx)
	module := r.URL.Query().Get("module")
	if module == "" {
		writeError(w, r, http.StatusBadRequest, "module_required")
		return
	}

	rec, err := a.store.LatestResult(ctx, module)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
		return
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "result_not_found")
		return
	case err != nil:
		a.logger.Error("latest result query failed", "module", module, "err", err)
		writeError(w, r, http.StatusInternalServerError, "query_failed")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{
		"request_id": requestID,
		"module":     rec.Module,
		"command":    rec.Command,
		"status":     rec.Status,
		"result":     rec.Result,
		"fault_kind": rec.FaultKind,
		"ts":         rec.TS.UTC().Format(time.RFC3339),
	})
}

type auditDTO struct {
	Subject   string          `json:"subject"`
	Action    string          `json:"action"`
	Source    string          `json:"source"`
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TS        string          `json:"ts"`
}

func (a *Adapter) handleAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	q := storage.AuditQuery{
		Subject: query.Get("subject"),
		Limit:   parseLimit(query.Get("limit")),
	}
	for _, bound := range []struct {
		key  string
		dst  *time.Time
		code string
	}{{"from", &q.From, "bad_from"}, {"to", &q.To, "bad_to"}} {
		v := query.Get(bound.key)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, bound.code)
			return
		}
		*bound.dst = ts
	}

	events, err := a.store.QueryAudit(ctx, q)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
			return
		}
		a.logger.Error("audit query failed", "err", err)
		writeError(w, r, http.StatusInternalServerError, "query_failed")
		return
	}

	items := make([]auditDTO, 0, len(events))
	for _, ev := range events {
		items = append(items, auditDTO{
			Subject:   ev.Subject,
			Action:    ev.Action,
			Source:    ev.Source,
			Status:    ev.Status,
			RequestID: ev.RequestID,
			Payload:   json.RawMessage(ev.Payload),
			TS:        ev.TS.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestIDFromContext(ctx),
		"items":      items,
	})
}

func requestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

func subjectIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxSubjectID).(string)
	return v
}

func rolesFromContext(ctx context.Context) []string {
	v, _ := ctx.Value(ctxRoles).([]string)
	return v
}

func authMethodFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxAuthMethod).(string)
	return v
}

func (a *Adapter) audit(ctx context.Context, subject, action, status, requestID string, fields map[string]string) {
	var payload []byte
	if len(fields) > 0 {
		payload, _ = json.Marshal(fields)
	}
	// Контекст запроса может истечь раньше записи аудита.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	err := a.store.SaveAudit(ctx, storage.AuditEvent{
		Subject:   subject,
		Action:    action,
		Source:    "web",
		Status:    status,
		RequestID: requestID,
		Payload:   payload,
	})
	if err != nil {
		a.logger.Warn("audit write failed", "action", action, "err", err)
	}
}

func parseLimit(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 50
	}
	return n
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code string) {
	writeJSON(w, r, statusCode, map[string]string{
		"request_id": requestIDFromContext(r.Context()),
		"error_code": code,
		"message":    errorMessage(code),
	})
}

func errorMessage(code string) string {
	switch code {
	case "auth_required":
		return "authentication is required"
	case "invalid_token":
		return "token is invalid"
	case "access_denied":
		return "access denied"
	case "payload_too_large":
		return "request payload is too large"
	case "request_timeout":
		return "request timeout"
	case "cors_denied", "cors_method_denied":
		return "cors policy denied request"
	default:
		return code
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if id := requestIDFromContext(r.Context()); id != "" {
		w.Header().Set("X-Request-ID", id)
	}
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
