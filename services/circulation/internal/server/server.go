package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"libraryapi/internal/ratelimit"
	"libraryapi/internal/servicetoken"
	"libraryapi/internal/util"
	"libraryapi/pkg/domain"
	"libraryapi/services/circulation/internal/app"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                *app.App
	TokenSecret        string
	TokenIssuers       []string
	RedisAddr          string
	RedisPassword      string
	RateLimitPerMinute int
	TrustedProxyCIDRs  []string
}

// Server exposes the circulation API.
type Server struct {
	app      *app.App
	verifier *servicetoken.Verifier
	revoker  servicetoken.Revoker
	limiter  *ratelimit.FixedWindowLimiter
	proxies  *util.TrustedProxies
	mux      *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	verifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		Secret:         cfg.TokenSecret,
		Audience:       servicetoken.Audience,
		AllowedIssuers: cfg.TokenIssuers,
		Leeway:         servicetoken.DefaultLeeway,
	})
	if err != nil {
		return nil, fmt.Errorf("init token verifier: %w", err)
	}
	proxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:      cfg.App,
		verifier: verifier,
		revoker:  servicetoken.NewMemoryRevoker(),
		proxies:  proxies,
		mux:      http.NewServeMux(),
	}
	var client *redis.Client
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword})
		s.revoker = servicetoken.NewRedisRevoker(client, "")
	}
	if cfg.RateLimitPerMinute > 0 {
		if client == nil {
			return nil, errors.New("rate limiting requires a redis addr")
		}
		limiter, err := ratelimit.NewFixedWindowLimiterWithClient(client, "", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init rate limiter: %w", err)
		}
		s.limiter = limiter
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("circulation", util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("POST /tokens/revoke", s.protect(s.handleRevokeToken))

	s.mux.Handle("POST /circulation/actions", s.protect(s.handleAction))

	s.mux.Handle("GET /loans", s.protect(s.handleListLoans))
	s.mux.Handle("GET /loans/{id}", s.protect(s.handleGetLoan))
	s.mux.Handle("DELETE /loans/{id}", s.protect(s.handleDeleteLoan))
	s.mux.Handle("GET /reports/loans", s.protect(s.handleLoanReport))

	s.mux.Handle("POST /fines", s.protect(s.handleAssessFine))
	s.mux.Handle("GET /fines", s.protect(s.handleListFines))
	s.mux.Handle("GET /fines/{id}", s.protect(s.handleGetFine))
	s.mux.Handle("PATCH /fines/{id}", s.protect(s.handleUpdateFine))

	s.mux.Handle("POST /patrons/{id}/suspend", s.protect(s.handleSuspendPatron))
	s.mux.Handle("GET /patrons/{id}/suspended", s.protect(s.handlePatronSuspended))

	s.mux.Handle("POST /identifiers/{name}", s.protect(s.handleNextIdentifier))
	s.mux.Handle("GET /barcodes/format", s.protect(s.handleFormatBarcode))
	s.mux.Handle("GET /barcodes/{type}/{value}", s.protect(s.handleBarcodeFor))

	s.mux.Handle("POST /jobs/overdue-sweep", s.protect(s.handleOverdueSweep))
	s.mux.Handle("POST /jobs/due-notifications", s.protect(s.handleDueNotifications))
	s.mux.Handle("POST /jobs/barcode-backfill", s.protect(s.handleBarcodeBackfill))

	s.mux.Handle("GET /notifications/{id}", s.protect(s.handleGetNotification))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// protect requires a valid bearer token and, when configured, applies the
// per-client rate limit.
func (s *Server) protect(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("token_rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		revoked, err := s.revoker.IsRevoked(r.Context(), claims.ID)
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("token_revocation_check_failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "token check unavailable")
			return
		}
		if revoked {
			writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_REVOKED", "unauthorized")
			return
		}
		if s.limiter != nil && !s.limiter.Allow(r.Context(), claims.Subject+"|"+util.ClientIP(r, s.proxies)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.limiter.RetryAfter().Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		logger := util.LoggerFromContext(r.Context()).With("subject", claims.Subject)
		ctx := util.ContextWithLogger(r.Context(), logger)
		ctx = context.WithValue(ctx, claimsContextKey{}, claims)
		next(w, r.WithContext(ctx))
	})
}

type claimsContextKey struct{}

// handleRevokeToken revokes the caller's own token for the rest of its life.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	claims, _ := r.Context().Value(claimsContextKey{}).(jwt.RegisteredClaims)
	ttl := time.Minute
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time) + servicetoken.DefaultLeeway
	}
	if err := s.revoker.Revoke(r.Context(), claims.ID, ttl); err != nil {
		util.LoggerFromContext(r.Context()).Error("token_revoke_failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "token revocation unavailable")
		return
	}
	util.LoggerFromContext(r.Context()).Info("token_revoked", "jti", claims.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req app.ActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.app.ProcessAction(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		loans []domain.Loan
		err   error
	)
	switch {
	case q.Get("patronId") != "":
		id, ok := queryInt(w, q.Get("patronId"), "patronId")
		if !ok {
			return
		}
		loans, err = s.app.LoansByPatron(r.Context(), id)
	case q.Get("mediaId") != "":
		id, ok := queryInt(w, q.Get("mediaId"), "mediaId")
		if !ok {
			return
		}
		loans, err = s.app.LoansByMedia(r.Context(), id)
	default:
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "patronId or mediaId is required")
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": loans})
}

func (s *Server) handleLoanReport(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("patronId")
	if strings.TrimSpace(raw) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "patronId is required")
		return
	}
	id, ok := queryInt(w, raw, "patronId")
	if !ok {
		return
	}
	report, err := s.app.LoanReport(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": report})
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	loan, err := s.app.GetLoan(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) handleDeleteLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	if err := s.app.DeleteLoan(r.Context(), id); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAssessFine(w http.ResponseWriter, r *http.Request) {
	var req app.FineRequest
	if !decodeBody(w, r, &req) {
		return
	}
	fine, err := s.app.AssessFine(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fine)
}

func (s *Server) handleListFines(w http.ResponseWriter, r *http.Request) {
	patronID, ok := queryInt(w, r.URL.Query().Get("patronId"), "patronId")
	if !ok {
		return
	}
	fines, err := s.app.FinesByPatron(r.Context(), patronID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	outstanding, err := s.app.OutstandingFineTotal(r.Context(), patronID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fines": fines, "outstanding": outstanding})
}

func (s *Server) handleGetFine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	fine, err := s.app.GetFine(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fine)
}

func (s *Server) handleUpdateFine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var patch app.FinePatch
	if !decodeBody(w, r, &patch) {
		return
	}
	fine, err := s.app.UpdateFine(r.Context(), id, patch)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fine)
}

func (s *Server) handleSuspendPatron(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	if err := s.app.SuspendPatron(r.Context(), id); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patronId": id, "status": domain.PatronSuspended})
}

func (s *Server) handlePatronSuspended(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	suspended, err := s.app.IsPatronSuspended(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patronId": id, "suspended": suspended})
}

func (s *Server) handleNextIdentifier(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	value, err := s.app.NextIdentifier(r.Context(), name)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "value": value})
}

func (s *Server) handleFormatBarcode(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	formatted, err := s.app.FormatBarcodeDisplay(code)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code, "formatted": formatted})
}

func (s *Server) handleBarcodeFor(w http.ResponseWriter, r *http.Request) {
	value, ok := pathInt(w, r, "value")
	if !ok {
		return
	}
	code, err := s.app.BarcodeFor(domain.BarcodeType(r.PathValue("type")), value)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"type": strings.ToUpper(r.PathValue("type")), "value": value, "barcode": code})
}

type jobResponse struct {
	Report any    `json:"report"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleOverdueSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.app.RunOverdueSweep(r.Context())
	writeJob(w, report, err)
}

func (s *Server) handleDueNotifications(w http.ResponseWriter, r *http.Request) {
	report, err := s.app.RunDueNotificationPass(r.Context())
	writeJob(w, report, err)
}

func (s *Server) handleBarcodeBackfill(w http.ResponseWriter, r *http.Request) {
	updated, err := s.app.BackfillBarcodes(r.Context())
	writeJob(w, map[string]int{"updated": updated}, err)
}

func (s *Server) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	delivery, ok, err := s.app.Delivery(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOTIFICATION_NOT_FOUND", "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

// writeJob reports a job run. A run with contained failures still returns
// its report alongside the error.
func writeJob(w http.ResponseWriter, report any, err error) {
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, jobResponse{Report: report, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Report: report})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid json body")
		return false
	}
	return true
}

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	return queryInt(w, r.PathValue(name), name)
}

func queryInt(w http.ResponseWriter, raw, name string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid "+name)
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

// writeAppError maps circulation errors onto HTTP statuses. Anything outside
// the app taxonomy is logged and reported as an internal error.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *app.Error
	if !errors.As(err, &appErr) {
		util.LoggerFromContext(r.Context()).Error("request_failed", "err", err)
		writeError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error")
		return
	}
	status := statusForKind(appErr.Kind)
	msg := appErr.Message
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request_failed", "code", appErr.Code, "err", err)
	}
	writeError(w, status, appErr.Code, msg)
}

func statusForKind(k app.Kind) int {
	switch k {
	case app.KindNotFound:
		return http.StatusNotFound
	case app.KindConflict, app.KindInvalidState:
		return http.StatusConflict
	case app.KindIneligible:
		return http.StatusForbidden
	case app.KindInvalidInput:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
