package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"payflow/agreement"
	"payflow/auth"
	"payflow/dispute"
	"payflow/host"
	"payflow/ledger"
)

type ctxKey string

const (
	ctxKeyAddress ctxKey = "address"
	ctxKeyRole    ctxKey = "role"
)

// Server exposes the contract over HTTP. The bearer token's subject signs
// every mutating call.
type Server struct {
	log        *zap.Logger
	auth       *auth.Service
	host       *host.Host
	agreements *agreement.Service
	disputes   *dispute.Service
}

func NewServer(log *zap.Logger, authService *auth.Service, h *host.Host, agreements *agreement.Service, disputes *dispute.Service) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{log: log, auth: authService, host: h, agreements: agreements, disputes: disputes}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api", func(api chi.Router) {
		api.Post("/accounts", s.handleRegister)
		api.Post("/session", s.handleLogin)
		api.Get("/settings", s.handleSettings)

		api.Get("/agreements/{id}", s.handleGetAgreement)
		api.Get("/agreements/{id}/employees", s.handleEmployees)
		api.Get("/agreements/{id}/grace", s.handleGrace)
		api.Get("/agreements/{id}/timeline", s.handleTimeline)
		api.Get("/agreements/{id}/dispute", s.handleGetDispute)
		api.Get("/milestone-agreements/{id}", s.handleGetMilestoneAgreement)
		api.Get("/milestone-agreements/{id}/milestones", s.handleMilestones)
		api.Get("/milestone-agreements/{id}/timeline", s.handleMilestoneTimeline)
		api.Get("/milestone-agreements/{id}/dispute", s.handleGetMilestoneDispute)

		signed := api.With(s.requireAuth)
		signed.Post("/settings/arbiter", s.handleSetArbiter)

		signed.Post("/agreements/payroll", s.handleCreatePayroll)
		signed.Post("/agreements/escrow", s.handleCreateEscrow)
		signed.Post("/agreements/{id}/employees", s.handleAddEmployee)
		signed.Post("/agreements/{id}/fund", s.handleFund)
		signed.Post("/agreements/{id}/{action:activate|pause|resume|cancel}", s.handleStatusChange)
		signed.Post("/agreements/{id}/claims/payroll", s.handleClaimPayroll)
		signed.Post("/agreements/{id}/claims/payroll/batch", s.handleBatchClaimPayroll)
		signed.Post("/agreements/{id}/claims/time-based", s.handleClaimTimeBased)
		signed.Post("/agreements/{id}/dispute", s.handleRaiseDispute)
		signed.Post("/agreements/{id}/dispute/resolve", s.handleResolveDispute)

		signed.Post("/milestone-agreements", s.handleCreateMilestoneAgreement)
		signed.Post("/milestone-agreements/{id}/fund", s.handleFundMilestoneAgreement)
		signed.Post("/milestone-agreements/{id}/{action:pause|resume|cancel}", s.handleMilestoneStatusChange)
		signed.Post("/milestone-agreements/{id}/milestones", s.handleAddMilestone)
		signed.Post("/milestone-agreements/{id}/milestones/{mid}/approve", s.handleApproveMilestone)
		signed.Post("/milestone-agreements/{id}/milestones/{mid}/claim", s.handleClaimMilestone)
		signed.Post("/milestone-agreements/{id}/claims/batch", s.handleBatchClaimMilestones)
		signed.Post("/milestone-agreements/{id}/dispute", s.handleRaiseMilestoneDispute)
		signed.Post("/milestone-agreements/{id}/dispute/resolve", s.handleResolveMilestoneDispute)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requireAuth verifies the bearer token and marks its subject as the signer
// of the request.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		addr, role, err := s.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		ctx := auth.WithSigners(r.Context(), addr)
		ctx = context.WithValue(ctx, ctxKeyAddress, addr)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFrom(ctx context.Context) ledger.Address {
	addr, _ := ctx.Value(ctxKeyAddress).(ledger.Address)
	return addr
}

func pathID(r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	return id, err == nil
}

func pathMilestoneID(r *http.Request) (uint32, bool) {
	mid, err := strconv.ParseUint(chi.URLParam(r, "mid"), 10, 32)
	return uint32(mid), err == nil
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeCallError maps contract errors onto HTTP statuses by kind.
func (s *Server) writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrAgreementNotFound),
		errors.Is(err, ledger.ErrEmployeeNotFound),
		errors.Is(err, ledger.ErrMilestoneNotFound):
		writeError(w, http.StatusNotFound, ledger.CodeOf(err), err.Error())
		return
	}
	var status int
	switch ledger.KindOf(err) {
	case ledger.KindValidation:
		status = http.StatusBadRequest
	case ledger.KindAuthorization:
		status = http.StatusForbidden
	case ledger.KindState:
		status = http.StatusConflict
	case ledger.KindResource:
		status = http.StatusUnprocessableEntity
	default:
		s.log.Error("call failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeError(w, status, ledger.CodeOf(err), err.Error())
}
