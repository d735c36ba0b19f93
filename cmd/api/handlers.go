package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"payflow/agreement"
	"payflow/auth"
	"payflow/dispute"
	"payflow/ledger"
)

type accountResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Label   string `json:"label"`
	Role    string `json:"role"`
}

func toAccountResponse(a auth.Account) accountResponse {
	return accountResponse{ID: a.ID, Address: a.Address.String(), Label: a.Label, Role: string(a.Role)}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	acct, err := s.auth.Register(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, toAccountResponse(*acct))
	case errors.Is(err, auth.ErrDuplicateAddress):
		writeError(w, http.StatusConflict, "duplicate_address", err.Error())
	case errors.Is(err, auth.ErrWeakPassphrase):
		writeError(w, http.StatusBadRequest, "weak_passphrase", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "invalid_account", err.Error())
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
			return
		}
		s.log.Error("login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   res.Token,
		"account": toAccountResponse(res.Account),
	})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.host.Settings(r.Context())
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":    settings.Owner,
		"arbiter":  settings.Arbiter,
		"contract": s.host.ContractAddress(),
	})
}

func (s *Server) handleSetArbiter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Arbiter ledger.Address `json:"arbiter"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	if err := s.disputes.SetArbiter(r.Context(), callerFrom(r.Context()), req.Arbiter); err != nil {
		s.writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreatePayroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token              ledger.Address `json:"token"`
		GracePeriodSeconds uint64         `json:"grace_period_seconds"`
		PeriodSeconds      uint64         `json:"period_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	id, err := s.agreements.CreatePayrollAgreement(r.Context(), agreement.PayrollParams{
		Employer:           callerFrom(r.Context()),
		Token:              req.Token,
		GracePeriodSeconds: req.GracePeriodSeconds,
		PeriodSeconds:      req.PeriodSeconds,
	})
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Contributor        ledger.Address `json:"contributor"`
		Token              ledger.Address `json:"token"`
		AmountPerPeriod    int64          `json:"amount_per_period"`
		PeriodSeconds      uint64         `json:"period_seconds"`
		NumPeriods         uint32         `json:"num_periods"`
		GracePeriodSeconds uint64         `json:"grace_period_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	id, err := s.agreements.CreateEscrowAgreement(r.Context(), agreement.EscrowParams{
		Employer:           callerFrom(r.Context()),
		Contributor:        req.Contributor,
		Token:              req.Token,
		AmountPerPeriod:    req.AmountPerPeriod,
		PeriodSeconds:      req.PeriodSeconds,
		NumPeriods:         req.NumPeriods,
		GracePeriodSeconds: req.GracePeriodSeconds,
	})
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	a, err := s.agreements.Get(r.Context(), id)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	out := map[string]any{"agreement": a}
	bal, err := s.agreements.EscrowBalance(r.Context(), id)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	out["escrow_balance"] = bal
	if a.Mode == agreement.ModeEscrow {
		terms, err := s.agreements.EscrowTerms(r.Context(), id)
		if err != nil {
			s.writeCallError(w, err)
			return
		}
		out["escrow_terms"] = terms
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEmployees(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	employees, err := s.agreements.Employees(r.Context(), id)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": employees})
}

func (s *Server) handleAddEmployee(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	var req struct {
		Address ledger.Address `json:"address"`
		Salary  int64          `json:"salary"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	index, err := s.agreements.AddEmployee(r.Context(), id, req.Address, req.Salary)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint32{"index": index})
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	if err := s.agreements.FundAgreement(r.Context(), id, req.Amount); err != nil {
		s.writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatusChange(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	var err error
	switch chi.URLParam(r, "action") {
	case "activate":
		err = s.agreements.Activate(r.Context(), id)
	case "pause":
		err = s.agreements.Pause(r.Context(), id)
	case "resume":
		err = s.agreements.Resume(r.Context(), id)
	case "cancel":
		err = s.agreements.Cancel(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown action")
		return
	}
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClaimPayroll(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	var req struct {
		Index uint32 `json:"index"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	amount, err := s.agreements.ClaimPayroll(r.Context(), callerFrom(r.Context()), id, req.Index)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

func (s *Server) handleBatchClaimPayroll(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	var req struct {
		Indices []uint32 `json:"indices"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	res, err := s.agreements.BatchClaimPayroll(r.Context(), callerFrom(r.Context()), id, req.Indices)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClaimTimeBased(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	amount, err := s.agreements.ClaimTimeBased(r.Context(), id)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

func (s *Server) handleGrace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	active, err := s.agreements.IsGracePeriodActive(r.Context(), id)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	out := map[string]any{"active": active}
	end, cancelled, err := s.agreements.GracePeriodEnd(r.Context(), id)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	if cancelled {
		out["end"] = end
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	events, err := s.agreements.Timeline(r.Context(), id)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	s.getDispute(w, r, s.disputes.Get)
}

func (s *Server) handleGetMilestoneDispute(w http.ResponseWriter, r *http.Request) {
	s.getDispute(w, r, s.disputes.GetMilestone)
}

func (s *Server) getDispute(w http.ResponseWriter, r *http.Request, get func(context.Context, uint64) (dispute.Dispute, error)) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	d, err := get(r.Context(), id)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	s.raiseDispute(w, r, s.disputes.RaiseDispute)
}

func (s *Server) handleRaiseMilestoneDispute(w http.ResponseWriter, r *http.Request) {
	s.raiseDispute(w, r, s.disputes.RaiseMilestoneDispute)
}

func (s *Server) raiseDispute(w http.ResponseWriter, r *http.Request, raise func(context.Context, ledger.Address, uint64) error) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	if err := raise(r.Context(), callerFrom(r.Context()), id); err != nil {
		s.writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	s.resolveDispute(w, r, s.disputes.ResolveDispute)
}

func (s *Server) handleResolveMilestoneDispute(w http.ResponseWriter, r *http.Request) {
	s.resolveDispute(w, r, s.disputes.ResolveMilestoneDispute)
}

func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request, resolve func(context.Context, ledger.Address, uint64, int64, int64) error) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	var req struct {
		AmountToEmployer    int64 `json:"amount_to_employer"`
		AmountToContributor int64 `json:"amount_to_contributor"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	err := resolve(r.Context(), callerFrom(r.Context()), id, req.AmountToEmployer, req.AmountToContributor)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateMilestoneAgreement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Contributor ledger.Address `json:"contributor"`
		Token       ledger.Address `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	id, err := s.agreements.CreateMilestoneAgreement(r.Context(), callerFrom(r.Context()), req.Contributor, req.Token)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (s *Server) handleGetMilestoneAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	a, err := s.agreements.GetMilestoneAgreement(r.Context(), id)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	count, err := s.agreements.MilestoneCount(r.Context(), id)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	bal, err := s.agreements.MilestoneBalance(r.Context(), id)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agreement": a, "milestone_count": count, "escrow_balance": bal})
}

func (s *Server) handleFundMilestoneAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	if err := s.agreements.FundMilestoneAgreement(r.Context(), id, req.Amount); err != nil {
		s.writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMilestoneStatusChange(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	var err error
	switch chi.URLParam(r, "action") {
	case "pause":
		err = s.agreements.PauseMilestoneAgreement(r.Context(), id)
	case "resume":
		err = s.agreements.ResumeMilestoneAgreement(r.Context(), id)
	case "cancel":
		err = s.agreements.CancelMilestoneAgreement(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown action")
		return
	}
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddMilestone(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	mid, err := s.agreements.AddMilestone(r.Context(), id, req.Amount)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint32{"milestone_id": mid})
}

func (s *Server) handleMilestones(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	milestones, err := s.agreements.Milestones(r.Context(), id)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": milestones})
}

func (s *Server) handleApproveMilestone(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	mid, midOK := pathMilestoneID(r)
	if !ok || !midOK {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement or milestone id")
		return
	}
	if err := s.agreements.ApproveMilestone(r.Context(), id, mid); err != nil {
		s.writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClaimMilestone(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	mid, midOK := pathMilestoneID(r)
	if !ok || !midOK {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement or milestone id")
		return
	}
	amount, err := s.agreements.ClaimMilestone(r.Context(), id, mid)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

func (s *Server) handleBatchClaimMilestones(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	var req struct {
		MilestoneIDs []uint32 `json:"milestone_ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	res, err := s.agreements.BatchClaimMilestones(r.Context(), id, req.MilestoneIDs)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMilestoneTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid agreement id")
		return
	}
	events, err := s.agreements.MilestoneTimeline(r.Context(), id)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}
