package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"payflow/agreement"
	"payflow/auth"
	"payflow/dispute"
	"payflow/host"
	"payflow/ledger"
	"payflow/store"
)

const testSecret = "test-secret"

type testServer struct {
	t       *testing.T
	now     int64
	host    *host.Host
	handler http.Handler
	token   ledger.Address
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{t: t, now: 1_700_000_000, token: "token_usdc"}
	ts.host = host.New(store.NewMemory(),
		host.WithOracle(auth.ContextOracle{}),
		host.WithClock(func() time.Time { return time.Unix(ts.now, 0) }),
	)
	server := NewServer(nil,
		auth.NewService(auth.NewMemoryRepository(), testSecret),
		ts.host,
		agreement.NewService(ts.host),
		dispute.NewService(ts.host),
	)
	ts.handler = server.Routes()
	return ts
}

func (ts *testServer) do(method, path, bearer, body string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

// account registers addr and returns a bearer token for it.
func (ts *testServer) account(role string) (ledger.Address, string) {
	ts.t.Helper()
	addr := ledger.NewAddress()
	body := fmt.Sprintf(`{"address":%q,"passphrase":"correct horse","role":%q}`, addr, role)
	if rec := ts.do(http.MethodPost, "/api/accounts", "", body); rec.Code != http.StatusCreated {
		ts.t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := ts.do(http.MethodPost, "/api/session", "", fmt.Sprintf(`{"address":%q,"passphrase":"correct horse"}`, addr))
	if rec.Code != http.StatusOK {
		ts.t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		ts.t.Fatalf("decode login: %v", err)
	}
	return addr, payload.Token
}

func (ts *testServer) mustStatus(rec *httptest.ResponseRecorder, want int) {
	ts.t.Helper()
	if rec.Code != want {
		ts.t.Fatalf("expected %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.mustStatus(ts.do(http.MethodGet, "/health", "", ""), http.StatusOK)
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	ts := newTestServer(t)
	addr, _ := ts.account("employer")

	rec := ts.do(http.MethodPost, "/api/session", "", fmt.Sprintf(`{"address":%q,"passphrase":"wrong passphrase"}`, addr))
	ts.mustStatus(rec, http.StatusUnauthorized)
}

func TestHandleRegister_Validation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/accounts", "", `{"address":"acct_1","passphrase":"short"}`)
	ts.mustStatus(rec, http.StatusBadRequest)

	rec = ts.do(http.MethodPost, "/api/accounts", "", `{"address":"acct_1","passphrase":"long enough","extra":1}`)
	ts.mustStatus(rec, http.StatusBadRequest)
}

func TestRequireAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/agreements/payroll", "", `{"token":"token_usdc"}`)
	ts.mustStatus(rec, http.StatusUnauthorized)

	rec = ts.do(http.MethodPost, "/api/agreements/payroll", "not-a-jwt", `{"token":"token_usdc"}`)
	ts.mustStatus(rec, http.StatusUnauthorized)
}

func TestEscrowFlow(t *testing.T) {
	ts := newTestServer(t)
	employer, employerToken := ts.account("employer")
	contributor, contributorToken := ts.account("counterparty")

	body := fmt.Sprintf(`{"contributor":%q,"token":"token_usdc","amount_per_period":1000,"period_seconds":86400,"num_periods":4}`, contributor)
	rec := ts.do(http.MethodPost, "/api/agreements/escrow", employerToken, body)
	ts.mustStatus(rec, http.StatusCreated)
	id := decodeBody[map[string]uint64](t, rec)["id"]
	base := fmt.Sprintf("/api/agreements/%d", id)

	if err := ts.host.Mint(context.Background(), ts.token, employer, 4000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	ts.mustStatus(ts.do(http.MethodPost, base+"/fund", employerToken, `{"amount":4000}`), http.StatusNoContent)
	ts.mustStatus(ts.do(http.MethodPost, base+"/activate", contributorToken, ""), http.StatusForbidden)
	ts.mustStatus(ts.do(http.MethodPost, base+"/activate", employerToken, ""), http.StatusNoContent)

	ts.now += 86_400
	ts.mustStatus(ts.do(http.MethodPost, base+"/claims/time-based", employerToken, ""), http.StatusForbidden)

	rec = ts.do(http.MethodPost, base+"/claims/time-based", contributorToken, "")
	ts.mustStatus(rec, http.StatusOK)
	if got := decodeBody[map[string]int64](t, rec)["amount"]; got != 1000 {
		t.Fatalf("expected 1000, got %d", got)
	}

	rec = ts.do(http.MethodPost, base+"/claims/time-based", contributorToken, "")
	ts.mustStatus(rec, http.StatusUnprocessableEntity)
	if code := decodeBody[errorResponse](t, rec).Error; code != ledger.ErrNoPeriodsToClaim.Code {
		t.Fatalf("expected %q, got %q", ledger.ErrNoPeriodsToClaim.Code, code)
	}

	rec = ts.do(http.MethodGet, base, "", "")
	ts.mustStatus(rec, http.StatusOK)
	view := decodeBody[struct {
		Agreement     agreement.Agreement `json:"agreement"`
		EscrowBalance int64               `json:"escrow_balance"`
	}](t, rec)
	if view.Agreement.Status != agreement.StatusActive || view.EscrowBalance != 3000 {
		t.Fatalf("unexpected agreement view: %+v", view)
	}

	ts.mustStatus(ts.do(http.MethodPost, base+"/cancel", employerToken, ""), http.StatusNoContent)
	rec = ts.do(http.MethodGet, base+"/grace", "", "")
	ts.mustStatus(rec, http.StatusOK)
	grace := decodeBody[map[string]any](t, rec)
	if grace["active"] != true {
		t.Fatalf("expected active grace period, got %+v", grace)
	}
}

func TestMilestoneBatchPartialFailure(t *testing.T) {
	ts := newTestServer(t)
	employer, employerToken := ts.account("employer")
	contributor, contributorToken := ts.account("counterparty")

	rec := ts.do(http.MethodPost, "/api/milestone-agreements", employerToken, fmt.Sprintf(`{"contributor":%q,"token":"token_usdc"}`, contributor))
	ts.mustStatus(rec, http.StatusCreated)
	base := fmt.Sprintf("/api/milestone-agreements/%d", decodeBody[map[string]uint64](t, rec)["id"])

	for range 3 {
		ts.mustStatus(ts.do(http.MethodPost, base+"/milestones", employerToken, `{"amount":500}`), http.StatusCreated)
	}
	if err := ts.host.Mint(context.Background(), ts.token, employer, 1500); err != nil {
		t.Fatalf("mint: %v", err)
	}
	ts.mustStatus(ts.do(http.MethodPost, base+"/fund", employerToken, `{"amount":1500}`), http.StatusNoContent)
	ts.mustStatus(ts.do(http.MethodPost, base+"/milestones/1/approve", employerToken, ""), http.StatusNoContent)
	ts.mustStatus(ts.do(http.MethodPost, base+"/milestones/3/approve", contributorToken, ""), http.StatusForbidden)

	rec = ts.do(http.MethodPost, base+"/claims/batch", contributorToken, `{"milestone_ids":[1,2,7]}`)
	ts.mustStatus(rec, http.StatusOK)
	res := decodeBody[agreement.BatchClaimResult](t, rec)
	if res.SuccessfulClaims != 1 || res.FailedClaims != 2 || res.TotalClaimed != 500 {
		t.Fatalf("unexpected batch result: %+v", res)
	}
	if len(res.Failures) != 2 || res.Failures[0].Code != ledger.ErrNotApproved.Code || res.Failures[1].Code != ledger.ErrMilestoneNotFound.Code {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}

	rec = ts.do(http.MethodGet, base+"/milestones", "", "")
	ts.mustStatus(rec, http.StatusOK)
	list := decodeBody[struct {
		Items []agreement.Milestone `json:"items"`
	}](t, rec)
	if len(list.Items) != 3 || !list.Items[0].Claimed || list.Items[1].Claimed {
		t.Fatalf("unexpected milestones: %+v", list.Items)
	}
}

func TestDisputeFlow(t *testing.T) {
	ts := newTestServer(t)
	owner, ownerToken := ts.account("operator")
	arbiter, arbiterToken := ts.account("operator")
	employer, employerToken := ts.account("employer")
	contributor, contributorToken := ts.account("counterparty")

	if err := ts.host.Initialize(auth.WithSigners(context.Background(), owner), owner); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	ts.mustStatus(ts.do(http.MethodPost, "/api/settings/arbiter", employerToken, fmt.Sprintf(`{"arbiter":%q}`, arbiter)), http.StatusForbidden)
	ts.mustStatus(ts.do(http.MethodPost, "/api/settings/arbiter", ownerToken, fmt.Sprintf(`{"arbiter":%q}`, arbiter)), http.StatusNoContent)

	body := fmt.Sprintf(`{"contributor":%q,"token":"token_usdc","amount_per_period":500,"period_seconds":86400,"num_periods":4}`, contributor)
	rec := ts.do(http.MethodPost, "/api/agreements/escrow", employerToken, body)
	ts.mustStatus(rec, http.StatusCreated)
	base := fmt.Sprintf("/api/agreements/%d", decodeBody[map[string]uint64](t, rec)["id"])
	if err := ts.host.Mint(context.Background(), ts.token, employer, 2000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	ts.mustStatus(ts.do(http.MethodPost, base+"/fund", employerToken, `{"amount":2000}`), http.StatusNoContent)

	ts.mustStatus(ts.do(http.MethodPost, base+"/dispute", employerToken, ""), http.StatusNoContent)
	ts.mustStatus(ts.do(http.MethodPost, base+"/dispute", contributorToken, ""), http.StatusConflict)

	resolve := `{"amount_to_employer":500,"amount_to_contributor":500}`
	ts.mustStatus(ts.do(http.MethodPost, base+"/dispute/resolve", employerToken, resolve), http.StatusForbidden)
	ts.mustStatus(ts.do(http.MethodPost, base+"/dispute/resolve", arbiterToken, resolve), http.StatusNoContent)
	ts.mustStatus(ts.do(http.MethodPost, base+"/dispute/resolve", arbiterToken, resolve), http.StatusConflict)

	rec = ts.do(http.MethodGet, base+"/dispute", "", "")
	ts.mustStatus(rec, http.StatusOK)
	if d := decodeBody[dispute.Dispute](t, rec); d.Status != dispute.StatusResolved || d.RaisedBy != employer {
		t.Fatalf("unexpected dispute: %+v", d)
	}
}

func TestMilestoneDisputeFlow(t *testing.T) {
	ts := newTestServer(t)
	owner, ownerToken := ts.account("operator")
	arbiter, arbiterToken := ts.account("operator")
	employer, employerToken := ts.account("employer")
	contributor, contributorToken := ts.account("counterparty")

	if err := ts.host.Initialize(auth.WithSigners(context.Background(), owner), owner); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	ts.mustStatus(ts.do(http.MethodPost, "/api/settings/arbiter", ownerToken, fmt.Sprintf(`{"arbiter":%q}`, arbiter)), http.StatusNoContent)

	rec := ts.do(http.MethodPost, "/api/milestone-agreements", employerToken, fmt.Sprintf(`{"contributor":%q,"token":"token_usdc"}`, contributor))
	ts.mustStatus(rec, http.StatusCreated)
	base := fmt.Sprintf("/api/milestone-agreements/%d", decodeBody[map[string]uint64](t, rec)["id"])
	ts.mustStatus(ts.do(http.MethodPost, base+"/milestones", employerToken, `{"amount":1200}`), http.StatusCreated)
	if err := ts.host.Mint(context.Background(), ts.token, employer, 1200); err != nil {
		t.Fatalf("mint: %v", err)
	}
	ts.mustStatus(ts.do(http.MethodPost, base+"/fund", employerToken, `{"amount":1200}`), http.StatusNoContent)

	rec = ts.do(http.MethodGet, base, "", "")
	ts.mustStatus(rec, http.StatusOK)
	if view := decodeBody[struct {
		EscrowBalance int64 `json:"escrow_balance"`
	}](t, rec); view.EscrowBalance != 1200 {
		t.Fatalf("unexpected milestone balance: %d", view.EscrowBalance)
	}

	ts.mustStatus(ts.do(http.MethodPost, base+"/dispute", contributorToken, ""), http.StatusNoContent)
	ts.mustStatus(ts.do(http.MethodPost, base+"/dispute/resolve", arbiterToken, `{"amount_to_employer":200,"amount_to_contributor":1000}`), http.StatusNoContent)

	rec = ts.do(http.MethodGet, base+"/dispute", "", "")
	ts.mustStatus(rec, http.StatusOK)
	if d := decodeBody[dispute.Dispute](t, rec); d.Status != dispute.StatusResolved || d.RaisedBy != contributor || d.AmountToContributor != 1000 {
		t.Fatalf("unexpected dispute: %+v", d)
	}
	ts.mustStatus(ts.do(http.MethodGet, "/api/agreements/1/dispute", "", ""), http.StatusNotFound)
}

func TestHandleGetAgreement_Errors(t *testing.T) {
	ts := newTestServer(t)
	ts.mustStatus(ts.do(http.MethodGet, "/api/agreements/42", "", ""), http.StatusNotFound)
	ts.mustStatus(ts.do(http.MethodGet, "/api/agreements/abc", "", ""), http.StatusBadRequest)
	ts.mustStatus(ts.do(http.MethodGet, "/api/settings", "", ""), http.StatusConflict)
}

func TestWriteCallError(t *testing.T) {
	server := NewServer(nil, nil, nil, nil, nil)
	cases := []struct {
		err  error
		want int
	}{
		{ledger.ErrInvalidAmount, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", ledger.ErrMilestoneNotFound), http.StatusNotFound},
		{ledger.ErrNotArbiter, http.StatusForbidden},
		{ledger.ErrAlreadyClaimed, http.StatusConflict},
		{ledger.ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		server.writeCallError(rec, tc.err)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}
