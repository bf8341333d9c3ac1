/*
handlers_test.go - HTTP tests for the ledger API

Tests for:
- Claim and withdrawal submission, including every error code
- Liability, metrics, withdrawal list and activity reads
- Manual completion and settlement on virtual time
- Rate limiting of write routes
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3"

	"github.com/warp/contractor-ledger/ledger"
	"github.com/warp/contractor-ledger/ledger/store"
	"github.com/warp/contractor-ledger/settlement"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testEnv struct {
	store   *store.Memory
	clock   *settlement.ManualClock
	handler *Handler
	router  http.Handler
}

func setupTest(t *testing.T, lim *limiter.Limiter) *testEnv {
	t.Helper()

	mem := store.NewMemory(nil)
	clock := settlement.NewManualClock(time.Date(2025, time.May, 5, 10, 0, 0, 0, time.UTC))
	sched := settlement.NewScheduler(clock, nil)
	t.Cleanup(func() { sched.Stop() })

	claims := ledger.NewClaimProcessor(mem, ledger.DefaultMaxClaimAmount, clock, nil)
	withdrawals := ledger.NewWithdrawalProcessor(mem, sched, ledger.DefaultSettlementDelay, nil)
	h := NewHandler(claims, withdrawals, nil)

	return &testEnv{
		store:   mem,
		clock:   clock,
		handler: h,
		router:  NewRouter(h, RouterOptions{Limiter: lim}),
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) claim(t *testing.T, contractor string, amount string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/claims",
		`{"contractor_id":"`+contractor+`","amount":`+amount+`}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// CLAIMS
// =============================================================================

func TestSubmitClaim_Created(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: A contractor claims 1500
	// THEN: 201 with the claim and the updated liability, amounts at 2dp
	env := setupTest(t, nil)

	rec := env.do(t, http.MethodPost, "/api/claims",
		`{"contractor_id":"contractor1@example.com","amount":1500,"requester_ref":"acct-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decodeBody[ClaimResponse](t, rec)
	assert.Equal(t, "clm_000001", resp.Claim.ID)
	assert.Equal(t, "contractor1@example.com", resp.Claim.ContractorID)
	assert.Equal(t, json.Number("1500.00"), resp.Claim.Amount)
	assert.Equal(t, "acct-1", resp.Claim.RequesterRef)
	assert.Equal(t, "2025-05-05T10:00:00Z", resp.Claim.CreatedAt)
	assert.Equal(t, json.Number("1500.00"), resp.Liability.TotalClaimed)
	assert.Equal(t, json.Number("1500.00"), resp.Liability.AvailableToWithdraw)
}

func TestSubmitClaim_AmountAsString(t *testing.T) {
	env := setupTest(t, nil)

	rec := env.do(t, http.MethodPost, "/api/claims", `{"contractor_id":"a","amount":"12.5"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, json.Number("12.50"), decodeBody[ClaimResponse](t, rec).Claim.Amount)
}

func TestSubmitClaim_Errors(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		code  string
		field string
	}{
		{"above ceiling", `{"contractor_id":"B","amount":6000}`, CodePolicyLimitExceeded, "amount"},
		{"missing contractor", `{"amount":10}`, CodeValidation, "contractor_id"},
		{"blank contractor", `{"contractor_id":"   ","amount":10}`, CodeValidation, "contractor_id"},
		{"missing amount", `{"contractor_id":"A"}`, CodeValidation, "amount"},
		{"zero amount", `{"contractor_id":"A","amount":0}`, CodeValidation, "amount"},
		{"negative amount", `{"contractor_id":"A","amount":-3}`, CodeValidation, "amount"},
		{"sub-cent amount", `{"contractor_id":"A","amount":10.001}`, CodeValidation, "amount"},
		{"huge exponent", `{"contractor_id":"A","amount":1e20000000}`, CodeValidation, "amount"},
		{"huge exponent as string", `{"contractor_id":"A","amount":"1e-20000000"}`, CodeValidation, "amount"},
		{"non-numeric amount", `{"contractor_id":"A","amount":"ten"}`, CodeValidation, ""},
		{"malformed json", `{"contractor_id":`, CodeValidation, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTest(t, nil)

			rec := env.do(t, http.MethodPost, "/api/claims", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			resp := decodeBody[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
			if tt.field != "" {
				assert.Equal(t, tt.field, resp.Field)
			}

			snap, err := env.store.Snapshot(context.Background())
			require.NoError(t, err)
			assert.True(t, snap.IsEmpty())
		})
	}
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func TestSubmitWithdrawal_PendingThenSettled(t *testing.T) {
	// GIVEN: A claimed 1500 and 800
	// WHEN: A withdraws 1000 and the settlement delay passes
	// THEN: Available is 1300 both at admission and after completion
	env := setupTest(t, nil)
	env.claim(t, "A", "1500")
	env.claim(t, "A", "800")

	rec := env.do(t, http.MethodPost, "/api/withdrawals", `{"contractor_id":"A","amount":1000}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeBody[WithdrawalResponse](t, rec)
	assert.Equal(t, "pending", resp.Withdrawal.Status)
	assert.Nil(t, resp.Withdrawal.CompletedAt)
	assert.Equal(t, json.Number("1300.00"), resp.Liability.AvailableToWithdraw)
	assert.Equal(t, json.Number("1000.00"), resp.Liability.TotalPending)
	assert.Equal(t, json.Number("0.00"), resp.Liability.TotalCashedOut)

	env.clock.Advance(ledger.DefaultSettlementDelay)

	rec = env.do(t, http.MethodGet, "/api/me/liability?contractor_id=A", "")
	require.Equal(t, http.StatusOK, rec.Code)
	l := decodeBody[LiabilityResponse](t, rec).Liability
	assert.Equal(t, json.Number("2300.00"), l.TotalClaimed)
	assert.Equal(t, json.Number("1000.00"), l.TotalCashedOut)
	assert.Equal(t, json.Number("0.00"), l.TotalPending)
	assert.Equal(t, json.Number("1300.00"), l.AvailableToWithdraw)

	rec = env.do(t, http.MethodGet, "/api/withdrawals?contractor_id=A", "")
	list := decodeBody[WithdrawalListResponse](t, rec).Withdrawals
	require.Len(t, list, 1)
	assert.Equal(t, "completed", list[0].Status)
	require.NotNil(t, list[0].CompletedAt)
	assert.Equal(t, "2025-05-05T10:00:03Z", *list[0].CompletedAt)
}

func TestSubmitWithdrawal_InsufficientBalance(t *testing.T) {
	env := setupTest(t, nil)
	env.claim(t, "A", "100")

	rec := env.do(t, http.MethodPost, "/api/withdrawals", `{"contractor_id":"A","amount":5000}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, CodeInsufficientBalance, resp.Code)
	require.NotNil(t, resp.AvailableToWithdraw)
	assert.Equal(t, json.Number("100.00"), *resp.AvailableToWithdraw)

	rec = env.do(t, http.MethodGet, "/api/withdrawals", "")
	assert.Empty(t, decodeBody[WithdrawalListResponse](t, rec).Withdrawals)
}

func TestSubmitWithdrawal_Validation(t *testing.T) {
	env := setupTest(t, nil)

	rec := env.do(t, http.MethodPost, "/api/withdrawals", `{"amount":10}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "contractor_id", decodeBody[ErrorResponse](t, rec).Field)
}

func TestSubmitWithdrawal_HugeExponent(t *testing.T) {
	// GIVEN: A funded contractor
	// WHEN: A withdrawal amount carries an enormous exponent
	// THEN: 400 validation_error on amount with a short body, balance untouched
	env := setupTest(t, nil)
	env.claim(t, "A", "100")

	start := time.Now()
	rec := env.do(t, http.MethodPost, "/api/withdrawals", `{"contractor_id":"A","amount":1e20000000}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Less(t, time.Since(start), time.Second)
	assert.Less(t, rec.Body.Len(), 512)

	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, CodeValidation, resp.Code)
	assert.Equal(t, "amount", resp.Field)

	rec = env.do(t, http.MethodGet, "/api/me/liability?contractor_id=A", "")
	assert.Equal(t, json.Number("100.00"), decodeBody[LiabilityResponse](t, rec).Liability.AvailableToWithdraw)
}

func TestListWithdrawals_EmptyIsArray(t *testing.T) {
	env := setupTest(t, nil)

	rec := env.do(t, http.MethodGet, "/api/withdrawals", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"withdrawals":[]}`, rec.Body.String())
}

func TestCompleteWithdrawal(t *testing.T) {
	// GIVEN: A pending withdrawal
	// WHEN: Completing it by hand twice, and completing an unknown id
	// THEN: First call completes, second is a no-op, unknown is 404
	env := setupTest(t, nil)
	env.claim(t, "A", "100")
	rec := env.do(t, http.MethodPost, "/api/withdrawals", `{"contractor_id":"A","amount":40}`)
	id := decodeBody[WithdrawalResponse](t, rec).Withdrawal.ID

	rec = env.do(t, http.MethodPost, "/api/withdrawals/"+id+"/complete", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[CompleteWithdrawalResponse](t, rec)
	assert.True(t, resp.Completed)
	require.NotNil(t, resp.Withdrawal)
	assert.Equal(t, "completed", resp.Withdrawal.Status)

	rec = env.do(t, http.MethodPost, "/api/withdrawals/"+id+"/complete", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[CompleteWithdrawalResponse](t, rec).Completed)

	rec = env.do(t, http.MethodPost, "/api/withdrawals/wd_nope/complete", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decodeBody[ErrorResponse](t, rec).Code)
}

// flakyLookupStore serves the first Withdrawal lookup and fails the rest.
type flakyLookupStore struct {
	*store.Memory
	lookups atomic.Int32
}

func (s *flakyLookupStore) Withdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.Withdrawal, bool, error) {
	if s.lookups.Add(1) > 1 {
		return ledger.Withdrawal{}, false, errors.New("lookup unavailable")
	}
	return s.Memory.Withdrawal(ctx, id)
}

func TestCompleteWithdrawal_ReloadFailureIsLogged(t *testing.T) {
	// GIVEN: A pending withdrawal and a store whose second lookup fails
	// WHEN: Completing it by hand
	// THEN: 200 completed=true without the record, and the failure is logged
	ctx := context.Background()
	mem := store.NewMemory(nil)
	clock := settlement.NewManualClock(time.Date(2025, time.May, 5, 10, 0, 0, 0, time.UTC))
	w, err := mem.AppendWithdrawal(ctx, ledger.Withdrawal{
		ContractorID: "A",
		Amount:       ledger.NewMoneyFromInt(5),
		CreatedAt:    clock.Now(),
	})
	require.NoError(t, err)

	flaky := &flakyLookupStore{Memory: mem}
	sched := settlement.NewScheduler(clock, nil)
	t.Cleanup(func() { sched.Stop() })

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	h := NewHandler(
		ledger.NewClaimProcessor(flaky, ledger.DefaultMaxClaimAmount, clock, nil),
		ledger.NewWithdrawalProcessor(flaky, sched, ledger.DefaultSettlementDelay, nil),
		logger,
	)
	router := NewRouter(h, RouterOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/withdrawals/"+string(w.ID)+"/complete", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[CompleteWithdrawalResponse](t, rec)
	assert.True(t, resp.Completed)
	assert.Nil(t, resp.Withdrawal)
	assert.Contains(t, logs.String(), "reload after completion failed")
	assert.Contains(t, logs.String(), "lookup unavailable")

	got, _, err := mem.Withdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.IsCompleted())
}

// =============================================================================
// READS
// =============================================================================

func TestGetLiability(t *testing.T) {
	env := setupTest(t, nil)
	env.claim(t, "A", "10")

	rec := env.do(t, http.MethodGet, "/api/me/liability", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "contractor_id", decodeBody[ErrorResponse](t, rec).Field)

	rec = env.do(t, http.MethodGet, "/api/me/liability?contractor_id=ghost", "")
	require.Equal(t, http.StatusOK, rec.Code)
	l := decodeBody[LiabilityResponse](t, rec).Liability
	assert.Equal(t, "ghost", l.ContractorID)
	assert.Equal(t, json.Number("0.00"), l.AvailableToWithdraw)

	req := httptest.NewRequest(http.MethodGet, "/api/me/liability", nil)
	req.Header.Set("X-Contractor-ID", "A")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, json.Number("10.00"), decodeBody[LiabilityResponse](t, rr).Liability.TotalClaimed)
}

func TestGetMetrics(t *testing.T) {
	env := setupTest(t, nil)
	env.claim(t, "A", "1500")
	env.claim(t, "B", "2000")
	env.do(t, http.MethodPost, "/api/withdrawals", `{"contractor_id":"A","amount":1000}`)
	env.clock.Advance(ledger.DefaultSettlementDelay)
	env.do(t, http.MethodPost, "/api/withdrawals", `{"contractor_id":"B","amount":500}`)

	rec := env.do(t, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[MetricsResponse](t, rec)
	assert.Equal(t, json.Number("3500.00"), resp.TotalMetrics.TotalClaimed)
	assert.Equal(t, json.Number("1000.00"), resp.TotalMetrics.TotalCashedOut)
	assert.Equal(t, json.Number("500.00"), resp.TotalMetrics.TotalProcessing)
	assert.Equal(t, json.Number("2500.00"), resp.TotalMetrics.NetLiability)
	require.Len(t, resp.Contractors, 2)
	assert.Equal(t, "A", resp.Contractors[0].ContractorID)
	assert.Equal(t, json.Number("1500.00"), resp.Contractors[1].AvailableToWithdraw)
}

func TestGetMetrics_Empty(t *testing.T) {
	env := setupTest(t, nil)

	rec := env.do(t, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"total_metrics": {"total_claimed": 0.00, "total_cashed_out": 0.00, "total_processing": 0.00, "net_liability": 0.00},
		"contractors": []
	}`, rec.Body.String())
}

func TestGetActivity(t *testing.T) {
	env := setupTest(t, nil)
	env.claim(t, "a@example.com", "100")
	env.clock.Advance(time.Second)
	env.do(t, http.MethodPost, "/api/withdrawals", `{"contractor_id":"a@example.com","amount":25}`)

	rec := env.do(t, http.MethodGet, "/api/contractors/a%40example.com/activity", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[ActivityResponse](t, rec)
	assert.Equal(t, "a@example.com", resp.ContractorID)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, "withdrawal", resp.Events[0].Kind)
	assert.Equal(t, "pending", resp.Events[0].Status)
	assert.Equal(t, "claim", resp.Events[1].Kind)
	assert.Empty(t, resp.Events[1].Status)
}

func TestHealth(t *testing.T) {
	env := setupTest(t, nil)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[HealthResponse](t, rec).Status)
}

func TestUnknownRoute(t *testing.T) {
	env := setupTest(t, nil)

	rec := env.do(t, http.MethodGet, "/api/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decodeBody[ErrorResponse](t, rec).Code)
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func TestRateLimit_WritesOnly(t *testing.T) {
	// GIVEN: A limit of 2 writes per minute
	// WHEN: A client sends 3 claims and then a read
	// THEN: The third claim is rejected with 429; reads are not limited
	lim, err := NewRateLimiter("2-M")
	require.NoError(t, err)
	env := setupTest(t, lim)

	env.claim(t, "A", "1")
	env.claim(t, "A", "1")

	rec := env.do(t, http.MethodPost, "/api/claims", `{"contractor_id":"A","amount":1}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeRateLimited, decodeBody[ErrorResponse](t, rec).Code)

	rec = env.do(t, http.MethodGet, "/api/me/liability?contractor_id=A", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, json.Number("2.00"), decodeBody[LiabilityResponse](t, rec).Liability.TotalClaimed)
}

func TestNewRateLimiter_BadFormat(t *testing.T) {
	_, err := NewRateLimiter("lots")
	assert.Error(t, err)
}

// =============================================================================
// SWEEPER
// =============================================================================

func TestSettlementSweeper_Sweep(t *testing.T) {
	ctx := context.Background()
	env := setupTest(t, nil)

	w, err := env.store.AppendWithdrawal(ctx, ledger.Withdrawal{
		ContractorID: "A",
		Amount:       ledger.NewMoneyFromInt(5),
		CreatedAt:    env.clock.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	sweeper := NewSettlementSweeper(env.handler.Withdrawals, time.Minute, nil)
	assert.Equal(t, 1, sweeper.Sweep(ctx))
	assert.Equal(t, 0, sweeper.Sweep(ctx))

	got, _, err := env.store.Withdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.IsCompleted())
}

func TestSettlementSweeper_StartStop(t *testing.T) {
	env := setupTest(t, nil)

	disabled := NewSettlementSweeper(env.handler.Withdrawals, 0, nil)
	assert.False(t, disabled.Enabled)
	disabled.Start()
	disabled.Stop()

	s := NewSettlementSweeper(env.handler.Withdrawals, time.Hour, nil)
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
