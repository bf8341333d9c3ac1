/*
handlers.go - HTTP API handlers for the contractor ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the ledger processors.

ENDPOINTS:
  Writes (rate limited):
    POST   /api/claims                      Record a claim
    POST   /api/withdrawals                 Request a withdrawal
    POST   /api/withdrawals/{id}/complete   Complete a pending withdrawal

  Reads:
    GET    /api/me/liability                Caller's liability
    GET    /api/metrics                     Company totals + per contractor
    GET    /api/withdrawals                 Withdrawals, optionally filtered
    GET    /api/contractors/{id}/activity   Claims and withdrawals, newest first
    GET    /healthz                         Liveness (pings durable stores)

IDENTITY:
  There is no authentication. Callers pass the already-authenticated
  contractor id in the body (writes) or as ?contractor_id= (reads).
  /api/me/liability also accepts the X-Contractor-ID header.

REQUEST FLOW:
  1. Decode JSON body (1 MiB limit)
  2. Shape checks with validator tags
  3. Call the processor (domain validation happens there)
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  - 400: validation_error, policy_limit_exceeded, insufficient_balance
  - 404: not_found
  - 429: rate_limited
  - 500: internal_error (details are logged, not returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/warp/contractor-ledger/ledger"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Claims      *ledger.ClaimProcessor
	Withdrawals *ledger.WithdrawalProcessor
	Calculator  *ledger.Calculator
	Metrics     *ledger.Aggregator
	Logger      *slog.Logger

	validate *validator.Validate
}

// NewHandler creates a handler. The read-side views use the claim
// processor's store. A nil logger discards output.
func NewHandler(claims *ledger.ClaimProcessor, withdrawals *ledger.WithdrawalProcessor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		Claims:      claims,
		Withdrawals: withdrawals,
		Calculator:  ledger.NewCalculator(claims.Store),
		Metrics:     ledger.NewAggregator(claims.Store),
		Logger:      logger,
		validate:    newValidator(),
	}
}

// newValidator reports fields by their JSON name.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// CLAIM HANDLERS
// =============================================================================

// SubmitClaim records a claim.
// POST /api/claims
func (h *Handler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	var req SubmitClaimRequest
	if !h.decode(w, r, &req) {
		return
	}
	amt, ok := h.parseAmount(w, r, req.Amount)
	if !ok {
		return
	}

	ctx := r.Context()
	claim, err := h.Claims.Submit(ctx, ledger.ClaimInput{
		ContractorID: ledger.ContractorID(req.ContractorID),
		Amount:       amt,
		RequesterRef: strings.TrimSpace(req.RequesterRef),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	liability, err := h.Calculator.LiabilityOf(ctx, claim.ContractorID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, ClaimResponse{
		Claim:     toClaimDTO(claim),
		Liability: toLiabilityDTO(liability),
	})
}

// =============================================================================
// WITHDRAWAL HANDLERS
// =============================================================================

// SubmitWithdrawal admits a withdrawal. The returned liability already
// excludes the new pending amount.
// POST /api/withdrawals
func (h *Handler) SubmitWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req SubmitWithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}
	amt, ok := h.parseAmount(w, r, req.Amount)
	if !ok {
		return
	}

	ctx := r.Context()
	wd, err := h.Withdrawals.Submit(ctx, ledger.WithdrawalInput{
		ContractorID: ledger.ContractorID(req.ContractorID),
		Amount:       amt,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	liability, err := h.Calculator.LiabilityOf(ctx, wd.ContractorID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, WithdrawalResponse{
		Withdrawal: toWithdrawalDTO(wd),
		Liability:  toLiabilityDTO(liability),
	})
}

// ListWithdrawals returns withdrawals in creation order.
// GET /api/withdrawals?contractor_id=
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	contractorID := strings.TrimSpace(r.URL.Query().Get("contractor_id"))

	list, err := h.Withdrawals.Withdrawals(r.Context(), ledger.ContractorID(contractorID))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawalListResponse{Withdrawals: toWithdrawalDTOs(list)})
}

// CompleteWithdrawal settles a pending withdrawal by hand. Completing an
// already-completed withdrawal succeeds with completed=false.
// POST /api/withdrawals/{id}/complete
func (h *Handler) CompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.WithdrawalID(pathParam(r, "id"))

	if _, found, err := h.Withdrawals.Withdrawal(ctx, id); err != nil {
		h.writeLedgerError(w, r, err)
		return
	} else if !found {
		writeError(w, http.StatusNotFound, ErrorResponse{
			Error: fmt.Sprintf("withdrawal %q not found", id),
			Code:  CodeNotFound,
		})
		return
	}

	done, err := h.Withdrawals.Complete(ctx, id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	resp := CompleteWithdrawalResponse{Completed: done}
	wd, found, err := h.Withdrawals.Withdrawal(ctx, id)
	switch {
	case err != nil:
		// The transition already happened; report it without the record.
		h.Logger.Error("reload after completion failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(ctx)),
			slog.String("withdrawal_id", string(id)),
			slog.String("error", err.Error()))
	case found:
		dto := toWithdrawalDTO(wd)
		resp.Withdrawal = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// READ HANDLERS
// =============================================================================

// GetLiability returns the caller's liability. Unknown contractors get a
// zero-valued liability.
// GET /api/me/liability?contractor_id=
func (h *Handler) GetLiability(w http.ResponseWriter, r *http.Request) {
	contractorID := r.URL.Query().Get("contractor_id")
	if strings.TrimSpace(contractorID) == "" {
		contractorID = r.Header.Get("X-Contractor-ID")
	}

	liability, err := h.Calculator.LiabilityOf(r.Context(), ledger.ContractorID(strings.TrimSpace(contractorID)))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LiabilityResponse{Liability: toLiabilityDTO(liability)})
}

// GetMetrics returns the company-wide rollup and every contractor's
// liability, both from the same snapshot.
// GET /api/metrics
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	report, err := h.Metrics.Report(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMetricsResponse(report))
}

// GetActivity returns a contractor's claims and withdrawals, newest first.
// GET /api/contractors/{id}/activity
func (h *Handler) GetActivity(w http.ResponseWriter, r *http.Request) {
	contractorID := ledger.ContractorID(strings.TrimSpace(pathParam(r, "id")))

	events, err := h.Calculator.Activity(r.Context(), contractorID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActivityResponse{
		ContractorID: string(contractorID),
		Events:       toActivityDTOs(events),
	})
}

// Health reports liveness. Stores that can be pinged are pinged.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Claims.Store.(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			h.Logger.Error("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: "store unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and runs the validator tags. On
// failure it writes the 400 response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Code:    CodeValidation,
			Details: err.Error(),
		})
		return false
	}

	if err := h.validate.StructCtx(r.Context(), dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeError(w, http.StatusBadRequest, ErrorResponse{
				Error: fmt.Sprintf("invalid %s: %s", fe.Field(), describeTag(fe)),
				Code:  CodeValidation,
				Field: fe.Field(),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeValidation})
		return false
	}
	return true
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func (h *Handler) parseAmount(w http.ResponseWriter, r *http.Request, n json.Number) (ledger.Money, bool) {
	m, err := ledger.ParseMoney(n.String())
	if err != nil {
		h.writeLedgerError(w, r, &ledger.ValidationError{Field: "amount", Reason: "must be a number"})
		return ledger.Zero, false
	}
	return m, true
}

// writeLedgerError maps ledger errors to HTTP responses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *ledger.ValidationError
		pl *ledger.PolicyLimitError
		ib *ledger.InsufficientBalanceError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: ve.Error(), Code: CodeValidation, Field: ve.Field})
	case errors.As(err, &pl):
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: pl.Error(), Code: CodePolicyLimitExceeded, Field: "amount"})
	case errors.As(err, &ib):
		available := amount(ib.Available)
		writeError(w, http.StatusBadRequest, ErrorResponse{
			Error:               ib.Error(),
			Code:                CodeInsufficientBalance,
			Field:               "amount",
			AvailableToWithdraw: &available,
		})
	default:
		h.Logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: CodeInternal})
	}
}

func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}
