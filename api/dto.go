/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external contract: snake_case field
  names, amounts as JSON numbers with exactly two decimals, timestamps as
  RFC 3339 strings.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required fields, lengths). Domain rules (positive amount, cent
  precision, claim ceiling, balance) are enforced by the ledger
  processors, so a request that passes the tags can still be rejected.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types being mapped
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/contractor-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SubmitClaimRequest is the body of POST /api/claims.
type SubmitClaimRequest struct {
	ContractorID string      `json:"contractor_id" validate:"required,max=320"`
	Amount       json.Number `json:"amount" validate:"required"`
	RequesterRef string      `json:"requester_ref,omitempty" validate:"max=128"`
}

// SubmitWithdrawalRequest is the body of POST /api/withdrawals.
type SubmitWithdrawalRequest struct {
	ContractorID string      `json:"contractor_id" validate:"required,max=320"`
	Amount       json.Number `json:"amount" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ClaimDTO represents a claim in API responses.
type ClaimDTO struct {
	ID           string      `json:"id"`
	ContractorID string      `json:"contractor_id"`
	Amount       json.Number `json:"amount"`
	RequesterRef string      `json:"requester_ref,omitempty"`
	CreatedAt    string      `json:"created_at"`
}

// WithdrawalDTO represents a withdrawal in API responses.
type WithdrawalDTO struct {
	ID           string      `json:"id"`
	ContractorID string      `json:"contractor_id"`
	Amount       json.Number `json:"amount"`
	Status       string      `json:"status"`
	CreatedAt    string      `json:"created_at"`
	CompletedAt  *string     `json:"completed_at,omitempty"`
}

// LiabilityDTO is one contractor's derived balance.
type LiabilityDTO struct {
	ContractorID        string      `json:"contractor_id"`
	TotalClaimed        json.Number `json:"total_claimed"`
	TotalCashedOut      json.Number `json:"total_cashed_out"`
	TotalPending        json.Number `json:"total_pending"`
	AvailableToWithdraw json.Number `json:"available_to_withdraw"`
}

// TotalMetricsDTO is the company-wide rollup.
type TotalMetricsDTO struct {
	TotalClaimed    json.Number `json:"total_claimed"`
	TotalCashedOut  json.Number `json:"total_cashed_out"`
	TotalProcessing json.Number `json:"total_processing"`
	NetLiability    json.Number `json:"net_liability"`
}

// ActivityDTO is one entry of a contractor's activity feed.
type ActivityDTO struct {
	Kind   string      `json:"kind"`
	ID     string      `json:"id"`
	Amount json.Number `json:"amount"`
	Status string      `json:"status,omitempty"`
	At     string      `json:"at"`
}

type ClaimResponse struct {
	Claim     ClaimDTO     `json:"claim"`
	Liability LiabilityDTO `json:"liability"`
}

type WithdrawalResponse struct {
	Withdrawal WithdrawalDTO `json:"withdrawal"`
	Liability  LiabilityDTO  `json:"liability"`
}

type LiabilityResponse struct {
	Liability LiabilityDTO `json:"liability"`
}

type MetricsResponse struct {
	TotalMetrics TotalMetricsDTO `json:"total_metrics"`
	Contractors  []LiabilityDTO  `json:"contractors"`
}

type WithdrawalListResponse struct {
	Withdrawals []WithdrawalDTO `json:"withdrawals"`
}

// CompleteWithdrawalResponse reports whether this call made the
// transition. Completed is false when the withdrawal was already done.
type CompleteWithdrawalResponse struct {
	Completed  bool           `json:"completed"`
	Withdrawal *WithdrawalDTO `json:"withdrawal,omitempty"`
}

type ActivityResponse struct {
	ContractorID string        `json:"contractor_id"`
	Events       []ActivityDTO `json:"events"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error               string       `json:"error"`
	Code                string       `json:"code"`
	Field               string       `json:"field,omitempty"`
	Details             string       `json:"details,omitempty"`
	AvailableToWithdraw *json.Number `json:"available_to_withdraw,omitempty"`
}

// Error codes.
const (
	CodeValidation          = "validation_error"
	CodePolicyLimitExceeded = "policy_limit_exceeded"
	CodeInsufficientBalance = "insufficient_balance"
	CodeNotFound            = "not_found"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal_error"
)

// =============================================================================
// MAPPING
// =============================================================================

func amount(m ledger.Money) json.Number {
	return json.Number(ledger.FormatMoney(m))
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toClaimDTO(c ledger.Claim) ClaimDTO {
	return ClaimDTO{
		ID:           string(c.ID),
		ContractorID: string(c.ContractorID),
		Amount:       amount(c.Amount),
		RequesterRef: c.RequesterRef,
		CreatedAt:    timestamp(c.CreatedAt),
	}
}

func toWithdrawalDTO(w ledger.Withdrawal) WithdrawalDTO {
	dto := WithdrawalDTO{
		ID:           string(w.ID),
		ContractorID: string(w.ContractorID),
		Amount:       amount(w.Amount),
		Status:       string(w.Status),
		CreatedAt:    timestamp(w.CreatedAt),
	}
	if w.CompletedAt != nil {
		s := timestamp(*w.CompletedAt)
		dto.CompletedAt = &s
	}
	return dto
}

func toWithdrawalDTOs(ws []ledger.Withdrawal) []WithdrawalDTO {
	dtos := make([]WithdrawalDTO, len(ws))
	for i, w := range ws {
		dtos[i] = toWithdrawalDTO(w)
	}
	return dtos
}

func toLiabilityDTO(l ledger.ContractorLiability) LiabilityDTO {
	return LiabilityDTO{
		ContractorID:        string(l.ContractorID),
		TotalClaimed:        amount(l.TotalClaimed),
		TotalCashedOut:      amount(l.TotalCashedOut),
		TotalPending:        amount(l.TotalPending),
		AvailableToWithdraw: amount(l.AvailableToWithdraw),
	}
}

func toMetricsResponse(r ledger.MetricsReport) MetricsResponse {
	resp := MetricsResponse{
		TotalMetrics: TotalMetricsDTO{
			TotalClaimed:    amount(r.Totals.TotalClaimed),
			TotalCashedOut:  amount(r.Totals.TotalCashedOut),
			TotalProcessing: amount(r.Totals.TotalProcessing),
			NetLiability:    amount(r.Totals.NetLiability),
		},
		Contractors: make([]LiabilityDTO, len(r.Contractors)),
	}
	for i, l := range r.Contractors {
		resp.Contractors[i] = toLiabilityDTO(l)
	}
	return resp
}

func toActivityDTOs(events []ledger.ActivityEvent) []ActivityDTO {
	dtos := make([]ActivityDTO, len(events))
	for i, e := range events {
		dtos[i] = ActivityDTO{
			Kind:   string(e.Kind),
			ID:     e.ID,
			Amount: amount(e.Amount),
			Status: string(e.Status),
			At:     timestamp(e.At),
		}
	}
	return dtos
}
