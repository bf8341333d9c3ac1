/*
Package ledger provides the contractor liability engine.

PURPOSE:
  Tracks what the company owes independent contractors. Contractors claim
  pay (accrual) and later cash it out (withdrawal). The engine records both
  as append-only events and derives every balance by replaying them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amount in the ledger's single unit of account (USD)
  - Claim: An immutable accrual record
  - Withdrawal: A cash-out request with a pending → completed lifecycle
  - ContractorLiability / TotalMetrics: Derived views, never stored

DESIGN PRINCIPLES:
  1. Immutability: Claims never change; withdrawals change exactly once
  2. Precision: decimal.Decimal restricted to cents, no float drift
  3. Type Safety: Distinct ID types for contractors, claims, withdrawals
  4. Derivation: No cached balance; every read replays the log

USAGE:
  mem := store.NewMemory(nil)
  claims := ledger.NewClaimProcessor(mem, ledger.DefaultMaxClaimAmount, nil, nil)
  claim, err := claims.Submit(ctx, ledger.ClaimInput{
      ContractorID: "contractor@example.com",
      Amount:       ledger.MustParseMoney("1500"),
  })

SEE ALSO:
  - store.go: Store contract (append-only + idempotent completion)
  - claim.go, withdrawal.go: The only writers
  - liability.go, metrics.go: Read-only derived views
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Exact decimal with cent precision
// =============================================================================

// MoneyScale is the number of decimal places an amount may carry.
const MoneyScale = 2

// Money is an exact decimal amount in the ledger's unit of account.
type Money = decimal.Decimal

// Zero is the zero amount.
var Zero = decimal.Zero

func NewMoneyFromCents(cents int64) Money { return decimal.New(cents, -MoneyScale) }
func NewMoneyFromInt(units int64) Money   { return decimal.NewFromInt(units) }

// ParseMoney parses a decimal string such as "1500" or "12.34".
func ParseMoney(s string) (Money, error) {
	return decimal.NewFromString(s)
}

// MustParseMoney is ParseMoney for constants and tests. Panics on bad input.
func MustParseMoney(s string) Money {
	return decimal.RequireFromString(s)
}

// MaxIntegerDigits bounds the integer part of any amount a caller submits.
// It fits NUMERIC(20,2) with room to sum many amounts.
const MaxIntegerDigits = 15

// maxExponentMagnitude keeps the scale of an accepted value small enough
// that rescaling it is cheap. "1.500000" is fine; "1e-40" is not.
const maxExponentMagnitude = 18

// InRange reports whether m is small enough to do arithmetic on: its
// coefficient fits in an int64, its exponent is bounded and its integer
// part has at most MaxIntegerDigits digits. It never rescales m.
func InRange(m Money) bool {
	exp := int(m.Exponent())
	if exp > MaxIntegerDigits || exp < -maxExponentMagnitude {
		return false
	}
	if !m.Coefficient().IsInt64() {
		return false
	}
	return m.NumDigits()+exp <= MaxIntegerDigits
}

// HasCentPrecision reports whether m has no more than MoneyScale decimals.
func HasCentPrecision(m Money) bool {
	return m.Equal(m.Truncate(MoneyScale))
}

// FormatMoney renders m with exactly two decimals.
func FormatMoney(m Money) string { return m.StringFixed(MoneyScale) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ContractorID is the opaque identity of a claiming party (e-mail or account id).
type ContractorID string

type ClaimID string
type WithdrawalID string

// =============================================================================
// CLAIM - Immutable accrual
// =============================================================================

type Claim struct {
	ID           ClaimID
	ContractorID ContractorID
	Amount       Money

	// RequesterRef is an optional opaque reference supplied by the caller
	// (for example the account id behind an e-mail).
	RequesterRef string

	CreatedAt time.Time
}

// =============================================================================
// WITHDRAWAL - Cash-out with lifecycle
// =============================================================================

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"   // Admitted, awaiting settlement
	WithdrawalCompleted WithdrawalStatus = "completed" // Settled; immutable from here on
)

type Withdrawal struct {
	ID           WithdrawalID
	ContractorID ContractorID
	Amount       Money
	Status       WithdrawalStatus
	CreatedAt    time.Time

	// CompletedAt is set iff Status == WithdrawalCompleted.
	CompletedAt *time.Time
}

func (w Withdrawal) IsPending() bool   { return w.Status == WithdrawalPending }
func (w Withdrawal) IsCompleted() bool { return w.Status == WithdrawalCompleted }

// =============================================================================
// DERIVED VIEWS
// =============================================================================

// ContractorLiability is what the company owes one contractor.
//
// A pending withdrawal already counts as spent:
//
//	AvailableToWithdraw = TotalClaimed - TotalCashedOut - TotalPending
//
// When a withdrawal completes it moves from TotalPending to TotalCashedOut,
// so AvailableToWithdraw does not change at completion.
type ContractorLiability struct {
	ContractorID        ContractorID
	TotalClaimed        Money
	TotalCashedOut      Money
	TotalPending        Money
	AvailableToWithdraw Money
}

// Outstanding is the liability still owed: claimed minus completed cash-outs.
func (l ContractorLiability) Outstanding() Money {
	return l.TotalClaimed.Sub(l.TotalCashedOut)
}

// TotalMetrics is the company-wide rollup.
type TotalMetrics struct {
	TotalClaimed    Money
	TotalCashedOut  Money
	TotalProcessing Money
	NetLiability    Money
}

// MetricsReport pairs the totals with every known contractor's liability.
// Both halves come from the same snapshot.
type MetricsReport struct {
	Totals      TotalMetrics
	Contractors []ContractorLiability
}

// =============================================================================
// ACTIVITY - Per-contractor event feed
// =============================================================================

type ActivityKind string

const (
	ActivityClaim      ActivityKind = "claim"
	ActivityWithdrawal ActivityKind = "withdrawal"
)

type ActivityEvent struct {
	Kind   ActivityKind
	ID     string
	Amount Money
	Status WithdrawalStatus // empty for claims
	At     time.Time
}
