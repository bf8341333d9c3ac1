// Package store provides Store implementations.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/contractor-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (default backend)
// =============================================================================

// Memory keeps both collections in process memory. All writes, and every
// WithTx unit, hold the single write lock; readers share the read lock.
type Memory struct {
	mu          sync.RWMutex
	ids         ledger.IDSource
	claims      []ledger.Claim
	withdrawals []ledger.Withdrawal
	index       map[ledger.WithdrawalID]int
}

// NewMemory creates an empty store. A nil ids uses a fresh ledger.Sequence.
func NewMemory(ids ledger.IDSource) *Memory {
	if ids == nil {
		ids = ledger.NewSequence()
	}
	return &Memory{
		ids:   ids,
		index: make(map[ledger.WithdrawalID]int),
	}
}

func (m *Memory) AppendClaim(_ context.Context, c ledger.Claim) (ledger.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendClaimLocked(c), nil
}

func (m *Memory) AppendWithdrawal(_ context.Context, w ledger.Withdrawal) (ledger.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendWithdrawalLocked(w), nil
}

func (m *Memory) MarkWithdrawalCompleted(_ context.Context, id ledger.WithdrawalID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeLocked(id, at), nil
}

func (m *Memory) Withdrawal(_ context.Context, id ledger.WithdrawalID) (ledger.Withdrawal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.withdrawalLocked(id)
	return w, ok, nil
}

func (m *Memory) Snapshot(_ context.Context) (ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(), nil
}

func (m *Memory) ContractorSnapshot(_ context.Context, contractorID ledger.ContractorID) (ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contractorSnapshotLocked(contractorID), nil
}

// =============================================================================
// LOCKED HELPERS - Caller holds m.mu
// =============================================================================

func (m *Memory) appendClaimLocked(c ledger.Claim) ledger.Claim {
	c.ID = ledger.ClaimID(m.ids.NextID(ledger.KindClaim))
	m.claims = append(m.claims, c)
	return c
}

func (m *Memory) appendWithdrawalLocked(w ledger.Withdrawal) ledger.Withdrawal {
	w.ID = ledger.WithdrawalID(m.ids.NextID(ledger.KindWithdrawal))
	if w.Status == "" {
		w.Status = ledger.WithdrawalPending
	}
	w.CompletedAt = copyTime(w.CompletedAt)
	m.index[w.ID] = len(m.withdrawals)
	m.withdrawals = append(m.withdrawals, w)
	return copyWithdrawal(w)
}

func (m *Memory) completeLocked(id ledger.WithdrawalID, at time.Time) bool {
	i, ok := m.index[id]
	if !ok {
		return false
	}
	w := &m.withdrawals[i]
	if w.Status == ledger.WithdrawalCompleted {
		return false
	}
	w.Status = ledger.WithdrawalCompleted
	w.CompletedAt = &at
	return true
}

func (m *Memory) withdrawalLocked(id ledger.WithdrawalID) (ledger.Withdrawal, bool) {
	i, ok := m.index[id]
	if !ok {
		return ledger.Withdrawal{}, false
	}
	return copyWithdrawal(m.withdrawals[i]), true
}

func (m *Memory) snapshotLocked() ledger.Snapshot {
	snap := ledger.Snapshot{
		Claims:      make([]ledger.Claim, len(m.claims)),
		Withdrawals: make([]ledger.Withdrawal, len(m.withdrawals)),
	}
	copy(snap.Claims, m.claims)
	for i, w := range m.withdrawals {
		snap.Withdrawals[i] = copyWithdrawal(w)
	}
	return snap
}

func (m *Memory) contractorSnapshotLocked(contractorID ledger.ContractorID) ledger.Snapshot {
	var snap ledger.Snapshot
	for _, c := range m.claims {
		if c.ContractorID == contractorID {
			snap.Claims = append(snap.Claims, c)
		}
	}
	for _, w := range m.withdrawals {
		if w.ContractorID == contractorID {
			snap.Withdrawals = append(snap.Withdrawals, copyWithdrawal(w))
		}
	}
	return snap
}

func copyWithdrawal(w ledger.Withdrawal) ledger.Withdrawal {
	w.CompletedAt = copyTime(w.CompletedAt)
	return w
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn with the write lock held.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.save()
	if err := fn(&memoryView{parent: m}); err != nil {
		m.restore(saved)
		return err
	}
	return nil
}

type memoryState struct {
	claims      []ledger.Claim
	withdrawals []ledger.Withdrawal
	index       map[ledger.WithdrawalID]int
}

func (m *Memory) save() memoryState {
	s := memoryState{
		claims:      append([]ledger.Claim(nil), m.claims...),
		withdrawals: make([]ledger.Withdrawal, len(m.withdrawals)),
		index:       make(map[ledger.WithdrawalID]int, len(m.index)),
	}
	for i, w := range m.withdrawals {
		s.withdrawals[i] = copyWithdrawal(w)
	}
	for k, v := range m.index {
		s.index[k] = v
	}
	return s
}

func (m *Memory) restore(s memoryState) {
	m.claims = s.claims
	m.withdrawals = s.withdrawals
	m.index = s.index
}

// memoryView is the Store handed to WithTx callbacks. The parent's write
// lock is already held, so it must not lock again.
type memoryView struct {
	parent *Memory
}

func (v *memoryView) AppendClaim(_ context.Context, c ledger.Claim) (ledger.Claim, error) {
	return v.parent.appendClaimLocked(c), nil
}

func (v *memoryView) AppendWithdrawal(_ context.Context, w ledger.Withdrawal) (ledger.Withdrawal, error) {
	return v.parent.appendWithdrawalLocked(w), nil
}

func (v *memoryView) MarkWithdrawalCompleted(_ context.Context, id ledger.WithdrawalID, at time.Time) (bool, error) {
	return v.parent.completeLocked(id, at), nil
}

func (v *memoryView) Withdrawal(_ context.Context, id ledger.WithdrawalID) (ledger.Withdrawal, bool, error) {
	w, ok := v.parent.withdrawalLocked(id)
	return w, ok, nil
}

func (v *memoryView) Snapshot(_ context.Context) (ledger.Snapshot, error) {
	return v.parent.snapshotLocked(), nil
}

func (v *memoryView) ContractorSnapshot(_ context.Context, contractorID ledger.ContractorID) (ledger.Snapshot, error) {
	return v.parent.contractorSnapshotLocked(contractorID), nil
}

// WithTx on a view joins the enclosing unit.
func (v *memoryView) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return fn(v)
}
