package ledger

import "context"

// Totals computes the company-wide rollup straight from snap, without
// grouping by contractor.
func Totals(snap Snapshot) TotalMetrics {
	claimed, cashedOut, processing := Zero, Zero, Zero

	for _, c := range snap.Claims {
		claimed = claimed.Add(c.Amount)
	}
	for _, w := range snap.Withdrawals {
		switch w.Status {
		case WithdrawalCompleted:
			cashedOut = cashedOut.Add(w.Amount)
		case WithdrawalPending:
			processing = processing.Add(w.Amount)
		}
	}

	return TotalMetrics{
		TotalClaimed:    claimed,
		TotalCashedOut:  cashedOut,
		TotalProcessing: processing,
		NetLiability:    claimed.Sub(cashedOut),
	}
}

// Aggregator builds the company metrics report.
type Aggregator struct {
	Store Store
}

func NewAggregator(store Store) *Aggregator {
	return &Aggregator{Store: store}
}

// Totals returns the current company-wide rollup.
func (a *Aggregator) Totals(ctx context.Context) (TotalMetrics, error) {
	snap, err := a.Store.Snapshot(ctx)
	if err != nil {
		return TotalMetrics{}, Internal("load snapshot", err)
	}
	return Totals(snap), nil
}

// Report returns totals plus every contractor's liability, both derived
// from a single snapshot so the two always agree.
func (a *Aggregator) Report(ctx context.Context) (MetricsReport, error) {
	snap, err := a.Store.Snapshot(ctx)
	if err != nil {
		return MetricsReport{}, Internal("load snapshot", err)
	}
	return MetricsReport{
		Totals:      Totals(snap),
		Contractors: AllLiabilities(snap),
	}, nil
}
