package escrow

import "context"

// Stats aggregates transaction activity for dashboards.
type Stats struct {
	TotalTransactions     int                `json:"totalTransactions"`
	ActiveTransactions    int                `json:"activeTransactions"`
	CompletedTransactions int                `json:"completedTransactions"`
	DisputedTransactions  int                `json:"disputedTransactions"`
	RefundedTransactions  int                `json:"refundedTransactions"`
	TotalVolume           float64            `json:"totalVolume"`
	FeesCollected         float64            `json:"feesCollected"`
	AverageAmount         float64            `json:"averageAmount"`
	ByStatus              map[Status]int     `json:"byStatus"`
}

// StatsQuerier is the subset of the store analytics needs. Both the memory
// and PostgreSQL stores satisfy it.
type StatsQuerier interface {
	QueryForStats(ctx context.Context, limit int) ([]*Transaction, error)
}

// statsSampleLimit bounds how many recent transactions feed one Stats call.
const statsSampleLimit = 10000

// ComputeStats summarizes recent transactions. Fees only count toward
// FeesCollected once a transaction reaches a terminal state.
func ComputeStats(ctx context.Context, q StatsQuerier) (*Stats, error) {
	txns, err := q.QueryForStats(ctx, statsSampleLimit)
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByStatus: make(map[Status]int)}
	for _, t := range txns {
		stats.TotalTransactions++
		stats.ByStatus[t.Status]++
		stats.TotalVolume += t.Amount

		switch t.Status {
		case StatusCompleted:
			stats.CompletedTransactions++
			stats.FeesCollected += t.Fees.TotalFee
		case StatusRefunded:
			stats.RefundedTransactions++
			stats.FeesCollected += t.Fees.TotalFee
		case StatusDisputed:
			stats.DisputedTransactions++
		default:
			stats.ActiveTransactions++
		}
	}
	if stats.TotalTransactions > 0 {
		stats.AverageAmount = stats.TotalVolume / float64(stats.TotalTransactions)
	}

	return stats, nil
}
