package domain

import "time"

// SettlementReceipt is what the on-chain vault returns for a settled
// arbitrage. Raw carries the settlement-side payload for profit extraction.
type SettlementReceipt struct {
	Ref           string
	CostPaidTicks int64
	GasUsed       uint64
	Raw           []byte
}

// ExecutionResult is produced exactly once per executed opportunity. Failed
// executions are results, not errors; they feed back into the risk metrics
// the same way successes do.
type ExecutionResult struct {
	OpportunityID string
	Success       bool
	// Submitted reports whether the settlement collaborator was actually
	// invoked; pre-flight rejections leave it false and do not count
	// against the rolling error rate.
	Submitted     bool
	SettlementRef string

	ActualProfitTicks int64
	CostPaidTicks     int64
	Duration          time.Duration

	// Error is the short human-readable failure reason, empty on success.
	Error string

	ExecutedAt time.Time
}

// EngineStatus is the summary returned by the get-status command.
type EngineStatus struct {
	Running       bool                       `json:"running"`
	Paused        bool                       `json:"paused"`
	EmergencyStop bool                       `json:"emergency_stop"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Feeds         map[string]string          `json:"feeds"`
	Metrics       RiskMetrics                `json:"-"`
	DailyPnL      float64                    `json:"daily_pnl"`
	ErrorRate     float64                    `json:"error_rate"`
}
