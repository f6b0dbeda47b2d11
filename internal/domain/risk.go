package domain

import "time"

// RiskAssessment is the outcome of a risk gate evaluation. It is a pure
// value: "not safe" is data the caller branches on, never an error.
type RiskAssessment struct {
	Safe     bool
	Approved bool
	Reason   string

	// RiskScore is always clamped to [0,1]; higher is riskier.
	RiskScore float64

	MaxExposureTicks     int64
	GasLimit             uint64
	SlippageToleranceBps float64
}

// RiskMetrics is the rolling, process-lifetime view of trading health.
// Derived from the last 100 recorded trade results and reset daily.
type RiskMetrics struct {
	TotalExposureTicks int64
	DailyPnLTicks      int64
	MaxDrawdownTicks   int64
	ConsecutiveLosses  int
	ErrorRate          float64
	LastEmergencyStop  time.Time
}

// TradeResult is a single entry of the risk gate's rolling trade log.
type TradeResult struct {
	ProfitTicks int64
	Success     bool
	CostTicks   int64
	RecordedAt  time.Time
}

// RiskSignalKind tags an out-of-band signal raised by the risk gate.
type RiskSignalKind string

const (
	SignalThresholdExceeded RiskSignalKind = "threshold_exceeded"
	SignalEmergencyStop     RiskSignalKind = "emergency_stop"
)

// RiskSignal is an edge-triggered breach notification for the orchestrator.
type RiskSignal struct {
	Kind     RiskSignalKind
	Reason   string
	RaisedAt time.Time
}
