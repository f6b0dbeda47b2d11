package risk

import (
	"time"

	"github.com/colemarc/dexarbot/internal/domain"
)

// Rolling window sizes for the trade log and its derived metrics.
const (
	tradeLogCap     = 100
	errorRateWindow = 20
	drawdownWindow  = 10
)

// appendTrade adds a result to the capped rolling log, dropping the oldest
// entry once the cap is reached.
func appendTrade(log []domain.TradeResult, r domain.TradeResult) []domain.TradeResult {
	log = append(log, r)
	if len(log) > tradeLogCap {
		log = log[len(log)-tradeLogCap:]
	}
	return log
}

// errorRate is the failure fraction over the last errorRateWindow trades.
func errorRate(log []domain.TradeResult) float64 {
	n := len(log)
	if n == 0 {
		return 0
	}
	window := log
	if n > errorRateWindow {
		window = log[n-errorRateWindow:]
	}
	failures := 0
	for _, r := range window {
		if !r.Success {
			failures++
		}
	}
	return float64(failures) / float64(len(window))
}

// recentDrawdown is the loss implied by the last drawdownWindow trades'
// summed PnL; zero when that sum is non-negative. Trades from before
// dayStart never count, so yesterday's losses cannot survive the daily
// reset through the rolling log.
func recentDrawdown(log []domain.TradeResult, dayStart time.Time) int64 {
	n := len(log)
	window := log
	if n > drawdownWindow {
		window = log[n-drawdownWindow:]
	}
	var sum int64
	for _, r := range window {
		if r.RecordedAt.Before(dayStart) {
			continue
		}
		sum += r.ProfitTicks
	}
	if sum >= 0 {
		return 0
	}
	return -sum
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
