package detector

import "github.com/colemarc/dexarbot/internal/domain"

// CostEstimator prices the overhead of executing an opportunity. The linear
// defaults are policy placeholders, not validated market-impact models; swap
// the implementation when a real one exists.
type CostEstimator interface {
	// GasCostTicks estimates the total gas cost of a two-leg settlement, in
	// quote-token ticks.
	GasCostTicks() int64
	// SlippageCostTicks estimates execution price degradation for the given
	// volume against the given notional, in quote-token ticks.
	SlippageCostTicks(volumeTicks, notionalTicks int64) int64
}

// LinearCosts is the default estimator: a flat gas estimate plus slippage
// that grows linearly with volume, capped at a fraction of notional.
type LinearCosts struct {
	// GasTicks is the flat per-trade gas estimate.
	GasTicks int64
	// SlippageRate is the per-unit slippage factor (0.001 == 10 bps per
	// whole unit of volume).
	SlippageRate float64
	// SlippageCapPct caps slippage at this fraction of notional (0.05 == 5%).
	SlippageCapPct float64
}

// DefaultCosts returns the placeholder linear model with the historical
// constants: slippage = volume x 0.001, capped at 5% of notional.
func DefaultCosts(gasTicks int64) LinearCosts {
	return LinearCosts{
		GasTicks:       gasTicks,
		SlippageRate:   0.001,
		SlippageCapPct: 0.05,
	}
}

func (c LinearCosts) GasCostTicks() int64 {
	return c.GasTicks
}

func (c LinearCosts) SlippageCostTicks(volumeTicks, notionalTicks int64) int64 {
	slip := int64(float64(notionalTicks) * c.SlippageRate * domain.Display(volumeTicks))
	cap := int64(float64(notionalTicks) * c.SlippageCapPct)
	if slip > cap {
		slip = cap
	}
	if slip < 0 {
		slip = 0
	}
	return slip
}

// Compile-time interface check.
var _ CostEstimator = LinearCosts{}
