package signals

import (
	"math"

	"botfleet/internal/exchange"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// CalculateSMA calculates the Simple Moving Average over the last period closes.
func CalculateSMA(candles []exchange.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

// CalculateEMA calculates the Exponential Moving Average, seeded with the SMA
// of the first period closes.
func CalculateEMA(candles []exchange.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}

	ema := CalculateSMA(candles[:period], period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close * multiplier) + (ema * (1 - multiplier))
	}
	return ema
}

// emaOver runs an EMA over an arbitrary value series, SMA-seeded.
func emaOver(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return 0
	}

	seed := 0.0
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	ema := seed / float64(period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(values); i++ {
		ema = (values[i] * multiplier) + (ema * (1 - multiplier))
	}
	return ema
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// CalculateRSI calculates the Relative Strength Index over the last period
// price changes. Needs period+1 candles.
func CalculateRSI(candles []exchange.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 50.0 // Neutral
	}

	gains := 0.0
	losses := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDResult holds the MACD line, its signal line and the histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// CalculateMACD computes the MACD line as fastEMA - slowEMA at each bar and
// the signal line as an EMA over that MACD series. Needs at least
// slowPeriod + signalPeriod candles.
func CalculateMACD(candles []exchange.Candle, fastPeriod, slowPeriod, signalPeriod int) *MACDResult {
	if len(candles) < slowPeriod+signalPeriod {
		return &MACDResult{}
	}

	macdSeries := make([]float64, 0, len(candles)-slowPeriod+1)
	for i := slowPeriod; i <= len(candles); i++ {
		window := candles[:i]
		macdSeries = append(macdSeries, CalculateEMA(window, fastPeriod)-CalculateEMA(window, slowPeriod))
	}

	macdLine := macdSeries[len(macdSeries)-1]
	signalLine := emaOver(macdSeries, signalPeriod)

	return &MACDResult{
		MACD:      macdLine,
		Signal:    signalLine,
		Histogram: macdLine - signalLine,
	}
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// CalculateATR calculates the Average True Range. Needs period+1 candles.
func CalculateATR(candles []exchange.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}

	trSum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		high := candles[i].High
		low := candles[i].Low
		prevClose := candles[i-1].Close

		tr := math.Max(
			high-low,
			math.Max(
				math.Abs(high-prevClose),
				math.Abs(low-prevClose),
			),
		)
		trSum += tr
	}
	return trSum / float64(period)
}
