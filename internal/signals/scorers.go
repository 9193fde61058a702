package signals

import (
	"math"

	"botfleet/internal/exchange"
)

// scoreRSI maps RSI smoothly around the (oversold, overbought) band.
// Deep oversold approaches -1 (strong buy pressure), deep overbought +1.
func scoreRSI(candles []exchange.Candle, cfg Config) (Score, error) {
	p := cfg.RSI
	if len(candles) < p.Period+1 {
		return Score{}, ErrInsufficientData
	}

	rsi := CalculateRSI(candles, p.Period)

	mid := (p.Oversold + p.Overbought) / 2
	halfRange := (p.Overbought - p.Oversold) / 2
	if halfRange <= 0 {
		halfRange = 20
	}

	// tanh keeps the mapping smooth: the band edges land near +-0.9 and the
	// extremes saturate toward +-1 instead of clipping at the edges.
	raw := (rsi - mid) / halfRange
	value := math.Tanh(1.5 * raw)

	return Score{
		Name:   string(KindRSI),
		Value:  clamp(value, -1, 1),
		Weight: p.Weight,
		Meta: map[string]float64{
			"rsi":        rsi,
			"oversold":   p.Oversold,
			"overbought": p.Overbought,
		},
	}, nil
}

// scoreMACross scores the signed fast/slow EMA distance normalized by ATR.
// Fast below slow is buy pressure (negative), fast above slow sell pressure.
func scoreMACross(candles []exchange.Candle, cfg Config) (Score, error) {
	p := cfg.MACross
	need := p.SlowPeriod
	if p.ATRPeriod+1 > need {
		need = p.ATRPeriod + 1
	}
	if len(candles) < need {
		return Score{}, ErrInsufficientData
	}

	fastEMA := CalculateEMA(candles, p.FastPeriod)
	slowEMA := CalculateEMA(candles, p.SlowPeriod)
	atr := CalculateATR(candles, p.ATRPeriod)

	last := candles[len(candles)-1].Close
	if atr <= 0 {
		// Flat series; fall back to a fraction of price so the score stays defined
		atr = last * 0.001
	}

	value := math.Tanh((fastEMA - slowEMA) / (2 * atr))

	return Score{
		Name:   string(KindMACross),
		Value:  clamp(value, -1, 1),
		Weight: p.Weight,
		Meta: map[string]float64{
			"fast_ema": fastEMA,
			"slow_ema": slowEMA,
			"atr":      atr,
		},
	}, nil
}

// scoreMACD blends the MACD/signal-line distance with the histogram's
// direction, both ATR-normalized.
func scoreMACD(candles []exchange.Candle, cfg Config) (Score, error) {
	p := cfg.MACD
	if len(candles) < p.SlowPeriod+p.SignalPeriod {
		return Score{}, ErrInsufficientData
	}

	macd := CalculateMACD(candles, p.FastPeriod, p.SlowPeriod, p.SignalPeriod)
	atr := CalculateATR(candles, p.SlowPeriod/2)

	last := candles[len(candles)-1].Close
	if atr <= 0 {
		atr = last * 0.001
	}

	lineScore := math.Tanh((macd.MACD - macd.Signal) / atr)
	histScore := math.Tanh(macd.Histogram / atr)
	value := 0.7*lineScore + 0.3*histScore

	return Score{
		Name:   string(KindMACD),
		Value:  clamp(value, -1, 1),
		Weight: p.Weight,
		Meta: map[string]float64{
			"macd":      macd.MACD,
			"signal":    macd.Signal,
			"histogram": macd.Histogram,
		},
	}, nil
}
