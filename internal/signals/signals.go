// Package signals holds the pure scoring functions that turn a candle
// series into bounded opinions in [-1, +1]. Negative means buy pressure,
// positive means sell pressure, so the composite's sign lines up with the
// bot's action thresholds directly.
package signals

import (
	"errors"
	"fmt"

	"botfleet/internal/exchange"
)

// ErrInsufficientData means the series is too short for the indicator.
// The evaluator omits the signal and re-normalizes the remaining weights.
var ErrInsufficientData = errors.New("insufficient candle data")

// Kind names an indicator family.
type Kind string

const (
	KindRSI     Kind = "rsi"
	KindMACross Kind = "ma_cross"
	KindMACD    Kind = "macd"
)

// Score is one signal's bounded opinion with audit metadata.
type Score struct {
	Name   string             `json:"name"`
	Value  float64            `json:"score"`
	Weight float64            `json:"weight"`
	Meta   map[string]float64 `json:"metadata,omitempty"`
}

// RSIParams configures the RSI scorer.
type RSIParams struct {
	Enabled    bool    `json:"enabled"`
	Weight     float64 `json:"weight"`
	Period     int     `json:"period"`
	Oversold   float64 `json:"oversold"`
	Overbought float64 `json:"overbought"`
}

// MAParams configures the EMA-cross scorer.
type MAParams struct {
	Enabled    bool    `json:"enabled"`
	Weight     float64 `json:"weight"`
	FastPeriod int     `json:"fast_period"`
	SlowPeriod int     `json:"slow_period"`
	ATRPeriod  int     `json:"atr_period"`
}

// MACDParams configures the MACD scorer.
type MACDParams struct {
	Enabled      bool    `json:"enabled"`
	Weight       float64 `json:"weight"`
	FastPeriod   int     `json:"fast_period"`
	SlowPeriod   int     `json:"slow_period"`
	SignalPeriod int     `json:"signal_period"`
}

// Config is a bot's full signal configuration, stored as JSON on the bot row.
type Config struct {
	RSI     RSIParams  `json:"rsi"`
	MACross MAParams   `json:"ma_cross"`
	MACD    MACDParams `json:"macd"`

	BuyThreshold   float64 `json:"buy_threshold"`  // composite <= this => buy candidate
	SellThreshold  float64 `json:"sell_threshold"` // composite >= this => sell candidate
	GranularitySec int     `json:"granularity_sec"`

	ConfirmationMinutes int `json:"confirmation_minutes"`
}

// DefaultConfig returns a balanced three-signal configuration.
func DefaultConfig() Config {
	return Config{
		RSI:     RSIParams{Enabled: true, Weight: 0.4, Period: 14, Oversold: 30, Overbought: 70},
		MACross: MAParams{Enabled: true, Weight: 0.35, FastPeriod: 12, SlowPeriod: 26, ATRPeriod: 14},
		MACD:    MACDParams{Enabled: true, Weight: 0.25, FastPeriod: 12, SlowPeriod: 26, SignalPeriod: 9},

		BuyThreshold:        -0.3,
		SellThreshold:       0.3,
		GranularitySec:      300,
		ConfirmationMinutes: 2,
	}
}

// Validate enforces the bot-level signal invariants.
func (c Config) Validate() error {
	sum := 0.0
	if c.RSI.Enabled {
		sum += c.RSI.Weight
	}
	if c.MACross.Enabled {
		sum += c.MACross.Weight
	}
	if c.MACD.Enabled {
		sum += c.MACD.Weight
	}
	if sum > 1.0+1e-9 {
		return fmt.Errorf("enabled signal weights sum to %.3f, must be <= 1.0", sum)
	}
	if c.BuyThreshold > 0 {
		return fmt.Errorf("buy_threshold must be <= 0, got %.3f", c.BuyThreshold)
	}
	if c.SellThreshold < 0 {
		return fmt.Errorf("sell_threshold must be >= 0, got %.3f", c.SellThreshold)
	}
	return nil
}

// Enabled lists the configured signal kinds in stable order.
func (c Config) Enabled() []Kind {
	var kinds []Kind
	if c.RSI.Enabled {
		kinds = append(kinds, KindRSI)
	}
	if c.MACross.Enabled {
		kinds = append(kinds, KindMACross)
	}
	if c.MACD.Enabled {
		kinds = append(kinds, KindMACD)
	}
	return kinds
}

// WeightFor returns the configured weight for a kind.
func (c Config) WeightFor(kind Kind) float64 {
	switch kind {
	case KindRSI:
		return c.RSI.Weight
	case KindMACross:
		return c.MACross.Weight
	case KindMACD:
		return c.MACD.Weight
	default:
		return 0
	}
}

// RequiredPeriods returns the candle count needed so every enabled signal
// has enough history. The slow MACD path needs slow+signal periods; a small
// margin keeps EMA seeding stable.
func (c Config) RequiredPeriods() int {
	need := 0
	if c.RSI.Enabled && c.RSI.Period+1 > need {
		need = c.RSI.Period + 1
	}
	if c.MACross.Enabled {
		if c.MACross.SlowPeriod > need {
			need = c.MACross.SlowPeriod
		}
		if c.MACross.ATRPeriod+1 > need {
			need = c.MACross.ATRPeriod + 1
		}
	}
	if c.MACD.Enabled && c.MACD.SlowPeriod+c.MACD.SignalPeriod > need {
		need = c.MACD.SlowPeriod + c.MACD.SignalPeriod
	}
	return need + 10
}

type computeFn func([]exchange.Candle, Config) (Score, error)

// registry dispatches kind to its pure compute function.
var registry = map[Kind]computeFn{
	KindRSI:     scoreRSI,
	KindMACross: scoreMACross,
	KindMACD:    scoreMACD,
}

// Compute runs one signal over the series. ErrInsufficientData means the
// signal must be omitted, not zeroed.
func Compute(kind Kind, candles []exchange.Candle, cfg Config) (Score, error) {
	fn, ok := registry[kind]
	if !ok {
		return Score{}, fmt.Errorf("unknown signal kind %q", kind)
	}
	return fn(candles, cfg)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
