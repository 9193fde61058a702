package api

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"botfleet/internal/database"
	"botfleet/internal/signals"
)

func validBot() *database.Bot {
	return &database.Bot{
		Name:            "btc-momentum",
		Pair:            "BTC-USD",
		PositionSizeUSD: 100,
		MaxPositions:    4,
		StopLossPct:     5,
		TakeProfitPct:   10,
		CooldownMinutes: 15,
		SignalConfig:    signals.DefaultConfig(),
	}
}

func TestValidateBot(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*database.Bot)
		wantErr bool
	}{
		{"valid", func(*database.Bot) {}, false},
		{"missing name", func(b *database.Bot) { b.Name = "" }, true},
		{"missing pair", func(b *database.Bot) { b.Pair = "" }, true},
		{"zero size", func(b *database.Bot) { b.PositionSizeUSD = 0 }, true},
		{"zero max positions", func(b *database.Bot) { b.MaxPositions = 0 }, true},
		{"negative stop loss", func(b *database.Bot) { b.StopLossPct = -1 }, true},
		{"zero stop loss", func(b *database.Bot) { b.StopLossPct = 0 }, true},
		{"zero take profit", func(b *database.Bot) { b.TakeProfitPct = 0 }, true},
		{"negative cooldown", func(b *database.Bot) { b.CooldownMinutes = -5 }, true},
		{"overweight signals", func(b *database.Bot) { b.SignalConfig.RSI.Weight = 2 }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bot := validBot()
			tc.mutate(bot)
			err := validateBot(bot)
			if tc.wantErr && err == nil {
				t.Error("expected a validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNormalizeSignalConfigKeepsPartialInput(t *testing.T) {
	// An omitted config gets the balanced defaults.
	if got := normalizeSignalConfig(signals.Config{}); got != signals.DefaultConfig() {
		t.Errorf("empty config normalized to %+v, want defaults", got)
	}

	// A partial config keeps the caller's choices; only the missing
	// granularity is filled.
	partial := signals.Config{
		RSI:           signals.RSIParams{Enabled: true, Weight: 0.6, Period: 7, Oversold: 25, Overbought: 75},
		BuyThreshold:  -0.4,
		SellThreshold: 0.4,
	}
	got := normalizeSignalConfig(partial)
	if got.RSI.Weight != 0.6 || got.RSI.Period != 7 {
		t.Errorf("rsi params changed: %+v", got.RSI)
	}
	if got.MACD.Enabled || got.MACross.Enabled {
		t.Error("signals the caller left disabled must stay disabled")
	}
	if got.BuyThreshold != -0.4 || got.SellThreshold != 0.4 {
		t.Errorf("thresholds changed: buy %.2f sell %.2f", got.BuyThreshold, got.SellThreshold)
	}
	if got.GranularitySec != 300 {
		t.Errorf("granularity %d, want the 300s default", got.GranularitySec)
	}
}

func TestPaginationDefaultsAndBounds(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 50, 0},
		{"?limit=20&offset=40", 20, 40},
		{"?limit=-1", 50, 0},
		{"?limit=9999", 50, 0},
		{"?offset=-3", 50, 0},
	}

	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/api/trades"+tc.query, nil)

		limit, offset := pagination(c)
		if limit != tc.wantLimit || offset != tc.wantOffset {
			t.Errorf("pagination(%q) = (%d, %d), want (%d, %d)", tc.query, limit, offset, tc.wantLimit, tc.wantOffset)
		}
	}
}
