package trade

import (
	"sort"

	"botfleet/internal/database"
)

// Close ordering strategies
const (
	CloseFIFO        = "fifo"
	CloseLowestEntry = "lowest_entry_first"
)

// AverageEntryPrice is the size-weighted harmonic mean of the open tranches'
// entry prices: total quote spent divided by total base acquired.
func AverageEntryPrice(tranches []*database.Tranche) float64 {
	var sizeUSD, base float64
	for _, t := range tranches {
		sizeUSD += t.SizeUSD
		base += t.BaseSize()
	}
	if base == 0 {
		return 0
	}
	return sizeUSD / base
}

// OpenSizeUSD is the total quote value committed across open tranches.
func OpenSizeUSD(tranches []*database.Tranche) float64 {
	var total float64
	for _, t := range tranches {
		total += t.SizeUSD
	}
	return total
}

// OpenBaseSize is the total base holding across open tranches.
func OpenBaseSize(tranches []*database.Tranche) float64 {
	var total float64
	for _, t := range tranches {
		total += t.BaseSize()
	}
	return total
}

// UnrealizedPnL marks the open tranches to the current price.
func UnrealizedPnL(tranches []*database.Tranche, currentPrice float64) float64 {
	var base, sizeUSD float64
	for _, t := range tranches {
		base += t.BaseSize()
		sizeUSD += t.SizeUSD
	}
	return base*currentPrice - sizeUSD
}

// RealizedPnL is the profit of exiting one tranche at exitPrice.
func RealizedPnL(t *database.Tranche, exitPrice float64) float64 {
	return (exitPrice - t.EntryPrice) * t.BaseSize()
}

// SelectForClose picks which tranches a sell exits. A partial sell closes
// exactly one tranche; closeAll takes the whole set (emergency stop,
// stop-loss, take-profit). Ordering is fifo (oldest entry first) or
// lowest_entry_first.
func SelectForClose(tranches []*database.Tranche, order string, closeAll bool) []*database.Tranche {
	if len(tranches) == 0 {
		return nil
	}

	sorted := make([]*database.Tranche, len(tranches))
	copy(sorted, tranches)
	switch order {
	case CloseLowestEntry:
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].EntryPrice < sorted[j].EntryPrice
		})
	default: // fifo
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].EntryTS.Before(sorted[j].EntryTS)
		})
	}

	if closeAll {
		return sorted
	}
	return sorted[:1]
}
