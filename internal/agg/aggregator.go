// Package agg implements the windowed per-symbol trade aggregator: a
// thread-safe accumulator that folds trades into fixed-duration windows
// keyed by the trade's own event timestamp, and defers each window's flush
// by a configurable grace period to absorb network jitter.
package agg

import (
	"math"
	"sync"
	"time"

	"tradefeed/internal/model"
)

// SymbolStats is the per-window, per-symbol accumulator. BuyCount increments
// when BuyerInitiated is false (the taker bought from a resting sell);
// SellCount when BuyerInitiated is true. This inversion mirrors the
// upstream feed's convention: the flag names the passive side, the active
// side is what gets counted.
type SymbolStats struct {
	TradesCount int64
	SumQuantity float64
	SumVolume   float64 // sum of price*quantity
	MinPrice    float64
	MaxPrice    float64
	BuyCount    int64
	SellCount   int64
}

// Config holds the two aggregator parameters that affect windowing:
// Period, the window width, and Grace, the post-window-end delay before a
// window becomes flushable.
type Config struct {
	Period time.Duration
	Grace  time.Duration
}

// windowState is the mutable per-window map of symbol to stats.
type windowState map[string]*SymbolStats

// Aggregator is the windowed accumulator described in the package doc. All
// exported methods are mutually exclusive under a single coarse lock;
// contention is negligible at realistic trade rates.
type Aggregator struct {
	mu      sync.Mutex
	cfg     Config
	windows map[int64]windowState // window-start-ms -> symbol -> stats
	order   []int64               // window-start-ms, ascending, for deterministic Flush
}

// New creates an Aggregator with the given initial configuration.
func New(cfg Config) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		windows: make(map[int64]windowState),
	}
}

// Add folds a trade into its window. Invalid trades are silently dropped
// and never affect state.
func (a *Aggregator) Add(trade model.Trade) {
	if !trade.Valid() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	periodMs := a.cfg.Period.Milliseconds()
	if periodMs <= 0 {
		return
	}
	windowStart := (int64(trade.TimestampMs) / periodMs) * periodMs

	ws, ok := a.windows[windowStart]
	if !ok {
		ws = make(windowState)
		a.windows[windowStart] = ws
		a.insertOrdered(windowStart)
	}

	stats, ok := ws[trade.Symbol]
	if !ok {
		stats = &SymbolStats{MinPrice: math.Inf(1), MaxPrice: math.Inf(-1)}
		ws[trade.Symbol] = stats
	}

	stats.TradesCount++
	stats.SumQuantity += trade.Quantity
	stats.SumVolume += trade.Price * trade.Quantity
	if trade.Price < stats.MinPrice {
		stats.MinPrice = trade.Price
	}
	if trade.Price > stats.MaxPrice {
		stats.MaxPrice = trade.Price
	}
	if trade.BuyerInitiated {
		stats.SellCount++
	} else {
		stats.BuyCount++
	}
}

// insertOrdered keeps a.order sorted ascending; callers hold a.mu.
func (a *Aggregator) insertOrdered(windowStart int64) {
	i := len(a.order)
	for i > 0 && a.order[i-1] > windowStart {
		i--
	}
	a.order = append(a.order, 0)
	copy(a.order[i+1:], a.order[i:])
	a.order[i] = windowStart
}

// Window pairs a window's start (ms since epoch) with its flushed stats.
type Window struct {
	Start int64
	Stats map[string]*SymbolStats
}

// Flush returns, in ascending window-start order, every window whose
// window-end+grace has passed relative to wall-clock now, and removes them
// from in-memory state. Windows still inside their grace period remain.
func (a *Aggregator) Flush(now time.Time) []Window {
	a.mu.Lock()
	defer a.mu.Unlock()

	periodMs := a.cfg.Period.Milliseconds()
	graceMs := a.cfg.Grace.Milliseconds()
	nowMs := now.UnixMilli()

	var flushed []Window
	var remaining []int64
	for _, start := range a.order {
		windowEnd := start + periodMs
		if windowEnd+graceMs > nowMs {
			remaining = append(remaining, start)
			continue
		}
		flushed = append(flushed, Window{Start: start, Stats: a.windows[start]})
		delete(a.windows, start)
	}
	a.order = remaining
	return flushed
}

// UpdateConfig adopts newCfg. If Period or Grace differ from the current
// configuration, all in-memory windows are discarded atomically before the
// new configuration takes effect; otherwise existing state is retained.
func (a *Aggregator) UpdateConfig(newCfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if newCfg.Period != a.cfg.Period || newCfg.Grace != a.cfg.Grace {
		a.windows = make(map[int64]windowState)
		a.order = nil
	}
	a.cfg = newCfg
}
