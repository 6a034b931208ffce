package agg

import (
	"testing"
	"time"

	"tradefeed/internal/model"
)

func trade(symbol string, price, qty float64, ts uint64, buyerInitiated bool) model.Trade {
	return model.Trade{Symbol: symbol, Price: price, Quantity: qty, TimestampMs: ts, BuyerInitiated: buyerInitiated}
}

func TestBasicAggregation(t *testing.T) {
	a := New(Config{Period: time.Second, Grace: 0})

	a.Add(trade("BTCUSDT", 100, 1, 1000, true))
	a.Add(trade("BTCUSDT", 110, 2, 1000, false))
	a.Add(trade("BTCUSDT", 120, 1, 2000, false))
	a.Add(trade("ETHUSDT", 200, 1.5, 1000, false))
	a.Add(trade("ETHUSDT", 210, 2, 2000, true))

	windows := a.Flush(time.UnixMilli(3000))
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if windows[0].Start != 1000 || windows[1].Start != 2000 {
		t.Fatalf("unexpected window order: %+v", windows)
	}

	btc1 := windows[0].Stats["BTCUSDT"]
	if btc1.TradesCount != 2 || btc1.SumQuantity != 3.0 || btc1.SumVolume != 320.0 ||
		btc1.MinPrice != 100 || btc1.MaxPrice != 110 || btc1.BuyCount != 1 || btc1.SellCount != 1 {
		t.Fatalf("unexpected BTCUSDT window 1000: %+v", btc1)
	}

	eth1 := windows[0].Stats["ETHUSDT"]
	if eth1.TradesCount != 1 || eth1.SumQuantity != 1.5 || eth1.SumVolume != 300.0 ||
		eth1.BuyCount != 1 || eth1.SellCount != 0 {
		t.Fatalf("unexpected ETHUSDT window 1000: %+v", eth1)
	}

	btc2 := windows[1].Stats["BTCUSDT"]
	if btc2.TradesCount != 1 || btc2.SumVolume != 120.0 || btc2.BuyCount != 1 || btc2.SellCount != 0 {
		t.Fatalf("unexpected BTCUSDT window 2000: %+v", btc2)
	}

	eth2 := windows[1].Stats["ETHUSDT"]
	if eth2.TradesCount != 1 || eth2.SumVolume != 420.0 || eth2.BuyCount != 0 || eth2.SellCount != 1 {
		t.Fatalf("unexpected ETHUSDT window 2000: %+v", eth2)
	}
}

func TestInvalidTradesDropped(t *testing.T) {
	a := New(Config{Period: time.Second, Grace: 0})
	a.Add(trade("BTCUSDT", 100, 1, 1000, false))
	a.Add(trade("", 100, 1, 1000, false))
	a.Add(trade("BTCUSDT", -1, 1, 1000, false))
	a.Add(trade("BTCUSDT", 100, 0, 1000, false))
	a.Add(trade("BTCUSDT", 100, 1, 0, false))

	windows := a.Flush(time.UnixMilli(5000))
	if len(windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(windows))
	}
	stats := windows[0].Stats["BTCUSDT"]
	if stats.TradesCount != 1 {
		t.Fatalf("expected only the valid trade to count, got %+v", stats)
	}
}

func TestGraceDefersFlush(t *testing.T) {
	a := New(Config{Period: time.Second, Grace: 2 * time.Second})
	a.Add(trade("BTCUSDT", 100, 1, 1000, false))

	if windows := a.Flush(time.UnixMilli(2500)); len(windows) != 0 {
		t.Fatalf("expected no windows flushed yet, got %+v", windows)
	}
	if windows := a.Flush(time.UnixMilli(4100)); len(windows) != 1 {
		t.Fatalf("expected window to flush after grace, got %d", len(windows))
	}
}

func TestUpdateConfigClearsOnPeriodChange(t *testing.T) {
	a := New(Config{Period: time.Second, Grace: 0})
	a.Add(trade("BTCUSDT", 100, 1, 1000, false))

	a.UpdateConfig(Config{Period: 2 * time.Second, Grace: 0})

	if windows := a.Flush(time.UnixMilli(10000)); len(windows) != 0 {
		t.Fatalf("expected state cleared after period change, got %+v", windows)
	}
}

func TestUpdateConfigRetainsStateWhenUnchanged(t *testing.T) {
	a := New(Config{Period: time.Second, Grace: 0})
	a.Add(trade("BTCUSDT", 100, 1, 1000, false))

	a.UpdateConfig(Config{Period: time.Second, Grace: 0})

	windows := a.Flush(time.UnixMilli(5000))
	if len(windows) != 1 {
		t.Fatalf("expected retained window, got %+v", windows)
	}
}

func TestWindowKeyIsMultipleOfPeriod(t *testing.T) {
	a := New(Config{Period: 500 * time.Millisecond, Grace: 0})
	a.Add(trade("BTCUSDT", 100, 1, 1734, false))

	windows := a.Flush(time.UnixMilli(10000))
	if len(windows) != 1 || windows[0].Start%500 != 0 {
		t.Fatalf("expected window start multiple of period, got %+v", windows)
	}
}
