// Package writer implements the periodic writer: a timer-driven task that
// drains flushed windows from the aggregator to a rotating append-only
// log, with an optional console echo and an optional best-effort Redis
// mirror for live dashboards.
package writer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"tradefeed/internal/agg"

	goredis "github.com/go-redis/redis/v8"
)

const defaultLatestTTL = 5 * time.Minute

// Config holds the writer's tunables, all sourced from the output.*
// configuration keys.
type Config struct {
	Filename      string
	MaxFileMB     int64
	MaxFiles      int
	ConsoleReport bool
	Period        time.Duration

	// RedisAddr, if non-empty, enables the best-effort window mirror.
	RedisAddr     string
	RedisPassword string
}

// Writer drains the aggregator on a fixed period and appends serialized
// windows to the configured log file.
type Writer struct {
	cfg    Config
	agg    *agg.Aggregator
	logger *slog.Logger
	redis  *goredis.Client

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Writer. If cfg.RedisAddr is set, a Redis client is created
// eagerly; it connects lazily, so creation does not block. Mirror failures
// are logged and dropped.
func New(cfg Config, aggregator *agg.Aggregator, logger *slog.Logger) *Writer {
	w := &Writer{
		cfg:    cfg,
		agg:    aggregator,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if cfg.RedisAddr != "" {
		w.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	}
	return w
}

// Run sleeps cfg.Period, flushes the aggregator, and appends any returned
// windows to the log. It blocks until ctx is cancelled or Stop is called.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.flushOnce(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to finish. Safe to call once.
func (w *Writer) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Close releases the Redis client, if one was created.
func (w *Writer) Close() error {
	if w.redis != nil {
		return w.redis.Close()
	}
	return nil
}

// Redis returns the writer's mirror client, or nil if no redis_addr was
// configured. Exposed for health-check liveness probing.
func (w *Writer) Redis() *goredis.Client {
	return w.redis
}

func (w *Writer) flushOnce(ctx context.Context) {
	windows := w.agg.Flush(time.Now().UTC())
	if len(windows) == 0 {
		return
	}

	maxBytes := w.cfg.MaxFileMB * 1024 * 1024
	if err := rotateIfNeeded(w.cfg.Filename, maxBytes, w.cfg.MaxFiles); err != nil {
		w.logger.Error("log rotation failed", "err", err)
	}

	f, err := os.OpenFile(w.cfg.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Error("failed to open output file, batch dropped", "file", w.cfg.Filename, "err", err)
		return
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, win := range windows {
		line := formatWindow(win)
		bw.WriteString(line)
		if w.cfg.ConsoleReport {
			fmt.Print(line)
		}
	}
	if err := bw.Flush(); err != nil {
		w.logger.Error("writer flush failed", "err", err)
		return
	}
	if w.redis != nil {
		for _, win := range windows {
			w.mirror(ctx, win)
		}
	}
}

func formatWindow(win agg.Window) string {
	var b strings.Builder
	fmt.Fprintf(&b, "timestamp=%sZ\n", time.UnixMilli(win.Start).UTC().Format("2006-01-02T15:04:05"))
	for symbol, s := range win.Stats {
		fmt.Fprintf(&b, "symbol=%s trades=%d volume=%.5f quantity=%.5f min=%.2f max=%.2f buy=%d sell=%d\n",
			symbol, s.TradesCount, s.SumVolume, s.SumQuantity, s.MinPrice, s.MaxPrice, s.BuyCount, s.SellCount)
	}
	return b.String()
}

// mirror publishes win to a per-symbol channel and sets the per-symbol
// "latest" key, pipelined in a single round trip. Best-effort: failures
// are logged, never retried, and never block the caller beyond the pipe's
// own round trip.
func (w *Writer) mirror(ctx context.Context, win agg.Window) {
	pipe := w.redis.Pipeline()
	for symbol, s := range win.Stats {
		payload, err := json.Marshal(struct {
			WindowStart int64   `json:"window_start"`
			Symbol      string  `json:"symbol"`
			Trades      int64   `json:"trades"`
			Volume      float64 `json:"volume"`
			Quantity    float64 `json:"quantity"`
			Min         float64 `json:"min"`
			Max         float64 `json:"max"`
			Buy         int64   `json:"buy"`
			Sell        int64   `json:"sell"`
		}{win.Start, symbol, s.TradesCount, s.SumVolume, s.SumQuantity, s.MinPrice, s.MaxPrice, s.BuyCount, s.SellCount})
		if err != nil {
			continue
		}
		pipe.Publish(ctx, "tradefeed:windows:"+symbol, payload)
		pipe.Set(ctx, "tradefeed:latest:"+symbol, payload, defaultLatestTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Warn("redis mirror pipeline failed", "err", err)
	}
}
