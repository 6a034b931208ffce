// Package config loads application configuration from a JSON document
// (which also accepts a set of legacy flat-key aliases kept for backward
// compatibility), applies "--section-key=value" command-line overrides on
// top, and validates the result.
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"
)

// WebSocketConfig configures the upstream connection.
type WebSocketConfig struct {
	Host                string `json:"host"`
	Port                string `json:"port"`
	HandshakeTimeoutSec int    `json:"handshake_timeout_sec"`
	IdleTimeoutSec      int    `json:"idle_timeout_sec"`
}

// RetryConfig configures the reconnect backoff.
type RetryConfig struct {
	BaseRetrySec     int `json:"base_retry_sec"`
	MaxRetrySec      int `json:"max_retry_sec"`
	MaxRetryAttempts int `json:"max_retry_attempts"`
}

// AggregationConfig configures the windowed aggregator.
type AggregationConfig struct {
	PeriodMs uint64 `json:"period_ms"`
}

// OutputConfig configures the periodic writer, including the optional
// Redis mirror.
type OutputConfig struct {
	WritePeriodMs uint64 `json:"write_period_ms"`
	WriteDelayMs  uint64 `json:"write_delay_ms"`
	Filename      string `json:"filename"`
	MaxFileMB     uint64 `json:"max_file_mb"`
	MaxFiles      uint64 `json:"max_files"`
	ConsoleReport bool   `json:"console_report"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
}

// DiagConfig configures the malformed-frame diagnostics recorder.
type DiagConfig struct {
	SQLitePath      string `json:"sqlite_path"`
	MaxSnippetBytes int    `json:"max_snippet_bytes"`
}

// AdminConfig configures the TOTP-gated admin HTTP endpoint.
type AdminConfig struct {
	Addr       string `json:"addr"`
	TOTPSecret string `json:"totp_secret"`
}

// MetricsConfig configures the /metrics and /healthz HTTP server.
type MetricsConfig struct {
	Addr string `json:"addr"`
}

// NotifyConfig configures alert delivery.
type NotifyConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// AppConfig is the full, validated configuration for one process lifetime.
type AppConfig struct {
	TradePairs []string          `json:"trade_pairs"`
	WS         WebSocketConfig   `json:"ws"`
	Retry      RetryConfig       `json:"retry"`
	Agg        AggregationConfig `json:"agg"`
	Output     OutputConfig      `json:"output"`
	Diag       DiagConfig        `json:"diag"`
	Admin      AdminConfig       `json:"admin"`
	Metrics    MetricsConfig     `json:"metrics"`
	Notify     NotifyConfig      `json:"notify"`
}

// Default returns the built-in default configuration, matching the
// original system's compiled-in defaults.
func Default() AppConfig {
	return AppConfig{
		TradePairs: []string{"btcusdt", "ethusdt"},
		WS: WebSocketConfig{
			Host:                "stream.binance.com",
			Port:                "9443",
			HandshakeTimeoutSec: 10,
			IdleTimeoutSec:      10,
		},
		Retry: RetryConfig{
			BaseRetrySec:     1,
			MaxRetrySec:      30,
			MaxRetryAttempts: 32,
		},
		Agg: AggregationConfig{
			PeriodMs: 1000,
		},
		Output: OutputConfig{
			WritePeriodMs: 5000,
			WriteDelayMs:  0,
			Filename:      "aggregates.log",
			MaxFileMB:     10,
			MaxFiles:      10,
			ConsoleReport: false,
		},
		Diag: DiagConfig{
			MaxSnippetBytes: 256,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load builds a config from config.json (or the path named by
// --config=<path>), then layers CLI overrides on top. A missing JSON file
// is skipped silently and an unparseable one is logged; in both cases the
// built-in defaults are kept for that file. CLI override failures are returned as an error since they
// indicate an operator mistake at invocation time.
func Load(args []string) (AppConfig, error) {
	cfg := Default()

	path := "config.json"
	for _, arg := range args {
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			path = v
			break
		}
	}

	if data, err := os.ReadFile(path); err == nil {
		applyJSONConfig(&cfg, data)
	}

	if err := applyCLIOverrides(&cfg, args); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// rawJSON mirrors AppConfig but also accepts the legacy flat-key aliases
// at the document root.
type rawJSON struct {
	TradePairs []string           `json:"trade_pairs"`
	WS         *WebSocketConfig   `json:"ws"`
	Retry      *RetryConfig       `json:"retry"`
	Agg        *AggregationConfig `json:"agg"`
	Output     *OutputConfig      `json:"output"`
	Diag       *DiagConfig        `json:"diag"`
	Admin      *AdminConfig       `json:"admin"`
	Metrics    *MetricsConfig     `json:"metrics"`
	Notify     *NotifyConfig      `json:"notify"`

	// Legacy flat aliases.
	LegacyAggPeriodMs      *uint64 `json:"agregate_period_ms"`
	LegacyWritePeriodMs    *uint64 `json:"write_period_ms"`
	LegacyUseTimestamp     *bool   `json:"agregate_using_timestamp"`
	LegacyWriteDelayMs     *uint64 `json:"write_delay_ms"`
	LegacyOutputFilename   *string `json:"output_filename"`
	LegacyMaxFileMB        *uint64 `json:"max_file_mb"`
	LegacyMaxFiles         *uint64 `json:"max_files"`
	LegacyConsoleReport    *bool   `json:"console_report"`
	LegacyBaseRetrySec     *int    `json:"base_retry_sec"`
	LegacyMaxRetrySec      *int    `json:"max_retry_sec"`
	LegacyMaxRetryAttempts *int    `json:"max_retry_attempts"`
	LegacyWSHost           *string `json:"ws_host"`
	LegacyWSPort           *string `json:"ws_port"`
}

func applyJSONConfig(cfg *AppConfig, data []byte) {
	var raw rawJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Printf("[config] failed to parse config file: %v", err)
		return
	}

	if len(raw.TradePairs) > 0 {
		cfg.TradePairs = lowercaseNonEmpty(raw.TradePairs)
	}
	if raw.WS != nil {
		applyNonZeroWS(&cfg.WS, raw.WS)
	}
	if raw.Retry != nil {
		applyNonZeroRetry(&cfg.Retry, raw.Retry)
	}
	if raw.Agg != nil && raw.Agg.PeriodMs > 0 {
		cfg.Agg.PeriodMs = raw.Agg.PeriodMs
	}
	if raw.Output != nil {
		applyNonZeroOutput(&cfg.Output, raw.Output)
	}
	if raw.Diag != nil {
		if raw.Diag.SQLitePath != "" {
			cfg.Diag.SQLitePath = raw.Diag.SQLitePath
		}
		if raw.Diag.MaxSnippetBytes > 0 {
			cfg.Diag.MaxSnippetBytes = raw.Diag.MaxSnippetBytes
		}
	}
	if raw.Admin != nil {
		if raw.Admin.Addr != "" {
			cfg.Admin.Addr = raw.Admin.Addr
		}
		if raw.Admin.TOTPSecret != "" {
			cfg.Admin.TOTPSecret = raw.Admin.TOTPSecret
		}
	}
	if raw.Metrics != nil && raw.Metrics.Addr != "" {
		cfg.Metrics.Addr = raw.Metrics.Addr
	}
	if raw.Notify != nil && raw.Notify.WebhookURL != "" {
		cfg.Notify.WebhookURL = raw.Notify.WebhookURL
	}

	// Legacy flat aliases are applied after the nested form so either
	// shape (or a mix of both) works, matching the original's
	// field-by-field overwrite order.
	if raw.LegacyAggPeriodMs != nil {
		cfg.Agg.PeriodMs = *raw.LegacyAggPeriodMs
	}
	if raw.LegacyWritePeriodMs != nil {
		cfg.Output.WritePeriodMs = *raw.LegacyWritePeriodMs
	}
	if raw.LegacyUseTimestamp != nil && !*raw.LegacyUseTimestamp {
		cfg.Output.WriteDelayMs = 0
	}
	if raw.LegacyWriteDelayMs != nil {
		cfg.Output.WriteDelayMs = *raw.LegacyWriteDelayMs
	}
	if raw.LegacyOutputFilename != nil {
		cfg.Output.Filename = *raw.LegacyOutputFilename
	}
	if raw.LegacyMaxFileMB != nil {
		cfg.Output.MaxFileMB = *raw.LegacyMaxFileMB
	}
	if raw.LegacyMaxFiles != nil {
		cfg.Output.MaxFiles = *raw.LegacyMaxFiles
	}
	if raw.LegacyConsoleReport != nil {
		cfg.Output.ConsoleReport = *raw.LegacyConsoleReport
	}
	if raw.LegacyBaseRetrySec != nil {
		cfg.Retry.BaseRetrySec = *raw.LegacyBaseRetrySec
	}
	if raw.LegacyMaxRetrySec != nil {
		cfg.Retry.MaxRetrySec = *raw.LegacyMaxRetrySec
	}
	if raw.LegacyMaxRetryAttempts != nil {
		cfg.Retry.MaxRetryAttempts = *raw.LegacyMaxRetryAttempts
	}
	if raw.LegacyWSHost != nil {
		cfg.WS.Host = *raw.LegacyWSHost
	}
	if raw.LegacyWSPort != nil {
		cfg.WS.Port = *raw.LegacyWSPort
	}
}

func applyNonZeroWS(dst, src *WebSocketConfig) {
	if src.Host != "" {
		dst.Host = src.Host
	}
	if src.Port != "" {
		dst.Port = src.Port
	}
	if src.HandshakeTimeoutSec != 0 {
		dst.HandshakeTimeoutSec = src.HandshakeTimeoutSec
	}
	if src.IdleTimeoutSec != 0 {
		dst.IdleTimeoutSec = src.IdleTimeoutSec
	}
}

func applyNonZeroRetry(dst, src *RetryConfig) {
	if src.BaseRetrySec != 0 {
		dst.BaseRetrySec = src.BaseRetrySec
	}
	if src.MaxRetrySec != 0 {
		dst.MaxRetrySec = src.MaxRetrySec
	}
	if src.MaxRetryAttempts != 0 {
		dst.MaxRetryAttempts = src.MaxRetryAttempts
	}
}

func applyNonZeroOutput(dst, src *OutputConfig) {
	if src.WritePeriodMs != 0 {
		dst.WritePeriodMs = src.WritePeriodMs
	}
	if src.WriteDelayMs != 0 {
		dst.WriteDelayMs = src.WriteDelayMs
	}
	if src.Filename != "" {
		dst.Filename = src.Filename
	}
	if src.MaxFileMB != 0 {
		dst.MaxFileMB = src.MaxFileMB
	}
	if src.MaxFiles != 0 {
		dst.MaxFiles = src.MaxFiles
	}
	if src.ConsoleReport {
		dst.ConsoleReport = src.ConsoleReport
	}
	if src.RedisAddr != "" {
		dst.RedisAddr = src.RedisAddr
	}
	if src.RedisPassword != "" {
		dst.RedisPassword = src.RedisPassword
	}
}

func lowercaseNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// applyCLIOverrides parses "--section-key=value" flags (for example
// "--agg-period-ms=2000"). The legacy flat aliases are not accepted here.
// Unrecognized flags are ignored, matching the original's permissive argv
// scan.
func applyCLIOverrides(cfg *AppConfig, args []string) error {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") || !strings.Contains(arg, "=") {
			continue
		}
		eq := strings.IndexByte(arg, '=')
		key, val := arg[2:eq], arg[eq+1:]

		switch key {
		case "config":
			continue
		case "trade-pairs":
			cfg.TradePairs = lowercaseNonEmpty(strings.Split(val, ","))
		case "agg-period-ms":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return err
			}
			cfg.Agg.PeriodMs = n
		case "output-write-period-ms":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return err
			}
			cfg.Output.WritePeriodMs = n
		case "output-write-delay-ms":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return err
			}
			cfg.Output.WriteDelayMs = n
		case "output-filename":
			cfg.Output.Filename = val
		case "output-max-file-mb":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return err
			}
			cfg.Output.MaxFileMB = n
		case "output-max-files":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return err
			}
			cfg.Output.MaxFiles = n
		case "output-console-report":
			cfg.Output.ConsoleReport = val == "1" || strings.EqualFold(val, "true")
		case "output-redis-addr":
			cfg.Output.RedisAddr = val
		case "output-redis-password":
			cfg.Output.RedisPassword = val
		case "diag-sqlite-path":
			cfg.Diag.SQLitePath = val
		case "diag-max-snippet-bytes":
			n, err := strconv.Atoi(val)
			if err != nil {
				return err
			}
			cfg.Diag.MaxSnippetBytes = n
		case "admin-addr":
			cfg.Admin.Addr = val
		case "admin-totp-secret":
			cfg.Admin.TOTPSecret = val
		case "metrics-addr":
			cfg.Metrics.Addr = val
		case "notify-webhook-url":
			cfg.Notify.WebhookURL = val
		case "retry-base-retry-sec":
			n, err := strconv.Atoi(val)
			if err != nil {
				return err
			}
			cfg.Retry.BaseRetrySec = n
		case "retry-max-retry-sec":
			n, err := strconv.Atoi(val)
			if err != nil {
				return err
			}
			cfg.Retry.MaxRetrySec = n
		case "retry-max-retry-attempts":
			n, err := strconv.Atoi(val)
			if err != nil {
				return err
			}
			cfg.Retry.MaxRetryAttempts = n
		case "ws-host":
			cfg.WS.Host = val
		case "ws-port":
			cfg.WS.Port = val
		case "ws-handshake-timeout-sec":
			n, err := strconv.Atoi(val)
			if err != nil {
				return err
			}
			cfg.WS.HandshakeTimeoutSec = n
		case "ws-idle-timeout-sec":
			n, err := strconv.Atoi(val)
			if err != nil {
				return err
			}
			cfg.WS.IdleTimeoutSec = n
		}
	}
	return nil
}

// Validate checks every invariant the original system enforced, plus a
// writability probe on the output filename. It never mutates cfg.
func Validate(cfg AppConfig) error {
	if len(cfg.TradePairs) == 0 {
		return errConfig("trade_pairs list is empty")
	}
	for _, p := range cfg.TradePairs {
		if p == "" {
			return errConfig("trade_pairs list contains empty symbol")
		}
		if !isAlnum(p) {
			return errConfig("invalid symbol: " + p)
		}
	}
	if cfg.Agg.PeriodMs == 0 {
		return errConfig("agg.period_ms must be > 0")
	}
	if cfg.Output.WritePeriodMs == 0 {
		return errConfig("output.write_period_ms must be > 0")
	}
	if cfg.Output.Filename == "" {
		return errConfig("output.filename is empty")
	}
	if cfg.Output.MaxFileMB == 0 {
		return errConfig("output.max_file_mb must be > 0")
	}
	if cfg.Output.MaxFiles == 0 {
		return errConfig("output.max_files must be > 0")
	}
	if cfg.Retry.BaseRetrySec <= 0 {
		return errConfig("retry.base_retry_sec must be > 0")
	}
	if cfg.Retry.MaxRetrySec <= 0 {
		return errConfig("retry.max_retry_sec must be > 0")
	}
	if cfg.Retry.MaxRetryAttempts <= 0 {
		return errConfig("retry.max_retry_attempts must be > 0")
	}
	if cfg.WS.Host == "" {
		return errConfig("ws.host must not be empty")
	}
	if cfg.WS.Port == "" {
		return errConfig("ws.port must not be empty")
	}
	if cfg.WS.HandshakeTimeoutSec <= 0 {
		return errConfig("ws.handshake_timeout_sec must be > 0")
	}
	if cfg.WS.IdleTimeoutSec < 0 {
		return errConfig("ws.idle_timeout_sec must be >= 0")
	}
	if cfg.Admin.Addr != "" && cfg.Admin.TOTPSecret == "" {
		return errConfig("admin.totp_secret is required when admin.addr is set")
	}

	f, err := os.OpenFile(cfg.Output.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errConfig("output.filename is not writable: " + cfg.Output.Filename)
	}
	f.Close()

	return nil
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

type configError string

func (e configError) Error() string { return string(e) }

func errConfig(msg string) error { return configError(msg) }
