// Package supervisor implements the top-level lifecycle loop: it wires the
// hand-off queue, the aggregator, the periodic writer, and the connection
// manager together, handles SIGINT/SIGTERM (shutdown) and SIGHUP (reload),
// and restarts the connection manager with exponential backoff if it ever
// escapes with an unexpected error.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tradefeed/config"
	"tradefeed/internal/agg"
	"tradefeed/internal/connmgr"
	"tradefeed/internal/diag"
	"tradefeed/internal/metrics"
	"tradefeed/internal/model"
	"tradefeed/internal/notification"
	"tradefeed/internal/queue"
	"tradefeed/internal/writer"
)

// Supervisor owns every long-lived worker for one process lifetime.
type Supervisor struct {
	args     []string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	health   *metrics.HealthStatus
	notifier notification.Notifier
	diagRec  *diag.Recorder

	queue *queue.Handoff
	agg   *agg.Aggregator

	cfgMu sync.Mutex
	cfg   config.AppConfig

	mgrMu sync.Mutex
	mgr   *connmgr.Manager

	keepRunning     bool
	reloadRequested bool
	stateMu         sync.Mutex

	retryAttempt int
}

// New builds a Supervisor from an already-loaded, already-validated
// config. args are the original CLI arguments, retained so SIGHUP/admin
// reload can re-run config.Load with the same overrides.
func New(cfg config.AppConfig, args []string, logger *slog.Logger, m *metrics.Metrics, health *metrics.HealthStatus, notifier notification.Notifier, diagRec *diag.Recorder) *Supervisor {
	return &Supervisor{
		args:        args,
		logger:      logger,
		metrics:     m,
		health:      health,
		notifier:    notifier,
		diagRec:     diagRec,
		queue:       queue.New(),
		agg:         agg.New(aggConfigFrom(cfg)),
		cfg:         cfg,
		keepRunning: true,
	}
}

func aggConfigFrom(cfg config.AppConfig) agg.Config {
	return agg.Config{
		Period: time.Duration(cfg.Agg.PeriodMs) * time.Millisecond,
		Grace:  time.Duration(cfg.Output.WriteDelayMs) * time.Millisecond,
	}
}

func connCfgFrom(cfg config.AppConfig) connmgr.Config {
	return connmgr.Config{
		Host:             cfg.WS.Host,
		Port:             cfg.WS.Port,
		TradePairs:       cfg.TradePairs,
		HandshakeTimeout: time.Duration(cfg.WS.HandshakeTimeoutSec) * time.Second,
		IdleTimeout:      time.Duration(cfg.WS.IdleTimeoutSec) * time.Second,
		BaseRetry:        time.Duration(cfg.Retry.BaseRetrySec) * time.Second,
		MaxRetry:         time.Duration(cfg.Retry.MaxRetrySec) * time.Second,
		MaxRetryAttempts: cfg.Retry.MaxRetryAttempts,
	}
}

// RequestReload sets the reload flag and nudges the current connection
// manager to stop, the same two actions SIGHUP performs. Exposed for the
// TOTP-gated admin endpoint.
func (s *Supervisor) RequestReload() {
	s.stateMu.Lock()
	s.reloadRequested = true
	s.stateMu.Unlock()

	s.mgrMu.Lock()
	mgr := s.mgr
	s.mgrMu.Unlock()
	if mgr != nil {
		mgr.Stop()
	}
}

func (s *Supervisor) requestShutdown() {
	s.stateMu.Lock()
	s.keepRunning = false
	s.stateMu.Unlock()

	s.queue.Stop()
	s.mgrMu.Lock()
	mgr := s.mgr
	s.mgrMu.Unlock()
	if mgr != nil {
		mgr.Stop()
	}
}

func (s *Supervisor) swapReload() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	v := s.reloadRequested
	s.reloadRequested = false
	return v
}

func (s *Supervisor) isRunning() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.keepRunning
}

// Run drives the supervisor until a shutdown signal is received or ctx is
// cancelled. It always returns nil; fatal conditions are handled by
// restart-with-backoff, not by propagating an error.
func (s *Supervisor) Run(ctx context.Context) error {
	signal.Ignore(syscall.SIGPIPE)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				s.logger.Info("reload signal received")
				s.RequestReload()
				continue
			}
			s.logger.Info("shutdown signal received", "signal", sig.String())
			s.requestShutdown()
		}
	}()

	readerDone := s.startReader()

	currentWriter := s.startWriter()

	for s.isRunning() && ctx.Err() == nil {
		if s.swapReload() {
			s.logger.Info("reloading config")
			newCfg, err := config.Load(s.args)
			if err == nil {
				err = config.Validate(newCfg)
			}
			if err != nil {
				s.logger.Error("reload failed, keeping current config", "err", err)
			} else {
				s.cfgMu.Lock()
				s.cfg = newCfg
				s.cfgMu.Unlock()
				s.agg.UpdateConfig(aggConfigFrom(newCfg))
				currentWriter.Stop()
				currentWriter.Close()
				currentWriter = s.startWriter()
			}
		}

		attemptCtx, cancelAttempt := context.WithCancel(ctx)
		s.cfgMu.Lock()
		cfg := s.cfg
		s.cfgMu.Unlock()

		mgr := s.buildManager(cfg)
		s.mgrMu.Lock()
		s.mgr = mgr
		s.mgrMu.Unlock()

		err := s.runManagerRecovered(attemptCtx, mgr)
		cancelAttempt()

		if err == nil {
			s.retryAttempt = 0
			continue
		}

		s.logger.Error("connection manager escaped with fatal error", "err", err)
		s.metrics.SupervisorRestarts.Inc()
		if s.notifier != nil {
			s.notifier.Send(ctx, notification.Alert{
				Level:   notification.AlertWarning,
				Title:   "supervisor restart",
				Message: fmt.Sprintf("connection manager failed: %v", err),
			})
		}

		delay := connmgr.ComputeBackoff(
			time.Duration(cfg.Retry.BaseRetrySec)*time.Second,
			time.Duration(cfg.Retry.MaxRetrySec)*time.Second,
			s.retryAttempt,
		)
		if !s.sleepInterruptible(ctx, delay) {
			break
		}
		if s.retryAttempt < cfg.Retry.MaxRetryAttempts {
			s.retryAttempt++
		}
	}

	currentWriter.Stop()
	currentWriter.Close()
	s.queue.Stop()
	<-readerDone

	s.logger.Info("tradefeed stopped safely")
	return nil
}

// runManagerRecovered runs mgr.Run, converting a panic into an error so a
// single unexpected bug in the connection manager triggers the
// supervisor-level backoff-and-restart path instead of crashing the
// process — the Go analogue of the original's try/catch around ioc.run().
func (s *Supervisor) runManagerRecovered(ctx context.Context, mgr *connmgr.Manager) error {
	return recoverToErr(func() { mgr.Run(ctx) })
}

// recoverToErr runs fn and converts any panic into an error, never letting
// it propagate. Split out from runManagerRecovered so the recovery behavior
// can be exercised without a real connection manager.
func recoverToErr(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}

func (s *Supervisor) buildManager(cfg config.AppConfig) *connmgr.Manager {
	mgr := connmgr.New(connCfgFrom(cfg))
	mgr.Log = func(level, msg string) {
		switch level {
		case "ERROR":
			s.logger.Error(msg)
		default:
			s.logger.Info(msg)
		}
	}
	mgr.OnTrade = func(t model.Trade) {
		s.queue.Push(t)
		s.metrics.TradesTotal.Inc()
		s.health.SetLastTradeTime(time.Now())
	}
	mgr.OnParseError = func(raw []byte, perr error) {
		s.metrics.ParseErrorsTotal.Inc()
		if s.diagRec != nil {
			s.diagRec.Record(raw, perr)
		}
	}
	mgr.OnReconnect = func(reason string) {
		s.metrics.ReconnectsTotal.WithLabelValues(reason).Inc()
		s.health.SetWSConnected(false)
	}
	mgr.OnConnected = func() {
		s.health.SetWSConnected(true)
	}
	mgr.OnRetryExhausted = func() {
		if s.notifier != nil {
			s.notifier.Send(context.Background(), notification.Alert{
				Level:   notification.AlertCritical,
				Title:   "retry attempts exhausted",
				Message: "connection manager reached max_retry_attempts; continuing to retry at max backoff",
			})
		}
	}
	return mgr
}

func (s *Supervisor) startReader() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			t, ok := s.queue.Pop()
			if !ok {
				return
			}
			s.agg.Add(t)
		}
	}()
	return done
}

func (s *Supervisor) startWriter() *writer.Writer {
	s.cfgMu.Lock()
	cfg := s.cfg
	s.cfgMu.Unlock()

	w := writer.New(writer.Config{
		Filename:      cfg.Output.Filename,
		MaxFileMB:     int64(cfg.Output.MaxFileMB),
		MaxFiles:      int(cfg.Output.MaxFiles),
		ConsoleReport: cfg.Output.ConsoleReport,
		Period:        time.Duration(cfg.Output.WritePeriodMs) * time.Millisecond,
		RedisAddr:     cfg.Output.RedisAddr,
		RedisPassword: cfg.Output.RedisPassword,
	}, s.agg, s.logger)

	if w.Redis() != nil {
		s.health.StartLivenessChecker(context.Background(), w.Redis(), nil, 10*time.Second)
	}

	go w.Run(context.Background())
	return w
}

func (s *Supervisor) sleepInterruptible(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return s.isRunning()
	}
}
