// Package admin exposes a minimal, TOTP-gated HTTP control surface: a
// single endpoint that triggers the same reload the process performs on
// SIGHUP, for operators who cannot send signals to the process directly.
package admin

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Config configures the admin server.
type Config struct {
	Addr       string
	TOTPSecret string // base32 shared secret; empty disables the endpoint
}

// Server runs the admin HTTP server.
type Server struct {
	cfg      Config
	onReload func()
	srv      *http.Server
}

// New creates an admin server that calls onReload after a request to
// POST /admin/reload presents a valid TOTP code in its "code" query
// parameter. If cfg.TOTPSecret is empty, the server still listens but
// every request is rejected.
func New(cfg Config, onReload func()) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, onReload: onReload}
	mux.HandleFunc("/admin/reload", s.handleReload)
	s.srv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.TOTPSecret == "" {
		http.Error(w, "admin endpoint disabled", http.StatusForbidden)
		return
	}

	code := r.URL.Query().Get("code")
	ok, err := totp.ValidateCustom(code, s.cfg.TOTPSecret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		log.Printf("[admin] rejected reload request: invalid or expired code")
		http.Error(w, "invalid code", http.StatusForbidden)
		return
	}

	s.onReload()
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("reload triggered\n"))
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[admin] server listening on %s", s.cfg.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[admin] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
