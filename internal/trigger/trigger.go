package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mfeller/relupd/internal/config"
	"github.com/mfeller/relupd/internal/update"
)

// signatureHeader carries the HMAC-SHA256 of the request body, in the
// form "sha256=<hex>".
const signatureHeader = "X-Relupd-Signature"

// UpdateFunc runs one reconciliation pass.
type UpdateFunc func(ctx context.Context) (*update.Result, error)

// Server is the serve-mode HTTP front end: authenticated POST /update
// requests and an optional fixed interval both kick reconciliation
// passes. Passes are debounced and single-flight; while one runs, at
// most one re-run is queued.
type Server struct {
	cfg      *config.Config
	run      UpdateFunc
	logger   *slog.Logger
	secret   []byte
	interval time.Duration

	mu          sync.Mutex // guards passRunning, passPending, last
	passRunning bool
	passPending bool
	last        lastPass

	debounce *debouncer
}

// lastPass records the most recent pass outcome for /healthz.
type lastPass struct {
	Status update.Status `json:"status"`
	Error  string        `json:"error,omitempty"`
	Time   time.Time     `json:"time"`
}

// debouncer coalesces bursts of trigger requests
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a trigger server. The shared secret is read from
// the configured secret file.
func NewServer(cfg *config.Config, run UpdateFunc, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read trigger secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("trigger secret file %s is empty", cfg.Serve.SecretFile)
	}

	interval, err := cfg.Interval()
	if err != nil {
		return nil, fmt.Errorf("invalid update interval: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		run:      run,
		logger:   logger,
		secret:   secret,
		interval: interval,
		debounce: &debouncer{delay: 2 * time.Second},
	}
	return s, nil
}

// Start runs an initial pass, then serves until ctx is cancelled. A
// non-nil listener (e.g. from socket activation) overrides the
// configured listen address.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	s.logger.Info("performing initial update before starting trigger server")
	s.runPass(ctx)

	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Serve.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.cfg.Serve.ListenAddr, err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/update", s.handleUpdate)
	mux.HandleFunc("/healthz", s.handleHealthz)

	server := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s.logger.Info("trigger server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.interval > 0 {
		eg.Go(func() error {
			s.periodic(ctx)
			return nil
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down trigger server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// periodic kicks a pass every interval until ctx is cancelled.
func (s *Server) periodic(ctx context.Context) {
	s.logger.Info("periodic updates enabled", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

// handleUpdate handles authenticated update-trigger requests
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(signatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	s.logger.Info("update trigger accepted", "remote", r.RemoteAddr)

	// Debounce so a burst of triggers runs one pass
	s.debounce.trigger(func() {
		s.runPass(context.Background())
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Update triggered\n")
}

// handleHealthz reports the outcome of the most recent pass
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if last.Status == "" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"no-pass-yet"}` + "\n"))
		return
	}
	if err := json.NewEncoder(w).Encode(last); err != nil {
		s.logger.Error("failed to encode health response", "error", err)
	}
}

// verifySignature checks the HMAC-SHA256 body signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// runPass executes one reconciliation pass with single-flight
// semantics. If a pass is already in progress, at most one additional
// run is queued; further concurrent triggers are dropped.
func (s *Server) runPass(ctx context.Context) {
	s.mu.Lock()
	if s.passRunning {
		s.passPending = true
		s.mu.Unlock()
		s.logger.Info("update pass already in progress, queuing pending re-run")
		return
	}
	s.passRunning = true
	s.mu.Unlock()

	for {
		result, err := s.run(ctx)

		s.mu.Lock()
		if err != nil {
			s.logger.Error("update pass failed", "error", err)
			s.last = lastPass{Status: "error", Error: err.Error(), Time: time.Now()}
		} else {
			s.logger.Info("update pass finished", "status", result.Status)
			s.last = lastPass{Status: result.Status, Time: time.Now()}
			if len(result.Errors) > 0 {
				s.last.Error = result.Errors[0].Error()
			}
		}
		if !s.passPending {
			s.passRunning = false
			s.mu.Unlock()
			return
		}
		s.passPending = false
		s.mu.Unlock()

		s.logger.Info("re-running update pass due to pending trigger")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
