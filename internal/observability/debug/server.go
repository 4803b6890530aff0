// Package debug serves the operator endpoints of a running host: liveness,
// a JSON status snapshot and net/http/pprof. It runs as a supervised task.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"jobhost/internal/runtime/lifecycle"
	"jobhost/pkg/logx"
)

const (
	DefaultAddr     = "127.0.0.1:6060"
	shutdownTimeout = 2 * time.Second
)

// Config controls the listener. Binding to a non-loopback address needs a
// Token unless AllowInsecure is set.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
}

// Health reports the names of unhealthy tasks. Empty means healthy.
type Health func() []string

// Status returns any JSON-encodable snapshot.
type Status func() any

type Server struct {
	cfg    Config
	log    logx.Logger
	health Health
	status Status

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, health Health, status Status, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		cfg:    cfg,
		log:    log.With(logx.Component("debug")),
		health: health,
		status: status,
	}
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// OnStart binds the listener so an address conflict faults the task at start.
func (s *Server) OnStart(_ context.Context, _ *lifecycle.Task) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	token := strings.TrimSpace(s.cfg.Token)
	if token == "" && !isLoopbackAddr(addr) {
		if !s.cfg.AllowInsecure {
			return fmt.Errorf("debug: refusing non-loopback addr %s without token or allow_insecure", addr)
		}
		s.log.Warn("debug endpoints exposed without token", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("debug listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.routes(token),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}
	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()
	return nil
}

func (s *Server) OnStarted(_ context.Context, t *lifecycle.Task) error {
	s.mu.Lock()
	ln, srv := s.ln, s.srv
	s.mu.Unlock()
	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	t.Go("serve", func(ctx context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
			return nil
		}
		return err
	})
	return nil
}

func (s *Server) OnStop(ctx context.Context, _ *lifecycle.Task) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}

func (s *Server) routes(token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", wrap(s.handleHealth))
	mux.HandleFunc("/status", wrap(s.handleStatus))
	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var bad []string
	if s.health != nil {
		bad = s.health()
	}
	if len(bad) > 0 {
		http.Error(w, "unhealthy: "+strings.Join(bad, ","), http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var v any = struct{}{}
	if s.status != nil {
		v = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Debug("status encode failed", logx.Err(err))
	}
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != token {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
