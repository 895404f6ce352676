// Package debug serves the operational HTTP surface: pprof profiles,
// Prometheus metrics and a liveness probe. It is off by default and
// refuses to bind a non-loopback address without a token.
package debug

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobmesh/internal/config"
	"jobmesh/internal/metrics"
	rtsup "jobmesh/internal/runtime/supervisor"
	logx "jobmesh/pkg/logx"
)

type settings struct {
	enabled       bool
	addr          string
	token         string
	allowInsecure bool

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

func parseSettings(cfg config.DebugConfig) (settings, error) {
	set := settings{
		enabled:       cfg.Enabled,
		addr:          strings.TrimSpace(cfg.Addr),
		token:         strings.TrimSpace(cfg.Token),
		allowInsecure: cfg.AllowInsecure,
	}
	if set.addr == "" {
		set.addr = "127.0.0.1:6060"
	}
	var err error
	if set.readTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", cfg.ReadTimeout, 10*time.Second); err != nil {
		return settings{}, err
	}
	// Zero write timeout on purpose: /debug/pprof/profile holds the
	// response open for the whole sampling window.
	if set.writeTimeout, err = config.ParseDurationOrDefault("debug.write_timeout", cfg.WriteTimeout, 0); err != nil {
		return settings{}, err
	}
	if set.idleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", cfg.IdleTimeout, time.Minute); err != nil {
		return settings{}, err
	}
	return set, nil
}

type Service struct {
	set settings
	met *metrics.Metrics
	log logx.Logger

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg config.DebugConfig, met *metrics.Metrics, log logx.Logger) (*Service, error) {
	set, err := parseSettings(cfg)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{set: set, met: met, log: log}, nil
}

func (s *Service) Enabled() bool { return s.set.enabled }

func (s *Service) Start(ctx context.Context) {
	if !s.set.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "debug"))),
		// Observability must never take the worker down with it.
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	srv := s.srv
	ln := s.ln
	s.sup = nil
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

func (s *Service) serveOnce(ctx context.Context) error {
	set := s.set

	if !set.allowInsecure && set.token == "" && !isLoopbackAddr(set.addr) {
		s.log.Error("debug server refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", set.addr))
		return errors.New("debug: insecure bind")
	}
	if set.allowInsecure && set.token == "" && !isLoopbackAddr(set.addr) {
		s.log.Warn("debug server running without token on non-loopback addr", logx.String("addr", set.addr))
	}

	ln, err := net.Listen("tcp", set.addr)
	if err != nil {
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.handler(),
		ReadTimeout:  set.readTimeout,
		WriteTimeout: set.writeTimeout,
		IdleTimeout:  set.idleTimeout,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("debug server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", set.token != ""))

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

func (s *Service) handler() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler { return withAuth(s.set.token, h) }

	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	if s.met != nil {
		mux.Handle("/metrics", wrap(promhttp.HandlerFor(s.met.Registry(), promhttp.HandlerOpts{})))
	}
	mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
	mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
	mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
	mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
	mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	return mux
}

// withAuth accepts either "Authorization: Bearer <token>" or ?token=.
func withAuth(token string, h http.Handler) http.Handler {
	if token == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == token {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const prefix = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, prefix) &&
			strings.TrimSpace(strings.TrimPrefix(ah, prefix)) == token {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
