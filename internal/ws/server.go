package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/heptiolabs/healthcheck"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exam-proctor/backend/internal/audit"
	"github.com/exam-proctor/backend/internal/config"
	"github.com/exam-proctor/backend/internal/evidence"
	"github.com/exam-proctor/backend/internal/gate"
	"github.com/exam-proctor/backend/internal/metrics"
	"github.com/exam-proctor/backend/internal/monitor"
	"github.com/exam-proctor/backend/internal/store"
)

// Deps are the collaborators of a Server.
type Deps struct {
	Store       *store.Store
	Gate        *gate.Gate
	Audit       *audit.Dispatcher
	Evidence    *evidence.Capturer
	Broadcaster *Broadcaster
	Logger      *slog.Logger
}

// Server exposes the candidate, observer and admin endpoints.
type Server struct {
	mu  sync.RWMutex
	cfg *config.Config

	store       *store.Store
	gate        *gate.Gate
	audit       *audit.Dispatcher
	evidence    *evidence.Capturer
	broadcaster *Broadcaster
	log         *slog.Logger
	now         func() time.Time

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	static         http.Handler

	live   cmap.ConcurrentMap[string, *liveSession]
	tokens cmap.ConcurrentMap[string, time.Time]

	// ctx is the parent of every exam runtime; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		store:          deps.Store,
		gate:           deps.Gate,
		audit:          deps.Audit,
		evidence:       deps.Evidence,
		broadcaster:    deps.Broadcaster,
		log:            deps.Logger,
		now:            time.Now,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		live:           cmap.New[*liveSession](),
		tokens:         cmap.New[time.Time](),
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	if s.broadcaster != nil {
		s.broadcaster.SetHealthHook(s.Health)
	}
	return s
}

// SetConfig swaps the configuration used for sessions created from now on.
// Running sessions keep the thresholds they started with.
func (s *Server) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetStaticHandler serves the candidate pages at /. Call before Handler.
func (s *Server) SetStaticHandler(h http.Handler) {
	s.static = h
}

// Handler returns every route wrapped in the security headers middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/log", s.handleLog)
	mux.HandleFunc("/submit", s.handleSubmit)
	mux.HandleFunc("/upload-snapshot", s.handleUploadSnapshot)
	mux.HandleFunc("/ws/candidate", s.handleCandidateWS)
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/admin/login", s.handleAdminLogin)
	mux.HandleFunc("/admin/results", s.handleResults)
	mux.HandleFunc("/admin/export-results", s.handleExportResults)

	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	if s.store != nil {
		health.AddReadinessCheck("sqlite", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return s.store.Ping(ctx)
		})
	}
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)

	if s.static != nil {
		mux.Handle("/", s.static)
	}
}

// Health returns detector health for every live session.
func (s *Server) Health() map[string][]monitor.SignalHealth {
	out := make(map[string][]monitor.SignalHealth)
	for item := range s.live.IterBuffered() {
		if item.Val.started.Load() {
			out[item.Key] = item.Val.rt.Health()
		}
	}
	return out
}

// Shutdown stops every exam runtime without ending the exams and waits for
// them to release their adapters.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	for item := range s.live.IterBuffered() {
		ls := item.Val
		ls.rt.Stop()
		if !ls.started.Load() {
			continue
		}
		select {
		case <-ls.rt.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeObserver(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", "error", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.log.Warn("observer rejected", "remote", r.RemoteAddr, "error", err)
		data, _ := json.Marshal(WSMessage{Type: MsgError, Payload: ErrorPayload{Message: err.Error()}})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, string(data)),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.log.Info("observer connected", "remote", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.log.Info("observer disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// authorizeObserver allows observers when no admin account is configured,
// otherwise it requires a valid admin token.
func (s *Server) authorizeObserver(r *http.Request) bool {
	if s.config().Admin.PasswordHash == "" {
		return true
	}
	return s.authorize(r)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// rejectStatus maps gate and storage errors to a status and the text shown
// to the candidate.
func rejectStatus(err error) (int, string) {
	var rej *gate.RejectError
	switch {
	case errors.As(err, &rej):
		return http.StatusForbidden, rej.Reason
	case errors.Is(err, gate.ErrMissingIdentifier):
		return http.StatusBadRequest, "Email required"
	}
	return http.StatusInternalServerError, "internal error"
}

// ListenAndServe serves h on host:port until ctx is cancelled, then shuts
// the listener down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, h http.Handler, log *slog.Logger) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
