package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jakebbass/afilli/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Server serves /metrics, /healthz and any extra routes such as the email
// webhook.
type Server struct {
	mu       sync.Mutex
	addr     string
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
	logger   *logging.Logger
}

// NewServer creates a server for addr with the metrics handler mounted.
func NewServer(addr string, m *Metrics) *Server {
	s := &Server{
		addr:   addr,
		mux:    http.NewServeMux(),
		logger: logging.Component("telemetry"),
	}
	s.mux.Handle("GET /metrics", m.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return s
}

// Handle mounts an additional route. Call before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("telemetry: server already started")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("telemetry: listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.ErrorCtx("serve failed", map[string]any{"error": err.Error()})
		}
	}()
	s.logger.InfoCtx("listening", map[string]any{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.server, s.listener = nil, nil
	return err
}
