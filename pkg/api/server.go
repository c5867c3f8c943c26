package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/komari-bot/komari/config"
	"github.com/komari-bot/komari/pkg/logger"
)

// HTTPServer serves the REST API, the websocket endpoint and, when the ports
// are shared, /metrics.
type HTTPServer struct {
	srv    *http.Server
	router chi.Router
	log    logger.Logger
}

// NewHTTPServer builds the router and an http.Server from the server section.
func NewHTTPServer(cfg *config.Config, log logger.Logger, handlers *Handlers) *HTTPServer {
	if log == nil {
		log = logger.Nop()
	}
	router := NewRouter(cfg, log, handlers)
	hc := cfg.Server.HTTP

	return &HTTPServer{
		srv: &http.Server{
			Addr:           net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Handler:        router,
			ReadTimeout:    hc.ReadTimeout,
			WriteTimeout:   hc.WriteTimeout,
			IdleTimeout:    hc.IdleTimeout,
			MaxHeaderBytes: hc.MaxHeaderBytes,
			ErrorLog:       errorLog(log),
		},
		router: router,
		log:    log,
	}
}

// Addr returns the configured listen address.
func (s *HTTPServer) Addr() string {
	return s.srv.Addr
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start listens on Addr and serves until Shutdown.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown, after which it returns nil.
func (s *HTTPServer) Serve(ln net.Listener) error {
	s.log.Debug("HTTP server accepting", "addr", ln.Addr().String())
	err := s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("serve http: %w", err)
}

// Shutdown drains in-flight requests. Connections still open when ctx ends
// are closed forcibly and ctx's error is returned.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if err == nil {
		s.log.Info("HTTP server stopped")
		return nil
	}
	s.log.Warn("HTTP drain timed out, closing remaining connections", "error", err)
	_ = s.srv.Close()
	return fmt.Errorf("shutdown http: %w", err)
}

// errorLog routes net/http's own diagnostics, such as handshake failures and
// recovered panics, into the structured logger.
func errorLog(log logger.Logger) *stdlog.Logger {
	return stdlog.New(logWriter{log}, "", 0)
}

type logWriter struct{ log logger.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Warn("HTTP server error", "error", string(bytes.TrimSpace(p)))
	return len(p), nil
}
