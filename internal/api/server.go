// Package api exposes the supervisor over HTTP: a websocket to request exports
// and follow their progress, bundle downloads and a few operational routes.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/moodle-backup/exportd/internal/service"
)

const shutdownTimeout = 30 * time.Second

type Server struct {
	supervisor *service.Supervisor
	router     *chi.Mux
	upgrader   websocket.Upgrader
	adminToken string
	rateLimit  rate.Limit
	rateBurst  int
}

type Option func(*Server)

// WithAdminToken enables the admin routes, guarded by a bearer token.
func WithAdminToken(token string) Option {
	return func(s *Server) {
		s.adminToken = token
	}
}

// WithExportRate limits how many export requests a single connection may send.
func WithExportRate(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		s.rateLimit = limit
		s.rateBurst = burst
	}
}

func NewServer(supervisor *service.Supervisor, opts ...Option) *Server {
	s := &Server{
		supervisor: supervisor,
		router:     chi.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		rateLimit: rate.Every(time.Second),
		rateBurst: 5,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(loggerMiddleware)
	s.router.Use(middleware.Recoverer)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/export", s.handleExport)
	s.router.Get("/bundled/{fingerprint}", s.handleDownload)
	if s.adminToken != "" {
		s.router.With(s.requireToken).Delete("/bundled/{fingerprint}", s.handleDelete)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done. Requests, including open
// websockets, are canceled with ctx.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	slog.InfoContext(ctx, "starting server", "addr", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.InfoContext(r.Context(), "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Message: "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type health struct {
	Status string `json:"status"`
	service.Stats
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, health{Status: "ok", Stats: s.supervisor.Stats()})
}

type errorBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
