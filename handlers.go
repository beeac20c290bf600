package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// redirectPath is where the identity provider sends the visitor back.
const redirectPath = "/auth/"

type Server struct {
	flow     *ExchangeFlow
	resolver Resolver
	store    SessionStore
	loginURL string
	metrics  http.Handler
	log      *zap.Logger
}

func NewServer(flow *ExchangeFlow, resolver Resolver, store SessionStore, loginURL string, metrics http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		flow:     flow,
		resolver: resolver,
		store:    store,
		loginURL: loginURL,
		metrics:  metrics,
		log:      log,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("OK")) })
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	// start sign-in from a browser
	r.Get("/login", s.Login)

	// the redirect page has its own boundary so a failure there stays there
	r.Group(func(r chi.Router) {
		r.Use(Boundary(s.log))
		r.Get("/auth", s.AuthCallback)
		r.Get(redirectPath, s.AuthCallback)
	})

	r.With(RequireUser(s.resolver, s.store.SignOut)).Get("/me", s.Me)
	return r
}

func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.loginURL, http.StatusFound)
}

// AuthCallback redeems the code the identity provider handed back and
// renders the outcome.
func (s *Server) AuthCallback(w http.ResponseWriter, r *http.Request) {
	outcome := s.flow.Redeem(r.Context(), r.URL.Query())
	if outcome.Kind == OutcomeFailed {
		s.log.Warn("sign-in failed", zap.Stringer("kind", outcome.Err.Kind), zap.Error(outcome.Err))
	}
	if err := renderBoundary(w, BoundaryViewFor(outcome, s.loginURL)); err != nil {
		s.log.Warn("render redirect page", zap.Error(err))
	}
}

type meResponse struct {
	Username    string      `json:"username"`
	DisplayName string      `json:"display_name"`
	Initials    string      `json:"initials"`
	Attributes  []Attribute `json:"attributes"`
}

func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	u := UserContextFrom(r.Context())
	if u == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(meResponse{
		Username:    u.Principal().Username,
		DisplayName: u.DisplayName(),
		Initials:    u.Initials(),
		Attributes:  u.Attributes().All(),
	})
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("loopback server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flow.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
