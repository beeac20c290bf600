package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errNotSignedIn = errors.New("not signed in")

// app is the wired client: one per process, the way one browser tab owns one
// session.
type app struct {
	cfg      *Config
	log      *zap.Logger
	repo     *SQLiteRepo
	oauth    *OAuthManager
	backend  *BackendClient
	store    *TokenSessionStore
	resolver *SessionResolver
	registry *prometheus.Registry
	metrics  MetricsRecorder
	nav      *RouteNavigator
}

func newApp(logFallback string) (*app, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	log, err := NewLogger(cfg, logFallback)
	if err != nil {
		return nil, err
	}
	repo, err := OpenSQLiteRepo(cfg.SessionDB)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetricsRecorderWithRegistry(registry)

	oauth := NewOAuthManager(cfg, httpClient)
	backend := NewBackendClient(cfg.BackendURL, cfg.PoolID, httpClient)
	store := NewTokenSessionStore(cfg.PoolID, oauth, backend, repo,
		WithRefreshLeeway(cfg.RefreshLeeway),
		WithStoreLogger(log.Named("session")),
		WithStoreMetrics(metrics),
	)

	return &app{
		cfg:      cfg,
		log:      log,
		repo:     repo,
		oauth:    oauth,
		backend:  backend,
		store:    store,
		resolver: NewSessionResolver(store, log.Named("resolver"), metrics),
		registry: registry,
		metrics:  metrics,
		nav:      NewRouteNavigator(NewBrowserNavigator()),
	}, nil
}

func (a *app) Close() {
	_ = a.log.Sync()
	if err := a.repo.Close(); err != nil {
		a.log.Warn("close session db", zap.Error(err))
	}
}

func (a *app) server() *Server {
	flow := NewExchangeFlow(a.backend, a.backend, a.store, a.nav, a.log.Named("exchange"), a.metrics)
	metricsHandler := promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	return NewServer(flow, a.resolver, a.store, a.oauth.AuthURL(), metricsHandler, a.log.Named("http"))
}

func (a *app) newGate(observe func(GateView)) *Gate {
	cfg := GateConfig{
		LoginURL:  a.oauth.AuthURL(),
		LogoutURL: a.oauth.LogoutURL(),
		Countdown: a.cfg.RedirectCountdown,
	}
	return NewGate(a.resolver, a.store, a.nav, cfg,
		WithGateLogger(a.log.Named("gate")),
		WithGateMetrics(a.metrics),
		WithGateObserver(observe),
	)
}

func (a *app) listClocks(ctx context.Context) ([]Clock, error) {
	sess, ok := a.store.Session()
	if !ok {
		return nil, NoActiveSessionError()
	}
	return a.backend.Clocks(ctx, sess.Tokens.AccessToken)
}

// serveInBackground runs the loopback server until ctx ends.
func (a *app) serveInBackground(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	srv := a.server()
	go func() {
		errCh <- srv.Serve(ctx, a.cfg.ListenAddr())
	}()
	return errCh
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "timecard",
		Short: "Timecard PRO terminal client",
		Long: `timecard signs you in to Timecard PRO through the hosted login page and
shows your clocks. The sign-in redirect comes back to a loopback listener on
TIMECARD_APP_BASE_URL.`,
		SilenceUsage: true,
		RunE:         runDashboard,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "dashboard",
			Short: "Show the protected dashboard",
			RunE:  runDashboard,
		},
		&cobra.Command{
			Use:   "login",
			Short: "Sign in through the browser",
			RunE:  runLogin,
		},
		&cobra.Command{
			Use:   "whoami",
			Short: "Print the signed-in user",
			RunE:  runWhoami,
		},
		&cobra.Command{
			Use:   "logout",
			Short: "Sign out of this device",
			RunE:  runLogout,
		},
	)
	return root
}

func runDashboard(cmd *cobra.Command, _ []string) error {
	a, err := newApp("")
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	serveErr := a.serveInBackground(ctx)

	if err := RunDashboard(ctx, a.nav, a.newGate, a.listClocks); err != nil {
		return err
	}
	cancel()
	if err := <-serveErr; err != nil {
		return fmt.Errorf("loopback server: %w", err)
	}
	return nil
}

func runLogin(cmd *cobra.Command, _ []string) error {
	a, err := newApp("stderr")
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	done := make(chan struct{}, 1)
	a.nav.Handle(dashboardRoute, func() {
		select {
		case done <- struct{}{}:
		default:
		}
	})
	serveErr := a.serveInBackground(ctx)

	loginURL := a.oauth.AuthURL()
	fmt.Fprintf(cmd.OutOrStdout(), "Opening %s\n", loginURL)
	if err := a.nav.Navigate(ctx, loginURL); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Could not open a browser; visit the URL above to continue.\n")
	}

	select {
	case <-done:
	case err := <-serveErr:
		return fmt.Errorf("loopback server: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	p, _ := a.store.CurrentPrincipal()
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", p.Username)
	cancel()
	<-serveErr
	return nil
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	a, err := newApp("stderr")
	if err != nil {
		return err
	}
	defer a.Close()

	u := newUserContext(a.resolver.Resolve(cmd.Context()), a.store.SignOut)
	if u == nil {
		return errNotSignedIn
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", u.DisplayName(), u.Principal().Username)
	for _, attr := range u.Attributes().All() {
		fmt.Fprintf(out, "  %s: %s\n", attr.Name, attr.Value)
	}
	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	a, err := newApp("stderr")
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.SignOut(cmd.Context()); err != nil {
		if KindOf(err) == KindNoActiveSession {
			return errNotSignedIn
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed out. To end the browser session too, visit:\n%s\n", a.oauth.LogoutURL())
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
