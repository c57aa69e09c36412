package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aussiebroadwan/tabconsole/internal/sessionstore/sqlite"
	"github.com/aussiebroadwan/tabconsole/pkg/authsdk"
	"github.com/aussiebroadwan/tabconsole/pkg/presence"
	"github.com/aussiebroadwan/tabconsole/pkg/session"
	"github.com/aussiebroadwan/tabconsole/pkg/slogx"
	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

var ErrSessionEnded = errors.New("app: session ended, log in again")

// Application is the console agent: it holds a session, keeps a presence
// connection open and announces the login.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Session
	db          *sqlite.Store // nil when the session isn't persisted
	store       *session.Store
	sdk         *authsdk.SDKClient
	coordinator *session.Coordinator
	executor    *session.Executor
	keepAlive   *session.KeepAlive // nil when disabled

	// Presence
	conn      *presence.Connection
	registry  *presence.Registry
	announcer *presence.Announcer

	// Metrics endpoint
	metrics *prometheus.Registry
	server  *http.Server

	prompter  Prompter
	forcedOut chan error
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "tabconsole",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
		metrics:   prometheus.NewRegistry(),
		prompter:  newTerminalPrompter(),
		forcedOut: make(chan error, 1),
	}

	if err := initSentry(cfg.SentryDSN, cfg.Env); err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}

	app.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := app.initSession(); err != nil {
		return nil, err
	}
	app.initPresence()
	app.initHTTP()

	return app, nil
}

// Run logs in (or resumes), connects, announces and then blocks until a
// signal, a metrics server failure, or the session ending under us.
func (app *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer flushSentry()

	cred, err := app.authenticate(ctx)
	if err != nil {
		_ = app.Shutdown()
		return err
	}
	identity := cred.Identity()

	app.conn.Subscribe(presence.StatusTopic, app.registry.Handler())
	presence.SubscribeNotifications(app.conn, identity, app.logNotification)
	app.registry.Subscribe(app.logPresence)

	if err := app.conn.Activate(); err != nil {
		_ = app.Shutdown()
		return err
	}
	if app.keepAlive != nil {
		app.keepAlive.Start()
	}

	go app.trackConnection(ctx)
	go app.announce(ctx, identity)
	go app.greet(ctx)

	serverErrors := make(chan error, 1)
	if app.server != nil {
		go func() {
			serverErrors <- app.server.ListenAndServe()
		}()
	}

	app.logger.Info("console running", "identity", identity, "version", BuildVersion)

	var runErr error
	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("metrics server failed: %w", err)
		}
	case <-ctx.Done():
		app.logger.Info("shutdown signal received")
	case err := <-app.forcedOut:
		reportForcedLogout(err, identity)
		app.logger.Error("session ended", "identity", identity, "error", err)
		runErr = fmt.Errorf("%w: %w", ErrSessionEnded, err)
	}

	if err := app.Shutdown(); err != nil && runErr == nil {
		runErr = fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return runErr
}

// Logout revokes and forgets the persisted session without connecting to
// anything.
func (app *Application) Logout() error {
	defer func() { _ = app.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if _, ok, err := app.store.Resume(ctx); err != nil {
		return err
	} else if !ok {
		app.logger.Info("no session to log out of")
		return nil
	}

	if err := app.coordinator.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	app.logger.Info("logged out")
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down console...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("graceful server shutdown failed", "error", err)
			if err := app.server.Close(); err != nil {
				app.logger.Error("error closing server", "error", err)
			}
		}
	}

	if app.keepAlive != nil {
		app.keepAlive.Stop()
	}

	app.conn.Deactivate()

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database", "error", err)
			return err
		}
	}

	app.logger.Info("console stopped")
	return nil
}

// authenticate resumes a persisted session if it still refreshes, otherwise
// logs in from scratch.
func (app *Application) authenticate(ctx context.Context) (session.Credential, error) {
	_, ok, err := app.store.Resume(ctx)
	if err != nil {
		app.logger.Warn("could not read persisted session", "error", err)
	}

	if ok {
		cred, err := app.coordinator.EnsureFresh(ctx)
		if err == nil {
			app.logger.Info("resumed session", "identity", cred.Identity())
			return cred, nil
		}
		if !errors.Is(err, session.ErrAuthFailure) {
			return session.Credential{}, fmt.Errorf("resume session: %w", err)
		}

		// The hook fired for a session nobody was using yet
		select {
		case <-app.forcedOut:
		default:
		}
		app.logger.Info("persisted session is no longer valid, logging in again")
	}

	cred, err := login(ctx, app.sdk, app.cfg, app.prompter)
	if err != nil {
		return session.Credential{}, err
	}
	if err := app.store.Set(ctx, cred); err != nil {
		app.logger.Warn("session will not survive a restart", "error", err)
	}

	app.logger.Info("logged in", "identity", cred.Identity())
	return cred, nil
}

func (app *Application) initSession() error {
	sessionMetrics := session.NewMetrics()
	app.metrics.MustRegister(sessionMetrics.Collectors()...)

	var persister session.Persister
	if app.cfg.PersistSession {
		db, err := sqlite.NewStore(fmt.Sprintf("file:%s", app.cfg.DatabaseFile))
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := db.ApplyMigrations(); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply database migrations: %w", err)
		}
		app.db = db
		persister = db
	}

	app.store = session.NewStore(persister, app.logger)
	app.sdk = authsdk.NewSDKClient(app.cfg.AuthBaseURL, app.cfg.ClientID)
	app.coordinator = session.NewCoordinator(app.store, session.SDKRefresher{Client: app.sdk}, session.CoordinatorOptions{
		Skew:            app.cfg.TokenSkew,
		RefreshTimeout:  app.cfg.RefreshTimeout,
		TransientBudget: app.cfg.TransientBudget,
		OnForcedLogout:  app.onForcedLogout,
		Logger:          app.logger,
		Metrics:         sessionMetrics,
	})

	app.executor = session.NewExecutor(app.coordinator, app.cfg.AuthBaseURL)
	if app.cfg.APIRateLimit > 0 {
		app.executor.Limiter = rate.NewLimiter(rate.Limit(app.cfg.APIRateLimit), 1)
	}

	if app.cfg.KeepAliveInterval > 0 {
		app.keepAlive = session.NewKeepAlive(app.coordinator, app.logger, app.cfg.KeepAliveInterval)
	}
	return nil
}

func (app *Application) initPresence() {
	presenceMetrics := presence.NewMetrics()
	app.metrics.MustRegister(presenceMetrics.Collectors()...)

	var dialer presence.Dialer = presence.WebSocketDialer{URL: app.cfg.PresenceURL}
	if app.cfg.PresenceTCPAddr != "" {
		dialer = presence.TCPDialer{Addr: app.cfg.PresenceTCPAddr}
	}

	app.conn = presence.NewConnection(presence.Config{
		Dialer:         dialer,
		Host:           app.cfg.PresenceHost,
		Login:          app.cfg.PresenceLogin,
		Passcode:       app.cfg.PresencePasscode,
		TokenSource:    app.presenceToken,
		HeartBeat:      app.cfg.HeartBeat,
		ReconnectDelay: app.cfg.ReconnectDelay,
		Logger:         app.logger,
		Metrics:        presenceMetrics,
	})
	app.registry = presence.NewRegistry(app.logger, presenceMetrics)
	app.announcer = presence.NewAnnouncer(app.conn, app.logger)
	app.announcer.Timeout = app.cfg.AnnounceTimeout
}

// initHTTP sets up the local /metrics and health endpoints.
func (app *Application) initHTTP() {
	if app.cfg.MetricsPort <= 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(app.metrics, promhttp.HandlerOpts{Registry: app.metrics}))
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", app.readyz)

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.MetricsPort),
		Handler:           slogx.HTTPMiddleware(app.logger)(mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// readyz is ready once the session database answers (when there is one) and
// the presence connection is up.
func (app *Application) readyz(w http.ResponseWriter, r *http.Request) {
	if app.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := app.db.Ping(ctx); err != nil {
			slogx.FromContext(r.Context()).Warn("session database not ready", "error", err)
			http.Error(w, "session database unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	if state := app.conn.State(); state != presence.Connected {
		http.Error(w, state.String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (app *Application) onForcedLogout(err error) {
	select {
	case app.forcedOut <- err:
	default:
	}
}

// presenceToken hands the broker a fresh access token on every CONNECT.
func (app *Application) presenceToken(ctx context.Context) (string, error) {
	cred, err := app.coordinator.EnsureFresh(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessToken(), nil
}

func (app *Application) announce(ctx context.Context, identity string) {
	if err := app.announcer.Announce(ctx, identity); err != nil && ctx.Err() == nil {
		app.logger.Warn("login announcement failed", "identity", identity, "error", err)
	}
}

// greet fetches our own profile through the executor, mostly to prove the
// API accepts the session.
func (app *Application) greet(ctx context.Context) {
	ctx = slogx.WithComponent(slogx.WithContext(ctx, app.logger), "api")

	var info authsdk.UserInfoResponse
	if err := app.executor.DoJSON(ctx, http.MethodGet, authsdk.UserInfoPath, nil, &info); err != nil {
		if ctx.Err() == nil {
			app.logger.Warn("could not fetch profile", "error", err)
		}
		return
	}
	app.logger.Info("welcome", "username", info.Username, "preferred_name", info.PreferredName, "role", info.Role)
}

// trackConnection leaves a breadcrumb per state change so a forced logout
// report shows what the connection was doing.
func (app *Application) trackConnection(ctx context.Context) {
	for ev := range app.conn.Watch(ctx) {
		msg := fmt.Sprintf("%s -> %s", ev.From, ev.To)
		if ev.Err != nil {
			msg += ": " + ev.Err.Error()
		}
		sentry.AddBreadcrumb(&sentry.Breadcrumb{
			Category:  "presence",
			Message:   msg,
			Timestamp: ev.At,
		})
	}
}

func (app *Application) logPresence(snapshot map[string]bool) {
	online := make([]string, 0, len(snapshot))
	for id, on := range snapshot {
		if on {
			online = append(online, id)
		}
	}
	app.logger.Info("presence", "online", online, "known", len(snapshot))
}

func (app *Application) logNotification(n presence.Notification) {
	app.logger.Info("notification", "destination", n.Destination, "body", string(n.Body))
}
