package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"portal-client/internal/config"
	"portal-client/internal/gateway"
	"portal-client/internal/logging"
	"portal-client/internal/metrics"
	"portal-client/internal/portal"
	"portal-client/internal/realtime"
	"portal-client/internal/realtime/pusher"
	"portal-client/internal/runctx"
	"portal-client/internal/runstatus"
	"portal-client/internal/session"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Callbacks struct {
	OnStatusChange func(string)
}

// App wires the credential store, the Gateway, the portal calls and, on
// demand, the realtime Channel Client.
type App struct {
	opts      config.Options
	endpoints config.APIEndpoints
	logger    *logging.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	hooks     Callbacks

	store   *session.FileStore
	gateway *gateway.Gateway
	portal  *portal.Client

	realtimeMu  sync.Mutex
	realtime    *realtime.Client
	realtimeErr error
	closed      bool

	status runtimeStatusState
}

func New(opts config.Options, logger *logging.Logger, registry *prometheus.Registry, hooks Callbacks) (*App, error) {
	if logger == nil {
		panic("app.New: logger must not be nil")
	}
	endpoints, err := config.BuildEndpoints(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	credentialsPath := strings.TrimSpace(opts.CredentialsFile)
	if credentialsPath == "" {
		credentialsPath, err = config.DefaultCredentialsPath()
		if err != nil {
			return nil, fmt.Errorf("resolve credentials path: %w", err)
		}
	}
	store := session.NewFileStore(credentialsPath)

	var reg prometheus.Registerer
	if registry != nil {
		reg = registry
	}
	m := metrics.New(reg)

	httpClient := &http.Client{
		Timeout:   requestTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	gw, err := gateway.New(gateway.Config{
		BaseURL: endpoints.BaseURL,
		HTTP:    httpClient,
		Session: store,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("app configured",
		logging.Field("base_url", endpoints.BaseURL),
		logging.Field("credentials", credentialsPath),
	)
	return &App{
		opts:      opts,
		endpoints: endpoints,
		logger:    logger,
		registry:  registry,
		metrics:   m,
		hooks:     hooks,
		store:     store,
		gateway:   gw,
		portal:    portal.New(gw, store, logger),
	}, nil
}

func (a *App) Gateway() *gateway.Gateway { return a.gateway }

func (a *App) Portal() *portal.Client { return a.portal }

func (a *App) Store() *session.FileStore { return a.store }

func (a *App) Endpoints() config.APIEndpoints { return a.endpoints }

// Realtime returns the process-wide Channel Client, building it on first
// use. It needs the realtime key to be configured.
func (a *App) Realtime() (*realtime.Client, error) {
	a.realtimeMu.Lock()
	defer a.realtimeMu.Unlock()
	if a.closed {
		return nil, realtime.ErrClosed
	}
	if a.realtime == nil && a.realtimeErr == nil {
		a.realtime, a.realtimeErr = a.buildRealtime()
	}
	return a.realtime, a.realtimeErr
}

func (a *App) buildRealtime() (*realtime.Client, error) {
	endpoint, err := config.BuildRealtimeEndpoint(a.opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRealtimeNotConfigured, err)
	}
	transport, err := pusher.New(pusher.Config{
		Host:     endpoint.Host,
		Port:     endpoint.Port,
		Key:      endpoint.Key,
		ForceTLS: endpoint.ForceTLS,
		OnStatus: a.setRuntimeStatus,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRealtimeNotConfigured, err)
	}
	return realtime.New(realtime.Config{
		Transport: transport,
		Gateway:   a.gateway,
		Session:   a.store,
		AuthURL:   a.endpoints.BroadcastAuthURL,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})
}

// ListenRequest names the channels and events a Listen call follows.
type ListenRequest struct {
	Channels []string
	Events   []string
	OnEvent  func(realtime.Event)
	// OnSubscribed is called once per channel after its subscription
	// settles, with the failure if it did not succeed.
	OnSubscribed func(channel string, err error)
}

// Listen subscribes to every requested channel and delivers events until
// ctx ends or the session is logged out, in which case it returns
// ErrLoggedOut. Every subscription is released before it returns.
func (a *App) Listen(ctx context.Context, req ListenRequest) error {
	if len(req.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	if req.OnEvent == nil {
		panic("app.Listen: OnEvent must not be nil")
	}
	if _, ok, err := a.store.CurrentToken(ctx); err != nil {
		return fmt.Errorf("read session credential: %w", err)
	} else if !ok {
		return ErrNotLoggedIn
	}

	client, err := a.Realtime()
	if err != nil {
		return err
	}
	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes, err := session.Watch(listenCtx, a.store, a.logger)
	if err != nil {
		return err
	}
	if err := client.Connect(listenCtx); err != nil {
		return err
	}

	events := req.Events
	if len(events) == 0 {
		events = []string{portal.MessageSentEvent}
	}
	subscribed := make([]string, 0, len(req.Channels))
	defer func() {
		for _, name := range subscribed {
			client.LeaveChannel(name)
		}
	}()

	var wg sync.WaitGroup
	for _, name := range req.Channels {
		ch := client.SubscribeChannel(name)
		subscribed = append(subscribed, name)
		for _, event := range events {
			stop := ch.Listen(event, req.OnEvent)
			defer stop()
		}
		if req.OnSubscribed != nil {
			wg.Go(func() {
				err := ch.Wait(listenCtx)
				if listenCtx.Err() != nil {
					return
				}
				req.OnSubscribed(ch.Name(), err)
			})
		}
	}
	defer func() {
		cancel()
		wg.Wait()
	}()
	a.logger.Info("listening",
		logging.Field("channels", req.Channels),
		logging.Field("events", events),
	)

	for {
		change, ok := runctx.RecvOrDone(listenCtx, "session watcher", a.logger, changes)
		if !ok {
			return ctx.Err()
		}
		if !change.Present {
			a.logger.Info("session logged out; closing subscriptions")
			return ErrLoggedOut
		}
		a.logger.Debug("session credential replaced")
	}
}

// ServeMetrics exposes the registry on addr until ctx ends.
func (a *App) ServeMetrics(ctx context.Context, addr string) error {
	if a.registry == nil {
		return errors.New("metrics registry is not configured")
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.logger.Info("serving metrics", logging.Field("addr", listener.Addr().String()))
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the Channel Client if one was started. Realtime fails with
// realtime.ErrClosed afterwards.
func (a *App) Close() error {
	a.realtimeMu.Lock()
	a.closed = true
	client := a.realtime
	a.realtimeMu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

type runtimeStatusState struct {
	mu      sync.Mutex
	current string
}

func (s *runtimeStatusState) update(status string) (string, string, bool) {
	trimmed := strings.TrimSpace(status)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == trimmed {
		return s.current, trimmed, false
	}
	previous := s.current
	s.current = trimmed
	return previous, trimmed, true
}

func (a *App) setRuntimeStatus(status string) {
	previous, next, changed := a.status.update(runstatus.Label(status))
	if !changed {
		return
	}
	a.logger.Debug("runtime status transition",
		logging.Field("from", previous),
		logging.Field("to", next),
	)
	if a.hooks.OnStatusChange != nil {
		a.hooks.OnStatusChange(next)
	}
}
