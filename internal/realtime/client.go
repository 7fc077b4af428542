package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"portal-client/internal/gateway"
	"portal-client/internal/logging"
	"portal-client/internal/metrics"
	"portal-client/internal/runtime"
	"portal-client/internal/session"
)

const closeTimeout = 5 * time.Second

// Poster is the part of the Gateway the Channel Client needs.
// *gateway.Gateway satisfies it.
type Poster interface {
	Post(ctx context.Context, path string, body any, opts ...gateway.RequestOption) (*gateway.Response, error)
}

type Config struct {
	Transport Transport
	Gateway   Poster
	Session   session.Provider
	// AuthURL is the absolute channel authorization endpoint,
	// eg https://campus.example.com/broadcasting/auth.
	AuthURL string
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Client is the process-wide Channel Client. It authorizes private
// channels through the Gateway and fans transport events out to channel
// listeners. It never retries a failed subscription on its own.
type Client struct {
	transport Transport
	gateway   Poster
	session   session.Provider
	authURL   string
	logger    *logging.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	runner *runtime.Controller
	wg     sync.WaitGroup

	mu       sync.Mutex
	socketID string
	channels map[string]*Channel
	closed   bool
}

type authRequest struct {
	SocketID    string `json:"socket_id"`
	ChannelName string `json:"channel_name"`
}

func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		panic("realtime.New: logger must not be nil")
	}
	if cfg.Transport == nil {
		return nil, errors.New("realtime transport is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("realtime gateway is required")
	}
	if cfg.Session == nil {
		return nil, errors.New("realtime session provider is required")
	}
	authURL, err := url.Parse(strings.TrimSpace(cfg.AuthURL))
	if err != nil {
		return nil, fmt.Errorf("invalid channel authorization URL: %w", err)
	}
	if !authURL.IsAbs() || authURL.Host == "" {
		return nil, errors.New("channel authorization URL must be absolute")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		transport: cfg.Transport,
		gateway:   cfg.Gateway,
		session:   cfg.Session,
		authURL:   authURL.String(),
		logger:    cfg.Logger.With(logging.Field("component", "realtime")),
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		runner:    runtime.NewController(ctx, cfg.Logger),
		channels:  map[string]*Channel{},
	}, nil
}

// Connect starts the transport loop in the background. The loop stops
// when ctx ends or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	stopOnDone := context.AfterFunc(ctx, c.runner.Stop)
	err := c.runner.Start("realtime transport", runtime.ServiceFunc(func(runCtx context.Context) error {
		defer stopOnDone()
		return c.transport.Run(runCtx, Handlers{
			OnConnected:    c.handleConnected,
			OnDisconnected: c.handleDisconnected,
			OnEvent:        c.handleEvent,
		})
	}), runtime.StartHooks{
		OnExit: func(err error) {
			c.handleDisconnected(err)
		},
	})
	if err != nil {
		stopOnDone()
		return err
	}
	return nil
}

// Authorize obtains the signed credential for channelName on the
// connection identified by socketID. Without a session token it fails
// with *gateway.AuthError and sends nothing.
func (c *Client) Authorize(ctx context.Context, channelName string, socketID string) (json.RawMessage, error) {
	_, ok, err := c.session.CurrentToken(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, &gateway.CancelledError{Method: http.MethodPost, URL: c.authURL, Err: err}
		}
		return nil, &gateway.AuthError{Reason: "session credential unreadable", Err: err}
	}
	if !ok {
		c.logger.Debug("channel authorization skipped: no session token", logging.Field("channel", channelName))
		return nil, &gateway.AuthError{Reason: "no session token"}
	}

	c.logger.Debug("authorizing channel",
		logging.Field("channel", channelName),
		logging.Field("socket_id", socketID),
	)
	resp, err := c.gateway.Post(ctx, c.authURL, authRequest{SocketID: socketID, ChannelName: channelName})
	if err != nil {
		if _, isServer := gateway.StatusCode(err); isServer || gateway.IsNetwork(err) || gateway.IsCancelled(err) {
			return nil, err
		}
		return nil, &gateway.AuthError{Reason: "channel authorization failed", Err: err}
	}
	return json.RawMessage(resp.Body), nil
}

// SubscribeChannel returns the handle for name and takes a reference on
// it. Authorization starts now when the transport is connected, or on the
// next connection otherwise. A handle whose last attempt failed is
// authorized again.
func (c *Client) SubscribeChannel(name string) *Channel {
	name = strings.TrimSpace(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.channels[name]
	if !ok {
		ch = newChannel(name)
		if !c.closed && name != "" {
			c.channels[name] = ch
		}
	}

	ch.mu.Lock()
	ch.refs++
	var attempt uint64
	switch {
	case c.closed:
		ch.settleLocked(Unsubscribed, ErrClosed)
	case name == "":
		ch.settleLocked(Unsubscribed, errors.New("channel name must not be empty"))
	case ch.refs == 1 || (ch.state == Unsubscribed && ch.err != nil):
		if c.socketID == "" {
			ch.pendLocked()
			break
		}
		attempt = ch.beginLocked()
		c.transitionLocked(ch)
	}
	socketID := c.socketID
	ch.mu.Unlock()

	if attempt != 0 {
		c.startAttemptLocked(ch, attempt, socketID)
	}
	return ch
}

// LeaveChannel releases one reference on name. Releasing the last one
// drops every listener and closes the transport subscription.
func (c *Client) LeaveChannel(name string) {
	name = strings.TrimSpace(name)

	c.mu.Lock()
	ch, ok := c.channels[name]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("leave ignored for unknown channel", logging.Field("channel", name))
		return
	}
	ch.mu.Lock()
	ch.refs--
	if ch.refs > 0 {
		ch.mu.Unlock()
		c.mu.Unlock()
		return
	}
	delete(c.channels, name)
	wasSubscribed := ch.state == Subscribed
	changed := ch.state != Unsubscribed
	ch.detachLocked()
	if changed {
		c.transitionLocked(ch)
	}
	connected := c.socketID != ""
	ch.mu.Unlock()
	c.mu.Unlock()

	if wasSubscribed && connected {
		c.unsubscribe(name)
	}
}

// Close leaves every channel and stops the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	connected := c.socketID != ""
	subscribed := []string{}
	for name, ch := range c.channels {
		ch.mu.Lock()
		if ch.state == Subscribed {
			subscribed = append(subscribed, name)
		}
		ch.detachLocked()
		ch.mu.Unlock()
		delete(c.channels, name)
	}
	c.mu.Unlock()

	if connected {
		for _, name := range subscribed {
			c.unsubscribe(name)
		}
	}
	c.cancel()
	stopped := c.runner.StopAndWait(closeTimeout)
	c.wg.Wait()
	if !stopped {
		return errors.New("realtime transport did not stop in time")
	}
	return nil
}

func (c *Client) unsubscribe(name string) {
	if err := c.transport.Unsubscribe(name); err != nil {
		c.logger.Debug("transport unsubscribe failed",
			logging.Field("channel", name),
			logging.Field("error", err),
		)
	}
}

// startAttemptLocked runs one authorize + subscribe round. c.mu must be
// held and the client open.
func (c *Client) startAttemptLocked(ch *Channel, attempt uint64, socketID string) {
	c.wg.Go(func() {
		var credentials json.RawMessage
		var err error
		if requiresAuthorization(ch.name) {
			credentials, err = c.Authorize(c.ctx, ch.name, socketID)
		}
		if err == nil {
			err = c.transport.Subscribe(c.ctx, ch.name, credentials)
		}
		c.finishAttempt(ch, attempt, err)
	})
}

func (c *Client) finishAttempt(ch *Channel, attempt uint64, err error) {
	c.mu.Lock()
	orphaned := err == nil && c.channels[ch.name] == nil && c.socketID != ""
	ch.mu.Lock()
	current := ch.attempt == attempt && ch.refs > 0
	var hooks []func(error)
	if current {
		if err == nil {
			ch.settleLocked(Subscribed, nil)
		} else {
			ch.settleLocked(Unsubscribed, err)
			hooks = ch.failureHooksLocked()
		}
		c.transitionLocked(ch)
	}
	ch.mu.Unlock()
	c.mu.Unlock()

	if orphaned {
		c.unsubscribe(ch.name)
	}
	if !current {
		c.logger.Debug("discarding stale subscription result",
			logging.Field("channel", ch.name),
			logging.Field("error", err),
		)
		return
	}
	if err != nil {
		if gateway.IsCancelled(err) {
			c.logger.Debug("channel subscription cancelled", logging.Field("channel", ch.name))
		} else {
			c.logger.Warn("channel subscription failed",
				logging.Field("channel", ch.name),
				logging.Field("error", err),
			)
		}
		for _, hook := range hooks {
			hook(err)
		}
		return
	}
	c.logger.Info("channel subscribed", logging.Field("channel", ch.name))
}

func (c *Client) handleConnected(socketID string) {
	c.logger.Info("realtime connected", logging.Field("socket_id", socketID))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.socketID = socketID
	if c.closed {
		return
	}
	for _, ch := range c.channels {
		ch.mu.Lock()
		if ch.refs <= 0 || ch.err != nil {
			ch.mu.Unlock()
			continue
		}
		attempt := ch.beginLocked()
		c.transitionLocked(ch)
		ch.mu.Unlock()
		c.startAttemptLocked(ch, attempt, socketID)
	}
}

func (c *Client) handleDisconnected(err error) {
	c.mu.Lock()
	wasConnected := c.socketID != ""
	c.socketID = ""
	for _, ch := range c.channels {
		ch.mu.Lock()
		if ch.err == nil && ch.state != Unsubscribed {
			ch.pendLocked()
			c.transitionLocked(ch)
		}
		ch.mu.Unlock()
	}
	c.mu.Unlock()

	if !wasConnected {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("realtime disconnected", logging.Field("error", err))
		return
	}
	c.logger.Info("realtime disconnected")
}

func (c *Client) handleEvent(ev Event) {
	c.mu.Lock()
	ch := c.channels[ev.Channel]
	c.mu.Unlock()
	if ch == nil {
		c.logger.Debug("dropping event for unsubscribed channel",
			logging.Field("channel", ev.Channel),
			logging.Field("event", ev.Name),
		)
		return
	}
	c.metrics.IncEvent(ev.Name)
	if delivered := ch.dispatch(ev); delivered == 0 {
		c.logger.Debug("event had no listeners",
			logging.Field("channel", ev.Channel),
			logging.Field("event", ev.Name),
		)
	}
}

// transitionLocked records the channel's current state. ch.mu must be held.
func (c *Client) transitionLocked(ch *Channel) {
	c.metrics.IncSubscription(ch.state.String())
	c.logger.Debug("channel state changed",
		logging.Field("channel", ch.name),
		logging.Field("state", ch.state.String()),
	)
}

// requiresAuthorization reports whether name is a private or presence
// channel. Public channels subscribe without a credential.
func requiresAuthorization(name string) bool {
	return strings.HasPrefix(name, "private-") || strings.HasPrefix(name, "presence-")
}
