package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"portal-client/internal/logging"
	"portal-client/internal/metrics"
	"portal-client/internal/realtime"
	"portal-client/internal/runctx"
	"portal-client/internal/runstatus"
)

const (
	protocolVersion        = 7
	clientName             = "portal-go"
	clientVersion          = "1.0.0"
	defaultActivityTimeout = 120 * time.Second
	defaultPongTimeout     = 30 * time.Second
	handshakeTimeout       = 30 * time.Second
	writeTimeout           = 10 * time.Second
	reconnectDelay         = time.Second
	reconnectMaxDelay      = 30 * time.Second
	maxFrameBytes          = 1 << 20
)

type Config struct {
	Host     string
	Port     int
	Key      string
	ForceTLS bool
	// Path is an optional prefix in front of /app/{key}.
	Path string
	// ActivityTimeout is the idle time after which the client pings. The
	// server's advertised timeout wins when it is shorter.
	ActivityTimeout time.Duration
	PongTimeout     time.Duration
	Dialer          *websocket.Dialer
	// OnStatus receives runstatus keys as the connection changes state.
	OnStatus func(status string)
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// URL is the websocket endpoint for cfg.
func (cfg Config) URL() (string, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return "", errors.New("pusher host is required")
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		return "", errors.New("pusher app key is required")
	}
	scheme := "ws"
	port := cfg.Port
	if cfg.ForceTLS {
		scheme = "wss"
	}
	if port <= 0 {
		port = 80
		if cfg.ForceTLS {
			port = 443
		}
	}
	query := url.Values{}
	query.Set("protocol", strconv.Itoa(protocolVersion))
	query.Set("client", clientName)
	query.Set("version", clientVersion)
	target := url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     path.Join("/", cfg.Path, "app", key),
		RawQuery: query.Encode(),
	}
	return target.String(), nil
}

// Transport speaks the Pusher channels protocol over one websocket at a
// time, reconnecting with exponential backoff until its Run context ends.
type Transport struct {
	url             string
	dialer          *websocket.Dialer
	activityTimeout time.Duration
	pongTimeout     time.Duration
	onStatus        func(string)
	logger          *logging.Logger
	metrics         *metrics.Metrics

	mu     sync.Mutex
	conn   *connection
	status string
}

var _ realtime.Transport = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	if cfg.Logger == nil {
		panic("pusher.New: logger must not be nil")
	}
	target, err := cfg.URL()
	if err != nil {
		return nil, err
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	activity := cfg.ActivityTimeout
	if activity <= 0 {
		activity = defaultActivityTimeout
	}
	pong := cfg.PongTimeout
	if pong <= 0 {
		pong = defaultPongTimeout
	}
	return &Transport{
		url:             target,
		dialer:          dialer,
		activityTimeout: activity,
		pongTimeout:     pong,
		onStatus:        cfg.OnStatus,
		logger:          cfg.Logger.With(logging.Field("component", "pusher")),
		metrics:         cfg.Metrics,
		status:          runstatus.KeyDisconnected,
	}, nil
}

// Status returns the current runstatus key.
func (t *Transport) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transport) setStatus(status string) {
	t.mu.Lock()
	changed := t.status != status
	t.status = status
	t.mu.Unlock()
	if !changed {
		return
	}
	t.metrics.IncConnection(status)
	t.logger.Debug("pusher connection status", logging.Field("status", status))
	if t.onStatus != nil {
		t.onStatus(status)
	}
}

// Run keeps a connection open until ctx ends or the server refuses the
// client permanently.
func (t *Transport) Run(ctx context.Context, handlers realtime.Handlers) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = reconnectDelay
	retry.MaxInterval = reconnectMaxDelay
	retry.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		established, err := t.runConnection(ctx, handlers)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if established {
			retry.Reset()
		}
		if protocolErr, ok := protocolErrorFrom(err); ok {
			switch {
			case protocolErr.Permanent():
				return struct{}{}, backoff.Permanent(protocolErr)
			case protocolErr.Immediate():
				return struct{}{}, backoff.RetryAfter(0)
			}
		}
		if err == nil {
			err = io.EOF
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(retry),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			t.logger.Debug("pusher reconnecting",
				logging.Field("error", err),
				logging.Field("next_retry", next.String()))
		}),
	)
	t.setStatus(runstatus.KeyDisconnected)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.logger.Warn("pusher transport stopped", logging.Field("error", err))
	}
	return err
}

// runConnection dials once and serves the connection until it ends.
// established reports whether the server completed the handshake.
func (t *Transport) runConnection(ctx context.Context, handlers realtime.Handlers) (established bool, err error) {
	t.setStatus(runstatus.KeyConnecting)
	t.logger.Debug("dialing pusher", logging.Field("url", t.url))

	ws, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		t.setStatus(runstatus.KeyUnavailable)
		if resp != nil {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			_ = resp.Body.Close()
			t.logger.Warn("pusher handshake rejected",
				logging.Field("status", resp.Status),
				logging.Field("response", logging.FormatHTTPPayload(data)),
			)
			return false, fmt.Errorf("pusher handshake: %s: %w", resp.Status, err)
		}
		return false, err
	}
	ws.SetReadLimit(maxFrameBytes)

	connCtx, cancelConn := context.WithCancel(ctx)
	conn := newConnection(ws)
	defer func() {
		cancelConn()
		conn.shutdown()
		t.detach(conn)
		if established {
			t.setStatus(runstatus.KeyUnavailable)
			if handlers.OnDisconnected != nil {
				handlers.OnDisconnected(err)
			}
		}
	}()

	frames := make(chan frame, 16)
	readErrs := make(chan error, 1)
	go readFrames(connCtx, ws, t.logger, frames, readErrs)

	idle := time.NewTimer(handshakeTimeout)
	defer idle.Stop()
	activity := t.activityTimeout
	awaitingPong := false

	for {
		select {
		case <-ctx.Done():
			conn.closeNormal()
			return established, ctx.Err()
		case readErr := <-readErrs:
			return established, readErr
		case <-idle.C:
			if !established {
				return false, ErrHandshakeTimeout
			}
			if awaitingPong {
				return true, ErrPongTimeout
			}
			if pingErr := conn.send(eventPing); pingErr != nil {
				return true, pingErr
			}
			awaitingPong = true
			idle.Reset(t.pongTimeout)
		case f := <-frames:
			if established {
				awaitingPong = false
				idle.Reset(activity)
			}
			switch f.Event {
			case eventConnectionEstablished:
				info, parseErr := parseConnectionEstablished(f.Data)
				if parseErr != nil {
					return established, parseErr
				}
				if advertised := time.Duration(info.ActivityTimeout) * time.Second; advertised > 0 && advertised < activity {
					activity = advertised
				}
				established = true
				idle.Reset(activity)
				t.attach(conn)
				t.setStatus(runstatus.KeyConnected)
				t.logger.Debug("pusher connection established",
					logging.Field("socket_id", info.SocketID),
					logging.Field("activity_timeout", activity.String()),
				)
				if handlers.OnConnected != nil {
					handlers.OnConnected(info.SocketID)
				}
			case eventError:
				protocolErr := parseProtocolError(f.Data)
				t.logger.Warn("pusher error",
					logging.Field("code", protocolErr.Code),
					logging.Field("message", protocolErr.Message),
				)
				if protocolErr.Code >= 4000 {
					return established, protocolErr
				}
			case eventPing:
				if pongErr := conn.send(eventPong); pongErr != nil {
					return established, pongErr
				}
			case eventPong:
			case eventSubscriptionSucceeded:
				conn.resolve(f.Channel, nil)
			case eventSubscriptionError:
				conn.resolve(f.Channel, parseSubscriptionError(f.Channel, f.Data))
			default:
				if f.Channel == "" || strings.HasPrefix(f.Event, internalPrefix) {
					t.logger.Debug("ignoring pusher frame",
						logging.Field("event", f.Event),
						logging.Field("channel", f.Channel),
					)
					continue
				}
				if handlers.OnEvent != nil {
					handlers.OnEvent(realtime.Event{Channel: f.Channel, Name: f.Event, Data: f.Data})
				}
			}
		}
	}
}

// Subscribe sends pusher:subscribe and waits for the server's verdict.
func (t *Transport) Subscribe(ctx context.Context, channel string, credentials json.RawMessage) error {
	conn := t.current()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := subscribeFrame(channel, credentials)
	if err != nil {
		return err
	}
	verdict := conn.expect(channel)
	if err := conn.write(payload); err != nil {
		conn.forget(channel, verdict)
		return err
	}
	t.logger.Debug("pusher subscribe sent", logging.Field("channel", channel))

	select {
	case <-ctx.Done():
		conn.forget(channel, verdict)
		return ctx.Err()
	case err := <-verdict:
		return err
	}
}

// Unsubscribe sends pusher:unsubscribe. Without a connection there is
// nothing to release.
func (t *Transport) Unsubscribe(channel string) error {
	conn := t.current()
	if conn == nil {
		return nil
	}
	conn.forget(channel, nil)
	return conn.send(eventUnsubscribe, field{key: "channel", value: channel})
}

func (t *Transport) current() *connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *Transport) attach(conn *connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
}

func (t *Transport) detach(conn *connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
	}
}

func readFrames(ctx context.Context, ws *websocket.Conn, logger *logging.Logger, out chan<- frame, errs chan<- error) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		f, err := parseFrame(raw)
		if err != nil {
			logger.Debug("dropping malformed pusher frame",
				logging.Field("error", err),
				logging.Field("frame", logging.FormatHTTPPayload(raw)),
			)
			continue
		}
		if !runctx.SendOrDone(ctx, "pusher frame reader", logger, out, f) {
			return
		}
	}
}

// connection is one live websocket. Writes are serialized; gorilla
// connections allow one concurrent writer.
type connection struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan error
	closed  bool
}

func newConnection(ws *websocket.Conn) *connection {
	return &connection{ws: ws, pending: map[string]chan error{}}
}

func (c *connection) send(event string, data ...field) error {
	payload, err := buildFrame(event, data...)
	if err != nil {
		return err
	}
	return c.write(payload)
}

func (c *connection) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *connection) closeNormal() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
}

// expect registers interest in the subscribe verdict for channel. A newer
// request for the same channel supersedes an older one.
func (c *connection) expect(channel string) chan error {
	verdict := make(chan error, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		verdict <- ErrNotConnected
		return verdict
	}
	if previous, ok := c.pending[channel]; ok {
		previous <- ErrSubscribeSuperseded
	}
	c.pending[channel] = verdict
	return verdict
}

// forget drops the pending verdict for channel. A nil verdict drops
// whatever is pending.
func (c *connection) forget(channel string, verdict chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.pending[channel]
	if !ok {
		return
	}
	if verdict == nil || current == verdict {
		delete(c.pending, channel)
		if verdict == nil {
			current <- ErrSubscribeSuperseded
		}
	}
}

func (c *connection) resolve(channel string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	verdict, ok := c.pending[channel]
	if !ok {
		return
	}
	delete(c.pending, channel)
	verdict <- err
}

func (c *connection) shutdown() {
	c.mu.Lock()
	c.closed = true
	for channel, verdict := range c.pending {
		verdict <- ErrNotConnected
		delete(c.pending, channel)
	}
	c.mu.Unlock()
	_ = c.ws.Close()
}
