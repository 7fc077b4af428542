package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"portal-client/internal/logging"
	"portal-client/internal/realtime"
	"portal-client/internal/runstatus"
)

// fakeServer is a minimal Pusher-compatible broadcaster. Each accepted
// connection gets socket id "<n>.1" and its frames are recorded.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	// onConnect runs after connection_established; returning false closes
	// the connection immediately.
	onConnect func(n int, ws *websocket.Conn) bool

	mu       sync.Mutex
	conns    int
	frames   []string
	paths    []string
	live     *websocket.Conn
	rejected map[string]bool
	writeMu  sync.Mutex
}

func newFakeServer(t *testing.T) *fakeServer {
	s := &fakeServer{t: t, rejected: map[string]bool{}}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	s.mu.Lock()
	s.conns++
	n := s.conns
	s.paths = append(s.paths, r.URL.RequestURI())
	s.live = ws
	onConnect := s.onConnect
	s.mu.Unlock()

	established, _ := json.Marshal(map[string]any{
		"socket_id":        strconv.Itoa(n) + ".1",
		"activity_timeout": 120,
	})
	s.write(ws, map[string]any{"event": eventConnectionEstablished, "data": string(established)})
	if onConnect != nil && !onConnect(n, ws) {
		return
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, string(raw))
		rejected := s.rejected
		s.mu.Unlock()

		parsed := gjson.ParseBytes(raw)
		switch parsed.Get("event").String() {
		case eventSubscribe:
			channel := parsed.Get("data.channel").String()
			if rejected[channel] {
				s.write(ws, map[string]any{
					"event":   eventSubscriptionError,
					"channel": channel,
					"data":    map[string]any{"type": "AuthError", "error": "Invalid signature", "status": 401},
				})
				continue
			}
			s.write(ws, map[string]any{"event": eventSubscriptionSucceeded, "channel": channel, "data": "{}"})
		case eventPing:
			s.write(ws, map[string]any{"event": eventPong, "data": "{}"})
		}
	}
}

func (s *fakeServer) write(ws *websocket.Conn, msg map[string]any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = ws.WriteJSON(msg)
}

func (s *fakeServer) push(msg map[string]any) {
	s.mu.Lock()
	ws := s.live
	s.mu.Unlock()
	if ws == nil {
		s.t.Fatalf("no live connection")
	}
	s.write(ws, msg)
}

func (s *fakeServer) reject(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[channel] = true
}

func (s *fakeServer) setOnConnect(fn func(n int, ws *websocket.Conn) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = fn
}

func (s *fakeServer) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

func (s *fakeServer) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func (s *fakeServer) config(t *testing.T) Config {
	t.Helper()
	host, portText, err := net.SplitHostPort(strings.TrimPrefix(s.srv.URL, "http://"))
	if err != nil {
		t.Fatalf("split server address: %v", err)
	}
	port, _ := strconv.Atoi(portText)
	return Config{Host: host, Port: port, Key: "portal-key", Logger: logging.Discard()}
}

type recorder struct {
	connected    chan string
	disconnected chan error
	events       chan realtime.Event
}

func newRecorder() *recorder {
	return &recorder{
		connected:    make(chan string, 8),
		disconnected: make(chan error, 8),
		events:       make(chan realtime.Event, 16),
	}
}

func (r *recorder) handlers() realtime.Handlers {
	return realtime.Handlers{
		OnConnected:    func(socketID string) { r.connected <- socketID },
		OnDisconnected: func(err error) { r.disconnected <- err },
		OnEvent:        func(ev realtime.Event) { r.events <- ev },
	}
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func startTransport(t *testing.T, cfg Config, rec *recorder) (*Transport, <-chan error) {
	t.Helper()
	transport, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		result <- transport.Run(ctx, rec.handlers())
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(3 * time.Second):
			t.Errorf("Run() did not return after cancel")
		}
	})
	return transport, result
}

func TestConfigURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "plain with port",
			cfg:  Config{Host: "realtime.example.test", Port: 6001, Key: "abc"},
			want: "ws://realtime.example.test:6001/app/abc?client=portal-go&protocol=7&version=1.0.0",
		},
		{
			name: "tls default port",
			cfg:  Config{Host: "realtime.example.test", Key: "abc", ForceTLS: true},
			want: "wss://realtime.example.test:443/app/abc?client=portal-go&protocol=7&version=1.0.0",
		},
		{
			name: "path prefix",
			cfg:  Config{Host: "campus.example.test", Port: 8080, Key: "abc", Path: "/ws/"},
			want: "ws://campus.example.test:8080/ws/app/abc?client=portal-go&protocol=7&version=1.0.0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.URL()
			if err != nil {
				t.Fatalf("URL() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("URL() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := (Config{Key: "abc"}).URL(); err == nil {
		t.Fatalf("URL() without host expected error")
	}
	if _, err := (Config{Host: "h"}).URL(); err == nil {
		t.Fatalf("URL() without key expected error")
	}
}

func TestSubscribeFrame(t *testing.T) {
	frame, err := subscribeFrame("presence-room.1", json.RawMessage(`{"auth":"key:sig","channel_data":"{\"user_id\":7}"}`))
	if err != nil {
		t.Fatalf("subscribeFrame() error = %v", err)
	}
	parsed := gjson.ParseBytes(frame)
	if parsed.Get("event").String() != eventSubscribe {
		t.Fatalf("event = %q", parsed.Get("event").String())
	}
	if got := parsed.Get("data.channel").String(); got != "presence-room.1" {
		t.Fatalf("data.channel = %q", got)
	}
	if got := parsed.Get("data.auth").String(); got != "key:sig" {
		t.Fatalf("data.auth = %q", got)
	}
	if got := parsed.Get("data.channel_data").String(); got != `{"user_id":7}` {
		t.Fatalf("data.channel_data = %q", got)
	}

	if _, err := subscribeFrame("private-chat.7", json.RawMessage(`{"token":"x"}`)); err == nil {
		t.Fatalf("subscribeFrame() without auth expected error")
	}
	public, err := subscribeFrame("announcements", nil)
	if err != nil {
		t.Fatalf("subscribeFrame(public) error = %v", err)
	}
	if gjson.GetBytes(public, "data.auth").Exists() {
		t.Fatalf("public subscribe carries auth: %s", public)
	}
}

func TestParseFrame_UnwrapsStringData(t *testing.T) {
	f, err := parseFrame([]byte(`{"event":"MessageSent","channel":"private-chat.7","data":"{\"id\":1}"}`))
	if err != nil {
		t.Fatalf("parseFrame() error = %v", err)
	}
	if f.Event != "MessageSent" || f.Channel != "private-chat.7" || string(f.Data) != `{"id":1}` {
		t.Fatalf("frame = %+v data=%s", f, f.Data)
	}

	f, err = parseFrame([]byte(`{"event":"pusher:error","data":{"code":4001,"message":"App key not in this cluster"}}`))
	if err != nil {
		t.Fatalf("parseFrame() error = %v", err)
	}
	if protocolErr := parseProtocolError(f.Data); protocolErr.Code != 4001 || !protocolErr.Permanent() {
		t.Fatalf("protocol error = %+v", protocolErr)
	}

	if _, err := parseFrame([]byte(`{"channel":"x"}`)); err == nil {
		t.Fatalf("parseFrame() without event expected error")
	}
	if _, err := parseFrame([]byte(`not json`)); err == nil {
		t.Fatalf("parseFrame() invalid json expected error")
	}
}

func TestTransport_ConnectSubscribeAndDeliver(t *testing.T) {
	server := newFakeServer(t)
	rec := newRecorder()
	statuses := make(chan string, 16)
	cfg := server.config(t)
	cfg.OnStatus = func(status string) { statuses <- status }
	transport, _ := startTransport(t, cfg, rec)

	if socketID := receive(t, rec.connected, "connection"); socketID != "1.1" {
		t.Fatalf("socket id = %q", socketID)
	}
	if transport.Status() != runstatus.KeyConnected {
		t.Fatalf("Status() = %q", transport.Status())
	}
	if got := receive(t, statuses, "status"); got != runstatus.KeyConnecting {
		t.Fatalf("first status = %q", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := transport.Subscribe(ctx, "private-chat.7", json.RawMessage(`{"auth":"portal-key:abcdef"}`)); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	frames := server.Frames()
	if len(frames) != 1 || gjson.Get(frames[0], "data.auth").String() != "portal-key:abcdef" {
		t.Fatalf("server frames = %v", frames)
	}

	server.push(map[string]any{"event": "MessageSent", "channel": "private-chat.7", "data": `{"id":1}`})
	server.push(map[string]any{"event": "MessageSent", "channel": "private-chat.7", "data": map[string]any{"id": 2}})
	server.push(map[string]any{"event": "pusher_internal:member_added", "channel": "private-chat.7", "data": "{}"})
	server.push(map[string]any{"event": "MessageSent", "channel": "private-chat.7", "data": `{"id":3}`})

	for _, want := range []string{`{"id":1}`, `{"id":2}`, `{"id":3}`} {
		ev := receive(t, rec.events, "event")
		if ev.Channel != "private-chat.7" || ev.Name != "MessageSent" || string(ev.Data) != want {
			t.Fatalf("event = %+v data=%s, want %s", ev, ev.Data, want)
		}
	}

	if err := transport.Unsubscribe("private-chat.7"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frames = server.Frames()
		if len(frames) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(frames) != 2 || gjson.Get(frames[1], "event").String() != eventUnsubscribe {
		t.Fatalf("server frames = %v", frames)
	}
	if path := server.Paths()[0]; !strings.HasPrefix(path, "/app/portal-key?") || !strings.Contains(path, "protocol=7") {
		t.Fatalf("connect path = %q", path)
	}
}

func TestTransport_SubscriptionError(t *testing.T) {
	server := newFakeServer(t)
	server.reject("private-chat.9")
	rec := newRecorder()
	transport, _ := startTransport(t, server.config(t), rec)
	receive(t, rec.connected, "connection")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := transport.Subscribe(ctx, "private-chat.9", json.RawMessage(`{"auth":"portal-key:bad"}`))
	var subErr *SubscriptionError
	if !errors.As(err, &subErr) {
		t.Fatalf("Subscribe() error = %v, want SubscriptionError", err)
	}
	if subErr.Status != 401 || subErr.Channel != "private-chat.9" || subErr.Message != "Invalid signature" {
		t.Fatalf("SubscriptionError = %+v", subErr)
	}
}

func TestTransport_SubscribeWithoutConnection(t *testing.T) {
	transport, err := New(Config{Host: "127.0.0.1", Port: 1, Key: "k", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := transport.Subscribe(context.Background(), "private-chat.7", json.RawMessage(`{"auth":"k:s"}`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := transport.Unsubscribe("private-chat.7"); err != nil {
		t.Fatalf("Unsubscribe() without connection error = %v", err)
	}
}

func TestTransport_AnswersServerPing(t *testing.T) {
	server := newFakeServer(t)
	rec := newRecorder()
	startTransport(t, server.config(t), rec)
	receive(t, rec.connected, "connection")

	server.push(map[string]any{"event": eventPing, "data": "{}"})
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range server.Frames() {
			if gjson.Get(f, "event").String() == eventPong {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no pong sent; frames = %v", server.Frames())
}

func TestTransport_PingsAfterInactivity(t *testing.T) {
	server := newFakeServer(t)
	rec := newRecorder()
	cfg := server.config(t)
	cfg.ActivityTimeout = 50 * time.Millisecond
	startTransport(t, cfg, rec)
	receive(t, rec.connected, "connection")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range server.Frames() {
			if gjson.Get(f, "event").String() == eventPing {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no ping sent; frames = %v", server.Frames())
}

func TestTransport_ReconnectsAfterDrop(t *testing.T) {
	server := newFakeServer(t)
	server.setOnConnect(func(n int, ws *websocket.Conn) bool {
		return n > 1
	})
	rec := newRecorder()
	startTransport(t, server.config(t), rec)

	if socketID := receive(t, rec.connected, "first connection"); socketID != "1.1" {
		t.Fatalf("first socket id = %q", socketID)
	}
	if err := receive(t, rec.disconnected, "disconnect"); err == nil {
		t.Fatalf("disconnect error = nil")
	}
	if socketID := receive(t, rec.connected, "second connection"); socketID != "2.1" {
		t.Fatalf("second socket id = %q", socketID)
	}
}

func TestTransport_PermanentErrorStopsRun(t *testing.T) {
	server := newFakeServer(t)
	server.setOnConnect(func(n int, ws *websocket.Conn) bool {
		server.write(ws, map[string]any{
			"event": eventError,
			"data":  map[string]any{"code": 4001, "message": "Application does not exist"},
		})
		return true
	})
	rec := newRecorder()
	_, done := startTransport(t, server.config(t), rec)

	var err error
	select {
	case err = <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run() did not stop on permanent error")
	}
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) || protocolErr.Code != 4001 {
		t.Fatalf("Run() error = %v, want ProtocolError 4001", err)
	}
}
