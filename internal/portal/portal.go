package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"portal-client/internal/gateway"
	"portal-client/internal/logging"
	"portal-client/internal/realtime"
	"portal-client/internal/session"
)

// MessageSentEvent is the broadcast name of a new chat message.
const MessageSentEvent = "MessageSent"

var ErrNoToken = errors.New("login response did not include a token")

// tokenPaths are the places the backend has been seen to put the issued token.
var tokenPaths = []string{"token", "access_token", "data.token", "data.access_token"}

type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	SenderID  int64     `json:"sender_id"`
	Body      string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Client is the set of backend calls the portal makes on top of the
// Gateway. Login and Logout are the only writers of the session token.
type Client struct {
	gateway *gateway.Gateway
	store   session.TokenStore
	logger  *logging.Logger
}

func New(gw *gateway.Gateway, store session.TokenStore, logger *logging.Logger) *Client {
	if gw == nil || store == nil || logger == nil {
		panic("portal.New: gateway, store and logger must not be nil")
	}
	return &Client{gateway: gw, store: store, logger: logger}
}

// Login exchanges credentials for a token and stores it.
func (c *Client) Login(ctx context.Context, email string, password string) (User, error) {
	resp, err := c.gateway.Post(ctx, "login", map[string]string{
		"email":    strings.TrimSpace(email),
		"password": password,
	})
	if err != nil {
		return User{}, err
	}

	token := ""
	for _, p := range tokenPaths {
		if value := gjson.GetBytes(resp.Body, p).String(); strings.TrimSpace(value) != "" {
			token = value
			break
		}
	}
	if token == "" {
		return User{}, ErrNoToken
	}
	if err := c.store.SetToken(ctx, token); err != nil {
		return User{}, fmt.Errorf("store session token: %w", err)
	}

	user := User{}
	for _, p := range []string{"user", "data.user"} {
		if raw := gjson.GetBytes(resp.Body, p); raw.IsObject() {
			if err := json.Unmarshal([]byte(raw.Raw), &user); err != nil {
				return User{}, fmt.Errorf("decode login user: %w", err)
			}
			break
		}
	}
	c.logger.Info("logged in", logging.Field("email", user.Email))
	return user, nil
}

// Logout asks the backend to revoke the token, then clears it locally
// whatever the backend answered.
func (c *Client) Logout(ctx context.Context) error {
	if _, ok, err := c.store.CurrentToken(ctx); err == nil && ok {
		if _, err := c.gateway.Post(ctx, "logout", nil); err != nil && !gateway.IsCancelled(err) {
			c.logger.Warn("server logout failed; clearing local session anyway", logging.Field("error", err))
		}
	}
	if err := c.store.ClearToken(ctx); err != nil {
		return fmt.Errorf("clear session token: %w", err)
	}
	c.logger.Info("logged out")
	return nil
}

func (c *Client) Me(ctx context.Context) (User, error) {
	resp, err := c.gateway.Get(ctx, "me")
	if err != nil {
		return User{}, err
	}
	user := User{}
	if err := decodeEnvelope(resp, &user); err != nil {
		return User{}, fmt.Errorf("decode current user: %w", err)
	}
	return user, nil
}

// ChatMessages returns the persisted history of a conversation. page <= 0
// requests the backend's default page.
func (c *Client) ChatMessages(ctx context.Context, chatID int64, page int) ([]Message, error) {
	opts := []gateway.RequestOption{}
	if page > 0 {
		opts = append(opts, gateway.WithQuery(url.Values{"page": []string{strconv.Itoa(page)}}))
	}
	resp, err := c.gateway.Get(ctx, chatPath(chatID), opts...)
	if err != nil {
		return nil, err
	}
	messages := []Message{}
	if err := resp.DecodeData(&messages); err != nil {
		return nil, fmt.Errorf("decode chat messages: %w", err)
	}
	return messages, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, body string) (Message, error) {
	if strings.TrimSpace(body) == "" {
		return Message{}, errors.New("message body must not be empty")
	}
	resp, err := c.gateway.Post(ctx, chatPath(chatID), map[string]string{"message": body})
	if err != nil {
		return Message{}, err
	}
	message := Message{}
	if err := decodeEnvelope(resp, &message); err != nil {
		return Message{}, fmt.Errorf("decode sent message: %w", err)
	}
	return message, nil
}

// ChatChannel is the private channel new messages of chatID are broadcast on.
func ChatChannel(chatID int64) string {
	return "private-chat." + strconv.FormatInt(chatID, 10)
}

// DecodeMessageEvent reads a broadcast message. The payload is either the
// message itself or wrapped as {"message": {...}}.
func DecodeMessageEvent(ev realtime.Event) (Message, error) {
	if !gjson.ValidBytes(ev.Data) {
		return Message{}, fmt.Errorf("invalid %s payload", ev.Name)
	}
	raw := gjson.ParseBytes(ev.Data)
	if wrapped := raw.Get("message"); wrapped.IsObject() {
		raw = wrapped
	}
	message := Message{}
	if err := json.Unmarshal([]byte(raw.Raw), &message); err != nil {
		return Message{}, fmt.Errorf("decode %s payload: %w", ev.Name, err)
	}
	return message, nil
}

func chatPath(chatID int64) string {
	return "chats/" + strconv.FormatInt(chatID, 10) + "/messages"
}

// decodeEnvelope decodes the "data" field when present, the whole body
// otherwise.
func decodeEnvelope(resp *gateway.Response, v any) error {
	if resp.Data().Exists() {
		return resp.DecodeData(v)
	}
	return resp.Decode(v)
}
