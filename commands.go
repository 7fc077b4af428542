package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tidwall/gjson"

	"portal-client/internal/app"
	"portal-client/internal/config"
	"portal-client/internal/gateway"
	"portal-client/internal/logging"
	"portal-client/internal/portal"
	"portal-client/internal/realtime"
)

// cli is the state shared by every subcommand. The selected command runs
// inside run, after options are merged and the App is built.
type cli struct {
	ctx    context.Context
	opts   *config.Options
	out    io.Writer
	logger *logging.Logger
	app    *app.App
	err    error
}

func newCLI(ctx context.Context, opts *config.Options) *cli {
	return &cli{ctx: ctx, opts: opts, out: os.Stdout}
}

func (c *cli) register(parser *flags.Parser) {
	_, _ = parser.AddCommand("login", "Log in and store the session token",
		"Exchanges an email and password for a token kept in the credential store.",
		&loginCommand{env: c})
	_, _ = parser.AddCommand("logout", "Revoke and clear the session token", "", &logoutCommand{env: c})
	_, _ = parser.AddCommand("me", "Show the logged in user", "", &meCommand{env: c})
	_, _ = parser.AddCommand("request", "Send an authenticated API request",
		"Sends METHOD PATH through the gateway; PATH is relative to {base-url}/api.",
		&requestCommand{env: c})
	_, _ = parser.AddCommand("chat", "Show or send chat messages", "", &chatCommand{env: c})
	_, _ = parser.AddCommand("listen", "Follow realtime channel events",
		"Subscribes to the given chats and channels and prints events until interrupted or logged out.",
		&listenCommand{env: c})

	// Command failures are reported by main with their own exit codes, so
	// the parser only sees flag errors.
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}
		c.err = c.run(cmd, args)
		return nil
	}
}

func (c *cli) run(cmd flags.Commander, args []string) error {
	if saved, err := config.LoadSettings(); err == nil {
		*c.opts = config.MergeOptionsWithSettings(*c.opts, saved)
	}

	c.logger = logging.New(c.opts.Debug)
	defer func() { _ = c.logger.Close() }()
	if c.opts.LogToFile {
		if err := c.logger.EnableFilePersistence(0); err != nil {
			c.logger.Warn("failed to enable file log persistence", logging.Field("error", err))
		}
	}
	c.logger.Debug("starting portal client", logging.Field("version", BuildVersion))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	a, err := app.New(*c.opts, c.logger, registry, app.Callbacks{
		OnStatusChange: func(status string) {
			c.logger.Info("realtime status", logging.Field("status", status))
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	c.app = a

	if addr := strings.TrimSpace(c.opts.MetricsAddr); addr != "" {
		metricsCtx, stopMetrics := context.WithCancel(c.ctx)
		defer stopMetrics()
		go func() {
			if err := a.ServeMetrics(metricsCtx, addr); err != nil {
				c.logger.Warn("metrics server stopped", logging.Field("error", err))
			}
		}()
	}
	return cmd.Execute(args)
}

type loginCommand struct {
	env      *cli
	Email    string `long:"email" required:"yes" description:"Account email"`
	Password string `long:"password" env:"PORTAL_PASSWORD" description:"Account password"`
}

func (cmd *loginCommand) Execute([]string) error {
	c := cmd.env
	if cmd.Password == "" {
		return errors.New("password is required (--password or PORTAL_PASSWORD)")
	}
	user, err := c.app.Portal().Login(c.ctx, cmd.Email, cmd.Password)
	if err != nil {
		var serverErr *gateway.ServerError
		if errors.As(err, &serverErr) && serverErr.Message() != "" {
			return fmt.Errorf("login rejected: %s", serverErr.Message())
		}
		return err
	}
	if err := config.SaveSettings(config.SettingsFromOptions(*c.opts)); err != nil {
		c.logger.Warn("failed to save settings", logging.Field("error", err))
	}
	fmt.Fprintln(c.out, formatUser(user))
	return nil
}

type logoutCommand struct {
	env *cli
}

func (cmd *logoutCommand) Execute([]string) error {
	return cmd.env.app.Portal().Logout(cmd.env.ctx)
}

type meCommand struct {
	env *cli
}

func (cmd *meCommand) Execute([]string) error {
	c := cmd.env
	user, err := c.app.Portal().Me(c.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, formatUser(user))
	return nil
}

type requestCommand struct {
	env   *cli
	Data  string   `long:"data" short:"d" description:"JSON request body"`
	Query []string `long:"query" short:"q" description:"Query parameter as key=value (repeatable)"`
	Args  struct {
		Method string `positional-arg-name:"METHOD"`
		Path   string `positional-arg-name:"PATH"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *requestCommand) Execute([]string) error {
	c := cmd.env
	query, err := parseQuery(cmd.Query)
	if err != nil {
		return err
	}
	var body any
	if data := strings.TrimSpace(cmd.Data); data != "" {
		if !gjson.Valid(data) {
			return errors.New("--data must be valid JSON")
		}
		body = json.RawMessage(data)
	}
	resp, err := c.app.Gateway().Request(c.ctx, cmd.Args.Method, cmd.Args.Path, body, gateway.WithQuery(query))
	if err != nil {
		var serverErr *gateway.ServerError
		if errors.As(err, &serverErr) {
			fmt.Fprintln(c.out, logging.FormatHTTPPayload(serverErr.Body))
		}
		return err
	}
	fmt.Fprintln(c.out, logging.FormatHTTPPayload(resp.Body))
	return nil
}

type chatCommand struct {
	env  *cli
	ID   int64  `long:"id" required:"yes" description:"Chat id"`
	Page int    `long:"page" description:"History page"`
	Send string `long:"send" description:"Send this message instead of showing history"`
}

func (cmd *chatCommand) Execute([]string) error {
	c := cmd.env
	if cmd.Send != "" {
		message, err := c.app.Portal().SendMessage(c.ctx, cmd.ID, cmd.Send)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, formatMessage(message))
		return nil
	}
	messages, err := c.app.Portal().ChatMessages(c.ctx, cmd.ID, cmd.Page)
	if err != nil {
		return err
	}
	for _, message := range messages {
		fmt.Fprintln(c.out, formatMessage(message))
	}
	return nil
}

type listenCommand struct {
	env      *cli
	Chats    []int64  `long:"chat" description:"Chat id to follow (repeatable)"`
	Channels []string `long:"channel" description:"Raw channel name to follow (repeatable)"`
	Events   []string `long:"event" description:"Event name to print (repeatable, default MessageSent)"`
}

func (cmd *listenCommand) Execute([]string) error {
	c := cmd.env
	channels := make([]string, 0, len(cmd.Chats)+len(cmd.Channels))
	for _, id := range cmd.Chats {
		channels = append(channels, portal.ChatChannel(id))
	}
	channels = append(channels, cmd.Channels...)
	if len(channels) == 0 {
		return errors.New("at least one --chat or --channel is required")
	}

	return c.app.Listen(c.ctx, app.ListenRequest{
		Channels: channels,
		Events:   cmd.Events,
		OnEvent: func(ev realtime.Event) {
			fmt.Fprintln(c.out, formatEvent(ev))
		},
		OnSubscribed: func(channel string, err error) {
			if err != nil {
				c.logger.Error("subscription failed",
					logging.Field("channel", channel),
					logging.Field("error", err),
				)
				return
			}
			c.logger.Info("subscribed", logging.Field("channel", channel))
		},
	})
}

func parseQuery(pairs []string) (url.Values, error) {
	values := url.Values{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --query %q, expected key=value", pair)
		}
		values.Add(key, value)
	}
	return values, nil
}
