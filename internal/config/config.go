package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

const (
	apiPath           = "/api"
	broadcastAuthPath = "/broadcasting/auth"

	DefaultRealtimePort = 6001
)

type Options struct {
	BaseURL         string `long:"base-url" env:"PORTAL_BASE_URL" description:"Backend base URL (e.g. https://campus.example.com)"`
	RealtimeHost    string `long:"realtime-host" env:"PORTAL_REALTIME_HOST" description:"Realtime server host (defaults to the base URL host)"`
	RealtimePort    int    `long:"realtime-port" env:"PORTAL_REALTIME_PORT" description:"Realtime server port"`
	RealtimeKey     string `long:"realtime-key" env:"PORTAL_REALTIME_KEY" description:"Realtime application key"`
	RealtimeTLS     bool   `long:"realtime-tls" env:"PORTAL_REALTIME_TLS" description:"Use wss:// for the realtime connection"`
	CredentialsFile string `long:"credentials-file" env:"PORTAL_CREDENTIALS_FILE" description:"Session credential store (defaults to the user config directory)"`
	MetricsAddr     string `long:"metrics-addr" env:"PORTAL_METRICS_ADDR" description:"Serve Prometheus metrics on this address"`
	LogToFile       bool   `long:"log-to-file" env:"PORTAL_LOG_TO_FILE" description:"Persist logs as JSON lines in the user cache directory"`
	Debug           bool   `long:"debug" env:"PORTAL_DEBUG" description:"Enable verbose debug output"`
}

type APIEndpoints struct {
	// Origin is scheme://host[:port] with no path.
	Origin string
	// BaseURL is the origin plus /api; every gateway path resolves against it.
	BaseURL          string
	BroadcastAuthURL string
}

type RealtimeEndpoint struct {
	Host     string
	Port     int
	Key      string
	ForceTLS bool
}

// NewParser loads .env (when present) and returns a parser bound to opts.
// Subcommands are added by the caller.
func NewParser(opts *Options) *flags.Parser {
	_ = godotenv.Load()
	return flags.NewParser(opts, flags.Default)
}

func BuildEndpoints(rawBaseURL string) (APIEndpoints, error) {
	origin, err := buildOrigin(rawBaseURL)
	if err != nil {
		return APIEndpoints{}, err
	}
	return APIEndpoints{
		Origin:           origin,
		BaseURL:          origin + apiPath,
		BroadcastAuthURL: origin + broadcastAuthPath,
	}, nil
}

func buildOrigin(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", errors.New("base URL is required")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("expected absolute URL like https://example.com")
	}
	if !strings.EqualFold(parsed.Scheme, "http") && !strings.EqualFold(parsed.Scheme, "https") {
		return "", errors.New("base URL scheme must be http or https")
	}

	// Any pasted endpoint path collapses to the bare origin.
	origin := url.URL{Scheme: strings.ToLower(parsed.Scheme), Host: parsed.Host}
	return origin.String(), nil
}

// BuildRealtimeEndpoint fills the realtime host and TLS mode from the base
// URL when they are not set explicitly.
func BuildRealtimeEndpoint(opts Options) (RealtimeEndpoint, error) {
	key := strings.TrimSpace(opts.RealtimeKey)
	if key == "" {
		return RealtimeEndpoint{}, errors.New("realtime key is required")
	}
	endpoint := RealtimeEndpoint{
		Host:     strings.TrimSpace(opts.RealtimeHost),
		Port:     opts.RealtimePort,
		Key:      key,
		ForceTLS: opts.RealtimeTLS,
	}
	if endpoint.Host == "" {
		parsed, err := url.Parse(strings.TrimSpace(opts.BaseURL))
		if err != nil || parsed.Host == "" {
			return RealtimeEndpoint{}, errors.New("realtime host is required when the base URL has no host")
		}
		endpoint.Host = parsed.Hostname()
		if strings.EqualFold(parsed.Scheme, "https") {
			endpoint.ForceTLS = true
		}
	}
	if host, port, err := net.SplitHostPort(endpoint.Host); err == nil {
		p, convErr := strconv.Atoi(port)
		if convErr != nil {
			return RealtimeEndpoint{}, fmt.Errorf("invalid realtime port %q", port)
		}
		endpoint.Host = host
		if endpoint.Port == 0 {
			endpoint.Port = p
		}
	}
	if endpoint.Port == 0 {
		endpoint.Port = DefaultRealtimePort
	}
	if endpoint.Port < 1 || endpoint.Port > 65535 {
		return RealtimeEndpoint{}, fmt.Errorf("realtime port %d out of range", endpoint.Port)
	}
	return endpoint, nil
}
