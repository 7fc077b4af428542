package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"portal-client/internal/logging"
	"portal-client/internal/metrics"
	"portal-client/internal/session"
)

const maxResponseBytes = 32 << 20

type Config struct {
	// BaseURL is the fixed origin every relative path resolves against,
	// eg https://campus.example.com/api.
	BaseURL string
	HTTP    *http.Client
	Session session.Provider
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Gateway is the single request surface shared by every caller. It attaches
// the session credential to each outgoing request and classifies failures;
// it never retries, caches or queues.
type Gateway struct {
	base    *url.URL
	http    *http.Client
	session session.Provider
	logger  *logging.Logger
	metrics *metrics.Metrics
	maxBody int64
}

type RequestOption func(*requestOptions)

type requestOptions struct {
	header http.Header
	query  url.Values
}

// WithHeader adds a request header. Authorization is owned by the gateway
// and cannot be set this way.
func WithHeader(key string, value string) RequestOption {
	return func(o *requestOptions) {
		o.header.Add(key, value)
	}
}

func WithQuery(values url.Values) RequestOption {
	return func(o *requestOptions) {
		for key, vals := range values {
			for _, v := range vals {
				o.query.Add(key, v)
			}
		}
	}
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Logger == nil {
		panic("gateway.New: logger must not be nil")
	}
	if cfg.Session == nil {
		panic("gateway.New: session provider must not be nil")
	}
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway base URL: %w", err)
	}
	if !base.IsAbs() || base.Host == "" {
		return nil, errors.New("gateway base URL must be absolute")
	}
	base.Path = strings.TrimRight(base.Path, "/")
	base.RawPath = ""
	base.RawQuery = ""
	base.Fragment = ""

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Gateway{
		base:    base,
		http:    httpClient,
		session: cfg.Session,
		logger:  cfg.Logger.With(logging.Field("component", "gateway")),
		metrics: cfg.Metrics,
		maxBody: maxResponseBytes,
	}, nil
}

// BaseURL returns the origin requests resolve against.
func (g *Gateway) BaseURL() string {
	return g.base.String()
}

func (g *Gateway) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return g.Request(ctx, http.MethodGet, path, nil, opts...)
}

func (g *Gateway) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return g.Request(ctx, http.MethodPost, path, body, opts...)
}

func (g *Gateway) Put(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return g.Request(ctx, http.MethodPut, path, body, opts...)
}

func (g *Gateway) Patch(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return g.Request(ctx, http.MethodPatch, path, body, opts...)
}

func (g *Gateway) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return g.Request(ctx, http.MethodDelete, path, nil, opts...)
}

// Request issues one request. path is relative to the base URL unless it is
// an absolute URL. body may be nil, []byte, json.RawMessage, string (sent
// as JSON when it parses as JSON, as plain text otherwise), url.Values (form
// encoded), an io.Reader, or any value to JSON encode.
//
// Failures are *NetworkError, *ServerError or *CancelledError.
func (g *Gateway) Request(ctx context.Context, method string, path string, body any, opts ...RequestOption) (*Response, error) {
	started := time.Now()
	method = strings.ToUpper(strings.TrimSpace(method))
	resp, err := g.do(ctx, method, path, body, opts)
	g.metrics.ObserveRequest(method, outcome(err), time.Since(started))
	return resp, err
}

func (g *Gateway) do(ctx context.Context, method string, path string, body any, opts []RequestOption) (*Response, error) {
	options := requestOptions{header: http.Header{}, query: url.Values{}}
	for _, opt := range opts {
		opt(&options)
	}
	requestID := uuid.NewString()

	target, err := g.resolve(path, options.query)
	if err != nil {
		return nil, &NetworkError{Stage: StageSetup, Method: method, URL: path, Err: err}
	}
	reader, contentType, err := encodeBody(body)
	if err != nil {
		return nil, &NetworkError{Stage: StageSetup, Method: method, URL: target, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &NetworkError{Stage: StageSetup, Method: method, URL: target, Err: err}
	}
	for key, values := range options.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	authenticated, err := g.prepare(ctx, req)
	if err != nil {
		return nil, classifyFailure(ctx, StageSetup, method, target, err)
	}
	g.logger.Debug("gateway request",
		logging.Field("request_id", requestID),
		logging.Field("method", method),
		logging.Field("url", target),
		logging.Field("authenticated", authenticated),
	)

	resp, err := g.http.Do(req)
	if err != nil {
		failure := classifyFailure(ctx, StageSend, method, target, err)
		g.logFailure(requestID, failure)
		return nil, failure
	}
	defer resp.Body.Close()
	g.logger.Debugf("%s %s -> %s", method, target, resp.Status)

	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBody+1))
	if err != nil {
		failure := classifyFailure(ctx, StageRead, method, target, err)
		g.logFailure(requestID, failure)
		return nil, failure
	}
	// A body is returned whole or not at all.
	if int64(len(data)) > g.maxBody {
		failure := &NetworkError{
			Stage:  StageRead,
			Method: method,
			URL:    target,
			Err:    fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, g.maxBody),
		}
		g.logFailure(requestID, failure)
		return nil, failure
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.logger.Warn("gateway request rejected",
			logging.Field("request_id", requestID),
			logging.Field("method", method),
			logging.Field("url", target),
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return nil, &ServerError{Status: resp.StatusCode, Body: data, Method: method, URL: target}
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}

// prepare runs before every transmission: it reads the session credential
// and sets the bearer header when one exists. A missing credential is not an
// error; the request simply goes out unauthenticated.
func (g *Gateway) prepare(ctx context.Context, req *http.Request) (bool, error) {
	req.Header.Del("Authorization")
	token, ok, err := g.session.CurrentToken(ctx)
	if err != nil {
		return false, fmt.Errorf("read session credential: %w", err)
	}
	if !ok {
		return false, nil
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return true, nil
}

func (g *Gateway) logFailure(requestID string, err error) {
	if IsCancelled(err) {
		g.logger.Debug("gateway request cancelled",
			logging.Field("request_id", requestID),
			logging.Field("error", err),
		)
		return
	}
	g.logger.Warn("gateway request failed",
		logging.Field("request_id", requestID),
		logging.Field("error", err),
	)
}

func (g *Gateway) resolve(path string, query url.Values) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return "", err
	}
	var target url.URL
	if ref.IsAbs() {
		target = *ref
	} else {
		target = *g.base
		target.Path = g.base.Path + "/" + strings.TrimLeft(ref.Path, "/")
		target.RawQuery = ref.RawQuery
	}
	if len(query) > 0 {
		merged := target.Query()
		for key, values := range query {
			for _, v := range values {
				merged.Add(key, v)
			}
		}
		target.RawQuery = merged.Encode()
	}
	return target.String(), nil
}

func encodeBody(body any) (io.Reader, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, "", nil
	case json.RawMessage:
		return bytes.NewReader(v), "application/json", nil
	case []byte:
		return bytes.NewReader(v), "application/json", nil
	case string:
		if gjson.Valid(v) {
			return strings.NewReader(v), "application/json", nil
		}
		return strings.NewReader(v), "text/plain; charset=utf-8", nil
	case url.Values:
		return strings.NewReader(v.Encode()), "application/x-www-form-urlencoded", nil
	case io.Reader:
		return v, "", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}
