// Package transport implements the JSON-RPC 2.0 wire layer of the zenoo
// client: request framing over pooled HTTP connections, response decoding,
// the closed error taxonomy, and the authenticated session lifecycle.
//
// Wire contract:
//
//	Request:  { "jsonrpc": "2.0", "id": <monotonic>, "method": "call",
//	            "params": { "service": ..., "method": ..., "args": [...] } }
//	Response: { "jsonrpc": "2.0", "id": ..., "result": ... }
//	       or { "jsonrpc": "2.0", "id": ..., "error": { code, message,
//	            "data": { "name": ..., "debug": ..., "arguments": [...] } } }
//
// The primary RPC is execute_kw(db, uid, password, model, method, args,
// kwargs) on the "object" service. The "common" service exposes version and
// authenticate, the "db" service exposes the database list; none of those
// require authentication.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/spineda1208/zenoo/common"
)

// DefaultMaxConnections bounds the connection pool when the caller does not
// configure one.
const DefaultMaxConnections = 100

// jsonRequest is the JSON-RPC 2.0 request envelope.
type jsonRequest struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      int64      `json:"id"`
	Method  string     `json:"method"`
	Params  jsonParams `json:"params"`
}

// jsonParams is the nested service call description the server expects.
type jsonParams struct {
	Service string        `json:"service"`
	Method  string        `json:"method"`
	Args    []interface{} `json:"args"`
}

// jsonResponse is the JSON-RPC 2.0 response envelope.
type jsonResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonError      `json:"error"`
}

// jsonError is the server fault object carried inside a response envelope.
type jsonError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    jsonErrorData `json:"data"`
}

// jsonErrorData carries the server-side exception details.
type jsonErrorData struct {
	Name      string        `json:"name"`
	Debug     string        `json:"debug"`
	Message   string        `json:"message"`
	Arguments []interface{} `json:"arguments"`
}

// Options configures a Transport.
type Options struct {
	// Endpoint is the server base URL. The JSON-RPC path is appended.
	Endpoint string

	// Timeout is the default per-call deadline. Zero disables it.
	Timeout time.Duration

	// MaxConnections bounds connections per endpoint (default 100).
	MaxConnections int

	// MaxKeepalive bounds idle kept-alive connections.
	MaxKeepalive int

	// VerifyTLS toggles peer verification. True unless explicitly
	// disabled.
	VerifyTLS bool

	// HTTP2 negotiates HTTP/2 when the server supports it, enabling
	// request multiplexing over fewer connections.
	HTTP2 bool

	// UserAgent overrides the default request user agent.
	UserAgent string

	// Logger receives transport debug logs. Nil discards them.
	Logger *logrus.Logger
}

// CallOption adjusts a single call.
type CallOption func(*callSettings)

type callSettings struct {
	timeout time.Duration
	headers map[string]string
}

// WithTimeout overrides the transport-level deadline for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(s *callSettings) { s.timeout = d }
}

// WithHeader adds a header to one call.
func WithHeader(key, value string) CallOption {
	return func(s *callSettings) {
		if s.headers == nil {
			s.headers = make(map[string]string)
		}
		s.headers[key] = value
	}
}

// Transport marshals typed RPC calls onto the wire and decodes responses
// into typed results or errors. It is safe for concurrent use; the
// underlying pool multiplexes requests across at most MaxConnections
// connections.
type Transport struct {
	endpoint  string
	callURL   string
	client    *http.Client
	timeout   time.Duration
	userAgent string
	nextID    atomic.Int64
	log       *logrus.Entry
}

// New creates a Transport for the given options.
//
// The endpoint is validated eagerly; no server I/O happens until the first
// call. Connections are pooled with idle keep-alive; under a peer reset the
// next attempt transparently opens a fresh connection.
func New(opts Options) (*Transport, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("transport: endpoint is required")
	}
	parsed, err := url.Parse(opts.Endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("transport: invalid endpoint %q", opts.Endpoint)
	}

	maxConns := opts.MaxConnections
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	maxIdle := opts.MaxKeepalive
	if maxIdle <= 0 {
		maxIdle = maxConns / 5
		if maxIdle < 2 {
			maxIdle = 2
		}
	}

	httpTransport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     maxConns,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !opts.VerifyTLS},
		ForceAttemptHTTP2:   opts.HTTP2,
	}
	if opts.HTTP2 && parsed.Scheme == "https" {
		if err := http2.ConfigureTransport(httpTransport); err != nil {
			return nil, fmt.Errorf("transport: http2 setup: %w", err)
		}
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "zenoo-go"
	}

	return &Transport{
		endpoint:  strings.TrimRight(opts.Endpoint, "/"),
		callURL:   strings.TrimRight(opts.Endpoint, "/") + "/jsonrpc",
		client:    &http.Client{Transport: httpTransport},
		timeout:   opts.Timeout,
		userAgent: userAgent,
		log:       common.Component(opts.Logger, "transport"),
	}, nil
}

// Endpoint returns the configured server base URL.
func (t *Transport) Endpoint() string { return t.endpoint }

// Call performs one JSON-RPC service call and unmarshals the result into
// result (which may be nil to discard it).
//
// Parameters:
//   - ctx: cancellation and deadline control; cancelling aborts the
//     in-flight request at the pool level.
//   - service: the server object service ("common", "db", "object").
//   - method: the service method ("authenticate", "execute_kw", ...).
//   - args: positional arguments for the service method.
//   - result: destination for the decoded result, or nil.
//
// Returns a typed *Error for every failure mode: connection faults,
// deadline expiry, malformed envelopes, id mismatches and server-reported
// exceptions classified into the closed kind set.
func (t *Transport) Call(ctx context.Context, service, method string, args []interface{}, result interface{}, opts ...CallOption) error {
	settings := callSettings{timeout: t.timeout}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.timeout)
		defer cancel()
	}

	id := t.nextID.Add(1)
	envelope := jsonRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "call",
		Params:  jsonParams{Service: service, Method: method, Args: args},
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return NewError(KindProtocol, fmt.Sprintf("marshal request: %v", err), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.callURL, bytes.NewReader(payload))
	if err != nil {
		return NewError(KindProtocol, fmt.Sprintf("build request: %v", err), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", t.userAgent)
	for key, value := range settings.headers {
		httpReq.Header.Set(key, value)
	}

	t.log.WithFields(logrus.Fields{
		"service": service,
		"method":  method,
		"id":      id,
	}).Debug("rpc call")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return t.wrapHTTPError(ctx, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return t.wrapHTTPError(ctx, err)
	}

	var resp jsonResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return NewError(KindProtocol, fmt.Sprintf("malformed response envelope: %v", err), err)
	}
	if resp.Error == nil && resp.ID != id {
		return NewError(KindProtocol, fmt.Sprintf("response id %d does not match request id %d", resp.ID, id), nil)
	}
	if resp.Error != nil {
		return decodeServerError(resp.Error)
	}

	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return NewError(KindProtocol, fmt.Sprintf("decode result: %v", err), err)
		}
	}
	return nil
}

// wrapHTTPError translates low-level HTTP client failures into the taxonomy.
// Deadline expiry wins over the generic connection classification so retry
// policies can distinguish the two.
func (t *Transport) wrapHTTPError(ctx context.Context, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, "request deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return NewError(KindConnection, "request cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, "request deadline exceeded", err)
	}
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return NewError(KindTimeout, "request deadline exceeded", ctx.Err())
		}
		return NewError(KindConnection, "request cancelled", ctx.Err())
	}
	return NewError(KindConnection, err.Error(), err)
}

// decodeServerError maps a server fault object into a typed Error. The
// server reports the exception class name under error.data.name; the
// message shown to users prefers the structured data message over the
// envelope message.
func decodeServerError(fault *jsonError) *Error {
	message := fault.Data.Message
	if message == "" {
		message = fault.Message
	}
	if message == "" && len(fault.Data.Arguments) > 0 {
		if s, ok := fault.Data.Arguments[0].(string); ok {
			message = s
		}
	}
	kind := classifyServerError(fault.Data.Name, message)
	return &Error{
		Kind:      kind,
		Message:   message,
		Name:      fault.Data.Name,
		Traceback: fault.Data.Debug,
	}
}

// Close releases idle pooled connections. In-flight calls complete
// normally.
func (t *Transport) Close() {
	t.client.CloseIdleConnections()
}
