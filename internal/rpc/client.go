package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gustycube/sensorwatch/internal/metrics"
	"github.com/gustycube/sensorwatch/internal/rate"
	"github.com/gustycube/sensorwatch/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const stderrTail = 2048

// Config describes how to launch the backend and how long to wait for it.
type Config struct {
	Command         []string
	Env             []string
	Dir             string
	QueryTimeout    time.Duration
	BulkTimeout     time.Duration
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	SpawnsPerSecond float64
}

func (c *Config) setDefaults() {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 30 * time.Second
	}
	if c.BulkTimeout <= 0 {
		c.BulkTimeout = 120 * time.Second
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = "2024-11-05"
	}
	if c.ClientName == "" {
		c.ClientName = "sensorwatch"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "1.0.0"
	}
}

// Client talks to the log backend. Every call starts a fresh backend process, writes one
// request to its stdin and scans its stdout for the response. Safe for concurrent use.
type Client struct {
	cfg     Config
	log     *zap.SugaredLogger
	lastID  atomic.Int64
	limiter *rate.PerKey

	mu     sync.RWMutex
	server *ServerInfo
	caps   []Capability
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	bulk    bool
}

// Bulk selects the bulk-scan timeout instead of the query timeout.
func Bulk() CallOption {
	return func(o *callOptions) { o.bulk = true }
}

// WithTimeout overrides the timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

func New(cfg Config, log *zap.SugaredLogger) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:     cfg,
		log:     log,
		limiter: rate.New(cfg.SpawnsPerSecond, 4),
	}
}

// NextID reserves the next correlation id. Ids strictly increase for the client's lifetime.
func (c *Client) NextID() int64 {
	return c.lastID.Add(1)
}

func (c *Client) timeoutFor(opts []CallOption) time.Duration {
	o := callOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	switch {
	case o.timeout > 0:
		return o.timeout
	case o.bulk:
		return c.cfg.BulkTimeout
	default:
		return c.cfg.QueryTimeout
	}
}

// Call issues one request and returns the backend's response. A response carrying an error
// object is returned as-is with a nil error; only transport, timeout and protocol failures
// are reported as errors.
func (c *Client) Call(ctx context.Context, method string, params any, opts ...CallOption) (*Response, error) {
	if len(c.cfg.Command) == 0 {
		return nil, &TransportError{Method: method, Err: errors.New("no backend command configured")}
	}
	if params == nil {
		params = map[string]any{}
	}
	timeout := c.timeoutFor(opts)
	req := Request{JSONRPC: Version, Method: method, Params: params, ID: c.NextID()}

	ctx, span := telemetry.Tracer("rpc").Start(ctx, "rpc.Call")
	span.SetAttributes(attribute.String("rpc.method", method), attribute.Int64("rpc.id", req.ID))
	defer span.End()

	start := time.Now()
	resp, err := c.roundTrip(ctx, req, timeout)
	metrics.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	outcome := "ok"
	switch {
	case err != nil:
		outcome = Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Warnw("backend call failed", "method", method, "id", req.ID, "err", err)
	case resp.Error != nil:
		outcome = "remote"
		c.log.Infow("backend returned error", "method", method, "id", req.ID, "code", resp.Error.Code, "message", resp.Error.Message)
	default:
		c.log.Debugw("backend call ok", "method", method, "id", req.ID, "took", time.Since(start))
	}
	metrics.RPCCalls.WithLabelValues(method, outcome).Inc()
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &TransportError{Method: req.Method, Err: fmt.Errorf("encode request: %w", err)}
	}

	if err := c.limiter.Wait(ctx, req.Method); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Method: req.Method, Timeout: timeout}
		}
		return nil, &TransportError{Method: req.Method, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, c.cfg.Command[0], c.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Dir = c.cfg.Dir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	if callErr := callCtx.Err(); callErr != nil {
		if errors.Is(callErr, context.DeadlineExceeded) {
			return nil, &TimeoutError{Method: req.Method, Timeout: timeout}
		}
		return nil, &TransportError{Method: req.Method, Err: callErr}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &TransportError{
				Method:   req.Method,
				ExitCode: exitErr.ExitCode(),
				Stderr:   tail(stderr.String(), stderrTail),
				Err:      runErr,
			}
		}
		return nil, &TransportError{Method: req.Method, Err: runErr}
	}

	return ParseResponse(req.Method, req.ID, stdout.Bytes())
}

// ParseResponse scans backend output for the response to request id. Every line is
// considered; the last one that is a JSON object carrying the protocol-version tag, exactly
// one of result/error, and an id equal to id (or null) wins. Anything else is noise.
func ParseResponse(method string, id int64, out []byte) (*Response, error) {
	lines := bytes.Split(out, []byte("\n"))
	var found *Response
	count := 0
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		count++
		if line[0] != '{' {
			continue
		}
		if resp, ok := decodeLine(line, id); ok {
			found = resp
		}
	}
	if found == nil {
		return nil, &ProtocolError{Method: method, Reason: "no valid response object in output", Lines: count}
	}
	return found, nil
}

func decodeLine(line []byte, id int64) (*Response, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, false
	}

	var tag string
	if raw, ok := fields["jsonrpc"]; !ok || json.Unmarshal(raw, &tag) != nil || tag != Version {
		return nil, false
	}

	resp := &Response{JSONRPC: tag}
	if raw, ok := fields["id"]; ok && !isNull(raw) {
		var got int64
		if err := json.Unmarshal(raw, &got); err != nil || got != id {
			return nil, false
		}
		resp.ID = &got
	}

	rawErr, hasErr := fields["error"]
	hasErr = hasErr && !isNull(rawErr)
	rawResult, hasResult := fields["result"]
	switch {
	case hasErr && hasResult && !isNull(rawResult):
		return nil, false
	case hasErr:
		var re RemoteError
		if err := json.Unmarshal(rawErr, &re); err != nil {
			return nil, false
		}
		resp.Error = &re
	case hasResult:
		resp.Result = rawResult
	default:
		return nil, false
	}
	return resp, true
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Handshake runs initialize followed by tools/list and records the backend's capabilities.
// It always talks to the backend, even if a previous handshake succeeded.
func (c *Client) Handshake(ctx context.Context) (*ServerInfo, []Capability, error) {
	c.mu.Lock()
	c.server, c.caps = nil, nil
	c.mu.Unlock()

	resp, err := c.Call(ctx, MethodInitialize, initializeParams{
		ProtocolVersion: c.cfg.ProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ClientInfo:      clientInfo{Name: c.cfg.ClientName, Version: c.cfg.ClientVersion},
	})
	if err != nil {
		return nil, nil, err
	}
	if resp.Error != nil {
		return nil, nil, resp.Error
	}
	var init initializeResult
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		return nil, nil, &ProtocolError{Method: MethodInitialize, Reason: "malformed initialize result: " + err.Error()}
	}
	info := &ServerInfo{
		ProtocolVersion: init.ProtocolVersion,
		Name:            init.ServerInfo.Name,
		Version:         init.ServerInfo.Version,
	}

	resp, err = c.Call(ctx, MethodToolsList, map[string]any{})
	if err != nil {
		return nil, nil, err
	}
	if resp.Error != nil {
		return nil, nil, resp.Error
	}
	var list toolsListResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		return nil, nil, &ProtocolError{Method: MethodToolsList, Reason: "malformed tools list: " + err.Error()}
	}

	c.mu.Lock()
	c.server, c.caps = info, list.Tools
	c.mu.Unlock()

	c.log.Infow("backend handshake complete", "server", info.Name, "version", info.Version, "protocol", info.ProtocolVersion, "capabilities", len(list.Tools))
	return info, list.Tools, nil
}

// Handshaken reports whether a handshake has succeeded and not been reset since.
func (c *Client) Handshaken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server != nil
}

// Capabilities returns the operations discovered by the last handshake.
func (c *Client) Capabilities() []Capability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Capability, len(c.caps))
	copy(out, c.caps)
	return out
}

func (c *Client) hasCapability(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, capability := range c.caps {
		if capability.Name == name {
			return true
		}
	}
	return false
}

// CallTool invokes a named backend operation and returns the JSON payload it produced.
// The first domain call in a client's life performs the handshake implicitly.
func (c *Client) CallTool(ctx context.Context, name string, args any, opts ...CallOption) (json.RawMessage, error) {
	if !c.Handshaken() {
		if _, _, err := c.Handshake(ctx); err != nil {
			return nil, fmt.Errorf("implicit handshake: %w", err)
		}
	}
	if !c.hasCapability(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}

	resp, err := c.Call(ctx, MethodToolsCall, toolCallParams{Name: name, Arguments: args}, opts...)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return unwrapContent(name, resp.Result)
}

// unwrapContent pulls the JSON document out of a {content:[{type:"text",text:...}]} result.
// Results without a content envelope are returned unchanged.
func unwrapContent(name string, result json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result, &fields); err != nil {
		return result, nil
	}
	if _, ok := fields["content"]; !ok {
		return result, nil
	}
	var tr toolCallResult
	if err := json.Unmarshal(result, &tr); err != nil {
		return nil, &ProtocolError{Method: MethodToolsCall, Reason: name + ": malformed content envelope"}
	}
	for _, item := range tr.Content {
		if item.Type != "text" {
			continue
		}
		if tr.IsError {
			return nil, &RemoteError{Code: -1, Message: item.Text}
		}
		text := strings.TrimSpace(item.Text)
		if !json.Valid([]byte(text)) {
			return nil, &ProtocolError{Method: MethodToolsCall, Reason: name + ": tool output is not JSON"}
		}
		return json.RawMessage(text), nil
	}
	if tr.IsError {
		return nil, &RemoteError{Code: -1, Message: name + " failed"}
	}
	return nil, &ProtocolError{Method: MethodToolsCall, Reason: name + ": no text content"}
}
