// Package mcphttp reaches HTTP and SSE MCP backends over the streamable
// HTTP transport: one POST per message, with the reply arriving either as
// a plain JSON body or as a short-lived event stream. Every operation
// performs its own initialize handshake, so no connection state outlives
// a request.
package mcphttp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/wardengate/wardengate/internal/domain/credential"
	"github.com/wardengate/wardengate/internal/domain/fault"
	"github.com/wardengate/wardengate/internal/domain/server"
	"github.com/wardengate/wardengate/internal/port/outbound"
	"github.com/wardengate/wardengate/pkg/mcpwire"
)

const (
	// maxResponseBodySize caps what the gateway reads from a backend.
	// Prevents OOM from a misbehaving upstream sending unbounded output.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB

	// maxToolPages bounds tools/list pagination so a backend returning
	// the same cursor forever cannot wedge the gateway.
	maxToolPages = 32

	// sessionHeader carries the backend-assigned session between the
	// handshake and the operation that follows it.
	sessionHeader = "Mcp-Session-Id"

	// protocolHeader echoes the negotiated MCP revision on requests
	// after initialize.
	protocolHeader = "MCP-Protocol-Version"
)

// Transport implements outbound.ToolTransport for http and sse backends.
type Transport struct {
	httpClient     *http.Client
	resolver       *credential.Resolver
	defaultTimeout time.Duration
	clientInfo     mcpwire.Implementation
	logger         *slog.Logger
	nextID         atomic.Int64
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) { t.httpClient = client }
}

// WithClientInfo overrides the identity sent in the initialize handshake.
func WithClientInfo(name, version string) Option {
	return func(t *Transport) { t.clientInfo = mcpwire.Implementation{Name: name, Version: version} }
}

// NewTransport builds a transport over the process-wide resolver.
// defaultTimeout applies to servers without a per-server override.
func NewTransport(resolver *credential.Resolver, defaultTimeout time.Duration, logger *slog.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		resolver:       resolver,
		defaultTimeout: defaultTimeout,
		clientInfo:     mcpwire.Implementation{Name: "wardengate", Version: "dev"},
		logger:         logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ outbound.ToolTransport = (*Transport)(nil)

// ListTools performs the handshake and drains tools/list pagination.
func (t *Transport) ListTools(ctx context.Context, desc *server.Descriptor) ([]mcpwire.Tool, error) {
	timeout := desc.EffectiveTimeout(t.defaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := t.connect(ctx, desc)
	if err != nil {
		return nil, err
	}

	var tools []mcpwire.Tool
	cursor := ""
	for page := 0; page < maxToolPages; page++ {
		req, err := mcpwire.NewRequest(t.nextID.Add(1), mcpwire.MethodListTools, mcpwire.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fault.Wrap(fault.KindBackendUnreachable, "building tools/list request", err)
		}
		raw, err := sess.call(ctx, req, nil, nil)
		if err != nil {
			return nil, err
		}
		result, err := mcpwire.ParseTools(raw)
		if err != nil {
			return nil, fault.Wrap(fault.KindBackendUnreachable, "backend returned a malformed tools/list result", err)
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" || result.NextCursor == cursor {
			return tools, nil
		}
		cursor = result.NextCursor
	}
	return tools, nil
}

// InvokeTool performs the handshake and issues tools/call. Intermediate
// stream events go to sink in arrival order; the decision to stop is the
// backend's (final response), the client's (ctx cancellation), or the
// idle timer's (timeout of silence).
func (t *Transport) InvokeTool(
	ctx context.Context, desc *server.Descriptor, tool string,
	params map[string]any, sink outbound.StreamSink,
) (*mcpwire.CallToolResult, error) {
	timeout := desc.EffectiveTimeout(t.defaultTimeout)

	hctx, hcancel := context.WithTimeout(ctx, timeout)
	defer hcancel()
	sess, err := t.connect(hctx, desc)
	if err != nil {
		return nil, err
	}

	req, err := mcpwire.NewRequest(t.nextID.Add(1), mcpwire.MethodCallTool, mcpwire.CallToolParams{
		Name:      tool,
		Arguments: params,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendUnreachable, "building tools/call request", err)
	}

	// The call itself is bounded by silence, not total duration: a
	// backend that keeps streaming keeps the connection.
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	idle := newIdleTimer(timeout, cancel)
	defer idle.Stop()
	callCtx = context.WithValue(callCtx, idleCtxKey{}, idle)

	raw, err := sess.call(callCtx, req, sink, idle)
	if err != nil {
		return nil, err
	}

	var result mcpwire.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fault.Wrap(fault.KindBackendUnreachable, "backend returned a malformed tools/call result", err)
	}
	return &result, nil
}

// connect runs the initialize handshake and the initialized notification,
// returning a session carrying credentials and the backend session ID.
func (t *Transport) connect(ctx context.Context, desc *server.Descriptor) (*session, error) {
	secret, err := t.resolver.Resolve(desc.Auth)
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendUnreachable, "backend credential cannot be resolved", err)
	}
	inj, err := credential.Render(desc.Auth, secret)
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendUnreachable, "backend credential cannot be rendered", err)
	}

	endpoint := desc.URL
	if inj.Location == server.LocationQuery && inj.Name != "" {
		if endpoint, err = appendQuery(endpoint, inj.Name, inj.Value); err != nil {
			return nil, fault.Wrap(fault.KindBackendUnreachable, "backend URL is malformed", err)
		}
	}

	sess := &session{t: t, endpoint: endpoint, serverName: desc.Name}
	if inj.Location == server.LocationHeader && inj.Name != "" {
		sess.authHeader, sess.authValue = inj.Name, inj.Value
	}

	initReq, err := mcpwire.NewRequest(t.nextID.Add(1), mcpwire.MethodInitialize, mcpwire.InitializeParams{
		ProtocolVersion: mcpwire.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      t.clientInfo,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendUnreachable, "building initialize request", err)
	}
	if _, err := sess.call(ctx, initReq, nil, nil); err != nil {
		return nil, err
	}

	note, err := mcpwire.NewNotification(mcpwire.MethodInitialized, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendUnreachable, "building initialized notification", err)
	}
	resp, err := sess.post(ctx, note)
	if err != nil {
		return nil, err
	}
	drainClose(resp.Body)

	return sess, nil
}

// session is the per-operation state for one backend conversation.
type session struct {
	t          *Transport
	endpoint   string
	serverName string
	authHeader string
	authValue  string
	sessionID  string
}

// post sends one JSON-RPC message and returns the raw HTTP response with
// its body still open.
func (s *session) post(ctx context.Context, msg jsonrpc.Message) (*http.Response, error) {
	body, err := mcpwire.Encode(msg)
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendUnreachable, "encoding message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendUnreachable, "building backend request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(protocolHeader, mcpwire.ProtocolVersion)
	if s.authHeader != "" {
		req.Header.Set(s.authHeader, s.authValue)
	}
	if s.sessionID != "" {
		req.Header.Set(sessionHeader, s.sessionID)
	}

	resp, err := s.t.httpClient.Do(req)
	if err != nil {
		return nil, s.classify(ctx, err)
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		s.sessionID = sid
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drainClose(resp.Body)
		return nil, fault.Newf(fault.KindBackendUnreachable, "backend %s returned HTTP %d", s.serverName, resp.StatusCode)
	}
	return resp, nil
}

// call posts a request and reads the matching response, forwarding any
// intermediate stream messages to sink.
func (s *session) call(ctx context.Context, req *jsonrpc.Request, sink outbound.StreamSink, idle *idleTimer) (json.RawMessage, error) {
	resp, err := s.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/event-stream") {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		if err != nil {
			return nil, s.classify(ctx, err)
		}
		result, err := mcpwire.DecodeResult(raw)
		if err != nil {
			return nil, fault.Wrap(fault.KindBackendUnreachable, "backend returned a malformed response", err)
		}
		return result, nil
	}

	parser := newEventParser(io.LimitReader(resp.Body, maxResponseBodySize))
	for {
		ev, err := parser.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fault.Newf(fault.KindBackendUnreachable, "backend %s closed the stream without a response", s.serverName)
			}
			return nil, s.classify(ctx, err)
		}
		if idle != nil {
			idle.Reset()
		}
		for _, msg := range ev.messages {
			if final, ok := msg.(*jsonrpc.Response); ok && final.ID == req.ID {
				if final.Error != nil {
					return nil, fault.Wrap(fault.KindBackendUnreachable, "backend reported an error", final.Error)
				}
				return final.Result, nil
			}
			if sink == nil {
				continue
			}
			data, encErr := mcpwire.Encode(msg)
			if encErr != nil {
				continue
			}
			if sinkErr := sink.Event(ev.name, data); sinkErr != nil {
				// Client went away; stop reading the backend.
				return nil, fault.Wrap(fault.KindBackendUnreachable, "client stream closed", sinkErr)
			}
		}
	}
}

// classify maps transport errors to the fault taxonomy: deadline and
// idle-timer expiry are timeouts, everything else is unreachable.
func (s *session) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fault.Wrap(fault.KindBackendTimeout, fmt.Sprintf("backend %s timed out", s.serverName), err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		// An idle timer cancels the call context itself; a caller
		// cancellation propagates unchanged.
		if idleCanceled(ctx) {
			return fault.Wrap(fault.KindBackendTimeout, fmt.Sprintf("backend %s went silent", s.serverName), err)
		}
		return err
	}
	return fault.Wrap(fault.KindBackendUnreachable, fmt.Sprintf("backend %s unreachable", s.serverName), err)
}

// idleTimer cancels a context after a fixed period of silence. Reset
// rearms it on every received event.
type idleTimer struct {
	timer *time.Timer
	d     time.Duration
	fired atomic.Bool
}

func newIdleTimer(d time.Duration, cancel context.CancelFunc) *idleTimer {
	it := &idleTimer{d: d}
	it.timer = time.AfterFunc(d, func() {
		it.fired.Store(true)
		cancel()
	})
	return it
}

func (it *idleTimer) Reset() { it.timer.Reset(it.d) }
func (it *idleTimer) Stop()  { it.timer.Stop() }

// idleCtxKey marks contexts whose cancellation came from an idle timer.
type idleCtxKey struct{}

func idleCanceled(ctx context.Context) bool {
	it, ok := ctx.Value(idleCtxKey{}).(*idleTimer)
	return ok && it.fired.Load()
}

func appendQuery(rawURL, name, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(name, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// drainClose discards up to 32KB of remaining body so the connection can
// be reused, then closes it.
func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 32*1024))
	_ = body.Close()
}
