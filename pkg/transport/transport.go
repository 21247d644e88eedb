package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Kind identifies the channel used to reach a backend.
type Kind string

const (
	KindStdio     Kind = "stdio"
	KindSSE       Kind = "sse"
	KindWebSocket Kind = "websocket"
)

// ParseKind normalizes user supplied transport names. "http" and
// "streamable-http" are accepted as aliases for the event-stream transport.
func ParseKind(raw string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "stdio", "subprocess":
		return KindStdio, true
	case "sse", "http", "streamable-http", "streamable":
		return KindSSE, true
	case "websocket", "ws", "socket":
		return KindWebSocket, true
	default:
		return "", false
	}
}

// ErrNotConnected is returned by Client operations issued before Connect
// succeeded or after the session ended.
var ErrNotConnected = errors.New("not connected")

// ErrDisconnected is returned by a Connect that Disconnect aborted.
var ErrDisconnected = errors.New("disconnected while connecting")

// ToolError carries a failure reported by the backend itself while executing
// a tool. Message is the backend's text verbatim.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tool %s reported an error", e.Tool)
	}
	return e.Message
}

// Client is the capability set every transport adapter implements. The broker
// only ever talks to backends through this interface.
type Client interface {
	Connect(ctx context.Context) error
	// Disconnect tears the session down. It is idempotent and never fails;
	// problems are logged.
	Disconnect()
	// Done is closed once an established session ends, for whatever reason.
	// It returns nil before Connect succeeds.
	Done() <-chan struct{}
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	ListResources(ctx context.Context) ([]*mcp.Resource, error)
	ListPrompts(ctx context.Context) ([]*mcp.Prompt, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
}

// AuthProvider dynamically supplies an Authorization header (for example,
// "Bearer <token>") for outbound HTTP and websocket handshakes.
type AuthProvider func(context.Context) (string, error)

// Spec holds the transport-specific parameters of one backend.
type Spec struct {
	ServerID string
	Kind     Kind

	Command string
	Args    []string
	Env     map[string]string

	URL     string
	Headers map[string]string
	// PreferSSE skips the Streamable HTTP attempt. When nil, URLs ending in
	// "/sse" prefer SSE.
	PreferSSE *bool
	// MaxRetries bounds stream resumption inside the Streamable HTTP
	// transport. It has no effect on broker-level reconnection.
	MaxRetries   int
	HTTPClient   *http.Client
	AuthProvider AuthProvider
}

// Options are shared by every client built through New.
type Options struct {
	ClientName    string
	ClientVersion string
	KeepAlive     time.Duration
	RPCLogger     RPCLogger
	Logger        *slog.Logger
}

func (o Options) withDefaults(serverID string) Options {
	if o.ClientName == "" {
		o.ClientName = serverID
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "1.0.0"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// New builds the adapter matching spec.Kind. Spec validation is the caller's
// job; New only rejects parameters it cannot work without.
func New(spec Spec, opts Options) (Client, error) {
	opts = opts.withDefaults(spec.ServerID)
	base := newSessionClient(spec.ServerID, spec.Kind, opts)
	switch spec.Kind {
	case KindStdio:
		if spec.Command == "" {
			return nil, fmt.Errorf("transport: command missing for %q", spec.ServerID)
		}
		base.dial = stdioDialer(base, spec)
	case KindSSE:
		if spec.URL == "" {
			return nil, fmt.Errorf("transport: endpoint missing for %q", spec.ServerID)
		}
		base.dial = httpDialer(base, spec)
	case KindWebSocket:
		if spec.URL == "" {
			return nil, fmt.Errorf("transport: websocket url missing for %q", spec.ServerID)
		}
		base.dial = websocketDialer(base, spec)
	default:
		return nil, fmt.Errorf("transport: unsupported transport %q for %q", spec.Kind, spec.ServerID)
	}
	return base, nil
}
