package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-broker-go/pkg/broker"
)

// Gateway exposes a Streamable MCP server that re-exports the tools and
// resources of every connected broker backend under a single HTTP endpoint.
type Gateway struct {
	broker *broker.Broker
	opts   Options

	features *featureIndex

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	httpHandler   http.Handler

	serverMu     sync.Mutex
	httpServerMu sync.Mutex
	httpServer   *http.Server

	unsubscribe func()
}

// NewGateway builds a Gateway, subscribes to broker lifecycle events, and
// mirrors every backend that is already connected.
func NewGateway(b *broker.Broker, opts *Options) (*Gateway, error) {
	if b == nil {
		return nil, fmt.Errorf("mcpgateway: broker is required")
	}
	options := opts.withDefaults()
	g := &Gateway{
		broker:   b,
		opts:     options,
		features: newFeatureIndex(options.Namespace),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:     true,
		HasResources: true,
	})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = g.mountHandler()

	// Subscribe before the initial sync so no transition falls in between.
	g.unsubscribe = b.Subscribe(broker.EventSinkFunc(g.handleEvent))
	g.SyncAll()
	return g, nil
}

// Handler exposes the HTTP handler that serves the Streamable endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// Path reports the mount path of the Streamable endpoint.
func (g *Gateway) Path() string {
	return g.opts.Path
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown detaches from the broker and stops the embedded HTTP server if it
// is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.unsubscribe()
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) handleEvent(e broker.Event) {
	switch e.Kind {
	case broker.EventConnected:
		g.SyncServer(e.ServerID)
	case broker.EventDisconnected, broker.EventError, broker.EventRemoved:
		g.dropServer(e.ServerID)
	}
}

// SyncAll refreshes every registered backend.
func (g *Gateway) SyncAll() {
	for _, serverID := range g.broker.IDs() {
		g.SyncServer(serverID)
	}
}

// SyncServer mirrors the broker's cached tools and resources for serverID.
// Backends that are not connected export nothing.
func (g *Gateway) SyncServer(serverID string) {
	info, err := g.broker.Get(serverID)
	if err != nil || info.Status != broker.StatusConnected {
		g.dropServer(serverID)
		return
	}
	tools, err := g.broker.Tools(serverID)
	if err != nil {
		g.dropServer(serverID)
		return
	}
	resources, err := g.broker.Resources(serverID)
	if err != nil {
		g.dropServer(serverID)
		return
	}

	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	removedTools, addedTools := g.features.UpdateTools(serverID, tools)
	if len(removedTools) > 0 {
		g.server.RemoveTools(removedTools...)
	}
	for _, reg := range addedTools {
		g.server.AddTool(reg.Tool, g.makeToolHandler(reg.Target))
	}
	removedResources, addedResources := g.features.UpdateResources(serverID, resources)
	if len(removedResources) > 0 {
		g.server.RemoveResources(removedResources...)
	}
	for _, reg := range addedResources {
		g.server.AddResource(reg.Resource, g.makeResourceHandler(reg.Target))
	}
	g.opts.Logger.Debug("gateway synced server", "server", serverID, "tools", len(addedTools), "resources", len(addedResources))
}

func (g *Gateway) dropServer(serverID string) {
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	tools, resources := g.features.DropServer(serverID)
	if len(tools) > 0 {
		g.server.RemoveTools(tools...)
	}
	if len(resources) > 0 {
		g.server.RemoveResources(resources...)
	}
	if len(tools)+len(resources) > 0 {
		g.opts.Logger.Debug("gateway dropped server", "server", serverID, "tools", len(tools), "resources", len(resources))
	}
}

// makeToolHandler routes through the broker so downstream calls get the same
// status checks, filters, and call logging as every other caller.
func (g *Gateway) makeToolHandler(t target) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var raw any
		if req != nil && req.Params != nil {
			raw = req.Params.Arguments
		}
		args, err := argumentMap(raw)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid arguments for %s: %v", t.Gateway, err)), nil
		}
		resp := g.broker.CallTool(ctx, broker.ToolCallRequest{
			ServerID:  t.ServerID,
			ToolName:  t.Native,
			Arguments: args,
		})
		if !resp.Success {
			return errorResult(resp.Error), nil
		}
		return resp.Result, nil
	}
}

func (g *Gateway) makeResourceHandler(t target) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		resp := g.broker.ReadResource(ctx, broker.ResourceRequest{ServerID: t.ServerID, URI: t.Native})
		if !resp.Success {
			return nil, errors.New(resp.Error)
		}
		contents := make([]*mcp.ResourceContents, 0, len(resp.Contents))
		for _, c := range resp.Contents {
			if c == nil {
				continue
			}
			clone := *c
			if clone.URI == t.Native {
				clone.URI = t.Gateway
			}
			contents = append(contents, &clone)
		}
		return &mcp.ReadResourceResult{Contents: contents}, nil
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

// argumentMap normalizes the downstream arguments payload into the map form
// the broker forwards.
func argumentMap(raw any) (map[string]any, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		data = encoded
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	g.opts.Path = path
	mux := http.NewServeMux()
	mux.Handle(path, g.streamHandler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", g.streamHandler)
	}
	return mux
}
