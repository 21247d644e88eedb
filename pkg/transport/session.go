package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type dialFunc func(ctx context.Context) (*mcp.ClientSession, error)

// sessionClient implements Client on top of a go-sdk ClientSession. The
// per-transport adapters only differ in how dial produces the session.
type sessionClient struct {
	serverID string
	kind     Kind
	opts     Options
	dial     dialFunc

	mu      sync.Mutex
	session *mcp.ClientSession
	done    chan struct{}
	// cancelDial aborts the dial in flight, if any.
	cancelDial context.CancelFunc
	aborted    bool
}

func newSessionClient(serverID string, kind Kind, opts Options) *sessionClient {
	return &sessionClient{serverID: serverID, kind: kind, opts: opts}
}

// attempt connects a fresh go-sdk client over t, adding RPC logging when
// configured.
func (c *sessionClient) attempt(ctx context.Context, t mcp.Transport) (*mcp.ClientSession, error) {
	impl := &mcp.Implementation{Name: c.opts.ClientName, Version: c.opts.ClientVersion}
	client := mcp.NewClient(impl, &mcp.ClientOptions{KeepAlive: c.opts.KeepAlive})
	wrapped := t
	if c.opts.RPCLogger != nil {
		wrapped = &loggingTransport{serverID: c.serverID, delegate: t, logger: c.opts.RPCLogger}
	}
	return client.Connect(ctx, wrapped, nil)
}

func (c *sessionClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return nil
	}
	if c.cancelDial != nil {
		c.mu.Unlock()
		return fmt.Errorf("transport: connect %s: already connecting", c.serverID)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelDial = cancel
	c.aborted = false
	c.mu.Unlock()

	session, err := c.dial(dialCtx)

	c.mu.Lock()
	c.cancelDial = nil
	aborted := c.aborted
	var done chan struct{}
	if err == nil && !aborted {
		done = make(chan struct{})
		c.session = session
		c.done = done
	}
	c.mu.Unlock()

	switch {
	case aborted:
		if err == nil {
			_ = session.Close()
		}
		return fmt.Errorf("transport: connect %s: %w", c.serverID, ErrDisconnected)
	case err != nil:
		return fmt.Errorf("transport: connect %s over %s: %w", c.serverID, c.kind, err)
	}
	go c.monitor(session, done)
	return nil
}

func (c *sessionClient) monitor(session *mcp.ClientSession, done chan struct{}) {
	if err := session.Wait(); err != nil {
		c.opts.Logger.Debug("session ended", "server", c.serverID, "error", err)
	}
	c.mu.Lock()
	if c.session == session {
		c.session = nil
	}
	c.mu.Unlock()
	close(done)
}

// Disconnect closes the established session, or aborts a Connect still in
// flight so its subprocess or socket does not outlive the client.
func (c *sessionClient) Disconnect() {
	c.mu.Lock()
	session := c.session
	c.session = nil
	if c.cancelDial != nil {
		c.aborted = true
		c.cancelDial()
	}
	c.mu.Unlock()
	if session == nil {
		return
	}
	if err := session.Close(); err != nil {
		c.opts.Logger.Warn("disconnect failed", "server", c.serverID, "transport", string(c.kind), "error", err)
	}
}

func (c *sessionClient) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *sessionClient) current() (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

// ListTools walks every page of tools/list. Servers that do not implement the
// method yield an empty list.
func (c *sessionClient) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}
	tools := []*mcp.Tool{}
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err) {
				return []*mcp.Tool{}, nil
			}
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func (c *sessionClient) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}
	resources := []*mcp.Resource{}
	params := &mcp.ListResourcesParams{}
	for {
		res, err := session.ListResources(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err) {
				return []*mcp.Resource{}, nil
			}
			return nil, err
		}
		resources = append(resources, res.Resources...)
		if res.NextCursor == "" {
			return resources, nil
		}
		params = &mcp.ListResourcesParams{Cursor: res.NextCursor}
	}
}

func (c *sessionClient) ListPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}
	prompts := []*mcp.Prompt{}
	params := &mcp.ListPromptsParams{}
	for {
		res, err := session.ListPrompts(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err) {
				return []*mcp.Prompt{}, nil
			}
			return nil, err
		}
		prompts = append(prompts, res.Prompts...)
		if res.NextCursor == "" {
			return prompts, nil
		}
		params = &mcp.ListPromptsParams{Cursor: res.NextCursor}
	}
}

// CallTool invokes name and converts an IsError result into a *ToolError so
// the backend's message reaches the caller unchanged.
func (c *sessionClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("transport: tool name is required for %q", c.serverID)
	}
	var arguments any
	if args != nil {
		arguments = args
	}
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, &ToolError{Tool: name, Message: ContentText(res.Content)}
	}
	return res, nil
}

func (c *sessionClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}
	return session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
}

// ContentText joins the text blocks of a tool result.
func ContentText(content []mcp.Content) string {
	var parts []string
	for _, block := range content {
		if text, ok := block.(*mcp.TextContent); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func isMethodUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range []string{"method not found", "not implemented", "unimplemented", "does not support", "unsupported"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
