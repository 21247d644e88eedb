package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-broker-go/pkg/transport"
)

// ToolCallRequest names a tool on a backend.
type ToolCallRequest struct {
	ServerID  string         `json:"serverId"`
	ToolName  string         `json:"toolName"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallMetadata accompanies every tool call response.
type CallMetadata struct {
	ServerID  string        `json:"serverId"`
	ToolName  string        `json:"toolName"`
	Duration  time.Duration `json:"-"`
	ElapsedMs int64         `json:"elapsedMs"`
	Timestamp time.Time     `json:"timestamp"`
}

// ToolCallResponse is the uniform envelope for tool calls. Result is set
// exactly when Success is true, Error exactly when it is false.
type ToolCallResponse struct {
	Success  bool                `json:"success"`
	Result   *mcp.CallToolResult `json:"result,omitempty"`
	Error    string              `json:"error,omitempty"`
	Metadata CallMetadata        `json:"metadata"`
}

// ResourceRequest names a resource on a backend.
type ResourceRequest struct {
	ServerID string `json:"serverId"`
	URI      string `json:"uri"`
}

// ResourceMetadata accompanies every resource response.
type ResourceMetadata struct {
	ServerID  string        `json:"serverId"`
	URI       string        `json:"uri"`
	Size      int           `json:"size"`
	Duration  time.Duration `json:"-"`
	ElapsedMs int64         `json:"elapsedMs"`
	Timestamp time.Time     `json:"timestamp"`
}

// ResourceResponse is the uniform envelope for resource reads.
type ResourceResponse struct {
	Success  bool                    `json:"success"`
	Contents []*mcp.ResourceContents `json:"contents,omitempty"`
	MIMEType string                  `json:"mimeType,omitempty"`
	Error    string                  `json:"error,omitempty"`
	Metadata ResourceMetadata        `json:"metadata"`
}

// CallKind distinguishes routed operations in call records.
type CallKind string

const (
	CallKindTool     CallKind = "tool"
	CallKindResource CallKind = "resource"
)

// CallRecord describes one completed routed call.
type CallRecord struct {
	ID        string         `json:"id"`
	ServerID  string         `json:"serverId"`
	Kind      CallKind       `json:"kind"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

// CallLogger records routed calls. Implementations must be safe for
// concurrent use.
type CallLogger interface {
	LogCall(ctx context.Context, rec CallRecord)
}

// CallLoggerFunc adapts a function to CallLogger.
type CallLoggerFunc func(context.Context, CallRecord)

func (f CallLoggerFunc) LogCall(ctx context.Context, rec CallRecord) { f(ctx, rec) }

// route resolves id to a connected client. A non-empty message means the
// call must fail without touching any transport.
func (b *Broker) route(id string) (transport.Client, ServiceDefinition, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return nil, ServiceDefinition{}, notFoundMessage(id)
	}
	if rec.status != StatusConnected || rec.client == nil {
		return nil, ServiceDefinition{}, notConnectedMessage(id, rec.status)
	}
	return rec.client, rec.def, ""
}

// CallTool forwards req to its backend. Failures of any kind come back as a
// response with Success=false; CallTool never blocks waiting for a backend
// to connect.
func (b *Broker) CallTool(ctx context.Context, req ToolCallRequest) ToolCallResponse {
	start := time.Now()
	resp := ToolCallResponse{Metadata: CallMetadata{ServerID: req.ServerID, ToolName: req.ToolName, Timestamp: start}}

	client, def, msg := b.route(req.ServerID)
	switch {
	case msg != "":
		resp.Error = msg
	case req.ToolName == "":
		resp.Error = "Tool name is required"
	case !def.toolAllowed(req.ToolName):
		resp.Error = fmt.Sprintf("Tool %s is not allowed on service %s", req.ToolName, req.ServerID)
	default:
		result, err := client.CallTool(ctx, req.ToolName, req.Arguments)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			resp.Result = result
			if resp.Result == nil {
				resp.Result = &mcp.CallToolResult{Content: []mcp.Content{}}
			}
		}
	}
	resp.Metadata.Duration = time.Since(start)
	resp.Metadata.ElapsedMs = resp.Metadata.Duration.Milliseconds()

	b.reportCall(ctx, CallRecord{
		ServerID:  req.ServerID,
		Kind:      CallKindTool,
		Name:      req.ToolName,
		Arguments: req.Arguments,
		Success:   resp.Success,
		Error:     resp.Error,
		Duration:  resp.Metadata.Duration,
		Timestamp: start,
	})
	return resp
}

// ReadResource fetches req.URI from its backend with the same failure
// semantics as CallTool.
func (b *Broker) ReadResource(ctx context.Context, req ResourceRequest) ResourceResponse {
	start := time.Now()
	resp := ResourceResponse{Metadata: ResourceMetadata{ServerID: req.ServerID, URI: req.URI, Timestamp: start}}

	client, _, msg := b.route(req.ServerID)
	switch {
	case msg != "":
		resp.Error = msg
	case req.URI == "":
		resp.Error = "Resource URI is required"
	default:
		result, err := client.ReadResource(ctx, req.URI)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			resp.Contents = []*mcp.ResourceContents{}
			if result != nil {
				resp.Contents = append(resp.Contents, result.Contents...)
			}
			resp.MIMEType, resp.Metadata.Size = describeContents(resp.Contents)
		}
	}
	resp.Metadata.Duration = time.Since(start)
	resp.Metadata.ElapsedMs = resp.Metadata.Duration.Milliseconds()

	b.reportCall(ctx, CallRecord{
		ServerID:  req.ServerID,
		Kind:      CallKindResource,
		Name:      req.URI,
		Success:   resp.Success,
		Error:     resp.Error,
		Duration:  resp.Metadata.Duration,
		Timestamp: start,
	})
	return resp
}

func describeContents(contents []*mcp.ResourceContents) (string, int) {
	var (
		mimeType string
		size     int
	)
	for _, c := range contents {
		if c == nil {
			continue
		}
		if mimeType == "" {
			mimeType = c.MIMEType
		}
		size += len(c.Text) + len(c.Blob)
	}
	return mimeType, size
}

// reportCall hands rec to the call logger on its own goroutine.
func (b *Broker) reportCall(ctx context.Context, rec CallRecord) {
	logger := b.opts.CallLogger
	if logger == nil {
		return
	}
	rec.ID = uuid.NewString()
	ctx = context.WithoutCancel(ctx)
	// Shutdown waits for deliveries started before it closed the broker.
	b.mu.Lock()
	tracked := !b.closed
	if tracked {
		b.calls.Add(1)
	}
	b.mu.Unlock()
	go func() {
		if tracked {
			defer b.calls.Done()
		}
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("call logger panicked", "server", rec.ServerID, "panic", r)
			}
		}()
		logger.LogCall(ctx, rec)
	}()
}
