package broker

import (
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-broker-go/pkg/transport"
)

// Status represents the lifecycle of a managed connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// record is the broker's per-backend state. Every field is guarded by
// Broker.mu.
type record struct {
	def    ServiceDefinition
	client transport.Client
	status Status

	tools     []*mcp.Tool
	resources []*mcp.Resource
	prompts   []*mcp.Prompt

	lastError   string
	connectedAt time.Time
	attempts    int
}

func (r *record) clearCaches() {
	r.tools = nil
	r.resources = nil
	r.prompts = nil
}

// ConnectionInfo is a point-in-time view of one connection record.
type ConnectionInfo struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Transport     TransportKind `json:"transport"`
	Enabled       bool          `json:"enabled"`
	Status        Status        `json:"status"`
	ToolCount     int           `json:"toolCount"`
	ResourceCount int           `json:"resourceCount"`
	PromptCount   int           `json:"promptCount"`
	LastError     string        `json:"lastError,omitempty"`
	ConnectedAt   *time.Time    `json:"connectedAt,omitempty"`
	Attempts      int           `json:"attempts"`
}

func (r *record) info() ConnectionInfo {
	info := ConnectionInfo{
		ID:            r.def.ID,
		Name:          r.def.DisplayName(),
		Transport:     r.def.Transport,
		Enabled:       r.def.Enabled,
		Status:        r.status,
		ToolCount:     len(r.tools),
		ResourceCount: len(r.resources),
		PromptCount:   len(r.prompts),
		LastError:     r.lastError,
		Attempts:      r.attempts,
	}
	if !r.connectedAt.IsZero() {
		at := r.connectedAt
		info.ConnectedAt = &at
	}
	return info
}

// ServiceTool is a tool advertised by a connected backend, tagged with its
// owner.
type ServiceTool struct {
	ServerID    string    `json:"serverId"`
	Tool        *mcp.Tool `json:"tool"`
	CommandName string    `json:"commandName,omitempty"`
}

// ServiceResource is a resource advertised by a connected backend.
type ServiceResource struct {
	ServerID string        `json:"serverId"`
	Resource *mcp.Resource `json:"resource"`
}
