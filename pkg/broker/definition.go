package broker

import (
	"fmt"
	"net/url"
	"reflect"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/vikashloomba/mcp-broker-go/pkg/transport"
)

// TransportKind is the tagged variant selecting a transport adapter.
type TransportKind = transport.Kind

const (
	TransportStdio     = transport.KindStdio
	TransportSSE       = transport.KindSSE
	TransportWebSocket = transport.KindWebSocket
)

// ToolDeclaration is tool metadata declared in configuration, independent of
// what the backend advertises.
type ToolDeclaration struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty" yaml:"inputSchema"`
	// CommandName maps the tool to an external command in the calling
	// application.
	CommandName string `json:"commandName,omitempty" yaml:"commandName"`
}

// ServiceDefinition describes one backend. Definitions are treated as
// immutable after Register; reconfiguring means registering again.
type ServiceDefinition struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Transport TransportKind `json:"transport"`

	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	PreferSSE *bool             `json:"preferSse,omitempty"`
	// MaxRetries is handed to the Streamable HTTP transport for stream
	// resumption. Broker reconnection ignores it and retries indefinitely.
	MaxRetries int `json:"maxRetries,omitempty"`

	Enabled bool          `json:"enabled"`
	Timeout time.Duration `json:"timeout,omitempty"`

	Tools      []ToolDeclaration `json:"tools,omitempty"`
	AllowTools []string          `json:"allowTools,omitempty"`
}

// Validate reports the first missing or malformed transport parameter.
func (d ServiceDefinition) Validate() error {
	if d.ID == "" {
		return &ConfigError{Field: "id", Reason: "is required"}
	}
	switch d.Transport {
	case TransportStdio:
		if d.Command == "" {
			return &ConfigError{ID: d.ID, Field: "command", Reason: "is required for stdio transport"}
		}
	case TransportSSE:
		if err := validateURL(d.URL, "http", "https"); err != nil {
			return &ConfigError{ID: d.ID, Field: "url", Reason: err.Error()}
		}
	case TransportWebSocket:
		if err := validateURL(d.URL, "ws", "wss"); err != nil {
			return &ConfigError{ID: d.ID, Field: "url", Reason: err.Error()}
		}
	default:
		return &ConfigError{ID: d.ID, Field: "transport", Reason: fmt.Sprintf("unsupported transport %q", d.Transport)}
	}
	for _, pattern := range d.AllowTools {
		if !doublestar.ValidatePattern(pattern) {
			return &ConfigError{ID: d.ID, Field: "allowTools", Reason: fmt.Sprintf("invalid pattern %q", pattern)}
		}
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is malformed: %v", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme %q not one of %v", u.Scheme, schemes)
}

// DisplayName falls back to the ID when no name was configured.
func (d ServiceDefinition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

func (d ServiceDefinition) transportSpec() transport.Spec {
	return transport.Spec{
		ServerID:   d.ID,
		Kind:       d.Transport,
		Command:    d.Command,
		Args:       d.Args,
		Env:        d.Env,
		URL:        d.URL,
		Headers:    d.Headers,
		PreferSSE:  d.PreferSSE,
		MaxRetries: d.MaxRetries,
	}
}

// toolAllowed applies AllowTools. An empty list allows everything.
func (d ServiceDefinition) toolAllowed(name string) bool {
	if len(d.AllowTools) == 0 {
		return true
	}
	for _, pattern := range d.AllowTools {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func (d ServiceDefinition) declaredTool(name string) (ToolDeclaration, bool) {
	for _, tool := range d.Tools {
		if tool.Name == name {
			return tool, true
		}
	}
	return ToolDeclaration{}, false
}

func (d ServiceDefinition) clone() ServiceDefinition {
	out := d
	out.Args = append([]string(nil), d.Args...)
	out.Env = cloneStringMap(d.Env)
	out.Headers = cloneStringMap(d.Headers)
	out.Tools = append([]ToolDeclaration(nil), d.Tools...)
	out.AllowTools = append([]string(nil), d.AllowTools...)
	if d.PreferSSE != nil {
		v := *d.PreferSSE
		out.PreferSSE = &v
	}
	return out
}

// Equal reports whether d and other describe the same backend. Nil and empty
// collections compare equal.
func (d ServiceDefinition) Equal(other ServiceDefinition) bool {
	return reflect.DeepEqual(d.clone(), other.clone())
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
