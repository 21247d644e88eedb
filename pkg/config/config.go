package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-broker-go/pkg/broker"
	"github.com/vikashloomba/mcp-broker-go/pkg/transport"
)

const (
	DefaultHTTPAddr    = ":8700"
	DefaultGatewayPath = "/mcp"
)

// Settings are process-wide knobs. Changing them requires a restart; only the
// server list is reloaded at runtime.
type Settings struct {
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	ReconnectDelay  time.Duration `yaml:"reconnectDelay"`
	ReconnectOnLoss bool          `yaml:"reconnectOnLoss"`
	LogJSONRPC      bool          `yaml:"logJSONRPC"`
	HTTPAddr        string        `yaml:"httpAddr"`
	GatewayPath     string        `yaml:"gatewayPath"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	AuditDB         string        `yaml:"auditDB"`
	LogLevel        string        `yaml:"logLevel"`
	LogFormat       string        `yaml:"logFormat"`
}

// Server is the on-disk form of one backend.
type Server struct {
	ID         string                   `yaml:"id"`
	Name       string                   `yaml:"name"`
	Transport  string                   `yaml:"transport"`
	Command    string                   `yaml:"command"`
	Args       []string                 `yaml:"args"`
	Env        map[string]string        `yaml:"env"`
	URL        string                   `yaml:"url"`
	Headers    map[string]string        `yaml:"headers"`
	PreferSSE  *bool                    `yaml:"preferSse"`
	MaxRetries int                      `yaml:"maxRetries"`
	Enabled    *bool                    `yaml:"enabled"`
	Timeout    time.Duration            `yaml:"timeout"`
	AllowTools []string                 `yaml:"allowTools"`
	Tools      []broker.ToolDeclaration `yaml:"tools"`
}

// File is a parsed configuration document. YAML and JSON are both accepted.
type File struct {
	Settings Settings `yaml:"settings"`
	Servers  []Server `yaml:"servers"`
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	f, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a configuration document. Unknown keys are rejected.
func Parse(raw []byte) (*File, error) {
	var f File
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
	}
	f.Settings.applyDefaults()
	return &f, nil
}

func (s *Settings) applyDefaults() {
	if s.HTTPAddr == "" {
		s.HTTPAddr = DefaultHTTPAddr
	}
	if s.GatewayPath == "" {
		s.GatewayPath = DefaultGatewayPath
	}
	if !strings.HasPrefix(s.GatewayPath, "/") {
		s.GatewayPath = "/" + s.GatewayPath
	}
	if len(s.AllowedOrigins) == 0 {
		s.AllowedOrigins = []string{"*"}
	}
}

// Level maps LogLevel onto slog levels, defaulting to info.
func (s Settings) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Definitions converts the server list into validated broker definitions in
// file order. Servers without an explicit enabled flag are enabled.
func (f *File) Definitions() ([]broker.ServiceDefinition, error) {
	defs := make([]broker.ServiceDefinition, 0, len(f.Servers))
	seen := make(map[string]struct{}, len(f.Servers))
	for i, srv := range f.Servers {
		def, err := srv.definition()
		if err != nil {
			return nil, fmt.Errorf("config: servers[%d]: %w", i, err)
		}
		if _, dup := seen[def.ID]; dup {
			return nil, &broker.ConfigError{ID: def.ID, Field: "id", Reason: "is duplicated"}
		}
		seen[def.ID] = struct{}{}
		defs = append(defs, def)
	}
	return defs, nil
}

func (s Server) definition() (broker.ServiceDefinition, error) {
	kind, ok := transport.ParseKind(s.Transport)
	if !ok {
		return broker.ServiceDefinition{}, &broker.ConfigError{
			ID:     s.ID,
			Field:  "transport",
			Reason: fmt.Sprintf("unsupported transport %q", s.Transport),
		}
	}
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	def := broker.ServiceDefinition{
		ID:         strings.TrimSpace(s.ID),
		Name:       s.Name,
		Transport:  kind,
		Command:    s.Command,
		Args:       s.Args,
		Env:        s.Env,
		URL:        s.URL,
		Headers:    s.Headers,
		PreferSSE:  s.PreferSSE,
		MaxRetries: s.MaxRetries,
		Enabled:    enabled,
		Timeout:    s.Timeout,
		Tools:      s.Tools,
		AllowTools: s.AllowTools,
	}
	if err := def.Validate(); err != nil {
		return broker.ServiceDefinition{}, err
	}
	return def, nil
}
