package broker

import (
	"errors"
	"fmt"

	"github.com/vikashloomba/mcp-broker-go/pkg/transport"
)

var (
	// ErrNotFound is returned for operations naming an unknown backend.
	ErrNotFound = errors.New("broker: service not found")
	// ErrNotConnected aliases the transport sentinel so callers only need to
	// import this package.
	ErrNotConnected = transport.ErrNotConnected
	// ErrShutdown is returned by Register after Shutdown.
	ErrShutdown = errors.New("broker: shut down")
)

// ConfigError reports a service definition missing a required parameter.
type ConfigError struct {
	ID     string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("broker: invalid service definition: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("broker: invalid service definition %q: %s %s", e.ID, e.Field, e.Reason)
}

func notFoundMessage(id string) string {
	return fmt.Sprintf("Service %s not found", id)
}

func notConnectedMessage(id string, status Status) string {
	return fmt.Sprintf("Service %s is not connected (status: %s)", id, status)
}
