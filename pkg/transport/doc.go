// Package transport wraps the modelcontextprotocol/go-sdk client behind a
// single capability set (Client) with one adapter per transport family:
// spawned subprocesses speaking stdio, HTTP event streams (Streamable HTTP with
// an SSE fallback), and persistent WebSocket connections. Callers pick the
// adapter through Spec.Kind and never branch on the concrete type afterwards.
package transport
