// Package calllog provides broker.CallLogger and broker.EventSink
// implementations: a structured slog sink and a SQLite audit store that keeps
// every routed call and lifecycle transition for later inspection.
package calllog
