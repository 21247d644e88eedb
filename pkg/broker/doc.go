// Package broker is the connection broker between a sandboxed caller and a
// set of independently configured Model Context Protocol backends.
//
// # Core entry points
//
//   - Broker owns one connection record per backend. Construct it with New,
//     then Register / Remove ServiceDefinition values, typically from the
//     config package.
//   - Each record moves through disconnected → connecting → connected | error.
//     Connect and Disconnect are idempotent; a failed connect schedules a
//     retry after Options.ReconnectDelay and keeps retrying until the backend
//     connects, is disabled, or is removed.
//   - CallTool and ReadResource route requests to live connections and always
//     answer with a response envelope; failures are data, never Go errors.
//
// Lifecycle events are delivered in order to the EventSink passed in Options
// and to listeners attached with Subscribe. Completed calls are reported to
// Options.CallLogger without delaying the caller.
package broker
