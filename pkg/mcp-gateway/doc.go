// Package mcpgateway exposes an HTTP-facing aggregation layer that mirrors the
// tools and resources of every connected broker backend over a single
// Streamable MCP server. Downstream MCP clients connect to one endpoint and
// reach any backend through namespaced names, while every call still passes
// through the broker's routing, filtering, and call logging.
package mcpgateway
