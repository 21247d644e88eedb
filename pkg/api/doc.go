// Package api exposes a broker over plain JSON HTTP for clients that cannot
// speak MCP themselves, such as a sandboxed app front end.
package api
