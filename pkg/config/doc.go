// Package config loads broker configuration files, converts their server
// entries into broker.ServiceDefinition values, and keeps a running broker in
// sync with the file through Reconcile and Watcher.
//
// A minimal file:
//
//	settings:
//	  connectTimeout: 30s
//	  reconnectDelay: 1s
//	servers:
//	  - id: files
//	    transport: stdio
//	    command: npx
//	    args: ["@modelcontextprotocol/server-filesystem", "/tmp"]
package config
