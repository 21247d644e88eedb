package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-broker-go/pkg/broker"
	mcpgateway "github.com/vikashloomba/mcp-broker-go/pkg/mcp-gateway"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := broker.New(&broker.Options{
		ClientName:      "gateway-example",
		ConnectTimeout:  15 * time.Second,
		ReconnectOnLoss: true,
	})
	defer func() {
		_ = b.Shutdown(context.Background())
	}()

	gatewayOpts := &mcpgateway.Options{
		Addr: ":8787",
		Path: "/mcp",
		Streamable: mcp.StreamableHTTPOptions{
			Stateless:    false,
			JSONResponse: true,
		},
	}
	gateway, err := mcpgateway.NewGateway(b, gatewayOpts)
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	if err := b.Register(ctx, broker.ServiceDefinition{
		ID:        "stdio-example",
		Transport: broker.TransportStdio,
		Command:   "npx",
		Args:      []string{"@modelcontextprotocol/server-everything"},
		Enabled:   true,
	}); err != nil {
		log.Fatalf("failed to register stdio-example server: %v", err)
	}

	log.Printf("gateway serving Streamable MCP on %s%s", gatewayOpts.Addr, gateway.Path())
	if err := gateway.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("gateway server stopped: %v", err)
	}
}
