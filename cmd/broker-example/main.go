package main

import (
	"context"
	"fmt"
	"time"

	"github.com/vikashloomba/mcp-broker-go/pkg/broker"
)

func main() {
	b := broker.New(&broker.Options{
		ClientName:     "broker-example",
		ConnectTimeout: 10 * time.Second,
	})
	ctx := context.Background()

	if err := b.Register(ctx, broker.ServiceDefinition{
		ID:        "example-stdio",
		Transport: broker.TransportStdio,
		Command:   "./my-mcp-server",
		Args:      []string{"--serve"},
		Enabled:   true,
	}); err != nil {
		fmt.Printf("register error: %v\n", err)
		return
	}

	for _, info := range b.List() {
		fmt.Printf("Configured server: %s\n", info.ID)
		fmt.Printf("Status: %s\n", info.Status)
		if info.LastError != "" {
			fmt.Printf("Last error: %s\n", info.LastError)
		}
	}

	resp := b.CallTool(ctx, broker.ToolCallRequest{ServerID: "example-stdio", ToolName: "echo"})
	fmt.Printf("call success=%v error=%q\n", resp.Success, resp.Error)

	if err := b.Shutdown(ctx); err != nil {
		fmt.Printf("shutdown error: %v\n", err)
	}
}
