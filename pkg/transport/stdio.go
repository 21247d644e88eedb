package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// stdioWaitDelay bounds how long Wait keeps the pipes open after the child
// was killed, in case a grandchild inherited them.
const stdioWaitDelay = 2 * time.Second

func stdioDialer(c *sessionClient, spec Spec) dialFunc {
	return func(ctx context.Context) (*mcp.ClientSession, error) {
		// A command can only be started once, so every attempt gets its own.
		// The child lives on its own context: it is killed when the dial is
		// cancelled before the handshake finishes, and survives the dial
		// context once the session is established.
		procCtx, kill := context.WithCancel(context.Background())
		stop := context.AfterFunc(ctx, kill)
		session, err := c.attempt(ctx, buildStdioTransport(procCtx, spec))
		if err != nil {
			stop()
			kill()
			return nil, err
		}
		if !stop() {
			// The dial was cancelled as the handshake completed.
			_ = session.Close()
			return nil, fmt.Errorf("stdio handshake abandoned: %w", context.Cause(ctx))
		}
		go func() {
			_ = session.Wait()
			kill()
		}()
		return session, nil
	}
}

func buildStdioTransport(procCtx context.Context, spec Spec) *mcp.CommandTransport {
	cmd := exec.CommandContext(procCtx, spec.Command, spec.Args...)
	cmd.WaitDelay = stdioWaitDelay
	if len(spec.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), spec.Env)
	}
	return &mcp.CommandTransport{Command: cmd}
}

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string(nil), base...)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return env
}
