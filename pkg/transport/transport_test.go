package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKindAliases(t *testing.T) {
	t.Parallel()

	cases := map[string]Kind{
		"stdio":           KindStdio,
		"Subprocess":      KindStdio,
		"sse":             KindSSE,
		"http":            KindSSE,
		"streamable-http": KindSSE,
		" websocket ":     KindWebSocket,
		"ws":              KindWebSocket,
	}
	for raw, want := range cases {
		got, ok := ParseKind(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := ParseKind("carrier-pigeon")
	assert.False(t, ok)
}

func TestNewRejectsMissingParameters(t *testing.T) {
	t.Parallel()

	_, err := New(Spec{ServerID: "a", Kind: KindStdio}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command missing")

	_, err = New(Spec{ServerID: "b", Kind: KindSSE}, Options{})
	require.Error(t, err)

	_, err = New(Spec{ServerID: "c", Kind: KindWebSocket}, Options{})
	require.Error(t, err)

	_, err = New(Spec{ServerID: "d", Kind: "carrier-pigeon", URL: "http://x"}, Options{})
	require.Error(t, err)
}

func TestClientOperationsBeforeConnect(t *testing.T) {
	t.Parallel()

	client, err := New(Spec{ServerID: "files", Kind: KindStdio, Command: "true"}, Options{})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = client.ListTools(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = client.ListResources(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = client.ListPrompts(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = client.CallTool(ctx, "echo", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = client.ReadResource(ctx, "file:///tmp/x")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Nil(t, client.Done())

	// Disconnect is idempotent on a client that never connected.
	client.Disconnect()
	client.Disconnect()
}

func TestBuildStdioTransportMergesEnv(t *testing.T) {
	t.Parallel()

	spec := Spec{
		ServerID: "stdio-example",
		Kind:     KindStdio,
		Command:  "npx",
		Args:     []string{"@modelcontextprotocol/server-everything"},
		Env:      map[string]string{"MCP_SERVER_MODE": "stdio"},
	}
	cmdTransport := buildStdioTransport(context.Background(), spec)
	assert.Equal(t, append([]string{spec.Command}, spec.Args...), cmdTransport.Command.Args)
	assert.Contains(t, cmdTransport.Command.Env, "MCP_SERVER_MODE=stdio")

	// Each attempt needs a fresh, unstarted command.
	assert.NotSame(t, cmdTransport.Command, buildStdioTransport(context.Background(), spec).Command)
}

// silentStdioSpec starts a child that never answers initialize and records
// its pid in the returned file.
func silentStdioSpec(t *testing.T) (Spec, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	return Spec{
		ServerID: "silent",
		Kind:     KindStdio,
		Command:  "sh",
		Args:     []string{"-c", "echo $$ > " + pidFile + "; exec sleep 60"},
	}, pidFile
}

func readPID(t *testing.T, pidFile string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil && pid > 0
	}, 5*time.Second, 10*time.Millisecond)
	return pid
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func TestStdioConnectHonorsDeadline(t *testing.T) {
	t.Parallel()

	spec, pidFile := silentStdioSpec(t)
	client, err := New(spec, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = client.Connect(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second, "connect outlived its deadline")

	pid := readPID(t, pidFile)
	require.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 20*time.Millisecond,
		"child %d still running after the deadline", pid)
	assert.Nil(t, client.Done())
}

func TestStdioDisconnectAbortsPendingConnect(t *testing.T) {
	t.Parallel()

	spec, pidFile := silentStdioSpec(t)
	client, err := New(spec, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- client.Connect(ctx) }()

	pid := readPID(t, pidFile)
	client.Disconnect()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect still blocked after Disconnect")
	}
	require.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 20*time.Millisecond,
		"child %d still running after Disconnect", pid)
}

func TestDecorateHTTPClientAddsHeadersAndSession(t *testing.T) {
	t.Parallel()

	tracker := newSessionIDTracker("session-1")
	providerCalled := false
	provider := func(context.Context) (string, error) {
		providerCalled = true
		return "Bearer example-token", nil
	}

	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "broker-tests", req.Header.Get("X-MCP-Source"))
		assert.Equal(t, "session-1", req.Header.Get(sessionIDHeaderName))
		assert.Equal(t, "Bearer example-token", req.Header.Get("Authorization"))
		return &http.Response{
			StatusCode: http.StatusNoContent,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader("")),
			Request:    req,
		}, nil
	})

	decorated := decorateHTTPClient(&http.Client{Transport: rt}, headersFromMap(map[string]string{"X-MCP-Source": "broker-tests"}), tracker, provider)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://example.invalid/mcp", nil)
	require.NoError(t, err)
	resp, err := decorated.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.True(t, providerCalled)
	assert.Empty(t, req.Header.Get("X-MCP-Source"), "caller request must not be mutated")
}

func TestDecorateHTTPClientPropagatesAuthFailure(t *testing.T) {
	t.Parallel()

	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("request should not be sent")
		return nil, nil
	})
	provider := func(context.Context) (string, error) { return "", errors.New("token expired") }
	decorated := decorateHTTPClient(&http.Client{Transport: rt}, nil, nil, provider)
	_, err := decorated.Get("https://example.invalid/mcp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token expired")
}

func TestShouldPreferSSEHeuristic(t *testing.T) {
	t.Parallel()

	assert.False(t, shouldPreferSSE(Spec{URL: "https://example.invalid/mcp"}))
	assert.True(t, shouldPreferSSE(Spec{URL: "https://example.invalid/sse"}))
	override := true
	assert.True(t, shouldPreferSSE(Spec{URL: "https://example.invalid/mcp", PreferSSE: &override}))
}

func TestContentTextJoinsTextBlocks(t *testing.T) {
	t.Parallel()

	content := []mcp.Content{
		&mcp.TextContent{Text: "first"},
		&mcp.ImageContent{MIMEType: "image/png"},
		&mcp.TextContent{Text: "second"},
	}
	assert.Equal(t, "first\nsecond", ContentText(content))
}

func TestWebSocketTransportRoundTrip(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{Subprotocols: []string{websocketSubprotocol}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ws-token", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		assert.Contains(t, string(data), `"method":"ping"`)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	tr := &WebSocketTransport{
		URL:          wsURL,
		AuthProvider: func(context.Context) (string, error) { return "Bearer ws-token", nil },
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := tr.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	req, err := jsonrpc.DecodeMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, req))

	msg, err := conn.Read(ctx)
	require.NoError(t, err)
	_, isResponse := msg.(*jsonrpc.Response)
	assert.True(t, isResponse, "expected response, got %T", msg)

	require.NoError(t, conn.Close())
	_, err = conn.Read(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWebSocketTransportRefused(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	tr := &WebSocketTransport{URL: "ws" + strings.TrimPrefix(server.URL, "http")}
	_, err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake")
}

func TestStdioServerEverythingLists(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client, err := New(Spec{
		ServerID: "stdio-example",
		Kind:     KindStdio,
		Command:  "npx",
		Args:     []string{"@modelcontextprotocol/server-everything"},
	}, Options{ClientName: "transport-tests"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Disconnect()

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, tools)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
