package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-broker-go/pkg/transport"
)

// mockClient is an in-memory transport.Client. One instance is reused for
// every attempt against the same backend so counters accumulate.
type mockClient struct {
	mu sync.Mutex

	// connectErr, when set, is called with the 1-based attempt number.
	connectErr func(attempt int) error
	// block makes Connect wait until it is closed.
	block chan struct{}
	// ignoreCtx makes a blocked Connect ignore cancellation.
	ignoreCtx bool
	// holdUntilDisconnect makes Connect ignore its context and return only
	// once Disconnect is called, like a subprocess that never answers.
	holdUntilDisconnect bool
	hold                chan struct{}
	pending             int

	tools        []*mcp.Tool
	resources    []*mcp.Resource
	prompts      []*mcp.Prompt
	listToolsErr error

	callResult *mcp.CallToolResult
	callErr    error
	readResult *mcp.ReadResourceResult
	readErr    error

	connects    int
	disconnects int
	calls       int
	reads       int
	connected   bool
	done        chan struct{}
}

func (m *mockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.connects++
	attempt := m.connects
	block := m.block
	ignoreCtx := m.ignoreCtx
	connectErr := m.connectErr
	var hold chan struct{}
	if m.holdUntilDisconnect {
		hold = make(chan struct{})
		m.hold = hold
		m.pending++
	}
	m.mu.Unlock()

	if hold != nil {
		<-hold
		m.mu.Lock()
		m.pending--
		m.mu.Unlock()
		return transport.ErrDisconnected
	}
	if block != nil {
		if ignoreCtx {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if connectErr != nil {
		if err := connectErr(attempt); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.connected = true
	m.done = make(chan struct{})
	m.mu.Unlock()
	return nil
}

func (m *mockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	if m.hold != nil {
		close(m.hold)
		m.hold = nil
	}
	if m.connected {
		m.connected = false
		close(m.done)
	}
}

// drop simulates the backend going away without a disconnect request.
func (m *mockClient) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		m.connected = false
		close(m.done)
	}
}

func (m *mockClient) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil
	}
	return m.done
}

func (m *mockClient) ListTools(context.Context) ([]*mcp.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listToolsErr != nil {
		return nil, m.listToolsErr
	}
	return m.tools, nil
}

func (m *mockClient) ListResources(context.Context) ([]*mcp.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resources, nil
}

func (m *mockClient) ListPrompts(context.Context) ([]*mcp.Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts, nil
}

func (m *mockClient) CallTool(_ context.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if !m.connected {
		return nil, transport.ErrNotConnected
	}
	if m.callErr != nil {
		return nil, m.callErr
	}
	return m.callResult, nil
}

func (m *mockClient) ReadResource(_ context.Context, uri string) (*mcp.ReadResourceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if !m.connected {
		return nil, transport.ErrNotConnected
	}
	if m.readErr != nil {
		return nil, m.readErr
	}
	return m.readResult, nil
}

func (m *mockClient) pendingConnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *mockClient) counts() (connects, disconnects, calls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects, m.disconnects, m.calls
}

// mockFactory hands out the registered mock for each backend ID.
type mockFactory struct {
	mu      sync.Mutex
	clients map[string]*mockClient
	builds  int
}

func newMockFactory() *mockFactory {
	return &mockFactory{clients: make(map[string]*mockClient)}
}

func (f *mockFactory) add(id string, c *mockClient) *mockClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[id] = c
	return c
}

func (f *mockFactory) build(def ServiceDefinition, _ transport.Options) (transport.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	c, ok := f.clients[def.ID]
	if !ok {
		return nil, fmt.Errorf("no mock for %s", def.ID)
	}
	return c, nil
}

func (f *mockFactory) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

// fakeTimers replaces time.AfterFunc so tests decide when retries fire.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

func (t *fakeTimer) isActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fire runs the callback even if the timer was stopped, mimicking a timer
// that raced with Stop.
func (t *fakeTimer) fire() {
	t.mu.Lock()
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
}

func (ft *fakeTimers) afterFunc(d time.Duration, fn func()) stopper {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) all() []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]*fakeTimer(nil), ft.timers...)
}

func (ft *fakeTimers) active() []*fakeTimer {
	var out []*fakeTimer
	for _, t := range ft.all() {
		if t.isActive() {
			out = append(out, t)
		}
	}
	return out
}

// recordingSink captures lifecycle events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) HandleEvent(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSink) kindsFor(id string) []EventKind {
	var kinds []EventKind
	for _, e := range s.snapshot() {
		if e.ServerID == id {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

type testBroker struct {
	*Broker
	factory *mockFactory
	timers  *fakeTimers
	sink    *recordingSink
}

func newTestBroker(t *testing.T, opts *Options) *testBroker {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	factory := newMockFactory()
	sink := &recordingSink{}
	timers := &fakeTimers{}
	opts.NewClient = factory.build
	opts.Events = sink
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 2 * time.Second
	}
	b := New(opts)
	b.afterFunc = timers.afterFunc
	t.Cleanup(func() {
		_ = b.Shutdown(context.Background())
	})
	return &testBroker{Broker: b, factory: factory, timers: timers, sink: sink}
}

func stdioDef(id string, enabled bool) ServiceDefinition {
	return ServiceDefinition{
		ID:        id,
		Name:      "Service " + id,
		Transport: TransportStdio,
		Command:   "mock-server",
		Enabled:   enabled,
	}
}

func requireStatus(t *testing.T, b *Broker, id string, want Status) ConnectionInfo {
	t.Helper()
	info, err := b.Get(id)
	require.NoError(t, err)
	require.Equal(t, want, info.Status, "last error: %s", info.LastError)
	return info
}

func eventuallyStatus(t *testing.T, b *Broker, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, err := b.Get(id)
		return err == nil && info.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}
