package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-broker-go/pkg/transport"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultReconnectDelay = time.Second
)

// ClientFactory builds the transport client for one connection attempt.
type ClientFactory func(def ServiceDefinition, opts transport.Options) (transport.Client, error)

// DefaultClientFactory dispatches on the definition's transport kind.
func DefaultClientFactory(def ServiceDefinition, opts transport.Options) (transport.Client, error) {
	return transport.New(def.transportSpec(), opts)
}

// Options configures a Broker instance.
type Options struct {
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Events is the primary lifecycle listener. More can be attached with
	// Subscribe.
	Events EventSink
	// CallLogger is notified once per routed tool call or resource read. It
	// is invoked asynchronously and never delays the response.
	CallLogger CallLogger
	// ConnectTimeout bounds each connection attempt unless the definition
	// carries its own Timeout. Defaults to 30 seconds.
	ConnectTimeout time.Duration
	// ReconnectDelay is the wait between a failed attempt and its retry.
	// Defaults to one second.
	ReconnectDelay time.Duration
	// ReconnectOnLoss reconnects enabled backends whose established session
	// ends without a disconnect request.
	ReconnectOnLoss bool
	// ClientName and ClientVersion are advertised during initialization.
	ClientName    string
	ClientVersion string
	// RPCLogger, when set, observes every JSON-RPC message.
	RPCLogger transport.RPCLogger
	// NewClient overrides transport construction, mainly for tests.
	NewClient ClientFactory
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.NewClient == nil {
		opts.NewClient = DefaultClientFactory
	}
	return opts
}

type stopper interface {
	Stop() bool
}

type reconnectTimer struct {
	timer stopper
}

// Broker owns every connection record and drives each through the
// disconnected → connecting → connected | error state machine.
type Broker struct {
	opts   Options
	logger *slog.Logger
	events *dispatcher

	mu      sync.Mutex
	records map[string]*record
	timers  map[string]*reconnectTimer
	closed  bool

	afterFunc func(time.Duration, func()) stopper

	calls sync.WaitGroup
}

// New constructs an empty Broker. Register backends afterwards, typically
// from the configuration loader.
func New(opts *Options) *Broker {
	options := opts.withDefaults()
	b := &Broker{
		opts:    options,
		logger:  options.Logger,
		events:  newDispatcher(),
		records: make(map[string]*record),
		timers:  make(map[string]*reconnectTimer),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
	if options.Events != nil {
		b.events.subscribe(options.Events)
	}
	return b
}

// Subscribe attaches an additional lifecycle listener and returns a function
// detaching it.
func (b *Broker) Subscribe(sink EventSink) func() {
	if sink == nil {
		return func() {}
	}
	return b.events.subscribe(sink)
}

func (b *Broker) emitLocked(kind EventKind, rec *record) {
	b.events.emit(Event{
		Kind:     kind,
		ServerID: rec.def.ID,
		Status:   rec.status,
		Error:    rec.lastError,
		Time:     time.Now(),
	})
}

// Register adds def, replacing any record with the same ID, and connects it
// when enabled. Only configuration errors are returned; a failed connection
// is recorded on the new record instead.
func (b *Broker) Register(ctx context.Context, def ServiceDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	def = def.clone()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrShutdown
	}
	old := b.detachLocked(def.ID)
	rec := &record{def: def, status: StatusDisconnected}
	b.records[def.ID] = rec
	b.emitLocked(EventRegistered, rec)
	b.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	b.logger.Info("service registered", "server", def.ID, "transport", string(def.Transport), "enabled", def.Enabled)

	if def.Enabled {
		if err := b.Connect(ctx, def.ID); err != nil {
			b.logger.Warn("initial connect failed", "server", def.ID, "error", err)
		}
	}
	return nil
}

// Remove disconnects and forgets id. Unknown IDs are ignored.
func (b *Broker) Remove(ctx context.Context, id string) {
	b.mu.Lock()
	client := b.detachLocked(id)
	b.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
}

// detachLocked cancels the reconnect timer, marks a live record disconnected,
// and deletes it. It returns the client the caller must tear down.
func (b *Broker) detachLocked(id string) transport.Client {
	rec, ok := b.records[id]
	if !ok {
		return nil
	}
	b.stopTimerLocked(id)
	client := rec.client
	if rec.status == StatusConnecting || rec.status == StatusConnected {
		b.resetLocked(rec, StatusDisconnected)
		b.emitLocked(EventDisconnected, rec)
	}
	rec.client = nil
	delete(b.records, id)
	b.emitLocked(EventRemoved, rec)
	b.logger.Info("service removed", "server", id)
	return client
}

// resetLocked moves rec to status, dropping caches and invalidating any
// attempt in flight.
func (b *Broker) resetLocked(rec *record, status Status) {
	rec.status = status
	rec.clearCaches()
	rec.connectedAt = time.Time{}
	rec.attempts++
}

// Connect establishes the session for id. It is a no-op while the record is
// already connecting or connected. On failure the record enters the error
// state, a reconnect is scheduled, and the error is returned for reporting.
func (b *Broker) Connect(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	rec, ok := b.records[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.status == StatusConnecting || rec.status == StatusConnected {
		b.mu.Unlock()
		return nil
	}
	b.stopTimerLocked(id)
	b.resetLocked(rec, StatusConnecting)
	attempt := rec.attempts
	def := rec.def
	b.emitLocked(EventStatus, rec)

	client, err := b.opts.NewClient(def, b.transportOptions())
	if err != nil {
		b.failLocked(rec, attempt, err)
		b.mu.Unlock()
		return err
	}
	rec.client = client
	b.mu.Unlock()

	b.logger.Debug("connecting", "server", id, "attempt", attempt)
	timeout := b.timeoutFor(def)
	if err := dialWithTimeout(ctx, client, timeout); err != nil {
		b.mu.Lock()
		current := b.records[id] == rec && rec.attempts == attempt
		if current {
			b.failLocked(rec, attempt, err)
		}
		b.mu.Unlock()
		client.Disconnect()
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	tools, resources, prompts := b.fetchCapabilities(fetchCtx, def, client)
	cancel()

	b.mu.Lock()
	if b.records[id] != rec || rec.attempts != attempt || rec.status != StatusConnecting {
		b.mu.Unlock()
		// Superseded by Disconnect, Remove, or Shutdown while connecting.
		client.Disconnect()
		return nil
	}
	rec.status = StatusConnected
	rec.tools = tools
	rec.resources = resources
	rec.prompts = prompts
	rec.lastError = ""
	rec.connectedAt = time.Now()
	b.emitLocked(EventConnected, rec)
	done := client.Done()
	b.mu.Unlock()

	b.logger.Info("service connected", "server", id, "tools", len(tools), "resources", len(resources), "prompts", len(prompts))
	if done != nil {
		go b.watchSession(id, rec, attempt, client, done)
	}
	return nil
}

// failLocked records err, enters the error state, and schedules a retry.
func (b *Broker) failLocked(rec *record, attempt int, err error) {
	if b.records[rec.def.ID] != rec || rec.attempts != attempt {
		return
	}
	rec.status = StatusError
	rec.lastError = err.Error()
	rec.client = nil
	rec.clearCaches()
	b.emitLocked(EventError, rec)
	b.logger.Warn("connect failed", "server", rec.def.ID, "error", err)
	b.scheduleReconnectLocked(rec)
}

func (b *Broker) timeoutFor(def ServiceDefinition) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	return b.opts.ConnectTimeout
}

func (b *Broker) transportOptions() transport.Options {
	return transport.Options{
		ClientName:    b.opts.ClientName,
		ClientVersion: b.opts.ClientVersion,
		RPCLogger:     b.opts.RPCLogger,
		Logger:        b.logger,
	}
}

// dialWithTimeout races client.Connect against timeout. When the timeout
// wins, the attempt keeps running in the background and any session it still
// manages to open is torn down.
func dialWithTimeout(ctx context.Context, client transport.Client, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- client.Connect(dialCtx) }()

	select {
	case err := <-result:
		return err
	case <-dialCtx.Done():
		go func() {
			if err := <-result; err == nil {
				client.Disconnect()
			}
		}()
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("connection timeout after %s", timeout)
		}
		return dialCtx.Err()
	}
}

// fetchCapabilities lists tools, resources, and prompts concurrently. A list
// that fails degrades to empty rather than failing the connection.
func (b *Broker) fetchCapabilities(ctx context.Context, def ServiceDefinition, client transport.Client) ([]*mcp.Tool, []*mcp.Resource, []*mcp.Prompt) {
	var (
		g         errgroup.Group
		tools     []*mcp.Tool
		resources []*mcp.Resource
		prompts   []*mcp.Prompt
	)
	g.Go(func() error {
		list, err := client.ListTools(ctx)
		if err != nil {
			b.logger.Warn("list tools failed", "server", def.ID, "error", err)
			return nil
		}
		tools = filterTools(def, list)
		return nil
	})
	g.Go(func() error {
		list, err := client.ListResources(ctx)
		if err != nil {
			b.logger.Warn("list resources failed", "server", def.ID, "error", err)
			return nil
		}
		resources = list
		return nil
	})
	g.Go(func() error {
		list, err := client.ListPrompts(ctx)
		if err != nil {
			b.logger.Warn("list prompts failed", "server", def.ID, "error", err)
			return nil
		}
		prompts = list
		return nil
	})
	_ = g.Wait()
	if tools == nil {
		tools = []*mcp.Tool{}
	}
	if resources == nil {
		resources = []*mcp.Resource{}
	}
	if prompts == nil {
		prompts = []*mcp.Prompt{}
	}
	return tools, resources, prompts
}

func filterTools(def ServiceDefinition, tools []*mcp.Tool) []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		if tool != nil && def.toolAllowed(tool.Name) {
			out = append(out, tool)
		}
	}
	return out
}

// watchSession handles a session that ends without a disconnect request.
func (b *Broker) watchSession(id string, rec *record, attempt int, client transport.Client, done <-chan struct{}) {
	<-done
	b.mu.Lock()
	if b.records[id] != rec || rec.attempts != attempt || rec.status != StatusConnected {
		b.mu.Unlock()
		return
	}
	b.resetLocked(rec, StatusDisconnected)
	rec.client = nil
	rec.lastError = "connection lost"
	b.emitLocked(EventDisconnected, rec)
	reconnect := b.opts.ReconnectOnLoss && rec.def.Enabled && !b.closed
	b.mu.Unlock()

	client.Disconnect()
	b.logger.Warn("connection lost", "server", id, "reconnect", reconnect)
	if reconnect {
		_ = b.Connect(context.Background(), id)
	}
}

// Disconnect closes the session for id. It is a no-op unless the record is
// connecting or connected; transport teardown failures are only logged.
func (b *Broker) Disconnect(ctx context.Context, id string) error {
	b.mu.Lock()
	rec, ok := b.records[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.status != StatusConnecting && rec.status != StatusConnected {
		b.mu.Unlock()
		return nil
	}
	client := rec.client
	rec.client = nil
	b.resetLocked(rec, StatusDisconnected)
	b.emitLocked(EventDisconnected, rec)
	b.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	b.logger.Info("service disconnected", "server", id)
	return nil
}

func (b *Broker) scheduleReconnectLocked(rec *record) {
	if b.closed {
		return
	}
	id := rec.def.ID
	b.stopTimerLocked(id)
	entry := &reconnectTimer{}
	entry.timer = b.afterFunc(b.opts.ReconnectDelay, func() {
		b.retry(id, rec, entry)
	})
	b.timers[id] = entry
	b.logger.Debug("reconnect scheduled", "server", id, "delay", b.opts.ReconnectDelay)
}

func (b *Broker) stopTimerLocked(id string) {
	if entry, ok := b.timers[id]; ok {
		entry.timer.Stop()
		delete(b.timers, id)
	}
}

// retry runs when a reconnect timer fires. It only reconnects if nothing
// touched the record since the failure that scheduled it.
func (b *Broker) retry(id string, rec *record, entry *reconnectTimer) {
	b.mu.Lock()
	if b.timers[id] != entry {
		b.mu.Unlock()
		return
	}
	delete(b.timers, id)
	if b.closed || b.records[id] != rec || !rec.def.Enabled || rec.status != StatusError {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	_ = b.Connect(context.Background(), id)
}

// ConnectAll connects every registered backend concurrently and joins the
// individual failures.
func (b *Broker) ConnectAll(ctx context.Context) error {
	return b.fanOut(func(id string) error { return b.Connect(ctx, id) })
}

// DisconnectAll disconnects every registered backend concurrently.
func (b *Broker) DisconnectAll(ctx context.Context) error {
	return b.fanOut(func(id string) error { return b.Disconnect(ctx, id) })
}

func (b *Broker) fanOut(op func(id string) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range b.IDs() {
		g.Go(func() error {
			if err := op(id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Shutdown cancels pending reconnects, disconnects every backend, clears all
// state, and detaches listeners. It is safe to call more than once.
func (b *Broker) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id := range b.timers {
		b.stopTimerLocked(id)
	}
	var clients []transport.Client
	for id := range b.records {
		if client := b.detachLocked(id); client != nil {
			clients = append(clients, client)
		}
	}
	b.mu.Unlock()

	var g errgroup.Group
	for _, client := range clients {
		g.Go(func() error {
			client.Disconnect()
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		b.calls.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("broker: shutdown incomplete: %w", ctx.Err())
	}
	b.events.close()
	b.logger.Info("broker shut down", "disconnected", len(clients))
	return err
}

// IDs returns registered backend IDs in sorted order.
func (b *Broker) IDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.records))
	for id := range b.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns a snapshot of every connection record, sorted by ID.
func (b *Broker) List() []ConnectionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, rec.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the snapshot for id.
func (b *Broker) Get(id string) (ConnectionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return ConnectionInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.info(), nil
}

// Definition returns a copy of the registered definition for id.
func (b *Broker) Definition(id string) (ServiceDefinition, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return ServiceDefinition{}, false
	}
	return rec.def.clone(), true
}

// Tools returns the cached tools of id. The cache is empty unless the
// backend is connected.
func (b *Broker) Tools(id string) ([]*mcp.Tool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]*mcp.Tool{}, rec.tools...), nil
}

// Resources returns the cached resources of id.
func (b *Broker) Resources(id string) ([]*mcp.Resource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]*mcp.Resource{}, rec.resources...), nil
}

// Prompts returns the cached prompts of id.
func (b *Broker) Prompts(id string) ([]*mcp.Prompt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]*mcp.Prompt{}, rec.prompts...), nil
}

// ListAllTools aggregates the tools of every connected backend.
func (b *Broker) ListAllTools() []ServiceTool {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ServiceTool
	for _, id := range b.sortedIDsLocked() {
		rec := b.records[id]
		if rec.status != StatusConnected {
			continue
		}
		for _, tool := range rec.tools {
			entry := ServiceTool{ServerID: id, Tool: tool}
			if decl, ok := rec.def.declaredTool(tool.Name); ok {
				entry.CommandName = decl.CommandName
			}
			out = append(out, entry)
		}
	}
	return out
}

// ListAllResources aggregates the resources of every connected backend.
func (b *Broker) ListAllResources() []ServiceResource {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ServiceResource
	for _, id := range b.sortedIDsLocked() {
		rec := b.records[id]
		if rec.status != StatusConnected {
			continue
		}
		for _, res := range rec.resources {
			out = append(out, ServiceResource{ServerID: id, Resource: res})
		}
	}
	return out
}

func (b *Broker) sortedIDsLocked() []string {
	ids := make([]string, 0, len(b.records))
	for id := range b.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
