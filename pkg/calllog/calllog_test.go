package calllog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-broker-go/pkg/broker"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit", "broker.db"), slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRecordsCallsNewestFirst(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store.LogCall(ctx, broker.CallRecord{
		ID:        "c1",
		ServerID:  "files",
		Kind:      broker.CallKindTool,
		Name:      "read_file",
		Arguments: map[string]any{"path": "/tmp/a", "limit": float64(10)},
		Success:   true,
		Duration:  42 * time.Millisecond,
		Timestamp: base,
	})
	store.LogCall(ctx, broker.CallRecord{
		ID:        "c2",
		ServerID:  "docs",
		Kind:      broker.CallKindResource,
		Name:      "doc://readme",
		Error:     "Service docs is not connected (status: error)",
		Timestamp: base.Add(time.Second),
	})
	// Duplicate IDs are ignored.
	store.LogCall(ctx, broker.CallRecord{ID: "c1", ServerID: "other", Kind: broker.CallKindTool, Name: "x", Timestamp: base})

	recs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "c2", recs[0].ID)
	assert.Equal(t, broker.CallKindResource, recs[0].Kind)
	assert.False(t, recs[0].Success)
	assert.Equal(t, "Service docs is not connected (status: error)", recs[0].Error)
	assert.Nil(t, recs[0].Arguments)

	assert.Equal(t, "c1", recs[1].ID)
	assert.Equal(t, "files", recs[1].ServerID)
	assert.True(t, recs[1].Success)
	assert.Equal(t, 42*time.Millisecond, recs[1].Duration)
	assert.Equal(t, map[string]any{"path": "/tmp/a", "limit": float64(10)}, recs[1].Arguments)
	assert.True(t, base.Equal(recs[1].Timestamp))

	limited, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c2", limited[0].ID)
}

func TestStoreTransitionsInOrder(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	for _, e := range []broker.Event{
		{Kind: broker.EventRegistered, ServerID: "a", Status: broker.StatusDisconnected},
		{Kind: broker.EventStatus, ServerID: "a", Status: broker.StatusConnecting},
		{Kind: broker.EventRegistered, ServerID: "b", Status: broker.StatusDisconnected},
		{Kind: broker.EventError, ServerID: "a", Status: broker.StatusError, Error: "refused"},
	} {
		store.HandleEvent(e)
	}

	events, err := store.Transitions(context.Background(), "a", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, broker.EventRegistered, events[0].Kind)
	assert.Equal(t, broker.StatusConnecting, events[1].Status)
	assert.Equal(t, "refused", events[2].Error)
	assert.False(t, events[2].Time.IsZero())

	last, err := store.Transitions(context.Background(), "a", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, broker.EventError, last[0].Kind)

	all, err := store.Transitions(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStoreCapturesBrokerActivity(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	b := broker.New(&broker.Options{
		Events:     store,
		CallLogger: store,
		Logger:     slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	require.NoError(t, b.Register(context.Background(), broker.ServiceDefinition{
		ID:        "idle",
		Transport: broker.TransportStdio,
		Command:   "unused",
	}))
	resp := b.CallTool(context.Background(), broker.ToolCallRequest{ServerID: "idle", ToolName: "echo"})
	require.False(t, resp.Success)
	require.NoError(t, b.Shutdown(context.Background()))

	recs, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Service idle is not connected (status: disconnected)", recs[0].Error)

	events, err := store.Transitions(context.Background(), "idle", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, broker.EventRegistered, events[0].Kind)
	assert.Equal(t, broker.EventRemoved, events[1].Kind)
}

func TestSlogSinkLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	sink.LogCall(context.Background(), broker.CallRecord{
		ID: "1", ServerID: "s", Kind: broker.CallKindTool, Name: "ok", Success: true,
		Arguments: map[string]any{"path": "/tmp/notes.txt"},
	})
	sink.LogCall(context.Background(), broker.CallRecord{ID: "2", ServerID: "s", Kind: broker.CallKindTool, Name: "bad", Error: "boom"})
	sink.HandleEvent(broker.Event{Kind: broker.EventError, ServerID: "s", Status: broker.StatusError, Error: "refused"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var entries []map[string]any
	for _, line := range lines {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	assert.Equal(t, "INFO", entries[0]["level"])
	assert.Equal(t, "call completed", entries[0]["msg"])
	assert.Equal(t, map[string]any{"path": "/tmp/notes.txt"}, entries[0]["arguments"])
	assert.NotContains(t, entries[1], "arguments")
	assert.Equal(t, "WARN", entries[1]["level"])
	assert.Equal(t, "boom", entries[1]["error"])
	assert.Equal(t, "WARN", entries[2]["level"])
	assert.Equal(t, "error", entries[2]["event"])
}

func TestMultiFansOut(t *testing.T) {
	t.Parallel()

	var got []string
	logger := func(tag string) broker.CallLogger {
		return broker.CallLoggerFunc(func(_ context.Context, rec broker.CallRecord) {
			got = append(got, tag+":"+rec.Name)
		})
	}
	m := Multi{logger("a"), nil, logger("b")}
	m.LogCall(context.Background(), broker.CallRecord{Name: "t"})
	assert.Equal(t, []string{"a:t", "b:t"}, got)
}
