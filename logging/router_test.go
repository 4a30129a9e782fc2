package logging_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenecollab/server/logging"
	"scenecollab/server/logging/network"
	"scenecollab/server/logging/sinks"
)

func fixedClock() logging.Clock {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return logging.ClockFunc(func() time.Time { return at })
}

func TestRouterFiltersAndDecoratesEvents(t *testing.T) {
	memory := sinks.NewMemorySink()
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.SeverityInfo
	cfg.Fields = map[string]any{"node": "relay-1"}

	router, err := logging.NewRouter(fixedClock(), cfg, []logging.NamedSink{{Name: "memory", Sink: memory}})
	require.NoError(t, err)

	ctx := context.Background()
	room := logging.Room("doc")
	network.SnapshotSaved(ctx, router, 1, room, network.SnapshotPayload{Seq: 1, Bytes: 10}, nil)
	network.SnapshotFailed(ctx, router, 2, room, network.SnapshotPayload{Seq: 2, Error: "disk full"}, map[string]any{"node": "override"})
	router.Publish(ctx, logging.Event{})

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, router.Close(closeCtx))

	events := memory.Events()
	require.Len(t, events, 1, "debug events fall below the minimum severity")
	event := events[0]
	assert.Equal(t, network.EventSnapshotFailed, event.Type)
	assert.Equal(t, "override", event.Extra["node"], "event fields win over router fields")
	assert.Equal(t, 2024, event.Time.Year())
	assert.Equal(t, uint64(1), router.Stats().EventsTotal)
}

func TestRouterIgnoresPublishAfterClose(t *testing.T) {
	memory := sinks.NewMemorySink()
	router, err := logging.NewRouter(fixedClock(), logging.DefaultConfig(), []logging.NamedSink{{Name: "memory", Sink: memory}})
	require.NoError(t, err)
	require.Same(t, memory, router.Sink("memory"))

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, router.Close(closeCtx))

	network.MessageDropped(context.Background(), router, logging.Peer("x"), logging.Room("doc"), network.DroppedPayload{Reason: "late"}, nil)
	if got := len(memory.Events()); got != 0 {
		t.Fatalf("expected no events after close, got %d", got)
	}
}

func TestRouterCategoryFilterAndCounters(t *testing.T) {
	memory := sinks.NewMemorySink()
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.SeverityDebug
	cfg.Categories = []string{"network"}

	router, err := logging.NewRouter(fixedClock(), cfg, []logging.NamedSink{{Name: "memory", Sink: memory}})
	require.NoError(t, err)

	ctx := context.Background()
	network.SnapshotSaved(ctx, router, 1, logging.Room("doc"), network.SnapshotPayload{Seq: 1}, nil)
	router.Publish(ctx, logging.Event{Type: "replication.other", Category: logging.CategoryReplication, Severity: logging.SeverityError})

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, router.Close(closeCtx))

	events := memory.Events()
	require.Len(t, events, 1)
	assert.Equal(t, network.EventSnapshotSaved, events[0].Type)

	counters := router.Counters()
	assert.Equal(t, uint64(1), counters["log_events_total"])
	assert.Equal(t, uint64(0), counters["log_sink_memory_dropped_total"])
	assert.Equal(t, uint64(1), router.Stats().Sinks["memory"].Written)
}
