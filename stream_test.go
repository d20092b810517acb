package realtime_test

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/oplane/realtime"
	"github.com/oplane/realtime/realtimetest"
)

// streamRecorder collects handler invocations for assertions.
type streamRecorder struct {
	snapshots chan realtime.StreamEvent
	upserts   chan realtime.StreamEvent
	progress  chan realtime.StreamEvent
	counts    chan realtime.StreamEvent
	connected chan bool
	failed    chan error
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{
		snapshots: make(chan realtime.StreamEvent, 64),
		upserts:   make(chan realtime.StreamEvent, 64),
		progress:  make(chan realtime.StreamEvent, 64),
		counts:    make(chan realtime.StreamEvent, 64),
		connected: make(chan bool, 64),
		failed:    make(chan error, 1),
	}
}

func (r *streamRecorder) handlers() realtime.StreamHandlers {
	return realtime.StreamHandlers{
		Snapshot:  func(se realtime.StreamEvent) { r.snapshots <- se },
		Upsert:    func(se realtime.StreamEvent) { r.upserts <- se },
		Progress:  func(se realtime.StreamEvent) { r.progress <- se },
		Counts:    func(se realtime.StreamEvent) { r.counts <- se },
		Connected: func(ok bool) { r.connected <- ok },
		Failed:    func(err error) { r.failed <- err },
	}
}

func recvEvent(t *testing.T, c <-chan realtime.StreamEvent) realtime.StreamEvent {
	t.Helper()
	select {
	case se := <-c:
		return se
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for stream event")
		return realtime.StreamEvent{}
	}
}

func newTestStream(t *testing.T, srv *realtimetest.Server, rec *streamRecorder) *realtime.StreamClient {
	t.Helper()
	client, err := realtime.NewStreamClient(realtime.StreamConfig{
		BaseURL:  srv.FeedURL(),
		Token:    "test-token",
		Scope:    realtime.Scope{TenantID: "t1", EnvID: "env-prod"},
		Backoff:  realtime.Backoff{ReconnectBase: 5 * time.Millisecond, ReconnectMax: 20 * time.Millisecond},
		Handlers: rec.handlers(),
	})
	requireNoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestStreamSnapshotAndLiveEvents(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	t.Cleanup(srv.Close)

	d1 := realtimetest.NewDeployment("checkout")
	srv.Publish("deployment.upsert", d1)

	rec := newStreamRecorder()
	client := newTestStream(t, srv, rec)
	client.Connect()

	// Fresh connection: full snapshot first, with camelized keys.
	snap := recvEvent(t, rec.snapshots)
	items, _ := snap.Payload["items"].([]any)
	expectEqual(t, 1, len(items))
	first, _ := items[0].(map[string]any)
	expectEqual[any](t, "checkout", first["displayName"])
	if _, ok := first["display_name"]; ok {
		t.Error("wire casing leaked past the transport boundary")
	}

	// Live upsert follows.
	d2 := realtimetest.NewDeployment("ingest")
	id := srv.Publish("deployment.upsert", d2)

	up := recvEvent(t, rec.upserts)
	expectEqual(t, "deployment", up.Entity)
	expectEqual[any](t, "ingest", up.Payload["displayName"])
	expectEqual(t, strconv.FormatUint(id, 10), client.LastEventID())

	// Counts land in their own handler.
	srv.Publish(realtime.EventTypeCounts, map[string]any{"running": 2})
	cnt := recvEvent(t, rec.counts)
	expectEqual[any](t, 2.0, cnt.Payload["running"])

	expectEqual(t, realtime.StateOpen, client.State())
}

func TestStreamResumeFromCursor(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	t.Cleanup(srv.Close)

	d := realtimetest.NewDeployment("checkout")
	srv.Publish("deployment.upsert", d)
	srv.Publish("deployment.progress", map[string]any{"id": d["id"], "completed_items": 1})

	rec := newStreamRecorder()
	client := newTestStream(t, srv, rec)
	client.Connect()

	recvEvent(t, rec.snapshots) // carries the head cursor
	expectEqual(t, "2", client.LastEventID())

	// Connection drops; events published while away must be replayed from
	// the held cursor, exactly once.
	srv.DropConnections()

	var lastID uint64
	for i := 2; i <= 4; i++ {
		lastID = srv.Publish("deployment.progress", map[string]any{
			"id":              d["id"],
			"completed_items": i,
		})
	}

	for i := 2; i <= 4; i++ {
		ev := recvEvent(t, rec.progress)
		expectEqual[any](t, float64(i), ev.Payload["completedItems"])
	}
	expectEqual(t, strconv.FormatUint(lastID, 10), client.LastEventID())

	// No duplicates beyond the replay.
	select {
	case ev := <-rec.progress:
		t.Fatalf("unexpected duplicate replay: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamExhaustedRetriesIsTerminal(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	t.Cleanup(srv.Close)
	srv.FailConnects(1000)

	rec := newStreamRecorder()
	client := newTestStream(t, srv, rec)
	client.Connect()

	select {
	case err := <-rec.failed:
		if !errors.Is(err, realtime.ErrReconnectFailed) {
			t.Fatalf("want ErrReconnectFailed, have %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for terminal failure")
	}

	expectEqual(t, realtime.StateFailed, client.State())
	expectEqual(t, realtime.DefaultMaxAttempts, srv.ConnectCount())

	// Terminal means terminal: no further automatic retries.
	time.Sleep(100 * time.Millisecond)
	expectEqual(t, realtime.DefaultMaxAttempts, srv.ConnectCount())
}

func TestStreamProtocolErrorsAreNotFatal(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	t.Cleanup(srv.Close)

	rec := newStreamRecorder()
	client := newTestStream(t, srv, rec)
	client.Connect()

	srv.RawPublish("deployment.upsert", []byte("{not json"))
	srv.RawPublish("mystery.telemetry", []byte(`{"id":"x"}`)) // unknown type
	good := realtimetest.NewDeployment("survivor")
	srv.Publish("deployment.upsert", good)

	up := recvEvent(t, rec.upserts)
	expectEqual[any](t, "survivor", up.Payload["displayName"])
	expectEqual(t, 1, srv.ConnectCount()) // same session throughout
	expectEqual(t, realtime.StateOpen, client.State())
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	t.Cleanup(srv.Close)

	rec := newStreamRecorder()
	client := newTestStream(t, srv, rec)
	client.Connect()

	srv.Publish("deployment.upsert", realtimetest.NewDeployment("x"))
	recvEvent(t, rec.upserts)

	client.Close()
	client.Close()
	expectEqual(t, realtime.StateClosed, client.State())

	client.Connect() // no-op on a closed client
	expectEqual(t, realtime.StateClosed, client.State())

	// No handler fires after close.
	srv.Publish("deployment.upsert", realtimetest.NewDeployment("late"))
	select {
	case se := <-rec.upserts:
		t.Fatalf("handler ran after close: %+v", se)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamConnectedSignals(t *testing.T) {
	t.Parallel()

	srv := realtimetest.NewServer()
	t.Cleanup(srv.Close)
	srv.Publish("deployment.upsert", realtimetest.NewDeployment("x"))

	rec := newStreamRecorder()
	client := newTestStream(t, srv, rec)
	client.Connect()

	select {
	case ok := <-rec.connected:
		expectEqual(t, true, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connected signal")
	}

	client.Close()
}
