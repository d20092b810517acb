// Package realtimetest provides an in-process stand-in for the dashboard
// API: a health endpoint plus an SSE feed with cursor replay and fault
// injection. It backs the realtime package tests and the rtwatch demo mode.
package realtimetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/google/uuid"

	"github.com/oplane/realtime"
)

// Server serves GET /health and GET /sse. Events published to it are
// assigned monotonic ids and are replayed to clients that connect with a
// lastEventId cursor; clients without a cursor get full snapshot frames
// first.
type Server struct {
	mtx          sync.Mutex
	nextID       uint64
	log          []feedEvent
	entities     map[string]map[string]map[string]any // kind -> id -> wire fields
	counts       map[string]any
	health       realtime.ServiceHealthSnapshot
	healthStatus int // non-zero: respond with this HTTP status
	healthDelay  time.Duration
	failConnects int
	connects     int
	healthHits   int
	subs         map[chan feedEvent]struct{}

	srv *httptest.Server
}

type feedEvent struct {
	id   uint64
	typ  string
	data []byte
}

// NewServer starts a server with a healthy default snapshot.
func NewServer() *Server {
	s := &Server{
		entities: map[string]map[string]map[string]any{},
		subs:     map[chan feedEvent]struct{}{},
		health: realtime.ServiceHealthSnapshot{
			Status:    realtime.Healthy,
			Timestamp: time.Now().UTC(),
			Services: map[string]realtime.ServiceHealth{
				"api":       {Status: realtime.Healthy, LatencyMs: 3},
				"scheduler": {Status: realtime.Healthy, LatencyMs: 5},
				"runner":    {Status: realtime.Healthy, LatencyMs: 8},
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sse", s.handleFeed)
	s.srv = httptest.NewServer(mux)

	return s
}

// URL returns the server's base URL.
func (s *Server) URL() string { return s.srv.URL }

// HealthURL returns the health endpoint URL.
func (s *Server) HealthURL() string { return s.srv.URL + "/health" }

// FeedURL returns the push channel URL.
func (s *Server) FeedURL() string { return s.srv.URL + "/sse" }

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// DropConnections severs all live connections without stopping the server,
// simulating a network blip.
func (s *Server) DropConnections() { s.srv.CloseClientConnections() }

// ConnectCount returns how many feed connections have been attempted.
func (s *Server) ConnectCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.connects
}

// HealthCount returns how many health checks the server has received.
func (s *Server) HealthCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.healthHits
}

// SetHealth replaces the snapshot served by /health.
func (s *Server) SetHealth(snap realtime.ServiceHealthSnapshot) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.health = snap
}

// SetHealthStatus makes /health respond with the given HTTP status; 0
// restores normal responses.
func (s *Server) SetHealthStatus(code int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.healthStatus = code
}

// SetHealthDelay delays every /health response by d, for timeout tests.
func (s *Server) SetHealthDelay(d time.Duration) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.healthDelay = d
}

// FailConnects refuses the next n feed connections with 503.
func (s *Server) FailConnects(n int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.failConnects = n
}

// NewDeployment returns a wire-format deployment fixture.
func NewDeployment(name string) map[string]any {
	return map[string]any{
		"id":           uuid.NewString(),
		"display_name": name,
		"status":       "running",
		"env_id":       "env-prod",
		"created_by":   "fixtures",
		"total_items":  10,
	}
}

// NewJob returns a wire-format job fixture.
func NewJob(name string) map[string]any {
	return map[string]any{
		"id":           uuid.NewString(),
		"display_name": name,
		"status":       "queued",
		"total_items":  100,
	}
}

// Publish appends an event to the feed, updating the server's own entity
// state so later snapshot frames reflect it, and returns the assigned id.
// Payload keys use wire (snake_case) naming. RawPublish skips the JSON
// encoding for malformed-payload tests.
func (s *Server) Publish(eventType string, payload map[string]any) uint64 {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("realtimetest: marshal payload: %v", err))
	}

	s.mtx.Lock()
	s.applyLocked(eventType, payload)
	id := s.appendLocked(eventType, data)
	s.mtx.Unlock()

	return id
}

// RawPublish appends an event with a verbatim data payload.
func (s *Server) RawPublish(eventType string, data []byte) uint64 {
	s.mtx.Lock()
	id := s.appendLocked(eventType, data)
	s.mtx.Unlock()

	return id
}

func (s *Server) appendLocked(eventType string, data []byte) uint64 {
	s.nextID++
	ev := feedEvent{id: s.nextID, typ: eventType, data: data}
	s.log = append(s.log, ev)

	for c := range s.subs {
		select {
		case c <- ev:
		default: // slow subscriber loses live events; replay covers it
		}
	}

	return ev.id
}

// applyLocked maintains the authoritative state behind snapshots.
func (s *Server) applyLocked(eventType string, payload map[string]any) {
	var kind string
	switch {
	case eventType == realtime.EventTypeCounts:
		if s.counts == nil {
			s.counts = map[string]any{}
		}
		for k, v := range payload {
			s.counts[k] = v
		}
		return
	case strings.HasSuffix(eventType, ".upsert"):
		kind = strings.TrimSuffix(eventType, ".upsert")
	case strings.HasSuffix(eventType, ".progress"):
		kind = strings.TrimSuffix(eventType, ".progress")
	default:
		return
	}

	id, _ := payload["id"].(string)
	if id == "" {
		return
	}

	byID := s.entities[kind]
	if byID == nil {
		byID = map[string]map[string]any{}
		s.entities[kind] = byID
	}

	cur := byID[id]
	if cur == nil {
		if strings.HasSuffix(eventType, ".progress") {
			return
		}
		cur = map[string]any{}
		byID[id] = cur
	}
	for k, v := range payload {
		cur[k] = v
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mtx.Lock()
	s.healthHits++
	snap := s.health
	status := s.healthStatus
	delay := s.healthDelay
	s.mtx.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	snap.Timestamp = time.Now().UTC()
	w.Header().Set("content-type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, "feed requests must accept text/event-stream", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "response writer must support flushing", http.StatusInternalServerError)
		return
	}

	s.mtx.Lock()
	s.connects++
	if s.failConnects > 0 {
		s.failConnects--
		s.mtx.Unlock()
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mtx.Unlock()

	queryCursor := r.URL.Query().Get("lastEventId")

	eventsource.Handler(func(lastID string, enc *eventsource.Encoder, stop <-chan bool) {
		// The cursor travels in the query; the Last-Event-ID header is a
		// fallback for the transport library's internal retries.
		cursor := queryCursor
		if cursor == "" {
			cursor = lastID
		}

		// Push the handshake headers out even when there is no backlog to
		// send, so a connecting client unblocks immediately.
		flusher.Flush()

		s.mtx.Lock()

		var backlog []feedEvent
		if after, err := strconv.ParseUint(cursor, 10, 64); err == nil {
			for _, ev := range s.log {
				if ev.id > after {
					backlog = append(backlog, ev)
				}
			}
		} else {
			// Fresh connection: full authoritative snapshots first.
			backlog = s.snapshotFramesLocked()
		}

		live := make(chan feedEvent, 64)
		s.subs[live] = struct{}{}
		head := s.nextID

		s.mtx.Unlock()

		defer func() {
			s.mtx.Lock()
			delete(s.subs, live)
			s.mtx.Unlock()
		}()

		send := func(ev feedEvent) bool {
			out := eventsource.Event{Type: ev.typ, Data: ev.data}
			if ev.id > 0 {
				out.ID = strconv.FormatUint(ev.id, 10)
			}
			if err := enc.Encode(out); err != nil {
				return false
			}
			flusher.Flush()
			return true
		}

		for _, ev := range backlog {
			if !send(ev) {
				return
			}
		}

		heartbeats := time.NewTicker(15 * time.Second)
		defer heartbeats.Stop()

		for {
			select {
			case ev := <-live:
				if ev.id <= head {
					continue // already sent via backlog
				}
				if !send(ev) {
					return
				}

			case ts := <-heartbeats.C:
				data, _ := json.Marshal(map[string]any{"ts": ts.UTC().Format(time.RFC3339)})
				if !send(feedEvent{typ: realtime.EventTypeHeartbeat, data: data}) {
					return
				}

			case <-stop:
				return

			case <-r.Context().Done():
				return
			}
		}
	}).ServeHTTP(w, r)
}

// snapshotFramesLocked builds one snapshot frame per entity kind, carrying
// the head cursor so a resumed client doesn't re-receive the backlog.
func (s *Server) snapshotFramesLocked() []feedEvent {
	frames := make([]feedEvent, 0, len(s.entities))
	for kind, byID := range s.entities {
		items := make([]map[string]any, 0, len(byID))
		for _, fields := range byID {
			items = append(items, fields)
		}
		data, _ := json.Marshal(map[string]any{
			"entity":    kind,
			"items":     items,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		frames = append(frames, feedEvent{id: s.nextID, typ: realtime.EventTypeSnapshot, data: data})
	}
	if len(s.counts) > 0 {
		data, _ := json.Marshal(s.counts)
		frames = append(frames, feedEvent{id: s.nextID, typ: realtime.EventTypeCounts, data: data})
	}
	return frames
}
