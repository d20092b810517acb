package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bernerdschaefer/eventsource"
)

// Event types carried on the push channel. Upsert and progress events are
// named per entity, e.g. "deployment.upsert" or "job.progress".
const (
	EventTypeSnapshot  = "snapshot"
	EventTypeCounts    = "counts.update"
	EventTypeHeartbeat = "heartbeat"

	suffixUpsert   = ".upsert"
	suffixProgress = ".progress"
)

// Scope is the addressing key identifying which logical push channel and
// cache partition an operation targets. Zero fields are omitted from the
// connection request.
type Scope struct {
	TenantID     string
	EnvID        string
	JobID        string
	DeploymentID string
}

// String returns a compact form used in logs and as a map key.
func (s Scope) String() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{s.TenantID, s.EnvID, s.JobID, s.DeploymentID} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "global"
	}
	return strings.Join(parts, "/")
}

// StreamEvent is one decoded frame from the push channel. The ID is the
// opaque resume cursor. Payload keys have already been camelized; transport
// naming never reaches reconciliation.
type StreamEvent struct {
	ID        string
	Type      string
	Entity    string // "deployment", "job", ...; empty for snapshot/counts/heartbeat
	Timestamp time.Time
	Payload   map[string]any
}

// decodeStreamEvent converts a raw SSE frame into a StreamEvent, applying
// the key-casing transform. Heartbeats carry no payload and decode to an
// event with a nil payload.
func decodeStreamEvent(ev eventsource.Event) (StreamEvent, error) {
	se := StreamEvent{
		ID:   ev.ID,
		Type: ev.Type,
	}

	switch {
	case ev.Type == EventTypeHeartbeat:
		return se, nil
	case strings.HasSuffix(ev.Type, suffixUpsert):
		se.Entity = strings.TrimSuffix(ev.Type, suffixUpsert)
	case strings.HasSuffix(ev.Type, suffixProgress):
		se.Entity = strings.TrimSuffix(ev.Type, suffixProgress)
	}

	var raw map[string]any
	if err := json.Unmarshal(ev.Data, &raw); err != nil {
		return StreamEvent{}, fmt.Errorf("decode event payload: %w", err)
	}

	se.Payload, _ = CamelizeKeys(raw).(map[string]any)

	if ts, ok := se.Payload["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			se.Timestamp = t
		}
	}

	return se, nil
}
