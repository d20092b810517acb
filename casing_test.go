package realtime_test

import (
	"reflect"
	"testing"

	"github.com/oplane/realtime"
)

func TestCamelizeKeys(t *testing.T) {
	t.Parallel()

	t.Run("nested maps and slices", func(t *testing.T) {
		in := map[string]any{
			"env_id":       "env-1",
			"display_name": "checkout",
			"items": []any{
				map[string]any{"completed_items": 3.0, "current_item": "step-3"},
			},
			"plain": "untouched",
		}

		want := map[string]any{
			"envId":       "env-1",
			"displayName": "checkout",
			"items": []any{
				map[string]any{"completedItems": 3.0, "currentItem": "step-3"},
			},
			"plain": "untouched",
		}

		have := realtime.CamelizeKeys(in)
		if !reflect.DeepEqual(want, have) {
			t.Errorf("want %#v, have %#v", want, have)
		}
	})

	t.Run("input not mutated", func(t *testing.T) {
		in := map[string]any{"env_id": "env-1"}
		realtime.CamelizeKeys(in)
		if _, ok := in["env_id"]; !ok {
			t.Error("input map was mutated")
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		once := realtime.CamelizeKeys(map[string]any{"latency_ms": 5.0})
		twice := realtime.CamelizeKeys(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("second pass changed the result: %#v vs %#v", once, twice)
		}
	})

	t.Run("scalars pass through", func(t *testing.T) {
		expectEqual[any](t, "x", realtime.CamelizeKeys("x"))
		expectEqual[any](t, 3.0, realtime.CamelizeKeys(3.0))
		expectEqual[any](t, nil, realtime.CamelizeKeys(nil))
	})

	t.Run("multi-segment keys", func(t *testing.T) {
		have := realtime.CamelizeKeys(map[string]any{"last_event_id_seen": true})
		want := map[string]any{"lastEventIdSeen": true}
		if !reflect.DeepEqual(want, have) {
			t.Errorf("want %#v, have %#v", want, have)
		}
	})
}
