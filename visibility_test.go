package realtime_test

import (
	"testing"

	"github.com/oplane/realtime"
)

func TestVisibilityTracker(t *testing.T) {
	t.Parallel()

	t.Run("starts visible", func(t *testing.T) {
		v := realtime.NewVisibilityTracker()
		expectEqual(t, true, v.Visible())
	})

	t.Run("notifies on change only", func(t *testing.T) {
		v := realtime.NewVisibilityTracker()

		var got []bool
		cancel := v.OnChange(func(visible bool) { got = append(got, visible) })
		defer cancel()

		v.SetVisible(true) // no change
		v.SetVisible(false)
		v.SetVisible(false) // no change
		v.SetVisible(true)

		expectEqual(t, 2, len(got))
		expectEqual(t, false, got[0])
		expectEqual(t, true, got[1])
		expectEqual(t, true, v.Visible())
	})

	t.Run("cancel stops notifications", func(t *testing.T) {
		v := realtime.NewVisibilityTracker()

		calls := 0
		cancel := v.OnChange(func(bool) { calls++ })

		v.SetVisible(false)
		cancel()
		cancel() // safe to call twice
		v.SetVisible(true)

		expectEqual(t, 1, calls)
	})

	t.Run("nil tracker is always visible", func(t *testing.T) {
		var v *realtime.VisibilityTracker
		expectEqual(t, true, v.Visible())
		cancel := v.OnChange(func(bool) {})
		cancel()
	})
}
