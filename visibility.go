package realtime

import "sync"

// VisibilityTracker reports whether the hosting surface is currently
// foreground-visible. The embedding surface drives it via SetVisible; a
// [HealthMonitor] consumes it to suspend network work while backgrounded.
// A nil tracker behaves as permanently visible.
type VisibilityTracker struct {
	mtx      sync.Mutex
	hidden   bool // zero value: visible
	nextID   int
	watchers map[int]func(visible bool)
}

// NewVisibilityTracker returns a tracker that starts out visible.
func NewVisibilityTracker() *VisibilityTracker {
	return &VisibilityTracker{
		watchers: map[int]func(bool){},
	}
}

// Visible reports the current visibility.
func (v *VisibilityTracker) Visible() bool {
	if v == nil {
		return true
	}

	v.mtx.Lock()
	defer v.mtx.Unlock()

	return !v.hidden
}

// SetVisible records a visibility change and notifies watchers. Setting the
// current value is a no-op and produces no notifications.
func (v *VisibilityTracker) SetVisible(visible bool) {
	v.mtx.Lock()

	if v.hidden == !visible {
		v.mtx.Unlock()
		return
	}
	v.hidden = !visible

	fns := make([]func(bool), 0, len(v.watchers))
	for _, fn := range v.watchers {
		fns = append(fns, fn)
	}

	v.mtx.Unlock()

	for _, fn := range fns {
		fn(visible)
	}
}

// OnChange registers fn to be called on every visibility change. The
// returned cancel removes the registration and is safe to call more than
// once.
func (v *VisibilityTracker) OnChange(fn func(visible bool)) (cancel func()) {
	if v == nil {
		return func() {}
	}

	v.mtx.Lock()
	id := v.nextID
	v.nextID++
	v.watchers[id] = fn
	v.mtx.Unlock()

	return func() {
		v.mtx.Lock()
		delete(v.watchers, id)
		v.mtx.Unlock()
	}
}
