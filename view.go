package realtime

import (
	"fmt"
	"io"
	"net/http"
	"sync"
)

// UpdateKind says which cache a change notice refers to.
type UpdateKind string

const (
	UpdateHealth     UpdateKind = "health"
	UpdateEntities   UpdateKind = "entities"
	UpdateCounts     UpdateKind = "counts"
	UpdateConnection UpdateKind = "connection"
)

// Update is a change notice published to view observers. It prompts a
// re-read of the relevant cache through the view's accessors; it carries no
// entity data itself. Health updates have a zero Scope and reach every
// observer.
type Update struct {
	Kind      UpdateKind
	Scope     Scope
	Entity    string // entity kind, for UpdateEntities
	Connected bool   // for UpdateConnection
	Err       error  // terminal stream failure, wraps ErrReconnectFailed
}

// ViewConfig configures a [View]. StreamBaseURL is required for watching;
// Monitor is optional.
type ViewConfig struct {
	Monitor       *HealthMonitor
	StreamBaseURL string
	Token         string
	Client        *http.Client // shared by all stream clients
	Backoff       Backoff
	MaxAttempts   int
	Logs          io.Writer
}

// View wires [HealthMonitor] and [StreamClient] outputs through the
// reconciler into shared caches, and fans out [Update] notices to
// observers.
//
// Lifecycles are refcounted: the first watcher of a scope opens its stream
// client and the last cancel closes it; the health subscription exists
// while the view has any watcher at all. Caches are mutated only by
// reconciler-applied events under the view's lock; accessors return
// collections that observers must treat as read-only.
type View struct {
	cfg    ViewConfig
	broker *Broker[Update]

	mtx          sync.Mutex
	closed       bool
	watchers     int
	cancelHealth func()
	health       *ServiceHealthSnapshot
	streams      map[string]*scopeStream
}

// scopeStream is the per-scope cache partition plus its owning client.
type scopeStream struct {
	scope       Scope
	client      *StreamClient
	refs        int
	collections map[string]Collection
	counts      Counts
	connected   bool
	failure     error
}

// NewView constructs a view. No connections are opened until the first
// Watch.
func NewView(cfg ViewConfig) *View {
	return &View{
		cfg:     cfg,
		broker:  NewBroker[Update](),
		streams: map[string]*scopeStream{},
	}
}

// Watch subscribes ch to updates for the given scope (plus scope-less
// updates such as health). The first watcher of a scope opens its push
// channel; the returned cancel releases the subscription, closing the
// channel when the last watcher leaves. Cancel is safe to call more than
// once.
func (v *View) Watch(scope Scope, ch chan<- Update) (cancel func(), err error) {
	key := scope.String()

	v.mtx.Lock()

	if v.closed {
		v.mtx.Unlock()
		return nil, ErrClosed
	}

	ss := v.streams[key]
	var connect *StreamClient
	if ss == nil {
		client, cerr := NewStreamClient(StreamConfig{
			BaseURL:     v.cfg.StreamBaseURL,
			Token:       v.cfg.Token,
			Client:      v.cfg.Client,
			Scope:       scope,
			Backoff:     v.cfg.Backoff,
			MaxAttempts: v.cfg.MaxAttempts,
			Handlers:    v.streamHandlers(key, scope),
			Logs:        v.cfg.Logs,
		})
		if cerr != nil {
			v.mtx.Unlock()
			return nil, fmt.Errorf("open stream for scope %s: %w", scope, cerr)
		}
		ss = &scopeStream{
			scope:       scope,
			client:      client,
			collections: map[string]Collection{},
			counts:      Counts{},
		}
		v.streams[key] = ss
		connect = client
	}
	ss.refs++
	v.watchers++
	firstWatcher := v.watchers == 1

	v.mtx.Unlock()

	if err := v.broker.Subscribe(ch, func(u Update) bool {
		return u.Scope == (Scope{}) || u.Scope == scope
	}); err != nil {
		v.release(key, ch, false)
		return nil, fmt.Errorf("subscribe observer: %w", err)
	}

	if connect != nil {
		connect.Connect()
	}

	if firstWatcher && v.cfg.Monitor != nil {
		cancelHealth := v.cfg.Monitor.Subscribe(v.onHealth)
		v.mtx.Lock()
		v.cancelHealth = cancelHealth
		v.mtx.Unlock()
	}

	var once sync.Once
	return func() {
		once.Do(func() { v.release(key, ch, true) })
	}, nil
}

// release undoes one Watch: decrement refcounts, tear down the scope's
// client and the health subscription when their counts reach zero.
func (v *View) release(key string, ch chan<- Update, unsubscribe bool) {
	v.mtx.Lock()

	var closeClient *StreamClient
	if ss := v.streams[key]; ss != nil {
		ss.refs--
		if ss.refs == 0 {
			closeClient = ss.client
			delete(v.streams, key)
		}
	}

	v.watchers--
	var cancelHealth func()
	if v.watchers == 0 {
		cancelHealth = v.cancelHealth
		v.cancelHealth = nil
	}

	v.mtx.Unlock()

	if unsubscribe {
		v.broker.Unsubscribe(ch)
	}
	if closeClient != nil {
		closeClient.Close()
	}
	if cancelHealth != nil {
		cancelHealth()
	}
}

// Close tears down every stream and the health subscription. Watchers stop
// receiving updates; further Watch calls fail with ErrClosed. Idempotent.
func (v *View) Close() {
	v.mtx.Lock()
	if v.closed {
		v.mtx.Unlock()
		return
	}
	v.closed = true

	clients := make([]*StreamClient, 0, len(v.streams))
	for key, ss := range v.streams {
		clients = append(clients, ss.client)
		delete(v.streams, key)
	}
	cancelHealth := v.cancelHealth
	v.cancelHealth = nil
	v.mtx.Unlock()

	for _, c := range clients {
		c.Close()
	}
	if cancelHealth != nil {
		cancelHealth()
	}
}

// Health returns the latest health snapshot observed by the view.
func (v *View) Health() (ServiceHealthSnapshot, bool) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	if v.health == nil {
		return ServiceHealthSnapshot{}, false
	}
	return *v.health, true
}

// Entities returns the cached collection of the given kind for a scope.
// The returned collection is a copy of the index; the entity records are
// shared and must be treated as read-only.
func (v *View) Entities(scope Scope, kind string) Collection {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	ss := v.streams[scope.String()]
	if ss == nil {
		return Collection{}
	}
	return ss.collections[kind].Clone()
}

// AggregateCounts returns a copy of the scope's aggregate counters.
func (v *View) AggregateCounts(scope Scope) Counts {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	ss := v.streams[scope.String()]
	if ss == nil {
		return Counts{}
	}
	return ss.counts.Clone()
}

// Connected reports whether the scope's push channel currently has an open
// session.
func (v *View) Connected(scope Scope) bool {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	ss := v.streams[scope.String()]
	return ss != nil && ss.connected
}

// StreamFailure returns the scope's terminal stream error, if any.
func (v *View) StreamFailure(scope Scope) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	ss := v.streams[scope.String()]
	if ss == nil {
		return nil
	}
	return ss.failure
}

func (v *View) streamHandlers(key string, scope Scope) StreamHandlers {
	return StreamHandlers{
		Snapshot: func(se StreamEvent) {
			kind, _ := se.Payload["entity"].(string)
			if kind == "" {
				return
			}
			v.applyEntities(key, scope, kind, se, ApplySnapshot)
		},
		Upsert: func(se StreamEvent) {
			v.applyEntities(key, scope, se.Entity, se, ApplyUpsert)
		},
		Progress: func(se StreamEvent) {
			v.applyEntities(key, scope, se.Entity, se, ApplyProgress)
		},
		Counts: func(se StreamEvent) {
			v.mtx.Lock()
			ss := v.streams[key]
			if ss == nil {
				v.mtx.Unlock()
				return
			}
			ss.counts = ApplyCounts(ss.counts, se)
			v.mtx.Unlock()

			v.broker.Publish(Update{Kind: UpdateCounts, Scope: scope})
		},
		Connected: func(ok bool) {
			v.mtx.Lock()
			ss := v.streams[key]
			if ss == nil {
				v.mtx.Unlock()
				return
			}
			ss.connected = ok
			v.mtx.Unlock()

			v.broker.Publish(Update{Kind: UpdateConnection, Scope: scope, Connected: ok})
		},
		Failed: func(err error) {
			v.mtx.Lock()
			ss := v.streams[key]
			if ss == nil {
				v.mtx.Unlock()
				return
			}
			ss.failure = err
			v.mtx.Unlock()

			v.broker.Publish(Update{Kind: UpdateConnection, Scope: scope, Err: err})
		},
	}
}

// applyEntities routes one event through a pure reconciliation function
// into the scope's cache. A nil scopeStream means the scope was torn down
// after the event was read; the late callback is discarded.
func (v *View) applyEntities(key string, scope Scope, kind string, se StreamEvent, apply func(Collection, StreamEvent) Collection) {
	if kind == "" {
		return
	}

	v.mtx.Lock()
	ss := v.streams[key]
	if ss == nil {
		v.mtx.Unlock()
		return
	}
	ss.collections[kind] = apply(ss.collections[kind], se)
	v.mtx.Unlock()

	v.broker.Publish(Update{Kind: UpdateEntities, Scope: scope, Entity: kind})
}

func (v *View) onHealth(snap ServiceHealthSnapshot) {
	v.mtx.Lock()
	v.health = &snap
	v.mtx.Unlock()

	v.broker.Publish(Update{Kind: UpdateHealth})
}
