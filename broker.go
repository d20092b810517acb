package realtime

import (
	"fmt"
	"slices"
	"sync"
)

// Stats represents delivery outcomes for one or more published updates.
type Stats struct {
	// Skips are updates not sent due to an observer's scope filter.
	Skips uint64 `json:"skips"`

	// Sends are updates delivered successfully.
	Sends uint64 `json:"sends"`

	// Drops are updates that failed to send because the observer blocked.
	Drops uint64 `json:"drops"`
}

// Total number of updates represented by the stats.
func (s Stats) Total() uint64 {
	return s.Skips + s.Sends + s.Drops
}

// String representation of the stats.
func (s Stats) String() string {
	return fmt.Sprintf("skips=%d sends=%d drops=%d", s.Skips, s.Sends, s.Drops)
}

// Broker fans values of type T out to observer channels. The view publishes
// [Update] notices through one; observers that don't keep up lose notices
// rather than block reconciliation, which is safe because notices are
// prompts to re-read the cache, not data carriers.
type Broker[T any] struct {
	mtx   sync.Mutex
	index map[chan<- T]*observer[T]
	slice []*observer[T]
}

// NewBroker returns an empty broker for values of type T.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		index: map[chan<- T]*observer[T]{},
		slice: []*observer[T]{},
	}
}

// Publish the given value to all observers whose filter admits it. Each
// send is non-blocking; returned stats reflect the outcome across all
// observers active at publish time.
func (b *Broker[T]) Publish(v T) Stats {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	var stats Stats

	for _, o := range b.slice {
		if !o.allow(v) {
			o.stats.Skips++
			stats.Skips++
		} else {
			select {
			case o.c <- v:
				o.stats.Sends++
				stats.Sends++
			default:
				o.stats.Drops++
				stats.Drops++
			}
		}
	}

	return stats
}

// Subscribe adds c to the broker, forwarding every published value that
// passes the allow func. A nil allow admits everything.
func (b *Broker[T]) Subscribe(c chan<- T, allow func(T) bool) error {
	if allow == nil {
		allow = func(T) bool { return true }
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	if _, ok := b.index[c]; ok {
		return ErrAlreadySubscribed
	}

	o := &observer[T]{
		allow: allow,
		c:     c,
	}

	b.index[c] = o
	b.slice = append(b.slice, o)

	return nil
}

// Unsubscribe removes the given channel from the broker, returning its
// final delivery stats.
func (b *Broker[T]) Unsubscribe(c chan<- T) (Stats, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	o, ok := b.index[c]
	if !ok {
		return Stats{}, ErrNotSubscribed
	}

	delete(b.index, c)
	b.slice = slices.DeleteFunc(b.slice, func(o *observer[T]) bool { return o.c == c })

	return o.stats, nil
}

// Stats returns current delivery statistics for the observer c.
func (b *Broker[T]) Stats(c chan<- T) (Stats, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	o, ok := b.index[c]
	if !ok {
		return Stats{}, ErrNotSubscribed
	}

	return o.stats, nil
}

// Len returns the number of active observers.
func (b *Broker[T]) Len() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return len(b.slice)
}

type observer[T any] struct {
	allow func(T) bool
	stats Stats
	c     chan<- T
}
