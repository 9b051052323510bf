// Package vendorsvc implements the vendor side of the RAID-PIR discovery
// protocol: a single registry mapping each mirror's address to its latest
// advertised MirrorInfo, and the GET MANIFEST / GET MIRRORLIST handlers
// clients and mirrors use against it. The registry pairs a single-lock map
// with a pubsub notifier; Service.Watch consumes the notifier to drive the
// vendor's mutation logging and registry-size metric.
package vendorsvc

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raid-pir/raidpir/common/pubsub"
)

// MirrorInfo is what a mirror advertises about itself.
type MirrorInfo struct {
	Address string
	Port    int
}

// mirrorEntry is MirrorInfo plus the registry's own bookkeeping.
type mirrorEntry struct {
	info         MirrorInfo
	advertisedAt time.Time
}

// Event is broadcast on every registry mutation.
type Event struct {
	Key     string
	Info    MirrorInfo
	Removed bool
	// Size is the number of live entries after the mutation took effect.
	Size int
}

// Registry is the vendor's single-lock mirror address book.
type Registry struct {
	mu      sync.RWMutex
	mirrors map[string]*mirrorEntry

	ttl      time.Duration
	notifier *pubsub.Broker

	sweeping int32 // 1 while a sweep is in flight, CAS-guarded
}

// NewRegistry returns an empty Registry that expires an entry once ttl has
// elapsed since its last advertisement.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		mirrors:  make(map[string]*mirrorEntry),
		ttl:      ttl,
		notifier: pubsub.NewBroker(),
	}
}

func key(info MirrorInfo) string {
	return info.Address + ":" + strconv.Itoa(info.Port)
}

// Advertise records info as alive as of now, replacing any previous entry
// for the same address:port.
func (r *Registry) Advertise(info MirrorInfo) {
	k := key(info)

	r.mu.Lock()
	r.mirrors[k] = &mirrorEntry{info: info, advertisedAt: time.Now()}
	size := len(r.mirrors)
	r.mu.Unlock()

	r.notifier.Broadcast(Event{Key: k, Info: info, Size: size})
}

// List returns every mirror the sweep has not yet expired, sweeping
// expired entries out first.
func (r *Registry) List() []MirrorInfo {
	r.sweep()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]MirrorInfo, 0, len(r.mirrors))
	for _, e := range r.mirrors {
		out = append(out, e.info)
	}
	return out
}

// sweep drops entries older than the registry's ttl. The sweep is
// non-blocking for concurrent advertisers/listers: if a sweep is already
// in flight on another goroutine, this call returns immediately instead
// of waiting to sweep again.
func (r *Registry) sweep() {
	if !atomic.CompareAndSwapInt32(&r.sweeping, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&r.sweeping, 0)

	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	var expired []Event
	for k, e := range r.mirrors {
		if e.advertisedAt.Before(cutoff) {
			delete(r.mirrors, k)
			expired = append(expired, Event{Key: k, Info: e.info, Removed: true, Size: len(r.mirrors)})
		}
	}
	r.mu.Unlock()

	for _, ev := range expired {
		r.notifier.Broadcast(ev)
	}
}

// Subscribe returns a subscription to registry mutation events.
func (r *Registry) Subscribe() *pubsub.Subscription {
	return r.notifier.Subscribe()
}
