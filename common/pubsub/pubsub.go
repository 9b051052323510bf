// Package pubsub implements a minimal broadcast broker: a single writer
// side (Broadcast) and any number of subscribers, each fed through an
// unbounded channel so a slow subscriber cannot stall the publisher.
package pubsub

import (
	"sync"

	"github.com/eapache/channels"
)

// Subscription is a single subscriber's handle on a Broker.
type Subscription struct {
	broker *Broker
	ch     *channels.InfiniteChannel
}

// Out returns the channel new broadcasts are delivered on.
func (s *Subscription) Out() <-chan interface{} {
	return s.ch.Out()
}

// Close unsubscribes, releasing the subscription's channel.
func (s *Subscription) Close() {
	s.broker.remove(s)
	s.ch.Close()
}

// Broker is a one-to-many broadcast point.
type Broker struct {
	l    sync.Mutex
	subs map[*Subscription]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber.
func (b *Broker) Subscribe() *Subscription {
	sub := &Subscription{broker: b, ch: channels.NewInfiniteChannel()}

	b.l.Lock()
	b.subs[sub] = struct{}{}
	b.l.Unlock()

	return sub
}

// Broadcast delivers v to every current subscriber.
func (b *Broker) Broadcast(v interface{}) {
	b.l.Lock()
	defer b.l.Unlock()

	for sub := range b.subs {
		sub.ch.In() <- v
	}
}

func (b *Broker) remove(sub *Subscription) {
	b.l.Lock()
	defer b.l.Unlock()
	delete(b.subs, sub)
}
