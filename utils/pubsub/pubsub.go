// Package pubsub provides an in-process publish/subscribe bus with
// latest-value delivery: a publisher never blocks and a slow or late
// subscriber observes the first value it started consuming plus the most
// recently published one, skipping intermediate updates.
package pubsub

import (
	"context"
	"sync"
)

// DataEvent is the unit of data flowing through the bus.
type DataEvent struct {
	Data  interface{}
	Topic string
}

type DataChannel chan DataEvent

type PublishSubscriber struct {
	initOnce sync.Once

	mu     sync.RWMutex
	topics map[string]*topicState
}

func New() *PublishSubscriber {
	ps := &PublishSubscriber{}
	ps.init()
	return ps
}

func (ps *PublishSubscriber) init() {
	ps.initOnce.Do(func() {
		ps.topics = map[string]*topicState{}
	})
}

// Publish publishes data to the topic. The value is retained as the topic's
// latest, so subscribers that arrive later still receive it.
func (ps *PublishSubscriber) Publish(topic string, data interface{}) {
	ps.init()
	evt := DataEvent{Data: data, Topic: topic}
	ts := ps.topic(topic)

	ts.mu.Lock()
	ts.latest = &evt
	subs := make([]*subscription, len(ts.subs))
	copy(subs, ts.subs)
	ts.mu.Unlock()

	for _, sub := range subs {
		sub.offer(evt)
	}
}

// Subscribe returns a channel delivering the topic's events until the context
// is done, at which point the channel is closed. If the topic already has a
// published value, it is delivered first.
func (ps *PublishSubscriber) Subscribe(ctx context.Context, topic string) DataChannel {
	ps.init()
	ts := ps.topic(topic)

	sub := &subscription{
		ch:   make(DataChannel),
		ping: make(chan struct{}, 1),
	}

	ts.mu.Lock()
	ts.subs = append(ts.subs, sub)
	if ts.latest != nil {
		sub.pending = ts.latest
		sub.ping <- struct{}{}
	}
	ts.mu.Unlock()

	go sub.loop(ctx)
	return sub.ch
}

func (ps *PublishSubscriber) topic(name string) *topicState {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ts, ok := ps.topics[name]
	if !ok {
		ts = &topicState{}
		ps.topics[name] = ts
	}
	return ts
}

type topicState struct {
	mu     sync.Mutex
	latest *DataEvent
	subs   []*subscription
}

type subscription struct {
	ch   DataChannel
	ping chan struct{}

	mu      sync.Mutex
	pending *DataEvent
}

// offer replaces the subscription's pending event with the given one. An
// undelivered older event is overwritten, which is what gives slow consumers
// latest-value semantics.
func (s *subscription) offer(evt DataEvent) {
	s.mu.Lock()
	s.pending = &evt
	s.mu.Unlock()
	select {
	case s.ping <- struct{}{}:
	default:
	}
}

func (s *subscription) loop(ctx context.Context) {
	defer close(s.ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ping:
		}
		s.mu.Lock()
		evt := s.pending
		s.pending = nil
		s.mu.Unlock()
		if evt == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case s.ch <- *evt:
		}
	}
}
