package tree

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrSlowSubscriber terminates subscribers that stop draining their channel.
// Consumers treat it like any other transport failure: reconnect and
// reprocess the snapshot.
var ErrSlowSubscriber = errors.New("subscriber too slow")

const subscriberBuffer = 256

type subscriber struct {
	path   string
	ch     chan Event
	once   sync.Once
	closed chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscriber) Events() <-chan Event { return s.ch }

func (s *subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscriber) Close() { s.closeWith(nil) }

func (s *subscriber) closeWith(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.closed)
		close(s.ch)
	})
}

// deliver enqueues an event without blocking the mutating writer. Overflow
// kills the subscription; the reconnect snapshot makes that lossless.
func (s *subscriber) deliver(ev Event) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.closeWith(ErrSlowSubscriber)
	}
}

// broadcaster fans mutation events out to path-scoped subscribers. Backends
// call publish while holding their own mutation lock so subscribers observe
// changes in commit order.
type broadcaster struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[*subscriber]struct{})}
}

func (b *broadcaster) subscribe(path string, snapshot json.RawMessage) *subscriber {
	sub := &subscriber{
		path:   path,
		ch:     make(chan Event, subscriberBuffer),
		closed: make(chan struct{}),
	}
	sub.deliver(Event{Path: "/", Data: snapshot})

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-sub.closed
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}()
	return sub
}

// publish notifies subscribers of a change at path. resolve is called at most
// once per subscriber rooted below the change to compute the new value at the
// subscriber's own path.
func (b *broadcaster) publish(path string, data json.RawMessage, resolve func(path string) json.RawMessage) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		switch {
		case isUnder(sub.path, path):
			sub.deliver(Event{Path: relPath(sub.path, path), Data: data})
		case isUnder(path, sub.path):
			// Change above the subscription root: re-deliver the root.
			sub.deliver(Event{Path: "/", Data: resolve(sub.path)})
		}
	}
}

func (b *broadcaster) closeAll(err error) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*subscriber]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeWith(err)
	}
}
