package events

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Bus is the in-process event stream. Publish never blocks: a subscriber
// whose buffer is full misses the event and a warning is logged.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
}

func NewBus() *Bus {
	return &Bus{subscribers: map[int]chan Event{}}
}

// Subscribe registers a listener. The returned cancel function drops the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			log.Warnf("dropping %s event for slow subscriber", event.Kind())
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub)
	}
}
