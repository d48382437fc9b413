package collector

import "sync"

// Bus fans notifications out to in-process subscribers. Sends never block:
// a subscriber whose buffer is full misses the notification.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan Notification
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Notification)}
}

// Subscribe returns a channel of notifications and a cancel func that
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Notification, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers n to every subscriber with room and returns how many
// received it.
func (b *Bus) Publish(n Notification) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sent := 0
	for _, ch := range b.subs {
		select {
		case ch <- n:
			sent++
		default:
		}
	}
	return sent
}
