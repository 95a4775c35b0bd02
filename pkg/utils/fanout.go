package utils

import "sync"

// Fanout delivers values to every subscriber without blocking the
// publisher. A subscriber that is not keeping up misses values.
type Fanout[T any] struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]chan T
}

func NewFanout[T any]() *Fanout[T] {
	return &Fanout[T]{subs: make(map[uint64]chan T)}
}

// Subscribe returns a channel of published values and a function that
// unsubscribes and closes the channel. The function may be called more than once.
func (f *Fanout[T]) Subscribe(buffer int) (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan T, buffer)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

func (f *Fanout[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
			// drop for slow consumers
		}
	}
}

func (f *Fanout[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close unsubscribes everyone.
func (f *Fanout[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
