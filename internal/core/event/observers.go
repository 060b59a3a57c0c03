package event

// Observers is an explicit, ordered list of callbacks for events of type T.
// Handlers run synchronously in subscription order on the caller's goroutine,
// so notifications emitted during a simulation step are deterministic.
// Accessed only from the game loop goroutine, no locks.
type Observers[T any] struct {
	next     int
	handlers []observer[T]
}

type observer[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it again.
func (o *Observers[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	o.next++
	id := o.next
	o.handlers = append(o.handlers, observer[T]{id: id, fn: fn})
	return func() {
		for i, h := range o.handlers {
			if h.id == id {
				o.handlers = append(o.handlers[:i], o.handlers[i+1:]...)
				return
			}
		}
	}
}

// Notify delivers ev to every subscriber.
func (o *Observers[T]) Notify(ev T) {
	for _, h := range o.handlers {
		h.fn(ev)
	}
}

func (o *Observers[T]) Len() int { return len(o.handlers) }
