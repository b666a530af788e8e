package memory

// feed fans snapshots out to watchers keyed by document or query. Every
// method must be called with the store's write lock held, which makes the
// store the only sender on each channel.
type feed[T any] struct {
	subs map[string]map[chan T]struct{}
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{subs: make(map[string]map[chan T]struct{})}
}

func (f *feed[T]) add(key string, ch chan T) {
	set, ok := f.subs[key]
	if !ok {
		set = make(map[chan T]struct{})
		f.subs[key] = set
	}
	set[ch] = struct{}{}
}

func (f *feed[T]) remove(key string, ch chan T) {
	set, ok := f.subs[key]
	if !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(f.subs, key)
	}
}

func (f *feed[T]) has(key string) bool {
	return len(f.subs[key]) > 0
}

// publish hands every watcher of key its own value from snapshot.
func (f *feed[T]) publish(key string, snapshot func() T) {
	for ch := range f.subs[key] {
		offer(ch, snapshot())
	}
}

// offer replaces any undelivered snapshot with v. Channels have capacity
// one, so after draining the send cannot block.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}
