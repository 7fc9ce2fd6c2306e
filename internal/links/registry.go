package links

import "fmt"

// Role tells the registry owner what an entry stands for.
type Role string

const (
	RoleObserver Role = "observer"
	RoleCaller   Role = "caller-peer"
	RoleCallee   Role = "callee-peer"
)

// Key identifies one registry entry.
type Key struct {
	Role Role
	ID   string
}

func ObserverKey(id string) Key { return Key{Role: RoleObserver, ID: id} }
func CallerKey(id string) Key   { return Key{Role: RoleCaller, ID: id} }
func CalleeKey(id string) Key   { return Key{Role: RoleCallee, ID: id} }

// IsPeer reports whether the key is a structural peer-role key.
func (k Key) IsPeer() bool {
	return k.Role == RoleCaller || k.Role == RoleCallee
}

func (k Key) String() string {
	if k.Role == RoleObserver || k.Role == "" {
		return k.ID
	}
	return fmt.Sprintf("%s:%s", k.Role, k.ID)
}

// Entry is a (key, aux, handle) triple.
type Entry[A any] struct {
	Key    Key
	Aux    A
	Handle Handle
}

type monitor struct {
	refs   int
	cancel chan struct{}
}

// Registry tracks the handles a session must notify or be notified by.
//
// A Registry is not safe for concurrent use; it belongs to exactly one
// goroutine. The only concurrent activity is the per-handle monitor, which
// reports termination through the notify callback given to NewRegistry.
type Registry[A any] struct {
	entries  []Entry[A]
	monitors map[string]*monitor
	notify   func(Handle)
	closed   bool
}

// NewRegistry returns an empty registry. notify is invoked from a monitor
// goroutine once a monitored handle terminates; it must hand the handle back
// to the owning goroutine, which then calls HandleDown.
func NewRegistry[A any](notify func(Handle)) *Registry[A] {
	return &Registry[A]{
		monitors: make(map[string]*monitor),
		notify:   notify,
	}
}

// Add inserts or replaces the entry for key. A replaced entry keeps its
// position in the traversal order.
func (r *Registry[A]) Add(key Key, aux A, h Handle) {
	if r.closed || h == nil {
		return
	}
	for i := range r.entries {
		if r.entries[i].Key != key {
			continue
		}
		old := r.entries[i].Handle
		r.entries[i] = Entry[A]{Key: key, Aux: aux, Handle: h}
		if old.ID() != h.ID() {
			r.watch(h)
			r.unwatch(old)
		}
		return
	}
	r.entries = append(r.entries, Entry[A]{Key: key, Aux: aux, Handle: h})
	r.watch(h)
}

// Remove deletes the entry for key.
func (r *Registry[A]) Remove(key Key) (Entry[A], bool) {
	for i := range r.entries {
		if r.entries[i].Key != key {
			continue
		}
		e := r.entries[i]
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
		r.unwatch(e.Handle)
		return e, true
	}
	return Entry[A]{}, false
}

// Get returns the entry for key.
func (r *Registry[A]) Get(key Key) (Entry[A], bool) {
	for _, e := range r.entries {
		if e.Key == key {
			return e, true
		}
	}
	return Entry[A]{}, false
}

// HandleDown removes every entry owned by h and returns them in insertion
// order. Entries already removed before the notification arrived are not
// reported.
func (r *Registry[A]) HandleDown(h Handle) []Entry[A] {
	if h == nil {
		return nil
	}
	id := h.ID()
	var down []Entry[A]
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.Handle.ID() == id {
			down = append(down, e)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(r.entries); i++ {
		r.entries[i] = Entry[A]{}
	}
	r.entries = kept
	if m, ok := r.monitors[id]; ok {
		close(m.cancel)
		delete(r.monitors, id)
	}
	return down
}

// Fold threads acc through every entry in insertion order. It walks a copy,
// so fn may add or remove entries.
func Fold[A, T any](r *Registry[A], acc T, fn func(Entry[A], T) T) T {
	for _, e := range r.Entries() {
		acc = fn(e, acc)
	}
	return acc
}

// Entries returns a copy of all entries in insertion order.
func (r *Registry[A]) Entries() []Entry[A] {
	return append([]Entry[A](nil), r.entries...)
}

func (r *Registry[A]) Len() int {
	return len(r.entries)
}

// Monitored returns the number of distinct handles being watched.
func (r *Registry[A]) Monitored() int {
	return len(r.monitors)
}

// Close stops every monitor and drops all entries.
func (r *Registry[A]) Close() {
	for id, m := range r.monitors {
		close(m.cancel)
		delete(r.monitors, id)
	}
	r.entries = nil
	r.closed = true
}

func (r *Registry[A]) watch(h Handle) {
	id := h.ID()
	if m, ok := r.monitors[id]; ok {
		m.refs++
		return
	}
	m := &monitor{refs: 1, cancel: make(chan struct{})}
	r.monitors[id] = m
	notify := r.notify
	go func() {
		select {
		case <-h.Done():
			if notify != nil {
				notify(h)
			}
		case <-m.cancel:
		}
	}()
}

func (r *Registry[A]) unwatch(h Handle) {
	id := h.ID()
	m, ok := r.monitors[id]
	if !ok {
		return
	}
	m.refs--
	if m.refs > 0 {
		return
	}
	close(m.cancel)
	delete(r.monitors, id)
}
