// Package doublemap implements a two-level activity index, time → id →
// value, with a hash index from id back to time. It supports lookup by id,
// re-keying on activity, and an oldest-first sweep that stops at the first
// entry still inside the timeout window.
//
// A Map is not safe for concurrent use. The intended owner is a single event
// loop goroutine.
package doublemap

import (
	"cmp"
	"time"

	"github.com/google/btree"

	"github.com/joeycumines/go-reactor/eventloop"
)

const degree = 16

type entry[K cmp.Ordered, V any] struct {
	id K
	v  V
}

type bucket[K cmp.Ordered, V any] struct {
	items *btree.BTreeG[entry[K, V]]
	at    eventloop.TimeVal
}

// Map indexes values by id and by last-activity time.
type Map[K cmp.Ordered, V any] struct {
	tree  *btree.BTreeG[*bucket[K, V]]
	index map[K]eventloop.TimeVal
}

// New returns an empty Map.
func New[K cmp.Ordered, V any]() *Map[K, V] {
	return &Map[K, V]{
		tree: btree.NewG(degree, func(a, b *bucket[K, V]) bool {
			return a.at.Before(b.at)
		}),
		index: make(map[K]eventloop.TimeVal),
	}
}

func lessEntry[K cmp.Ordered, V any](a, b entry[K, V]) bool { return a.id < b.id }

// Len returns the number of entries.
func (m *Map[K, V]) Len() int { return len(m.index) }

// Insert adds or replaces the entry for id, indexed at time at.
func (m *Map[K, V]) Insert(at eventloop.TimeVal, id K, v V) {
	if old, ok := m.index[id]; ok {
		m.removeFrom(old, id)
	}
	m.insertAt(at, entry[K, V]{id: id, v: v})
	m.index[id] = at
}

// Touch re-keys id to time at, keeping its value. It reports whether id was
// present.
func (m *Map[K, V]) Touch(id K, at eventloop.TimeVal) bool {
	old, ok := m.index[id]
	if !ok {
		return false
	}
	if old.Equal(at) {
		return true
	}
	e, _ := m.removeFrom(old, id)
	m.insertAt(at, e)
	m.index[id] = at
	return true
}

// Get returns the value and activity time of id.
func (m *Map[K, V]) Get(id K) (v V, at eventloop.TimeVal, ok bool) {
	if at, ok = m.index[id]; !ok {
		return v, at, false
	}
	b, _ := m.tree.Get(&bucket[K, V]{at: at})
	e, _ := b.items.Get(entry[K, V]{id: id})
	return e.v, at, true
}

// Erase removes id, reporting whether it was present.
func (m *Map[K, V]) Erase(id K) bool {
	at, ok := m.index[id]
	if !ok {
		return false
	}
	m.removeFrom(at, id)
	delete(m.index, id)
	return true
}

// Oldest returns the entry with the earliest activity time. Ties are broken
// by id.
func (m *Map[K, V]) Oldest() (id K, v V, at eventloop.TimeVal, ok bool) {
	b, found := m.tree.Min()
	if !found {
		return id, v, at, false
	}
	e, _ := b.items.Min()
	return e.id, e.v, b.at, true
}

// Ascend visits entries oldest-first until fn returns false. fn must not
// modify the map.
func (m *Map[K, V]) Ascend(fn func(at eventloop.TimeVal, id K, v V) bool) {
	m.tree.Ascend(func(b *bucket[K, V]) bool {
		cont := true
		b.items.Ascend(func(e entry[K, V]) bool {
			cont = fn(b.at, e.id, e.v)
			return cont
		})
		return cont
	})
}

// Expire removes every entry whose age at now is at least timeout, then
// calls fn for each, oldest-first. The scan stops at the first bucket still
// inside the window, and entries are removed before any fn runs, so fn may
// modify the map. It returns the number of entries removed.
func (m *Map[K, V]) Expire(now eventloop.TimeVal, timeout time.Duration, fn func(id K, v V, at eventloop.TimeVal)) int {
	var due []*bucket[K, V]
	m.tree.Ascend(func(b *bucket[K, V]) bool {
		if now.Sub(b.at) < timeout {
			return false
		}
		due = append(due, b)
		return true
	})
	if len(due) == 0 {
		return 0
	}

	var expired []entry[K, V]
	var times []eventloop.TimeVal
	for _, b := range due {
		m.tree.Delete(b)
		b.items.Ascend(func(e entry[K, V]) bool {
			delete(m.index, e.id)
			expired = append(expired, e)
			times = append(times, b.at)
			return true
		})
	}

	if fn != nil {
		for i, e := range expired {
			fn(e.id, e.v, times[i])
		}
	}
	return len(expired)
}

func (m *Map[K, V]) insertAt(at eventloop.TimeVal, e entry[K, V]) {
	b, ok := m.tree.Get(&bucket[K, V]{at: at})
	if !ok {
		b = &bucket[K, V]{at: at, items: btree.NewG(degree, lessEntry[K, V])}
		m.tree.ReplaceOrInsert(b)
	}
	b.items.ReplaceOrInsert(e)
}

func (m *Map[K, V]) removeFrom(at eventloop.TimeVal, id K) (entry[K, V], bool) {
	b, ok := m.tree.Get(&bucket[K, V]{at: at})
	if !ok {
		return entry[K, V]{}, false
	}
	e, ok := b.items.Delete(entry[K, V]{id: id})
	if b.items.Len() == 0 {
		m.tree.Delete(b)
	}
	return e, ok
}
