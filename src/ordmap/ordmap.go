// Package ordmap provides a generic map, similar to the builtin map but which retains insertion order.
package ordmap

import (
	"slices"
)

// A Map is a generic map which iterates in the order keys were first inserted.
// It is not safe for concurrent use.
// The zero value is safe for use.
type Map[K comparable, V any] struct {
	keys map[K]int
	objs []entry[K, V]
}

type entry[K, V any] struct {
	Key K
	Val V
}

// New returns a new Map with the given capacity preallocated.
// If capacity is unknown, the zero value for Map can be used directly.
func New[K comparable, V any](size int) *Map[K, V] {
	return &Map[K, V]{
		keys: make(map[K]int, size),
		objs: make([]entry[K, V], 0, size),
	}
}

// Len returns the number of keys currently in the map.
func (m *Map[K, V]) Len() int {
	return len(m.objs)
}

// Contains returns true if the map contains an item with key K.
func (m *Map[K, V]) Contains(key K) bool {
	_, present := m.keys[key]
	return present
}

// Get returns the item with key K.
func (m *Map[K, V]) Get(key K) (V, bool) {
	idx, present := m.keys[key]
	if !present {
		var v V
		return v, false
	}
	return m.objs[idx].Val, true
}

// Put stores a key/value pair. An existing item keeps its position but has its value replaced.
func (m *Map[K, V]) Put(key K, val V) {
	if idx, present := m.keys[key]; present {
		m.objs[idx].Val = val
		return
	}
	m.insert(key, val)
}

// Add stores a key/value pair at the end of the map if the key is not already present.
// It returns true if it was added.
func (m *Map[K, V]) Add(key K, val V) bool {
	if m.Contains(key) {
		return false
	}
	m.insert(key, val)
	return true
}

func (m *Map[K, V]) insert(key K, val V) {
	if m.keys == nil {
		m.keys = map[K]int{}
	}
	m.keys[key] = len(m.objs)
	m.objs = append(m.objs, entry[K, V]{Key: key, Val: val})
}

// Delete deletes the item with the given key from the map, returning true if it was present.
// N.B. This runs in linear time.
func (m *Map[K, V]) Delete(key K) bool {
	idx, present := m.keys[key]
	if !present {
		return false
	}
	delete(m.keys, key)
	m.objs = slices.Delete(m.objs, idx, idx+1)
	for i := idx; i < len(m.objs); i++ {
		m.keys[m.objs[i].Key] = i
	}
	return true
}

// Range calls f for each item in order until it returns false.
// The map must not be modified during iteration.
func (m *Map[K, V]) Range(f func(key K, val V) bool) {
	for _, e := range m.objs {
		if !f(e.Key, e.Val) {
			return
		}
	}
}

// Values returns a copy of all values in order.
func (m *Map[K, V]) Values() []V {
	ret := make([]V, len(m.objs))
	for i, e := range m.objs {
		ret[i] = e.Val
	}
	return ret
}
