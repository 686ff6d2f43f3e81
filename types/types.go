// Package types provides the support types shared across the fuser packages.
//
// Most notably Set, used pervasively by the scheduler for the time-varying
// buffer-name universes (available, pending, freeable) and dependency sets.
package types

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// Set implements a Set for the key type T.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set of the given type. Size is optional, and if given
// will reserve the expected size.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// SetWith creates a Set[T] with the given elements inserted.
func SetWith[T comparable](elements ...T) Set[T] {
	s := MakeSet[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// InsertSet inserts all elements of s2 into s.
func (s Set[T]) InsertSet(s2 Set[T]) {
	for k := range s2 {
		s[k] = struct{}{}
	}
}

// Delete removes the key from the set. A no-op if the key is not present.
func (s Set[T]) Delete(key T) {
	delete(s, key)
}

// Clear removes all elements, keeping the allocated storage.
func (s Set[T]) Clear() {
	clear(s)
}

// Sub returns `s - s2`, that is, all elements in `s` that are not in `s2`.
func (s Set[T]) Sub(s2 Set[T]) Set[T] {
	sub := MakeSet[T]()
	for k := range s {
		if !s2.Has(k) {
			sub.Insert(k)
		}
	}
	return sub
}

// SubsetOf returns whether every element of s is also in s2.
func (s Set[T]) SubsetOf(s2 Set[T]) bool {
	for k := range s {
		if !s2.Has(k) {
			return false
		}
	}
	return true
}

// Equal returns whether s and s2 have the exact same elements.
func (s Set[T]) Equal(s2 Set[T]) bool {
	if len(s) != len(s2) {
		return false
	}
	return s.SubsetOf(s2)
}

// Clone returns a shallow copy of the set.
func (s Set[T]) Clone() Set[T] {
	s2 := MakeSet[T](len(s))
	s2.InsertSet(s)
	return s2
}

// SortedKeys returns the elements of a set with ordered keys, in increasing
// order.
//
// Map iteration order is randomized in Go; the scheduler requires a
// deterministic emission order, so every iteration over a Set that can affect
// scheduling decisions goes through SortedKeys.
func SortedKeys[T constraints.Ordered](s Set[T]) []T {
	keys := make([]T, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
