// Package generics implements generic data structure functions missing from
// the stdlib.
package generics

import (
	"cmp"
	"iter"
	"maps"
	"slices"
)

// SortedKeysAndValues returns an iterator over keys and values of a map m in
// a sorted fashion by the keys.
//
// It extracts the keys, sorts them and then iterates over, so it's convenient
// but not fast.
func SortedKeysAndValues[Map interface{ ~map[K]V }, K cmp.Ordered, V any](m Map) iter.Seq2[K, V] {
	sortedKeys := slices.Collect(maps.Keys(m))
	slices.Sort(sortedKeys)
	return func(yield func(K, V) bool) {
		for _, key := range sortedKeys {
			if !yield(key, m[key]) {
				break
			}
		}
	}
}
