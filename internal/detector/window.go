package detector

import (
	"net/netip"
	"sort"
	"time"
)

// accumulator keeps running aggregates over the events of a window.
type accumulator interface {
	add(i int)
	remove(i int)
	reset()
}

// scanWindows slides a window of the given length over n events sorted by
// time. A window starts at event lo and holds every event hi with
// at(hi)-at(lo) <= window. When fire reports a hit for [lo, hi) the next
// window starts after hi, so hits never overlap.
func scanWindows(n int, at func(int) time.Time, window time.Duration, acc accumulator, fire func(lo, hi int) bool) {
	hi := 0
	for lo := 0; lo < n; {
		if hi < lo {
			hi = lo
		}
		for hi < n && at(hi).Sub(at(lo)) <= window {
			acc.add(hi)
			hi++
		}
		if fire(lo, hi) {
			acc.reset()
			lo = hi
			continue
		}
		acc.remove(lo)
		lo++
	}
}

// multiset counts distinct values.
type multiset[K comparable] map[K]int

func (m multiset[K]) add(k K) { m[k]++ }

func (m multiset[K]) remove(k K) {
	if m[k] <= 1 {
		delete(m, k)
		return
	}
	m[k]--
}

// groupBy splits items by key, keeping input order within each group, and
// returns the keys in order of first appearance.
func groupBy[T any](items []T, key func(T) netip.Addr) ([]netip.Addr, map[netip.Addr][]T) {
	groups := make(map[netip.Addr][]T)
	var order []netip.Addr
	for _, it := range items {
		k := key(it)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], it)
	}
	return order, groups
}

// sortByTime orders items by timestamp, keeping input order for ties.
func sortByTime[T any](items []T, at func(T) time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		return at(items[i]).Before(at(items[j]))
	})
}
