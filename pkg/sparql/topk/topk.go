package topk

import (
	"sort"

	"github.com/aleksaelezovic/sage/pkg/store"
)

// Entry is a mapping together with its evaluated keys
type Entry struct {
	Key     Key
	Mapping store.Mapping
}

// group holds the mappings sharing one composite key, in insertion order
type group struct {
	key      Key
	mappings []store.Mapping
}

// TOPKStruct keeps at most Limit mappings, the best under Order.
// Groups are kept sorted best-first and located by binary search, which
// gives the same ordering as a tree with one level per ORDER BY key.
type TOPKStruct struct {
	order  *Order
	limit  int
	groups []*group
	size   int
}

// New creates a TOPKStruct holding at most limit mappings
func New(order *Order, limit int) *TOPKStruct {
	return &TOPKStruct{order: order, limit: limit}
}

// Order returns the ordering of the structure
func (t *TOPKStruct) Order() *Order {
	return t.order
}

// Len returns the number of mappings held
func (t *TOPKStruct) Len() int {
	return t.size
}

// Limit returns the capacity K
func (t *TOPKStruct) Limit() int {
	return t.limit
}

// Full reports whether K mappings are held
func (t *TOPKStruct) Full() bool {
	return t.size >= t.limit
}

// Insert admits mu if there is spare capacity or if it ranks strictly
// before the current worst entry, evicting the worst entry when the
// capacity is exceeded. It reports whether mu was admitted.
func (t *TOPKStruct) Insert(mu store.Mapping) bool {
	return t.InsertKeyed(t.order.Keys(mu), mu)
}

// InsertKeyed is Insert with precomputed keys
func (t *TOPKStruct) InsertKeyed(key Key, mu store.Mapping) bool {
	if t.limit <= 0 {
		return false
	}
	if t.Full() && t.order.Compare(key, t.groups[len(t.groups)-1].key) >= 0 {
		return false
	}

	i := sort.Search(len(t.groups), func(i int) bool {
		return t.order.Compare(t.groups[i].key, key) >= 0
	})
	if i < len(t.groups) && t.order.Compare(t.groups[i].key, key) == 0 {
		t.groups[i].mappings = append(t.groups[i].mappings, mu)
	} else {
		t.groups = append(t.groups, nil)
		copy(t.groups[i+1:], t.groups[i:])
		t.groups[i] = &group{key: key, mappings: []store.Mapping{mu}}
	}
	t.size++

	if t.size > t.limit {
		t.evictWorst()
	}
	return true
}

func (t *TOPKStruct) evictWorst() {
	last := t.groups[len(t.groups)-1]
	last.mappings = last.mappings[:len(last.mappings)-1]
	if len(last.mappings) == 0 {
		t.groups = t.groups[:len(t.groups)-1]
	}
	t.size--
}

// LowerBound returns the current worst entry
func (t *TOPKStruct) LowerBound() (Entry, bool) {
	if t.size == 0 {
		return Entry{}, false
	}
	last := t.groups[len(t.groups)-1]
	return Entry{Key: last.key, Mapping: last.mappings[len(last.mappings)-1]}, true
}

// UpperBound returns the current best entry
func (t *TOPKStruct) UpperBound() (Entry, bool) {
	if t.size == 0 {
		return Entry{}, false
	}
	first := t.groups[0]
	return Entry{Key: first.key, Mapping: first.mappings[0]}, true
}

// Threshold returns the entry a candidate must beat to be admitted, or
// false while fewer than K mappings are held.
func (t *TOPKStruct) Threshold() (Entry, bool) {
	if !t.Full() {
		return Entry{}, false
	}
	return t.LowerBound()
}

// Flatten returns every held entry, best first
func (t *TOPKStruct) Flatten() []Entry {
	entries := make([]Entry, 0, t.size)
	for _, g := range t.groups {
		for _, mu := range g.mappings {
			entries = append(entries, Entry{Key: g.key, Mapping: mu})
		}
	}
	return entries
}

// Mappings returns every held mapping, best first
func (t *TOPKStruct) Mappings() []store.Mapping {
	mappings := make([]store.Mapping, 0, t.size)
	for _, g := range t.groups {
		mappings = append(mappings, g.mappings...)
	}
	return mappings
}

// PopBest removes and returns the best mapping
func (t *TOPKStruct) PopBest() (store.Mapping, bool) {
	if t.size == 0 {
		return nil, false
	}
	first := t.groups[0]
	mu := first.mappings[0]
	first.mappings = first.mappings[1:]
	if len(first.mappings) == 0 {
		t.groups = t.groups[1:]
	}
	t.size--
	return mu, true
}

// Merge combines partial top-k pages into the global top-k, best first,
// and returns the threshold mapping a further page must beat (nil while
// fewer than k mappings were merged).
func Merge(order *Order, k int, pages ...[]store.Mapping) ([]store.Mapping, store.Mapping) {
	merged := New(order, k)
	for _, page := range pages {
		for _, mu := range page {
			merged.Insert(mu)
		}
	}
	var threshold store.Mapping
	if entry, ok := merged.Threshold(); ok {
		threshold = entry.Mapping
	}
	return merged.Mappings(), threshold
}
