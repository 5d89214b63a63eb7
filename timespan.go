package kaanon

import "sort"

// interval is anything with a start and stop offset on the session timeline.
type interval interface {
	StartOffset() float64
	StopOffset() float64
}

// timespanIndex keeps intervals ordered by start offset (insertion order
// within equal starts) and answers "all intervals overlapping a point"
// queries. The session keeps one index for nodes and one for buffers.
type timespanIndex[T interval] struct {
	items []T
}

func (x *timespanIndex[T]) insert(item T) {
	i := sort.Search(len(x.items), func(i int) bool {
		return x.items[i].StartOffset() > item.StartOffset()
	})
	x.items = append(x.items, item)
	copy(x.items[i+1:], x.items[i:])
	x.items[i] = item
}

func (x *timespanIndex[T]) remove(item T) {
	for i := range x.items {
		if any(x.items[i]) == any(item) {
			x.items = append(x.items[:i], x.items[i+1:]...)
			return
		}
	}
}

// intersecting returns all intervals with start <= offset < stop, in index
// order.
func (x *timespanIndex[T]) intersecting(offset float64) []T {
	var out []T
	for _, item := range x.items {
		if item.StartOffset() > offset {
			break
		}
		if offset < item.StopOffset() {
			out = append(out, item)
		}
	}
	return out
}

// overlapping returns intervals that strictly contain the offset, excluding
// those that start or stop exactly there.
func (x *timespanIndex[T]) overlapping(offset float64) []T {
	var out []T
	for _, item := range x.items {
		if item.StartOffset() >= offset {
			break
		}
		if offset < item.StopOffset() {
			out = append(out, item)
		}
	}
	return out
}

func (x *timespanIndex[T]) all() []T {
	out := make([]T, len(x.items))
	copy(out, x.items)
	return out
}
