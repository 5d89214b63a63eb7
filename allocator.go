package kaanon

// BlockAllocator hands out contiguous integer ranges with free and reuse,
// used for bus id assignment. Allocation is first-fit from the lowest free
// span, which keeps repeated builds of the same session deterministic.
type BlockAllocator struct {
	minimum int
	spans   []span // sorted, non-overlapping, non-adjacent free spans
}

type span struct {
	start, stop int // half-open [start, stop)
}

// NewBlockAllocator returns an allocator whose lowest assignable id is
// minimum. The heap above minimum is unbounded.
func NewBlockAllocator(minimum int) *BlockAllocator {
	return &BlockAllocator{
		minimum: minimum,
		spans:   []span{{start: minimum, stop: int(^uint(0) >> 1)}},
	}
}

// Allocate reserves a contiguous block of size ids and returns the first id
// of the block. Size must be positive; Allocate(0) returns -1.
func (b *BlockAllocator) Allocate(size int) int {
	if size < 1 {
		return -1
	}
	for i, s := range b.spans {
		if s.stop-s.start < size {
			continue
		}
		start := s.start
		if s.stop-s.start == size {
			b.spans = append(b.spans[:i], b.spans[i+1:]...)
		} else {
			b.spans[i].start += size
		}
		return start
	}
	return -1
}

// Free returns a previously allocated block to the allocator, merging it
// with adjacent free spans. Freeing below the heap minimum is ignored.
func (b *BlockAllocator) Free(start, size int) {
	if size < 1 || start < b.minimum {
		return
	}
	stop := start + size
	i := 0
	for i < len(b.spans) && b.spans[i].stop < start {
		i++
	}
	merged := span{start: start, stop: stop}
	j := i
	for j < len(b.spans) && b.spans[j].start <= stop {
		if b.spans[j].start < merged.start {
			merged.start = b.spans[j].start
		}
		if b.spans[j].stop > merged.stop {
			merged.stop = b.spans[j].stop
		}
		j++
	}
	out := append([]span{}, b.spans[:i]...)
	out = append(out, merged)
	out = append(out, b.spans[j:]...)
	b.spans = out
}
