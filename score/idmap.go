// Package score compiles a session timeline into an ordered sequence of
// timestamped OSC bundles: the exact command stream scsynth replays when
// rendering offline. Compilation is deterministic; the same session always
// yields byte-identical bundles.
package score

import (
	"fmt"

	"github.com/mkarvonen/kaanon"
)

// IDMap assigns one wire-level integer id per timeline object, valid for the
// whole session regardless of render duration.
type IDMap struct {
	ids map[any]int32
}

// BuildIDMap computes the session's object-to-id mapping. Node and buffer
// ids are the objects' own logical sequence numbers, which keeps them stable
// when the render duration truncates the timeline; bus ids come from the
// hardware channel ranges and two per-rate block allocators.
func BuildIDMap(s *kaanon.Session) *IDMap {
	m := &IDMap{ids: make(map[any]int32)}
	m.mapBuffers(s)
	m.mapBuses(s)
	m.mapNodes(s)
	return m
}

func (m *IDMap) mapBuffers(s *kaanon.Session) {
	for _, b := range s.Buffers() {
		if _, ok := m.ids[b]; ok {
			continue
		}
		if g := b.Group(); g != nil {
			m.ids[g] = int32(g.ID())
			for _, member := range g.Buffers() {
				m.ids[member] = int32(member.ID())
			}
			continue
		}
		m.ids[b] = int32(b.ID())
	}
}

func (m *IDMap) mapBuses(s *kaanon.Session) {
	opts := s.Options()
	firstPrivate := opts.InputBusChannels + opts.OutputBusChannels
	allocators := map[kaanon.CalculationRate]*kaanon.BlockAllocator{
		kaanon.Audio:   kaanon.NewBlockAllocator(firstPrivate),
		kaanon.Control: kaanon.NewBlockAllocator(0),
	}
	if g := s.AudioOutputBusGroup(); g != nil {
		m.ids[g] = 0
		for i, bus := range g.Buses() {
			m.ids[bus] = int32(i)
		}
	}
	if g := s.AudioInputBusGroup(); g != nil {
		m.ids[g] = int32(opts.OutputBusChannels)
		for i, bus := range g.Buses() {
			m.ids[bus] = int32(opts.OutputBusChannels + i)
		}
	}
	for _, bus := range s.Buses() {
		if _, ok := m.ids[bus]; ok {
			continue
		}
		allocator := allocators[bus.Rate()]
		g := bus.Group()
		if g == nil {
			m.ids[bus] = int32(allocator.Allocate(1))
			continue
		}
		if _, ok := m.ids[g]; ok {
			continue
		}
		block := allocator.Allocate(g.Len())
		m.ids[g] = int32(block)
		for i, member := range g.Buses() {
			m.ids[member] = int32(block + i)
		}
	}
}

func (m *IDMap) mapNodes(s *kaanon.Session) {
	m.ids[kaanon.Node(s.Root())] = 0
	for _, offset := range s.Offsets()[1:] {
		state := s.ResolveStateAt(offset)
		for _, node := range state.StartNodes() {
			m.ids[node] = int32(node.ID())
		}
	}
}

// NodeID returns the wire id of a node.
func (m *IDMap) NodeID(n kaanon.Node) (int32, error) {
	id, ok := m.ids[n]
	if !ok {
		return 0, fmt.Errorf("node %d: %w", n.ID(), kaanon.ErrUnresolvedReference)
	}
	return id, nil
}

// BufferID returns the wire id of a buffer.
func (m *IDMap) BufferID(b *kaanon.Buffer) (int32, error) {
	id, ok := m.ids[b]
	if !ok {
		return 0, fmt.Errorf("buffer %d: %w", b.ID(), kaanon.ErrUnresolvedReference)
	}
	return id, nil
}

// BusID returns the wire id of a bus.
func (m *IDMap) BusID(b *kaanon.Bus) (int32, error) {
	id, ok := m.ids[b]
	if !ok {
		return 0, fmt.Errorf("bus %d: %w", b.ID(), kaanon.ErrUnresolvedReference)
	}
	return id, nil
}

// BusGroupID returns the wire id of a bus group's first member.
func (m *IDMap) BusGroupID(g *kaanon.BusGroup) (int32, error) {
	id, ok := m.ids[g]
	if !ok {
		return 0, fmt.Errorf("bus group: %w", kaanon.ErrUnresolvedReference)
	}
	return id, nil
}

// BufferGroupID returns the wire id of a buffer group's first member.
func (m *IDMap) BufferGroupID(g *kaanon.BufferGroup) (int32, error) {
	id, ok := m.ids[g]
	if !ok {
		return 0, fmt.Errorf("buffer group: %w", kaanon.ErrUnresolvedReference)
	}
	return id, nil
}
