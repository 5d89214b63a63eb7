package kaanon

import (
	"container/heap"
	"fmt"
	"math"
	"sort"
	"strings"
)

// SessionOptions configure a new session. Channel counts size the hardware
// bus range; padding is added to the session's natural duration when
// rendering without an explicit duration.
type SessionOptions struct {
	InputBusChannels  int
	OutputBusChannels int
	Padding           float64
}

// Session owns one non-realtime timeline: the sorted offset list, the state
// per offset, the node and buffer interval indices, the bus registry and the
// logical id counters. A session is not safe for concurrent use; callers
// serialize access.
type Session struct {
	options       SessionOptions
	activeMoments []*Moment

	offsets []float64          // sorted, unique, starts with -Inf, contains 0
	states  map[float64]*State // one per offset

	root    *Group
	nodes   timespanIndex[Node]
	buffers timespanIndex[*Buffer]
	buses   []*Bus // registry order = creation order

	audioInput  *BusGroup
	audioOutput *BusGroup

	nextNodeID   int
	nextBufferID int
	nextBusID    int
}

// NewSession returns a session with supriya-compatible defaults: eight input
// and eight output hardware bus channels and no padding.
func NewSession() *Session {
	return NewSessionWithOptions(SessionOptions{InputBusChannels: 8, OutputBusChannels: 8})
}

// NewSessionWithOptions returns a session configured by opts.
func NewSessionWithOptions(opts SessionOptions) *Session {
	s := &Session{
		options:    opts,
		states:     make(map[float64]*State),
		nextNodeID: 1000,
	}
	s.root = &Group{}
	s.root.baseNode = baseNode{session: s, id: 0, start: math.Inf(-1), stop: math.Inf(1), events: map[string]*eventTrack{}}
	s.root.self = s.root

	initial := newState(s, math.Inf(-1))
	initial.nodesToChildren = map[Node][]Node{s.root: nil}
	initial.nodesToParents = map[Node]Node{s.root: nil}
	initial.resolved = true
	s.states[initial.offset] = initial
	s.offsets = append(s.offsets, initial.offset)

	zero := newState(s, 0)
	zero.nodesToChildren = map[Node][]Node{s.root: nil}
	zero.nodesToParents = map[Node]Node{s.root: nil}
	zero.resolved = true
	s.states[0] = zero
	s.offsets = append(s.offsets, 0)

	if opts.OutputBusChannels > 0 {
		s.audioOutput = s.newHardwareBusGroup(opts.OutputBusChannels)
	}
	if opts.InputBusChannels > 0 {
		s.audioInput = s.newHardwareBusGroup(opts.InputBusChannels)
	}
	return s
}

// Options returns the session's configuration.
func (s *Session) Options() SessionOptions { return s.options }

// Root returns the implicit root group, node id 0.
func (s *Session) Root() *Group { return s.root }

// Offsets returns the sorted offset list, including the negative-infinity
// sentinel.
func (s *Session) Offsets() []float64 {
	out := make([]float64, len(s.offsets))
	copy(out, s.offsets)
	return out
}

// Duration returns the session's natural duration: the greatest finite
// offset, plus padding if configured. Zero when the timeline is empty.
func (s *Session) Duration() float64 {
	duration := 0.0
	for i := len(s.offsets) - 1; i >= 0; i-- {
		if !math.IsInf(s.offsets[i], 0) {
			duration = s.offsets[i]
			break
		}
	}
	if duration < 0 {
		duration = 0
	}
	if duration > 0 {
		duration += s.options.Padding
	}
	return duration
}

// At opens a moment at the given offset, materializing a state there if none
// exists yet. Negative offsets are rejected with ErrInvalidOffset and leave
// the offset list untouched.
func (s *Session) At(offset float64) (*Moment, error) {
	if offset < 0 || math.IsNaN(offset) || math.IsInf(offset, 1) {
		return nil, fmt.Errorf("at %v: %w", offset, ErrInvalidOffset)
	}
	created := false
	state, ok := s.states[offset]
	if !ok {
		state = s.addStateAt(offset)
		created = true
	}
	m := &Moment{session: s, offset: offset, state: state, created: created}
	s.activeMoments = append(s.activeMoments, m)
	return m, nil
}

// currentMoment returns the innermost open moment.
func (s *Session) currentMoment() (*Moment, error) {
	if len(s.activeMoments) == 0 {
		return nil, ErrNoActiveMoment
	}
	m := s.activeMoments[len(s.activeMoments)-1]
	m.state.uses++
	return m, nil
}

func (s *Session) offsetInUse(offset float64) bool {
	for _, m := range s.activeMoments {
		if m.offset == offset && !m.closed {
			return true
		}
	}
	return false
}

// AddGroup creates a group under the root.
func (s *Session) AddGroup(action AddAction, duration float64) (*Group, error) {
	return s.root.AddGroup(action, duration)
}

// AddSynth creates a synth under the root.
func (s *Session) AddSynth(def *Synthdef, action AddAction, duration float64, controls map[string]any) (*Synth, error) {
	return s.root.AddSynth(def, action, duration, controls)
}

// MoveNode records a transition moving node relative to the root.
func (s *Session) MoveNode(node Node, action AddAction) error {
	return s.root.MoveNode(node, action)
}

// Nodes returns every node registered on the timeline, in interval order.
func (s *Session) Nodes() []Node { return s.nodes.all() }

// NodesAt returns the nodes whose interval contains the offset.
func (s *Session) NodesAt(offset float64) []Node { return s.nodes.intersecting(offset) }

// OverlapNodes returns the nodes whose interval strictly contains the
// offset, excluding nodes starting or stopping exactly there.
func (s *Session) OverlapNodes(offset float64) []Node { return s.nodes.overlapping(offset) }

// Buffers returns every buffer registered on the timeline, in interval
// order.
func (s *Session) Buffers() []*Buffer { return s.buffers.all() }

// OverlapBuffers returns the buffers whose interval strictly contains the
// offset.
func (s *Session) OverlapBuffers(offset float64) []*Buffer { return s.buffers.overlapping(offset) }

// Buses returns every non-hardware bus in creation order.
func (s *Session) Buses() []*Bus {
	out := make([]*Bus, len(s.buses))
	copy(out, s.buses)
	return out
}

// AudioInputBusGroup returns the hardware input bus group, nil when the
// session has no input channels.
func (s *Session) AudioInputBusGroup() *BusGroup { return s.audioInput }

// AudioOutputBusGroup returns the hardware output bus group, nil when the
// session has no output channels.
func (s *Session) AudioOutputBusGroup() *BusGroup { return s.audioOutput }

// StateAt returns the state at the offset, materializing a sparse state
// cloned from its predecessor when none exists. Negative offsets return
// nil.
func (s *Session) StateAt(offset float64) *State {
	if offset < 0 && !math.IsInf(offset, -1) {
		return nil
	}
	if st, ok := s.states[offset]; ok {
		return st
	}
	return s.addStateAt(offset)
}

// ResolveStateAt returns the state at the offset with its tree shape
// resolved, materializing a sparse state first when needed.
func (s *Session) ResolveStateAt(offset float64) *State {
	st := s.StateAt(offset)
	if st != nil {
		s.desparsify(st)
	}
	return st
}

// StateBefore returns the state at the greatest offset strictly before the
// given one; with resolvedOnly it skips sparse states.
func (s *Session) StateBefore(offset float64, resolvedOnly bool) *State {
	idx := sort.SearchFloat64s(s.offsets, offset) - 1
	for ; idx >= 0; idx-- {
		st := s.states[s.offsets[idx]]
		if !resolvedOnly || st.resolved {
			return st
		}
	}
	return nil
}

// StateAfter returns the state at the smallest offset strictly after the
// given one; with resolvedOnly it skips sparse states.
func (s *Session) StateAfter(offset float64, resolvedOnly bool) *State {
	idx := sort.SearchFloat64s(s.offsets, offset)
	for idx < len(s.offsets) && s.offsets[idx] <= offset {
		idx++
	}
	for ; idx < len(s.offsets); idx++ {
		st := s.states[s.offsets[idx]]
		if !resolvedOnly || st.resolved {
			return st
		}
	}
	return nil
}

func (s *Session) addStateAt(offset float64) *State {
	state := newState(s, offset)
	s.states[offset] = state
	idx := sort.SearchFloat64s(s.offsets, offset)
	s.offsets = append(s.offsets, 0)
	copy(s.offsets[idx+1:], s.offsets[idx:])
	s.offsets[idx] = offset
	return state
}

func (s *Session) removeStateAt(offset float64) {
	if offset == 0 || math.IsInf(offset, -1) {
		return
	}
	st, ok := s.states[offset]
	if !ok || st.resolved || !st.empty() {
		return
	}
	delete(s.states, offset)
	idx := sort.SearchFloat64s(s.offsets, offset)
	if idx < len(s.offsets) && s.offsets[idx] == offset {
		s.offsets = append(s.offsets[:idx], s.offsets[idx+1:]...)
	}
}

// offsetsFrom returns the offsets >= the one given, in ascending order.
func (s *Session) offsetsFrom(offset float64) []float64 {
	idx := sort.SearchFloat64s(s.offsets, offset)
	out := make([]float64, len(s.offsets)-idx)
	copy(out, s.offsets[idx:])
	return out
}

// desparsify resolves a sparse state in place by cloning the nearest
// preceding resolved tree shape and replaying the state's own transitions.
func (s *Session) desparsify(st *State) {
	if st.resolved {
		return
	}
	prev := s.StateBefore(st.offset, true)
	st.nodesToChildren, st.nodesToParents = applyNodeTransitions(
		st.transitions.list(), prev.nodesToChildren, prev.nodesToParents, st.stopNodes)
	st.resolved = true
}

// initNode fills in the shared node fields and assigns the next logical
// node id.
func (s *Session) initNode(b *baseNode, self Node, start, duration float64) {
	stop := start + duration
	if duration <= 0 {
		stop = start
	}
	if math.IsInf(duration, 1) {
		stop = math.Inf(1)
	}
	*b = baseNode{
		session: s,
		self:    self,
		id:      s.nextNodeID,
		start:   start,
		stop:    stop,
		events:  map[string]*eventTrack{},
	}
	s.nextNodeID++
}

// registerNode records a freshly created node: start and stop bookkeeping,
// the creation transition, the interval index entry, and the resolver pass
// over the affected offsets.
func (s *Session) registerNode(n Node, target Node, action AddAction, m *Moment) error {
	state := m.state
	state.startNodes[n] = struct{}{}
	state.transitions.put(Transition{Subject: n, Target: target, Action: action})
	stop := n.StopOffset()
	if !math.IsInf(stop, 1) {
		stopState := s.StateAt(stop)
		stopState.stopNodes[n] = struct{}{}
	}
	s.nodes.insert(n)
	s.applyTransitionsAt(m.offset, stop)
	return nil
}

// offsetHeap is the work queue of the transition resolver.
type offsetHeap []float64

func (h offsetHeap) Len() int           { return len(h) }
func (h offsetHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h offsetHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *offsetHeap) Push(x any)        { *h = append(*h, x.(float64)) }
func (h *offsetHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// applyTransitionsAt re-resolves the states at the given offsets, chaining
// forward whenever a resolution changes a tree shape: the next resolved
// state after a changed one is enqueued, so shape changes ripple through the
// timeline to a fixpoint. Termination holds because each pass only enqueues
// strictly later offsets.
func (s *Session) applyTransitionsAt(offsets ...float64) {
	h := &offsetHeap{}
	for _, offset := range offsets {
		if !math.IsInf(offset, 0) {
			heap.Push(h, offset)
		}
	}
	previous := math.Inf(-1)
	first := true
	for h.Len() > 0 {
		offset := heap.Pop(h).(float64)
		if !first && offset == previous {
			continue
		}
		first = false
		previous = offset
		state, ok := s.states[offset]
		if !ok {
			continue
		}
		prev := s.StateBefore(offset, true)
		if prev == nil {
			continue
		}
		children, parents := applyNodeTransitions(
			state.transitions.list(), prev.nodesToChildren, prev.nodesToParents, state.stopNodes)
		changed := !state.resolved || !treesEqual(children, state.nodesToChildren)
		if changed {
			state.nodesToChildren = children
			state.nodesToParents = parents
			state.resolved = true
			if next := s.StateAfter(offset, true); next != nil {
				heap.Push(h, next.offset)
			}
		}
	}
}

// rebuildTransitions recomputes every state's transition list from the
// diffs of consecutive resolved tree shapes, after deletion has rewritten
// the shapes in place.
func (s *Session) rebuildTransitions() {
	var prev *State
	for _, offset := range s.offsets {
		st := s.states[offset]
		if !st.resolved {
			continue
		}
		if prev != nil {
			st.transitions = diffTransitions(prev, st, st.stopNodes)
		}
		prev = st
	}
}

// TreeString renders the resolved node tree at every non-negative offset,
// collapsing consecutive identical shapes, in the format
//
//	0.0:
//	    NODE TREE 0 group
//	        1000 group
//	            1001 default
//
// which tests use to pin tree shapes.
func (s *Session) TreeString() string {
	var b strings.Builder
	previous := ""
	for _, offset := range s.offsets {
		if offset < 0 {
			continue
		}
		s.applyTransitionsAt(offset)
		st := s.states[offset]
		if !st.resolved {
			continue
		}
		var tree strings.Builder
		var walk func(n Node, depth int)
		walk = func(n Node, depth int) {
			label := "group"
			if sy, ok := n.(*Synth); ok {
				label = sy.def.RequestName()
			}
			fmt.Fprintf(&tree, "%s%d %s\n", strings.Repeat("    ", depth), n.ID(), label)
			for _, child := range st.nodesToChildren[n] {
				walk(child, depth+1)
			}
		}
		tree.WriteString("NODE TREE ")
		walk(s.root, 0)
		rendered := tree.String()
		if rendered == previous {
			continue
		}
		previous = rendered
		fmt.Fprintf(&b, "%v:\n", offset)
		for _, line := range strings.Split(strings.TrimRight(rendered, "\n"), "\n") {
			b.WriteString("    ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}
