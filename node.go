package kaanon

import (
	"fmt"
	"math"
	"sort"
)

// Node is a tree-positioned, timed object in the session: either a *Group or
// a *Synth. The variant is closed; switch on the concrete type.
type Node interface {
	interval
	ID() int
	Duration() float64
	SettingsAt(offset float64) []Setting
	base() *baseNode
}

type baseNode struct {
	session *Session
	self    Node
	id      int
	start   float64
	stop    float64
	events  map[string]*eventTrack
}

// Group is a node that contains other nodes.
type Group struct {
	baseNode
}

// Synth is a leaf node playing one compiled synthesis definition.
type Synth struct {
	baseNode
	def      *Synthdef
	controls map[string]any
}

func (b *baseNode) base() *baseNode      { return b }
func (b *baseNode) ID() int              { return b.id }
func (b *baseNode) StartOffset() float64 { return b.start }
func (b *baseNode) StopOffset() float64  { return b.stop }

// Duration returns the length of the node's interval; unbounded nodes have
// an infinite duration.
func (b *baseNode) Duration() float64 { return b.stop - b.start }

func (b *baseNode) isRoot() bool { return b.id == 0 }

// Def returns the synth's compiled definition.
func (s *Synth) Def() *Synthdef { return s.def }

// Controls returns a copy of the creation-time control values.
func (s *Synth) Controls() map[string]any {
	out := make(map[string]any, len(s.controls))
	for k, v := range s.controls {
		out[k] = v
	}
	return out
}

// AddGroup creates a new group positioned relative to this node by the add
// action, starting at the active moment's offset and lasting duration
// seconds (Unbounded for no stop). Head and tail actions require this node
// to be a group.
func (b *baseNode) AddGroup(action AddAction, duration float64) (*Group, error) {
	if err := b.validateTarget(action); err != nil {
		return nil, err
	}
	m, err := b.session.currentMoment()
	if err != nil {
		return nil, err
	}
	g := &Group{}
	b.session.initNode(&g.baseNode, g, m.offset, duration)
	if err := b.session.registerNode(g, b.self, action, m); err != nil {
		return nil, err
	}
	return g, nil
}

// AddSynth creates a new synth playing def, positioned relative to this node
// by the add action. Controls holds explicit creation-time parameter values;
// values may be numbers, buses, bus groups or buffers.
func (b *baseNode) AddSynth(def *Synthdef, action AddAction, duration float64, controls map[string]any) (*Synth, error) {
	if def == nil {
		return nil, fmt.Errorf("add synth: %w: synthdef", ErrMissingCollaborator)
	}
	if err := b.validateTarget(action); err != nil {
		return nil, err
	}
	m, err := b.session.currentMoment()
	if err != nil {
		return nil, err
	}
	sy := &Synth{def: def, controls: make(map[string]any)}
	for k, v := range controls {
		sy.controls[k] = normalizeValue(v)
	}
	b.session.initNode(&sy.baseNode, sy, m.offset, duration)
	if err := b.session.registerNode(sy, b.self, action, m); err != nil {
		return nil, err
	}
	return sy, nil
}

// MoveNode records a transition moving node relative to this node at the
// active moment's offset.
func (b *baseNode) MoveNode(node Node, action AddAction) error {
	if node.base().session != b.session {
		return fmt.Errorf("move node: %w", ErrUnresolvedReference)
	}
	if node.base().isRoot() {
		return fmt.Errorf("move node: cannot move the root node")
	}
	if node == b.self {
		return fmt.Errorf("move node: cannot move a node relative to itself")
	}
	if err := b.validateTarget(action); err != nil {
		return err
	}
	m, err := b.session.currentMoment()
	if err != nil {
		return err
	}
	state := m.state
	state.transitions.put(Transition{Subject: node, Target: b.self, Action: action})
	b.session.applyTransitionsAt(m.offset, node.base().stop)
	return nil
}

// Set writes a parameter breakpoint at the active moment's offset. Writes
// outside the node's interval are silently ignored. The value may be a
// number, a *Bus, a *BusGroup, a *Buffer or nil to unmap.
func (b *baseNode) Set(key string, value any) error {
	m, err := b.session.currentMoment()
	if err != nil {
		return err
	}
	rel := m.offset - b.start
	if rel < 0 || rel > b.Duration() {
		return nil
	}
	track, ok := b.events[key]
	if !ok {
		track = &eventTrack{}
		b.events[key] = track
	}
	track.set(rel, normalizeValue(value))
	return nil
}

// Get reads the parameter value holding at the active moment's offset,
// falling back to the creation-time control value and then to the synthdef
// parameter default.
func (b *baseNode) Get(key string) (any, error) {
	m, err := b.session.currentMoment()
	if err != nil {
		return nil, err
	}
	if track, ok := b.events[key]; ok {
		if v, ok := track.valueAt(m.offset - b.start); ok {
			return v, nil
		}
	}
	return b.defaultValue(key), nil
}

func (b *baseNode) defaultValue(key string) any {
	sy, ok := b.self.(*Synth)
	if !ok {
		return nil
	}
	if v, ok := sy.controls[key]; ok {
		return v
	}
	if p, ok := sy.def.Parameter(key); ok {
		return float64(p.Default)
	}
	return nil
}

// SettingsAt returns the parameter values whose breakpoints fall exactly at
// the given session offset, sorted by key. Used by the score compiler.
func (b *baseNode) SettingsAt(offset float64) []Setting {
	rel := offset - b.start
	keys := make([]string, 0, len(b.events))
	for k := range b.events {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []Setting
	for _, k := range keys {
		if v, ok := b.events[k].at(rel); ok {
			out = append(out, Setting{Key: k, Value: v})
		}
	}
	return out
}

// Delete removes the node from the whole timeline. Its children are spliced
// into the node's former position in its former parent's child order at
// every state where the node occurs, and all transitions are rebuilt from
// the resulting tree history. Delete does not require an active moment.
func (b *baseNode) Delete() error {
	if b.isRoot() {
		return fmt.Errorf("delete: cannot delete the root node")
	}
	s := b.session
	node := b.self
	if st := s.states[b.start]; st != nil {
		delete(st.startNodes, node)
	}
	if !math.IsInf(b.stop, 1) {
		if st := s.states[b.stop]; st != nil {
			delete(st.stopNodes, node)
		}
	}
	for _, offset := range s.offsetsFrom(b.start) {
		st := s.states[offset]
		s.desparsify(st)
		if parent, ok := st.nodesToParents[node]; ok && parent != nil {
			siblings := st.nodesToChildren[parent]
			idx := indexOfNode(siblings, node)
			inner := st.nodesToChildren[node]
			spliced := make([]Node, 0, len(siblings)-1+len(inner))
			spliced = append(spliced, siblings[:idx]...)
			spliced = append(spliced, inner...)
			spliced = append(spliced, siblings[idx+1:]...)
			st.nodesToChildren[parent] = spliced
			for _, child := range inner {
				st.nodesToParents[child] = parent
			}
			delete(st.nodesToChildren, node)
			delete(st.nodesToParents, node)
		}
		st.transitions.removeSubject(node)
	}
	s.nodes.remove(node)
	s.rebuildTransitions()
	return nil
}

func (b *baseNode) validateTarget(action AddAction) error {
	switch action {
	case AddToHead, AddToTail:
		if _, ok := b.self.(*Group); !ok {
			return fmt.Errorf("add action %v requires a group target", action)
		}
	case AddBefore, AddAfter:
		if b.isRoot() {
			return fmt.Errorf("add action %v cannot target the root node", action)
		}
	default:
		return fmt.Errorf("unknown add action %d", int(action))
	}
	return nil
}

// normalizeValue converts numeric values to float64 so that automation
// tracks and compiled requests see one numeric type.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

func indexOfNode(nodes []Node, node Node) int {
	for i, n := range nodes {
		if n == node {
			return i
		}
	}
	return -1
}
