package kaanon

import "sort"

// Transition is a recorded tree-mutation intent attached to a State: place
// Subject relative to Target by Action. Transitions are replayed in
// recording order against the previous resolved tree shape.
type Transition struct {
	Subject Node
	Target  Node
	Action  AddAction
}

// transitionList keeps at most one transition per subject node, preserving
// first-recording order; re-recording a subject updates it in place, which
// matches how a later move at the same offset supersedes an earlier one
// without changing its position among simultaneous transitions.
type transitionList struct {
	order  []Node
	byNode map[Node]Transition
}

func (l *transitionList) put(t Transition) {
	if l.byNode == nil {
		l.byNode = make(map[Node]Transition)
	}
	if _, ok := l.byNode[t.Subject]; !ok {
		l.order = append(l.order, t.Subject)
	}
	l.byNode[t.Subject] = t
}

func (l *transitionList) removeSubject(n Node) {
	if _, ok := l.byNode[n]; !ok {
		return
	}
	delete(l.byNode, n)
	for i, subject := range l.order {
		if subject == n {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *transitionList) list() []Transition {
	out := make([]Transition, 0, len(l.order))
	for _, subject := range l.order {
		out = append(out, l.byNode[subject])
	}
	return out
}

func (l *transitionList) len() int { return len(l.order) }

// State is the recorded snapshot and intent of all timeline mutations at one
// offset. A state starts out sparse; the transition resolver materializes
// its tree shape from the nearest preceding resolved state plus its own
// transitions.
type State struct {
	session  *Session
	offset   float64
	resolved bool

	nodesToChildren map[Node][]Node
	nodesToParents  map[Node]Node

	startNodes   map[Node]struct{}
	stopNodes    map[Node]struct{}
	startBuffers map[*Buffer]struct{}
	stopBuffers  map[*Buffer]struct{}

	transitions transitionList
	uses        int
}

func newState(session *Session, offset float64) *State {
	return &State{
		session:      session,
		offset:       offset,
		startNodes:   make(map[Node]struct{}),
		stopNodes:    make(map[Node]struct{}),
		startBuffers: make(map[*Buffer]struct{}),
		stopBuffers:  make(map[*Buffer]struct{}),
	}
}

// Offset returns the state's position on the timeline.
func (st *State) Offset() float64 { return st.offset }

// Resolved reports whether the state's node tree shape has been computed.
func (st *State) Resolved() bool { return st.resolved }

// Transitions returns the pending tree transitions in recording order.
func (st *State) Transitions() []Transition { return st.transitions.list() }

// StartNodes returns the nodes starting exactly at this offset, ascending by
// id.
func (st *State) StartNodes() []Node { return sortedNodes(st.startNodes) }

// StopNodes returns the nodes stopping exactly at this offset, ascending by
// id.
func (st *State) StopNodes() []Node { return sortedNodes(st.stopNodes) }

// StartBuffers returns the buffers starting exactly at this offset,
// ascending by id.
func (st *State) StartBuffers() []*Buffer { return sortedBuffers(st.startBuffers) }

// StopBuffers returns the buffers stopping exactly at this offset, ascending
// by id.
func (st *State) StopBuffers() []*Buffer { return sortedBuffers(st.stopBuffers) }

// Children returns the resolved child list of a node, nil for synths and for
// unresolved states.
func (st *State) Children(n Node) []Node {
	children := st.nodesToChildren[n]
	out := make([]Node, len(children))
	copy(out, children)
	return out
}

// Parent returns the resolved parent of a node, nil for the root and for
// nodes absent from this state.
func (st *State) Parent(n Node) Node { return st.nodesToParents[n] }

// Contains reports whether the node is present in the resolved tree shape.
func (st *State) Contains(n Node) bool {
	_, ok := st.nodesToParents[n]
	return ok || (st.resolved && n == Node(st.session.root))
}

// NodeOrder returns all nodes of the resolved tree in depth-first order,
// starting with the root.
func (st *State) NodeOrder() []Node {
	var out []Node
	var walk func(n Node)
	walk = func(n Node) {
		out = append(out, n)
		for _, child := range st.nodesToChildren[n] {
			walk(child)
		}
	}
	if st.resolved {
		walk(st.session.root)
	}
	return out
}

func (st *State) empty() bool {
	return st.transitions.len() == 0 &&
		len(st.startNodes) == 0 && len(st.stopNodes) == 0 &&
		len(st.startBuffers) == 0 && len(st.stopBuffers) == 0
}

// applyNodeTransitions replays a transition list against the previous tree
// shape and then removes the stopping nodes (cascading to descendants),
// returning the next shape. Transitions whose target has left the tree are
// skipped; the recorded order is ground truth and is never reordered.
func applyNodeTransitions(
	transitions []Transition,
	prevChildren map[Node][]Node,
	prevParents map[Node]Node,
	stopNodes map[Node]struct{},
) (map[Node][]Node, map[Node]Node) {
	children := make(map[Node][]Node, len(prevChildren))
	for n, c := range prevChildren {
		dup := make([]Node, len(c))
		copy(dup, c)
		children[n] = dup
	}
	parents := make(map[Node]Node, len(prevParents))
	for n, p := range prevParents {
		parents[n] = p
	}
	for _, t := range transitions {
		applyTransition(t, children, parents)
	}
	for _, n := range sortedNodes(stopNodes) {
		freeNode(n, children, parents)
	}
	return children, parents
}

func applyTransition(t Transition, children map[Node][]Node, parents map[Node]Node) {
	target := t.Target
	if _, ok := parents[target]; !ok && !target.base().isRoot() {
		return
	}
	detachNode(t.Subject, children, parents)
	if _, ok := children[t.Subject]; !ok {
		children[t.Subject] = nil
	}
	switch t.Action {
	case AddToHead:
		children[target] = append([]Node{t.Subject}, children[target]...)
		parents[t.Subject] = target
	case AddToTail:
		children[target] = append(children[target], t.Subject)
		parents[t.Subject] = target
	case AddBefore, AddAfter:
		parent := parents[target]
		if parent == nil {
			return
		}
		siblings := children[parent]
		idx := indexOfNode(siblings, target)
		if t.Action == AddAfter {
			idx++
		}
		out := make([]Node, 0, len(siblings)+1)
		out = append(out, siblings[:idx]...)
		out = append(out, t.Subject)
		out = append(out, siblings[idx:]...)
		children[parent] = out
		parents[t.Subject] = parent
	}
}

func detachNode(n Node, children map[Node][]Node, parents map[Node]Node) {
	parent, ok := parents[n]
	if !ok || parent == nil {
		return
	}
	siblings := children[parent]
	if idx := indexOfNode(siblings, n); idx >= 0 {
		children[parent] = append(siblings[:idx:idx], siblings[idx+1:]...)
	}
	delete(parents, n)
}

func freeNode(n Node, children map[Node][]Node, parents map[Node]Node) {
	if _, ok := parents[n]; !ok {
		return
	}
	descendants := children[n]
	for _, child := range append([]Node{}, descendants...) {
		freeNode(child, children, parents)
	}
	detachNode(n, children, parents)
	delete(children, n)
	delete(parents, n)
}

// diffTransitions derives the transition list that transforms the earlier
// resolved shape into the later one, used when node deletion rewrites
// history. Stopping nodes are removed from the working shape first so that
// doomed siblings never become anchors. New nodes anchor backwards (head of
// parent or after the previous sibling, which is already placed by the
// depth-first walk); moved nodes anchor on their next sibling when it is
// already in the tree, matching the command streams the session emitted
// before the rewrite.
func diffTransitions(
	prev *State,
	next *State,
	stopNodes map[Node]struct{},
) transitionList {
	working, workingParents := applyNodeTransitions(nil, prev.nodesToChildren, prev.nodesToParents, stopNodes)
	var transitions transitionList
	for _, node := range next.NodeOrder() {
		if node.base().isRoot() {
			continue
		}
		parent := next.nodesToParents[node]
		siblings := next.nodesToChildren[parent]
		idx := indexOfNode(siblings, node)
		var prevSib, nextSib Node
		if idx > 0 {
			prevSib = siblings[idx-1]
		}
		if idx+1 < len(siblings) {
			nextSib = siblings[idx+1]
		}
		_, exists := workingParents[node]
		if exists && workingParents[node] == parent && previousSibling(working, workingParents, node) == prevSib {
			continue
		}
		var t Transition
		switch {
		case !exists && prevSib == nil:
			t = Transition{Subject: node, Target: parent, Action: AddToHead}
		case !exists:
			t = Transition{Subject: node, Target: prevSib, Action: AddAfter}
		case nextSib != nil && inTree(workingParents, nextSib):
			t = Transition{Subject: node, Target: nextSib, Action: AddBefore}
		case prevSib != nil:
			t = Transition{Subject: node, Target: prevSib, Action: AddAfter}
		default:
			t = Transition{Subject: node, Target: parent, Action: AddToHead}
		}
		transitions.put(t)
		applyTransition(t, working, workingParents)
	}
	return transitions
}

func previousSibling(children map[Node][]Node, parents map[Node]Node, n Node) Node {
	parent := parents[n]
	if parent == nil {
		return nil
	}
	siblings := children[parent]
	idx := indexOfNode(siblings, n)
	if idx > 0 {
		return siblings[idx-1]
	}
	return nil
}

func inTree(parents map[Node]Node, n Node) bool {
	_, ok := parents[n]
	return ok
}

func treesEqual(a, b map[Node][]Node) bool {
	if len(a) != len(b) {
		return false
	}
	for n, ac := range a {
		bc, ok := b[n]
		if !ok || len(ac) != len(bc) {
			return false
		}
		for i := range ac {
			if ac[i] != bc[i] {
				return false
			}
		}
	}
	return true
}

func sortedNodes(set map[Node]struct{}) []Node {
	out := make([]Node, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func sortedBuffers(set map[*Buffer]struct{}) []*Buffer {
	out := make([]*Buffer, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
