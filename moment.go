package kaanon

import "fmt"

// Moment is a scoped write-cursor bound to one offset. While it is the
// innermost open moment of its session, every object-creation and mutation
// call on the session or its objects is recorded into that offset's state.
// Moments nest; Close must be called on every exit path, innermost first.
type Moment struct {
	session *Session
	offset  float64
	state   *State
	created bool // the state was materialized for this moment
	closed  bool
}

// Offset returns the offset the moment writes to.
func (m *Moment) Offset() float64 { return m.offset }

// Close pops the moment off the session's cursor stack and resolves the
// transitions recorded at its offset. If nothing was recorded and the state
// was created just for this moment, the state is removed again. Closing a
// moment that is not the innermost open moment is an error; closing twice is
// a no-op.
func (m *Moment) Close() error {
	if m.closed {
		return nil
	}
	s := m.session
	if len(s.activeMoments) == 0 || s.activeMoments[len(s.activeMoments)-1] != m {
		return fmt.Errorf("close moment: not the innermost open moment")
	}
	s.activeMoments = s.activeMoments[:len(s.activeMoments)-1]
	m.closed = true
	if m.created && m.state.uses == 0 && !m.state.resolved && m.state.empty() && !s.offsetInUse(m.offset) {
		s.removeStateAt(m.offset)
		return nil
	}
	s.applyTransitionsAt(m.offset)
	return nil
}
