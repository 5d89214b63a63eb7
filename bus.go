package kaanon

import "fmt"

// Bus is one logical control or audio bus. Buses have no position on the
// timeline; control buses carry a piecewise-constant automation track set
// through moments.
type Bus struct {
	session *Session
	id      int
	rate    CalculationRate
	group   *BusGroup
	events  eventTrack
}

// BusGroup is a contiguous block of buses sharing one rate. The hardware
// input and output channel ranges are bus groups too; those are pinned to
// the low end of the audio bus range and cannot be automated.
type BusGroup struct {
	session  *Session
	buses    []*Bus
	hardware bool
}

// BusBreakpoint is one automation point of a control bus, at an absolute
// session offset.
type BusBreakpoint struct {
	Offset float64
	Value  float64
}

// AddBus creates a standalone bus. Buses may be created outside any moment.
func (s *Session) AddBus(rate CalculationRate) (*Bus, error) {
	if rate != Control && rate != Audio {
		return nil, fmt.Errorf("add bus: unknown calculation rate %d", int(rate))
	}
	b := s.newBus(rate, nil)
	s.buses = append(s.buses, b)
	return b, nil
}

// AddBusGroup creates count buses allocated as one contiguous block.
func (s *Session) AddBusGroup(count int, rate CalculationRate) (*BusGroup, error) {
	if count < 1 {
		return nil, fmt.Errorf("add bus group: count must be positive")
	}
	if rate != Control && rate != Audio {
		return nil, fmt.Errorf("add bus group: unknown calculation rate %d", int(rate))
	}
	g := &BusGroup{session: s}
	for i := 0; i < count; i++ {
		b := s.newBus(rate, g)
		g.buses = append(g.buses, b)
		s.buses = append(s.buses, b)
	}
	return g, nil
}

func (s *Session) newHardwareBusGroup(count int) *BusGroup {
	g := &BusGroup{session: s, hardware: true}
	for i := 0; i < count; i++ {
		g.buses = append(g.buses, s.newBus(Audio, g))
	}
	return g
}

func (s *Session) newBus(rate CalculationRate, group *BusGroup) *Bus {
	b := &Bus{session: s, id: s.nextBusID, rate: rate, group: group}
	s.nextBusID++
	return b
}

// ID returns the bus's logical sequence id.
func (b *Bus) ID() int { return b.id }

// Rate returns the bus's calculation rate.
func (b *Bus) Rate() CalculationRate { return b.rate }

// Group returns the owning bus group, nil for standalone buses.
func (b *Bus) Group() *BusGroup { return b.group }

// Hardware reports whether the bus belongs to a hardware channel range.
func (b *Bus) Hardware() bool { return b.group != nil && b.group.hardware }

// Set writes an automation breakpoint at the active moment's offset. Only
// control buses accept breakpoints.
func (b *Bus) Set(value float64) error {
	if b.rate != Control {
		return fmt.Errorf("set bus: audio buses cannot be set")
	}
	m, err := b.session.currentMoment()
	if err != nil {
		return err
	}
	b.events.set(m.offset, value)
	return nil
}

// Get reads the value holding at the active moment's offset; zero before the
// first breakpoint.
func (b *Bus) Get() (float64, error) {
	m, err := b.session.currentMoment()
	if err != nil {
		return 0, err
	}
	if v, ok := b.events.valueAt(m.offset); ok {
		return v.(float64), nil
	}
	return 0, nil
}

// Breakpoints returns all automation points ascending by offset.
func (b *Bus) Breakpoints() []BusBreakpoint {
	out := make([]BusBreakpoint, 0, len(b.events.points))
	for _, p := range b.events.points {
		out = append(out, BusBreakpoint{Offset: p.time, Value: p.value.(float64)})
	}
	return out
}

// BreakpointAt returns the value set exactly at the given offset, if any.
func (b *Bus) BreakpointAt(offset float64) (float64, bool) {
	if v, ok := b.events.at(offset); ok {
		return v.(float64), true
	}
	return 0, false
}

// Buses returns the group members in block order.
func (g *BusGroup) Buses() []*Bus {
	out := make([]*Bus, len(g.buses))
	copy(out, g.buses)
	return out
}

// Len returns the number of buses in the group.
func (g *BusGroup) Len() int { return len(g.buses) }

// Bus returns the i'th member of the group.
func (g *BusGroup) Bus(i int) *Bus { return g.buses[i] }

// Hardware reports whether the group is a hardware channel range.
func (g *BusGroup) Hardware() bool { return g.hardware }
