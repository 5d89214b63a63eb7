package kaanon

import "sort"

// Setting is one parameter value at a particular offset, as reported by
// SettingsAt. The value is a float64, a *Bus, a *BusGroup, a *Buffer or nil
// (nil unmaps a previously mapped control bus).
type Setting struct {
	Key   string
	Value any
}

type breakpoint struct {
	time  float64
	value any
}

// eventTrack is a sorted list of (time, value) breakpoints for one
// automatable parameter, with last-value-held-before semantics. Times are
// relative to the owning object's start offset.
type eventTrack struct {
	points []breakpoint
}

// set inserts or overwrites the breakpoint at exactly t.
func (e *eventTrack) set(t float64, value any) {
	i := sort.Search(len(e.points), func(i int) bool {
		return e.points[i].time >= t
	})
	if i < len(e.points) && e.points[i].time == t {
		e.points[i].value = value
		return
	}
	e.points = append(e.points, breakpoint{})
	copy(e.points[i+1:], e.points[i:])
	e.points[i] = breakpoint{time: t, value: value}
}

// valueAt returns the value holding at time t: the breakpoint exactly at t
// if one exists, otherwise the latest breakpoint strictly before t. The
// second return is false when no breakpoint holds yet.
func (e *eventTrack) valueAt(t float64) (any, bool) {
	i := sort.Search(len(e.points), func(i int) bool {
		return e.points[i].time >= t
	})
	if i < len(e.points) && e.points[i].time == t {
		return e.points[i].value, true
	}
	if i == 0 {
		return nil, false
	}
	return e.points[i-1].value, true
}

// at returns the breakpoint value exactly at time t, if any.
func (e *eventTrack) at(t float64) (any, bool) {
	i := sort.Search(len(e.points), func(i int) bool {
		return e.points[i].time >= t
	})
	if i < len(e.points) && e.points[i].time == t {
		return e.points[i].value, true
	}
	return nil, false
}
