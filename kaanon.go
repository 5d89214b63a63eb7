// Package kaanon models a non-realtime SuperCollider session: a timeline of
// overlapping groups, synths, buffers and buses, described declaratively and
// compiled into a strictly ordered sequence of timestamped OSC bundles. The
// root package holds the pure session model; the score package compiles a
// session into bundles and the render package turns bundles into a score
// file that scsynth can render offline.
package kaanon

import (
	"errors"
	"math"
)

// Unbounded is the stop offset of objects that have no duration; they live
// until the end of whatever render truncates them.
var Unbounded = math.Inf(1)

var (
	// ErrInvalidOffset is returned when a negative or otherwise out-of-domain
	// offset is requested.
	ErrInvalidOffset = errors.New("invalid offset")

	// ErrNoActiveMoment is returned by mutation calls that are only legal
	// while a moment is open on the owning session.
	ErrNoActiveMoment = errors.New("no active moment")

	// ErrUnresolvedReference is returned when a compiled request references
	// an object that is not present in the session's id mapping; this
	// indicates a sequencing error in the caller, typically mixing objects
	// from two different sessions.
	ErrUnresolvedReference = errors.New("unresolved reference")

	// ErrOpenEndedRender is returned when a render is requested without a
	// finite positive duration on a session whose own duration is unbounded.
	ErrOpenEndedRender = errors.New("open-ended render")

	// ErrMissingCollaborator is returned when an external collaborator (the
	// scsynth executable, a synthdef) is absent.
	ErrMissingCollaborator = errors.New("missing collaborator")
)

// AddAction tells where a node is placed relative to its target when it is
// added to or moved within the node tree. The numeric values are the wire
// values of the /g_new and /s_new commands.
type AddAction int

const (
	AddToHead AddAction = iota // first child of the target group
	AddToTail                  // last child of the target group
	AddBefore                  // previous sibling of the target node
	AddAfter                   // next sibling of the target node
)

func (a AddAction) String() string {
	switch a {
	case AddToHead:
		return "head"
	case AddToTail:
		return "tail"
	case AddBefore:
		return "before"
	case AddAfter:
		return "after"
	}
	return "unknown"
}

// CalculationRate is the rate tag of a bus.
type CalculationRate int

const (
	Control CalculationRate = iota
	Audio
)

func (r CalculationRate) String() string {
	if r == Audio {
		return "audio"
	}
	return "control"
}

// ParameterRate is the rate tag of a synthdef parameter. Scalar parameters
// can only be set at synth creation; control and audio parameters can be
// automated and mapped to buses.
type ParameterRate int

const (
	Scalar ParameterRate = iota
	ControlRate
	AudioRate
)
