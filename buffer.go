package kaanon

import (
	"fmt"
	"math"
)

// BufferEventKind enumerates the recorded buffer operations. The score
// compiler emits post-allocation kinds in this exact order within one
// offset; BufferWrite is the only pre-free kind.
type BufferEventKind int

const (
	BufferRead BufferEventKind = iota
	BufferReadChannel
	BufferZero
	BufferFill
	BufferGenerate
	BufferSet
	BufferSetContiguous
	BufferNormalize
	BufferCopy
	BufferWrite
)

// BufferEvent is one recorded buffer operation at an absolute offset. Only
// the fields relevant to the kind are populated.
type BufferEvent struct {
	Kind   BufferEventKind
	Offset float64

	Path           string
	FileStartFrame int
	BufferStart    int
	FrameCount     int
	LeaveOpen      bool
	ChannelIndices []int

	HeaderFormat string
	SampleFormat string

	FillTriples []FillTriple
	GenCommand  string
	GenArgs     []float32
	SetPairs    []SetPair
	Values      []float32
	NewMax      float32
	AsWavetable bool
	Source      *Buffer
	SourceStart int
}

// FillTriple is one (start index, sample count, value) run for a fill
// operation.
type FillTriple struct {
	Start int
	Count int
	Value float32
}

// SetPair is one (sample index, value) pair for a set operation.
type SetPair struct {
	Index int
	Value float32
}

// BufferOptions configure a new buffer. A zero FrameCount allocates one
// frame; a zero ChannelCount with no indices allocates one channel. A
// non-empty FilePath turns the allocation into an allocate-read.
type BufferOptions struct {
	ChannelCount   int
	ChannelIndices []int
	FrameCount     int
	StartingFrame  int
	FilePath       string
	Duration       float64
}

// Buffer is a timed sample buffer on the session timeline.
type Buffer struct {
	session *Session
	id      int
	start   float64
	stop    float64
	opts    BufferOptions
	group   *BufferGroup
	events  []BufferEvent
}

// BufferGroup is a block of buffers allocated together; members get
// sequential logical ids from the group's base id.
type BufferGroup struct {
	session *Session
	buffers []*Buffer
}

// AddBuffer creates a buffer starting at the active moment's offset.
func (s *Session) AddBuffer(opts BufferOptions) (*Buffer, error) {
	m, err := s.currentMoment()
	if err != nil {
		return nil, err
	}
	return s.addBufferAt(m, opts, nil)
}

// AddBufferGroup creates count buffers with shared geometry, allocated as
// one block.
func (s *Session) AddBufferGroup(count int, opts BufferOptions) (*BufferGroup, error) {
	if count < 1 {
		return nil, fmt.Errorf("add buffer group: count must be positive")
	}
	if opts.FilePath != "" {
		return nil, fmt.Errorf("add buffer group: members cannot have a backing file")
	}
	m, err := s.currentMoment()
	if err != nil {
		return nil, err
	}
	g := &BufferGroup{session: s}
	for i := 0; i < count; i++ {
		b, err := s.addBufferAt(m, opts, g)
		if err != nil {
			return nil, err
		}
		g.buffers = append(g.buffers, b)
	}
	return g, nil
}

// CueSoundfile allocates a small streaming buffer for the file and starts an
// open-ended read into it, leaving the file open for subsequent streaming.
func (s *Session) CueSoundfile(path string, channelCount int, duration float64, frameCount int, startingFrame int) (*Buffer, error) {
	if frameCount == 0 {
		frameCount = 1024 * 32
	}
	if channelCount == 0 {
		channelCount = 1
	}
	b, err := s.AddBuffer(BufferOptions{ChannelCount: channelCount, FrameCount: frameCount, Duration: duration})
	if err != nil {
		return nil, err
	}
	err = b.Read(path, ReadOptions{FileStartFrame: startingFrame, LeaveOpen: true})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Session) addBufferAt(m *Moment, opts BufferOptions, group *BufferGroup) (*Buffer, error) {
	stop := m.offset + opts.Duration
	if opts.Duration <= 0 || math.IsInf(opts.Duration, 1) {
		stop = math.Inf(1)
	}
	b := &Buffer{
		session: s,
		id:      s.nextBufferID,
		start:   m.offset,
		stop:    stop,
		opts:    opts,
		group:   group,
	}
	s.nextBufferID++
	m.state.startBuffers[b] = struct{}{}
	if !math.IsInf(stop, 1) {
		s.StateAt(stop).stopBuffers[b] = struct{}{}
	}
	s.buffers.insert(b)
	return b, nil
}

// ID returns the buffer's logical sequence id.
func (b *Buffer) ID() int { return b.id }

func (b *Buffer) StartOffset() float64 { return b.start }
func (b *Buffer) StopOffset() float64  { return b.stop }

// Duration returns the buffer's interval length.
func (b *Buffer) Duration() float64 { return b.stop - b.start }

// Group returns the owning buffer group, nil for standalone buffers.
func (b *Buffer) Group() *BufferGroup { return b.group }

// Options returns the creation geometry.
func (b *Buffer) Options() BufferOptions { return b.opts }

// Events returns the recorded operations in recording order.
func (b *Buffer) Events() []BufferEvent {
	out := make([]BufferEvent, len(b.events))
	copy(out, b.events)
	return out
}

// ReadOptions configure a buffer read. A zero FrameCount reads as much as
// fits (-1 on the wire).
type ReadOptions struct {
	ChannelIndices []int
	FileStartFrame int
	BufferStart    int
	FrameCount     int
	LeaveOpen      bool
}

// Read records a soundfile read into the buffer at the active moment's
// offset. Reads outside the buffer's interval are silently ignored. With
// channel indices it becomes a read-channels operation.
func (b *Buffer) Read(path string, opts ReadOptions) error {
	m, err := b.session.currentMoment()
	if err != nil {
		return err
	}
	if !b.contains(m.offset) {
		return nil
	}
	kind := BufferRead
	if len(opts.ChannelIndices) > 0 {
		kind = BufferReadChannel
	}
	b.events = append(b.events, BufferEvent{
		Kind:           kind,
		Offset:         m.offset,
		Path:           path,
		FileStartFrame: opts.FileStartFrame,
		BufferStart:    opts.BufferStart,
		FrameCount:     opts.FrameCount,
		LeaveOpen:      opts.LeaveOpen,
		ChannelIndices: opts.ChannelIndices,
	})
	return nil
}

// WriteOptions configure a buffer write. Zero values mean AIFF, int24 and
// the whole buffer.
type WriteOptions struct {
	HeaderFormat string
	SampleFormat string
	FrameCount   int
	StartFrame   int
	LeaveOpen    bool
}

// Write records a soundfile write from the buffer at the active moment's
// offset. Writes outside the buffer's interval are silently ignored; writes
// inside it are emitted in the pre-free phase of the offset.
func (b *Buffer) Write(path string, opts WriteOptions) error {
	m, err := b.session.currentMoment()
	if err != nil {
		return err
	}
	if !b.contains(m.offset) {
		return nil
	}
	if opts.HeaderFormat == "" {
		opts.HeaderFormat = "aiff"
	}
	if opts.SampleFormat == "" {
		opts.SampleFormat = "int24"
	}
	b.events = append(b.events, BufferEvent{
		Kind:           BufferWrite,
		Offset:         m.offset,
		Path:           path,
		HeaderFormat:   opts.HeaderFormat,
		SampleFormat:   opts.SampleFormat,
		FrameCount:     opts.FrameCount,
		BufferStart:    opts.StartFrame,
		LeaveOpen:      opts.LeaveOpen,
	})
	return nil
}

// Zero records zeroing the buffer contents.
func (b *Buffer) Zero() error {
	return b.simpleEvent(BufferEvent{Kind: BufferZero})
}

// Fill records filling sample runs with constant values.
func (b *Buffer) Fill(triples ...FillTriple) error {
	return b.simpleEvent(BufferEvent{Kind: BufferFill, FillTriples: triples})
}

// Generate records a /b_gen fill command such as "sine1" or "cheby".
func (b *Buffer) Generate(command string, args ...float32) error {
	return b.simpleEvent(BufferEvent{Kind: BufferGenerate, GenCommand: command, GenArgs: args})
}

// Set records individual sample values.
func (b *Buffer) Set(pairs ...SetPair) error {
	return b.simpleEvent(BufferEvent{Kind: BufferSet, SetPairs: pairs})
}

// SetContiguous records a contiguous run of sample values starting at start.
func (b *Buffer) SetContiguous(start int, values []float32) error {
	return b.simpleEvent(BufferEvent{Kind: BufferSetContiguous, BufferStart: start, Values: values})
}

// Normalize records peak normalization to newMax; asWavetable selects the
// wavetable variant.
func (b *Buffer) Normalize(newMax float32, asWavetable bool) error {
	return b.simpleEvent(BufferEvent{Kind: BufferNormalize, NewMax: newMax, AsWavetable: asWavetable})
}

// CopyFrom records copying frameCount frames from source into this buffer.
// A zero frameCount copies as much as fits.
func (b *Buffer) CopyFrom(source *Buffer, targetStart, sourceStart, frameCount int) error {
	if source.session != b.session {
		return fmt.Errorf("buffer copy: %w", ErrUnresolvedReference)
	}
	return b.simpleEvent(BufferEvent{
		Kind:        BufferCopy,
		Source:      source,
		BufferStart: targetStart,
		SourceStart: sourceStart,
		FrameCount:  frameCount,
	})
}

func (b *Buffer) simpleEvent(ev BufferEvent) error {
	m, err := b.session.currentMoment()
	if err != nil {
		return err
	}
	if !b.contains(m.offset) {
		return nil
	}
	ev.Offset = m.offset
	b.events = append(b.events, ev)
	return nil
}

// contains reports whether an operation at the offset falls inside the
// buffer's allocated lifetime; ops exactly at the stop offset are allowed,
// they compile into the pre-free phase of the final bundle.
func (b *Buffer) contains(offset float64) bool {
	return offset >= b.start && offset <= b.stop
}

// Buffers returns the group members in id order.
func (g *BufferGroup) Buffers() []*Buffer {
	out := make([]*Buffer, len(g.buffers))
	copy(out, g.buffers)
	return out
}

// ID returns the group's base id: the id of its first member.
func (g *BufferGroup) ID() int { return g.buffers[0].id }
