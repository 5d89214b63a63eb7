// Package smfimport turns a standard MIDI file into a session: one group per
// track, one synth per note, with note pitch and velocity mapped onto the
// instrument definition's frequency and amplitude parameters.
package smfimport

import (
	"fmt"
	"io"
	"math"
	"sort"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/mkarvonen/kaanon"
)

// Options configure an import. Synthdef is the instrument every note plays;
// it should declare frequency, amplitude and gate parameters for the mapping
// to be audible.
type Options struct {
	Synthdef       *kaanon.Synthdef
	InputChannels  int
	OutputChannels int
	Padding        float64
}

// ReadFile imports a standard MIDI file from disk.
func ReadFile(path string, opts Options) (*kaanon.Session, error) {
	data, err := smf.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("import midi: %w", err)
	}
	return Import(data, opts)
}

// Read imports a standard MIDI file from a reader.
func Read(r io.Reader, opts Options) (*kaanon.Session, error) {
	data, err := smf.ReadFrom(r)
	if err != nil {
		return nil, fmt.Errorf("import midi: %w", err)
	}
	return Import(data, opts)
}

// note is one paired note-on/note-off with absolute offsets in seconds.
type note struct {
	track    int
	key      uint8
	velocity uint8
	start    float64
	stop     float64
}

// Import builds a session from parsed MIDI data.
func Import(data *smf.SMF, opts Options) (*kaanon.Session, error) {
	if opts.Synthdef == nil {
		return nil, fmt.Errorf("import midi: synthdef: %w", kaanon.ErrMissingCollaborator)
	}
	ticks, ok := data.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, fmt.Errorf("import midi: unsupported time format %v", data.TimeFormat)
	}
	tempo := buildTempoMap(data, ticks)
	notes, err := collectNotes(data, tempo)
	if err != nil {
		return nil, err
	}
	inputs, outputs := opts.InputChannels, opts.OutputChannels
	if inputs == 0 {
		inputs = 8
	}
	if outputs == 0 {
		outputs = 8
	}
	session := kaanon.NewSessionWithOptions(kaanon.SessionOptions{
		InputBusChannels:  inputs,
		OutputBusChannels: outputs,
		Padding:           opts.Padding,
	})
	groups, err := trackGroups(session, notes, len(data.Tracks))
	if err != nil {
		return nil, err
	}
	for _, n := range notes {
		m, err := session.At(n.start)
		if err != nil {
			return nil, err
		}
		_, err = groups[n.track].AddSynth(opts.Synthdef, kaanon.AddToTail, n.stop-n.start, map[string]any{
			"frequency": keyToFrequency(n.key),
			"amplitude": float64(n.velocity) / 127,
		})
		m.Close()
		if err != nil {
			return nil, err
		}
	}
	return session, nil
}

// trackGroups creates one group per track that has notes, spanning from the
// track's first note to its last release.
func trackGroups(session *kaanon.Session, notes []note, trackCount int) (map[int]*kaanon.Group, error) {
	starts := make(map[int]float64, trackCount)
	stops := make(map[int]float64, trackCount)
	for _, n := range notes {
		if _, ok := starts[n.track]; !ok || n.start < starts[n.track] {
			starts[n.track] = n.start
		}
		if n.stop > stops[n.track] {
			stops[n.track] = n.stop
		}
	}
	tracks := make([]int, 0, len(starts))
	for track := range starts {
		tracks = append(tracks, track)
	}
	sort.Ints(tracks)
	groups := make(map[int]*kaanon.Group, len(tracks))
	for _, track := range tracks {
		m, err := session.At(starts[track])
		if err != nil {
			return nil, err
		}
		group, err := session.AddGroup(kaanon.AddToTail, stops[track]-starts[track])
		m.Close()
		if err != nil {
			return nil, err
		}
		groups[track] = group
	}
	return groups, nil
}

// collectNotes pairs note starts with their releases per track, channel and
// key. Unreleased notes end at the track's final event.
func collectNotes(data *smf.SMF, tempo *tempoMap) ([]note, error) {
	var notes []note
	for trackIndex, track := range data.Tracks {
		type slot struct{ channel, key uint8 }
		open := make(map[slot][]int) // indices into notes, FIFO per key
		var tick uint64
		for _, event := range track {
			tick += uint64(event.Delta)
			offset := tempo.secondsAt(tick)
			var channel, key, velocity uint8
			switch {
			case event.Message.GetNoteStart(&channel, &key, &velocity):
				open[slot{channel, key}] = append(open[slot{channel, key}], len(notes))
				notes = append(notes, note{
					track:    trackIndex,
					key:      key,
					velocity: velocity,
					start:    offset,
					stop:     offset,
				})
			case event.Message.GetNoteEnd(&channel, &key):
				pending := open[slot{channel, key}]
				if len(pending) == 0 {
					continue
				}
				notes[pending[0]].stop = offset
				open[slot{channel, key}] = pending[1:]
			}
		}
		end := tempo.secondsAt(tick)
		for _, pending := range open {
			for _, idx := range pending {
				notes[idx].stop = end
			}
		}
	}
	sort.SliceStable(notes, func(i, j int) bool { return notes[i].start < notes[j].start })
	// zero-length notes still need a positive duration to sound at all
	for i := range notes {
		if notes[i].stop <= notes[i].start {
			notes[i].stop = notes[i].start + 1.0/16
		}
	}
	return notes, nil
}

// tempoMap converts absolute ticks to seconds across tempo changes gathered
// from every track (format 1 files keep them in track 0).
type tempoMap struct {
	ticks   smf.MetricTicks
	changes []tempoChange
}

type tempoChange struct {
	tick uint64
	bpm  float64
}

func buildTempoMap(data *smf.SMF, ticks smf.MetricTicks) *tempoMap {
	tm := &tempoMap{ticks: ticks, changes: []tempoChange{{tick: 0, bpm: 120}}}
	for _, track := range data.Tracks {
		var tick uint64
		for _, event := range track {
			tick += uint64(event.Delta)
			var bpm float64
			if event.Message.GetMetaTempo(&bpm) {
				tm.changes = append(tm.changes, tempoChange{tick: tick, bpm: bpm})
			}
		}
	}
	sort.SliceStable(tm.changes, func(i, j int) bool { return tm.changes[i].tick < tm.changes[j].tick })
	return tm
}

func (tm *tempoMap) secondsAt(tick uint64) float64 {
	seconds := 0.0
	for i, change := range tm.changes {
		if change.tick >= tick {
			break
		}
		segmentEnd := tick
		if i+1 < len(tm.changes) && tm.changes[i+1].tick < tick {
			segmentEnd = tm.changes[i+1].tick
		}
		delta := segmentEnd - change.tick
		seconds += tm.ticks.Duration(change.bpm, uint32(delta)).Seconds()
	}
	return seconds
}

// keyToFrequency converts a MIDI key number to its equal-temperament
// frequency, A4 (key 69) = 440 Hz.
func keyToFrequency(key uint8) float64 {
	return 440 * math.Pow(2, (float64(key)-69)/12)
}
