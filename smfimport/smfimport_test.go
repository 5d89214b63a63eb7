package smfimport_test

import (
	"math"
	"testing"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/mkarvonen/kaanon"
	"github.com/mkarvonen/kaanon/smfimport"
)

func instrument() *kaanon.Synthdef {
	return &kaanon.Synthdef{
		Name: "pluck",
		Body: []byte("pluck-body"),
		Parameters: []kaanon.Parameter{
			{Name: "frequency", Rate: kaanon.ControlRate, Default: 440},
			{Name: "amplitude", Rate: kaanon.ControlRate, Default: 0.1},
			{Name: "gate", Rate: kaanon.ControlRate, Default: 1},
		},
	}
}

// oneTrack builds an in-memory MIDI file: 480 ticks per quarter at 120 bpm,
// so 960 ticks = 1 second.
func oneTrack(events ...smf.Event) *smf.SMF {
	data := &smf.SMF{}
	data.TimeFormat = smf.MetricTicks(480)
	data.Tracks = []smf.Track{events}
	return data
}

func event(delta uint32, msg midi.Message) smf.Event {
	return smf.Event{Delta: delta, Message: smf.Message(msg)}
}

func TestImportPairsNotes(t *testing.T) {
	data := oneTrack(
		event(0, midi.NoteOn(0, 69, 127)),
		event(960, midi.NoteOff(0, 69)),
		event(0, midi.NoteOn(0, 81, 64)),
		event(480, midi.NoteOff(0, 81)),
	)
	session, err := smfimport.Import(data, smfimport.Options{Synthdef: instrument()})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	nodes := session.Nodes()
	if len(nodes) != 3 {
		t.Fatalf("got %d nodes, want group plus two synths", len(nodes))
	}
	var synths []*kaanon.Synth
	for _, n := range nodes {
		if sy, ok := n.(*kaanon.Synth); ok {
			synths = append(synths, sy)
		}
	}
	if len(synths) != 2 {
		t.Fatalf("got %d synths, want 2", len(synths))
	}
	a4 := synths[0]
	if a4.StartOffset() != 0 || a4.StopOffset() != 1 {
		t.Errorf("first note spans [%v, %v), want [0, 1)", a4.StartOffset(), a4.StopOffset())
	}
	if got := a4.Controls()["frequency"]; got != float64(440) {
		t.Errorf("key 69 frequency = %v, want 440", got)
	}
	if got := a4.Controls()["amplitude"]; got != float64(1) {
		t.Errorf("velocity 127 amplitude = %v, want 1", got)
	}
	a5 := synths[1]
	if got := a5.Controls()["frequency"].(float64); math.Abs(got-880) > 1e-9 {
		t.Errorf("key 81 frequency = %v, want 880", got)
	}
	if a5.StartOffset() != 1 || a5.StopOffset() != 1.5 {
		t.Errorf("second note spans [%v, %v), want [1, 1.5)", a5.StartOffset(), a5.StopOffset())
	}
}

func TestImportHonorsTempoChanges(t *testing.T) {
	data := oneTrack(
		event(0, midi.Message(smf.MetaTempo(60))), // quarter = 1s from here on
		event(480, midi.NoteOn(0, 60, 100)),
		event(480, midi.NoteOff(0, 60)),
	)
	session, err := smfimport.Import(data, smfimport.Options{Synthdef: instrument()})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	var synth *kaanon.Synth
	for _, n := range session.Nodes() {
		if sy, ok := n.(*kaanon.Synth); ok {
			synth = sy
		}
	}
	if synth == nil {
		t.Fatal("no synth imported")
	}
	if synth.StartOffset() != 1 || synth.StopOffset() != 2 {
		t.Errorf("note spans [%v, %v), want [1, 2) at 60 bpm", synth.StartOffset(), synth.StopOffset())
	}
}

func TestImportUnreleasedNoteEndsAtTrackEnd(t *testing.T) {
	data := oneTrack(
		event(0, midi.NoteOn(0, 60, 100)),
		event(960, midi.NoteOn(0, 64, 100)),
		event(960, midi.NoteOff(0, 64)),
	)
	session, err := smfimport.Import(data, smfimport.Options{Synthdef: instrument()})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	for _, n := range session.Nodes() {
		sy, ok := n.(*kaanon.Synth)
		if !ok || sy.Controls()["frequency"].(float64) > 300 {
			continue
		}
		if sy.StopOffset() != 2 {
			t.Errorf("unreleased note stops at %v, want track end 2", sy.StopOffset())
		}
	}
}

func TestImportRequiresSynthdef(t *testing.T) {
	if _, err := smfimport.Import(oneTrack(), smfimport.Options{}); err == nil {
		t.Fatal("Import without a synthdef succeeded, want error")
	}
}
