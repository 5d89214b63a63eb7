package score_test

import (
	"testing"

	"github.com/mkarvonen/kaanon"
	"github.com/mkarvonen/kaanon/score"
)

func busID(t *testing.T, ids *score.IDMap, b *kaanon.Bus) int32 {
	t.Helper()
	id, err := ids.BusID(b)
	if err != nil {
		t.Fatalf("BusID failed: %v", err)
	}
	return id
}

// With 8+8 hardware channels the audio range [0, 16) is pinned to output
// then input, so private audio buses start at 16 while control buses start
// at 0. Group members get contiguous ids from the group's block.
func TestGroupIDAssignment(t *testing.T) {
	session := kaanon.NewSession()
	controls, err := session.AddBusGroup(4, kaanon.Control)
	if err != nil {
		t.Fatalf("AddBusGroup failed: %v", err)
	}
	solo, err := session.AddBus(kaanon.Control)
	if err != nil {
		t.Fatalf("AddBus failed: %v", err)
	}
	audio, err := session.AddBusGroup(2, kaanon.Audio)
	if err != nil {
		t.Fatalf("AddBusGroup failed: %v", err)
	}
	m := at(t, session, 0)
	buffers, err := session.AddBufferGroup(3, kaanon.BufferOptions{FrameCount: 512, Duration: 4})
	if err != nil {
		t.Fatalf("AddBufferGroup failed: %v", err)
	}
	m.Close()

	ids := score.BuildIDMap(session)

	if id, err := ids.BusGroupID(controls); err != nil || id != 0 {
		t.Errorf("control group id = %d, %v, want 0", id, err)
	}
	for i := 0; i < controls.Len(); i++ {
		if id := busID(t, ids, controls.Bus(i)); id != int32(i) {
			t.Errorf("control group member %d id = %d, want %d", i, id, i)
		}
	}
	if id := busID(t, ids, solo); id != 4 {
		t.Errorf("standalone control bus id = %d, want 4 (after the group block)", id)
	}
	if id, err := ids.BusGroupID(audio); err != nil || id != 16 {
		t.Errorf("audio group id = %d, %v, want 16", id, err)
	}
	for i := 0; i < audio.Len(); i++ {
		if id := busID(t, ids, audio.Bus(i)); id != int32(16+i) {
			t.Errorf("audio group member %d id = %d, want %d", i, id, 16+i)
		}
	}
	if id, err := ids.BufferGroupID(buffers); err != nil || id != 0 {
		t.Errorf("buffer group id = %d, %v, want 0", id, err)
	}
	for i, member := range buffers.Buffers() {
		id, err := ids.BufferID(member)
		if err != nil || id != int32(i) {
			t.Errorf("buffer group member %d id = %d, %v, want %d", i, id, err, i)
		}
	}
}

func TestHardwareRangesPinned(t *testing.T) {
	session := kaanon.NewSessionWithOptions(kaanon.SessionOptions{InputBusChannels: 2, OutputBusChannels: 2})
	ids := score.BuildIDMap(session)
	out := session.AudioOutputBusGroup()
	in := session.AudioInputBusGroup()
	if id, err := ids.BusGroupID(out); err != nil || id != 0 {
		t.Errorf("output group id = %d, %v, want 0", id, err)
	}
	if id, err := ids.BusGroupID(in); err != nil || id != 2 {
		t.Errorf("input group id = %d, %v, want 2 (above the outputs)", id, err)
	}
	if id := busID(t, ids, in.Bus(1)); id != 3 {
		t.Errorf("last input channel id = %d, want 3", id)
	}
	private, err := session.AddBus(kaanon.Audio)
	if err != nil {
		t.Fatalf("AddBus failed: %v", err)
	}
	ids = score.BuildIDMap(session)
	if id := busID(t, ids, private); id != 4 {
		t.Errorf("private audio bus id = %d, want 4 (above both hardware ranges)", id)
	}
}
