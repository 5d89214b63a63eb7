package score_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/mkarvonen/kaanon"
	"github.com/mkarvonen/kaanon/score"
)

func gatedSynthdef() *kaanon.Synthdef {
	return &kaanon.Synthdef{
		Name: "default",
		Body: []byte("default-synthdef-body"),
		Parameters: []kaanon.Parameter{
			{Name: "amplitude", Rate: kaanon.ControlRate, Default: 0.1},
			{Name: "frequency", Rate: kaanon.ControlRate, Default: 440},
			{Name: "gate", Rate: kaanon.ControlRate, Default: 1},
		},
	}
}

func duratedSynthdef() *kaanon.Synthdef {
	return &kaanon.Synthdef{
		Name: "durated",
		Body: []byte("durated-synthdef-body"),
		Parameters: []kaanon.Parameter{
			{Name: "duration", Rate: kaanon.Scalar, Default: 0},
			{Name: "frequency", Rate: kaanon.ControlRate, Default: 440},
		},
	}
}

func at(t *testing.T, s *kaanon.Session, offset float64) *kaanon.Moment {
	t.Helper()
	m, err := s.At(offset)
	if err != nil {
		t.Fatalf("At(%v) failed: %v", offset, err)
	}
	return m
}

func compile(t *testing.T, s *kaanon.Session, duration float64) *score.Score {
	t.Helper()
	sc, err := score.Compile(s, duration)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return sc
}

// flatten renders bundles into comparable nested slices: per bundle the
// offset followed by one []any per message (address, then arguments).
func flatten(sc *score.Score) [][]any {
	var out [][]any
	for _, b := range sc.Bundles {
		bundle := []any{b.Offset}
		for _, m := range b.Messages {
			msg := []any{m.Address}
			msg = append(msg, m.Arguments...)
			bundle = append(bundle, msg)
		}
		out = append(out, bundle)
	}
	return out
}

func TestCompileGroupsAndSynth(t *testing.T) {
	session := kaanon.NewSession()
	def := gatedSynthdef()
	m := at(t, session, 0)
	if _, err := session.AddGroup(kaanon.AddToHead, 20); err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	group, err := session.AddGroup(kaanon.AddToHead, 20)
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	if _, err := group.AddSynth(def, kaanon.AddToHead, 20, nil); err != nil {
		t.Fatalf("AddSynth failed: %v", err)
	}
	if _, err := session.AddGroup(kaanon.AddToHead, 20); err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	m.Close()

	got := flatten(compile(t, session, 0))
	want := [][]any{
		{0.0,
			[]any{"/d_recv", def.Body},
			[]any{"/g_new", int32(1000), int32(0), int32(0)},
			[]any{"/g_new", int32(1001), int32(0), int32(0)},
			[]any{"/s_new", "default", int32(1002), int32(0), int32(1001)},
			[]any{"/g_new", int32(1003), int32(0), int32(0)},
		},
		{20.0,
			[]any{"/n_free", int32(1000), int32(1001), int32(1003)},
			[]any{"/n_set", int32(1002), "gate", int32(0)},
			[]any{"/nothing"},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("bundles = %v\nwant %v", got, want)
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	session := kaanon.NewSession()
	m := at(t, session, 0)
	group, err := session.AddGroup(kaanon.AddToTail, 20)
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	if _, err := group.AddSynth(gatedSynthdef(), kaanon.AddToTail, 10, map[string]any{"frequency": 220}); err != nil {
		t.Fatalf("AddSynth failed: %v", err)
	}
	m.Close()

	first := flatten(compile(t, session, 0))
	second := flatten(compile(t, session, 0))
	if !reflect.DeepEqual(first, second) {
		t.Errorf("two compilations differ:\n%v\n%v", first, second)
	}
}

func TestTruncationKeepsIDsStable(t *testing.T) {
	session := kaanon.NewSession()
	def := gatedSynthdef()
	m := at(t, session, 0)
	group, err := session.AddGroup(kaanon.AddToTail, 20)
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	synth, err := group.AddSynth(def, kaanon.AddToTail, 20, nil)
	if err != nil {
		t.Fatalf("AddSynth failed: %v", err)
	}
	m.Close()

	full := compile(t, session, 0)
	truncated := compile(t, session, 10)
	fullID, err := full.IDs.NodeID(synth)
	if err != nil {
		t.Fatalf("NodeID failed: %v", err)
	}
	truncatedID, err := truncated.IDs.NodeID(synth)
	if err != nil {
		t.Fatalf("NodeID failed: %v", err)
	}
	if fullID != truncatedID {
		t.Errorf("synth id changed under truncation: %d vs %d", fullID, truncatedID)
	}
	last := truncated.Bundles[len(truncated.Bundles)-1]
	if last.Offset != 10 {
		t.Fatalf("last bundle at %v, want truncation point 10", last.Offset)
	}
	got := flatten(&score.Score{Bundles: []score.Bundle{last}})
	want := [][]any{
		{10.0,
			[]any{"/n_free", int32(1000)},
			[]any{"/n_set", int32(1001), "gate", int32(0)},
			[]any{"/nothing"},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("truncation bundle = %v, want %v", got, want)
	}
}

func TestOpenEndedRenderNeedsDuration(t *testing.T) {
	session := kaanon.NewSession()
	m := at(t, session, 0)
	if _, err := session.AddSynth(gatedSynthdef(), kaanon.AddToTail, kaanon.Unbounded, nil); err != nil {
		t.Fatalf("AddSynth failed: %v", err)
	}
	m.Close()

	if _, err := score.Compile(session, 0); !errors.Is(err, kaanon.ErrOpenEndedRender) {
		t.Fatalf("Compile error = %v, want ErrOpenEndedRender", err)
	}
	sc := compile(t, session, 10)
	last := sc.Bundles[len(sc.Bundles)-1]
	if last.Offset != 10 {
		t.Errorf("last bundle at %v, want 10", last.Offset)
	}
}

func TestDurationParameterInjection(t *testing.T) {
	session := kaanon.NewSession()
	def := duratedSynthdef()
	m := at(t, session, 0)
	if _, err := session.AddSynth(def, kaanon.AddToTail, 20, nil); err != nil {
		t.Fatalf("AddSynth failed: %v", err)
	}
	m.Close()

	sc := compile(t, session, 10)
	got := flatten(sc)[0]
	want := []any{0.0,
		[]any{"/d_recv", def.Body},
		[]any{"/s_new", "durated", int32(1000), int32(0), int32(0), "duration", float32(10)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("first bundle = %v, want duration clamped to render truncation: %v", got, want)
	}
}

func TestControlValuesAndBusMapsInCreation(t *testing.T) {
	session := kaanon.NewSession()
	bus, err := session.AddBus(kaanon.Control)
	if err != nil {
		t.Fatalf("AddBus failed: %v", err)
	}
	m := at(t, session, 0)
	if _, err := session.AddSynth(gatedSynthdef(), kaanon.AddToTail, 10, map[string]any{
		"frequency": 220,
		"amplitude": bus,
	}); err != nil {
		t.Fatalf("AddSynth failed: %v", err)
	}
	m.Close()

	sc := compile(t, session, 0)
	messages := flatten(sc)[0]
	want := []any{"/s_new", "default", int32(1000), int32(0), int32(0),
		"amplitude", "c0", "frequency", float32(220)}
	if !reflect.DeepEqual(messages[2], want) {
		t.Errorf("s_new = %v, want %v", messages[2], want)
	}
}

func TestParameterSetsSplitByBusRate(t *testing.T) {
	session := kaanon.NewSession()
	controlBus, err := session.AddBus(kaanon.Control)
	if err != nil {
		t.Fatalf("AddBus failed: %v", err)
	}
	audioBus, err := session.AddBus(kaanon.Audio)
	if err != nil {
		t.Fatalf("AddBus failed: %v", err)
	}
	m := at(t, session, 0)
	synth, err := session.AddSynth(gatedSynthdef(), kaanon.AddToTail, 20, nil)
	if err != nil {
		t.Fatalf("AddSynth failed: %v", err)
	}
	m.Close()

	m = at(t, session, 5)
	if err := synth.Set("frequency", 330); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := synth.Set("amplitude", controlBus); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := synth.Set("gate", audioBus); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	m.Close()

	sc := compile(t, session, 0)
	var bundle []any
	for _, b := range flatten(sc) {
		if b[0] == 5.0 {
			bundle = b
		}
	}
	want := []any{5.0,
		[]any{"/n_set", int32(1000), "frequency", float32(330)},
		[]any{"/n_mapa", int32(1000), "gate", int32(16)},
		[]any{"/n_map", int32(1000), "amplitude", int32(0)},
	}
	if !reflect.DeepEqual(bundle, want) {
		t.Errorf("bundle at 5 = %v, want %v", bundle, want)
	}
}

func TestControlBusSetsAreBatched(t *testing.T) {
	session := kaanon.NewSession()
	busA, err := session.AddBus(kaanon.Control)
	if err != nil {
		t.Fatalf("AddBus failed: %v", err)
	}
	busB, err := session.AddBus(kaanon.Control)
	if err != nil {
		t.Fatalf("AddBus failed: %v", err)
	}
	m := at(t, session, 0)
	if _, err := session.AddGroup(kaanon.AddToTail, 10); err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	m.Close()
	m = at(t, session, 5)
	if err := busB.Set(0.75); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := busA.Set(0.25); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	m.Close()

	sc := compile(t, session, 0)
	var bundle []any
	for _, b := range flatten(sc) {
		if b[0] == 5.0 {
			bundle = b
		}
	}
	want := []any{5.0,
		[]any{"/c_set", int32(0), float32(0.25), int32(1), float32(0.75)},
	}
	if !reflect.DeepEqual(bundle, want) {
		t.Errorf("bundle at 5 = %v, want index-ascending batch %v", bundle, want)
	}
}

func TestBufferCloseBeforeWrite(t *testing.T) {
	session := kaanon.NewSession()
	m := at(t, session, 0)
	buffer, err := session.CueSoundfile("input.aiff", 2, 20, 0, 0)
	if err != nil {
		t.Fatalf("CueSoundfile failed: %v", err)
	}
	m.Close()
	m = at(t, session, 10)
	if err := buffer.Write("out.aiff", kaanon.WriteOptions{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	m.Close()

	got := flatten(compile(t, session, 0))
	want := [][]any{
		{0.0,
			[]any{"/b_alloc", int32(0), int32(32768), int32(2)},
			[]any{"/b_read", int32(0), "input.aiff", int32(0), int32(-1), int32(0), int32(1)},
		},
		{10.0,
			[]any{"/b_close", int32(0)},
			[]any{"/b_write", int32(0), "out.aiff", "aiff", "int24", int32(-1), int32(0), int32(0)},
		},
		{20.0,
			[]any{"/b_free", int32(0)},
			[]any{"/nothing"},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("bundles = %v\nwant %v", got, want)
	}
}

func TestFileBackedBufferAllocatesAndReads(t *testing.T) {
	session := kaanon.NewSession()
	m := at(t, session, 0)
	if _, err := session.AddBuffer(kaanon.BufferOptions{
		ChannelCount: 2,
		FilePath:     "input.aiff",
		Duration:     10,
	}); err != nil {
		t.Fatalf("AddBuffer failed: %v", err)
	}
	m.Close()

	got := flatten(compile(t, session, 0))[0]
	want := []any{0.0,
		[]any{"/b_allocReadChannel", int32(0), "input.aiff", int32(0), int32(-1), int32(0), int32(1)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("first bundle = %v, want %v", got, want)
	}
}

func TestBufferOpsEmitInFixedKindOrder(t *testing.T) {
	session := kaanon.NewSession()
	m := at(t, session, 0)
	buffer, err := session.AddBuffer(kaanon.BufferOptions{ChannelCount: 1, FrameCount: 64, Duration: 10})
	if err != nil {
		t.Fatalf("AddBuffer failed: %v", err)
	}
	// recorded out of emission order on purpose
	if err := buffer.Generate("sine1", 1); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := buffer.Zero(); err != nil {
		t.Fatalf("Zero failed: %v", err)
	}
	if err := buffer.Set(kaanon.SetPair{Index: 3, Value: 0.5}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	m.Close()

	got := flatten(compile(t, session, 0))[0]
	want := []any{0.0,
		[]any{"/b_alloc", int32(0), int32(64), int32(1)},
		[]any{"/b_zero", int32(0)},
		[]any{"/b_gen", int32(0), "sine1", float32(1)},
		[]any{"/b_set", int32(0), int32(3), float32(0.5)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("first bundle = %v, want fixed kind order %v", got, want)
	}
}

func TestMoveRequestsOnTheWire(t *testing.T) {
	session := kaanon.NewSession()
	m := at(t, session, 0)
	group, err := session.AddGroup(kaanon.AddToTail, 20)
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	synth, err := session.AddSynth(gatedSynthdef(), kaanon.AddToTail, 20, nil)
	if err != nil {
		t.Fatalf("AddSynth failed: %v", err)
	}
	m.Close()
	m = at(t, session, 5)
	if err := group.MoveNode(synth, kaanon.AddToTail); err != nil {
		t.Fatalf("MoveNode failed: %v", err)
	}
	m.Close()

	var bundle []any
	for _, b := range flatten(compile(t, session, 0)) {
		if b[0] == 5.0 {
			bundle = b
		}
	}
	want := []any{5.0, []any{"/g_tail", int32(1000), int32(1001)}}
	if !reflect.DeepEqual(bundle, want) {
		t.Errorf("bundle at 5 = %v, want %v", bundle, want)
	}
}
