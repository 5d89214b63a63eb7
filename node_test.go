package kaanon_test

import (
	"reflect"
	"testing"

	"github.com/mkarvonen/kaanon"
)

// Deleting a group rewrites the whole tree history: children splice into the
// group's former position and every state's transitions are rebuilt from the
// new shapes.
func TestDeleteRebuildsCreationTransitions(t *testing.T) {
	session := kaanon.NewSession()
	m := at(t, session, 0)
	first, err := session.AddGroup(kaanon.AddToHead, 20)
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	group, err := session.AddGroup(kaanon.AddToHead, 20)
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	synth, err := group.AddSynth(testSynthdef(), kaanon.AddToHead, 20, nil)
	if err != nil {
		t.Fatalf("AddSynth failed: %v", err)
	}
	last, err := session.AddGroup(kaanon.AddToHead, 20)
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	m.Close()

	expected := "0:\n" +
		"    NODE TREE 0 group\n" +
		"        1003 group\n" +
		"        1001 group\n" +
		"            1002 default\n" +
		"        1000 group\n" +
		"20:\n" +
		"    NODE TREE 0 group\n"
	if got := session.TreeString(); got != expected {
		t.Fatalf("TreeString before delete =\n%s\nwant\n%s", got, expected)
	}

	if err := group.Delete(); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	expected = "0:\n" +
		"    NODE TREE 0 group\n" +
		"        1003 group\n" +
		"        1002 default\n" +
		"        1000 group\n" +
		"20:\n" +
		"    NODE TREE 0 group\n"
	if got := session.TreeString(); got != expected {
		t.Fatalf("TreeString after delete =\n%s\nwant\n%s", got, expected)
	}

	got := session.ResolveStateAt(0).Transitions()
	want := []kaanon.Transition{
		{Subject: last, Target: session.Root(), Action: kaanon.AddToHead},
		{Subject: synth, Target: last, Action: kaanon.AddAfter},
		{Subject: first, Target: synth, Action: kaanon.AddAfter},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("rebuilt transitions = %v, want %v", got, want)
	}
}

// Deleting a group that nodes were moved through rewrites the moves as
// sibling-anchored transitions.
func TestDeleteRebuildsMoveTransitions(t *testing.T) {
	session := kaanon.NewSession()
	m := at(t, session, 0)
	group, err := session.AddGroup(kaanon.AddToHead, 20)
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	synthA, err := group.AddSynth(testSynthdef(), kaanon.AddToHead, 20, nil)
	if err != nil {
		t.Fatalf("AddSynth failed: %v", err)
	}
	synthB, err := session.AddSynth(testSynthdef(), kaanon.AddToHead, 20, nil)
	if err != nil {
		t.Fatalf("AddSynth failed: %v", err)
	}
	m.Close()

	m = at(t, session, 5)
	if err := group.MoveNode(synthB, kaanon.AddToTail); err != nil {
		t.Fatalf("MoveNode failed: %v", err)
	}
	m.Close()

	m = at(t, session, 15)
	if err := session.MoveNode(synthA, kaanon.AddToTail); err != nil {
		t.Fatalf("MoveNode failed: %v", err)
	}
	m.Close()

	if err := group.Delete(); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	expected := "0:\n" +
		"    NODE TREE 0 group\n" +
		"        1002 default\n" +
		"        1001 default\n" +
		"5:\n" +
		"    NODE TREE 0 group\n" +
		"        1001 default\n" +
		"        1002 default\n" +
		"15:\n" +
		"    NODE TREE 0 group\n" +
		"        1002 default\n" +
		"        1001 default\n" +
		"20:\n" +
		"    NODE TREE 0 group\n"
	if got := session.TreeString(); got != expected {
		t.Fatalf("TreeString after delete =\n%s\nwant\n%s", got, expected)
	}

	gotAt5 := session.ResolveStateAt(5).Transitions()
	wantAt5 := []kaanon.Transition{
		{Subject: synthA, Target: synthB, Action: kaanon.AddBefore},
	}
	if !reflect.DeepEqual(gotAt5, wantAt5) {
		t.Errorf("transitions at 5 = %v, want %v", gotAt5, wantAt5)
	}
	gotAt15 := session.ResolveStateAt(15).Transitions()
	wantAt15 := []kaanon.Transition{
		{Subject: synthB, Target: synthA, Action: kaanon.AddBefore},
	}
	if !reflect.DeepEqual(gotAt15, wantAt15) {
		t.Errorf("transitions at 15 = %v, want %v", gotAt15, wantAt15)
	}
}

func TestAddSynthRequiresDef(t *testing.T) {
	session := kaanon.NewSession()
	m := at(t, session, 0)
	defer m.Close()
	if _, err := session.AddSynth(nil, kaanon.AddToTail, 10, nil); err == nil {
		t.Fatal("AddSynth(nil) succeeded, want error")
	}
}

func TestHeadTailRequireGroupTarget(t *testing.T) {
	session := kaanon.NewSession()
	m := at(t, session, 0)
	defer m.Close()
	synth, err := session.AddSynth(testSynthdef(), kaanon.AddToTail, 10, nil)
	if err != nil {
		t.Fatalf("AddSynth failed: %v", err)
	}
	if _, err := synth.AddGroup(kaanon.AddToHead, 10); err == nil {
		t.Fatal("adding to the head of a synth succeeded, want error")
	}
	if _, err := synth.AddGroup(kaanon.AddAfter, 10); err != nil {
		t.Fatalf("AddAfter relative to a synth failed: %v", err)
	}
}

func TestBeforeAfterCannotTargetRoot(t *testing.T) {
	session := kaanon.NewSession()
	m := at(t, session, 0)
	defer m.Close()
	if _, err := session.Root().AddGroup(kaanon.AddBefore, 10); err == nil {
		t.Fatal("AddBefore relative to the root succeeded, want error")
	}
}

func TestMoveRootFails(t *testing.T) {
	session := kaanon.NewSession()
	m := at(t, session, 0)
	defer m.Close()
	group, err := session.AddGroup(kaanon.AddToTail, 10)
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	if err := group.MoveNode(session.Root(), kaanon.AddToHead); err == nil {
		t.Fatal("moving the root succeeded, want error")
	}
}
