package kaanon

import "testing"

func TestTimespanIndexQueries(t *testing.T) {
	s := NewSession()
	m, err := s.At(0)
	if err != nil {
		t.Fatalf("At failed: %v", err)
	}
	early, _ := s.AddGroup(AddToTail, 10)
	m.Close()
	m, err = s.At(5)
	if err != nil {
		t.Fatalf("At failed: %v", err)
	}
	late, _ := s.AddGroup(AddToTail, 10)
	m.Close()

	if got := s.NodesAt(5); len(got) != 2 {
		t.Errorf("NodesAt(5) = %d nodes, want 2", len(got))
	}
	if got := s.OverlapNodes(5); len(got) != 1 || got[0] != Node(early) {
		t.Errorf("OverlapNodes(5) = %v, want only the earlier group", got)
	}
	if got := s.OverlapNodes(10); len(got) != 1 || got[0] != Node(late) {
		t.Errorf("OverlapNodes(10) = %v, want only the later group", got)
	}
	if got := s.NodesAt(10); len(got) != 1 {
		t.Errorf("NodesAt(10) = %d nodes, want 1 (first stops exactly there)", len(got))
	}
}
