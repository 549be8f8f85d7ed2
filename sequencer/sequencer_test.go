package sequencer

import "testing"

func TestAdvanceInOrder(t *testing.T) {
	s := New()
	s.Advance(ConfigAttached, func() {})
	s.Advance(InterfaceOpen, func() {})

	if s.State() != InterfaceOpen {
		t.Fatalf("expected InterfaceOpen, got %v", s.State())
	}
}

func TestAdvanceOutOfOrderPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on out-of-order advance")
		}
	}()

	s := New()
	s.Advance(ServerRegistered, func() {}) // skips ConfigAttached, InterfaceOpen
}

func TestTeardownRunsReleasesInReverseOrder(t *testing.T) {
	s := New()
	var order []string

	s.Advance(ConfigAttached, func() { order = append(order, "config") })
	s.Advance(InterfaceOpen, func() { order = append(order, "interface") })
	s.Advance(ServerRegistered, func() { order = append(order, "server") })

	s.Teardown()

	want := []string{"server", "interface", "config"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}

	if s.State() != Uninitialized {
		t.Fatalf("expected Uninitialized after teardown, got %v", s.State())
	}
}

func TestTeardownFromUninitializedIsNoop(t *testing.T) {
	s := New()
	s.Teardown() // must not panic
	if s.State() != Uninitialized {
		t.Fatalf("expected Uninitialized, got %v", s.State())
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	s := New()
	calls := 0
	s.Advance(ConfigAttached, func() { calls++ })
	s.Teardown()
	s.Teardown()
	if calls != 1 {
		t.Fatalf("expected release to run exactly once, got %d", calls)
	}
}
