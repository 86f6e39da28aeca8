package kernel

import "testing"

func TestStateFlags(t *testing.T) {
	t.Parallel()
	s := New(true, false)
	if s.Stopped() {
		t.Fatal("new state must be running")
	}
	if !s.Async() || s.Threaded() {
		t.Fatalf("unexpected capabilities async=%v threaded=%v", s.Async(), s.Threaded())
	}
	s.Stop()
	if !s.Stopped() {
		t.Fatal("expected stopped")
	}
	s.Resume()
	if s.Stopped() {
		t.Fatal("expected running after resume")
	}
	s.SetCapabilities(false, true)
	if s.Async() || !s.Threaded() {
		t.Fatal("capabilities not updated")
	}

	var nilState *State
	if nilState.Stopped() || nilState.Async() || nilState.Threaded() {
		t.Fatal("nil state must report false")
	}
}
