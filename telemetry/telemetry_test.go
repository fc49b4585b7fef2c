package telemetry

import "testing"

func TestAtMostOneObserverPerChannel(t *testing.T) {
	h := &Hooks{}
	var calls int
	h.SetDebugger(func(ev DebugEvent) { calls++ })
	h.SetDebugger(func(ev DebugEvent) { calls += 10 })

	h.Debug(DebugEvent{Kind: "ExecutionStarted"})
	if calls != 10 {
		t.Fatalf("calls = %d, want 10 (only the latest observer should fire)", calls)
	}
}

func TestNilObserverIsNoop(t *testing.T) {
	h := &Hooks{}
	h.Emit(Event{Kind: "ModuleLoaded"}) // must not panic with no observer installed
}

func TestClearObserver(t *testing.T) {
	h := &Hooks{}
	fired := false
	h.SetLogger(func(ev LogEvent) { fired = true })
	h.SetLogger(nil)
	h.Log(LogEvent{Message: "hi"})
	if fired {
		t.Fatalf("observer should not fire after being cleared")
	}
}

func TestRunIDsAreUnique(t *testing.T) {
	a := NewRun()
	b := NewRun()
	if a == b {
		t.Fatalf("NewRun should mint distinct correlation ids")
	}
}
