package relay

import "testing"

func newTestSession() *Session {
	return &Session{
		ID:             "sess-1",
		ChargerSerial:  "CP1",
		pendingRelayed: make(map[string]struct{}),
	}
}

func TestSessionAllowLists(t *testing.T) {
	t.Run("NilListAllowsEverything", func(t *testing.T) {
		s := newTestSession()
		if !s.AllowsMessage("StatusNotification") || !s.AllowsCall("Reset") {
			t.Error("Nil allow-lists must pass all actions")
		}
	})

	t.Run("EmptyListAllowsNothing", func(t *testing.T) {
		s := newTestSession()
		s.SetAllowLists([]string{}, []string{})
		if s.AllowsMessage("StatusNotification") || s.AllowsCall("Reset") {
			t.Error("Empty allow-lists must reject all actions")
		}
	})

	t.Run("ListedActionsPass", func(t *testing.T) {
		s := newTestSession()
		s.SetAllowLists([]string{"MeterValues"}, []string{"TriggerMessage"})
		if !s.AllowsMessage("MeterValues") {
			t.Error("Listed message action must pass")
		}
		if s.AllowsMessage("BootNotification") {
			t.Error("Unlisted message action must be rejected")
		}
		if !s.AllowsCall("TriggerMessage") {
			t.Error("Listed call action must pass")
		}
		if s.AllowsCall("Reset") {
			t.Error("Unlisted call action must be rejected")
		}
	})

	t.Run("RefreshReplacesLists", func(t *testing.T) {
		s := newTestSession()
		s.SetAllowLists([]string{"MeterValues"}, nil)
		s.SetAllowLists(nil, nil)
		if !s.AllowsMessage("BootNotification") {
			t.Error("Refreshing to nil must re-open the filter")
		}
	})
}

func TestSessionRelayedCalls(t *testing.T) {
	s := newTestSession()

	s.TrackRelayedCall("abc")
	s.TrackRelayedCall("def")
	if s.PendingRelayedCount() != 2 {
		t.Fatalf("Expected 2 pending relayed calls, got %d", s.PendingRelayedCount())
	}

	if !s.ReleaseRelayedCall("abc") {
		t.Error("Release of a tracked id must succeed")
	}
	if s.ReleaseRelayedCall("abc") {
		t.Error("Second release of the same id must fail")
	}
	if s.ReleaseRelayedCall("never-tracked") {
		t.Error("Release of an unknown id must fail")
	}
	if s.PendingRelayedCount() != 1 {
		t.Errorf("Expected 1 pending relayed call, got %d", s.PendingRelayedCount())
	}
}
