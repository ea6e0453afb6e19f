package broker

import (
	"sync"
	"testing"
	"time"

	"voltbridge/internal/identity"
)

func TestRegister(t *testing.T) {
	t.Run("PendingKeyOnRegister", func(t *testing.T) {
		registry := NewRegistry(4)
		conn, _ := newTestConn("CP1", "10.0.0.1")

		if err := registry.Register(conn); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if registry.Lookup(identity.PendingKey("CP1")) != conn {
			t.Error("Expected connection under pending key")
		}
		if registry.Lookup(identity.Aggregate("CP1").Key()) != nil {
			t.Error("Unresolved connection must not occupy the aggregate key")
		}
	})

	t.Run("SourceQuota", func(t *testing.T) {
		registry := NewRegistry(2)

		for i := 0; i < 2; i++ {
			conn, _ := newTestConn("CP"+string(rune('1'+i)), "10.0.0.1")
			if err := registry.Register(conn); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
		}

		conn3, _ := newTestConn("CP3", "10.0.0.1")
		if err := registry.Register(conn3); err == nil {
			t.Error("Expected quota rejection for third connection from same source")
		}

		other, _ := newTestConn("CP4", "10.0.0.2")
		if err := registry.Register(other); err != nil {
			t.Errorf("Different source must not be affected by quota: %v", err)
		}
	})

	t.Run("ReconnectSupersedesStaleSession", func(t *testing.T) {
		registry := NewRegistry(4)

		first, firstTransport := newTestConn("CP1", "10.0.0.1")
		if err := registry.Register(first); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		second, _ := newTestConn("CP1", "10.0.0.2")
		if err := registry.Register(second); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if registry.Lookup(identity.PendingKey("CP1")) != second {
			t.Error("Expected the new connection to own the slot")
		}

		// Supersede closes the prior handle asynchronously.
		deadline := time.Now().Add(time.Second)
		for !firstTransport.isClosed() {
			if time.Now().After(deadline) {
				t.Fatal("Superseded connection was never closed")
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
}

func TestResolve(t *testing.T) {
	t.Run("PendingToAggregate", func(t *testing.T) {
		registry := NewRegistry(4)
		conn, _ := newTestConn("CP1", "10.0.0.1")
		registry.Register(conn)

		id := registry.Resolve(conn, nil)
		if !id.IsAggregate() {
			t.Error("Expected aggregate identity")
		}
		if registry.Lookup(identity.PendingKey("CP1")) != nil {
			t.Error("Pending slot must be vacated after resolve")
		}
		if registry.Lookup("CP1") != conn {
			t.Error("Expected connection under aggregate key")
		}
	})

	t.Run("PendingToConnector", func(t *testing.T) {
		registry := NewRegistry(4)
		conn, _ := newTestConn("CP1", "10.0.0.1")
		registry.Register(conn)

		connector := uint(2)
		registry.Resolve(conn, &connector)

		if registry.Lookup("CP1:2") != conn {
			t.Error("Expected connection under connector key")
		}
	})

	t.Run("ResolveToSameIdentityIsNoOp", func(t *testing.T) {
		registry := NewRegistry(4)
		conn, _ := newTestConn("CP1", "10.0.0.1")
		registry.Register(conn)

		renames := 0
		registry.OnRename(func(oldKey, newKey string) { renames++ })

		registry.Resolve(conn, nil)
		registry.Resolve(conn, nil)

		if renames != 1 {
			t.Errorf("Expected exactly 1 rename, got %d", renames)
		}
		if registry.Lookup("CP1") != conn {
			t.Error("Connection must stay at its key")
		}
	})

	t.Run("RenamePropagatesToListeners", func(t *testing.T) {
		registry := NewRegistry(4)
		conn, _ := newTestConn("CP1", "10.0.0.1")
		registry.Register(conn)

		var gotOld, gotNew string
		registry.OnRename(func(oldKey, newKey string) {
			gotOld = oldKey
			gotNew = newKey
		})

		registry.Resolve(conn, nil)

		if gotOld != identity.PendingKey("CP1") {
			t.Errorf("Expected old key %s, got %s", identity.PendingKey("CP1"), gotOld)
		}
		if gotNew != "CP1" {
			t.Errorf("Expected new key CP1, got %s", gotNew)
		}
		if conn.LogKey() != "CP1" {
			t.Errorf("Log key must follow the rename, got %s", conn.LogKey())
		}
	})

	t.Run("EvictsThirdPartyOccupant", func(t *testing.T) {
		registry := NewRegistry(4)

		occupant, occupantTransport := newTestConn("CP1", "10.0.0.1")
		registry.Register(occupant)
		registry.Resolve(occupant, nil)

		newcomer, _ := newTestConn("CP1", "10.0.0.2")
		registry.Register(newcomer)
		registry.Resolve(newcomer, nil)

		if registry.Lookup("CP1") != newcomer {
			t.Error("Expected newcomer to own the aggregate key")
		}

		deadline := time.Now().Add(time.Second)
		for !occupantTransport.isClosed() {
			if time.Now().After(deadline) {
				t.Fatal("Evicted occupant was never closed")
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
}

func TestRelease(t *testing.T) {
	t.Run("RemovesCurrentOccupant", func(t *testing.T) {
		registry := NewRegistry(4)
		conn, _ := newTestConn("CP1", "10.0.0.1")
		registry.Register(conn)

		registry.Release(conn)
		if registry.Count() != 0 {
			t.Error("Expected empty registry after release")
		}
	})

	t.Run("DoesNotRemoveNewerOccupant", func(t *testing.T) {
		registry := NewRegistry(4)

		first, _ := newTestConn("CP1", "10.0.0.1")
		registry.Register(first)

		second, _ := newTestConn("CP1", "10.0.0.2")
		registry.Register(second)

		// The superseded connection's read loop exits and releases.
		registry.Release(first)

		if registry.Lookup(identity.PendingKey("CP1")) != second {
			t.Error("Releasing a superseded handle must not evict its successor")
		}
	})

	t.Run("ReturnsQuotaSlot", func(t *testing.T) {
		registry := NewRegistry(1)
		first, _ := newTestConn("CP1", "10.0.0.1")
		registry.Register(first)
		registry.Release(first)

		second, _ := newTestConn("CP2", "10.0.0.1")
		if err := registry.Register(second); err != nil {
			t.Errorf("Quota slot was not returned: %v", err)
		}
	})
}

// The single-occupant invariant must hold under concurrent register,
// resolve and release for the same serial.
func TestSingleOccupantUnderConcurrency(t *testing.T) {
	registry := NewRegistry(100)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _ := newTestConn("CP1", "10.0.0.1")
			if err := registry.Register(conn); err != nil {
				return
			}
			registry.Resolve(conn, nil)
			registry.Release(conn)
		}()
	}
	wg.Wait()

	occupants := 0
	for key, conn := range registry.Snapshot() {
		if conn.Serial == "CP1" {
			occupants++
			if key != "CP1" && key != identity.PendingKey("CP1") {
				t.Errorf("Unexpected key %s", key)
			}
		}
	}
	if occupants > 1 {
		t.Errorf("Invariant violated: %d live occupants for one serial", occupants)
	}
}
