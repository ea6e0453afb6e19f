package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voltbridge/internal/protocol"
	"voltbridge/internal/store"
)

type injectedCall struct {
	Serial        string
	CorrelationID string
	Action        string
	SessionID     string
}

type fakeNode struct {
	connected bool
	injectErr error
	injected  []injectedCall
}

func (n *fakeNode) HasConnection(serial string) bool {
	return n.connected
}

func (n *fakeNode) InjectRelayedCall(serial, correlationID, action string, raw []byte, relaySessionID string) error {
	if n.injectErr != nil {
		return n.injectErr
	}
	n.injected = append(n.injected, injectedCall{serial, correlationID, action, relaySessionID})
	return nil
}

// newUpstreamPair dials a loopback websocket server standing in for the
// remote aggregator. Frames written to the session arrive on the returned
// channel.
func newUpstreamPair(t *testing.T) (*Session, <-chan []byte) {
	t.Helper()

	received := make(chan []byte, 16)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial test upstream: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	session := &Session{
		ID:             "sess-1",
		ChargerSerial:  "CP1",
		conn:           conn,
		lastActivity:   time.Now(),
		pendingRelayed: make(map[string]struct{}),
	}
	return session, received
}

func readFrame(t *testing.T, received <-chan []byte) []interface{} {
	t.Helper()
	select {
	case data := <-received:
		var frame []interface{}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("Failed to decode upstream frame: %v", err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for an upstream frame")
		return nil
	}
}

func newRemoteCall(t *testing.T, id, action string) (*protocol.Frame, []byte) {
	t.Helper()
	frame, err := protocol.NewCall(id, action, map[string]interface{}{})
	if err != nil {
		t.Fatalf("Failed to build call frame: %v", err)
	}
	raw, err := frame.Encode()
	if err != nil {
		t.Fatalf("Failed to encode call frame: %v", err)
	}
	return frame, raw
}

func TestHandleRemoteCall(t *testing.T) {
	openStore := func(t *testing.T) *store.Store {
		st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
		if err != nil {
			t.Fatalf("Failed to open store: %v", err)
		}
		t.Cleanup(func() { st.Close() })
		return st
	}

	t.Run("DisallowedActionRepliesSecurityError", func(t *testing.T) {
		node := &fakeNode{connected: true}
		r := New(node, openStore(t), Options{})
		session, received := newUpstreamPair(t)
		session.SetAllowLists(nil, []string{"TriggerMessage"})

		frame, raw := newRemoteCall(t, "r1", "Reset")
		r.handleRemoteCall(session, frame, raw)

		reply := readFrame(t, received)
		if reply[0].(float64) != 4 || reply[1].(string) != "r1" || reply[2].(string) != protocol.ErrSecurityError {
			t.Errorf("Expected SecurityError reply, got %v", reply)
		}
		if len(node.injected) != 0 {
			t.Error("Disallowed call must never reach the local charger")
		}
	})

	t.Run("RemoteAdminDisabledRepliesSecurityError", func(t *testing.T) {
		node := &fakeNode{connected: true}
		st := openStore(t)
		if _, err := st.UpsertCharger("CP1", "ACME", "Home-7", "1.0"); err != nil {
			t.Fatalf("Failed to seed charger: %v", err)
		}
		r := New(node, st, Options{})
		session, received := newUpstreamPair(t)

		frame, raw := newRemoteCall(t, "r2", "Reset")
		r.handleRemoteCall(session, frame, raw)

		reply := readFrame(t, received)
		if reply[2].(string) != protocol.ErrSecurityError {
			t.Errorf("Expected SecurityError reply, got %v", reply)
		}
		if len(node.injected) != 0 {
			t.Error("Call must not reach the charger while remote admin is disabled")
		}
	})

	t.Run("DisconnectedChargerRepliesInternalError", func(t *testing.T) {
		node := &fakeNode{connected: false}
		st := openStore(t)
		if _, err := st.UpsertCharger("CP1", "ACME", "Home-7", "1.0"); err != nil {
			t.Fatalf("Failed to seed charger: %v", err)
		}
		if err := st.SetChargerExport("CP1", true, true, "fwd-1"); err != nil {
			t.Fatalf("Failed to enable remote admin: %v", err)
		}
		r := New(node, st, Options{})
		session, received := newUpstreamPair(t)

		frame, raw := newRemoteCall(t, "r3", "Reset")
		r.handleRemoteCall(session, frame, raw)

		reply := readFrame(t, received)
		if reply[2].(string) != protocol.ErrInternalError {
			t.Errorf("Expected InternalError reply, got %v", reply)
		}
	})

	t.Run("AuthorizedCallIsInjected", func(t *testing.T) {
		node := &fakeNode{connected: true}
		st := openStore(t)
		if _, err := st.UpsertCharger("CP1", "ACME", "Home-7", "1.0"); err != nil {
			t.Fatalf("Failed to seed charger: %v", err)
		}
		if err := st.SetChargerExport("CP1", true, true, "fwd-1"); err != nil {
			t.Fatalf("Failed to enable remote admin: %v", err)
		}
		r := New(node, st, Options{})
		session, _ := newUpstreamPair(t)

		frame, raw := newRemoteCall(t, "r4", "Reset")
		r.handleRemoteCall(session, frame, raw)

		if len(node.injected) != 1 {
			t.Fatalf("Expected 1 injected call, got %d", len(node.injected))
		}
		got := node.injected[0]
		if got.Serial != "CP1" || got.CorrelationID != "r4" || got.Action != "Reset" || got.SessionID != "sess-1" {
			t.Errorf("Unexpected injection: %+v", got)
		}
		if session.PendingRelayedCount() != 1 {
			t.Error("Injected call must be tracked as in-flight via relay")
		}
	})

	t.Run("InjectionFailureRollsBackTracking", func(t *testing.T) {
		node := &fakeNode{connected: true, injectErr: websocket.ErrCloseSent}
		st := openStore(t)
		if _, err := st.UpsertCharger("CP1", "ACME", "Home-7", "1.0"); err != nil {
			t.Fatalf("Failed to seed charger: %v", err)
		}
		if err := st.SetChargerExport("CP1", true, true, "fwd-1"); err != nil {
			t.Fatalf("Failed to enable remote admin: %v", err)
		}
		r := New(node, st, Options{})
		session, received := newUpstreamPair(t)

		frame, raw := newRemoteCall(t, "r5", "Reset")
		r.handleRemoteCall(session, frame, raw)

		reply := readFrame(t, received)
		if reply[2].(string) != protocol.ErrInternalError {
			t.Errorf("Expected InternalError reply, got %v", reply)
		}
		if session.PendingRelayedCount() != 0 {
			t.Error("Failed injection must not leave an in-flight marker")
		}
	})
}

// newUpstreamServer runs a loopback websocket endpoint accepting any path,
// standing in for a remote aggregator node during reconciliation tests.
func newUpstreamServer(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func seedExportedCharger(t *testing.T, st *store.Store, serial, baseURL string) {
	t.Helper()

	fw, err := st.CreateForwarder("aggregator", "node-1", []string{baseURL}, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create forwarder: %v", err)
	}
	if _, err := st.UpsertCharger(serial, "ACME", "Home-7", "1.0"); err != nil {
		t.Fatalf("Failed to seed charger: %v", err)
	}
	if err := st.SetChargerExport(serial, true, true, fw.ID); err != nil {
		t.Fatalf("Failed to enable export: %v", err)
	}
}

func TestSyncReconciliation(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := newUpstreamServer(t)
	seedExportedCharger(t, st, "CP1", srv.URL)

	r := New(&fakeNode{connected: true}, st, Options{})
	t.Cleanup(r.Stop)

	t.Run("ConnectsExportedCharger", func(t *testing.T) {
		r.Sync()

		sessions := r.Sessions()
		if len(sessions) != 1 {
			t.Fatalf("Expected 1 session after sync, got %d", len(sessions))
		}
		if sessions[0].ChargerSerial != "CP1" {
			t.Errorf("Expected session for CP1, got %s", sessions[0].ChargerSerial)
		}
	})

	t.Run("RepeatSyncKeepsSingleSession", func(t *testing.T) {
		before := r.Sessions()
		r.Sync()

		after := r.Sessions()
		if len(after) != 1 {
			t.Fatalf("Expected 1 session after repeat sync, got %d", len(after))
		}
		if after[0].ID != before[0].ID {
			t.Error("Repeat sync must keep the existing session, not redial")
		}
	})

	t.Run("KeepaliveFailureRemovesThenSyncReconnects", func(t *testing.T) {
		firstID := r.Sessions()[0].ID

		r.mu.Lock()
		session := r.sessions["CP1"]
		r.mu.Unlock()

		// Kill the socket out from under the session and age it past the
		// idle threshold so the next keepalive pass pings it.
		session.conn.Close()
		session.mu.Lock()
		session.lastActivity = time.Now().Add(-time.Hour)
		session.mu.Unlock()

		r.keepalive()

		if len(r.Sessions()) != 0 {
			t.Fatal("Session with a failed ping must be removed")
		}

		r.Sync()

		sessions := r.Sessions()
		if len(sessions) != 1 {
			t.Fatalf("Expected a fresh session after sync, got %d", len(sessions))
		}
		if sessions[0].ID == firstID {
			t.Error("Reconnect must produce a new session")
		}
	})

	t.Run("DisablingExportClosesSession", func(t *testing.T) {
		if err := st.SetChargerExport("CP1", false, false, ""); err != nil {
			t.Fatalf("Failed to disable export: %v", err)
		}

		r.Sync()

		if len(r.Sessions()) != 0 {
			t.Error("Session for an ineligible charger must be closed")
		}
	})
}

func TestSyncAfterStopIsNoOp(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := newUpstreamServer(t)
	seedExportedCharger(t, st, "CP1", srv.URL)

	r := New(&fakeNode{connected: true}, st, Options{})
	r.Stop()

	r.Sync()

	if len(r.Sessions()) != 0 {
		t.Error("Sync after Stop must not dial new sessions")
	}
}

func TestForwardReplyReleasesTracking(t *testing.T) {
	node := &fakeNode{connected: true}
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	r := New(node, st, Options{})
	session, received := newUpstreamPair(t)
	session.TrackRelayedCall("r9")

	r.mu.Lock()
	r.sessions["CP1"] = session
	r.mu.Unlock()

	result, err := protocol.NewCallResult("r9", map[string]interface{}{"status": "Accepted"})
	if err != nil {
		t.Fatalf("Failed to build result frame: %v", err)
	}
	raw, err := result.Encode()
	if err != nil {
		t.Fatalf("Failed to encode result frame: %v", err)
	}

	r.ForwardReply("sess-1", raw)

	reply := readFrame(t, received)
	if reply[0].(float64) != 3 || reply[1].(string) != "r9" {
		t.Errorf("Expected the verbatim reply upstream, got %v", reply)
	}
	if session.PendingRelayedCount() != 0 {
		t.Error("Forwarded reply must release the in-flight marker")
	}
}
