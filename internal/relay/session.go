package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session is one outbound forwarding connection for one charger. The
// relay never holds more than one session per charger at a time.
type Session struct {
	ID            string
	ChargerSerial string
	NodeID        string
	ForwarderID   string
	URL           string
	ConnectedAt   time.Time

	conn *websocket.Conn

	mu                sync.Mutex
	lastActivity      time.Time
	forwardedMessages []string
	forwardedCalls    []string
	pendingRelayed    map[string]struct{}
	closed            bool
}

// allowed reports whether an action passes an allow-list. A nil list
// means everything is allowed.
func allowed(list []string, action string) bool {
	if list == nil {
		return true
	}
	for _, a := range list {
		if a == action {
			return true
		}
	}
	return false
}

// AllowsMessage reports whether a charger-originated action is mirrored
// upstream on this session.
func (s *Session) AllowsMessage(action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return allowed(s.forwardedMessages, action)
}

// AllowsCall reports whether a remote-originated action may be relayed
// down to the charger.
func (s *Session) AllowsCall(action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return allowed(s.forwardedCalls, action)
}

// SetAllowLists refreshes both filters from forwarder configuration.
func (s *Session) SetAllowLists(messages, calls []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwardedMessages = messages
	s.forwardedCalls = calls
}

// TrackRelayedCall remembers a correlation id injected toward the charger
// on behalf of this session.
func (s *Session) TrackRelayedCall(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingRelayed[correlationID] = struct{}{}
}

// ReleaseRelayedCall forgets a relayed correlation id once its reply has
// been forwarded back upstream. Returns false for ids this session never
// injected.
func (s *Session) ReleaseRelayedCall(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingRelayed[correlationID]; !ok {
		return false
	}
	delete(s.pendingRelayed, correlationID)
	return true
}

// PendingRelayedCount reports how many relayed calls still await replies.
func (s *Session) PendingRelayedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingRelayed)
}

// LastActivity returns the time of the last successful read or write.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// write sends one text frame upstream with a bounded deadline. Writes are
// serialized through the session mutex.
func (s *Session) write(data []byte, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.lastActivity = time.Now()
	return nil
}

// ping sends a control ping with a bounded deadline.
func (s *Session) ping(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// close shuts the socket down; safe to call more than once.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.conn.Close()
}
