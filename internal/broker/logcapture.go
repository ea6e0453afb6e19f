package broker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"voltbridge/internal/identity"
)

// CaptureSession buffers text fragments streamed by a charger during a log
// upload requested via GetLog. The buffer is append-only until a terminal
// status freezes it.
type CaptureSession struct {
	Key         string
	IdentityKey string
	Serial      string
	RequestID   string
	StartedAt   time.Time

	fragments []string
	finalized bool
}

// Content joins the buffered fragments.
func (s *CaptureSession) Content() string {
	return strings.Join(s.fragments, "")
}

// Finalized reports whether the session is frozen.
func (s *CaptureSession) Finalized() bool {
	return s.finalized
}

// CaptureStore receives finalized capture buffers for persistence.
type CaptureStore interface {
	SaveCaptureLog(captureKey, serial, requestID, content string) error
}

// CaptureLedger tracks log-capture sessions by key. Sessions follow
// identity renames so capture continuity survives a resolve.
type CaptureLedger struct {
	mu       sync.Mutex
	sessions map[string]*CaptureSession
	store    CaptureStore
}

// NewCaptureLedger creates a capture ledger. store may be nil, in which case
// finalized buffers are dropped after freezing.
func NewCaptureLedger(store CaptureStore) *CaptureLedger {
	return &CaptureLedger{
		sessions: make(map[string]*CaptureSession),
		store:    store,
	}
}

// StartCapture opens a session for a charger identity and request id,
// returning the capture key used for appends.
func (l *CaptureLedger) StartCapture(id identity.ChargerID, requestID string) string {
	key := fmt.Sprintf("%s/%s", id.Key(), requestID)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sessions[key] = &CaptureSession{
		Key:         key,
		IdentityKey: id.Key(),
		Serial:      id.Serial,
		RequestID:   requestID,
		StartedAt:   time.Now(),
	}
	return key
}

// Append adds a fragment to an open session. Appending to an unknown or
// finalized session is an error.
func (l *CaptureLedger) Append(captureKey, fragment string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	session, exists := l.sessions[captureKey]
	if !exists {
		return fmt.Errorf("no capture session %s", captureKey)
	}
	if session.finalized {
		return fmt.Errorf("capture session %s is finalized", captureKey)
	}

	session.fragments = append(session.fragments, fragment)
	return nil
}

// Finalize freezes a session and persists its buffer. Idempotent; further
// appends are rejected.
func (l *CaptureLedger) Finalize(captureKey string) error {
	l.mu.Lock()
	session, exists := l.sessions[captureKey]
	if !exists {
		l.mu.Unlock()
		return fmt.Errorf("no capture session %s", captureKey)
	}
	if session.finalized {
		l.mu.Unlock()
		return nil
	}
	session.finalized = true
	content := session.Content()
	serial := session.Serial
	requestID := session.RequestID
	store := l.store
	l.mu.Unlock()

	if store != nil {
		if err := store.SaveCaptureLog(captureKey, serial, requestID, content); err != nil {
			return fmt.Errorf("failed to persist capture log: %w", err)
		}
	}
	return nil
}

// Lookup returns the session for a capture key, or nil.
func (l *CaptureLedger) Lookup(captureKey string) *CaptureSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[captureKey]
}

// FindByRequest returns the open session for a charger's request id, or nil.
func (l *CaptureLedger) FindByRequest(serial, requestID string) *CaptureSession {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, session := range l.sessions {
		if session.Serial == serial && session.RequestID == requestID {
			return session
		}
	}
	return nil
}

// Rename moves sessions keyed under an old identity key to the new one so
// an identity resolve preserves capture continuity.
func (l *CaptureLedger) Rename(oldIdentityKey, newIdentityKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, session := range l.sessions {
		if session.IdentityKey != oldIdentityKey {
			continue
		}
		newKey := fmt.Sprintf("%s/%s", newIdentityKey, session.RequestID)
		delete(l.sessions, key)
		session.Key = newKey
		session.IdentityKey = newIdentityKey
		l.sessions[newKey] = session
	}
}

// ClearCharger drops all sessions for a serial, finalized or not.
func (l *CaptureLedger) ClearCharger(serial string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, session := range l.sessions {
		if session.Serial == serial {
			delete(l.sessions, key)
		}
	}
}
