package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voltbridge/internal/logger"
	"voltbridge/internal/protocol"
)

// PendingCall is the metadata for one in-flight outbound CALL. Extra carries
// action-specific fields the result handler needs when the reply arrives.
// RelaySessionID is set when the call was injected by a forwarding session
// and the reply must travel back upstream.
type PendingCall struct {
	CorrelationID  string
	Action         string
	Serial         string
	Connector      *uint
	LogKey         string
	RequestedAt    time.Time
	Extra          map[string]interface{}
	RelaySessionID string
}

// Outcome is the terminal result of a pending call: a success payload or a
// structured error, plus the metadata the call was registered with.
type Outcome struct {
	Success          bool
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
	Call             *PendingCall
}

// TimeoutOutcome builds the synthetic outcome recorded when a call expires.
func TimeoutOutcome(call *PendingCall) *Outcome {
	return &Outcome{
		Success:          false,
		ErrorCode:        protocol.ErrTimeout,
		ErrorDescription: fmt.Sprintf("no reply to %s within deadline", call.Action),
		Call:             call,
	}
}

type pendingEntry struct {
	call  *PendingCall
	timer *time.Timer
}

type outcomeEntry struct {
	outcome    *Outcome
	recordedAt time.Time
}

// Tracker correlates outbound CALLs with their eventual replies. Calls leave
// the tracker through Take exactly once. The reply path and the timeout
// path race for it and the loser becomes a no-op.
//
// Calls belonging to a dropped connection are deliberately kept registered
// so Restore can reattach them after a reconnect; only ClearCharger removes
// them wholesale.
type Tracker struct {
	mu       sync.Mutex
	calls    map[string]*pendingEntry
	done     map[string]chan struct{}
	outcomes map[string]*outcomeEntry
	logger   zerolog.Logger
}

// NewTracker creates an empty pending-call tracker.
func NewTracker() *Tracker {
	return &Tracker{
		calls:    make(map[string]*pendingEntry),
		done:     make(map[string]chan struct{}),
		outcomes: make(map[string]*outcomeEntry),
		logger:   logger.New(),
	}
}

// Register stores metadata for a new correlation id. A duplicate id is a
// caller bug and fails loudly.
func (t *Tracker) Register(call *PendingCall) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.calls[call.CorrelationID]; exists {
		return fmt.Errorf("correlation id %s already registered", call.CorrelationID)
	}

	t.calls[call.CorrelationID] = &pendingEntry{call: call}
	t.done[call.CorrelationID] = make(chan struct{})
	return nil
}

// ScheduleTimeout arms the expiry timer for a registered call. If the call
// is still pending when the timer fires, the tracker takes it atomically
// (a racing reply cannot double-fire), invokes onTimeout with the original
// metadata, and records a synthetic Timeout outcome.
func (t *Tracker) ScheduleTimeout(correlationID string, d time.Duration, onTimeout func(*PendingCall)) {
	t.mu.Lock()
	entry, exists := t.calls[correlationID]
	if !exists {
		t.mu.Unlock()
		return
	}

	entry.timer = time.AfterFunc(d, func() {
		call, ok := t.Take(correlationID)
		if !ok {
			return
		}
		t.logger.Warn().
			Str("correlation_id", correlationID).
			Str("action", call.Action).
			Str("serial", call.Serial).
			Msg("Pending call timed out")
		if onTimeout != nil {
			onTimeout(call)
		}
		t.RecordOutcome(correlationID, TimeoutOutcome(call))
	})
	t.mu.Unlock()
}

// Take atomically removes and returns a pending call. Whichever caller wins
// owns resolution; the call's timer is cancelled in O(1).
func (t *Tracker) Take(correlationID string) (*PendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.calls[correlationID]
	if !exists {
		return nil, false
	}
	delete(t.calls, correlationID)

	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry.call, true
}

// RecordOutcome stores the outcome for any synchronous waiter. Idempotent
// after Take: only the first record for an id is kept.
func (t *Tracker) RecordOutcome(correlationID string, outcome *Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.outcomes[correlationID]; exists {
		return
	}
	t.outcomes[correlationID] = &outcomeEntry{outcome: outcome, recordedAt: time.Now()}

	if ch, ok := t.done[correlationID]; ok {
		close(ch)
		delete(t.done, correlationID)
	}
}

// WaitSync blocks the calling goroutine until the call's outcome is
// recorded or the timeout elapses. It must be called from a context outside
// the connection's own frame loop; the frame loop is what resolves it.
func (t *Tracker) WaitSync(correlationID string, timeout time.Duration) (*Outcome, bool) {
	t.mu.Lock()
	if entry, exists := t.outcomes[correlationID]; exists {
		outcome := entry.outcome
		delete(t.outcomes, correlationID)
		t.mu.Unlock()
		return outcome, true
	}
	ch, exists := t.done[correlationID]
	t.mu.Unlock()

	if !exists {
		return nil, false
	}

	select {
	case <-ch:
	case <-time.After(timeout):
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	entry, exists := t.outcomes[correlationID]
	if !exists {
		return nil, false
	}
	delete(t.outcomes, correlationID)
	return entry.outcome, true
}

// Restore returns the still-pending calls for a charger after a reconnect,
// so a late reply arriving on the new connection still matches. The calls
// stay registered; restoration is observational.
func (t *Tracker) Restore(serial string) []*PendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	var restored []*PendingCall
	for _, entry := range t.calls {
		if entry.call.Serial == serial {
			restored = append(restored, entry.call)
		}
	}
	return restored
}

// ClearCharger removes every pending call, waiter, and stored outcome for a
// charger. Used on final teardown or charger purge, never on disconnect.
func (t *Tracker) ClearCharger(serial string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, entry := range t.calls {
		if entry.call.Serial != serial {
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(t.calls, id)
		if ch, ok := t.done[id]; ok {
			close(ch)
			delete(t.done, id)
		}
		delete(t.outcomes, id)
		removed++
	}
	return removed
}

// PendingCount returns the number of in-flight calls.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// PendingForSerial lists in-flight calls for one charger.
func (t *Tracker) PendingForSerial(serial string) []*PendingCall {
	return t.Restore(serial)
}

// Pending lists every in-flight call.
func (t *Tracker) Pending() []*PendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	calls := make([]*PendingCall, 0, len(t.calls))
	for _, entry := range t.calls {
		calls = append(calls, entry.call)
	}
	return calls
}

// SweepOutcomes drops recorded outcomes older than maxAge that no waiter
// ever consumed. Called from the broker's maintenance loop.
func (t *Tracker) SweepOutcomes(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, entry := range t.outcomes {
		if entry.recordedAt.Before(cutoff) {
			delete(t.outcomes, id)
			removed++
		}
	}
	return removed
}
