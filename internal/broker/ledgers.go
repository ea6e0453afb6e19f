package broker

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// followUpEntry marks that the next occurrence of an action from a
// charger+connector is the follow-up to an accepted TriggerMessage request.
type followUpEntry struct {
	CorrelationID string
	ArmedAt       time.Time
}

// FollowUpLedger correlates triggered-message requests with the message
// they provoke. Entries expire un-consumed silently.
type FollowUpLedger struct {
	cache  *lru.Cache[string, *followUpEntry]
	window time.Duration
	mu     sync.Mutex
}

// NewFollowUpLedger creates a follow-up ledger whose entries expire after
// the given window.
func NewFollowUpLedger(size int, window time.Duration) *FollowUpLedger {
	if size <= 0 {
		size = 256
	}
	if window <= 0 {
		window = 2 * time.Minute
	}
	cache, _ := lru.New[string, *followUpEntry](size)
	return &FollowUpLedger{cache: cache, window: window}
}

func followUpKey(serial string, connector *uint, action string) string {
	if connector == nil {
		return fmt.Sprintf("%s::%s", serial, action)
	}
	return fmt.Sprintf("%s:%d:%s", serial, *connector, action)
}

// Arm records that the named action from this charger+connector is expected
// as a follow-up to the given request.
func (l *FollowUpLedger) Arm(serial string, connector *uint, action, correlationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Add(followUpKey(serial, connector, action), &followUpEntry{
		CorrelationID: correlationID,
		ArmedAt:       time.Now(),
	})
}

// Take consumes the armed entry if one exists and has not expired, returning
// the correlation id of the originating request.
func (l *FollowUpLedger) Take(serial string, connector *uint, action string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := followUpKey(serial, connector, action)
	entry, ok := l.cache.Get(key)
	if !ok {
		return "", false
	}
	l.cache.Remove(key)

	if time.Since(entry.ArmedAt) > l.window {
		return "", false
	}
	return entry.CorrelationID, true
}

// txRequestEntry links an accepted remote start/stop request to the
// transaction event that will eventually report its terminal status.
type txRequestEntry struct {
	CorrelationID string
	Action        string
	ArmedAt       time.Time
}

// TxRequestLedger remembers accepted remote start/stop transaction requests
// so a later StartTransaction/StopTransaction can update the originating
// request's recorded status.
type TxRequestLedger struct {
	cache  *lru.Cache[string, *txRequestEntry]
	window time.Duration
	mu     sync.Mutex
}

// NewTxRequestLedger creates a transaction-request ledger.
func NewTxRequestLedger(size int, window time.Duration) *TxRequestLedger {
	if size <= 0 {
		size = 256
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	cache, _ := lru.New[string, *txRequestEntry](size)
	return &TxRequestLedger{cache: cache, window: window}
}

func txRequestKey(serial string, connector *uint) string {
	if connector == nil {
		return serial
	}
	return fmt.Sprintf("%s:%d", serial, *connector)
}

// Arm records an accepted start/stop request against a charger+connector.
func (l *TxRequestLedger) Arm(serial string, connector *uint, action, correlationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Add(txRequestKey(serial, connector), &txRequestEntry{
		CorrelationID: correlationID,
		Action:        action,
		ArmedAt:       time.Now(),
	})
}

// Take consumes the armed request for a charger+connector, if any.
func (l *TxRequestLedger) Take(serial string, connector *uint) (correlationID, action string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := txRequestKey(serial, connector)
	entry, found := l.cache.Get(key)
	if !found {
		return "", "", false
	}
	l.cache.Remove(key)

	if time.Since(entry.ArmedAt) > l.window {
		return "", "", false
	}
	return entry.CorrelationID, entry.Action, true
}
