package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voltbridge/internal/identity"
	"voltbridge/internal/logger"
	"voltbridge/internal/protocol"
	"voltbridge/internal/store"
)

// Options tunes broker behavior; zero values fall back to defaults.
type Options struct {
	CallTimeout          time.Duration
	FollowUpWindow       time.Duration
	MaxConnectionsPerSrc int
}

const (
	defaultCallTimeout    = 30 * time.Second
	defaultFollowUpWindow = 90 * time.Second
	ledgerSize            = 512
	outcomeSweepInterval  = time.Minute
	outcomeMaxAge         = 5 * time.Minute
)

// Broker owns the live connection registry, the pending call tracker and
// the protocol dispatcher for one node. It accepts charger connections
// from the server layer and outbound command submissions from the admin
// API and the forwarding relay.
type Broker struct {
	registry   *Registry
	tracker    *Tracker
	dispatcher *Dispatcher
	followUps  *FollowUpLedger
	txRequests *TxRequestLedger
	captures   *CaptureLedger
	store      *store.Store
	signer     Signer

	callTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a broker wired to its persistence layer. The signer may be
// nil, in which case remote administration commands are rejected.
func New(st *store.Store, signer Signer, opts Options) *Broker {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.FollowUpWindow <= 0 {
		opts.FollowUpWindow = defaultFollowUpWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	tracker := NewTracker()

	b := &Broker{
		registry:    NewRegistry(opts.MaxConnectionsPerSrc),
		tracker:     tracker,
		dispatcher:  NewDispatcher(tracker),
		followUps:   NewFollowUpLedger(ledgerSize, opts.FollowUpWindow),
		txRequests:  NewTxRequestLedger(ledgerSize, opts.FollowUpWindow),
		captures:    NewCaptureLedger(st),
		store:       st,
		signer:      signer,
		callTimeout: opts.CallTimeout,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.New(),
	}

	b.registry.OnRename(b.onRename)
	b.registerHandlers()

	b.wg.Add(1)
	go b.maintenanceLoop()

	return b
}

// Registry exposes the live connection registry for the API layer.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Tracker exposes the pending call tracker for the API layer.
func (b *Broker) Tracker() *Tracker {
	return b.tracker
}

// Dispatcher exposes the dispatcher so the relay can wire its hooks.
func (b *Broker) Dispatcher() *Dispatcher {
	return b.dispatcher
}

// Store exposes the persistence layer shared with the relay and API.
func (b *Broker) Store() *store.Store {
	return b.store
}

// onRename propagates a registry identity move to the side tables so a
// key change never strands capture sessions or connection logs.
func (b *Broker) onRename(oldKey, newKey string) {
	b.captures.Rename(oldKey, newKey)
	if err := b.store.RenameConnectionLog(oldKey, newKey); err != nil {
		b.logger.Warn().
			Str("old_key", oldKey).
			Str("new_key", newKey).
			Err(err).
			Msg("Failed to rename connection log")
	}
}

// HandleConnection runs the frame loop for one accepted charger socket.
// It blocks until the peer disconnects or the broker shuts down, and
// always releases the registry slot on the way out.
func (b *Broker) HandleConnection(conn *Conn) {
	if err := b.registry.Register(conn); err != nil {
		b.logger.Warn().
			Str("serial", conn.Serial).
			Str("source", conn.SourceHost).
			Err(err).
			Msg("Connection rejected")
		conn.Close()
		return
	}
	conn.SetState(StateOpen)

	restored := b.tracker.Restore(conn.Serial)
	if len(restored) > 0 {
		b.logger.Info().
			Str("serial", conn.Serial).
			Int("pending", len(restored)).
			Msg("Charger reconnected with calls still pending")
	}

	b.logConnection(conn, "connected")

	for {
		data, err := conn.Read()
		if err != nil {
			break
		}
		conn.Touch()
		b.dispatcher.HandleFrame(conn, data)
	}

	b.logConnection(conn, "disconnected")
	b.registry.Release(conn)
	conn.Close()
}

func (b *Broker) logConnection(conn *Conn, event string) {
	line := fmt.Sprintf("%s %s from %s", time.Now().UTC().Format(time.RFC3339), event, conn.RemoteAddr)
	if err := b.store.AppendConnectionLog(conn.LogKey(), line); err != nil {
		b.logger.Warn().Str("serial", conn.Serial).Err(err).Msg("Failed to append connection log")
	}
}

// SubmitCall sends an outbound CALL to a connected charger and registers
// it with the tracker. The returned correlation id can be polled or
// awaited with WaitCall. Extra is attached to the pending call for the
// result handler; relaySessionID tags relay-owned calls.
func (b *Broker) SubmitCall(id identity.ChargerID, action string, payload interface{}, extra map[string]interface{}, relaySessionID string) (string, error) {
	conn := b.registry.Lookup(id.Key())
	if conn == nil {
		conn = b.registry.LookupSerial(id.Serial)
	}
	if conn == nil {
		return "", fmt.Errorf("charger %s is not connected", id.Key())
	}

	correlationID := uuid.New().String()
	frame, err := protocol.NewCall(correlationID, action, payload)
	if err != nil {
		return "", fmt.Errorf("failed to build call: %w", err)
	}
	data, err := frame.Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode call: %w", err)
	}

	call := &PendingCall{
		CorrelationID:  correlationID,
		Action:         action,
		Serial:         id.Serial,
		Connector:      id.Connector,
		LogKey:         conn.LogKey(),
		RequestedAt:    time.Now(),
		Extra:          extra,
		RelaySessionID: relaySessionID,
	}
	if err := b.tracker.Register(call); err != nil {
		return "", err
	}

	if err := conn.Send(data); err != nil {
		b.tracker.Take(correlationID)
		return "", fmt.Errorf("failed to send call: %w", err)
	}

	if err := b.store.RecordCall(correlationID, id.Serial, action, "outbound"); err != nil {
		b.logger.Warn().Str("correlation_id", correlationID).Err(err).Msg("Failed to record call")
	}

	b.tracker.ScheduleTimeout(correlationID, b.callTimeout, b.onCallTimeout)

	b.logger.Debug().
		Str("serial", id.Serial).
		Str("action", action).
		Str("correlation_id", correlationID).
		Msg("Call submitted")

	return correlationID, nil
}

// SubmitCallSync submits a call and blocks until its outcome arrives or
// the call times out.
func (b *Broker) SubmitCallSync(id identity.ChargerID, action string, payload interface{}, extra map[string]interface{}) (*Outcome, error) {
	correlationID, err := b.SubmitCall(id, action, payload, extra, "")
	if err != nil {
		return nil, err
	}
	outcome, ok := b.tracker.WaitSync(correlationID, b.callTimeout+5*time.Second)
	if !ok {
		return nil, fmt.Errorf("no outcome for call %s", correlationID)
	}
	return outcome, nil
}

// SubmitSignedCall verifies a remote administration signature before
// submitting. Chargers without remote admin enabled reject all signed
// commands regardless of signature validity.
func (b *Broker) SubmitSignedCall(id identity.ChargerID, action string, payload []byte, signature string) (string, error) {
	if b.signer == nil {
		return "", fmt.Errorf("remote administration is not configured")
	}
	charger, err := b.store.GetCharger(id.Serial)
	if err != nil {
		return "", fmt.Errorf("unknown charger %s: %w", id.Serial, err)
	}
	if !charger.RemoteAdminEnabled {
		return "", fmt.Errorf("remote administration is disabled for %s", id.Serial)
	}
	if err := b.signer.Verify(payload, signature); err != nil {
		return "", fmt.Errorf("command rejected: %w", err)
	}
	return b.SubmitCall(id, action, json.RawMessage(payload), nil, "")
}

// WaitCall blocks for the outcome of a previously submitted call.
func (b *Broker) WaitCall(correlationID string, timeout time.Duration) (*Outcome, bool) {
	return b.tracker.WaitSync(correlationID, timeout)
}

// onCallTimeout records the expired call's terminal state. The tracker has
// already taken the entry, so a late reply becomes a correlation miss.
func (b *Broker) onCallTimeout(call *PendingCall) {
	b.logger.Warn().
		Str("serial", call.Serial).
		Str("action", call.Action).
		Str("correlation_id", call.CorrelationID).
		Msg("Call timed out")
	if call.RelaySessionID != "" {
		b.dispatcher.forwardRelayTimeout(call)
	}
	if err := b.store.UpdateCallOutcome(call.CorrelationID, "timeout", protocol.ErrTimeout, ""); err != nil {
		b.logger.Warn().Str("correlation_id", call.CorrelationID).Err(err).Msg("Failed to record timeout")
	}
}

// ClearCharger disconnects a charger and purges every trace of it: live
// connections on all its keys, pending calls, ledgers, capture sessions
// and persisted rows.
func (b *Broker) ClearCharger(serial string) error {
	for key, conn := range b.registry.Snapshot() {
		if conn.Serial == serial {
			b.logger.Info().Str("key", key).Msg("Closing connection for purged charger")
			conn.Close()
		}
	}

	dropped := b.tracker.ClearCharger(serial)
	if dropped > 0 {
		b.logger.Info().Str("serial", serial).Int("dropped", dropped).Msg("Dropped pending calls for purged charger")
	}
	b.captures.ClearCharger(serial)

	if err := b.store.DeleteCharger(serial); err != nil {
		return fmt.Errorf("failed to delete charger %s: %w", serial, err)
	}
	return nil
}

// InjectRelayedCall delivers a remote-originated CALL verbatim to the
// charger's primary connection and registers the remote's correlation id
// as pending, tagged with the owning relay session so the local reply
// travels back upstream.
func (b *Broker) InjectRelayedCall(serial, correlationID, action string, raw []byte, relaySessionID string) error {
	conn := b.registry.LookupSerial(serial)
	if conn == nil {
		return fmt.Errorf("charger %s is not connected", serial)
	}

	call := &PendingCall{
		CorrelationID:  correlationID,
		Action:         action,
		Serial:         serial,
		LogKey:         conn.LogKey(),
		RequestedAt:    time.Now(),
		RelaySessionID: relaySessionID,
	}
	if err := b.tracker.Register(call); err != nil {
		return fmt.Errorf("correlation id already in flight: %w", err)
	}
	if err := conn.Send(raw); err != nil {
		b.tracker.Take(correlationID)
		return fmt.Errorf("failed to relay call: %w", err)
	}
	b.tracker.ScheduleTimeout(correlationID, b.callTimeout, b.onCallTimeout)
	return nil
}

// HasConnection reports whether any live connection exists for a serial.
func (b *Broker) HasConnection(serial string) bool {
	return b.registry.LookupSerial(serial) != nil
}

// maintenanceLoop sweeps consumed-outcome retention on a fixed cadence.
func (b *Broker) maintenanceLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(outcomeSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if swept := b.tracker.SweepOutcomes(outcomeMaxAge); swept > 0 {
				b.logger.Debug().Int("swept", swept).Msg("Swept stale call outcomes")
			}
		}
	}
}

// Shutdown stops background work and closes every live connection.
func (b *Broker) Shutdown() {
	b.cancel()
	for _, conn := range b.registry.Snapshot() {
		conn.Close()
	}
	b.wg.Wait()
	b.logger.Info().Msg("Broker stopped")
}
