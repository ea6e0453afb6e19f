package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"voltbridge/internal/logger"
	"voltbridge/internal/protocol"
	"voltbridge/internal/store"
)

// LocalNode is the slice of the broker the relay needs: liveness checks
// and verbatim call injection toward local chargers.
type LocalNode interface {
	HasConnection(serial string) bool
	InjectRelayedCall(serial, correlationID, action string, raw []byte, relaySessionID string) error
}

// Options tunes relay timing; zero values fall back to defaults.
type Options struct {
	SyncInterval   time.Duration
	KeepaliveIdle  time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

const (
	defaultSyncInterval   = time.Minute
	defaultKeepaliveIdle  = 2 * time.Minute
	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

// Relay maintains one outbound forwarding session per export-enabled
// charger. Sessions are created and torn down only by reconciliation and
// by their own I/O failures; the reconciliation interval is the sole
// reconnect mechanism.
type Relay struct {
	node  LocalNode
	store *store.Store
	opts  Options

	mu       sync.Mutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a relay manager. Call Start to begin reconciliation.
func New(node LocalNode, st *store.Store, opts Options) *Relay {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}
	if opts.KeepaliveIdle <= 0 {
		opts.KeepaliveIdle = defaultKeepaliveIdle
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		node:     node,
		store:    st,
		opts:     opts,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.New(),
	}
}

// Start runs the periodic reconciliation and keepalive loop.
func (r *Relay) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop tears down every session and waits for background work.
func (r *Relay) Stop() {
	r.cancel()

	r.mu.Lock()
	for serial, session := range r.sessions {
		session.close()
		delete(r.sessions, serial)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("Relay stopped")
}

func (r *Relay) loop() {
	defer r.wg.Done()

	syncTicker := time.NewTicker(r.opts.SyncInterval)
	defer syncTicker.Stop()
	pingTicker := time.NewTicker(r.opts.KeepaliveIdle / 2)
	defer pingTicker.Stop()

	r.Sync()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-syncTicker.C:
			r.Sync()
		case <-pingTicker.C:
			r.keepalive()
		}
	}
}

// Sync reconciles live sessions against export configuration: sessions
// for ineligible chargers close, matching sessions get their allow-lists
// refreshed, missing ones get a connect attempt. Safe to re-run at any
// time; never leaves two sessions open for one charger.
func (r *Relay) Sync() {
	// The admin API can trigger a sync at any time; after Stop it must
	// not dial new sessions.
	if r.ctx.Err() != nil {
		return
	}

	chargers, err := r.store.ListExportedChargers()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list exported chargers")
		return
	}

	eligible := make(map[string]*store.Charger, len(chargers))
	forwarders := make(map[string]*store.Forwarder)
	for _, c := range chargers {
		if c.ForwarderID == "" {
			continue
		}
		fw, ok := forwarders[c.ForwarderID]
		if !ok {
			fw, err = r.store.GetForwarder(c.ForwarderID)
			if err != nil {
				r.logger.Warn().
					Str("serial", c.Serial).
					Str("forwarder_id", c.ForwarderID).
					Err(err).
					Msg("Exported charger references unknown forwarder")
				continue
			}
			forwarders[c.ForwarderID] = fw
		}
		if len(fw.BaseURLs) > 0 {
			eligible[c.Serial] = c
		}
	}

	// Close sessions no longer eligible or pointed at a stale target.
	r.mu.Lock()
	var stale []*Session
	for serial, session := range r.sessions {
		charger, ok := eligible[serial]
		if !ok || charger.ForwarderID != session.ForwarderID {
			stale = append(stale, session)
			delete(r.sessions, serial)
			continue
		}
		fw := forwarders[charger.ForwarderID]
		session.SetAllowLists(fw.ForwardedMessages, fw.ForwardedCalls)
	}
	existing := make(map[string]bool, len(r.sessions))
	for serial := range r.sessions {
		existing[serial] = true
	}
	r.mu.Unlock()

	for _, session := range stale {
		r.logger.Info().
			Str("serial", session.ChargerSerial).
			Str("node_id", session.NodeID).
			Msg("Closing forwarding session")
		session.close()
	}

	for serial, charger := range eligible {
		if existing[serial] {
			continue
		}
		r.connect(charger, forwarders[charger.ForwarderID])
	}
}

// connect walks the candidate URL list and installs a session for the
// first endpoint that answers. Failure is logged and left for the next
// reconciliation pass.
func (r *Relay) connect(charger *store.Charger, fw *store.Forwarder) {
	dialer := websocket.Dialer{
		HandshakeTimeout: r.opts.ConnectTimeout,
		Subprotocols:     protocol.SupportedSubprotocols,
	}

	for _, candidate := range CandidateURLs(fw.BaseURLs, charger.Serial) {
		conn, _, err := dialer.Dial(candidate, nil)
		if err != nil {
			r.logger.Debug().
				Str("serial", charger.Serial).
				Str("url", candidate).
				Err(err).
				Msg("Relay candidate failed")
			continue
		}

		session := &Session{
			ID:                uuid.New().String(),
			ChargerSerial:     charger.Serial,
			NodeID:            fw.NodeID,
			ForwarderID:       fw.ID,
			URL:               candidate,
			ConnectedAt:       time.Now(),
			conn:              conn,
			lastActivity:      time.Now(),
			forwardedMessages: fw.ForwardedMessages,
			forwardedCalls:    fw.ForwardedCalls,
			pendingRelayed:    make(map[string]struct{}),
		}

		r.mu.Lock()
		if _, exists := r.sessions[charger.Serial]; exists {
			// A concurrent pass won the race; keep the existing session.
			r.mu.Unlock()
			session.close()
			return
		}
		r.sessions[charger.Serial] = session
		r.mu.Unlock()

		r.wg.Add(1)
		go r.readLoop(session)

		r.logger.Info().
			Str("serial", charger.Serial).
			Str("node_id", fw.NodeID).
			Str("url", candidate).
			Msg("Forwarding session established")
		return
	}

	r.logger.Warn().
		Str("serial", charger.Serial).
		Str("forwarder_id", fw.ID).
		Msg("All relay candidates failed")
}

// Mirror writes a charger-originated CALL upstream verbatim when the
// session's message filter allows it. A write failure removes the session;
// the charger's primary connection is unaffected.
func (r *Relay) Mirror(serial, action string, raw []byte) {
	r.mu.Lock()
	session := r.sessions[serial]
	r.mu.Unlock()
	if session == nil || !session.AllowsMessage(action) {
		return
	}

	if err := session.write(raw, r.opts.WriteTimeout); err != nil {
		r.logger.Warn().
			Str("serial", serial).
			Str("action", action).
			Err(err).
			Msg("Upstream mirror write failed - removing session")
		r.removeSession(session)
	}
}

// ForwardReply sends a local charger's reply to a relayed command back to
// the owning session.
func (r *Relay) ForwardReply(sessionID string, raw []byte) {
	session := r.findByID(sessionID)
	if session == nil {
		return
	}

	if frame, err := protocol.Decode(raw); err == nil {
		session.ReleaseRelayedCall(frame.ID)
	}

	if err := session.write(raw, r.opts.WriteTimeout); err != nil {
		r.logger.Warn().
			Str("serial", session.ChargerSerial).
			Err(err).
			Msg("Upstream reply write failed - removing session")
		r.removeSession(session)
	}
}

// readLoop is the dedicated reader for one session. Only CALL frames from
// the remote side are honored; authorization failures answer with a
// CALLERROR and keep the session open.
func (r *Relay) readLoop(session *Session) {
	defer r.wg.Done()
	defer r.removeSession(session)

	for {
		_, data, err := session.conn.ReadMessage()
		if err != nil {
			r.logger.Debug().
				Str("serial", session.ChargerSerial).
				Err(err).
				Msg("Forwarding session reader stopped")
			return
		}
		session.touch()

		frame, err := protocol.Decode(data)
		if err != nil {
			r.logger.Warn().
				Str("serial", session.ChargerSerial).
				Err(err).
				Msg("Dropping malformed relay frame")
			continue
		}
		if frame.Type != protocol.MessageTypeCall {
			r.logger.Debug().
				Str("serial", session.ChargerSerial).
				Int("frame_type", frame.Type).
				Msg("Ignoring non-call relay frame")
			continue
		}

		r.handleRemoteCall(session, frame, data)
	}
}

// handleRemoteCall authorizes one downstream command. Checks run in order:
// action allow-list, per-charger remote administration flag, then primary
// connection liveness.
func (r *Relay) handleRemoteCall(session *Session, frame *protocol.Frame, raw []byte) {
	if !session.AllowsCall(frame.Action) {
		r.rejectRemoteCall(session, frame.ID, protocol.ErrSecurityError, "action is not forwarded for this charger")
		return
	}

	charger, err := r.store.GetCharger(session.ChargerSerial)
	if err != nil || !charger.RemoteAdminEnabled {
		r.rejectRemoteCall(session, frame.ID, protocol.ErrSecurityError, "remote administration is not enabled")
		return
	}

	if !r.node.HasConnection(session.ChargerSerial) {
		r.rejectRemoteCall(session, frame.ID, protocol.ErrInternalError, "charger is not connected")
		return
	}

	session.TrackRelayedCall(frame.ID)
	if err := r.node.InjectRelayedCall(session.ChargerSerial, frame.ID, frame.Action, raw, session.ID); err != nil {
		session.ReleaseRelayedCall(frame.ID)
		r.logger.Warn().
			Str("serial", session.ChargerSerial).
			Str("action", frame.Action).
			Err(err).
			Msg("Failed to inject relayed call")
		r.rejectRemoteCall(session, frame.ID, protocol.ErrInternalError, "failed to deliver call")
		return
	}

	r.logger.Debug().
		Str("serial", session.ChargerSerial).
		Str("action", frame.Action).
		Str("correlation_id", frame.ID).
		Msg("Relayed remote call to charger")
}

func (r *Relay) rejectRemoteCall(session *Session, correlationID, code, description string) {
	reply := protocol.NewCallError(correlationID, code, description)
	data, err := reply.Encode()
	if err != nil {
		return
	}
	if err := session.write(data, r.opts.WriteTimeout); err != nil {
		r.removeSession(session)
	}
}

// keepalive pings sessions idle past the threshold. A failed ping removes
// the session; recovery happens on the next reconciliation pass.
func (r *Relay) keepalive() {
	r.mu.Lock()
	idle := make([]*Session, 0)
	for _, session := range r.sessions {
		if time.Since(session.LastActivity()) >= r.opts.KeepaliveIdle {
			idle = append(idle, session)
		}
	}
	r.mu.Unlock()

	for _, session := range idle {
		if err := session.ping(r.opts.WriteTimeout); err != nil {
			r.logger.Warn().
				Str("serial", session.ChargerSerial).
				Err(err).
				Msg("Keepalive ping failed - removing session")
			r.removeSession(session)
		} else {
			session.touch()
		}
	}
}

// removeSession closes a session and drops it from the set, but only if it
// is still the current occupant for its charger.
func (r *Relay) removeSession(session *Session) {
	r.mu.Lock()
	if current, ok := r.sessions[session.ChargerSerial]; ok && current == session {
		delete(r.sessions, session.ChargerSerial)
	}
	r.mu.Unlock()
	session.close()
}

func (r *Relay) findByID(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, session := range r.sessions {
		if session.ID == sessionID {
			return session
		}
	}
	return nil
}

// SessionInfo is a read-only snapshot of one session for observability.
type SessionInfo struct {
	ID            string    `json:"id"`
	ChargerSerial string    `json:"charger_serial"`
	NodeID        string    `json:"node_id"`
	ForwarderID   string    `json:"forwarder_id"`
	URL           string    `json:"url"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	PendingCalls  int       `json:"pending_calls"`
}

// Sessions snapshots the live session set.
func (r *Relay) Sessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, SessionInfo{
			ID:            s.ID,
			ChargerSerial: s.ChargerSerial,
			NodeID:        s.NodeID,
			ForwarderID:   s.ForwarderID,
			URL:           s.URL,
			ConnectedAt:   s.ConnectedAt,
			LastActivity:  s.LastActivity(),
			PendingCalls:  s.PendingRelayedCount(),
		})
	}
	return infos
}
