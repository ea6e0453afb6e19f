package broker

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"voltbridge/internal/identity"
	"voltbridge/internal/logger"
)

// RenameListener observes identity renames so per-identity side tables
// (connection logs, capture sessions) can follow the move.
type RenameListener func(oldKey, newKey string)

// Registry maps identity keys to live connections. A reconnect for an
// occupied key supersedes the prior session: the old handle is force-closed,
// never left coexisting. Admission is limited per source address.
type Registry struct {
	mu           sync.Mutex
	conns        map[string]*Conn
	sourceCounts map[string]int
	maxPerSource int
	listeners    []RenameListener
	logger       zerolog.Logger
}

// NewRegistry creates a connection registry with the given per-source quota.
func NewRegistry(maxPerSource int) *Registry {
	if maxPerSource <= 0 {
		maxPerSource = 4
	}
	return &Registry{
		conns:        make(map[string]*Conn),
		sourceCounts: make(map[string]int),
		maxPerSource: maxPerSource,
		logger:       logger.New(),
	}
}

// OnRename registers a side-table rename listener. Listeners run after the
// rename commits, outside the registry lock, in registration order.
func (r *Registry) OnRename(listener RenameListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// Register inserts a connection under its current registry key. Rejects when
// the source address is at quota. If another connection already occupies the
// key it is closed first: a reconnect always supersedes a stale session.
func (r *Registry) Register(conn *Conn) error {
	key := conn.RegistryKey()

	r.mu.Lock()
	if r.sourceCounts[conn.SourceHost] >= r.maxPerSource {
		r.mu.Unlock()
		return fmt.Errorf("source %s exceeds connection quota of %d", conn.SourceHost, r.maxPerSource)
	}

	// A superseded handle keeps its quota slot until its read loop exits
	// and calls Release.
	prior := r.conns[key]
	r.conns[key] = conn
	r.sourceCounts[conn.SourceHost]++
	r.mu.Unlock()

	if prior != nil {
		r.logger.Warn().
			Str("key", key).
			Str("old_remote", prior.RemoteAddr).
			Str("new_remote", conn.RemoteAddr).
			Msg("Superseding stale connection")
		go prior.Close()
	}

	r.logger.Debug().
		Str("key", key).
		Str("remote", conn.RemoteAddr).
		Msg("Connection registered")

	return nil
}

// Resolve computes the final identity for a pending connection and performs
// the atomic rename: the old slot is vacated, any third-party occupant of
// the new key is closed, and rename listeners propagate the move. A resolve
// to the connection's current identity is a no-op.
func (r *Registry) Resolve(conn *Conn, connector *uint) identity.ChargerID {
	id := identity.ChargerID{Serial: conn.Serial, Connector: connector}
	newKey := id.Key()

	r.mu.Lock()
	oldKey := conn.RegistryKey()
	if oldKey == newKey && conn.Resolved() {
		r.mu.Unlock()
		return id
	}

	var evicted *Conn
	if occupant, ok := r.conns[newKey]; ok && occupant != conn {
		evicted = occupant
	}

	if r.conns[oldKey] == conn {
		delete(r.conns, oldKey)
	}
	r.conns[newKey] = conn
	conn.setIdentity(id, newKey)

	listeners := make([]RenameListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, listener := range listeners {
		listener(oldKey, newKey)
	}

	if evicted != nil {
		r.logger.Warn().
			Str("key", newKey).
			Str("evicted_remote", evicted.RemoteAddr).
			Msg("Closing third-party occupant of resolved identity")
		go evicted.Close()
	}

	r.logger.Debug().
		Str("old_key", oldKey).
		Str("new_key", newKey).
		Msg("Identity resolved")

	return id
}

// Lookup returns the live connection at an identity key, or nil.
func (r *Registry) Lookup(key string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[key]
}

// LookupSerial returns a live connection for a serial, preferring the
// aggregate identity, then any resolved connector, then the pending slot.
func (r *Registry) LookupSerial(serial string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[identity.Aggregate(serial).Key()]; ok {
		return conn
	}
	for _, conn := range r.conns {
		if conn.Serial == serial {
			return conn
		}
	}
	return nil
}

// Release removes the mapping only if conn is still the current occupant,
// guarding against unregistering a newer connection that has since taken
// the slot. The source quota slot is always returned.
func (r *Registry) Release(conn *Conn) {
	key := conn.RegistryKey()

	r.mu.Lock()
	if r.conns[key] == conn {
		delete(r.conns, key)
	}
	if r.sourceCounts[conn.SourceHost] > 0 {
		r.sourceCounts[conn.SourceHost]--
		if r.sourceCounts[conn.SourceHost] == 0 {
			delete(r.sourceCounts, conn.SourceHost)
		}
	}
	r.mu.Unlock()

	r.logger.Debug().
		Str("key", key).
		Str("remote", conn.RemoteAddr).
		Msg("Connection released")
}

// Snapshot returns a copy of the current key → connection mapping.
func (r *Registry) Snapshot() map[string]*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[string]*Conn, len(r.conns))
	for key, conn := range r.conns {
		snapshot[key] = conn
	}
	return snapshot
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
