package identity

import "fmt"

// ChargerID addresses one registered charge-point connection. Serial is the
// station serial reported by the charger; Connector selects one physical
// outlet. A nil Connector is the aggregate identity for the whole station.
//
// A connection whose connector is not yet known must be addressed through
// Pending(), never through the aggregate key, so two unresolved connections
// for the same serial cannot collide before first use.
type ChargerID struct {
	Serial    string
	Connector *uint
}

// Aggregate returns the whole-station identity for a serial.
func Aggregate(serial string) ChargerID {
	return ChargerID{Serial: serial}
}

// ForConnector returns the identity of a single outlet.
func ForConnector(serial string, connector uint) ChargerID {
	return ChargerID{Serial: serial, Connector: &connector}
}

// Key returns the stable registry key for this identity.
func (c ChargerID) Key() string {
	if c.Connector == nil {
		return c.Serial
	}
	return fmt.Sprintf("%s:%d", c.Serial, *c.Connector)
}

// PendingKey returns the registry key used while the connector is still
// unknown. It lives in a separate namespace from Key() output: serials may
// not contain "/" on the wire, so "pending/" cannot collide with a resolved
// or aggregate key.
func PendingKey(serial string) string {
	return "pending/" + serial
}

// IsAggregate reports whether this identity addresses the whole station.
func (c ChargerID) IsAggregate() bool {
	return c.Connector == nil
}

// Equal reports whether two identities address the same slot.
func (c ChargerID) Equal(other ChargerID) bool {
	if c.Serial != other.Serial {
		return false
	}
	if (c.Connector == nil) != (other.Connector == nil) {
		return false
	}
	return c.Connector == nil || *c.Connector == *other.Connector
}

// String implements fmt.Stringer for log fields.
func (c ChargerID) String() string {
	return c.Key()
}
