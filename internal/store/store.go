package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Charger is the persisted record for one charge point.
type Charger struct {
	ID                 int       `json:"id"`
	Serial             string    `json:"serial"`
	Name               string    `json:"name"`
	Vendor             string    `json:"vendor"`
	Model              string    `json:"model"`
	FirmwareVersion    string    `json:"firmware_version"`
	Status             string    `json:"status"`
	RemoteAdminEnabled bool      `json:"remote_admin_enabled"`
	ExportEnabled      bool      `json:"export_enabled"`
	ForwarderID        string    `json:"forwarder_id"`
	LastSeen           time.Time `json:"last_seen"`
	CreatedAt          time.Time `json:"created_at"`
}

// Forwarder is the configuration record for one remote aggregator target.
// Nil message/call lists mean "forward everything".
type Forwarder struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	NodeID            string   `json:"node_id"`
	BaseURLs          []string `json:"base_urls"`
	ForwardedMessages []string `json:"forwarded_messages"`
	ForwardedCalls    []string `json:"forwarded_calls"`
	Enabled           bool     `json:"enabled"`
}

// Transaction is one charging session, opened by StartTransaction and
// closed by StopTransaction.
type Transaction struct {
	ID            int        `json:"id"`
	Serial        string     `json:"serial"`
	Connector     uint       `json:"connector"`
	IDTag         string     `json:"id_tag"`
	Status        string     `json:"status"`
	RequestID     string     `json:"request_id"`
	MeterStart    int        `json:"meter_start"`
	MeterStop     int        `json:"meter_stop"`
	StartedAt     time.Time  `json:"started_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
}

// CallRecord is the audit row for one correlation id.
type CallRecord struct {
	CorrelationID string    `json:"correlation_id"`
	Serial        string    `json:"serial"`
	Action        string    `json:"action"`
	Direction     string    `json:"direction"`
	Status        string    `json:"status"`
	ErrorCode     string    `json:"error_code"`
	ErrorDetail   string    `json:"error_detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// User is an operator or charger credential record.
type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	APIKey       string    `json:"api_key"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store handles SQLite database operations
type Store struct {
	db *sql.DB
}

// Open creates a new database connection and initializes the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chargers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			serial TEXT UNIQUE NOT NULL,
			name TEXT,
			vendor TEXT,
			model TEXT,
			firmware_version TEXT,
			status TEXT DEFAULT 'offline',
			remote_admin_enabled INTEGER DEFAULT 0,
			export_enabled INTEGER DEFAULT 0,
			forwarder_id TEXT,
			last_seen DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS forwarders (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			node_id TEXT NOT NULL,
			base_urls TEXT NOT NULL, -- JSON array
			forwarded_messages TEXT, -- JSON array, NULL means all
			forwarded_calls TEXT,    -- JSON array, NULL means all
			enabled INTEGER DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			serial TEXT NOT NULL,
			connector INTEGER NOT NULL,
			id_tag TEXT,
			status TEXT DEFAULT 'active',
			request_id TEXT,
			meter_start INTEGER DEFAULT 0,
			meter_stop INTEGER DEFAULT 0,
			started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			stopped_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS call_log (
			correlation_id TEXT PRIMARY KEY,
			serial TEXT NOT NULL,
			action TEXT NOT NULL,
			direction TEXT NOT NULL,
			status TEXT DEFAULT 'pending',
			error_code TEXT,
			error_detail TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS connection_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			log_key TEXT NOT NULL,
			line TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS capture_logs (
			capture_key TEXT PRIMARY KEY,
			serial TEXT NOT NULL,
			request_id TEXT NOT NULL,
			content TEXT NOT NULL,
			finalized_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			kind TEXT NOT NULL,
			key TEXT NOT NULL,
			fields TEXT NOT NULL, -- JSON object
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (kind, key)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			api_key TEXT UNIQUE NOT NULL,
			role TEXT DEFAULT 'charger',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_serial ON transactions(serial)`,
		`CREATE INDEX IF NOT EXISTS idx_call_log_serial ON call_log(serial)`,
		`CREATE INDEX IF NOT EXISTS idx_connection_logs_key ON connection_logs(log_key)`,
		`CREATE INDEX IF NOT EXISTS idx_chargers_serial ON chargers(serial)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// CreateOrUpdate writes an opaque record for external collaborators. The
// broker treats kind/key/fields as uninterpreted data.
func (s *Store) CreateOrUpdate(kind, key string, fields map[string]interface{}) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal record fields: %w", err)
	}

	query := `INSERT INTO records (kind, key, fields, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			  ON CONFLICT(kind, key) DO UPDATE SET fields = excluded.fields, updated_at = CURRENT_TIMESTAMP`
	if _, err := s.db.Exec(query, kind, key, string(fieldsJSON)); err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

// GetRecord reads back an opaque record.
func (s *Store) GetRecord(kind, key string) (map[string]interface{}, error) {
	var fieldsJSON string
	err := s.db.QueryRow(`SELECT fields FROM records WHERE kind = ? AND key = ?`, kind, key).Scan(&fieldsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record fields: %w", err)
	}
	return fields, nil
}

// Charger operations

// UpsertCharger creates the charger row on first contact and refreshes boot
// metadata on every subsequent BootNotification.
func (s *Store) UpsertCharger(serial, vendor, model, firmware string) (*Charger, error) {
	query := `INSERT INTO chargers (serial, vendor, model, firmware_version, status, last_seen)
			  VALUES (?, ?, ?, ?, 'online', CURRENT_TIMESTAMP)
			  ON CONFLICT(serial) DO UPDATE SET
				vendor = excluded.vendor,
				model = excluded.model,
				firmware_version = excluded.firmware_version,
				status = 'online',
				last_seen = CURRENT_TIMESTAMP`
	if _, err := s.db.Exec(query, serial, vendor, model, firmware); err != nil {
		return nil, fmt.Errorf("failed to upsert charger: %w", err)
	}
	return s.GetCharger(serial)
}

func (s *Store) GetCharger(serial string) (*Charger, error) {
	query := `SELECT id, serial, COALESCE(name, ''), COALESCE(vendor, ''), COALESCE(model, ''),
					 COALESCE(firmware_version, ''), status, remote_admin_enabled, export_enabled,
					 COALESCE(forwarder_id, ''), last_seen, created_at
			  FROM chargers WHERE serial = ?`

	var c Charger
	var lastSeen sql.NullTime
	err := s.db.QueryRow(query, serial).Scan(
		&c.ID, &c.Serial, &c.Name, &c.Vendor, &c.Model, &c.FirmwareVersion,
		&c.Status, &c.RemoteAdminEnabled, &c.ExportEnabled, &c.ForwarderID,
		&lastSeen, &c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get charger: %w", err)
	}
	if lastSeen.Valid {
		c.LastSeen = lastSeen.Time
	} else {
		c.LastSeen = c.CreatedAt
	}
	return &c, nil
}

// ListExportedChargers returns chargers flagged for relay export with a
// configured forwarder.
func (s *Store) ListExportedChargers() ([]*Charger, error) {
	query := `SELECT id, serial, COALESCE(name, ''), COALESCE(vendor, ''), COALESCE(model, ''),
					 COALESCE(firmware_version, ''), status, remote_admin_enabled, export_enabled,
					 COALESCE(forwarder_id, ''), last_seen, created_at
			  FROM chargers WHERE export_enabled = 1 AND forwarder_id IS NOT NULL AND forwarder_id != ''`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query exported chargers: %w", err)
	}
	defer rows.Close()

	var chargers []*Charger
	for rows.Next() {
		var c Charger
		var lastSeen sql.NullTime
		err := rows.Scan(
			&c.ID, &c.Serial, &c.Name, &c.Vendor, &c.Model, &c.FirmwareVersion,
			&c.Status, &c.RemoteAdminEnabled, &c.ExportEnabled, &c.ForwarderID,
			&lastSeen, &c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan charger: %w", err)
		}
		if lastSeen.Valid {
			c.LastSeen = lastSeen.Time
		} else {
			c.LastSeen = c.CreatedAt
		}
		chargers = append(chargers, &c)
	}
	return chargers, nil
}

func (s *Store) UpdateChargerStatus(serial, status string) error {
	query := `UPDATE chargers SET status = ?, last_seen = CURRENT_TIMESTAMP WHERE serial = ?`
	if _, err := s.db.Exec(query, status, serial); err != nil {
		return fmt.Errorf("failed to update charger status: %w", err)
	}
	return nil
}

// SetChargerExport configures relay export for a charger.
func (s *Store) SetChargerExport(serial string, exportEnabled, remoteAdmin bool, forwarderID string) error {
	query := `UPDATE chargers SET export_enabled = ?, remote_admin_enabled = ?, forwarder_id = ? WHERE serial = ?`
	if _, err := s.db.Exec(query, exportEnabled, remoteAdmin, forwarderID, serial); err != nil {
		return fmt.Errorf("failed to update charger export settings: %w", err)
	}
	return nil
}

// DeleteCharger purges the charger row and its dependent log rows.
func (s *Store) DeleteCharger(serial string) error {
	for _, query := range []string{
		`DELETE FROM connection_logs WHERE log_key LIKE ? || '%'`,
		`DELETE FROM capture_logs WHERE serial = ?`,
		`DELETE FROM call_log WHERE serial = ?`,
		`DELETE FROM chargers WHERE serial = ?`,
	} {
		if _, err := s.db.Exec(query, serial); err != nil {
			return fmt.Errorf("failed to purge charger: %w", err)
		}
	}
	return nil
}

// Forwarder operations

func (s *Store) CreateForwarder(name, nodeID string, baseURLs, forwardedMessages, forwardedCalls []string) (*Forwarder, error) {
	id := uuid.New().String()

	urlsJSON, err := json.Marshal(baseURLs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal base urls: %w", err)
	}

	messagesJSON, err := marshalNullable(forwardedMessages)
	if err != nil {
		return nil, err
	}
	callsJSON, err := marshalNullable(forwardedCalls)
	if err != nil {
		return nil, err
	}

	query := `INSERT INTO forwarders (id, name, node_id, base_urls, forwarded_messages, forwarded_calls) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.Exec(query, id, name, nodeID, string(urlsJSON), messagesJSON, callsJSON); err != nil {
		return nil, fmt.Errorf("failed to create forwarder: %w", err)
	}

	return s.GetForwarder(id)
}

func (s *Store) GetForwarder(id string) (*Forwarder, error) {
	query := `SELECT id, name, node_id, base_urls, forwarded_messages, forwarded_calls, enabled FROM forwarders WHERE id = ?`

	var f Forwarder
	var urlsJSON string
	var messagesJSON, callsJSON sql.NullString
	err := s.db.QueryRow(query, id).Scan(&f.ID, &f.Name, &f.NodeID, &urlsJSON, &messagesJSON, &callsJSON, &f.Enabled)
	if err != nil {
		return nil, fmt.Errorf("failed to get forwarder: %w", err)
	}

	if err := json.Unmarshal([]byte(urlsJSON), &f.BaseURLs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal base urls: %w", err)
	}
	if f.ForwardedMessages, err = unmarshalNullable(messagesJSON); err != nil {
		return nil, err
	}
	if f.ForwardedCalls, err = unmarshalNullable(callsJSON); err != nil {
		return nil, err
	}
	return &f, nil
}

// Transaction operations

func (s *Store) CreateTransaction(serial string, connector uint, idTag, requestID string, meterStart int) (*Transaction, error) {
	query := `INSERT INTO transactions (serial, connector, id_tag, request_id, meter_start) VALUES (?, ?, ?, ?, ?)`
	result, err := s.db.Exec(query, serial, connector, idTag, requestID, meterStart)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction ID: %w", err)
	}
	return s.GetTransaction(int(id))
}

func (s *Store) GetTransaction(id int) (*Transaction, error) {
	query := `SELECT id, serial, connector, COALESCE(id_tag, ''), status, COALESCE(request_id, ''),
					 meter_start, meter_stop, started_at, stopped_at
			  FROM transactions WHERE id = ?`

	var tx Transaction
	var stoppedAt sql.NullTime
	err := s.db.QueryRow(query, id).Scan(
		&tx.ID, &tx.Serial, &tx.Connector, &tx.IDTag, &tx.Status, &tx.RequestID,
		&tx.MeterStart, &tx.MeterStop, &tx.StartedAt, &stoppedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if stoppedAt.Valid {
		tx.StoppedAt = &stoppedAt.Time
	}
	return &tx, nil
}

func (s *Store) CloseTransaction(id, meterStop int, status string) error {
	query := `UPDATE transactions SET status = ?, meter_stop = ?, stopped_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := s.db.Exec(query, status, meterStop, id); err != nil {
		return fmt.Errorf("failed to close transaction: %w", err)
	}
	return nil
}

// UpdateTransactionStatusByRequest records the terminal status of the
// start/stop request that originated a transaction.
func (s *Store) UpdateTransactionStatusByRequest(requestID, status string) error {
	query := `UPDATE transactions SET status = ? WHERE request_id = ?`
	if _, err := s.db.Exec(query, status, requestID); err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	return nil
}

// Call log operations

func (s *Store) RecordCall(correlationID, serial, action, direction string) error {
	query := `INSERT INTO call_log (correlation_id, serial, action, direction) VALUES (?, ?, ?, ?)
			  ON CONFLICT(correlation_id) DO NOTHING`
	if _, err := s.db.Exec(query, correlationID, serial, action, direction); err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}
	return nil
}

func (s *Store) UpdateCallOutcome(correlationID, status, errorCode, errorDetail string) error {
	query := `UPDATE call_log SET status = ?, error_code = ?, error_detail = ? WHERE correlation_id = ?`
	if _, err := s.db.Exec(query, status, errorCode, errorDetail, correlationID); err != nil {
		return fmt.Errorf("failed to update call outcome: %w", err)
	}
	return nil
}

func (s *Store) GetCallRecord(correlationID string) (*CallRecord, error) {
	query := `SELECT correlation_id, serial, action, direction, status,
					 COALESCE(error_code, ''), COALESCE(error_detail, ''), created_at
			  FROM call_log WHERE correlation_id = ?`

	var r CallRecord
	err := s.db.QueryRow(query, correlationID).Scan(
		&r.CorrelationID, &r.Serial, &r.Action, &r.Direction, &r.Status,
		&r.ErrorCode, &r.ErrorDetail, &r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return &r, nil
}

// Connection log operations

// AppendConnectionLog appends one line to a connection's log stream.
func (s *Store) AppendConnectionLog(logKey, line string) error {
	query := `INSERT INTO connection_logs (log_key, line) VALUES (?, ?)`
	if _, err := s.db.Exec(query, logKey, line); err != nil {
		return fmt.Errorf("failed to append connection log: %w", err)
	}
	return nil
}

// RenameConnectionLog moves an entire log stream to a new key so history
// survives an identity resolve.
func (s *Store) RenameConnectionLog(oldKey, newKey string) error {
	query := `UPDATE connection_logs SET log_key = ? WHERE log_key = ?`
	if _, err := s.db.Exec(query, newKey, oldKey); err != nil {
		return fmt.Errorf("failed to rename connection log: %w", err)
	}
	return nil
}

// GetConnectionLog returns a log stream's lines in append order.
func (s *Store) GetConnectionLog(logKey string) ([]string, error) {
	rows, err := s.db.Query(`SELECT line FROM connection_logs WHERE log_key = ? ORDER BY id`, logKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection log: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("failed to scan log line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// SaveCaptureLog persists a finalized log-capture buffer.
func (s *Store) SaveCaptureLog(captureKey, serial, requestID, content string) error {
	query := `INSERT INTO capture_logs (capture_key, serial, request_id, content) VALUES (?, ?, ?, ?)
			  ON CONFLICT(capture_key) DO NOTHING`
	if _, err := s.db.Exec(query, captureKey, serial, requestID, content); err != nil {
		return fmt.Errorf("failed to save capture log: %w", err)
	}
	return nil
}

// User operations

func (s *Store) CreateUser(username, passwordHash, role string) (*User, error) {
	apiKey := uuid.New().String()

	query := `INSERT INTO users (username, password_hash, api_key, role) VALUES (?, ?, ?, ?)`
	result, err := s.db.Exec(query, username, passwordHash, apiKey, role)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user ID: %w", err)
	}
	return s.getUser(int(id))
}

func (s *Store) getUser(id int) (*User, error) {
	query := `SELECT id, username, password_hash, api_key, role, created_at FROM users WHERE id = ?`

	var u User
	err := s.db.QueryRow(query, id).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.APIKey, &u.Role, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUserByUsername(username string) (*User, error) {
	query := `SELECT id, username, password_hash, api_key, role, created_at FROM users WHERE username = ?`

	var u User
	err := s.db.QueryRow(query, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.APIKey, &u.Role, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}
	return &u, nil
}

func marshalNullable(list []string) (interface{}, error) {
	if list == nil {
		return nil, nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal list: %w", err)
	}
	return string(data), nil
}

func unmarshalNullable(value sql.NullString) ([]string, error) {
	if !value.Valid {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(value.String), &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal list: %w", err)
	}
	return list, nil
}
