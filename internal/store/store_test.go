package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voltbridge/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "Failed to open test store")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChargerOperations(t *testing.T) {
	s := newTestStore(t)

	t.Run("UpsertCreatesAndUpdates", func(t *testing.T) {
		c, err := s.UpsertCharger("CP1", "ACME", "Home-7", "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, "CP1", c.Serial)
		assert.Equal(t, "ACME", c.Vendor)
		assert.Equal(t, "online", c.Status)

		c, err = s.UpsertCharger("CP1", "ACME", "Home-7", "1.1.0")
		require.NoError(t, err)
		assert.Equal(t, "1.1.0", c.FirmwareVersion, "Upsert must refresh boot metadata")
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		require.NoError(t, s.UpdateChargerStatus("CP1", "Charging"))

		c, err := s.GetCharger("CP1")
		require.NoError(t, err)
		assert.Equal(t, "Charging", c.Status)
	})

	t.Run("ExportSettings", func(t *testing.T) {
		require.NoError(t, s.SetChargerExport("CP1", true, true, "fwd-1"))

		c, err := s.GetCharger("CP1")
		require.NoError(t, err)
		assert.True(t, c.ExportEnabled)
		assert.True(t, c.RemoteAdminEnabled)
		assert.Equal(t, "fwd-1", c.ForwarderID)
	})

	t.Run("ListExportedChargers", func(t *testing.T) {
		_, err := s.UpsertCharger("CP2", "ACME", "Home-7", "1.0.0")
		require.NoError(t, err)

		exported, err := s.ListExportedChargers()
		require.NoError(t, err)
		require.Len(t, exported, 1, "Only chargers with export flag and forwarder are listed")
		assert.Equal(t, "CP1", exported[0].Serial)

		// A charger exported without a forwarder stays out of the list.
		require.NoError(t, s.SetChargerExport("CP2", true, false, ""))
		exported, err = s.ListExportedChargers()
		require.NoError(t, err)
		assert.Len(t, exported, 1)
	})

	t.Run("GetUnknownCharger", func(t *testing.T) {
		_, err := s.GetCharger("nope")
		assert.Error(t, err)
	})
}

func TestDeleteChargerPurgesDependentRows(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpsertCharger("CP1", "ACME", "Home-7", "1.0.0")
	require.NoError(t, err)
	require.NoError(t, s.RecordCall("abc", "CP1", "Reset", "outbound"))
	require.NoError(t, s.AppendConnectionLog("CP1:1", "connected"))
	require.NoError(t, s.SaveCaptureLog("CP1:1/req-1", "CP1", "req-1", "log body"))

	require.NoError(t, s.DeleteCharger("CP1"))

	_, err = s.GetCharger("CP1")
	assert.Error(t, err, "Charger row must be gone")
	_, err = s.GetCallRecord("abc")
	assert.Error(t, err, "Call log rows must be gone")
	lines, err := s.GetConnectionLog("CP1:1")
	require.NoError(t, err)
	assert.Empty(t, lines, "Connection log rows must be gone")
}

func TestForwarderOperations(t *testing.T) {
	s := newTestStore(t)

	t.Run("RoundTripWithAllowLists", func(t *testing.T) {
		f, err := s.CreateForwarder("aggregator", "node-1",
			[]string{"wss://agg.example.com"},
			[]string{"MeterValues", "StatusNotification"},
			[]string{"TriggerMessage"})
		require.NoError(t, err)

		got, err := s.GetForwarder(f.ID)
		require.NoError(t, err)
		assert.Equal(t, "aggregator", got.Name)
		assert.Equal(t, "node-1", got.NodeID)
		assert.Equal(t, []string{"wss://agg.example.com"}, got.BaseURLs)
		assert.Equal(t, []string{"MeterValues", "StatusNotification"}, got.ForwardedMessages)
		assert.Equal(t, []string{"TriggerMessage"}, got.ForwardedCalls)
		assert.True(t, got.Enabled)
	})

	t.Run("NilAllowListsStayNil", func(t *testing.T) {
		f, err := s.CreateForwarder("open", "node-2", []string{"wss://open.example.com"}, nil, nil)
		require.NoError(t, err)

		got, err := s.GetForwarder(f.ID)
		require.NoError(t, err)
		assert.Nil(t, got.ForwardedMessages, "Nil list means forward everything and must survive the round trip")
		assert.Nil(t, got.ForwardedCalls)
	})

	t.Run("EmptyAllowListsStayEmpty", func(t *testing.T) {
		f, err := s.CreateForwarder("closed", "node-3", []string{"wss://closed.example.com"}, []string{}, []string{})
		require.NoError(t, err)

		got, err := s.GetForwarder(f.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ForwardedMessages, "Empty list means forward nothing and is distinct from nil")
		assert.Empty(t, got.ForwardedMessages)
	})
}

func TestTransactionOperations(t *testing.T) {
	s := newTestStore(t)

	t.Run("CreateAndClose", func(t *testing.T) {
		tx, err := s.CreateTransaction("CP1", 1, "TAG1", "", 120)
		require.NoError(t, err)
		assert.Equal(t, "active", tx.Status)
		assert.Equal(t, 120, tx.MeterStart)
		assert.Nil(t, tx.StoppedAt)

		require.NoError(t, s.CloseTransaction(tx.ID, 540, "completed:Local"))

		tx, err = s.GetTransaction(tx.ID)
		require.NoError(t, err)
		assert.Equal(t, "completed:Local", tx.Status)
		assert.Equal(t, 540, tx.MeterStop)
		assert.NotNil(t, tx.StoppedAt)
	})

	t.Run("StatusByRequest", func(t *testing.T) {
		tx, err := s.CreateTransaction("CP1", 2, "TAG2", "req-9", 0)
		require.NoError(t, err)

		require.NoError(t, s.UpdateTransactionStatusByRequest("req-9", "stopped_remotely"))

		tx, err = s.GetTransaction(tx.ID)
		require.NoError(t, err)
		assert.Equal(t, "stopped_remotely", tx.Status)
	})
}

func TestCallLog(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordCall("abc", "CP1", "Reset", "outbound"))

	t.Run("StartsPending", func(t *testing.T) {
		r, err := s.GetCallRecord("abc")
		require.NoError(t, err)
		assert.Equal(t, "pending", r.Status)
		assert.Equal(t, "Reset", r.Action)
		assert.Equal(t, "outbound", r.Direction)
	})

	t.Run("DuplicateRecordIsNoOp", func(t *testing.T) {
		require.NoError(t, s.RecordCall("abc", "CP1", "Other", "inbound"))

		r, err := s.GetCallRecord("abc")
		require.NoError(t, err)
		assert.Equal(t, "Reset", r.Action, "First insert wins")
	})

	t.Run("OutcomeUpdate", func(t *testing.T) {
		require.NoError(t, s.UpdateCallOutcome("abc", "error", "NotImplemented", "no handler"))

		r, err := s.GetCallRecord("abc")
		require.NoError(t, err)
		assert.Equal(t, "error", r.Status)
		assert.Equal(t, "NotImplemented", r.ErrorCode)
		assert.Equal(t, "no handler", r.ErrorDetail)
	})
}

func TestConnectionLogs(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendConnectionLog("pending/CP1", "connected"))
	require.NoError(t, s.AppendConnectionLog("pending/CP1", "boot received"))
	require.NoError(t, s.AppendConnectionLog("pending/CP2", "connected"))

	t.Run("AppendOrderPreserved", func(t *testing.T) {
		lines, err := s.GetConnectionLog("pending/CP1")
		require.NoError(t, err)
		assert.Equal(t, []string{"connected", "boot received"}, lines)
	})

	t.Run("RenameMovesWholeStream", func(t *testing.T) {
		require.NoError(t, s.RenameConnectionLog("pending/CP1", "CP1:1"))

		lines, err := s.GetConnectionLog("CP1:1")
		require.NoError(t, err)
		assert.Len(t, lines, 2)

		old, err := s.GetConnectionLog("pending/CP1")
		require.NoError(t, err)
		assert.Empty(t, old)

		other, err := s.GetConnectionLog("pending/CP2")
		require.NoError(t, err)
		assert.Len(t, other, 1, "Other streams are untouched")
	})
}

func TestUserOperations(t *testing.T) {
	s := newTestStore(t)

	user, err := s.CreateUser("operator1", "hash-value", "operator")
	require.NoError(t, err)
	assert.NotZero(t, user.ID)
	assert.NotEmpty(t, user.APIKey)
	assert.Equal(t, "operator", user.Role)

	t.Run("LookupByUsername", func(t *testing.T) {
		got, err := s.GetUserByUsername("operator1")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
		assert.Equal(t, "hash-value", got.PasswordHash)
	})

	t.Run("DuplicateUsernameRejected", func(t *testing.T) {
		_, err := s.CreateUser("operator1", "other-hash", "operator")
		assert.Error(t, err)
	})

	t.Run("UnknownUsername", func(t *testing.T) {
		_, err := s.GetUserByUsername("ghost")
		assert.Error(t, err)
	})
}

func TestOpaqueRecords(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateOrUpdate("meter_values", "CP1:1", map[string]interface{}{
		"value": 42.5,
		"unit":  "Wh",
	}))
	require.NoError(t, s.CreateOrUpdate("meter_values", "CP1:1", map[string]interface{}{
		"value": 43.0,
		"unit":  "Wh",
	}))

	fields, err := s.GetRecord("meter_values", "CP1:1")
	require.NoError(t, err)
	assert.Equal(t, 43.0, fields["value"], "Upsert must keep the latest fields")
	assert.Equal(t, "Wh", fields["unit"])
}
