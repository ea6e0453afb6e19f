package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"voltbridge/internal/identity"
	"voltbridge/internal/protocol"
)

const heartbeatIntervalSeconds = 300

// registerHandlers builds the static action tables. Every inbound handler
// is wrapped so an armed follow-up expectation for its action is consumed
// and linked back to the triggering call.
func (b *Broker) registerHandlers() {
	d := b.dispatcher

	inbound := map[string]CallHandlerFunc{
		protocol.ActionBootNotification:              b.handleBootNotification,
		protocol.ActionHeartbeat:                     b.handleHeartbeat,
		protocol.ActionStatusNotification:            b.handleStatusNotification,
		protocol.ActionAuthorize:                     b.handleAuthorize,
		protocol.ActionStartTransaction:              b.handleStartTransaction,
		protocol.ActionStopTransaction:               b.handleStopTransaction,
		protocol.ActionMeterValues:                   b.handleMeterValues,
		protocol.ActionDataTransfer:                  b.handleDataTransfer,
		protocol.ActionLogStatusNotification:         b.handleLogStatusNotification,
		protocol.ActionFirmwareStatusNotification:    b.notificationRecorder("firmware_status"),
		protocol.ActionDiagnosticsStatusNotification: b.notificationRecorder("diagnostics_status"),
		protocol.ActionSecurityEventNotification:     b.notificationRecorder("security_event"),
	}
	for action, fn := range inbound {
		d.Handle(action, b.withFollowUp(action, fn))
	}

	d.HandleResult(protocol.ActionTriggerMessage, ResultHandlerFunc(b.onTriggerMessageResult))
	d.HandleResult(protocol.ActionRemoteStartTransaction, ResultHandlerFunc(b.onRemoteTxResult))
	d.HandleResult(protocol.ActionRemoteStopTransaction, ResultHandlerFunc(b.onRemoteTxResult))
	d.HandleResult(protocol.ActionGetLog, ResultHandlerFunc(b.onGetLogResult))
	d.HandleResultDefault(ResultHandlerFunc(b.onGenericResult))
}

// withFollowUp consumes a follow-up expectation once the handler accepted
// the message. A successfully fulfilled expectation closes the loop on the
// TriggerMessage that requested it.
func (b *Broker) withFollowUp(action string, fn CallHandlerFunc) CallHandler {
	return CallHandlerFunc(func(conn *Conn, frame *protocol.Frame) (interface{}, *CallError) {
		payload, callErr := fn(conn, frame)
		if callErr == nil {
			id := conn.ChargerID()
			if corr, ok := b.followUps.Take(conn.Serial, id.Connector, action); ok {
				b.logger.Debug().
					Str("serial", conn.Serial).
					Str("action", action).
					Str("trigger_correlation_id", corr).
					Msg("Follow-up message fulfilled")
				if err := b.store.UpdateCallOutcome(corr, "fulfilled", "", ""); err != nil {
					b.logger.Warn().Str("correlation_id", corr).Err(err).Msg("Failed to mark trigger fulfilled")
				}
			}
		}
		return payload, callErr
	})
}

type bootNotificationReq struct {
	ChargePointVendor string `json:"chargePointVendor"`
	ChargePointModel  string `json:"chargePointModel"`
	FirmwareVersion   string `json:"firmwareVersion"`
}

// handleBootNotification is the first useful message from most chargers.
// It resolves the connection's pending identity to the aggregate key and
// upserts the charger record.
func (b *Broker) handleBootNotification(conn *Conn, frame *protocol.Frame) (interface{}, *CallError) {
	var req bootNotificationReq
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return nil, &CallError{Code: protocol.ErrFormationViolation, Description: "invalid BootNotification payload"}
	}

	if _, err := b.store.UpsertCharger(conn.Serial, req.ChargePointVendor, req.ChargePointModel, req.FirmwareVersion); err != nil {
		b.logger.Error().Str("serial", conn.Serial).Err(err).Msg("Failed to upsert charger")
		return nil, &CallError{Code: protocol.ErrInternalError, Description: "failed to register charger"}
	}

	b.registry.Resolve(conn, nil)

	return map[string]interface{}{
		"status":      "Accepted",
		"currentTime": time.Now().UTC().Format(time.RFC3339),
		"interval":    heartbeatIntervalSeconds,
	}, nil
}

func (b *Broker) handleHeartbeat(conn *Conn, frame *protocol.Frame) (interface{}, *CallError) {
	b.registry.Resolve(conn, nil)
	return map[string]interface{}{
		"currentTime": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

type statusNotificationReq struct {
	ConnectorID uint   `json:"connectorId"`
	Status      string `json:"status"`
	ErrorCode   string `json:"errorCode"`
}

// handleStatusNotification resolves per-connector identity: connectorId 0
// reports on the charger as a whole, anything above names a connector.
func (b *Broker) handleStatusNotification(conn *Conn, frame *protocol.Frame) (interface{}, *CallError) {
	var req statusNotificationReq
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return nil, &CallError{Code: protocol.ErrFormationViolation, Description: "invalid StatusNotification payload"}
	}

	if req.ConnectorID > 0 {
		connector := req.ConnectorID
		b.registry.Resolve(conn, &connector)
	} else {
		b.registry.Resolve(conn, nil)
	}

	if err := b.store.UpdateChargerStatus(conn.Serial, req.Status); err != nil {
		b.logger.Warn().Str("serial", conn.Serial).Err(err).Msg("Failed to update charger status")
	}

	return map[string]interface{}{}, nil
}

type authorizeReq struct {
	IDTag string `json:"idTag"`
}

// handleAuthorize accepts every tag. Tag validation belongs to the central
// system this broker fronts; the local answer keeps offline chargers usable.
func (b *Broker) handleAuthorize(conn *Conn, frame *protocol.Frame) (interface{}, *CallError) {
	var req authorizeReq
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return nil, &CallError{Code: protocol.ErrFormationViolation, Description: "invalid Authorize payload"}
	}
	if req.IDTag == "" {
		return nil, &CallError{Code: protocol.ErrPropertyConstraint, Description: "idTag must not be empty"}
	}
	return map[string]interface{}{
		"idTagInfo": map[string]interface{}{"status": "Accepted"},
	}, nil
}

type startTransactionReq struct {
	ConnectorID uint   `json:"connectorId"`
	IDTag       string `json:"idTag"`
	MeterStart  int    `json:"meterStart"`
	Timestamp   string `json:"timestamp"`
}

// handleStartTransaction opens a transaction row. If a RemoteStartTransaction
// was recently accepted for this connector, the transaction is linked to
// that request id so the admin side can correlate cause and effect.
func (b *Broker) handleStartTransaction(conn *Conn, frame *protocol.Frame) (interface{}, *CallError) {
	var req startTransactionReq
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return nil, &CallError{Code: protocol.ErrFormationViolation, Description: "invalid StartTransaction payload"}
	}
	if req.ConnectorID == 0 {
		return nil, &CallError{Code: protocol.ErrPropertyConstraint, Description: "connectorId must be positive"}
	}

	connector := req.ConnectorID
	b.registry.Resolve(conn, &connector)

	requestID := ""
	if corr, action, ok := b.txRequests.Take(conn.Serial, &connector); ok && action == protocol.ActionRemoteStartTransaction {
		requestID = corr
	}

	tx, err := b.store.CreateTransaction(conn.Serial, req.ConnectorID, req.IDTag, requestID, req.MeterStart)
	if err != nil {
		b.logger.Error().Str("serial", conn.Serial).Err(err).Msg("Failed to create transaction")
		return nil, &CallError{Code: protocol.ErrInternalError, Description: "failed to open transaction"}
	}

	return map[string]interface{}{
		"transactionId": tx.ID,
		"idTagInfo":     map[string]interface{}{"status": "Accepted"},
	}, nil
}

type stopTransactionReq struct {
	TransactionID int    `json:"transactionId"`
	MeterStop     int    `json:"meterStop"`
	Reason        string `json:"reason"`
}

func (b *Broker) handleStopTransaction(conn *Conn, frame *protocol.Frame) (interface{}, *CallError) {
	var req stopTransactionReq
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return nil, &CallError{Code: protocol.ErrFormationViolation, Description: "invalid StopTransaction payload"}
	}

	status := "completed"
	if req.Reason != "" {
		status = fmt.Sprintf("completed:%s", req.Reason)
	}
	if err := b.store.CloseTransaction(req.TransactionID, req.MeterStop, status); err != nil {
		b.logger.Warn().
			Str("serial", conn.Serial).
			Int("transaction_id", req.TransactionID).
			Err(err).
			Msg("Failed to close transaction")
	}

	id := conn.ChargerID()
	if corr, action, ok := b.txRequests.Take(conn.Serial, id.Connector); ok && action == protocol.ActionRemoteStopTransaction {
		if err := b.store.UpdateTransactionStatusByRequest(corr, "stopped_remotely"); err != nil {
			b.logger.Warn().Str("correlation_id", corr).Err(err).Msg("Failed to link remote stop")
		}
	}

	return map[string]interface{}{
		"idTagInfo": map[string]interface{}{"status": "Accepted"},
	}, nil
}

func (b *Broker) handleMeterValues(conn *Conn, frame *protocol.Frame) (interface{}, *CallError) {
	var req struct {
		ConnectorID   uint            `json:"connectorId"`
		TransactionID int             `json:"transactionId"`
		MeterValue    json.RawMessage `json:"meterValue"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return nil, &CallError{Code: protocol.ErrFormationViolation, Description: "invalid MeterValues payload"}
	}

	key := fmt.Sprintf("%s:%d", conn.Serial, req.ConnectorID)
	fields := map[string]interface{}{
		"transaction_id": req.TransactionID,
		"samples":        string(req.MeterValue),
		"received_at":    time.Now().UTC().Format(time.RFC3339),
	}
	if err := b.store.CreateOrUpdate("meter_values", key, fields); err != nil {
		b.logger.Warn().Str("serial", conn.Serial).Err(err).Msg("Failed to store meter values")
	}

	return map[string]interface{}{}, nil
}

func (b *Broker) handleDataTransfer(conn *Conn, frame *protocol.Frame) (interface{}, *CallError) {
	var req struct {
		VendorID  string `json:"vendorId"`
		MessageID string `json:"messageId"`
		Data      string `json:"data"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return nil, &CallError{Code: protocol.ErrFormationViolation, Description: "invalid DataTransfer payload"}
	}
	if req.VendorID == "" {
		return nil, &CallError{Code: protocol.ErrPropertyConstraint, Description: "vendorId must not be empty"}
	}

	key := fmt.Sprintf("%s:%s:%s", conn.Serial, req.VendorID, req.MessageID)
	fields := map[string]interface{}{
		"data":        req.Data,
		"received_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := b.store.CreateOrUpdate("data_transfer", key, fields); err != nil {
		b.logger.Warn().Str("serial", conn.Serial).Err(err).Msg("Failed to store data transfer")
	}

	return map[string]interface{}{"status": "Accepted"}, nil
}

type logStatusReq struct {
	Status    string `json:"status"`
	RequestID string `json:"requestId"`
}

// handleLogStatusNotification drives log capture sessions opened by GetLog.
// Progress updates append to the capture; a terminal status finalizes and
// persists it.
func (b *Broker) handleLogStatusNotification(conn *Conn, frame *protocol.Frame) (interface{}, *CallError) {
	var req logStatusReq
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return nil, &CallError{Code: protocol.ErrFormationViolation, Description: "invalid LogStatusNotification payload"}
	}

	session := b.captures.FindByRequest(conn.Serial, req.RequestID)
	if session == nil {
		b.logger.Debug().
			Str("serial", conn.Serial).
			Str("request_id", req.RequestID).
			Msg("Log status without an active capture")
		return map[string]interface{}{}, nil
	}

	line := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), req.Status)
	if err := b.captures.Append(session.Key, line); err != nil {
		b.logger.Warn().Str("capture_key", session.Key).Err(err).Msg("Failed to append capture fragment")
	}

	switch req.Status {
	case "Uploaded", "UploadFailure", "PermissionDenied", "BadMessage", "NotSupportedOperation":
		if err := b.captures.Finalize(session.Key); err != nil {
			b.logger.Warn().Str("capture_key", session.Key).Err(err).Msg("Failed to finalize capture")
		}
	}

	return map[string]interface{}{}, nil
}

// notificationRecorder builds a handler that stores an opaque status
// notification under the given kind and acknowledges with an empty result.
func (b *Broker) notificationRecorder(kind string) CallHandlerFunc {
	return func(conn *Conn, frame *protocol.Frame) (interface{}, *CallError) {
		fields := map[string]interface{}{
			"payload":     string(frame.Payload),
			"received_at": time.Now().UTC().Format(time.RFC3339),
		}
		if err := b.store.CreateOrUpdate(kind, conn.Serial, fields); err != nil {
			b.logger.Warn().Str("serial", conn.Serial).Str("kind", kind).Err(err).Msg("Failed to store notification")
		}
		return map[string]interface{}{}, nil
	}
}

type acceptedStatus struct {
	Status string `json:"status"`
}

// onTriggerMessageResult arms a follow-up expectation when the charger
// accepted the trigger. The requested action travels in the call's Extra.
func (b *Broker) onTriggerMessageResult(call *PendingCall, outcome *Outcome) {
	b.persistOutcome(call, outcome)
	if !outcome.Success {
		return
	}

	var res acceptedStatus
	if err := json.Unmarshal(outcome.Payload, &res); err != nil || res.Status != "Accepted" {
		return
	}

	requested, _ := call.Extra["requested_action"].(string)
	if requested == "" {
		return
	}
	b.followUps.Arm(call.Serial, call.Connector, requested, call.CorrelationID)
	b.logger.Debug().
		Str("serial", call.Serial).
		Str("requested_action", requested).
		Msg("Follow-up expectation armed")
}

// onRemoteTxResult arms the transaction request ledger when the charger
// accepted a remote start or stop, so the eventual StartTransaction or
// StopTransaction can be linked back to the command.
func (b *Broker) onRemoteTxResult(call *PendingCall, outcome *Outcome) {
	b.persistOutcome(call, outcome)
	if !outcome.Success {
		return
	}

	var res acceptedStatus
	if err := json.Unmarshal(outcome.Payload, &res); err != nil || res.Status != "Accepted" {
		return
	}
	b.txRequests.Arm(call.Serial, call.Connector, call.Action, call.CorrelationID)
}

// onGetLogResult opens a capture session for an accepted log request.
func (b *Broker) onGetLogResult(call *PendingCall, outcome *Outcome) {
	b.persistOutcome(call, outcome)
	if !outcome.Success {
		return
	}

	var res acceptedStatus
	if err := json.Unmarshal(outcome.Payload, &res); err != nil {
		return
	}
	if res.Status != "Accepted" && res.Status != "AcceptedCanceled" {
		return
	}

	requestID, _ := call.Extra["request_id"].(string)
	if requestID == "" {
		return
	}

	id := identity.Aggregate(call.Serial)
	if call.Connector != nil {
		id = identity.ForConnector(call.Serial, *call.Connector)
	}
	key := b.captures.StartCapture(id, requestID)
	b.logger.Info().
		Str("serial", call.Serial).
		Str("request_id", requestID).
		Str("capture_key", key).
		Msg("Log capture started")
}

func (b *Broker) onGenericResult(call *PendingCall, outcome *Outcome) {
	b.persistOutcome(call, outcome)
}

func (b *Broker) persistOutcome(call *PendingCall, outcome *Outcome) {
	status := "success"
	if !outcome.Success {
		status = "error"
	}
	detail := outcome.ErrorDescription
	if err := b.store.UpdateCallOutcome(call.CorrelationID, status, outcome.ErrorCode, detail); err != nil {
		b.logger.Warn().Str("correlation_id", call.CorrelationID).Err(err).Msg("Failed to persist call outcome")
	}
}
