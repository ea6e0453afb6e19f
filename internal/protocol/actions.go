package protocol

// Charge-point-originated actions (inbound CALLs).
const (
	ActionBootNotification              = "BootNotification"
	ActionHeartbeat                     = "Heartbeat"
	ActionStatusNotification            = "StatusNotification"
	ActionAuthorize                     = "Authorize"
	ActionStartTransaction              = "StartTransaction"
	ActionStopTransaction               = "StopTransaction"
	ActionMeterValues                   = "MeterValues"
	ActionDataTransfer                  = "DataTransfer"
	ActionLogStatusNotification         = "LogStatusNotification"
	ActionFirmwareStatusNotification    = "FirmwareStatusNotification"
	ActionDiagnosticsStatusNotification = "DiagnosticsStatusNotification"
	ActionSecurityEventNotification     = "SecurityEventNotification"
)

// Broker-originated actions (outbound CALLs toward chargers).
const (
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
	ActionTriggerMessage         = "TriggerMessage"
	ActionGetLog                 = "GetLog"
	ActionReset                  = "Reset"
	ActionUnlockConnector        = "UnlockConnector"
	ActionChangeConfiguration    = "ChangeConfiguration"
	ActionGetConfiguration       = "GetConfiguration"
	ActionChangeAvailability     = "ChangeAvailability"
	ActionClearCache             = "ClearCache"
	ActionUpdateFirmware         = "UpdateFirmware"
)

// Subprotocol identifiers negotiated at accept time. The negotiated value
// selects the action vocabulary a connection speaks.
const (
	SubprotocolOCPP16  = "ocpp1.6"
	SubprotocolOCPP201 = "ocpp2.0.1"
)

// SupportedSubprotocols lists negotiable versions in preference order.
var SupportedSubprotocols = []string{SubprotocolOCPP16, SubprotocolOCPP201}

// IsSupportedSubprotocol reports whether the broker speaks the given version.
func IsSupportedSubprotocol(name string) bool {
	for _, s := range SupportedSubprotocols {
		if s == name {
			return true
		}
	}
	return false
}
