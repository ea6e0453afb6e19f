package broker

import (
	"fmt"

	"github.com/rs/zerolog"

	"voltbridge/internal/logger"
	"voltbridge/internal/protocol"
)

// CallError is the structured rejection a handler returns instead of a
// result payload.
type CallError struct {
	Code        string
	Description string
}

// CallHandler processes one inbound CALL and returns either a result
// payload or a CallError. The dispatcher guarantees exactly one reply per
// CALL regardless of what the handler does.
type CallHandler interface {
	HandleCall(conn *Conn, frame *protocol.Frame) (interface{}, *CallError)
}

// CallHandlerFunc adapts a function to CallHandler.
type CallHandlerFunc func(conn *Conn, frame *protocol.Frame) (interface{}, *CallError)

func (f CallHandlerFunc) HandleCall(conn *Conn, frame *protocol.Frame) (interface{}, *CallError) {
	return f(conn, frame)
}

// ResultHandler processes the outcome of an outbound CALL once its reply
// (or error reply) arrives. Handlers persist domain state and may update
// the call's recorded status.
type ResultHandler interface {
	HandleResult(call *PendingCall, outcome *Outcome)
}

// ResultHandlerFunc adapts a function to ResultHandler.
type ResultHandlerFunc func(call *PendingCall, outcome *Outcome)

func (f ResultHandlerFunc) HandleResult(call *PendingCall, outcome *Outcome) {
	f(call, outcome)
}

// RelayReturn forwards a local charger's reply to a relayed command back to
// the owning forwarding session.
type RelayReturn interface {
	ForwardReply(sessionID string, raw []byte)
}

// Dispatcher routes decoded frames: CALLs to the static action handler
// table, CALLRESULT/CALLERROR through the tracker to per-action result
// handlers. The tables are built once at startup; unknown actions fall
// through to a NotImplemented reply rather than dropping the connection.
type Dispatcher struct {
	tracker        *Tracker
	handlers       map[string]CallHandler
	resultHandlers map[string]ResultHandler
	defaultResult  ResultHandler
	relayReturn    RelayReturn
	onInboundCall  func(conn *Conn, frame *protocol.Frame, raw []byte)
	logger         zerolog.Logger
}

// NewDispatcher creates a dispatcher bound to a tracker.
func NewDispatcher(tracker *Tracker) *Dispatcher {
	return &Dispatcher{
		tracker:        tracker,
		handlers:       make(map[string]CallHandler),
		resultHandlers: make(map[string]ResultHandler),
		logger:         logger.New(),
	}
}

// Handle registers the CALL handler for an action.
func (d *Dispatcher) Handle(action string, handler CallHandler) {
	d.handlers[action] = handler
}

// HandleResult registers the result handler for an outbound action.
func (d *Dispatcher) HandleResult(action string, handler ResultHandler) {
	d.resultHandlers[action] = handler
}

// HandleResultDefault registers the result handler used for outbound
// actions without a dedicated one.
func (d *Dispatcher) HandleResultDefault(handler ResultHandler) {
	d.defaultResult = handler
}

// SetRelayReturn wires the upstream return leg for relay-owned calls.
func (d *Dispatcher) SetRelayReturn(r RelayReturn) {
	d.relayReturn = r
}

// forwardRelayTimeout tells the owning forwarding session that a
// relay-owned call expired, so the upstream peer gets a Timeout error
// reply instead of waiting forever. The relay releases its in-flight
// marker when the frame passes back through ForwardReply.
func (d *Dispatcher) forwardRelayTimeout(call *PendingCall) {
	if d.relayReturn == nil {
		return
	}
	reply := protocol.NewCallError(call.CorrelationID, protocol.ErrTimeout, "call timed out")
	data, err := reply.Encode()
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to encode timeout frame")
		return
	}
	d.relayReturn.ForwardReply(call.RelaySessionID, data)
}

// SetInboundCallObserver wires the hook invoked for every well-formed
// inbound CALL before it is handled. The relay uses it to mirror frames
// upstream verbatim.
func (d *Dispatcher) SetInboundCallObserver(fn func(conn *Conn, frame *protocol.Frame, raw []byte)) {
	d.onInboundCall = fn
}

// HandleFrame processes one raw frame from a connection. Malformed frames
// are logged and dropped; the connection stays open. Frames arriving
// outside the Open state are dropped.
func (d *Dispatcher) HandleFrame(conn *Conn, raw []byte) {
	if conn.State() != StateOpen {
		d.logger.Warn().
			Str("serial", conn.Serial).
			Str("state", conn.State()).
			Msg("Dropping frame received outside open state")
		return
	}

	frame, err := protocol.Decode(raw)
	if err != nil {
		d.logger.Warn().
			Str("serial", conn.Serial).
			Err(err).
			Msg("Dropping malformed frame")
		return
	}

	switch frame.Type {
	case protocol.MessageTypeCall:
		d.handleCall(conn, frame, raw)
	case protocol.MessageTypeCallResult, protocol.MessageTypeCallError:
		d.handleReply(conn, frame, raw)
	}
}

// handleCall routes an inbound request and always sends exactly one reply.
func (d *Dispatcher) handleCall(conn *Conn, frame *protocol.Frame, raw []byte) {
	if d.onInboundCall != nil {
		d.onInboundCall(conn, frame, raw)
	}

	handler, known := d.handlers[frame.Action]
	if !known {
		d.logger.Debug().
			Str("serial", conn.Serial).
			Str("action", frame.Action).
			Msg("No handler for action")
		d.sendError(conn, protocol.NewCallError(frame.ID, protocol.ErrNotImplemented,
			fmt.Sprintf("action %s is not supported", frame.Action)))
		return
	}

	payload, callErr := d.invokeHandler(handler, conn, frame)

	if callErr != nil {
		d.sendError(conn, protocol.NewCallError(frame.ID, callErr.Code, callErr.Description))
		return
	}

	reply, err := protocol.NewCallResult(frame.ID, payload)
	if err != nil {
		d.logger.Error().
			Str("serial", conn.Serial).
			Str("action", frame.Action).
			Err(err).
			Msg("Failed to encode result payload")
		d.sendError(conn, protocol.NewCallError(frame.ID, protocol.ErrInternalError, "failed to encode reply"))
		return
	}

	data, err := reply.Encode()
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to encode reply frame")
		return
	}
	if err := conn.Send(data); err != nil {
		d.logger.Warn().
			Str("serial", conn.Serial).
			Err(err).
			Msg("Failed to send reply")
	}
}

// invokeHandler runs a handler with panic recovery. A panicking handler is
// mapped to a generic internal error and never takes down the connection's
// frame loop.
func (d *Dispatcher) invokeHandler(handler CallHandler, conn *Conn, frame *protocol.Frame) (payload interface{}, callErr *CallError) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("serial", conn.Serial).
				Str("action", frame.Action).
				Interface("panic", r).
				Msg("Handler panicked")
			payload = nil
			callErr = &CallError{Code: protocol.ErrInternalError, Description: "internal handler error"}
		}
	}()
	return handler.HandleCall(conn, frame)
}

// handleReply resolves a CALLRESULT/CALLERROR against the tracker. A reply
// with no matching pending call is a correlation miss: logged and dropped,
// never fatal. Duplicate replies are no-ops because Take is atomic.
func (d *Dispatcher) handleReply(conn *Conn, frame *protocol.Frame, raw []byte) {
	call, ok := d.tracker.Take(frame.ID)
	if !ok {
		d.logger.Warn().
			Str("serial", conn.Serial).
			Str("correlation_id", frame.ID).
			Int("frame_type", frame.Type).
			Msg("Reply without matching pending call - dropping")
		return
	}

	if call.RelaySessionID != "" && d.relayReturn != nil {
		d.relayReturn.ForwardReply(call.RelaySessionID, raw)
	}

	outcome := &Outcome{Call: call}
	if frame.Type == protocol.MessageTypeCallResult {
		outcome.Success = true
		outcome.Payload = frame.Payload
	} else {
		outcome.ErrorCode = frame.ErrorCode
		outcome.ErrorDescription = frame.ErrorDescription
		outcome.ErrorDetails = frame.ErrorDetails
	}

	if handler, exists := d.resultHandlers[call.Action]; exists {
		handler.HandleResult(call, outcome)
	} else if d.defaultResult != nil {
		d.defaultResult.HandleResult(call, outcome)
	}

	d.tracker.RecordOutcome(frame.ID, outcome)

	d.logger.Debug().
		Str("serial", call.Serial).
		Str("correlation_id", frame.ID).
		Str("action", call.Action).
		Bool("success", outcome.Success).
		Msg("Pending call resolved")
}

func (d *Dispatcher) sendError(conn *Conn, frame *protocol.Frame) {
	data, err := frame.Encode()
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to encode error frame")
		return
	}
	if err := conn.Send(data); err != nil {
		d.logger.Warn().
			Str("serial", conn.Serial).
			Err(err).
			Msg("Failed to send error reply")
	}
}
