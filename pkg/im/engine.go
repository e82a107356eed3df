package im

import (
	"bytes"
	"sync"
	"time"

	"github.com/mattergrid/node/pkg/acl"
	"github.com/mattergrid/node/pkg/exchange"
	"github.com/mattergrid/node/pkg/fabric"
	imsg "github.com/mattergrid/node/pkg/im/message"
	"github.com/mattergrid/node/pkg/message"
	"github.com/mattergrid/node/pkg/tlv"
	"github.com/pion/logging"
)

// sessionIdentity is implemented by session.SecureContext. Checked via type
// assertion since exchange.SessionContext only guarantees MRP timing; group
// and unsecured sessions don't carry a fabric-scoped identity.
type sessionIdentity interface {
	FabricIndex() fabric.FabricIndex
	PeerNodeID() fabric.NodeID
}

// identityFromExchange extracts the accessing fabric index and peer node ID
// from the exchange's underlying session, if it carries one.
func identityFromExchange(ctx *exchange.ExchangeContext) (fabricIndex uint8, sourceNodeID uint64) {
	if ctx == nil {
		return 0, 0
	}
	sess := ctx.Session()
	if id, ok := sess.(sessionIdentity); ok {
		return uint8(id.FabricIndex()), uint64(id.PeerNodeID())
	}
	return 0, 0
}

// ProtocolID is the Interaction Model protocol ID.
// Spec: Section 10.2.1
const ProtocolID message.ProtocolID = 0x0001

// Engine is the Interaction Model engine.
// It implements exchange.ExchangeDelegate for the IM protocol.
//
// This engine supports:
//   - ReadRequest → ReportData
//   - WriteRequest → WriteResponse, including chunked writes and timed writes
//   - InvokeRequest → InvokeResponse, including timed invokes
//   - SubscribeRequest → ReportData + SubscribeResponse, via SubscribeDelegate
//   - TimedRequest → StatusResponse
//   - StatusResponse (for chunked flows)
//
// Spec Reference: Chapter 8 "Interaction Model Specification"
// C++ Reference: src/app/InteractionModelEngine.cpp
type Engine struct {
	// dispatcher routes operations to clusters
	dispatcher Dispatcher

	// aclChecker performs access control checks (optional)
	aclChecker *acl.Checker

	// subscribeDelegate handles SubscribeRequest on behalf of the engine.
	// nil means subscriptions are rejected with StatusUnsupportedAccess.
	subscribeDelegate SubscribeDelegate

	// Handlers (pooled for reuse)
	readHandler   *ReadHandler
	writeHandler  *WriteHandler
	invokeHandler *InvokeHandler

	// maxPayload for chunked responses
	maxPayload int

	log logging.LeveledLogger

	mu sync.Mutex
}

// SubscribeDelegate processes an incoming SubscribeRequestMessage on an
// exchange and produces the initial priming report plus subscribe response.
// Implemented by the subscription engine; kept as an interface here so this
// package has no dependency on subscription bookkeeping.
type SubscribeDelegate interface {
	HandleSubscribeRequest(
		exchCtx *exchange.ExchangeContext,
		req *imsg.SubscribeRequestMessage,
		fabricIndex uint8,
		sourceNodeID uint64,
	) error
}

// EngineConfig configures the Engine.
type EngineConfig struct {
	// Dispatcher routes operations to cluster implementations.
	// Required.
	Dispatcher Dispatcher

	// ACLChecker performs access control checks.
	// Optional - if nil, ACL checks are skipped.
	ACLChecker *acl.Checker

	// MaxPayload is the maximum payload size for responses.
	// Defaults to DefaultMaxPayload if 0.
	MaxPayload int

	// SubscribeDelegate handles SubscribeRequest messages.
	// Optional - if nil, subscriptions are rejected.
	SubscribeDelegate SubscribeDelegate

	// MaxPathsPerInvoke bounds InvokeRequestMessage path counts.
	// Defaults to session.DefaultMaxPathsPerInvoke if 0.
	MaxPathsPerInvoke uint16

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// SetSubscribeDelegate wires the subscription engine in after construction,
// for the common case where the subscription engine itself needs a
// reference to the IM engine (e.g. to send reports) and so cannot be built
// before NewEngine returns.
func (e *Engine) SetSubscribeDelegate(d SubscribeDelegate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribeDelegate = d
}

// NewEngine creates a new IM engine.
func NewEngine(config EngineConfig) *Engine {
	maxPayload := config.MaxPayload
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}

	dispatcher := config.Dispatcher
	if dispatcher == nil {
		dispatcher = NullDispatcher{}
	}

	invokeHandler := NewInvokeHandler(nil, maxPayload) // Handler set per-request
	invokeHandler.SetMaxPathsPerInvoke(config.MaxPathsPerInvoke)

	e := &Engine{
		dispatcher:        dispatcher,
		aclChecker:        config.ACLChecker,
		subscribeDelegate: config.SubscribeDelegate,
		maxPayload:        maxPayload,
		readHandler:       NewReadHandler(nil, maxPayload), // Reader set per-request
		writeHandler:      NewWriteHandler(dispatcher),
		invokeHandler:     invokeHandler,
	}

	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("im")
	}

	return e
}

// OnMessage implements exchange.ExchangeDelegate.
// This is the main entry point for IM messages.
//
// The engine sends responses directly via ctx.SendMessage with the correct
// response opcode (matching the C++ SDK architecture), then returns (nil, nil)
// so the exchange layer doesn't send again.
//
// Spec: 8.2.4 "Action" - defines valid opcodes
// C++ Reference: InteractionModelEngine::OnMessageReceived
func (e *Engine) OnMessage(
	ctx *exchange.ExchangeContext,
	header *message.ProtocolHeader,
	payload []byte,
) ([]byte, error) {
	opcode := imsg.Opcode(header.ProtocolOpcode)

	var responsePayload []byte
	var responseOpcode imsg.Opcode
	var err error

	switch opcode {
	case imsg.OpcodeReadRequest:
		responsePayload, err = e.handleReadRequest(ctx, payload)
		responseOpcode = imsg.OpcodeReportData

	case imsg.OpcodeWriteRequest:
		responsePayload, err = e.handleWriteRequest(ctx, payload)
		responseOpcode = imsg.OpcodeWriteResponse

	case imsg.OpcodeInvokeRequest:
		responsePayload, err = e.handleInvokeRequest(ctx, payload)
		responseOpcode = imsg.OpcodeInvokeResponse

	case imsg.OpcodeStatusResponse:
		// StatusResponse handling may return different response types
		return e.handleStatusResponse(ctx, payload)

	case imsg.OpcodeSubscribeRequest:
		// SubscribeRequest replies are driven entirely by the subscribe
		// delegate (priming report + SubscribeResponse, or a failure
		// status); the engine itself sends nothing further here.
		return nil, e.handleSubscribeRequest(ctx, payload)

	case imsg.OpcodeTimedRequest:
		responsePayload, err = e.handleTimedRequest(ctx, payload)
		responseOpcode = imsg.OpcodeStatusResponse

	default:
		responsePayload, _ = e.encodeStatusResponse(imsg.StatusInvalidAction)
		responseOpcode = imsg.OpcodeStatusResponse
	}

	if err != nil {
		return nil, err
	}

	// No response to send (e.g., SuppressResponse was set)
	if responsePayload == nil {
		return nil, nil
	}

	// If context is nil (unit tests), return payload directly for verification
	if ctx == nil {
		return responsePayload, nil
	}

	// Send response directly with correct opcode
	// C++ Reference: CommandResponseSender::SendCommandResponse calls
	// mExchangeCtx->SendMessage(MsgType::InvokeCommandResponse, ...)
	if sendErr := ctx.SendMessage(uint8(responseOpcode), responsePayload, true); sendErr != nil {
		return nil, sendErr
	}

	// Return nil so exchange layer doesn't send again
	return nil, nil
}

// ExchangeCloseListener is implemented by a SubscribeDelegate that needs to
// learn when an exchange carrying one of its subscriptions closes (peer
// disconnect, session loss, idle timeout), so it can stop reporting on it.
type ExchangeCloseListener interface {
	HandleExchangeClosed(exchCtx *exchange.ExchangeContext)
}

// OnClose implements exchange.ExchangeDelegate.
func (e *Engine) OnClose(ctx *exchange.ExchangeContext) {
	e.mu.Lock()
	// Reset handlers if they were active on this exchange
	e.readHandler.Reset()
	e.writeHandler.Reset()
	e.invokeHandler.Reset()
	delegate := e.subscribeDelegate
	e.mu.Unlock()

	if listener, ok := delegate.(ExchangeCloseListener); ok {
		listener.HandleExchangeClosed(ctx)
	}
}

// handleReadRequest processes a ReadRequestMessage.
func (e *Engine) handleReadRequest(ctx *exchange.ExchangeContext, payload []byte) ([]byte, error) {
	// Decode request
	req, err := DecodeReadRequest(payload)
	if err != nil {
		return e.encodeStatusResponse(imsg.StatusInvalidAction)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Create attribute reader that uses dispatcher
	reader := e.createAttributeReader()

	// Create handler with reader
	handler := NewReadHandler(reader, e.maxPayload)

	fabricIndex, sourceNodeID := identityFromExchange(ctx)

	// Process request
	resp, err := handler.HandleReadRequest(ctx, req, fabricIndex, sourceNodeID)
	if err != nil {
		return e.encodeStatusResponse(ErrorToStatus(err))
	}

	// Store handler for potential chunked continuation
	e.readHandler = handler

	return EncodeReportData(resp)
}

// handleWriteRequest processes a WriteRequestMessage.
func (e *Engine) handleWriteRequest(ctx *exchange.ExchangeContext, payload []byte) ([]byte, error) {
	// Decode request
	req, err := DecodeWriteRequest(payload)
	if err != nil {
		return e.encodeStatusResponse(imsg.StatusInvalidAction)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	fabricIndex, sourceNodeID := identityFromExchange(ctx)
	isTimed := e.consumeTimedDeadline(ctx)

	// Process request
	resp, awaitingMoreChunks, err := e.writeHandler.HandleWriteRequest(ctx, req, fabricIndex, sourceNodeID, isTimed)
	if err != nil {
		return e.encodeStatusResponse(ErrorToStatus(err))
	}

	// More chunks expected: acknowledge with a plain status response so the
	// initiator sends the remainder of the WriteRequestMessage chunks.
	if awaitingMoreChunks {
		return e.encodeStatusResponse(imsg.StatusSuccess)
	}

	// If SuppressResponse was set, resp is nil
	if resp == nil {
		return nil, nil
	}

	return EncodeWriteResponse(resp)
}

// consumeTimedDeadline reports whether this exchange has a pending timed
// interaction deadline that has not yet expired, consuming it in the
// process (Spec 8.7.2.3/8.8.2: the deadline guards exactly one Write or
// Invoke following the TimedRequest).
func (e *Engine) consumeTimedDeadline(ctx *exchange.ExchangeContext) bool {
	if ctx == nil {
		return false
	}
	deadline, had := ctx.ConsumeTimedDeadline()
	if !had {
		return false
	}
	return time.Now().Before(deadline)
}

// handleTimedRequest processes a TimedRequestMessage, arming the exchange's
// timed-interaction deadline for the next Write or Invoke.
//
// Spec: 8.8.2 "Timed Interaction"
func (e *Engine) handleTimedRequest(ctx *exchange.ExchangeContext, payload []byte) ([]byte, error) {
	r := tlv.NewReader(bytes.NewReader(payload))
	var req imsg.TimedRequestMessage
	if err := req.Decode(r); err != nil {
		return e.encodeStatusResponse(imsg.StatusInvalidAction)
	}

	if ctx != nil {
		ctx.SetTimedDeadline(time.Now().Add(time.Duration(req.Timeout) * time.Millisecond))
	}

	return e.encodeStatusResponse(imsg.StatusSuccess)
}

// handleSubscribeRequest decodes a SubscribeRequestMessage and delegates
// the rest of the subscribe transaction (priming report, subscribe
// response, or failure status) to the subscribe delegate.
func (e *Engine) handleSubscribeRequest(ctx *exchange.ExchangeContext, payload []byte) error {
	e.mu.Lock()
	delegate := e.subscribeDelegate
	e.mu.Unlock()

	if delegate == nil {
		resp, _ := e.encodeStatusResponse(imsg.StatusUnsupportedAccess)
		_, err := e.sendOrReturn(ctx, uint8(imsg.OpcodeStatusResponse), resp)
		return err
	}

	r := tlv.NewReader(bytes.NewReader(payload))
	var req imsg.SubscribeRequestMessage
	if err := req.Decode(r); err != nil {
		resp, _ := e.encodeStatusResponse(imsg.StatusInvalidAction)
		_, sendErr := e.sendOrReturn(ctx, uint8(imsg.OpcodeStatusResponse), resp)
		if sendErr != nil {
			return sendErr
		}
		return err
	}

	fabricIndex, sourceNodeID := identityFromExchange(ctx)

	return delegate.HandleSubscribeRequest(ctx, &req, fabricIndex, sourceNodeID)
}

// handleInvokeRequest processes an InvokeRequestMessage.
func (e *Engine) handleInvokeRequest(ctx *exchange.ExchangeContext, payload []byte) ([]byte, error) {
	// Decode request
	req, err := DecodeInvokeRequest(payload)
	if err != nil {
		return e.encodeStatusResponse(imsg.StatusInvalidAction)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Create command handler that uses dispatcher
	cmdHandler := e.createCommandHandler()

	// Create handler
	handler := NewInvokeHandler(cmdHandler, e.maxPayload)
	handler.SetMaxPathsPerInvoke(e.invokeHandler.maxPathsPerInvoke)

	fabricIndex, sourceNodeID := identityFromExchange(ctx)
	isTimed := e.consumeTimedDeadline(ctx)

	// Process request
	resp, err := handler.HandleInvokeRequest(ctx, req, fabricIndex, sourceNodeID, isTimed)
	if err != nil {
		return e.encodeStatusResponse(ErrorToStatus(err))
	}

	// Store handler for potential chunked continuation
	e.invokeHandler = handler

	return EncodeInvokeResponse(resp)
}

// handleStatusResponse processes a StatusResponseMessage.
// Used for chunked response flow control.
// This method sends responses directly with correct opcodes.
func (e *Engine) handleStatusResponse(ctx *exchange.ExchangeContext, payload []byte) ([]byte, error) {
	// Decode status
	statusMsg, err := DecodeStatusResponse(payload)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Check if read handler has pending chunks
	if e.readHandler.State() == ReadHandlerStateSendingReport {
		resp, err := e.readHandler.HandleStatusResponse(statusMsg.Status)
		if err != nil {
			responsePayload, _ := e.encodeStatusResponse(ErrorToStatus(err))
			return e.sendOrReturn(ctx, uint8(imsg.OpcodeStatusResponse), responsePayload)
		}
		if resp != nil {
			responsePayload, err := EncodeReportData(resp)
			if err != nil {
				return nil, err
			}
			return e.sendOrReturn(ctx, uint8(imsg.OpcodeReportData), responsePayload)
		}
		return nil, nil
	}

	// Check if invoke handler has pending chunks
	if e.invokeHandler.State() == InvokeHandlerStateSendingResponse {
		resp, err := e.invokeHandler.HandleStatusResponse(statusMsg.Status)
		if err != nil {
			responsePayload, _ := e.encodeStatusResponse(ErrorToStatus(err))
			return e.sendOrReturn(ctx, uint8(imsg.OpcodeStatusResponse), responsePayload)
		}
		if resp != nil {
			responsePayload, err := EncodeInvokeResponse(resp)
			if err != nil {
				return nil, err
			}
			return e.sendOrReturn(ctx, uint8(imsg.OpcodeInvokeResponse), responsePayload)
		}
		return nil, nil
	}

	// No handler expecting status response
	return nil, nil
}

// sendOrReturn either sends via exchange context or returns payload for unit tests.
func (e *Engine) sendOrReturn(ctx *exchange.ExchangeContext, opcode uint8, payload []byte) ([]byte, error) {
	if ctx == nil {
		return payload, nil
	}
	if err := ctx.SendMessage(opcode, payload, true); err != nil {
		return nil, err
	}
	return nil, nil
}

// createAttributeReader creates an AttributeReader that uses the dispatcher.
func (e *Engine) createAttributeReader() AttributeReader {
	return NewDispatcherAttributeReader(e.dispatcher)
}

// createCommandHandler creates a CommandHandler that uses the dispatcher.
func (e *Engine) createCommandHandler() CommandHandler {
	return func(ctx *InvokeContext, path imsg.CommandPathIB, fields []byte) (*CommandResult, error) {
		req := &CommandInvokeRequest{
			Path:    path,
			IsTimed: ctx.IsTimed,
		}

		r := tlv.NewReader(bytes.NewReader(fields))

		respData, err := e.dispatcher.InvokeCommand(nil, req, r)
		if err != nil {
			return &CommandResult{
				Status: &imsg.StatusIB{
					Status: ErrorToStatus(err),
				},
			}, nil
		}

		return &CommandResult{
			ResponsePath: path,
			ResponseData: respData,
		}, nil
	}
}

// encodeStatusResponse encodes a status response message.
func (e *Engine) encodeStatusResponse(status imsg.Status) ([]byte, error) {
	return EncodeStatusResponse(status)
}

// GetProtocolID returns the protocol ID for registration with ExchangeManager.
func (e *Engine) GetProtocolID() message.ProtocolID {
	return ProtocolID
}
