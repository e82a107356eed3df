package im

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/mattergrid/node/pkg/exchange"
	"github.com/mattergrid/node/pkg/im/message"
	"github.com/mattergrid/node/pkg/tlv"
)

// WriteHandler errors.
var (
	ErrWriteHandlerBusy   = errors.New("write handler: busy processing another request")
	ErrWriteTimedMismatch = errors.New("write handler: timed request mismatch")
	ErrWriteWildcardPath  = errors.New("write handler: wildcard paths not supported")
)

// WriteHandlerState represents the handler state machine.
// Spec: 8.7 Write Interaction
type WriteHandlerState int

const (
	WriteHandlerStateIdle WriteHandlerState = iota
	WriteHandlerStateProcessing
	WriteHandlerStateReceivingChunks
	WriteHandlerStateSendingResponse
)

// String returns the state name.
func (s WriteHandlerState) String() string {
	switch s {
	case WriteHandlerStateIdle:
		return "Idle"
	case WriteHandlerStateProcessing:
		return "Processing"
	case WriteHandlerStateReceivingChunks:
		return "ReceivingChunks"
	case WriteHandlerStateSendingResponse:
		return "SendingResponse"
	default:
		return "Unknown"
	}
}

// WriteContext provides context for attribute writes.
type WriteContext struct {
	// Exchange is the underlying exchange context.
	Exchange *exchange.ExchangeContext

	// FabricIndex is the accessing fabric (0 if none).
	FabricIndex uint8

	// IsTimed indicates if this is part of a timed interaction.
	IsTimed bool

	// SourceNodeID is the requesting node.
	SourceNodeID uint64
}

// writePathKey identifies a concrete (endpoint, cluster, attribute) tuple,
// ignoring ListIndex, for list-ADD predecessor tracking.
type writePathKey struct {
	endpoint, cluster, attribute uint32
}

func concretePathKey(path *message.AttributePathIB) (writePathKey, bool) {
	if path.Endpoint == nil || path.Cluster == nil || path.Attribute == nil {
		return writePathKey{}, false
	}
	return writePathKey{
		endpoint:  uint32(*path.Endpoint),
		cluster:   uint32(*path.Cluster),
		attribute: uint32(*path.Attribute),
	}, true
}

// WriteHandler handles write request messages.
//
// It supports concrete (non-wildcard) paths, chunked write requests
// (MoreChunkedMessages) via an Assembler, and list-ADD operations
// (ListIndex present as TLV null) that immediately follow a successful
// full-list replace of the same attribute within the same write
// transaction.
//
// Spec Reference: Section 8.7 "Write Interaction"
// C++ Reference: src/app/WriteHandler.cpp
type WriteHandler struct {
	// dispatcher routes write operations to clusters.
	dispatcher Dispatcher

	// assembler reassembles MoreChunkedMessages write requests.
	assembler *Assembler

	// State
	state WriteHandlerState
	ctx   *WriteContext

	// Pending response statuses
	writeStatuses []message.AttributeStatusIB

	// Suppress response flag from request
	suppressResponse bool

	// previousPath is the path of the most recent successful REPLACE_ALL
	// (ListIndex absent) write, tracked across the lifetime of the
	// handler's current write transaction. Only a successful replace
	// establishes a valid predecessor for a following list-ADD.
	previousPath *message.AttributePathIB

	mu sync.Mutex
}

// NewWriteHandler creates a new write handler.
func NewWriteHandler(dispatcher Dispatcher) *WriteHandler {
	if dispatcher == nil {
		dispatcher = NullDispatcher{}
	}
	return &WriteHandler{
		dispatcher: dispatcher,
		assembler:  NewAssembler(),
		state:      WriteHandlerStateIdle,
	}
}

// HandleWriteRequest processes an incoming WriteRequestMessage chunk.
//
// Returns (response, awaitingMoreChunks, error). When awaitingMoreChunks is
// true, response is nil and the caller should reply with a plain status
// response acknowledging receipt while the rest of the chunks arrive; the
// handler retains its assembly state across calls until the final chunk.
//
// Spec: 8.7.3.2 "Outgoing Write Response Action" (server-side processing)
func (h *WriteHandler) HandleWriteRequest(
	exchCtx *exchange.ExchangeContext,
	msg *message.WriteRequestMessage,
	fabricIndex uint8,
	sourceNodeID uint64,
	isTimed bool,
) (resp *message.WriteResponseMessage, awaitingMoreChunks bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Validate timed request flag
	// Spec 8.7.2.3: TimedRequest field must match actual timed interaction state
	if msg.TimedRequest && !isTimed {
		h.assembler.Reset()
		h.state = WriteHandlerStateIdle
		return nil, false, ErrWriteTimedMismatch
	}

	complete, isComplete, err := h.assembler.AddWriteRequest(msg)
	if err != nil {
		h.state = WriteHandlerStateIdle
		return nil, false, err
	}
	if !isComplete {
		h.state = WriteHandlerStateReceivingChunks
		return nil, true, nil
	}

	// Create write context
	h.ctx = &WriteContext{
		Exchange:     exchCtx,
		FabricIndex:  fabricIndex,
		IsTimed:      isTimed,
		SourceNodeID: sourceNodeID,
	}

	h.state = WriteHandlerStateProcessing
	h.suppressResponse = complete.SuppressResponse
	h.writeStatuses = nil
	h.previousPath = nil

	// Process all attribute data IBs in the assembled request
	for i := range complete.WriteRequests {
		status := h.processAttributeWrite(&complete.WriteRequests[i])
		h.writeStatuses = append(h.writeStatuses, status)
	}

	// Build response
	h.state = WriteHandlerStateIdle

	// If SuppressResponse is set, return nil (no response sent)
	// Spec 8.7.2.3: "If SuppressResponse is true, no response shall be generated"
	if complete.SuppressResponse {
		return nil, false, nil
	}

	return &message.WriteResponseMessage{
		WriteResponses: h.writeStatuses,
	}, false, nil
}

// processAttributeWrite processes a single attribute write.
// Returns an AttributeStatusIB for the response.
//
// Spec: 8.7.3.2 step-by-step processing
func (h *WriteHandler) processAttributeWrite(attrData *message.AttributeDataIB) message.AttributeStatusIB {
	path := attrData.Path

	// Step 1: Validate path - wildcards not allowed in writes
	// Spec 8.7.3.2: "Writes SHALL NOT use wildcard paths"
	key, concrete := concretePathKey(&path)
	if !concrete {
		return h.createWriteStatusResponse(&path, message.StatusInvalidAction)
	}

	// Step 2: list-ADD (ListIndex present as TLV null) is only valid
	// immediately following a successful full-list replace of the same
	// attribute. A concrete ListIndex (edit-at-index) carries no such
	// predecessor requirement.
	if path.ListIndex != nil && path.ListIndex.Null {
		if h.previousPath == nil {
			return h.createWriteStatusResponse(&path, message.StatusBusy)
		}
		prevKey, ok := concretePathKey(h.previousPath)
		if !ok || prevKey != key {
			return h.createWriteStatusResponse(&path, message.StatusBusy)
		}
	}

	// Step 3: Build write request for dispatcher
	writeReq := &AttributeWriteRequest{
		Path:      path,
		IMContext: nil, // Would be set from h.ctx in full implementation
		IsTimed:   h.ctx.IsTimed,
	}

	// DataVersion is optional - only set if non-zero
	if attrData.DataVersion != 0 {
		dv := attrData.DataVersion
		writeReq.DataVersion = &dv
	}

	// Step 4: Dispatch to cluster via dispatcher
	// The dispatcher handles ACL checks and routing to the correct cluster
	r := tlv.NewReader(bytes.NewReader(attrData.Data))
	err := h.dispatcher.WriteAttribute(context.Background(), writeReq, r)

	if err != nil {
		return h.createWriteStatusResponse(&path, ErrorToStatus(err))
	}

	// Only a successful REPLACE_ALL establishes a predecessor for a
	// following list-ADD; a failed replace leaves the prior predecessor
	// (if any) untouched.
	if path.ListIndex == nil {
		p := path
		h.previousPath = &p
	}

	return h.createWriteStatusResponse(&path, message.StatusSuccess)
}

// createWriteStatusResponse creates an AttributeStatusIB for the response.
func (h *WriteHandler) createWriteStatusResponse(path *message.AttributePathIB, status message.Status) message.AttributeStatusIB {
	return message.AttributeStatusIB{
		Path: *path,
		Status: message.StatusIB{
			Status: status,
		},
	}
}

// Reset resets the handler to idle state.
func (h *WriteHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = WriteHandlerStateIdle
	h.ctx = nil
	h.writeStatuses = nil
	h.suppressResponse = false
	h.previousPath = nil
	h.assembler.Reset()
}

// State returns the current handler state.
func (h *WriteHandler) State() WriteHandlerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// EncodeWriteResponse encodes a write response message.
func EncodeWriteResponse(msg *message.WriteResponseMessage) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := msg.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeWriteRequest decodes a write request message.
func DecodeWriteRequest(data []byte) (*message.WriteRequestMessage, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	var msg message.WriteRequestMessage
	if err := msg.Decode(r); err != nil {
		return nil, err
	}
	return &msg, nil
}
