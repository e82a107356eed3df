package im

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mattergrid/node/pkg/exchange"
	imsg "github.com/mattergrid/node/pkg/im/message"
	"github.com/mattergrid/node/pkg/message"
	"github.com/mattergrid/node/pkg/session"
	"github.com/mattergrid/node/pkg/transport"
	"github.com/pion/logging"
)

// Batcher errors.
var (
	ErrBatcherClosed = errors.New("im: batcher closed")
	ErrBatchRejected = errors.New("im: batch invoke failed")
	ErrNoResponse    = errors.New("im: server did not return a response for this command")
)

// DefaultBatchWindow is how long the batcher waits, after the first command
// is enqueued, for additional commands to coalesce into the same
// InvokeRequestMessage.
const DefaultBatchWindow = 10 * time.Millisecond

// CommandBatcher coalesces individual InvokeCommand calls made in quick
// succession into as few InvokeRequestMessages as the peer's advertised
// MaxPathsPerInvoke allows, routing each response back to its caller by
// CommandRef.
//
// Spec: 8.8.2 "Invoke Interaction Batch Invoke"
type CommandBatcher struct {
	exchangeManager *exchange.Manager
	sess            *session.SecureContext
	peerAddr        transport.PeerAddress
	timeout         time.Duration
	window          time.Duration
	maxPaths        uint16
	log             logging.LeveledLogger

	mu      sync.Mutex
	pending []*pendingInvoke
	timer   *time.Timer
	nextRef uint16
	closed  bool
}

// BatcherConfig configures a CommandBatcher.
type BatcherConfig struct {
	// ExchangeManager handles message exchanges. Required.
	ExchangeManager *exchange.Manager

	// Session is the secure session commands are sent over. Required.
	Session *session.SecureContext

	// PeerAddress is the peer's network address. Required.
	PeerAddress transport.PeerAddress

	// Window is how long to wait for more commands to coalesce before
	// sending. Defaults to DefaultBatchWindow.
	Window time.Duration

	// Timeout bounds each batch's round trip. Defaults to DefaultRequestTimeout.
	Timeout time.Duration

	// MaxPathsPerInvoke bounds how many commands a single InvokeRequestMessage
	// may carry. Defaults to session.DefaultMaxPathsPerInvoke.
	MaxPathsPerInvoke uint16

	// LoggerFactory creates the batcher's logger. Optional.
	LoggerFactory logging.LoggerFactory
}

// pendingInvoke is one caller's not-yet-sent (or sent-but-unanswered) command.
type pendingInvoke struct {
	path     imsg.CommandPathIB
	fields   []byte
	ref      uint16
	resultCh chan invokeOutcome
}

// invokeOutcome is what a pendingInvoke's resultCh delivers: either a
// decoded InvokeResult, or an error when the batch failed outright or the
// server never answered this particular CommandRef.
type invokeOutcome struct {
	result InvokeResult
	err    error
}

// NewCommandBatcher creates a CommandBatcher.
func NewCommandBatcher(config BatcherConfig) *CommandBatcher {
	window := config.Window
	if window == 0 {
		window = DefaultBatchWindow
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	maxPaths := config.MaxPathsPerInvoke
	if maxPaths == 0 {
		maxPaths = session.DefaultMaxPathsPerInvoke
	}

	b := &CommandBatcher{
		exchangeManager: config.ExchangeManager,
		sess:            config.Session,
		peerAddr:        config.PeerAddress,
		timeout:         timeout,
		window:          window,
		maxPaths:        maxPaths,
		nextRef:         1, // 0 is never a valid commandRef
	}

	if config.LoggerFactory != nil {
		b.log = config.LoggerFactory.NewLogger("im-batcher")
	}

	return b
}

// Invoke enqueues a command for the in-flight batch window and blocks until
// its response (or the batch's failure) arrives, or ctx is cancelled.
func (b *CommandBatcher) Invoke(
	ctx context.Context,
	path imsg.CommandPathIB,
	fields []byte,
) (*InvokeResult, error) {
	pi, err := b.enqueue(path, fields)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ErrClientTimeout
	case outcome := <-pi.resultCh:
		if outcome.err != nil {
			return nil, outcome.err
		}
		return &outcome.result, nil
	}
}

// enqueue appends a command to the pending batch, allocating its CommandRef
// and arming the flush timer on the first addition.
func (b *CommandBatcher) enqueue(path imsg.CommandPathIB, fields []byte) (*pendingInvoke, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBatcherClosed
	}

	pi := &pendingInvoke{
		path:     path,
		fields:   fields,
		ref:      b.allocateRefLocked(),
		resultCh: make(chan invokeOutcome, 1),
	}
	b.pending = append(b.pending, pi)

	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	}

	return pi, nil
}

// allocateRefLocked picks the next CommandRef, skipping values already in
// use by the current pending set. Valid refs are 1-0xFFFF; 0 is never
// assigned, and allocation wraps from 0xFFFF back to 1, not 0. Callers must
// hold b.mu.
func (b *CommandBatcher) allocateRefLocked() uint16 {
	for {
		ref := b.nextRef
		b.nextRef++
		if b.nextRef == 0 {
			b.nextRef = 1
		}

		inUse := false
		for _, pi := range b.pending {
			if pi.ref == ref {
				inUse = true
				break
			}
		}
		if !inUse {
			return ref
		}
	}
}

// flush drains the pending set and sends it to the peer, partitioned into
// InvokeRequestMessages that respect maxPaths and never repeat the same
// concrete command path twice in one message.
func (b *CommandBatcher) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.timer = nil
	b.mu.Unlock()

	for _, group := range partitionInvokes(batch, int(b.maxPaths)) {
		b.sendBatch(group)
	}
}

// partitionInvokes splits pending invokes into groups of at most maxPaths,
// additionally starting a new group whenever a concrete command path would
// otherwise repeat within the same group.
//
// Spec 8.8.2: a single InvokeRequestMessage may legally repeat a path, but
// this client avoids it so a slow cluster handler processing one instance
// can never be confused with another by path alone, only by CommandRef.
func partitionInvokes(pending []*pendingInvoke, maxPaths int) [][]*pendingInvoke {
	if maxPaths <= 0 {
		maxPaths = 1
	}

	var groups [][]*pendingInvoke
	var current []*pendingInvoke
	seen := make(map[imsg.CommandPathIB]bool)

	for _, pi := range pending {
		if len(current) >= maxPaths || seen[pi.path] {
			groups = append(groups, current)
			current = nil
			seen = make(map[imsg.CommandPathIB]bool)
		}
		current = append(current, pi)
		seen[pi.path] = true
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}

	return groups
}

// buildInvokeRequestMessage assembles the InvokeRequestMessage for group and
// the list of CommandRefs it assigned, in order.
//
// Spec 8.8.2: the commandRef wire field is only present when a single
// InvokeRequestMessage carries more than one command; a lone command in the
// message omits it, matching legacy bit-compatible behavior.
func buildInvokeRequestMessage(group []*pendingInvoke) (*imsg.InvokeRequestMessage, []uint16) {
	refs := make([]uint16, len(group))
	req := &imsg.InvokeRequestMessage{
		SuppressResponse: false,
		TimedRequest:     false,
		InvokeRequests:   make([]imsg.CommandDataIB, len(group)),
	}
	includeRef := len(group) > 1
	for i, pi := range group {
		ref := pi.ref
		refs[i] = ref
		ib := imsg.CommandDataIB{
			Path:   pi.path,
			Fields: pi.fields,
		}
		if includeRef {
			ib.Ref = &ref
		}
		req.InvokeRequests[i] = ib
	}
	return req, refs
}

// sendBatch sends one InvokeRequestMessage for group and routes responses
// back to each pendingInvoke by CommandRef.
func (b *CommandBatcher) sendBatch(group []*pendingInvoke) {
	req, refs := buildInvokeRequestMessage(group)

	payload, err := EncodeInvokeRequest(req)
	if err != nil {
		b.rejectAll(group, err)
		return
	}

	handler := newBatchResponseHandler(refs, b.log)

	exch, err := b.exchangeManager.NewExchange(
		b.sess,
		b.sess.LocalSessionID(),
		b.peerAddr,
		ProtocolID,
		handler,
	)
	if err != nil {
		b.rejectAll(group, err)
		return
	}
	defer exch.Close()

	if err := exch.SendMessage(uint8(imsg.OpcodeInvokeRequest), payload, true); err != nil {
		b.rejectAll(group, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	select {
	case <-ctx.Done():
		b.rejectAll(group, ErrClientTimeout)
	case results := <-handler.resultCh:
		b.resolve(group, results)
	}
}

// resolve delivers each response to its caller by CommandRef. A pending
// command whose ref never appears in the response resolves with
// ErrNoResponse rather than a synthetic failure status: a batch entry with
// no matching InvokeResponseData entry is the wire-legal "no response"
// outcome (e.g. a peer that honored SuppressResponse for that one path),
// not necessarily a failure of the batch as a whole.
func (b *CommandBatcher) resolve(group []*pendingInvoke, results map[uint16]InvokeResult) {
	for _, pi := range group {
		result, ok := results[pi.ref]
		if !ok {
			pi.resultCh <- invokeOutcome{err: ErrNoResponse}
			continue
		}
		pi.resultCh <- invokeOutcome{result: result}
	}
}

func (b *CommandBatcher) rejectAll(group []*pendingInvoke, err error) {
	if b.log != nil {
		b.log.Warnf("batch invoke failed: %v", err)
	}
	for _, pi := range group {
		pi.resultCh <- invokeOutcome{result: InvokeResult{HasStatus: true, Status: imsg.StatusFailure}}
	}
}

// Close stops accepting new commands and fails any still-pending ones.
func (b *CommandBatcher) Close() {
	b.mu.Lock()
	b.closed = true
	pending := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	b.rejectAll(pending, ErrBatcherClosed)
}

// batchResponseHandler collects an InvokeResponseMessage's entries keyed by
// CommandRef for a single in-flight batch.
type batchResponseHandler struct {
	refs     []uint16
	resultCh chan map[uint16]InvokeResult
	once     sync.Once
	log      logging.LeveledLogger
}

func newBatchResponseHandler(refs []uint16, log logging.LeveledLogger) *batchResponseHandler {
	return &batchResponseHandler{
		refs:     refs,
		resultCh: make(chan map[uint16]InvokeResult, 1),
		log:      log,
	}
}

// OnMessage implements exchange.ExchangeDelegate.
func (h *batchResponseHandler) OnMessage(
	ctx *exchange.ExchangeContext,
	header *message.ProtocolHeader,
	payload []byte,
) ([]byte, error) {
	opcode := imsg.Opcode(header.ProtocolOpcode)

	switch opcode {
	case imsg.OpcodeInvokeResponse:
		h.handleInvokeResponse(payload)
	case imsg.OpcodeStatusResponse:
		h.handleStatusResponse(payload)
	default:
		if h.log != nil {
			h.log.Warnf("batchResponseHandler unexpected opcode=%d (%s)", opcode, opcode.String())
		}
		h.deliver(nil)
	}

	return nil, nil
}

// OnClose implements exchange.ExchangeDelegate.
func (h *batchResponseHandler) OnClose(ctx *exchange.ExchangeContext) {
	h.deliver(nil)
}

func (h *batchResponseHandler) handleInvokeResponse(payload []byte) {
	resp, err := DecodeInvokeResponse(payload)
	if err != nil {
		h.deliver(nil)
		return
	}

	results := make(map[uint16]InvokeResult, len(resp.InvokeResponses))
	for _, ib := range resp.InvokeResponses {
		var ref *uint16
		result := InvokeResult{}

		if ib.Command != nil {
			ref = ib.Command.Ref
			result.ResponseData = ib.Command.Fields
			result.HasStatus = false
		} else if ib.Status != nil {
			ref = ib.Status.Ref
			result.Status = ib.Status.Status.Status
			result.HasStatus = true
			if ib.Status.Status.ClusterStatus != nil {
				cs := uint16(*ib.Status.Status.ClusterStatus)
				result.ClusterStatus = &cs
			}
		}

		if ref == nil {
			// Valid only for a single-command batch, which itself omits
			// the ref on the way out (see sendBatch); attribute the
			// response to that lone command.
			if len(h.refs) == 1 {
				results[h.refs[0]] = result
			}
			continue
		}
		results[*ref] = result
	}

	h.deliver(results)
}

func (h *batchResponseHandler) handleStatusResponse(payload []byte) {
	h.deliver(nil)
}

func (h *batchResponseHandler) deliver(results map[uint16]InvokeResult) {
	h.once.Do(func() {
		if results == nil {
			results = make(map[uint16]InvokeResult)
		}
		h.resultCh <- results
	})
}
