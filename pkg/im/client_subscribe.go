package im

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mattergrid/node/pkg/exchange"
	imsg "github.com/mattergrid/node/pkg/im/message"
	"github.com/mattergrid/node/pkg/message"
	"github.com/mattergrid/node/pkg/session"
	"github.com/mattergrid/node/pkg/tlv"
	"github.com/mattergrid/node/pkg/transport"
	"github.com/pion/logging"
)

// ErrSubscribeRejected is returned when the peer answers a SubscribeRequest
// with a StatusResponse instead of a SubscribeResponse.
var ErrSubscribeRejected = errors.New("im: subscribe request rejected")

// DefaultReportBacklog bounds how many undelivered reports a Subscription
// buffers before SendMessage back-pressures the peer's exchange.
const DefaultReportBacklog = 8

// Subscription is a client-side handle on an established subscription: the
// exchange stays open for the server to push ReportDataMessages over for as
// long as the subscription lives.
//
// Spec: 8.5.3 "Subscribe Interaction Subscription Establishment"
type Subscription struct {
	id          imsg.SubscriptionID
	maxInterval time.Duration
	exchCtx     *exchange.ExchangeContext
	handler     *subscriptionHandler
}

// ID returns the subscription identifier the server assigned.
func (s *Subscription) ID() imsg.SubscriptionID {
	return s.id
}

// MaxInterval returns the negotiated maximum reporting interval.
func (s *Subscription) MaxInterval() time.Duration {
	return s.maxInterval
}

// Reports returns the channel of incoming reports. It is closed when the
// subscription's exchange closes, whether from Close, a peer disconnect, or
// session loss.
func (s *Subscription) Reports() <-chan *imsg.ReportDataMessage {
	return s.handler.reports
}

// Done is closed when the underlying exchange closes, for callers that want
// to select on liveness loss without draining Reports().
func (s *Subscription) Done() <-chan struct{} {
	return s.handler.closed
}

// Close tears down the subscription's exchange. The server has no
// out-of-band unsubscribe message; closing the exchange is how a Matter
// client cancels a subscription it no longer wants.
func (s *Subscription) Close() error {
	return s.exchCtx.Close()
}

// SubscribeRequest sends a SubscribeRequestMessage and returns once the
// server answers with a SubscribeResponse (success) or StatusResponse
// (rejection). The server sends the priming report before the
// SubscribeResponse, so it may already be waiting on Reports() by the time
// this call returns.
func (c *Client) SubscribeRequest(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	req *imsg.SubscribeRequestMessage,
) (*Subscription, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	payload, err := EncodeSubscribeRequest(req)
	if err != nil {
		return nil, err
	}

	handler := newSubscriptionHandler(c.log)

	exch, err := c.exchangeManager.NewExchange(
		sess,
		sess.LocalSessionID(),
		peerAddr,
		ProtocolID,
		handler,
	)
	if err != nil {
		return nil, err
	}

	if err := exch.SendMessage(uint8(imsg.OpcodeSubscribeRequest), payload, true); err != nil {
		exch.Close()
		return nil, err
	}

	select {
	case <-ctx.Done():
		exch.Close()
		return nil, ErrClientTimeout
	case est := <-handler.established:
		if est.err != nil {
			exch.Close()
			return nil, est.err
		}
		return &Subscription{
			id:          est.subscriptionID,
			maxInterval: est.maxInterval,
			exchCtx:     exch,
			handler:     handler,
		}, nil
	}
}

// SustainOptions configures SubscribeSustain's retry behavior.
type SustainOptions struct {
	// MaxAttempts bounds how many times SubscribeSustain retries
	// establishment after a liveness loss before giving up. Zero means
	// retry indefinitely until ctx is cancelled.
	MaxAttempts int

	// BaseInterval seeds exchange.BackoffCalculator's retry schedule.
	// Defaults to session.DefaultActiveInterval.
	BaseInterval time.Duration
}

// SustainedSubscription is a Subscription that re-establishes itself with
// MRP-style backoff whenever its underlying exchange is lost, presenting a
// single stable Reports() channel across reconnects.
type SustainedSubscription struct {
	reports chan *imsg.ReportDataMessage

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Reports returns the channel of incoming reports, stable across
// reconnects. It closes only when the sustain loop itself stops (Close or
// ctx cancellation, or MaxAttempts exhausted).
func (s *SustainedSubscription) Reports() <-chan *imsg.ReportDataMessage {
	return s.reports
}

// Close stops the sustain loop and releases its current exchange, if any.
func (s *SustainedSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.done
}

// SubscribeSustain establishes a subscription and keeps it alive across
// liveness loss, retrying SubscribeRequest with exchange.BackoffCalculator's
// jittered schedule instead of the fixed-backoff of a second dependency.
//
// Spec 8.5.3: a subscriber SHOULD re-establish a lost subscription rather
// than treat liveness loss as terminal.
func (c *Client) SubscribeSustain(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	req *imsg.SubscribeRequestMessage,
	opts SustainOptions,
) (*SustainedSubscription, error) {
	baseInterval := opts.BaseInterval
	if baseInterval == 0 {
		baseInterval = session.DefaultActiveInterval
	}

	sustainCtx, cancel := context.WithCancel(ctx)

	first, err := c.SubscribeRequest(sustainCtx, sess, peerAddr, req)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &SustainedSubscription{
		reports: make(chan *imsg.ReportDataMessage, DefaultReportBacklog),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go s.run(sustainCtx, c, sess, peerAddr, req, opts, baseInterval, first)

	return s, nil
}

// run pumps reports from the active subscription into s.reports, retrying
// establishment with backoff whenever the active subscription's exchange
// closes, until ctx is cancelled or MaxAttempts is exhausted.
func (s *SustainedSubscription) run(
	ctx context.Context,
	c *Client,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	req *imsg.SubscribeRequestMessage,
	opts SustainOptions,
	baseInterval time.Duration,
	active *Subscription,
) {
	defer close(s.done)
	defer close(s.reports)

	calc := exchange.NewBackoffCalculator(nil)
	attempt := 0

	for {
		pumped := pumpReports(ctx, active, s.reports)
		if !pumped {
			return
		}

		// active's exchange closed; re-establish unless the caller gave up
		// on us.
		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(calc.Calculate(baseInterval, attempt)):
		}
		attempt++

		reestablished, err := c.SubscribeRequest(ctx, sess, peerAddr, req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		active = reestablished
	}
}

// pumpReports forwards active's reports into out until active's exchange
// closes or ctx is cancelled. Returns false when the caller should stop
// (ctx cancelled), true when it should attempt re-establishment.
func pumpReports(ctx context.Context, active *Subscription, out chan<- *imsg.ReportDataMessage) bool {
	for {
		select {
		case <-ctx.Done():
			active.Close()
			return false
		case <-active.Done():
			return true
		case report, ok := <-active.Reports():
			if !ok {
				return true
			}
			select {
			case out <- report:
			case <-ctx.Done():
				active.Close()
				return false
			}
		}
	}
}

// establishResult carries the outcome of a SubscribeRequest's establishment
// exchange, delivered once by subscriptionHandler.
type establishResult struct {
	subscriptionID imsg.SubscriptionID
	maxInterval    time.Duration
	err            error
}

// subscriptionHandler is the exchange.ExchangeDelegate for a client-side
// subscription: it resolves the establishment promise exactly once, but
// keeps forwarding every subsequent ReportData onto reports for the
// lifetime of the exchange.
type subscriptionHandler struct {
	established chan establishResult
	reports     chan *imsg.ReportDataMessage
	closed      chan struct{}
	log         logging.LeveledLogger

	establishOnce sync.Once
	closeOnce     sync.Once
}

func newSubscriptionHandler(log logging.LeveledLogger) *subscriptionHandler {
	return &subscriptionHandler{
		established: make(chan establishResult, 1),
		reports:     make(chan *imsg.ReportDataMessage, DefaultReportBacklog),
		closed:      make(chan struct{}),
		log:         log,
	}
}

// OnMessage implements exchange.ExchangeDelegate.
func (h *subscriptionHandler) OnMessage(
	ctx *exchange.ExchangeContext,
	header *message.ProtocolHeader,
	payload []byte,
) ([]byte, error) {
	opcode := imsg.Opcode(header.ProtocolOpcode)

	switch opcode {
	case imsg.OpcodeReportData:
		h.handleReportData(payload)
	case imsg.OpcodeSubscribeResponse:
		h.handleSubscribeResponse(payload)
	case imsg.OpcodeStatusResponse:
		h.handleStatusResponse(payload)
	}

	return nil, nil
}

// OnClose implements exchange.ExchangeDelegate.
func (h *subscriptionHandler) OnClose(ctx *exchange.ExchangeContext) {
	h.resolveEstablish(establishResult{err: ErrClientClosed})
	h.closeOnce.Do(func() {
		close(h.closed)
	})
}

func (h *subscriptionHandler) handleReportData(payload []byte) {
	resp, err := DecodeReportData(payload)
	if err != nil {
		if h.log != nil {
			h.log.Warnf("subscriptionHandler: failed to decode report data: %v", err)
		}
		return
	}
	select {
	case h.reports <- resp:
	case <-h.closed:
	}
}

func (h *subscriptionHandler) handleSubscribeResponse(payload []byte) {
	resp, err := DecodeSubscribeResponse(payload)
	if err != nil {
		h.resolveEstablish(establishResult{err: err})
		return
	}
	h.resolveEstablish(establishResult{
		subscriptionID: resp.SubscriptionID,
		maxInterval:    time.Duration(resp.MaxInterval) * time.Second,
	})
}

func (h *subscriptionHandler) handleStatusResponse(payload []byte) {
	statusMsg, err := DecodeStatusResponse(payload)
	if err != nil {
		h.resolveEstablish(establishResult{err: err})
		return
	}
	h.resolveEstablish(establishResult{
		err: errors.New(ErrSubscribeRejected.Error() + ": " + statusMsg.Status.String()),
	})
}

func (h *subscriptionHandler) resolveEstablish(result establishResult) {
	h.establishOnce.Do(func() {
		h.established <- result
	})
}

// EncodeSubscribeRequest encodes a SubscribeRequestMessage to TLV.
func EncodeSubscribeRequest(req *imsg.SubscribeRequestMessage) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)

	if err := req.Encode(w); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeSubscribeResponse decodes a SubscribeResponseMessage from TLV.
func DecodeSubscribeResponse(data []byte) (*imsg.SubscribeResponseMessage, error) {
	r := tlv.NewReader(bytes.NewReader(data))

	msg := &imsg.SubscribeResponseMessage{}
	if err := msg.Decode(r); err != nil {
		return nil, err
	}

	return msg, nil
}
