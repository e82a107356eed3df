package subscription

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/mattergrid/node/pkg/datamodel"
	"github.com/mattergrid/node/pkg/exchange"
	"github.com/mattergrid/node/pkg/fabric"
	"github.com/mattergrid/node/pkg/im"
	imsg "github.com/mattergrid/node/pkg/im/message"
	"github.com/mattergrid/node/pkg/session"
	"github.com/mattergrid/node/pkg/tlv"
	"github.com/pion/logging"
)

// Subscription engine errors.
var (
	// ErrNoAttributeReader indicates the engine was not configured with a
	// reader, so a subscribe request cannot be primed.
	ErrNoAttributeReader = errors.New("subscription: no attribute reader configured")

	// ErrInvalidInterval indicates MinIntervalFloor > MaxIntervalCeiling.
	ErrInvalidInterval = errors.New("subscription: min interval floor exceeds max interval ceiling")
)

// Reporting interval bounds, independent of any particular peer.
// Spec: 8.5.1 "Subscribe Interaction Overview"
const (
	// MinIntervalFloorDefault is used when the peer requests 0.
	MinIntervalFloorDefault = 1 * time.Second

	// MaxIntervalCeilingDefault is used when the peer requests 0.
	MaxIntervalCeilingDefault = 60 * time.Second

	// MaxIntervalCeilingCap bounds how large an interval this server ever
	// grants, regardless of what the peer requests.
	MaxIntervalCeilingCap = 1 * time.Hour
)

// Engine implements im.SubscribeDelegate and manages the lifetime of every
// server-side subscription: priming, periodic reporting, cancellation, and
// persistence for re-establishment after a restart.
//
// Spec Reference: Section 8.5 "Subscribe Interaction"
type Engine struct {
	reader     im.AttributeReader
	maxPayload int
	store      Store // nil disables persistence

	mu   sync.Mutex
	subs map[imsg.SubscriptionID]*Subscription

	log logging.LeveledLogger
}

// Config configures a subscription Engine.
type Config struct {
	// Reader is called to read primed/changed attribute values. Required.
	Reader im.AttributeReader

	// MaxPayload bounds chunked report sizes. Defaults to im.DefaultMaxPayload.
	MaxPayload int

	// Store persists subscriptions for re-establishment across restarts.
	// Optional.
	Store Store

	// LoggerFactory creates the engine's logger. Optional.
	LoggerFactory logging.LoggerFactory
}

// NewEngine creates a subscription Engine.
func NewEngine(config Config) *Engine {
	maxPayload := config.MaxPayload
	if maxPayload == 0 {
		maxPayload = im.DefaultMaxPayload
	}

	e := &Engine{
		reader:     config.Reader,
		maxPayload: maxPayload,
		store:      config.Store,
		subs:       make(map[imsg.SubscriptionID]*Subscription),
	}

	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("subscription")
	}

	return e
}

// HandleSubscribeRequest implements im.SubscribeDelegate. It validates the
// request, primes the initial report, sends the SubscribeResponse, and
// registers the subscription for ongoing reporting.
//
// Spec: 8.5.3 "Subscribe Interaction Subscription Establishment"
func (e *Engine) HandleSubscribeRequest(
	exchCtx *exchange.ExchangeContext,
	req *imsg.SubscribeRequestMessage,
	fabricIndex uint8,
	sourceNodeID uint64,
) error {
	if e.reader == nil {
		return e.rejectSubscribe(exchCtx, imsg.StatusUnsupportedAccess)
	}

	minInterval, maxInterval, err := e.negotiateIntervals(exchCtx, req)
	if err != nil {
		return e.rejectSubscribe(exchCtx, imsg.StatusInvalidAction)
	}

	// Spec 8.5.3: a subsequent subscribe with KeepSubscriptions=false from
	// the same peer first cancels its existing subscriptions.
	if !req.KeepSubscriptions {
		e.cancelForPeer(fabric.FabricIndex(fabricIndex), fabric.NodeID(sourceNodeID))
	}

	id, err := e.allocateID()
	if err != nil {
		return e.rejectSubscribe(exchCtx, imsg.StatusResourceExhausted)
	}

	sub := &Subscription{
		id:             id,
		fabricIndex:    fabric.FabricIndex(fabricIndex),
		peerNodeID:     fabric.NodeID(sourceNodeID),
		attributePaths: req.AttributeRequests,
		eventPaths:     req.EventRequests,
		fabricFiltered: req.FabricFiltered,
		minInterval:    minInterval,
		maxInterval:    maxInterval,
		engine:         e,
		exchCtx:        exchCtx,
	}

	// Prime: read every subscribed attribute now, regardless of whether it
	// has "changed" (there is no prior value for a brand new subscription).
	paths := make([]datamodel.ConcreteAttributePath, 0, len(req.AttributeRequests))
	for _, p := range req.AttributeRequests {
		if cp, ok := toConcretePath(&p); ok {
			paths = append(paths, cp)
		}
	}

	if err := e.sendReportFor(sub, paths, req.AttributeRequests); err != nil {
		return err
	}

	if err := e.sendSubscribeResponse(exchCtx, id, maxInterval); err != nil {
		return err
	}

	sub.armTimersAfterPriming()

	e.mu.Lock()
	e.subs[id] = sub
	e.mu.Unlock()

	e.persist(sub)

	return nil
}

// armTimersAfterPriming starts the min-interval gate and the keepalive timer
// following the priming report sent outside of markDirty's locked path, so
// the priming report counts as "the prior report" for MinIntervalFloor
// purposes the same as any report sendReportLocked sends.
func (s *Subscription) armTimersAfterPriming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armMinTimerAfterPrimingLocked()
	s.rearmMaxTimerLocked()
}

// negotiateIntervals resolves the peer's requested interval bounds against
// server defaults, the cap, and (if the session identifies an ICD peer)
// the idle-mode duration bound.
func (e *Engine) negotiateIntervals(exchCtx *exchange.ExchangeContext, req *imsg.SubscribeRequestMessage) (time.Duration, time.Duration, error) {
	minInterval := time.Duration(req.MinIntervalFloorSeconds) * time.Second
	if minInterval == 0 {
		minInterval = MinIntervalFloorDefault
	}

	maxInterval := time.Duration(req.MaxIntervalCeilingSeconds) * time.Second
	if maxInterval == 0 {
		maxInterval = MaxIntervalCeilingDefault
	}
	if maxInterval > MaxIntervalCeilingCap {
		maxInterval = MaxIntervalCeilingCap
	}

	if exchCtx != nil {
		if sess, ok := exchCtx.Session().(interface{ GetParams() session.Params }); ok {
			maxInterval = boundMaxInterval(maxInterval, sess.GetParams().ICDIdleModeDuration)
		}
	}

	if minInterval > maxInterval {
		return 0, 0, ErrInvalidInterval
	}

	return minInterval, maxInterval, nil
}

// allocateID picks a random, currently-unused subscription ID.
func (e *Engine) allocateID() (imsg.SubscriptionID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for attempt := 0; attempt < 16; attempt++ {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		id := imsg.SubscriptionID(binary.LittleEndian.Uint32(buf[:]))
		if _, exists := e.subs[id]; !exists {
			return id, nil
		}
	}
	return 0, errors.New("subscription: failed to allocate a unique subscription ID")
}

// sendReportFor builds and sends a ReportData for the given concrete paths
// (reading fresh values through e.reader), addressed at the given wire
// paths so wildcard subscriptions still echo a concrete AttributePathIB per
// spec. An empty paths list produces an empty keepalive report.
func (e *Engine) sendReportFor(sub *Subscription, paths []datamodel.ConcreteAttributePath, wirePaths []imsg.AttributePathIB) error {
	var attributeReports []imsg.AttributeReportIB

	reportPaths := wirePaths
	if len(paths) > 0 {
		reportPaths = nil
		for _, p := range paths {
			ep, cl, at := p.Endpoint, p.Cluster, p.Attribute
			reportPaths = append(reportPaths, imsg.AttributePathIB{Endpoint: &ep, Cluster: &cl, Attribute: &at})
		}
	}

	for i := range reportPaths {
		path := reportPaths[i]
		result, err := e.reader(&im.ReadContext{
			FabricIndex:      uint8(sub.fabricIndex),
			IsFabricFiltered: sub.fabricFiltered,
			SourceNodeID:     uint64(sub.peerNodeID),
		}, path)
		if err != nil || result == nil {
			attributeReports = append(attributeReports, imsg.AttributeReportIB{
				AttributeStatus: &imsg.AttributeStatusIB{
					Path:   path,
					Status: imsg.StatusIB{Status: im.ErrorToStatus(err)},
				},
			})
			continue
		}
		if result.Status != nil {
			attributeReports = append(attributeReports, imsg.AttributeReportIB{
				AttributeStatus: &imsg.AttributeStatusIB{Path: path, Status: *result.Status},
			})
			continue
		}
		attributeReports = append(attributeReports, imsg.AttributeReportIB{
			AttributeData: &imsg.AttributeDataIB{
				DataVersion: result.DataVersion,
				Path:        path,
				Data:        result.Data,
			},
		})
	}

	subID := sub.id
	report := &imsg.ReportDataMessage{
		SubscriptionID:   &subID,
		AttributeReports: attributeReports,
		SuppressResponse: true,
	}

	fragmenter := im.NewFragmenter(e.maxPayload)
	chunks, err := fragmenter.FragmentReportData(report)
	if err != nil {
		return err
	}

	for _, chunk := range chunks {
		// Every chunk is sent as a standalone, unacknowledged-by-IM report:
		// MRP alone provides delivery confirmation for this server's
		// subscriptions, trading the spec's per-chunk StatusResponse flow
		// control for a simpler single pooled IM engine.
		chunk.SuppressResponse = true
		chunk.MoreChunkedMessages = false

		payload, err := im.EncodeReportData(chunk)
		if err != nil {
			return err
		}
		if sub.exchCtx == nil {
			continue
		}
		if err := sub.exchCtx.SendMessage(uint8(imsg.OpcodeReportData), payload, true); err != nil {
			return err
		}
	}

	return nil
}

// sendReport is the hook Subscription uses to push a report without
// returning an error up through im.SubscribeDelegate (the subscribe
// transaction has already completed by the time later reports fire).
func (e *Engine) sendReport(sub *Subscription, paths []datamodel.ConcreteAttributePath) {
	if err := e.sendReportFor(sub, paths, nil); err != nil {
		if e.log != nil {
			e.log.Warnf("subscription %d: report send failed, cancelling: %v", sub.id, err)
		}
		e.cancel(sub.id)
	}
}

// sendSubscribeResponse sends the SubscribeResponseMessage that completes
// subscription establishment.
func (e *Engine) sendSubscribeResponse(exchCtx *exchange.ExchangeContext, id imsg.SubscriptionID, maxInterval time.Duration) error {
	resp := &imsg.SubscribeResponseMessage{
		SubscriptionID: id,
		MaxInterval:    uint16(maxInterval / time.Second),
	}

	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := resp.Encode(w); err != nil {
		return err
	}

	if exchCtx == nil {
		return nil
	}
	return exchCtx.SendMessage(uint8(imsg.OpcodeSubscribeResponse), buf.Bytes(), true)
}

// rejectSubscribe sends a StatusResponse refusing the subscribe request.
func (e *Engine) rejectSubscribe(exchCtx *exchange.ExchangeContext, status imsg.Status) error {
	payload, err := im.EncodeStatusResponse(status)
	if err != nil {
		return err
	}
	if exchCtx == nil {
		return nil
	}
	return exchCtx.SendMessage(uint8(imsg.OpcodeStatusResponse), payload, true)
}

// OnAttributeChanged implements datamodel.AttributeChangeListener, fanning
// the change out to every subscription covering that path.
func (e *Engine) OnAttributeChanged(path datamodel.ConcreteAttributePath) {
	e.mu.Lock()
	subs := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	for _, s := range subs {
		s.markDirty(path)
	}
}

// HandleExchangeClosed implements the companion hook im.Engine calls from
// OnClose, cleaning up any subscription whose reporting exchange closed
// (peer disconnect, session loss, idle timeout).
func (e *Engine) HandleExchangeClosed(exchCtx *exchange.ExchangeContext) {
	e.mu.Lock()
	var found *imsg.SubscriptionID
	for id, s := range e.subs {
		if s.exchCtx == exchCtx {
			idCopy := id
			found = &idCopy
			break
		}
	}
	e.mu.Unlock()

	if found != nil {
		e.cancel(*found)
	}
}

// cancelForPeer cancels every subscription held by the given peer.
func (e *Engine) cancelForPeer(fabricIndex fabric.FabricIndex, nodeID fabric.NodeID) {
	e.mu.Lock()
	var ids []imsg.SubscriptionID
	for id, s := range e.subs {
		if s.fabricIndex == fabricIndex && s.peerNodeID == nodeID {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.cancel(id)
	}
}

// CancelForFabric cancels every subscription on fabricIndex, for use when a
// fabric is removed (commissioning factory-reset, RemoveFabric command).
func (e *Engine) CancelForFabric(fabricIndex fabric.FabricIndex) {
	e.mu.Lock()
	var ids []imsg.SubscriptionID
	for id, s := range e.subs {
		if s.fabricIndex == fabricIndex {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.cancel(id)
	}
}

// cancel removes and stops a subscription and deletes its persisted record.
func (e *Engine) cancel(id imsg.SubscriptionID) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	if ok {
		delete(e.subs, id)
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	sub.close()

	if e.store != nil {
		_ = e.store.DeleteSubscription(uint32(id))
	}
}

// persist writes sub to the configured store, if any.
func (e *Engine) persist(sub *Subscription) {
	if e.store == nil {
		return
	}

	var attrBuf, eventBuf bytes.Buffer
	if err := encodeAttributePaths(&attrBuf, sub.attributePaths); err != nil {
		return
	}
	if err := encodeEventPaths(&eventBuf, sub.eventPaths); err != nil {
		return
	}

	_ = e.store.SaveSubscription(SubscriptionRecord{
		SubscriptionID:            uint32(sub.id),
		FabricIndex:               sub.fabricIndex,
		PeerNodeID:                sub.peerNodeID,
		AttributePaths:            attrBuf.Bytes(),
		EventPaths:                eventBuf.Bytes(),
		FabricFiltered:            sub.fabricFiltered,
		MinIntervalFloorSeconds:   uint16(sub.minInterval / time.Second),
		MaxIntervalCeilingSeconds: uint16(sub.maxInterval / time.Second),
	})
}

// Count returns the number of active subscriptions, for diagnostics.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func toConcretePath(p *imsg.AttributePathIB) (datamodel.ConcreteAttributePath, bool) {
	if p.Endpoint == nil || p.Cluster == nil || p.Attribute == nil {
		return datamodel.ConcreteAttributePath{}, false
	}
	return datamodel.ConcreteAttributePath{
		Endpoint:  datamodel.EndpointID(*p.Endpoint),
		Cluster:   datamodel.ClusterID(*p.Cluster),
		Attribute: datamodel.AttributeID(*p.Attribute),
	}, true
}
