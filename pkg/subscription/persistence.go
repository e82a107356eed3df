package subscription

import (
	"bytes"
	"io"
	"time"

	"github.com/mattergrid/node/pkg/exchange"
	"github.com/mattergrid/node/pkg/fabric"
	imsg "github.com/mattergrid/node/pkg/im/message"
	"github.com/mattergrid/node/pkg/tlv"
)

func secondsToDuration(s uint16) time.Duration {
	return time.Duration(s) * time.Second
}

// encodeAttributePaths TLV-encodes a path list as a top-level anonymous
// array, the serialization this package uses for matter.SubscriptionRecord.
func encodeAttributePaths(buf *bytes.Buffer, paths []imsg.AttributePathIB) error {
	w := tlv.NewWriter(buf)
	if err := w.StartArray(tlv.Anonymous()); err != nil {
		return err
	}
	for i := range paths {
		if err := paths[i].EncodeWithTag(w, tlv.Anonymous()); err != nil {
			return err
		}
	}
	return w.EndContainer()
}

func decodeAttributePaths(data []byte) ([]imsg.AttributePathIB, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := tlv.NewReader(bytes.NewReader(data))
	if err := r.Next(); err != nil {
		return nil, err
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}
	var paths []imsg.AttributePathIB
	for {
		if err := r.Next(); err != nil {
			if err == io.EOF || r.IsEndOfContainer() {
				break
			}
			return nil, err
		}
		if r.IsEndOfContainer() {
			break
		}
		var p imsg.AttributePathIB
		if err := p.DecodeFrom(r); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	if err := r.ExitContainer(); err != nil {
		return nil, err
	}
	return paths, nil
}

func encodeEventPaths(buf *bytes.Buffer, paths []imsg.EventPathIB) error {
	w := tlv.NewWriter(buf)
	if err := w.StartArray(tlv.Anonymous()); err != nil {
		return err
	}
	for i := range paths {
		if err := paths[i].EncodeWithTag(w, tlv.Anonymous()); err != nil {
			return err
		}
	}
	return w.EndContainer()
}

func decodeEventPaths(data []byte) ([]imsg.EventPathIB, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := tlv.NewReader(bytes.NewReader(data))
	if err := r.Next(); err != nil {
		return nil, err
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}
	var paths []imsg.EventPathIB
	for {
		if err := r.Next(); err != nil {
			if err == io.EOF || r.IsEndOfContainer() {
				break
			}
			return nil, err
		}
		if r.IsEndOfContainer() {
			break
		}
		var p imsg.EventPathIB
		if err := p.DecodeFrom(r); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	if err := r.ExitContainer(); err != nil {
		return nil, err
	}
	return paths, nil
}

// LoadPersisted restores subscription bookkeeping from the configured
// store after a restart. Restored subscriptions have no attached exchange
// and send no reports until AttachExchange binds one, which happens once
// the subscriber's session is re-established and recognized by fabric
// index and peer node ID (see Subscribe Interaction's "Subscription
// Re-establishment", Spec 4.13.2.3). Reconnecting to the peer proactively
// (e.g. via mDNS resolution) is not attempted here: this server passively
// waits for the peer's own re-establishment, since it is the peer's
// responsibility to maintain reachability to its subscription.
func (e *Engine) LoadPersisted() error {
	if e.store == nil {
		return nil
	}

	records, err := e.store.LoadSubscriptions()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rec := range records {
		attrPaths, err := decodeAttributePaths(rec.AttributePaths)
		if err != nil {
			continue
		}
		eventPaths, err := decodeEventPaths(rec.EventPaths)
		if err != nil {
			continue
		}

		id := imsg.SubscriptionID(rec.SubscriptionID)
		e.subs[id] = &Subscription{
			id:             id,
			fabricIndex:    rec.FabricIndex,
			peerNodeID:     rec.PeerNodeID,
			attributePaths: attrPaths,
			eventPaths:     eventPaths,
			fabricFiltered: rec.FabricFiltered,
			minInterval:    secondsToDuration(rec.MinIntervalFloorSeconds),
			maxInterval:    secondsToDuration(rec.MaxIntervalCeilingSeconds),
			engine:         e,
		}
	}

	return nil
}

// AttachExchange rebinds a restored (or liveness-lost) subscription to a
// freshly re-established exchange with the same peer, resuming reporting.
func (e *Engine) AttachExchange(id imsg.SubscriptionID, exchCtx *exchange.ExchangeContext) bool {
	e.mu.Lock()
	sub, ok := e.subs[id]
	e.mu.Unlock()
	if !ok {
		return false
	}

	sub.mu.Lock()
	sub.exchCtx = exchCtx
	sub.closed = false
	sub.mu.Unlock()

	sub.rearmMaxTimerAfterPriming()
	return true
}

// FindForPeer returns the subscription IDs held by a given peer, so a
// session layer can re-attach them by fabric+node identity once a new
// secure session to that peer is established.
func (e *Engine) FindForPeer(fabricIndex fabric.FabricIndex, nodeID fabric.NodeID) []imsg.SubscriptionID {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []imsg.SubscriptionID
	for id, s := range e.subs {
		if s.fabricIndex == fabricIndex && s.peerNodeID == nodeID {
			ids = append(ids, id)
		}
	}
	return ids
}
