package subscription

import "github.com/mattergrid/node/pkg/fabric"

// SubscriptionRecord is the persisted form of a server-side subscription,
// sufficient to re-establish reporting to the peer after a restart without
// requiring the peer to re-subscribe.
//
// Spec: 8.5.3 "Subscribe Interaction Subscription Establishment"
type SubscriptionRecord struct {
	// SubscriptionID identifies the subscription to the peer.
	SubscriptionID uint32

	// FabricIndex and PeerNodeID identify the subscriber.
	FabricIndex fabric.FabricIndex
	PeerNodeID  fabric.NodeID

	// AttributePaths and EventPaths are the TLV-encoded path lists, as
	// produced by encodeAttributePaths/encodeEventPaths.
	AttributePaths []byte
	EventPaths     []byte

	FabricFiltered bool

	MinIntervalFloorSeconds   uint16
	MaxIntervalCeilingSeconds uint16
}

// Store persists SubscriptionRecords for re-establishment across restarts.
// matter.Storage satisfies this interface; it is declared here, rather than
// imported from pkg/matter, so this package stays a leaf dependency of
// pkg/matter instead of importing back into it.
type Store interface {
	LoadSubscriptions() ([]SubscriptionRecord, error)
	SaveSubscription(rec SubscriptionRecord) error
	DeleteSubscription(id uint32) error
}
