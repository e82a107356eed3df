package subscription

import (
	"sync"
	"testing"
	"time"

	"github.com/mattergrid/node/pkg/datamodel"
	"github.com/mattergrid/node/pkg/fabric"
	"github.com/mattergrid/node/pkg/im"
	imsg "github.com/mattergrid/node/pkg/im/message"
)

// fakeStore is a minimal in-memory Store for tests, avoiding a dependency
// on pkg/matter (which itself depends on this package).
type fakeStore struct {
	mu      sync.Mutex
	records map[uint32]SubscriptionRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[uint32]SubscriptionRecord)}
}

func (s *fakeStore) LoadSubscriptions() ([]SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubscriptionRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) SaveSubscription(rec SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SubscriptionID] = rec
	return nil
}

func (s *fakeStore) DeleteSubscription(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func wildcardAttributePath(endpoint imsg.EndpointID, cluster imsg.ClusterID) imsg.AttributePathIB {
	ep := endpoint
	cl := cluster
	return imsg.AttributePathIB{Endpoint: &ep, Cluster: &cl}
}

func countingReader(calls *int) im.AttributeReader {
	return func(ctx *im.ReadContext, path imsg.AttributePathIB) (*im.AttributeResult, error) {
		*calls++
		return &im.AttributeResult{DataVersion: 1, Data: []byte{0x15, 0x18}}, nil
	}
}

func TestEngine_HandleSubscribeRequest_PrimesAndRegisters(t *testing.T) {
	var calls int
	e := NewEngine(Config{Reader: countingReader(&calls)})

	req := &imsg.SubscribeRequestMessage{
		KeepSubscriptions:         true,
		MinIntervalFloorSeconds:   1,
		MaxIntervalCeilingSeconds: 2,
		AttributeRequests:         []imsg.AttributePathIB{wildcardAttributePath(1, 6)},
	}

	if err := e.HandleSubscribeRequest(nil, req, 1, 100); err != nil {
		t.Fatalf("HandleSubscribeRequest: %v", err)
	}

	if e.Count() != 1 {
		t.Fatalf("expected 1 active subscription, got %d", e.Count())
	}
	if calls != 1 {
		t.Fatalf("expected the priming report to read once, got %d reads", calls)
	}
}

func TestEngine_HandleSubscribeRequest_InvalidIntervalRejected(t *testing.T) {
	var calls int
	e := NewEngine(Config{Reader: countingReader(&calls)})

	req := &imsg.SubscribeRequestMessage{
		MinIntervalFloorSeconds:   10,
		MaxIntervalCeilingSeconds: 5,
		AttributeRequests:         []imsg.AttributePathIB{wildcardAttributePath(1, 6)},
	}

	if err := e.HandleSubscribeRequest(nil, req, 1, 100); err != nil {
		t.Fatalf("HandleSubscribeRequest: %v", err)
	}

	if e.Count() != 0 {
		t.Fatalf("expected no subscription registered for an invalid interval, got %d", e.Count())
	}
	if calls != 0 {
		t.Fatalf("expected no priming read for a rejected subscribe, got %d", calls)
	}
}

func TestEngine_HandleSubscribeRequest_NoReaderRejected(t *testing.T) {
	e := NewEngine(Config{})

	req := &imsg.SubscribeRequestMessage{
		MinIntervalFloorSeconds:   1,
		MaxIntervalCeilingSeconds: 2,
	}

	if err := e.HandleSubscribeRequest(nil, req, 1, 100); err != nil {
		t.Fatalf("HandleSubscribeRequest: %v", err)
	}
	if e.Count() != 0 {
		t.Fatalf("expected no subscription without a reader, got %d", e.Count())
	}
}

func TestEngine_OnAttributeChanged_SendsReportForMatchingSubscription(t *testing.T) {
	var calls int
	e := NewEngine(Config{Reader: countingReader(&calls)})

	// A 1-second floor is long enough to tell "gated until the floor
	// elapses" apart from "sent immediately" without flaking on CI
	// scheduling jitter at millisecond granularity.
	req := &imsg.SubscribeRequestMessage{
		MinIntervalFloorSeconds:   1,
		MaxIntervalCeilingSeconds: 60,
		AttributeRequests:         []imsg.AttributePathIB{wildcardAttributePath(1, 6)},
	}
	if err := e.HandleSubscribeRequest(nil, req, 1, 100); err != nil {
		t.Fatalf("HandleSubscribeRequest: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 priming read, got %d", calls)
	}

	e.OnAttributeChanged(datamodel.ConcreteAttributePath{
		Endpoint: 1, Cluster: 6, Attribute: 0,
	})

	// The priming report counts as the prior report for MinIntervalFloor
	// purposes, so a change arriving well inside the floor must NOT send
	// immediately.
	time.Sleep(300 * time.Millisecond)
	if calls != 1 {
		t.Fatalf("expected the change to be gated by the min interval floor, got %d calls", calls)
	}

	deadline := time.Now().Add(3 * time.Second)
	for calls < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if calls < 2 {
		t.Fatalf("expected OnAttributeChanged to trigger a report read once the floor elapsed, got %d calls", calls)
	}
}

func TestEngine_OnAttributeChanged_IgnoresNonMatchingPath(t *testing.T) {
	var calls int
	e := NewEngine(Config{Reader: countingReader(&calls)})

	req := &imsg.SubscribeRequestMessage{
		MinIntervalFloorSeconds:   1,
		MaxIntervalCeilingSeconds: 60,
		AttributeRequests: []imsg.AttributePathIB{
			wildcardAttributePath(1, 6),
		},
	}
	if err := e.HandleSubscribeRequest(nil, req, 1, 100); err != nil {
		t.Fatalf("HandleSubscribeRequest: %v", err)
	}
	baseline := calls

	e.OnAttributeChanged(datamodel.ConcreteAttributePath{
		Endpoint: 2, Cluster: 6, Attribute: 0,
	})

	time.Sleep(50 * time.Millisecond)
	if calls != baseline {
		t.Fatalf("expected no report for a non-matching endpoint, got %d extra reads", calls-baseline)
	}
}

func TestEngine_CancelForFabric(t *testing.T) {
	var calls int
	e := NewEngine(Config{Reader: countingReader(&calls)})

	req := &imsg.SubscribeRequestMessage{
		MinIntervalFloorSeconds:   1,
		MaxIntervalCeilingSeconds: 2,
		AttributeRequests:         []imsg.AttributePathIB{wildcardAttributePath(1, 6)},
	}
	if err := e.HandleSubscribeRequest(nil, req, 3, 100); err != nil {
		t.Fatalf("HandleSubscribeRequest: %v", err)
	}
	if e.Count() != 1 {
		t.Fatalf("expected 1 subscription, got %d", e.Count())
	}

	e.CancelForFabric(fabric.FabricIndex(3))

	if e.Count() != 0 {
		t.Fatalf("expected CancelForFabric to remove the subscription, got %d remaining", e.Count())
	}
}

func TestEngine_KeepSubscriptionsFalseCancelsPriorFromSamePeer(t *testing.T) {
	var calls int
	e := NewEngine(Config{Reader: countingReader(&calls)})

	first := &imsg.SubscribeRequestMessage{
		KeepSubscriptions:         true,
		MinIntervalFloorSeconds:   1,
		MaxIntervalCeilingSeconds: 2,
		AttributeRequests:         []imsg.AttributePathIB{wildcardAttributePath(1, 6)},
	}
	if err := e.HandleSubscribeRequest(nil, first, 1, 100); err != nil {
		t.Fatalf("first HandleSubscribeRequest: %v", err)
	}

	second := &imsg.SubscribeRequestMessage{
		KeepSubscriptions:         false,
		MinIntervalFloorSeconds:   1,
		MaxIntervalCeilingSeconds: 2,
		AttributeRequests:         []imsg.AttributePathIB{wildcardAttributePath(1, 8)},
	}
	if err := e.HandleSubscribeRequest(nil, second, 1, 100); err != nil {
		t.Fatalf("second HandleSubscribeRequest: %v", err)
	}

	if e.Count() != 1 {
		t.Fatalf("expected the first subscription to be replaced, got %d active", e.Count())
	}
}

func TestEngine_Persistence_SaveAndLoad(t *testing.T) {
	var calls int
	store := newFakeStore()
	e := NewEngine(Config{Reader: countingReader(&calls), Store: store})

	req := &imsg.SubscribeRequestMessage{
		MinIntervalFloorSeconds:   1,
		MaxIntervalCeilingSeconds: 2,
		AttributeRequests:         []imsg.AttributePathIB{wildcardAttributePath(1, 6)},
	}
	if err := e.HandleSubscribeRequest(nil, req, 5, 200); err != nil {
		t.Fatalf("HandleSubscribeRequest: %v", err)
	}

	if len(store.records) != 1 {
		t.Fatalf("expected subscribe to persist a record, got %d", len(store.records))
	}

	restored := NewEngine(Config{Reader: countingReader(&calls), Store: store})
	if err := restored.LoadPersisted(); err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	if restored.Count() != 1 {
		t.Fatalf("expected restored engine to have 1 subscription, got %d", restored.Count())
	}
}

func TestEngine_Cancel_DeletesPersistedRecord(t *testing.T) {
	var calls int
	store := newFakeStore()
	e := NewEngine(Config{Reader: countingReader(&calls), Store: store})

	req := &imsg.SubscribeRequestMessage{
		MinIntervalFloorSeconds:   1,
		MaxIntervalCeilingSeconds: 2,
		AttributeRequests:         []imsg.AttributePathIB{wildcardAttributePath(1, 6)},
	}
	if err := e.HandleSubscribeRequest(nil, req, 5, 200); err != nil {
		t.Fatalf("HandleSubscribeRequest: %v", err)
	}

	e.CancelForFabric(fabric.FabricIndex(5))

	if len(store.records) != 0 {
		t.Fatalf("expected cancellation to delete the persisted record, got %d", len(store.records))
	}
}
