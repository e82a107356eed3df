// Package subscription implements the server side of the Matter Subscribe
// Interaction: long-lived attribute/event reporting sessions established by
// a SubscribeRequest and maintained by periodic reports until cancelled.
//
// Spec Reference: Section 8.5 "Subscribe Interaction"
package subscription

import (
	"sync"
	"time"

	"github.com/mattergrid/node/pkg/datamodel"
	"github.com/mattergrid/node/pkg/exchange"
	"github.com/mattergrid/node/pkg/fabric"
	imsg "github.com/mattergrid/node/pkg/im/message"
)

// Subscription tracks one active, server-side subscription: the set of
// attribute/event paths a peer subscribed to, the negotiated reporting
// interval, and the exchange reports are pushed over.
//
// Spec: 8.5.3 "Subscribe Interaction Subscription Establishment"
type Subscription struct {
	id          imsg.SubscriptionID
	fabricIndex fabric.FabricIndex
	peerNodeID  fabric.NodeID

	attributePaths []imsg.AttributePathIB
	eventPaths     []imsg.EventPathIB
	fabricFiltered bool

	minInterval time.Duration
	maxInterval time.Duration

	engine *Engine

	mu         sync.Mutex
	exchCtx    *exchange.ExchangeContext
	dirty      map[datamodel.ConcreteAttributePath]struct{}
	minTimer   *time.Timer
	maxTimer   *time.Timer
	inMinDelay bool
	closed     bool
}

// ID returns the subscription identifier sent to the peer.
func (s *Subscription) ID() imsg.SubscriptionID {
	return s.id
}

// matchesAttribute reports whether path is covered by one of this
// subscription's (possibly wildcarded) attribute paths.
func (s *Subscription) matchesAttribute(path datamodel.ConcreteAttributePath) bool {
	for _, p := range s.attributePaths {
		if attributePathMatches(&p, path) {
			return true
		}
	}
	return false
}

func attributePathMatches(p *imsg.AttributePathIB, path datamodel.ConcreteAttributePath) bool {
	if p.Endpoint != nil && *p.Endpoint != path.Endpoint {
		return false
	}
	if p.Cluster != nil && *p.Cluster != path.Cluster {
		return false
	}
	if p.Attribute != nil && *p.Attribute != path.Attribute {
		return false
	}
	return true
}

// markDirty records that path changed and schedules a report, respecting
// the negotiated minimum reporting interval.
//
// Spec 8.5.3: "a server SHALL NOT send a report... until MinIntervalFloor
// has elapsed since the last report was generated for the subscription."
func (s *Subscription) markDirty(path datamodel.ConcreteAttributePath) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.matchesAttribute(path) {
		return
	}

	if s.dirty == nil {
		s.dirty = make(map[datamodel.ConcreteAttributePath]struct{})
	}
	s.dirty[path] = struct{}{}

	if s.inMinDelay {
		// A report is already pending for when the floor elapses; the
		// newly dirtied path rides along with it.
		return
	}

	s.sendReportLocked()
}

// sendReportLocked builds and sends a report for the currently dirty paths
// (or an empty keepalive report if none), then arms the min/max timers.
// Callers must hold s.mu.
func (s *Subscription) sendReportLocked() {
	paths := make([]datamodel.ConcreteAttributePath, 0, len(s.dirty))
	for p := range s.dirty {
		paths = append(paths, p)
	}
	s.dirty = nil

	s.engine.sendReport(s, paths)

	s.inMinDelay = true
	if s.minTimer != nil {
		s.minTimer.Stop()
	}
	s.minTimer = time.AfterFunc(s.minInterval, s.onMinIntervalElapsed)

	s.rearmMaxTimerLocked()
}

// onMinIntervalElapsed flushes any paths dirtied during the minimum
// reporting interval, or simply clears the gate if nothing changed.
func (s *Subscription) onMinIntervalElapsed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inMinDelay = false
	if s.closed {
		return
	}
	if len(s.dirty) > 0 {
		s.sendReportLocked()
	}
}

// rearmMaxTimerLocked resets the keepalive timer; callers must hold s.mu.
func (s *Subscription) rearmMaxTimerLocked() {
	if s.maxTimer != nil {
		s.maxTimer.Stop()
	}
	s.maxTimer = time.AfterFunc(s.maxInterval, s.onMaxIntervalElapsed)
}

// armMinTimerAfterPrimingLocked starts the minimum-interval gate following
// the priming report, the same way sendReportLocked does for every report
// after it. Callers must hold s.mu.
func (s *Subscription) armMinTimerAfterPrimingLocked() {
	s.inMinDelay = true
	if s.minTimer != nil {
		s.minTimer.Stop()
	}
	s.minTimer = time.AfterFunc(s.minInterval, s.onMinIntervalElapsed)
}

// onMaxIntervalElapsed sends an empty report to demonstrate liveness, per
// Spec 8.5.3: "the server SHALL generate and transmit a report... with no
// data, within MaxInterval of the prior report."
func (s *Subscription) onMaxIntervalElapsed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.engine.sendReport(s, nil)
	s.rearmMaxTimerLocked()
}

// close stops the subscription's timers. Callers must not hold s.mu.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.minTimer != nil {
		s.minTimer.Stop()
	}
	if s.maxTimer != nil {
		s.maxTimer.Stop()
	}
}

// boundMaxInterval clamps a requested MaxIntervalCeiling to the session's
// ICD idle-mode duration, if the peer is an Intermittently Connected
// Device.
//
// Spec: 9.16.5 "ICD Management Cluster" - MaximumSubscriptionInterval
func boundMaxInterval(requested time.Duration, icdIdleMode time.Duration) time.Duration {
	if icdIdleMode <= 0 {
		return requested
	}
	if requested > icdIdleMode {
		return icdIdleMode
	}
	return requested
}

