package collab

import (
	"context"
	"fmt"
	"time"

	logs "github.com/danmuck/collabd/internal/logging"
)

// decision is one connect-decision slot per peer device. done closes when
// the decision arrives; every waiter on the slot sees the same outcome.
type decision struct {
	done     chan struct{}
	accepted bool
	decided  bool
}

func newDecision() *decision {
	return &decision{done: make(chan struct{})}
}

// slotLocked returns the open slot for peer, replacing a decided one when
// fresh is set. r.mu must be held.
func (r *Registry) slotLocked(peer string, fresh bool) *decision {
	d, ok := r.decisions[peer]
	if !ok || (fresh && d.decided) {
		d = newDecision()
		r.decisions[peer] = d
	}
	return d
}

// NotifyAllConnectDecision releases every session waiting on peer.
func (r *Registry) NotifyAllConnectDecision(peerDeviceID string, accepted bool) {
	r.mu.Lock()
	d := r.slotLocked(peerDeviceID, false)
	if d.decided {
		r.mu.Unlock()
		logs.Debugf("collab.Registry.NotifyAllConnectDecision already decided peer=%q", peerDeviceID)
		return
	}
	d.decided = true
	d.accepted = accepted
	close(d.done)
	r.mu.Unlock()
	logs.Infof("collab.Registry.NotifyAllConnectDecision peer=%q accepted=%t", peerDeviceID, accepted)
}

// WaitAllConnectDecision blocks until a decision for peer arrives, ctx ends,
// or the decision timeout passes. Only an explicit acceptance returns true.
func (r *Registry) WaitAllConnectDecision(ctx context.Context, peerDeviceID string) bool {
	r.mu.Lock()
	d := r.slotLocked(peerDeviceID, false)
	r.mu.Unlock()

	timer := time.NewTimer(r.cfg.DecisionTimeout)
	defer timer.Stop()
	select {
	case <-d.done:
		return d.accepted
	case <-timer.C:
		logs.Warnf("collab.Registry.WaitAllConnectDecision timeout peer=%q after=%s", peerDeviceID, r.cfg.DecisionTimeout)
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Registry) awaitDecision(ctx context.Context, peerDeviceID string) error {
	if r.deps.Arbiter == nil {
		return nil
	}
	r.mu.Lock()
	r.slotLocked(peerDeviceID, true)
	r.mu.Unlock()

	if err := r.deps.Arbiter.RequestLink(ctx, peerDeviceID); err != nil {
		return fmt.Errorf("%w: request link to %q: %v", ErrConnectRejected, peerDeviceID, err)
	}
	if !r.WaitAllConnectDecision(ctx, peerDeviceID) {
		return fmt.Errorf("%w: peer=%q", ErrConnectRejected, peerDeviceID)
	}
	return nil
}
