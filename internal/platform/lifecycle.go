package platform

import (
	"fmt"
	"slices"

	"github.com/danmuck/collabd/internal/collab"
)

func (p *Static) Register(bundleNames []string, cb collab.LifecycleCallback) (collab.ObserverID, error) {
	if cb == nil || len(bundleNames) == 0 {
		return 0, fmt.Errorf("platform: register needs a callback and at least one bundle")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.observers[p.nextID] = observer{bundles: slices.Clone(bundleNames), cb: cb}
	return p.nextID, nil
}

func (p *Static) Unregister(id collab.ObserverID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.observers[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownObserver, id)
	}
	delete(p.observers, id)
	return nil
}

// Observers reports the live observer registrations.
func (p *Static) Observers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observers)
}

// Foreground, Background, and Died simulate application lifecycle changes.
// Each callback is delivered once per distinct observer callback.

func (p *Static) Foreground(bundleName string, pid int32) {
	for _, cb := range p.watchers(bundleName) {
		cb.OnForeground(bundleName, pid)
	}
}

func (p *Static) Background(bundleName string, pid int32) {
	for _, cb := range p.watchers(bundleName) {
		cb.OnBackground(bundleName, pid)
	}
}

func (p *Static) Died(bundleName string, pid int32) {
	for _, cb := range p.watchers(bundleName) {
		cb.OnDied(bundleName, pid)
	}
}

func (p *Static) watchers(bundleName string) []collab.LifecycleCallback {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []collab.LifecycleCallback
	for _, o := range p.observers {
		if !slices.Contains(o.bundles, bundleName) {
			continue
		}
		if slices.Contains(out, o.cb) {
			continue
		}
		out = append(out, o.cb)
	}
	return out
}
