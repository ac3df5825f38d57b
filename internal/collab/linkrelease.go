package collab

import (
	"fmt"
	"strconv"

	logs "github.com/danmuck/collabd/internal/logging"
)

func linkKey(bundleName string, pid int32) taskKey {
	return taskKey{kind: "link", id: bundleName + "/" + strconv.FormatInt(int64(pid), 10)}
}

// ReleaseAbilityLink schedules every session of bundleName/pid to end with
// LinkReleased after the configured delay. A later call restarts the delay.
func (r *Registry) ReleaseAbilityLink(bundleName string, pid int32) {
	key := linkKey(bundleName, pid)
	r.hk.schedule(key, r.cfg.LinkReleaseDelay, func() {
		n := r.endMatching(bundleName, pid, ErrEndEvent(fmt.Errorf("%w: %s pid=%d", ErrLinkReleased, bundleName, pid)))
		logs.Infof("collab.Registry.ReleaseAbilityLink fired bundle=%q pid=%d sessions=%d", bundleName, pid, n)
	})
	logs.Debugf("collab.Registry.ReleaseAbilityLink scheduled key=%s delay=%s", key, r.cfg.LinkReleaseDelay)
}

// CancelReleaseAbilityLink drops a pending release for bundleName/pid.
func (r *Registry) CancelReleaseAbilityLink(bundleName string, pid int32) {
	if r.hk.cancel(linkKey(bundleName, pid)) {
		logs.Debugf("collab.Registry.CancelReleaseAbilityLink bundle=%q pid=%d", bundleName, pid)
	}
}

// LinkReleasePending reports whether a release for bundleName/pid is armed.
func (r *Registry) LinkReleasePending(bundleName string, pid int32) bool {
	return r.hk.pending(linkKey(bundleName, pid))
}

func (r *Registry) OnForeground(bundleName string, pid int32) {
	r.CancelReleaseAbilityLink(bundleName, pid)
}

func (r *Registry) OnBackground(bundleName string, pid int32) {
	r.ReleaseAbilityLink(bundleName, pid)
}

func (r *Registry) OnDied(bundleName string, pid int32) {
	r.CancelReleaseAbilityLink(bundleName, pid)
	n := r.endMatching(bundleName, pid, ErrEndEvent(fmt.Errorf("%w: %s pid=%d", ErrAbilityDied, bundleName, pid)))
	logs.Infof("collab.Registry.OnDied bundle=%q pid=%d sessions=%d", bundleName, pid, n)
}

// endMatching posts ev to every session whose local end is bundleName. A
// local pid of zero is unknown and matches any pid.
func (r *Registry) endMatching(bundleName string, pid int32, ev Event) int {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	n := 0
	for _, s := range list {
		snap := s.Snapshot()
		local := snap.Info.Local()
		if local.BundleName != bundleName {
			continue
		}
		if local.Pid != 0 && pid != 0 && local.Pid != pid {
			continue
		}
		if err := s.PostEvent(ev); err != nil {
			logs.Debugf("collab.Registry.endMatching token=%q err=%v", s.token, err)
			continue
		}
		n++
	}
	return n
}
