package collab

import (
	"sync"
	"time"

	logs "github.com/danmuck/collabd/internal/logging"
)

type taskKey struct {
	kind string
	id   string
}

func (k taskKey) String() string {
	return k.kind + ":" + k.id
}

type firing struct {
	key taskKey
	gen uint64
}

type timedTask struct {
	gen   uint64
	timer *time.Timer
	fn    func()
}

// housekeeper runs keyed delayed tasks on one goroutine. Rescheduling a key
// replaces its pending task; a timer that fires after its key was cancelled
// or rescheduled is ignored.
type housekeeper struct {
	mu     sync.Mutex
	gen    uint64
	tasks  map[taskKey]*timedTask
	fired  chan firing
	quit   chan struct{}
	done   chan struct{}
	closed bool
}

func newHousekeeper() *housekeeper {
	h := &housekeeper{
		tasks: make(map[taskKey]*timedTask),
		fired: make(chan firing, 64),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *housekeeper) schedule(key taskKey, after time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if prev, ok := h.tasks[key]; ok {
		prev.timer.Stop()
	}
	h.gen++
	f := firing{key: key, gen: h.gen}
	task := &timedTask{gen: h.gen, fn: fn}
	task.timer = time.AfterFunc(after, func() {
		select {
		case h.fired <- f:
		case <-h.quit:
		}
	})
	h.tasks[key] = task
}

// cancel reports whether a pending task was removed.
func (h *housekeeper) cancel(key taskKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	task, ok := h.tasks[key]
	if !ok {
		return false
	}
	task.timer.Stop()
	delete(h.tasks, key)
	return true
}

func (h *housekeeper) pending(key taskKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.tasks[key]
	return ok
}

func (h *housekeeper) run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			return
		case f := <-h.fired:
			h.mu.Lock()
			task, ok := h.tasks[f.key]
			if !ok || task.gen != f.gen {
				h.mu.Unlock()
				logs.Debugf("collab.housekeeper stale task key=%s gen=%d", f.key, f.gen)
				continue
			}
			delete(h.tasks, f.key)
			h.mu.Unlock()
			task.fn()
		}
	}
}

func (h *housekeeper) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.done
		return
	}
	h.closed = true
	for key, task := range h.tasks {
		task.timer.Stop()
		delete(h.tasks, key)
	}
	h.mu.Unlock()
	close(h.quit)
	<-h.done
}
