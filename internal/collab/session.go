package collab

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logs "github.com/danmuck/collabd/internal/logging"
	"github.com/danmuck/collabd/internal/protocol/command"
)

// sessionHost is the registry surface a session may call back into.
type sessionHost interface {
	detach(s *Session, code Code)
	bindChannel(token string, channelID int32)
	cancelTimeout(token string)
	awaitDecision(ctx context.Context, peerDeviceID string) error
	lifecycleCallback() LifecycleCallback
}

// Session is one collaboration actor: a mailbox goroutine that owns the
// session's Info and state machine and executes events strictly in order.
type Session struct {
	token   string
	host    sessionHost
	deps    Deps
	cfg     Config
	created time.Time

	ctx    context.Context
	cancel context.CancelFunc

	initOnce  sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	ready     chan struct{}
	done      chan struct{}
	wake      chan struct{}

	mu       sync.Mutex
	queue    []Event
	draining bool
	stopped  bool
	snap     Snapshot
	deadline time.Time

	// owned by the loop goroutine
	info      Info
	machine   *StateMachine
	channelID int32
	connected bool
	notified  bool
	cleaned   bool
	endCode   Code
	observer  ObserverID
	observing bool
	msgSeq    uint64
}

func newSession(host sessionHost, cfg Config, deps Deps, info Info, channelID int32, connected bool) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		token:     info.Token,
		host:      host,
		deps:      deps,
		cfg:       cfg,
		created:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		info:      info,
		channelID: channelID,
		connected: connected,
	}
	initial := StateSrcStart
	if info.Direction == DirectionSink {
		initial = StateSinkStart
	}
	s.snap = Snapshot{Token: s.token, State: initial.String(), ChannelID: channelID, Info: info.clone()}
	return s
}

// Token returns the session's collaboration token.
func (s *Session) Token() string {
	return s.token
}

// Direction returns which end this session plays.
func (s *Session) Direction() Direction {
	return s.info.Direction
}

// Init starts the mailbox loop and returns once it is running. Repeated
// calls are no-ops.
func (s *Session) Init() {
	s.initOnce.Do(func() {
		s.started.Store(true)
		go s.run()
		<-s.ready
	})
}

// PostEvent queues ev for the loop. It never runs ev on the caller's
// goroutine. A teardown event discards pending non-teardown events and, once
// queued, further non-teardown events are refused.
func (s *Session) PostEvent(ev Event) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("%w: token=%q event=%s", ErrSessionStopped, s.token, ev)
	}
	if ev.Type.teardown() {
		kept := s.queue[:0]
		for _, queued := range s.queue {
			if queued.Type.teardown() {
				kept = append(kept, queued)
			}
		}
		if dropped := len(s.queue) - len(kept); dropped > 0 {
			logs.Debugf("collab.Session.PostEvent token=%q teardown=%s dropped=%d", s.token, ev, dropped)
		}
		s.queue = append(kept, ev)
		s.draining = true
	} else {
		if s.draining {
			s.mu.Unlock()
			return fmt.Errorf("%w: token=%q event=%s", ErrSessionDraining, s.token, ev)
		}
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	s.signal()
	return nil
}

// OnDataRecv decodes one inbound wire command and posts its event.
// Undecodable or unknown commands are logged and dropped.
func (s *Session) OnDataRecv(kind command.Kind, buf []byte) error {
	ev, err := eventForCommand(kind, buf)
	if err != nil {
		logs.Warnf("collab.Session.OnDataRecv drop token=%q kind=%s err=%v", s.token, kind, err)
		return err
	}
	if ev.Result != nil && ev.Result.Token != s.token {
		logs.Warnf("collab.Session.OnDataRecv token mismatch token=%q got=%q", s.token, ev.Result.Token)
		return fmt.Errorf("%w: token mismatch", ErrInvalidParameters)
	}
	return s.PostEvent(ev)
}

func eventForCommand(kind command.Kind, buf []byte) (Event, error) {
	switch kind {
	case command.KindStart:
		if _, err := command.DecodeStartCmd(buf); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		return StartAbilityEvent(), nil
	case command.KindResult:
		cmd, err := command.DecodeResultCmd(buf)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		switch code := Code(cmd.Result); code {
		case CodeOK:
			return NotifyResultEvent(cmd), nil
		case CodeAbilityReject:
			return AbilityRejectEvent(cmd), nil
		default:
			return PeerErrEndEvent(code, cmd.RejectReason), nil
		}
	case command.KindDisconnect:
		if _, err := command.DecodeDisconnectCmd(buf); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		return PeerErrEndEvent(CodePeerDisconnected, ""), nil
	default:
		return Event{}, fmt.Errorf("%w: unknown command %s", ErrInvalidParameters, kind)
	}
}

// Close stops the loop and waits for it to exit. Events still queued are
// discarded. Close must not be called from the session's own loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stop()
		if s.started.Load() {
			<-s.done
		}
	})
}

// Done is closed once the loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns the state published after the last processed event.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap
	out.Info = s.snap.Info.clone()
	return out
}

// setDeadline bounds the session's blocking collaborator calls.
func (s *Session) setDeadline(t time.Time) {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
}

// stepContext returns the context for one blocking collaborator call. It ends
// with the session or at the session deadline, whichever comes first.
func (s *Session) stepContext() (context.Context, context.CancelFunc) {
	s.mu.Lock()
	deadline := s.deadline
	s.mu.Unlock()
	if deadline.IsZero() {
		return context.WithCancel(s.ctx)
	}
	return context.WithDeadline(s.ctx, deadline)
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.signal()
}

func (s *Session) run() {
	defer close(s.done)
	s.machine = newStateMachine(s, s.info.Direction)
	close(s.ready)
	logs.Debugf("collab.Session.run started token=%q direction=%s", s.token, s.info.Direction)

	for {
		ev, ok := s.next()
		if !ok {
			break
		}
		s.dispatch(ev)
	}

	s.abandon()
	s.unregisterObserver()
	logs.Debugf("collab.Session.run exited token=%q", s.token)
}

func (s *Session) next() (Event, bool) {
	for {
		s.mu.Lock()
		if s.stopped {
			if n := len(s.queue); n > 0 {
				logs.Debugf("collab.Session.next token=%q discarding=%d", s.token, n)
				s.queue = nil
			}
			s.mu.Unlock()
			return Event{}, false
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		s.mu.Unlock()
		<-s.wake
	}
}

func (s *Session) dispatch(ev Event) {
	if ev.Type == EventEnd && !s.machine.Accepts(EventEnd) && s.machine.Accepts(EventErrEnd) {
		// End before the session is established cancels it
		logs.Debugf("collab.Session.dispatch token=%q state=%s end as cancel", s.token, s.machine.Current())
		ev = ErrEndEvent(ErrCanceled)
	}
	if !s.machine.Accepts(ev.Type) || ev.validate() != nil {
		// invalid-state and invalid-parameters leave the session as it was
		err := s.machine.Execute(ev)
		logs.Warnf("collab.Session.dispatch drop token=%q state=%s event=%s err=%v", s.token, s.machine.Current(), ev, err)
		return
	}
	if ev.Type.teardown() {
		s.endCode = ev.Code
	}
	err := s.machine.Execute(ev)
	switch {
	case err == nil:
	case ev.Type.teardown():
		logs.Errf("collab.Session.dispatch teardown failed token=%q err=%v", s.token, err)
		s.cleanUp(false)
	default:
		if perr := s.PostEvent(ErrEndEvent(err)); perr != nil {
			logs.Warnf("collab.Session.dispatch post err_end failed token=%q err=%v", s.token, perr)
		}
	}
	s.publish()
}

func (s *Session) publish() {
	snap := Snapshot{
		Token:     s.token,
		State:     s.machine.Current().String(),
		ChannelID: s.channelID,
		Info:      s.info.clone(),
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}
