package collab

import (
	"fmt"

	logs "github.com/danmuck/collabd/internal/logging"
	"github.com/danmuck/collabd/internal/protocol/command"
)

// StateType names one state of the session protocol.
type StateType int

const (
	// stateStay is returned by handlers that end the session in place.
	stateStay StateType = iota
	StateSrcStart
	StateSrcWaitResult
	StateSrcWaitEnd
	StateSinkStart
	StateSinkConnect
	StateSinkWaitEnd
)

func (s StateType) String() string {
	switch s {
	case stateStay:
		return "stay"
	case StateSrcStart:
		return "src_start"
	case StateSrcWaitResult:
		return "src_wait_result"
	case StateSrcWaitEnd:
		return "src_wait_end"
	case StateSinkStart:
		return "sink_start"
	case StateSinkConnect:
		return "sink_connect"
	case StateSinkWaitEnd:
		return "sink_wait_end"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// facade is everything a state handler may do to its session. Handlers run
// on the session loop only.
type facade interface {
	Token() string
	Direction() Direction

	awaitConnectDecision() error
	fetchAccountInfo() error
	connectPeer() error
	checkSinkPermission() error
	startLocalAbility() error
	registerObserver() error

	sendStart() error
	sendResult(code Code, reason string) error
	sendDisconnect() error
	channelOpen() bool

	applyResult(cmd command.ResultCmd)
	applyPrepare(p PrepareResult)
	resolveStableIDs()
	stopTimeout()

	notifyPrepareResult(code Code, reason string)
	resultNotified() bool
	post(ev Event)
	cleanUp(notifyDisconnect bool)
}

type handler func(f facade, ev Event) (StateType, error)

// StateMachine dispatches events to the handler table of the current state.
type StateMachine struct {
	current StateType
	f       facade
	table   map[StateType]map[EventType]handler
}

func newStateMachine(f facade, dir Direction) *StateMachine {
	initial := StateSrcStart
	if dir == DirectionSink {
		initial = StateSinkStart
	}
	return &StateMachine{
		current: initial,
		f:       f,
		table:   transitionTable(),
	}
}

func transitionTable() map[StateType]map[EventType]handler {
	return map[StateType]map[EventType]handler{
		StateSrcStart: {
			EventSourceStart: srcStart,
			EventErrEnd:      errEnd,
		},
		StateSrcWaitResult: {
			EventNotifyResult:  srcNotifyResult,
			EventAbilityReject: srcAbilityReject,
			EventErrEnd:        errEnd,
		},
		StateSrcWaitEnd: {
			EventEnd:    waitEnd,
			EventErrEnd: waitEnd,
		},
		StateSinkStart: {
			EventStartAbility: sinkStartAbility,
			EventErrEnd:       errEnd,
		},
		StateSinkConnect: {
			EventNotifyPrepareResult: sinkNotifyPrepareResult,
			EventErrEnd:              errEnd,
		},
		StateSinkWaitEnd: {
			EventEnd:    waitEnd,
			EventErrEnd: waitEnd,
		},
	}
}

// Current returns the state the next event will be dispatched in.
func (m *StateMachine) Current() StateType {
	return m.current
}

// Accepts reports whether ev would be dispatched in the current state.
func (m *StateMachine) Accepts(t EventType) bool {
	_, ok := m.table[m.current][t]
	return ok
}

// Execute runs the current state's handler for ev. An event the state does
// not accept returns ErrInvalidState and leaves the state unchanged; a
// handler error also leaves the state unchanged.
func (m *StateMachine) Execute(ev Event) error {
	if err := ev.validate(); err != nil {
		return err
	}
	h, ok := m.table[m.current][ev.Type]
	if !ok {
		return fmt.Errorf("%w: state=%s event=%s", ErrInvalidState, m.current, ev.Type)
	}
	next, err := h(m.f, ev)
	if err != nil {
		logs.Warnf(
			"collab.StateMachine.Execute handler failed token=%q state=%s event=%s err=%v",
			m.f.Token(),
			m.current,
			ev,
			err,
		)
		return err
	}
	if next != stateStay && next != m.current {
		logs.Debugf("collab.StateMachine.Execute token=%q %s -> %s on %s", m.f.Token(), m.current, next, ev)
		m.current = next
	}
	return nil
}
