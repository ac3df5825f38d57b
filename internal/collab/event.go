package collab

import (
	"fmt"

	"github.com/danmuck/collabd/internal/protocol/command"
)

// EventType is the input alphabet of the session state machine.
type EventType int

const (
	EventSourceStart EventType = iota + 1
	EventNotifyResult
	EventStartAbility
	EventNotifyPrepareResult
	EventAbilityReject
	EventErrEnd
	EventEnd
)

func (t EventType) String() string {
	switch t {
	case EventSourceStart:
		return "source_start"
	case EventNotifyResult:
		return "notify_result"
	case EventStartAbility:
		return "start_ability"
	case EventNotifyPrepareResult:
		return "notify_prepare_result"
	case EventAbilityReject:
		return "ability_reject"
	case EventErrEnd:
		return "err_end"
	case EventEnd:
		return "end"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// teardown events drain the mailbox and end the session.
func (t EventType) teardown() bool {
	return t == EventErrEnd || t == EventEnd
}

// Event is one mailbox entry.
type Event struct {
	Type EventType
	// Code and Reason describe ErrEnd causes.
	Code   Code
	Reason string
	// FromPeer marks events that originate from the peer's wire commands;
	// their teardown does not echo a command back.
	FromPeer bool
	Result   *command.ResultCmd
	Prepare  *PrepareResult
}

func (e Event) validate() error {
	switch e.Type {
	case EventNotifyResult, EventAbilityReject:
		if e.Result == nil {
			return fmt.Errorf("%w: %s without result", ErrInvalidParameters, e.Type)
		}
	case EventNotifyPrepareResult:
		if e.Prepare == nil {
			return fmt.Errorf("%w: %s without prepare result", ErrInvalidParameters, e.Type)
		}
	case EventSourceStart, EventStartAbility, EventErrEnd, EventEnd:
	default:
		return fmt.Errorf("%w: unknown event %s", ErrInvalidParameters, e.Type)
	}
	return nil
}

func (e Event) String() string {
	if e.Type == EventErrEnd {
		return fmt.Sprintf("%s(code=%s peer=%t)", e.Type, e.Code, e.FromPeer)
	}
	return e.Type.String()
}

func SourceStartEvent() Event {
	return Event{Type: EventSourceStart}
}

func StartAbilityEvent() Event {
	return Event{Type: EventStartAbility}
}

func NotifyResultEvent(cmd command.ResultCmd) Event {
	return Event{Type: EventNotifyResult, Result: &cmd, FromPeer: true}
}

func AbilityRejectEvent(cmd command.ResultCmd) Event {
	return Event{Type: EventAbilityReject, Result: &cmd, Reason: cmd.RejectReason, FromPeer: true}
}

func NotifyPrepareResultEvent(p PrepareResult) Event {
	return Event{Type: EventNotifyPrepareResult, Prepare: &p}
}

// ErrEndEvent normalizes err into an ErrEnd carrying its code.
func ErrEndEvent(err error) Event {
	code := CodeOf(err)
	if code == CodeOK {
		code = CodeInvalidState
	}
	return Event{Type: EventErrEnd, Code: code, Reason: errReason(err)}
}

func PeerErrEndEvent(code Code, reason string) Event {
	return Event{Type: EventErrEnd, Code: code, Reason: reason, FromPeer: true}
}

func EndEvent() Event {
	return Event{Type: EventEnd}
}

func errReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
