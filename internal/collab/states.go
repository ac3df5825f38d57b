package collab

import (
	logs "github.com/danmuck/collabd/internal/logging"
)

// srcStart runs on SourceStart: connect, send StartCmd, observe the caller.
func srcStart(f facade, _ Event) (StateType, error) {
	if err := f.awaitConnectDecision(); err != nil {
		return stateStay, err
	}
	if err := f.fetchAccountInfo(); err != nil {
		return stateStay, err
	}
	if err := f.connectPeer(); err != nil {
		return stateStay, err
	}
	if err := f.sendStart(); err != nil {
		return stateStay, err
	}
	if err := f.registerObserver(); err != nil {
		return stateStay, err
	}
	return StateSrcWaitResult, nil
}

func srcNotifyResult(f facade, ev Event) (StateType, error) {
	f.applyResult(*ev.Result)
	f.stopTimeout()
	f.notifyPrepareResult(CodeOK, "")
	return StateSrcWaitEnd, nil
}

// srcAbilityReject delivers the sink's refusal, then ends the session from
// SrcWaitEnd so the sink is told to disconnect.
func srcAbilityReject(f facade, ev Event) (StateType, error) {
	f.applyResult(*ev.Result)
	f.stopTimeout()
	f.notifyPrepareResult(CodeAbilityReject, ev.Result.RejectReason)
	f.post(EndEvent())
	return StateSrcWaitEnd, nil
}

func sinkStartAbility(f facade, _ Event) (StateType, error) {
	if err := f.checkSinkPermission(); err != nil {
		return stateStay, err
	}
	if err := f.startLocalAbility(); err != nil {
		return stateStay, err
	}
	if err := f.registerObserver(); err != nil {
		return stateStay, err
	}
	return StateSinkConnect, nil
}

// sinkNotifyPrepareResult answers the source. Accept and reject both leave
// the protocol established; any other result ends the sink here.
func sinkNotifyPrepareResult(f facade, ev Event) (StateType, error) {
	p := *ev.Prepare
	f.applyPrepare(p)
	reason := ""
	if p.Result == CodeAbilityReject {
		reason = p.Reason
	}
	if err := f.sendResult(p.Result, reason); err != nil {
		return stateStay, err
	}
	f.notifyPrepareResult(p.Result, reason)
	f.stopTimeout()
	if p.Result != CodeOK && p.Result != CodeAbilityReject {
		f.cleanUp(false)
		return stateStay, nil
	}
	f.resolveStableIDs()
	return StateSinkWaitEnd, nil
}

// errEnd ends a session that never reached a WaitEnd state. The peer gets a
// ResultCmd with the code unless the error came from the peer, and the local
// client gets the code as its prepare result.
func errEnd(f facade, ev Event) (StateType, error) {
	code := ev.Code
	if code == CodeOK {
		code = CodeInvalidState
	}
	reason := ""
	if code == CodeAbilityReject {
		reason = ev.Reason
	}
	if !ev.FromPeer && f.channelOpen() {
		if err := f.sendResult(code, reason); err != nil {
			logs.Warnf("collab.errEnd send result failed token=%q code=%s err=%v", f.Token(), code, err)
		}
	}
	if !f.resultNotified() {
		f.notifyPrepareResult(code, reason)
	}
	logs.Infof("collab.errEnd token=%q direction=%s code=%s reason=%q", f.Token(), f.Direction(), code, ev.Reason)
	f.cleanUp(false)
	return stateStay, nil
}

// waitEnd tears down an established session on either side.
func waitEnd(f facade, ev Event) (StateType, error) {
	if !ev.FromPeer && f.channelOpen() {
		if err := f.sendDisconnect(); err != nil {
			logs.Warnf("collab.waitEnd send disconnect failed token=%q err=%v", f.Token(), err)
		}
	}
	f.cleanUp(true)
	return stateStay, nil
}
