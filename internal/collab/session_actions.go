package collab

import (
	"context"
	"errors"
	"fmt"

	logs "github.com/danmuck/collabd/internal/logging"
	"github.com/danmuck/collabd/internal/observability"
	"github.com/danmuck/collabd/internal/protocol/command"
)

// Everything in this file runs on the session loop.

func (s *Session) awaitConnectDecision() error {
	ctx, cancel := s.stepContext()
	defer cancel()
	err := s.host.awaitDecision(ctx, s.info.Sink.DeviceID)
	return s.deadlineErr(ctx, err)
}

// deadlineErr reports a step cut short by the session deadline as a timeout.
func (s *Session) deadlineErr(ctx context.Context, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: deadline passed: %v", ErrTimeout, err)
	}
	return err
}

func (s *Session) fetchAccountInfo() error {
	account, err := s.deps.Account.GetAccountInfo(s.ctx, s.info.Sink.DeviceID, s.info.Caller)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAccountFailed, err)
	}
	s.info.Account = account
	return nil
}

func (s *Session) connectPeer() error {
	ctx, cancel := s.stepContext()
	defer cancel()
	ch, err := s.deps.Transport.Connect(ctx, s.info.Sink.DeviceID, s.cfg.ServiceType)
	if err != nil {
		return s.deadlineErr(ctx, fmt.Errorf("%w: peer=%q: %v", ErrTransportConnect, s.info.Sink.DeviceID, err))
	}
	s.channelID = ch
	s.connected = true
	s.host.bindChannel(s.token, ch)
	logs.Infof("collab.Session.connectPeer token=%q peer=%q channel=%d", s.token, s.info.Sink.DeviceID, ch)
	return nil
}

func (s *Session) want() Want {
	return Want{
		DeviceID:    s.info.Sink.DeviceID,
		BundleName:  s.info.Sink.BundleName,
		ModuleName:  s.info.Sink.ModuleName,
		AbilityName: s.info.Sink.AbilityName,
		Token:       s.token,
		SrcDeviceID: s.info.Src.DeviceID,
		Params:      s.info.Options.StartParams,
	}
}

func (s *Session) checkSinkPermission() error {
	if s.deps.Screen.IsSecureMode() && s.deps.Screen.IsLocked() {
		return ErrScreenLocked
	}
	if err := s.deps.Ability.CheckPermission(s.ctx, s.want(), s.info.Caller, s.info.Account); err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if _, err := s.deps.Bundle.GetLocalBundleInfo(s.info.Sink.BundleName); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrBundleNotFound, s.info.Sink.BundleName, err)
	}
	return nil
}

func (s *Session) startLocalAbility() error {
	if err := s.deps.Ability.StartAbilityByCall(s.ctx, s.want(), s.info.Caller, s.info.Account); err != nil {
		return fmt.Errorf("%w: %v", ErrStartAbilityFailed, err)
	}
	return nil
}

func (s *Session) registerObserver() error {
	if s.observing {
		return nil
	}
	bundle := s.info.Local().BundleName
	id, err := s.deps.Lifecycle.Register([]string{bundle}, s.host.lifecycleCallback())
	if err != nil {
		return fmt.Errorf("%w: register lifecycle observer for %q: %v", ErrInvalidParameters, bundle, err)
	}
	s.observer = id
	s.observing = true
	return nil
}

func (s *Session) unregisterObserver() {
	if !s.observing {
		return
	}
	if err := s.deps.Lifecycle.Unregister(s.observer); err != nil {
		logs.Warnf("collab.Session.unregisterObserver token=%q id=%d err=%v", s.token, s.observer, err)
	}
	s.observing = false
}

func (s *Session) nextMessageID() uint64 {
	s.msgSeq++
	return s.msgSeq
}

func (s *Session) packStart() ([]byte, error) {
	i := &s.info
	return command.EncodeStartCmd(s.nextMessageID(), command.StartCmd{
		ProtocolVersion: i.SrcVersion,
		AppVersion:      i.AppVersion,
		Token:           s.token,
		SrcSessionID:    i.Src.SessionID,
		SrcPid:          i.Src.Pid,
		SrcUid:          i.Src.Uid,
		SrcAccessToken:  i.Src.AccessToken,
		SrcDeviceID:     i.Src.DeviceID,
		SinkDeviceID:    i.Sink.DeviceID,
		SrcBundleName:   i.Src.BundleName,
		SinkBundleName:  i.Sink.BundleName,
		SrcAbilityName:  i.Src.AbilityName,
		SinkAbilityName: i.Sink.AbilityName,
		SrcModuleName:   i.Src.ModuleName,
		SinkModuleName:  i.Sink.ModuleName,
		NeedBulkData:    i.Options.NeedBulkData,
		NeedOutStream:   i.Options.NeedOutStream,
		NeedInStream:    i.Options.NeedInStream,
		StartParams:     i.Options.StartParams,
		MessageParams:   i.Options.MessageParams,
		CallerInfo:      i.Caller,
		AccountInfo:     i.Account,
	})
}

func (s *Session) packResult(code Code, reason string) ([]byte, error) {
	return command.EncodeResultCmd(s.nextMessageID(), command.ResultCmd{
		Token:           s.token,
		Result:          int32(code),
		RejectReason:    reason,
		SinkSessionID:   s.info.Sink.SessionID,
		SinkChannelName: s.info.Sink.ChannelName,
	})
}

func (s *Session) packDisconnect() ([]byte, error) {
	return command.EncodeDisconnectCmd(s.nextMessageID(), command.DisconnectCmd{Token: s.token})
}

func (s *Session) sendStart() error {
	buf, err := s.packStart()
	if err != nil {
		return fmt.Errorf("%w: pack start: %v", ErrInvalidParameters, err)
	}
	return s.send(command.KindStart, buf)
}

func (s *Session) sendResult(code Code, reason string) error {
	buf, err := s.packResult(code, reason)
	if err != nil {
		return fmt.Errorf("%w: pack result: %v", ErrInvalidParameters, err)
	}
	return s.send(command.KindResult, buf)
}

func (s *Session) sendDisconnect() error {
	buf, err := s.packDisconnect()
	if err != nil {
		return fmt.Errorf("%w: pack disconnect: %v", ErrInvalidParameters, err)
	}
	return s.send(command.KindDisconnect, buf)
}

func (s *Session) send(kind command.Kind, buf []byte) error {
	if !s.connected {
		return fmt.Errorf("%w: no channel for %s", ErrTransportSend, kind)
	}
	err := s.deps.Transport.Send(s.channelID, buf)
	observability.RecordCommandSent(kind.String(), err == nil)
	if err != nil {
		return fmt.Errorf("%w: %s on channel %d: %v", ErrTransportSend, kind, s.channelID, err)
	}
	logs.Debugf("collab.Session.send token=%q kind=%s channel=%d bytes=%d", s.token, kind, s.channelID, len(buf))
	return nil
}

func (s *Session) channelOpen() bool {
	return s.connected
}

func (s *Session) applyResult(cmd command.ResultCmd) {
	s.info.Sink.SessionID = cmd.SinkSessionID
	s.info.Sink.ChannelName = cmd.SinkChannelName
}

func (s *Session) applyPrepare(p PrepareResult) {
	s.info.Sink.SessionID = p.SessionID
	s.info.Sink.ChannelName = p.ChannelName
	if p.Client != nil {
		s.info.SinkClient = p.Client
	}
	if p.Result != CodeOK && p.Result != CodeAbilityReject {
		s.endCode = p.Result
	}
}

func (s *Session) resolveStableIDs() {
	for _, id := range []*Identity{&s.info.Src, &s.info.Sink} {
		if id.DeviceID == "" {
			continue
		}
		stable, err := s.deps.Device.GetStableIDByNetworkID(id.DeviceID)
		if err != nil {
			logs.Warnf("collab.Session.resolveStableIDs token=%q device=%q err=%v", s.token, id.DeviceID, err)
			continue
		}
		id.StableID = stable
	}
}

func (s *Session) stopTimeout() {
	s.host.cancelTimeout(s.token)
}

func (s *Session) client() (Client, int32) {
	if s.info.Direction == DirectionSink {
		return s.info.SinkClient, s.info.Sink.SessionID
	}
	return s.info.SrcClient, s.info.Src.SessionID
}

func (s *Session) notifyPrepareResult(code Code, reason string) {
	s.notified = true
	c, sessionID := s.client()
	if c == nil {
		logs.Debugf("collab.Session.notifyPrepareResult no client token=%q code=%s", s.token, code)
		return
	}
	c.OnPrepareResult(sessionID, code, s.info.Sink.ChannelName, s.token, reason)
}

func (s *Session) resultNotified() bool {
	return s.notified
}

func (s *Session) post(ev Event) {
	if err := s.PostEvent(ev); err != nil {
		logs.Warnf("collab.Session.post token=%q event=%s err=%v", s.token, ev, err)
	}
}

// cleanUp releases the transport, tells the client, and removes the session
// from the registry. The loop exits after the current event.
func (s *Session) cleanUp(notifyDisconnect bool) {
	if s.cleaned {
		return
	}
	s.cleaned = true
	if s.info.Direction == DirectionSource && s.connected {
		if err := s.deps.Transport.Disconnect(s.info.Sink.DeviceID); err != nil {
			logs.Warnf("collab.Session.cleanUp disconnect token=%q err=%v", s.token, err)
		}
	}
	s.connected = false
	if notifyDisconnect {
		if c, sessionID := s.client(); c != nil {
			c.OnDisconnect(sessionID)
		}
	}
	s.host.cancelTimeout(s.token)
	s.host.detach(s, s.endCode)
	s.stop()
}

// abandon runs when the loop exits without the flow having cleaned up, which
// happens when the session is stopped from outside while an event was still
// in flight. The local client still gets exactly one terminal callback.
func (s *Session) abandon() {
	if s.cleaned {
		return
	}
	s.cleaned = true
	if s.connected {
		var err error
		if s.notified {
			err = s.sendDisconnect()
		} else {
			err = s.sendResult(CodeSessionStopped, "")
		}
		if err != nil {
			logs.Debugf("collab.Session.abandon tell peer token=%q err=%v", s.token, err)
		}
	}
	if s.info.Direction == DirectionSource && s.connected {
		if err := s.deps.Transport.Disconnect(s.info.Sink.DeviceID); err != nil {
			logs.Warnf("collab.Session.abandon disconnect token=%q err=%v", s.token, err)
		}
	}
	s.connected = false
	if s.notified {
		if c, sessionID := s.client(); c != nil {
			c.OnDisconnect(sessionID)
		}
	} else {
		s.notifyPrepareResult(CodeSessionStopped, "")
	}
	s.host.cancelTimeout(s.token)
	s.host.detach(s, CodeSessionStopped)
	logs.Infof("collab.Session.abandon token=%q state=%s", s.token, s.machine.Current())
}
