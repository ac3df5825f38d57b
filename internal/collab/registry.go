package collab

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logs "github.com/danmuck/collabd/internal/logging"
	"github.com/danmuck/collabd/internal/observability"
	"github.com/danmuck/collabd/internal/protocol/command"
)

const closeGrace = time.Second

// Registry owns every live session of this process, the token and channel
// tables, and the housekeeping loop that drives timeouts and link release.
type Registry struct {
	cfg  Config
	deps Deps
	hk   *housekeeper

	mu        sync.Mutex
	sessions  map[string]*Session
	channels  map[int32]map[string]struct{}
	retired   map[string]struct{}
	decisions map[string]*decision
	closed    bool
}

// NewRegistry validates deps and starts the housekeeping loop.
func NewRegistry(cfg Config, deps Deps) (*Registry, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Registry{
		cfg:       cfg.WithDefaults(),
		deps:      deps,
		hk:        newHousekeeper(),
		sessions:  make(map[string]*Session),
		channels:  make(map[int32]map[string]struct{}),
		retired:   make(map[string]struct{}),
		decisions: make(map[string]*decision),
	}, nil
}

func (r *Registry) Config() Config {
	return r.cfg
}

func (r *Registry) newToken() string {
	return r.deps.Device.LocalDeviceID() + "_" + uuid.NewString()
}

// CollabMission starts a source session toward req.Sink and returns its token.
// The outcome reaches req.Client asynchronously.
func (r *Registry) CollabMission(ctx context.Context, req MissionRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCanceled, err)
	}
	bundle, err := r.deps.Bundle.GetLocalBundleInfo(req.Src.BundleName)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrBundleNotFound, req.Src.BundleName, err)
	}
	appID, err := r.deps.Bundle.GetCallerAppID(req.Src.Uid)
	if err != nil {
		return "", fmt.Errorf("%w: caller app id uid=%d: %v", ErrBundleNotFound, req.Src.Uid, err)
	}
	names, err := r.deps.Bundle.GetBundleNameList(req.Src.Uid)
	if err != nil {
		return "", fmt.Errorf("%w: bundle names uid=%d: %v", ErrBundleNotFound, req.Src.Uid, err)
	}

	local := r.deps.Device.LocalDeviceID()
	src := req.Src
	src.DeviceID = local
	info := Info{
		Token:      r.newToken(),
		Direction:  DirectionSource,
		SrcVersion: r.cfg.ProtocolVersion,
		AppVersion: bundle.VersionCode,
		Src:        src,
		Sink:       req.Sink,
		Options:    req.Options,
		Caller: command.CallerInfo{
			Pid:         src.Pid,
			Uid:         src.Uid,
			AccessToken: src.AccessToken,
			AppID:       appID,
			BundleNames: names,
			DeviceID:    local,
		},
		Background: req.Background,
		SrcClient:  req.Client,
	}

	s, err := r.admit(info, 0, false)
	if err != nil {
		return "", err
	}
	timeout := r.cfg.SessionTimeout
	if req.Background {
		timeout = r.cfg.BackgroundSessionTimeout
	}
	s.setDeadline(time.Now().Add(timeout))
	r.armTimeout(info.Token, timeout)
	if err := s.PostEvent(SourceStartEvent()); err != nil {
		return "", err
	}
	logs.Infof("collab.Registry.CollabMission token=%q sink=%q ability=%q background=%t",
		info.Token, req.Sink.DeviceID, req.Sink.AbilityName, req.Background)
	return info.Token, nil
}

// CreateOrGetSinkSession returns the session for cmd.Token, creating it on
// first sight. Only the creating call starts the sink flow.
func (r *Registry) CreateOrGetSinkSession(cmd command.StartCmd, channelID int32) (*Session, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if _, ok := r.retired[cmd.Token]; ok {
		r.mu.Unlock()
		logs.Warnf("collab.Registry.CreateOrGetSinkSession retired token=%q", cmd.Token)
		return nil, fmt.Errorf("%w: %q", ErrTokenRetired, cmd.Token)
	}
	if s, ok := r.sessions[cmd.Token]; ok {
		r.mu.Unlock()
		return s, nil
	}
	info := sinkInfo(cmd, r.cfg.ProtocolVersion)
	s := newSession(r, r.cfg, r.deps, info, channelID, true)
	r.insertLocked(s, channelID, true)
	r.mu.Unlock()

	r.started(s)
	s.setDeadline(time.Now().Add(r.cfg.SessionTimeout))
	r.armTimeout(cmd.Token, r.cfg.SessionTimeout)
	if err := s.PostEvent(StartAbilityEvent()); err != nil {
		return nil, err
	}
	logs.Infof("collab.Registry.CreateOrGetSinkSession created token=%q src=%q channel=%d",
		cmd.Token, cmd.SrcDeviceID, channelID)
	return s, nil
}

func sinkInfo(cmd command.StartCmd, version uint32) Info {
	return Info{
		Token:       cmd.Token,
		Direction:   DirectionSink,
		SrcVersion:  cmd.ProtocolVersion,
		SinkVersion: version,
		AppVersion:  cmd.AppVersion,
		Src: Identity{
			Pid:         cmd.SrcPid,
			Uid:         cmd.SrcUid,
			AccessToken: cmd.SrcAccessToken,
			DeviceID:    cmd.SrcDeviceID,
			BundleName:  cmd.SrcBundleName,
			ModuleName:  cmd.SrcModuleName,
			AbilityName: cmd.SrcAbilityName,
			SessionID:   cmd.SrcSessionID,
		},
		Sink: Identity{
			DeviceID:    cmd.SinkDeviceID,
			BundleName:  cmd.SinkBundleName,
			ModuleName:  cmd.SinkModuleName,
			AbilityName: cmd.SinkAbilityName,
		},
		Options: ConnectOptions{
			NeedBulkData:  cmd.NeedBulkData,
			NeedOutStream: cmd.NeedOutStream,
			NeedInStream:  cmd.NeedInStream,
			StartParams:   cmd.StartParams,
			MessageParams: cmd.MessageParams,
		},
		Caller:  cmd.CallerInfo,
		Account: cmd.AccountInfo,
	}
}

func (r *Registry) admit(info Info, channelID int32, bound bool) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	s := newSession(r, r.cfg, r.deps, info, channelID, bound)
	r.insertLocked(s, channelID, bound)
	r.mu.Unlock()
	r.started(s)
	return s, nil
}

func (r *Registry) insertLocked(s *Session, channelID int32, bound bool) {
	r.sessions[s.token] = s
	if bound {
		r.bindChannelLocked(s.token, channelID)
	}
}

func (r *Registry) started(s *Session) {
	s.Init()
	observability.RecordSessionOpened(s.Direction().String())
}

// RouteInboundData delivers one encoded command read from channelID.
// A StartCmd with an unseen token creates the sink session.
func (r *Registry) RouteInboundData(channelID int32, buf []byte) error {
	h, err := command.Peek(buf)
	if err != nil {
		observability.RecordInboundDropped("undecodable")
		logs.Warnf("collab.Registry.RouteInboundData drop channel=%d err=%v", channelID, err)
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if h.Kind == command.KindStart {
		cmd, err := command.DecodeStartCmd(buf)
		if err != nil {
			observability.RecordInboundDropped("undecodable")
			logs.Warnf("collab.Registry.RouteInboundData bad start channel=%d err=%v", channelID, err)
			return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		_, err = r.CreateOrGetSinkSession(cmd, channelID)
		if errors.Is(err, ErrTokenRetired) {
			observability.RecordInboundDropped("retired_token")
		}
		return err
	}

	r.mu.Lock()
	s, ok := r.sessions[h.Token]
	r.mu.Unlock()
	if !ok {
		observability.RecordInboundDropped("unknown_session")
		logs.Warnf("collab.Registry.RouteInboundData unknown token=%q kind=%s channel=%d", h.Token, h.Kind, channelID)
		return fmt.Errorf("%w: %q", ErrUnknownSession, h.Token)
	}
	if err := s.OnDataRecv(h.Kind, buf); err != nil {
		observability.RecordInboundDropped("rejected")
		return err
	}
	return nil
}

// OnChannelClosed ends every session bound to channelID as a peer disconnect.
func (r *Registry) OnChannelClosed(channelID int32) {
	r.mu.Lock()
	var targets []*Session
	for token := range r.channels[channelID] {
		if s, ok := r.sessions[token]; ok {
			targets = append(targets, s)
		}
	}
	delete(r.channels, channelID)
	r.mu.Unlock()

	for _, s := range targets {
		if err := s.PostEvent(PeerErrEndEvent(CodePeerDisconnected, "channel closed")); err != nil {
			logs.Debugf("collab.Registry.OnChannelClosed token=%q err=%v", s.token, err)
		}
	}
}

// NotifyPrepareResult hands the started sink ability's readiness to its session.
func (r *Registry) NotifyPrepareResult(token string, p PrepareResult) error {
	s, err := r.lookup(token)
	if err != nil {
		return err
	}
	return s.PostEvent(NotifyPrepareResultEvent(p))
}

// NotifyCloseCollabSession ends the session locally. An established session
// is closed normally; one still negotiating is cancelled.
func (r *Registry) NotifyCloseCollabSession(token string) error {
	s, err := r.lookup(token)
	if err != nil {
		return err
	}
	switch s.Snapshot().State {
	case StateSrcWaitEnd.String(), StateSinkWaitEnd.String():
		return s.PostEvent(EndEvent())
	default:
		return s.PostEvent(ErrEndEvent(ErrCanceled))
	}
}

// CleanUpSession removes the session, retires its token, and stops its loop.
// It is safe to call more than once. It must not be called from a session's
// own loop.
func (r *Registry) CleanUpSession(token string) {
	r.mu.Lock()
	s, ok := r.sessions[token]
	if ok {
		r.removeLocked(s)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.hk.cancel(timeoutKey(token))
	observability.RecordSessionClosed(s.Direction().String(), CodeSessionStopped.String(), time.Since(s.created))
	s.Close()
	logs.Infof("collab.Registry.CleanUpSession token=%q", token)
}

// Session returns the live session for token.
func (r *Registry) Session(token string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	return s, ok
}

// Sessions returns snapshots of every live session ordered by token.
func (r *Registry) Sessions() []Snapshot {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(a.Token, b.Token) })
	return out
}

// Retired reports whether token belonged to a session that has ended.
func (r *Registry) Retired(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.retired[token]
	return ok
}

// Close ends every session, giving each a short grace period to tell its
// peer and client, then stops the housekeeping loop.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	for _, s := range list {
		_ = s.PostEvent(ErrEndEvent(ErrSessionStopped))
	}
	deadline := time.NewTimer(closeGrace)
	defer deadline.Stop()
	for _, s := range list {
		select {
		case <-s.Done():
		case <-deadline.C:
		}
	}
	for _, s := range list {
		r.CleanUpSession(s.token)
	}
	r.hk.close()
	logs.Infof("collab.Registry.Close sessions=%d", len(list))
}

func (r *Registry) lookup(token string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[token]; ok {
		return s, nil
	}
	if _, ok := r.retired[token]; ok {
		return nil, fmt.Errorf("%w: %q", ErrTokenRetired, token)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSession, token)
}

func (r *Registry) removeLocked(s *Session) {
	delete(r.sessions, s.token)
	r.retired[s.token] = struct{}{}
	for ch, tokens := range r.channels {
		delete(tokens, s.token)
		if len(tokens) == 0 {
			delete(r.channels, ch)
		}
	}
}

func (r *Registry) bindChannelLocked(token string, channelID int32) {
	tokens, ok := r.channels[channelID]
	if !ok {
		tokens = make(map[string]struct{})
		r.channels[channelID] = tokens
	}
	tokens[token] = struct{}{}
}

func timeoutKey(token string) taskKey {
	return taskKey{kind: "timeout", id: token}
}

func (r *Registry) armTimeout(token string, after time.Duration) {
	r.hk.schedule(timeoutKey(token), after, func() {
		r.mu.Lock()
		s, ok := r.sessions[token]
		r.mu.Unlock()
		if !ok {
			return
		}
		logs.Warnf("collab.Registry timeout token=%q after=%s", token, after)
		if err := s.PostEvent(ErrEndEvent(fmt.Errorf("%w: no result after %s", ErrTimeout, after))); err != nil {
			logs.Debugf("collab.Registry timeout post token=%q err=%v", token, err)
		}
	})
}

// sessionHost

func (r *Registry) detach(s *Session, code Code) {
	r.mu.Lock()
	current, ok := r.sessions[s.token]
	if ok && current == s {
		r.removeLocked(s)
	}
	r.mu.Unlock()
	if !ok || current != s {
		return
	}
	r.hk.cancel(timeoutKey(s.token))
	observability.RecordSessionClosed(s.Direction().String(), code.String(), time.Since(s.created))
	logs.Infof("collab.Registry.detach token=%q direction=%s code=%s", s.token, s.Direction(), code)
}

func (r *Registry) bindChannel(token string, channelID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[token]; ok {
		r.bindChannelLocked(token, channelID)
	}
}

func (r *Registry) cancelTimeout(token string) {
	r.hk.cancel(timeoutKey(token))
}

func (r *Registry) lifecycleCallback() LifecycleCallback {
	return r
}
