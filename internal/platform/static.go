// Package platform provides a configurable in-process implementation of the
// platform services the collab core consumes.
package platform

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/danmuck/collabd/internal/collab"
	logs "github.com/danmuck/collabd/internal/logging"
	"github.com/danmuck/collabd/internal/protocol/command"
)

var (
	ErrBundleNotInstalled = errors.New("platform: bundle not installed")
	ErrUnknownUID         = errors.New("platform: unknown uid")
	ErrUnknownDevice      = errors.New("platform: unknown device")
	ErrUnknownObserver    = errors.New("platform: unknown observer")
	ErrDenied             = errors.New("platform: denied")
)

// Bundle is one installed application.
type Bundle struct {
	Name        string   `toml:"name"`
	VersionCode uint32   `toml:"version_code"`
	AppID       string   `toml:"app_id"`
	UID         int32    `toml:"uid"`
	Abilities   []string `toml:"abilities"`
}

// Config describes the device the static platform pretends to be.
type Config struct {
	DeviceID    string            `toml:"device_id"`
	StableIDs   map[string]string `toml:"stable_ids"`
	Bundles     []Bundle          `toml:"bundles"`
	AccountType int32             `toml:"account_type"`
	UserID      int32             `toml:"user_id"`
	ActiveID    string            `toml:"active_id"`
	SecureMode  bool              `toml:"secure_mode"`
	Locked      bool              `toml:"locked"`
	// DeniedBundles refuse collaboration permission.
	DeniedBundles []string `toml:"denied_bundles"`
}

// StartHook runs when an ability is started for a collaboration. It is
// called on the session loop and must not block.
type StartHook func(want collab.Want)

type observer struct {
	bundles []string
	cb      collab.LifecycleCallback
}

// Static implements every platform collaborator from a Config.
type Static struct {
	mu        sync.Mutex
	cfg       Config
	bundles   map[string]Bundle
	observers map[collab.ObserverID]observer
	nextID    collab.ObserverID
	started   []collab.Want
	onStart   StartHook
	startErr  error
	accountFn func(peer string) (command.AccountInfo, error)
}

func NewStatic(cfg Config) *Static {
	p := &Static{
		cfg:       cfg,
		bundles:   make(map[string]Bundle, len(cfg.Bundles)),
		observers: make(map[collab.ObserverID]observer),
	}
	for _, b := range cfg.Bundles {
		p.bundles[b.Name] = b
	}
	return p
}

// Deps returns collab dependencies backed by p and the given transport.
func (p *Static) Deps(t collab.Transport) collab.Deps {
	return collab.Deps{
		Ability:   p,
		Bundle:    p,
		Account:   p,
		Device:    p,
		Transport: t,
		Lifecycle: p,
		Screen:    p,
	}
}

// OnStart installs the hook run after each successful ability start.
func (p *Static) OnStart(h StartHook) {
	p.mu.Lock()
	p.onStart = h
	p.mu.Unlock()
}

// FailStart makes every later ability start fail with err; nil restores.
func (p *Static) FailStart(err error) {
	p.mu.Lock()
	p.startErr = err
	p.mu.Unlock()
}

func (p *Static) SetLocked(secure, locked bool) {
	p.mu.Lock()
	p.cfg.SecureMode = secure
	p.cfg.Locked = locked
	p.mu.Unlock()
}

func (p *Static) Deny(bundleName string) {
	p.mu.Lock()
	p.cfg.DeniedBundles = append(p.cfg.DeniedBundles, bundleName)
	p.mu.Unlock()
}

// Started returns the wants passed to StartAbilityByCall, oldest first.
func (p *Static) Started() []collab.Want {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.started)
}

func (p *Static) StartAbilityByCall(ctx context.Context, want collab.Want, caller command.CallerInfo, account command.AccountInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.startErr != nil {
		err := p.startErr
		p.mu.Unlock()
		return err
	}
	b, ok := p.bundles[want.BundleName]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrBundleNotInstalled, want.BundleName)
	}
	if len(b.Abilities) > 0 && !slices.Contains(b.Abilities, want.AbilityName) {
		p.mu.Unlock()
		return fmt.Errorf("%w: ability %q not in %q", ErrBundleNotInstalled, want.AbilityName, want.BundleName)
	}
	p.started = append(p.started, want)
	hook := p.onStart
	p.mu.Unlock()

	logs.Infof("platform.Static.StartAbilityByCall bundle=%q ability=%q token=%q caller_app=%q user=%d",
		want.BundleName, want.AbilityName, want.Token, caller.AppID, account.UserID)
	if hook != nil {
		hook(want)
	}
	return nil
}

func (p *Static) CheckPermission(_ context.Context, want collab.Want, caller command.CallerInfo, _ command.AccountInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slices.Contains(p.cfg.DeniedBundles, want.BundleName) {
		return fmt.Errorf("%w: %q for caller %q", ErrDenied, want.BundleName, caller.AppID)
	}
	return nil
}

func (p *Static) GetLocalBundleInfo(bundleName string) (collab.BundleInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.bundles[bundleName]
	if !ok {
		return collab.BundleInfo{}, fmt.Errorf("%w: %q", ErrBundleNotInstalled, bundleName)
	}
	return collab.BundleInfo{BundleName: b.Name, VersionCode: b.VersionCode, AppID: b.AppID}, nil
}

func (p *Static) GetCallerAppID(uid int32) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.cfg.Bundles {
		if b.UID == uid {
			return b.AppID, nil
		}
	}
	return "", fmt.Errorf("%w: %d", ErrUnknownUID, uid)
}

func (p *Static) GetBundleNameList(uid int32) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for _, b := range p.cfg.Bundles {
		if b.UID == uid {
			names = append(names, b.Name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUID, uid)
	}
	return names, nil
}

// SetAccountLookup overrides GetAccountInfo; nil restores the configured account.
func (p *Static) SetAccountLookup(fn func(peer string) (command.AccountInfo, error)) {
	p.mu.Lock()
	p.accountFn = fn
	p.mu.Unlock()
}

func (p *Static) GetAccountInfo(ctx context.Context, peerDeviceID string, _ command.CallerInfo) (command.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return command.AccountInfo{}, err
	}
	p.mu.Lock()
	fn := p.accountFn
	info := command.AccountInfo{AccountType: p.cfg.AccountType, UserID: p.cfg.UserID, ActiveID: p.cfg.ActiveID}
	p.mu.Unlock()
	if fn != nil {
		return fn(peerDeviceID)
	}
	return info, nil
}

func (p *Static) LocalDeviceID() string {
	return p.cfg.DeviceID
}

func (p *Static) GetStableIDByNetworkID(networkID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.cfg.StableIDs[networkID]; ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDevice, networkID)
}

func (p *Static) IsSecureMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.SecureMode
}

func (p *Static) IsLocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Locked
}
