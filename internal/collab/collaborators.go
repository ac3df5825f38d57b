package collab

import (
	"context"
	"errors"

	"github.com/danmuck/collabd/internal/protocol/command"
)

// Want addresses one ability on one device.
type Want struct {
	DeviceID    string
	BundleName  string
	ModuleName  string
	AbilityName string
	Token       string
	SrcDeviceID string
	Params      []byte
}

// BundleInfo is the subset of installed-bundle metadata the core reads.
type BundleInfo struct {
	BundleName  string
	VersionCode uint32
	AppID       string
}

// ObserverID identifies one lifecycle observer registration.
type ObserverID uint64

type AbilityManager interface {
	StartAbilityByCall(ctx context.Context, want Want, caller command.CallerInfo, account command.AccountInfo) error
	CheckPermission(ctx context.Context, want Want, caller command.CallerInfo, account command.AccountInfo) error
}

type BundleManager interface {
	GetLocalBundleInfo(bundleName string) (BundleInfo, error)
	GetCallerAppID(uid int32) (string, error)
	GetBundleNameList(uid int32) ([]string, error)
}

type AccountManager interface {
	GetAccountInfo(ctx context.Context, peerDeviceID string, caller command.CallerInfo) (command.AccountInfo, error)
}

type DeviceManager interface {
	LocalDeviceID() string
	GetStableIDByNetworkID(networkID string) (string, error)
}

// Transport moves encoded commands between devices. Retry policy belongs here.
type Transport interface {
	Connect(ctx context.Context, peerDeviceID, serviceType string) (int32, error)
	Send(channelID int32, buf []byte) error
	Disconnect(peerDeviceID string) error
}

// LifecycleCallback receives application lifecycle transitions.
type LifecycleCallback interface {
	OnForeground(bundleName string, pid int32)
	OnBackground(bundleName string, pid int32)
	OnDied(bundleName string, pid int32)
}

type LifecycleMonitor interface {
	Register(bundleNames []string, cb LifecycleCallback) (ObserverID, error)
	Unregister(id ObserverID) error
}

type ScreenLock interface {
	IsSecureMode() bool
	IsLocked() bool
}

// LinkArbiter asks the connectivity manager whether a link to a peer may be
// used. The decision arrives later through Registry.NotifyAllConnectDecision.
type LinkArbiter interface {
	RequestLink(ctx context.Context, peerDeviceID string) error
}

// Deps bundles the collaborators a Registry drives. Arbiter is optional.
type Deps struct {
	Ability   AbilityManager
	Bundle    BundleManager
	Account   AccountManager
	Device    DeviceManager
	Transport Transport
	Lifecycle LifecycleMonitor
	Screen    ScreenLock
	Arbiter   LinkArbiter
}

var ErrMissingCollaborator = errors.New("collab: missing collaborator")

func (d Deps) validate() error {
	switch {
	case d.Ability == nil:
		return errors.Join(ErrMissingCollaborator, errors.New("ability manager"))
	case d.Bundle == nil:
		return errors.Join(ErrMissingCollaborator, errors.New("bundle manager"))
	case d.Account == nil:
		return errors.Join(ErrMissingCollaborator, errors.New("account manager"))
	case d.Device == nil:
		return errors.Join(ErrMissingCollaborator, errors.New("device manager"))
	case d.Transport == nil:
		return errors.Join(ErrMissingCollaborator, errors.New("transport"))
	case d.Lifecycle == nil:
		return errors.Join(ErrMissingCollaborator, errors.New("lifecycle monitor"))
	case d.Screen == nil:
		return errors.Join(ErrMissingCollaborator, errors.New("screen lock"))
	}
	return nil
}
