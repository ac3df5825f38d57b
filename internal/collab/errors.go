package collab

import (
	"errors"
	"fmt"
)

// Code is the result code carried in ResultCmd and client callbacks.
type Code int32

const (
	CodeOK Code = iota
	CodeInvalidParameters
	CodeInvalidState
	CodeTransportConnect
	CodeTransportSend
	CodePermissionDenied
	CodeAbilityReject
	CodeTimeout
	CodePeerDisconnected
	CodeStartAbilityFailed
	CodeBundleNotFound
	CodeAccountFailed
	CodeScreenLocked
	CodeConnectRejected
	CodeLinkReleased
	CodeAbilityDied
	CodeSessionStopped
	CodeCanceled
)

var (
	ErrInvalidParameters  = errors.New("collab: invalid parameters")
	ErrInvalidState       = errors.New("collab: invalid state")
	ErrTransportConnect   = errors.New("collab: transport connect failed")
	ErrTransportSend      = errors.New("collab: transport send failed")
	ErrPermissionDenied   = errors.New("collab: permission denied")
	ErrAbilityReject      = errors.New("collab: ability rejected collaboration")
	ErrTimeout            = errors.New("collab: timeout")
	ErrPeerDisconnected   = errors.New("collab: peer disconnected")
	ErrStartAbilityFailed = errors.New("collab: start ability failed")
	ErrBundleNotFound     = errors.New("collab: bundle not found")
	ErrAccountFailed      = errors.New("collab: account lookup failed")
	ErrScreenLocked       = errors.New("collab: screen locked")
	ErrConnectRejected    = errors.New("collab: connect decision rejected")
	ErrLinkReleased       = errors.New("collab: ability link released")
	ErrAbilityDied        = errors.New("collab: ability died")
	ErrSessionStopped     = errors.New("collab: session stopped")
	ErrCanceled           = errors.New("collab: canceled")

	ErrSessionDraining = errors.New("collab: session draining")
	ErrUnknownSession  = errors.New("collab: unknown session")
	ErrTokenRetired    = errors.New("collab: token retired")
	ErrRegistryClosed  = errors.New("collab: registry closed")
)

var codeErrors = []struct {
	code Code
	err  error
}{
	{CodeInvalidParameters, ErrInvalidParameters},
	{CodeInvalidState, ErrInvalidState},
	{CodeTransportConnect, ErrTransportConnect},
	{CodeTransportSend, ErrTransportSend},
	{CodePermissionDenied, ErrPermissionDenied},
	{CodeAbilityReject, ErrAbilityReject},
	{CodeTimeout, ErrTimeout},
	{CodePeerDisconnected, ErrPeerDisconnected},
	{CodeStartAbilityFailed, ErrStartAbilityFailed},
	{CodeBundleNotFound, ErrBundleNotFound},
	{CodeAccountFailed, ErrAccountFailed},
	{CodeScreenLocked, ErrScreenLocked},
	{CodeConnectRejected, ErrConnectRejected},
	{CodeLinkReleased, ErrLinkReleased},
	{CodeAbilityDied, ErrAbilityDied},
	{CodeSessionStopped, ErrSessionStopped},
	{CodeCanceled, ErrCanceled},
}

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalidParameters:
		return "invalid_parameters"
	case CodeInvalidState:
		return "invalid_state"
	case CodeTransportConnect:
		return "transport_connect"
	case CodeTransportSend:
		return "transport_send"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeAbilityReject:
		return "ability_reject"
	case CodeTimeout:
		return "timeout"
	case CodePeerDisconnected:
		return "peer_disconnected"
	case CodeStartAbilityFailed:
		return "start_ability_failed"
	case CodeBundleNotFound:
		return "bundle_not_found"
	case CodeAccountFailed:
		return "account_failed"
	case CodeScreenLocked:
		return "screen_locked"
	case CodeConnectRejected:
		return "connect_rejected"
	case CodeLinkReleased:
		return "link_released"
	case CodeAbilityDied:
		return "ability_died"
	case CodeSessionStopped:
		return "session_stopped"
	case CodeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("code(%d)", int32(c))
	}
}

// Err returns the sentinel for c, nil for CodeOK.
func (c Code) Err() error {
	if c == CodeOK {
		return nil
	}
	for _, ce := range codeErrors {
		if ce.code == c {
			return ce.err
		}
	}
	return fmt.Errorf("collab: peer result %s", c)
}

// CodeOf maps err onto the wire code. Unclassified errors become CodeInvalidState.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInvalidState
}
