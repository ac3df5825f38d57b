package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/collabd/internal/protocol/schema"
)

var (
	ErrMissingToken    = errors.New("command: missing token")
	ErrUnknownKind     = errors.New("command: unknown kind")
	ErrKindMismatch    = errors.New("command: kind mismatch")
	ErrInvalidIdentity = errors.New("command: invalid identity")
)

// Kind identifies one of the three collab wire commands.
type Kind uint32

const (
	KindStart      = Kind(schema.MsgStartCmd)
	KindResult     = Kind(schema.MsgResultCmd)
	KindDisconnect = Kind(schema.MsgDisconnectCmd)
)

// Valid reports whether k is a session command.
func (k Kind) Valid() bool {
	return k == KindStart || k == KindResult || k == KindDisconnect
}

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindResult:
		return "result"
	case KindDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// CallerInfo attributes a request to the local calling application.
type CallerInfo struct {
	Pid         int32    `cbor:"pid"`
	Uid         int32    `cbor:"uid"`
	AccessToken uint32   `cbor:"access_token"`
	AppID       string   `cbor:"app_id"`
	BundleNames []string `cbor:"bundle_names"`
	DeviceID    string   `cbor:"device_id"`
}

// AccountInfo carries the account the sink should act under.
type AccountInfo struct {
	AccountType int32  `cbor:"account_type"`
	UserID      int32  `cbor:"user_id"`
	ActiveID    string `cbor:"active_id"`
}

// StartCmd opens a collaboration on the sink.
type StartCmd struct {
	ProtocolVersion uint32
	AppVersion      uint32
	Token           string
	SrcSessionID    int32
	SrcPid          int32
	SrcUid          int32
	SrcAccessToken  uint32
	SrcDeviceID     string
	SinkDeviceID    string
	SrcBundleName   string
	SinkBundleName  string
	SrcAbilityName  string
	SinkAbilityName string
	SrcModuleName   string
	SinkModuleName  string
	NeedBulkData    bool
	NeedOutStream   bool
	NeedInStream    bool
	StartParams     []byte
	MessageParams   []byte
	CallerInfo      CallerInfo
	AccountInfo     AccountInfo
}

func (c StartCmd) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return ErrMissingToken
	}
	if strings.TrimSpace(c.SrcDeviceID) == "" {
		return fmt.Errorf("%w: missing src device id", ErrInvalidIdentity)
	}
	if strings.TrimSpace(c.SinkBundleName) == "" {
		return fmt.Errorf("%w: missing sink bundle name", ErrInvalidIdentity)
	}
	if strings.TrimSpace(c.SinkAbilityName) == "" {
		return fmt.Errorf("%w: missing sink ability name", ErrInvalidIdentity)
	}
	return nil
}

// ResultCmd carries the sink's prepare result back to the source.
type ResultCmd struct {
	Token           string
	Result          int32
	RejectReason    string
	SinkSessionID   int32
	SinkChannelName string
}

func (c ResultCmd) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return ErrMissingToken
	}
	return nil
}

// DisconnectCmd tears down the peer's session.
type DisconnectCmd struct {
	Token string
}

func (c DisconnectCmd) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return ErrMissingToken
	}
	return nil
}
