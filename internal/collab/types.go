package collab

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/danmuck/collabd/internal/protocol/command"
)

// Direction is which end of the collaboration this process plays.
type Direction int

const (
	DirectionSource Direction = iota + 1
	DirectionSink
)

func (d Direction) String() string {
	switch d {
	case DirectionSource:
		return "source"
	case DirectionSink:
		return "sink"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Client receives the one-way outcome notifications for one end of a session.
// Implementations must not block.
type Client interface {
	OnPrepareResult(sessionID int32, result Code, sinkChannelName, token, reason string)
	OnDisconnect(sessionID int32)
}

// Identity describes one end of a collaboration.
type Identity struct {
	Pid         int32  `json:"pid"`
	Uid         int32  `json:"uid"`
	AccessToken uint32 `json:"access_token"`
	DeviceID    string `json:"device_id"`
	StableID    string `json:"stable_id,omitempty"`
	BundleName  string `json:"bundle_name"`
	ModuleName  string `json:"module_name"`
	AbilityName string `json:"ability_name"`
	SessionID   int32  `json:"session_id"`
	ChannelName string `json:"channel_name,omitempty"`
}

// ConnectOptions are the data channels the source asks the sink to prepare.
type ConnectOptions struct {
	NeedBulkData  bool   `json:"need_bulk_data"`
	NeedOutStream bool   `json:"need_out_stream"`
	NeedInStream  bool   `json:"need_in_stream"`
	StartParams   []byte `json:"start_params,omitempty"`
	MessageParams []byte `json:"message_params,omitempty"`
}

// Info is the negotiated state of one session. Only the owning session's
// loop mutates it.
type Info struct {
	Token       string              `json:"token"`
	Direction   Direction           `json:"direction"`
	SrcVersion  uint32              `json:"src_version"`
	SinkVersion uint32              `json:"sink_version"`
	AppVersion  uint32              `json:"app_version"`
	Src         Identity            `json:"src"`
	Sink        Identity            `json:"sink"`
	Options     ConnectOptions      `json:"options"`
	Caller      command.CallerInfo  `json:"caller"`
	Account     command.AccountInfo `json:"account"`
	Background  bool                `json:"background"`

	SrcClient  Client `json:"-"`
	SinkClient Client `json:"-"`
}

// Local is the identity of this process's end.
func (i *Info) Local() *Identity {
	if i.Direction == DirectionSink {
		return &i.Sink
	}
	return &i.Src
}

// Peer is the identity of the remote end.
func (i *Info) Peer() *Identity {
	if i.Direction == DirectionSink {
		return &i.Src
	}
	return &i.Sink
}

func (i Info) clone() Info {
	out := i
	out.Options.StartParams = bytes.Clone(i.Options.StartParams)
	out.Options.MessageParams = bytes.Clone(i.Options.MessageParams)
	out.Caller.BundleNames = slices.Clone(i.Caller.BundleNames)
	out.SrcClient = nil
	out.SinkClient = nil
	return out
}

// Snapshot is an immutable copy of a session for logging and diagnostics.
type Snapshot struct {
	Token     string `json:"token"`
	State     string `json:"state"`
	ChannelID int32  `json:"channel_id"`
	Info      Info   `json:"info"`
}

// MissionRequest is a local request to collaborate with a sink device.
// Src.SessionID is the caller's session handle echoed in client callbacks.
type MissionRequest struct {
	Src        Identity
	Sink       Identity
	Options    ConnectOptions
	Background bool
	Client     Client
}

func (r MissionRequest) Validate() error {
	if r.Client == nil {
		return fmt.Errorf("%w: missing client callback", ErrInvalidParameters)
	}
	if strings.TrimSpace(r.Sink.DeviceID) == "" {
		return fmt.Errorf("%w: missing sink device id", ErrInvalidParameters)
	}
	if strings.TrimSpace(r.Src.BundleName) == "" || strings.TrimSpace(r.Src.AbilityName) == "" {
		return fmt.Errorf("%w: missing source bundle or ability", ErrInvalidParameters)
	}
	if strings.TrimSpace(r.Sink.BundleName) == "" || strings.TrimSpace(r.Sink.AbilityName) == "" {
		return fmt.Errorf("%w: missing sink bundle or ability", ErrInvalidParameters)
	}
	return nil
}

// PrepareResult is the sink ability's readiness signal for a session.
type PrepareResult struct {
	Result      Code
	Reason      string
	SessionID   int32
	ChannelName string
	Client      Client
}
