// Package transport carries encoded collab commands between devices.
//
// Every transport satisfies collab.Transport for the outbound side and
// delivers inbound bytes to an Inbound, normally the collab.Registry.
package transport

import "errors"

var (
	ErrUnknownPeer    = errors.New("transport: unknown peer")
	ErrUnknownChannel = errors.New("transport: unknown channel")
	ErrClosed         = errors.New("transport: closed")
	ErrNoInbound      = errors.New("transport: no inbound handler")
	ErrBadHello       = errors.New("transport: invalid hello")
)

// Inbound receives data read from a channel and channel closure.
type Inbound interface {
	RouteInboundData(channelID int32, buf []byte) error
	OnChannelClosed(channelID int32)
}
