package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	logs "github.com/danmuck/collabd/internal/logging"
)

// Network is an in-memory switch between loopback endpoints. Each endpoint
// delivers inbound data on its own goroutine in send order.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Loopback
	nextID    int32
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Loopback)}
}

type delivery struct {
	channelID int32
	buf       []byte
	closed    bool
}

type loopLink struct {
	peer       *Loopback
	peerDevice string
	peerID     int32
	refs       int
}

// Loopback is one device's attachment to a Network.
type Loopback struct {
	net    *Network
	device string

	mu      sync.Mutex
	inbound Inbound
	links   map[int32]*loopLink
	byPeer  map[string]int32
	queue   []delivery
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// Attach registers deviceID on the network. The endpoint delivers nothing
// until SetInbound is called.
func (n *Network) Attach(deviceID string) *Loopback {
	l := &Loopback{
		net:     n,
		device:  deviceID,
		links:   make(map[int32]*loopLink),
		byPeer:  make(map[string]int32),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	n.mu.Lock()
	n.endpoints[deviceID] = l
	n.mu.Unlock()
	go l.deliver()
	return l
}

func (n *Network) lookup(deviceID string) (*Loopback, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.endpoints[deviceID]
	return l, ok
}

func (n *Network) channelID() int32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	return n.nextID
}

func (n *Network) detach(deviceID string) {
	n.mu.Lock()
	delete(n.endpoints, deviceID)
	n.mu.Unlock()
}

func (l *Loopback) DeviceID() string {
	return l.device
}

func (l *Loopback) SetInbound(in Inbound) {
	l.mu.Lock()
	l.inbound = in
	l.mu.Unlock()
	l.signal()
}

// Connect opens or reuses the channel to peerDeviceID. Each Connect must be
// paired with a Disconnect; the channel closes when the last user leaves.
func (l *Loopback) Connect(ctx context.Context, peerDeviceID, serviceType string) (int32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	if id, ok := l.byPeer[peerDeviceID]; ok {
		l.links[id].refs++
		l.mu.Unlock()
		return id, nil
	}
	l.mu.Unlock()

	peer, ok := l.net.lookup(peerDeviceID)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPeer, peerDeviceID)
	}
	localID := l.net.channelID()
	peerID := l.net.channelID()
	if err := peer.accept(peerID, l, localID); err != nil {
		return 0, err
	}

	l.mu.Lock()
	if id, ok := l.byPeer[peerDeviceID]; ok {
		// lost a race with another Connect to the same peer
		l.links[id].refs++
		l.mu.Unlock()
		peer.dropLink(peerID)
		return id, nil
	}
	if l.closed {
		l.mu.Unlock()
		peer.dropLink(peerID)
		return 0, ErrClosed
	}
	l.links[localID] = &loopLink{peer: peer, peerDevice: peerDeviceID, peerID: peerID, refs: 1}
	l.byPeer[peerDeviceID] = localID
	l.mu.Unlock()
	logs.Debugf("transport.Loopback.Connect local=%q peer=%q service=%q channel=%d", l.device, peerDeviceID, serviceType, localID)
	return localID, nil
}

func (l *Loopback) accept(id int32, from *Loopback, fromID int32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%w: peer %q", ErrClosed, l.device)
	}
	l.links[id] = &loopLink{peer: from, peerDevice: from.device, peerID: fromID, refs: 1}
	return nil
}

// Send delivers a copy of buf to the far end of channelID.
func (l *Loopback) Send(channelID int32, buf []byte) error {
	l.mu.Lock()
	link, ok := l.links[channelID]
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}
	return link.peer.enqueue(delivery{channelID: link.peerID, buf: bytes.Clone(buf)})
}

// Disconnect releases one use of the channel to peerDeviceID.
func (l *Loopback) Disconnect(peerDeviceID string) error {
	l.mu.Lock()
	id, ok := l.byPeer[peerDeviceID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPeer, peerDeviceID)
	}
	link := l.links[id]
	link.refs--
	if link.refs > 0 {
		l.mu.Unlock()
		return nil
	}
	delete(l.links, id)
	delete(l.byPeer, peerDeviceID)
	l.mu.Unlock()

	link.peer.dropLink(link.peerID)
	_ = link.peer.enqueue(delivery{channelID: link.peerID, closed: true})
	logs.Debugf("transport.Loopback.Disconnect local=%q peer=%q channel=%d", l.device, peerDeviceID, id)
	return nil
}

func (l *Loopback) dropLink(id int32) {
	l.mu.Lock()
	delete(l.links, id)
	l.mu.Unlock()
}

// ChannelCount reports open channels, for tests and diagnostics.
func (l *Loopback) ChannelCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.links)
}

func (l *Loopback) enqueue(d delivery) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("%w: peer %q", ErrClosed, l.device)
	}
	l.queue = append(l.queue, d)
	l.mu.Unlock()
	l.signal()
	return nil
}

func (l *Loopback) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loopback) deliver() {
	defer close(l.stopped)
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if l.inbound == nil || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			d := l.queue[0]
			l.queue = l.queue[1:]
			in := l.inbound
			l.mu.Unlock()

			if d.closed {
				in.OnChannelClosed(d.channelID)
				continue
			}
			if err := in.RouteInboundData(d.channelID, d.buf); err != nil {
				logs.Debugf("transport.Loopback.deliver device=%q channel=%d err=%v", l.device, d.channelID, err)
			}
		}
	}
}

// Close detaches the endpoint and stops delivery. Queued data is dropped.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	l.net.detach(l.device)
	close(l.done)
	<-l.stopped
	return nil
}
