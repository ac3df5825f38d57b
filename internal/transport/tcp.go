package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	logs "github.com/danmuck/collabd/internal/logging"
	"github.com/danmuck/collabd/internal/protocol/frame"
	"github.com/danmuck/collabd/internal/protocol/schema"
	"github.com/danmuck/collabd/internal/protocol/tlv"
	"golang.org/x/sync/singleflight"
)

type tcpChannel struct {
	id      int32
	peer    string
	conn    net.Conn
	writeMu sync.Mutex
	refs    int
	dialed  bool
}

// TCP carries frames over one TCP connection per peer device. The dialing
// side opens the connection with a hello frame naming its device.
type TCP struct {
	cfg    Config
	device string
	dials  singleflight.Group

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	inbound  Inbound
	channels map[int32]*tcpChannel
	byPeer   map[string]int32
	nextID   int32
	ln       net.Listener
	closed   bool
	wg       sync.WaitGroup
}

func NewTCP(deviceID string, cfg Config) *TCP {
	return &TCP{
		cfg:      cfg.WithDefaults(),
		device:   deviceID,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		channels: make(map[int32]*tcpChannel),
		byPeer:   make(map[string]int32),
	}
}

func (t *TCP) SetInbound(in Inbound) {
	t.mu.Lock()
	t.inbound = in
	t.mu.Unlock()
}

// Addr returns the bound listen address once Listen has succeeded.
func (t *TCP) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

// Listen binds the configured address. Serve must follow.
func (t *TCP) Listen() error {
	ln, err := net.Listen("tcp", strings.TrimSpace(t.cfg.ListenAddr))
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	logs.Infof("transport.TCP listening addr=%q device=%q", ln.Addr().String(), t.device)
	return nil
}

// Serve accepts peer connections until ctx ends.
func (t *TCP) Serve(ctx context.Context) error {
	t.mu.Lock()
	ln := t.ln
	t.mu.Unlock()
	if ln == nil {
		if err := t.Listen(); err != nil {
			return err
		}
		t.mu.Lock()
		ln = t.ln
		t.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.accept(conn)
		}()
	}
}

func (t *TCP) accept(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.HelloTimeout))
	peer, service, err := readHello(conn)
	if err != nil {
		logs.Warnf("transport.TCP.accept bad hello remote=%q err=%v", remote, err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	ch, err := t.register(peer, conn, false)
	if err != nil {
		logs.Warnf("transport.TCP.accept register remote=%q err=%v", remote, err)
		_ = conn.Close()
		return
	}
	logs.Infof("transport.TCP.accept peer=%q service=%q remote=%q channel=%d", peer, service, remote, ch.id)
	t.readLoop(ch)
}

func (t *TCP) register(peer string, conn net.Conn, dialed bool) (*tcpChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.nextID++
	ch := &tcpChannel{id: t.nextID, peer: peer, conn: conn, refs: 1, dialed: dialed}
	if dialed {
		// Connect takes the reference once the dial is shared out
		ch.refs = 0
	}
	t.channels[ch.id] = ch
	if dialed {
		t.byPeer[peer] = ch.id
	}
	return ch, nil
}

// Connect dials peerDeviceID, retrying with backoff, or reuses an open
// channel. Concurrent Connects to one peer share a single dial. Each Connect
// must be paired with a Disconnect.
func (t *TCP) Connect(ctx context.Context, peerDeviceID, serviceType string) (int32, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	if id, ok := t.byPeer[peerDeviceID]; ok {
		t.channels[id].refs++
		t.mu.Unlock()
		return id, nil
	}
	addr, ok := t.cfg.Peers[peerDeviceID]
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: no address for %q", ErrUnknownPeer, peerDeviceID)
	}

	v, err, shared := t.dials.Do(peerDeviceID, func() (any, error) {
		return t.open(ctx, peerDeviceID, addr, serviceType)
	})
	if err != nil {
		return 0, err
	}
	id := v.(int32)

	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d closed before use", ErrUnknownChannel, id)
	}
	ch.refs++
	logs.Debugf("transport.TCP.Connect peer=%q channel=%d refs=%d shared=%v", peerDeviceID, id, ch.refs, shared)
	return id, nil
}

// open returns the dialed channel to peerDeviceID, dialing it if no channel
// exists. The returned channel carries no reference of its own.
func (t *TCP) open(ctx context.Context, peerDeviceID, addr, serviceType string) (int32, error) {
	t.mu.Lock()
	if id, ok := t.byPeer[peerDeviceID]; ok {
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	conn, err := t.dial(ctx, addr)
	if err != nil {
		return 0, err
	}
	hello, err := encodeHello(t.device, serviceType)
	if err != nil {
		_ = conn.Close()
		return 0, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if _, err := conn.Write(hello); err != nil {
		_ = conn.Close()
		return 0, err
	}
	ch, err := t.register(peerDeviceID, conn, true)
	if err != nil {
		_ = conn.Close()
		return 0, err
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(ch)
	}()
	logs.Infof("transport.TCP.Connect peer=%q addr=%q channel=%d", peerDeviceID, addr, ch.id)
	return ch.id, nil
}

func (t *TCP) backoff(attempt int) time.Duration {
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return NextBackoffDelay(t.cfg.Backoff, attempt, t.rng)
}

func (t *TCP) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	var lastErr error
	for attempt := 1; attempt <= t.cfg.DialAttempts; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == t.cfg.DialAttempts {
			break
		}
		delay := t.backoff(attempt)
		logs.Debugf("transport.TCP.dial retry addr=%q attempt=%d delay=%s err=%v", addr, attempt, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("transport: dial %q after %d attempts: %w", addr, t.cfg.DialAttempts, lastErr)
}

func (t *TCP) Send(channelID int32, buf []byte) error {
	t.mu.Lock()
	ch, ok := t.channels[channelID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	_ = ch.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	_, err := ch.conn.Write(buf)
	return err
}

// Disconnect releases one use of the dialed channel to peerDeviceID.
func (t *TCP) Disconnect(peerDeviceID string) error {
	t.mu.Lock()
	id, ok := t.byPeer[peerDeviceID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPeer, peerDeviceID)
	}
	ch := t.channels[id]
	ch.refs--
	if ch.refs > 0 {
		t.mu.Unlock()
		return nil
	}
	delete(t.byPeer, peerDeviceID)
	delete(t.channels, id)
	t.mu.Unlock()
	return ch.conn.Close()
}

// readLoop forwards frames until the connection fails. A channel removed by
// Disconnect is not reported as closed.
func (t *TCP) readLoop(ch *tcpChannel) {
	limits := frame.DefaultLimits()
	for {
		f, err := frame.ReadFrame(ch.conn, limits)
		if err != nil {
			t.dropChannel(ch, err)
			return
		}
		var raw bytes.Buffer
		if err := frame.WriteFrame(&raw, f, limits); err != nil {
			logs.Warnf("transport.TCP.readLoop reencode channel=%d err=%v", ch.id, err)
			continue
		}
		t.mu.Lock()
		in := t.inbound
		t.mu.Unlock()
		if in == nil {
			logs.Warnf("transport.TCP.readLoop drop channel=%d err=%v", ch.id, ErrNoInbound)
			continue
		}
		if err := in.RouteInboundData(ch.id, raw.Bytes()); err != nil {
			logs.Debugf("transport.TCP.readLoop route channel=%d err=%v", ch.id, err)
		}
	}
}

func (t *TCP) dropChannel(ch *tcpChannel, cause error) {
	t.mu.Lock()
	current, live := t.channels[ch.id]
	live = live && current == ch
	if live {
		delete(t.channels, ch.id)
		if ch.dialed && t.byPeer[ch.peer] == ch.id {
			delete(t.byPeer, ch.peer)
		}
	}
	in := t.inbound
	t.mu.Unlock()
	_ = ch.conn.Close()
	if !live {
		return
	}
	logs.Infof("transport.TCP channel closed peer=%q channel=%d cause=%v", ch.peer, ch.id, cause)
	if in != nil {
		in.OnChannelClosed(ch.id)
	}
}

// Close stops accepting, closes every channel, and waits for readers.
func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.ln
	conns := make([]net.Conn, 0, len(t.channels))
	for _, ch := range t.channels {
		conns = append(conns, ch.conn)
	}
	t.channels = make(map[int32]*tcpChannel)
	t.byPeer = make(map[string]int32)
	t.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	t.wg.Wait()
	return nil
}

func encodeHello(deviceID, serviceType string) ([]byte, error) {
	payload := tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldHelloDeviceID, deviceID),
		tlv.String(schema.FieldHelloServiceType, serviceType),
	})
	return frame.Marshal(0, schema.MsgHello, payload)
}

func readHello(conn net.Conn) (string, string, error) {
	f, err := frame.ReadFrame(conn, frame.DefaultLimits())
	if err != nil {
		return "", "", err
	}
	if err := frame.CheckHeader(f.Header); err != nil {
		return "", "", err
	}
	if f.Header.MessageType != schema.MsgHello {
		return "", "", fmt.Errorf("%w: message_type=%d", ErrBadHello, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return "", "", err
	}
	if err := schema.Validate(schema.MsgHello, fields); err != nil {
		return "", "", err
	}
	devField, _ := tlv.GetField(fields, schema.FieldHelloDeviceID)
	svcField, _ := tlv.GetField(fields, schema.FieldHelloServiceType)
	device, err := devField.AsString()
	if err != nil {
		return "", "", err
	}
	service, err := svcField.AsString()
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(device) == "" {
		return "", "", fmt.Errorf("%w: empty device id", ErrBadHello)
	}
	return device, service, nil
}
