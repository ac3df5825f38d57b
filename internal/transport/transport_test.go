package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/collabd/internal/protocol/command"
	"github.com/danmuck/collabd/internal/testutil/testlog"
)

type inbox struct {
	mu     sync.Mutex
	data   map[int32][][]byte
	closed []int32
}

func newInbox() *inbox {
	return &inbox{data: make(map[int32][][]byte)}
}

func (i *inbox) RouteInboundData(channelID int32, buf []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.data[channelID] = append(i.data[channelID], buf)
	return nil
}

func (i *inbox) OnChannelClosed(channelID int32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = append(i.closed, channelID)
}

func (i *inbox) received() (int32, [][]byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for ch, bufs := range i.data {
		return ch, append([][]byte(nil), bufs...)
	}
	return 0, nil
}

func (i *inbox) closedCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.closed)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func disconnectFrame(t *testing.T, token string, id uint64) []byte {
	t.Helper()
	b, err := command.EncodeDisconnectCmd(id, command.DisconnectCmd{Token: token})
	if err != nil {
		t.Fatalf("encode disconnect: %v", err)
	}
	return b
}

func TestLoopbackDeliversInOrderAndReplies(t *testing.T) {
	testlog.Start(t)

	sw := NewNetwork()
	a, b := sw.Attach("dev-a"), sw.Attach("dev-b")
	defer a.Close()
	defer b.Close()
	inA, inB := newInbox(), newInbox()
	a.SetInbound(inA)
	b.SetInbound(inB)

	ch, err := a.Connect(context.Background(), "dev-b", "collab")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if err := a.Send(ch, disconnectFrame(t, "dev-a_1", uint64(i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	waitUntil(t, "five frames", func() bool {
		_, bufs := inB.received()
		return len(bufs) == 5
	})
	peerCh, bufs := inB.received()
	for i, buf := range bufs {
		h, err := command.Peek(buf)
		if err != nil {
			t.Fatalf("peek %d: %v", i, err)
		}
		if h.MessageID != uint64(i+1) {
			t.Fatalf("out of order: got message %d at %d", h.MessageID, i)
		}
	}

	if err := b.Send(peerCh, disconnectFrame(t, "dev-a_1", 9)); err != nil {
		t.Fatalf("reply: %v", err)
	}
	waitUntil(t, "reply", func() bool {
		_, bufs := inA.received()
		return len(bufs) == 1
	})
}

func TestLoopbackSharedChannelClosesOnLastDisconnect(t *testing.T) {
	testlog.Start(t)

	sw := NewNetwork()
	a, b := sw.Attach("dev-a"), sw.Attach("dev-b")
	defer a.Close()
	defer b.Close()
	inB := newInbox()
	b.SetInbound(inB)

	first, err := a.Connect(context.Background(), "dev-b", "collab")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	second, err := a.Connect(context.Background(), "dev-b", "collab")
	if err != nil || second != first {
		t.Fatalf("expected shared channel, got %d/%d err=%v", first, second, err)
	}
	if err := a.Disconnect("dev-b"); err != nil {
		t.Fatalf("first disconnect: %v", err)
	}
	if a.ChannelCount() != 1 {
		t.Fatalf("channel closed while still in use")
	}
	if err := a.Disconnect("dev-b"); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	waitUntil(t, "peer close notice", func() bool { return inB.closedCount() == 1 })
	if a.ChannelCount() != 0 || b.ChannelCount() != 0 {
		t.Fatalf("channels left: a=%d b=%d", a.ChannelCount(), b.ChannelCount())
	}
	if err := a.Send(first, []byte("x")); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected unknown channel after close, got %v", err)
	}
	if err := a.Disconnect("dev-b"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected unknown peer, got %v", err)
	}
}

func TestLoopbackUnknownPeer(t *testing.T) {
	testlog.Start(t)

	sw := NewNetwork()
	a := sw.Attach("dev-a")
	defer a.Close()
	if _, err := a.Connect(context.Background(), "dev-z", "collab"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected unknown peer, got %v", err)
	}
}

func TestTCPRoundTripAndPeerClose(t *testing.T) {
	testlog.Start(t)

	server := NewTCP("dev-b", Config{ListenAddr: "127.0.0.1:0"})
	inB := newInbox()
	server.SetInbound(inB)
	if err := server.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Serve(ctx) }()
	defer server.Close()

	client := NewTCP("dev-a", Config{
		ListenAddr: "127.0.0.1:0",
		Peers:      map[string]string{"dev-b": server.Addr()},
	})
	inA := newInbox()
	client.SetInbound(inA)
	defer client.Close()

	ch, err := client.Connect(ctx, "dev-b", "collab")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.Send(ch, disconnectFrame(t, "dev-a_tcp", 3)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitUntil(t, "frame at server", func() bool {
		_, bufs := inB.received()
		return len(bufs) == 1
	})
	peerCh, bufs := inB.received()
	h, err := command.Peek(bufs[0])
	if err != nil || h.Token != "dev-a_tcp" || h.Kind != command.KindDisconnect {
		t.Fatalf("unexpected frame: %+v err=%v", h, err)
	}

	if err := server.Send(peerCh, disconnectFrame(t, "dev-a_tcp", 4)); err != nil {
		t.Fatalf("server send: %v", err)
	}
	waitUntil(t, "frame at client", func() bool {
		_, bufs := inA.received()
		return len(bufs) == 1
	})

	if err := client.Disconnect("dev-b"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitUntil(t, "server close notice", func() bool { return inB.closedCount() == 1 })
	if inA.closedCount() != 0 {
		t.Fatalf("local disconnect reported as peer close")
	}
}

func TestTCPConnectWithoutAddress(t *testing.T) {
	testlog.Start(t)

	client := NewTCP("dev-a", Config{})
	defer client.Close()
	if _, err := client.Connect(context.Background(), "dev-b", "collab"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected unknown peer, got %v", err)
	}
}

func TestTCPDialGivesUp(t *testing.T) {
	testlog.Start(t)

	client := NewTCP("dev-a", Config{
		ConnectTimeout: 100 * time.Millisecond,
		DialAttempts:   2,
		Backoff:        BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1},
		Peers:          map[string]string{"dev-b": "127.0.0.1:1"},
	})
	defer client.Close()
	if _, err := client.Connect(context.Background(), "dev-b", "collab"); err == nil {
		t.Fatalf("expected dial failure")
	}
}

func connectConcurrently(t *testing.T, n int, connect func() (int32, error)) []int32 {
	t.Helper()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ids   []int32
		errs  []error
		start = make(chan struct{})
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			id, err := connect()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids = append(ids, id)
		}()
	}
	close(start)
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("connect errors: %v", errs)
	}
	return ids
}

func TestLoopbackConcurrentConnectSharesChannel(t *testing.T) {
	testlog.Start(t)

	sw := NewNetwork()
	a, b := sw.Attach("dev-a"), sw.Attach("dev-b")
	defer a.Close()
	defer b.Close()
	b.SetInbound(newInbox())

	ids := connectConcurrently(t, 8, func() (int32, error) {
		return a.Connect(context.Background(), "dev-b", "collab")
	})
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected one shared channel, got %v", ids)
		}
	}
	if a.ChannelCount() != 1 || b.ChannelCount() != 1 {
		t.Fatalf("open channels a=%d b=%d, want 1/1", a.ChannelCount(), b.ChannelCount())
	}
	for i := range ids {
		if err := a.Disconnect("dev-b"); err != nil {
			t.Fatalf("disconnect %d: %v", i, err)
		}
		if i < len(ids)-1 && a.ChannelCount() != 1 {
			t.Fatalf("channel closed after %d of %d disconnects", i+1, len(ids))
		}
	}
	if a.ChannelCount() != 0 {
		t.Fatalf("channel still open after last disconnect")
	}
}

func TestTCPConcurrentConnectSharesChannel(t *testing.T) {
	testlog.Start(t)

	server := NewTCP("dev-b", Config{ListenAddr: "127.0.0.1:0"})
	inB := newInbox()
	server.SetInbound(inB)
	if err := server.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Serve(ctx) }()
	defer server.Close()

	client := NewTCP("dev-a", Config{
		ListenAddr: "127.0.0.1:0",
		Peers:      map[string]string{"dev-b": server.Addr()},
	})
	client.SetInbound(newInbox())
	defer client.Close()

	ids := connectConcurrently(t, 2, func() (int32, error) {
		return client.Connect(ctx, "dev-b", "collab")
	})
	if ids[0] != ids[1] {
		t.Fatalf("expected one shared channel, got %v", ids)
	}
	client.mu.Lock()
	open, refs := len(client.channels), client.channels[ids[0]].refs
	client.mu.Unlock()
	if open != 1 || refs != 2 {
		t.Fatalf("open=%d refs=%d, want 1/2", open, refs)
	}

	if err := client.Disconnect("dev-b"); err != nil {
		t.Fatalf("first disconnect: %v", err)
	}
	if err := client.Send(ids[0], disconnectFrame(t, "dev-a_tcp", 1)); err != nil {
		t.Fatalf("send after first disconnect: %v", err)
	}
	waitUntil(t, "frame at server", func() bool {
		_, bufs := inB.received()
		return len(bufs) == 1
	})
	if err := client.Disconnect("dev-b"); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	waitUntil(t, "server close notice", func() bool { return inB.closedCount() == 1 })
}

func TestTCPConcurrentDialRetries(t *testing.T) {
	testlog.Start(t)

	client := NewTCP("dev-a", Config{
		ConnectTimeout: 100 * time.Millisecond,
		DialAttempts:   3,
		Backoff:        BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, Jitter: true},
		Peers: map[string]string{
			"dev-b": "127.0.0.1:1",
			"dev-c": "127.0.0.1:1",
			"dev-d": "127.0.0.1:1",
			"dev-e": "127.0.0.1:1",
		},
	})
	defer client.Close()

	var wg sync.WaitGroup
	for _, peer := range []string{"dev-b", "dev-c", "dev-d", "dev-e"} {
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := client.Connect(context.Background(), peer, "collab"); err == nil {
					t.Errorf("expected dial failure for %s", peer)
				}
			}()
		}
	}
	wg.Wait()
}

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)

	b, err := encodeHello("dev-a", "collab")
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	if _, err := command.Peek(b); err == nil {
		t.Fatalf("hello must not route as a session command")
	}

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	go func() { _, _ = local.Write(b) }()
	device, service, err := readHello(remote)
	if err != nil || device != "dev-a" || service != "collab" {
		t.Fatalf("read hello: device=%q service=%q err=%v", device, service, err)
	}
}

func TestReadHelloRejectsSessionFrame(t *testing.T) {
	testlog.Start(t)

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	buf := disconnectFrame(t, "dev-a_1", 1)
	go func() { _, _ = local.Write(buf) }()
	if _, _, err := readHello(remote); !errors.Is(err, ErrBadHello) {
		t.Fatalf("expected bad hello, got %v", err)
	}
}
