package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"twinlink/helper/timer"
	"twinlink/swarm/protocol"
	"twinlink/swarm/registry"

	"github.com/stretchr/testify/require"
)

type datagram struct {
	from    netip.AddrPort
	payload []byte
	err     error
}

// fakeConn feeds datagrams from a channel and records writes
type fakeConn struct {
	in chan datagram

	mu     sync.Mutex
	sent   map[netip.AddrPort][][]byte
	failTo map[netip.AddrPort]bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan datagram, 16),
		sent:   make(map[netip.AddrPort][][]byte),
		failTo: make(map[netip.AddrPort]bool),
	}
}

func (c *fakeConn) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	d, ok := <-c.in
	if !ok {
		return 0, netip.AddrPort{}, net.ErrClosed
	}
	if d.err != nil {
		return 0, netip.AddrPort{}, d.err
	}
	return copy(b, d.payload), d.from, nil
}

func (c *fakeConn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failTo[addr] {
		return 0, errors.New("network unreachable")
	}
	c.sent[addr] = append(c.sent[addr], append([]byte(nil), b...))
	return len(b), nil
}

func (c *fakeConn) sentTo(addr netip.AddrPort) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[addr]
}

func runReceiver(t *testing.T, r *Receiver) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()
	return cancel, done
}

func TestReceiverRegistersSender(t *testing.T) {
	conn := newFakeConn()
	reg := registry.New(registry.Config{})
	rcv := NewReceiver(conn, reg, ReceiverConfig{BufferSize: 128})

	src := netip.MustParseAddrPort("203.0.113.5:40000")
	require.Equal(t, 0, reg.Len())
	require.False(t, reg.Exists(src))

	cancel, done := runReceiver(t, rcv)

	conn.in <- datagram{from: src, payload: []byte("UDP Hello from A #0")}

	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, reg.Exists(src))

	// Shutdown: the socket owner cancels and closes the socket
	cancel()
	close(conn.in)
	require.NoError(t, <-done)
}

func TestReceiverBoundsPayload(t *testing.T) {
	conn := newFakeConn()
	reg := registry.New(registry.Config{})
	rcv := NewReceiver(conn, reg, ReceiverConfig{BufferSize: 16})

	got := make(chan []byte, 1)
	rcv.Handler = func(from netip.AddrPort, payload []byte) {
		got <- append([]byte(nil), payload...)
	}

	cancel, done := runReceiver(t, rcv)
	defer func() {
		cancel()
		close(conn.in)
		<-done
	}()

	conn.in <- datagram{from: netip.MustParseAddrPort("203.0.113.5:40000"), payload: []byte(strings.Repeat("a", 64))}

	select {
	case p := <-got:
		require.Len(t, p, 15)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestReceiverTerminatePolicy(t *testing.T) {
	conn := newFakeConn()
	reg := registry.New(registry.Config{})
	rcv := NewReceiver(conn, reg, ReceiverConfig{Policy: ErrorPolicyTerminate})

	_, done := runReceiver(t, rcv)
	conn.in <- datagram{err: errors.New("connection refused")}

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrReceiverTerminated)
	case <-time.After(time.Second):
		t.Fatal("receiver did not terminate")
	}
}

func TestReceiverRetryPolicy(t *testing.T) {
	conn := newFakeConn()
	reg := registry.New(registry.Config{})
	rcv := NewReceiver(conn, reg, ReceiverConfig{Policy: ErrorPolicyRetry, RetryDelay: time.Millisecond})

	cancel, done := runReceiver(t, rcv)

	src := netip.MustParseAddrPort("203.0.113.9:1234")
	conn.in <- datagram{err: errors.New("connection refused")}
	conn.in <- datagram{err: errors.New("connection refused")}
	conn.in <- datagram{from: src, payload: []byte("UDP Hello from B #3")}

	require.Eventually(t, func() bool { return reg.Exists(src) }, time.Second, 5*time.Millisecond)

	cancel()
	close(conn.in)
	require.NoError(t, <-done)
}

func TestReceiverFullRegistry(t *testing.T) {
	conn := newFakeConn()
	reg := registry.New(registry.Config{Capacity: 1})
	rcv := NewReceiver(conn, reg, ReceiverConfig{})

	handled := make(chan struct{}, 4)
	rcv.Handler = func(netip.AddrPort, []byte) { handled <- struct{}{} }

	cancel, done := runReceiver(t, rcv)

	first := netip.MustParseAddrPort("203.0.113.1:1")
	second := netip.MustParseAddrPort("203.0.113.2:2")
	conn.in <- datagram{from: first, payload: []byte("x")}
	conn.in <- datagram{from: second, payload: []byte("y")}
	<-handled
	<-handled

	require.True(t, reg.Exists(first))
	require.False(t, reg.Exists(second))
	require.Equal(t, 1, reg.Len())

	cancel()
	close(conn.in)
	require.NoError(t, <-done)
}

func TestFanOutDeliversIdenticalPayloads(t *testing.T) {
	conn := newFakeConn()
	reg := registry.New(registry.Config{})

	a := netip.MustParseAddrPort("203.0.113.5:40000")
	b := netip.MustParseAddrPort("203.0.113.6:40000")
	require.True(t, reg.Add(a))
	require.True(t, reg.Add(b))

	s := NewFanOut(conn, reg, protocol.NewHeartbeat(protocol.TagUDP, "ESP32"), timer.Interval{Duration: time.Second})
	require.Equal(t, 2, s.Cycle())

	require.Len(t, conn.sentTo(a), 1)
	require.Len(t, conn.sentTo(b), 1)
	require.Equal(t, conn.sentTo(a)[0], conn.sentTo(b)[0])
	require.Equal(t, "UDP Hello from ESP32 #0", string(conn.sentTo(a)[0]))

	// The next cycle carries the next sequence number
	require.Equal(t, 2, s.Cycle())
	require.Equal(t, "UDP Hello from ESP32 #1", string(conn.sentTo(b)[1]))
}

func TestFanOutSkipsFailingPeer(t *testing.T) {
	conn := newFakeConn()
	reg := registry.New(registry.Config{})

	bad := netip.MustParseAddrPort("203.0.113.5:40000")
	good := netip.MustParseAddrPort("203.0.113.6:40000")
	require.True(t, reg.Add(bad))
	require.True(t, reg.Add(good))
	conn.failTo[bad] = true

	s := NewFanOut(conn, reg, protocol.NewHeartbeat(protocol.TagUDP, "ESP32"), timer.Interval{Duration: time.Second})
	require.Equal(t, 1, s.Cycle())
	require.Len(t, conn.sentTo(good), 1)
}

func TestFanOutEmptyRegistry(t *testing.T) {
	conn := newFakeConn()
	s := NewFanOut(conn, registry.New(registry.Config{}), protocol.NewHeartbeat(protocol.TagUDP, "ESP32"), timer.Interval{Duration: time.Second})
	require.Equal(t, 0, s.Cycle())
}

func TestUnicastRun(t *testing.T) {
	conn := newFakeConn()
	ap := netip.MustParseAddrPort("192.168.4.1:8080")
	s := NewUnicast(conn, ap, protocol.NewHeartbeat(protocol.TagUDP, "PICO"), timer.Interval{Duration: 5 * time.Millisecond, Immediate: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(conn.sentTo(ap)) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, "UDP Hello from PICO #0", string(conn.sentTo(ap)[0]))
}

func TestParseErrorPolicy(t *testing.T) {
	p, err := ParseErrorPolicy("terminate")
	require.NoError(t, err)
	require.Equal(t, ErrorPolicyTerminate, p)
	require.Equal(t, "terminate", p.String())

	_, err = ParseErrorPolicy("panic")
	require.Error(t, err)
}

// Loopback round trip over real sockets: a station datagram registers it, the fan-out reaches it back.
func TestLoopbackDiscovery(t *testing.T) {
	apConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer apConn.Close()

	stConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer stConn.Close()

	reg := registry.New(registry.Config{})
	rcv := NewReceiver(apConn, reg, ReceiverConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rcv.Run(ctx) }()

	apAddr := registry.Normalize(apConn.LocalAddr().(*net.UDPAddr).AddrPort())
	stAddr := stConn.LocalAddr().(*net.UDPAddr).AddrPort()

	_, err = stConn.WriteToUDPAddrPort([]byte("UDP Hello from PICO #0"), apAddr)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return reg.Exists(stAddr) }, 2*time.Second, 5*time.Millisecond)

	fan := NewFanOut(apConn, reg, protocol.NewHeartbeat(protocol.TagUDP, "ESP32"), timer.Interval{Duration: time.Second})
	require.Equal(t, 1, fan.Cycle())

	buf := make([]byte, 128)
	require.NoError(t, stConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, from, err := stConn.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	require.Equal(t, apAddr, registry.Normalize(from))
	require.Equal(t, "UDP Hello from ESP32 #0", string(buf[:n]))

	cancel()
	apConn.Close()
	require.NoError(t, <-done)
}
