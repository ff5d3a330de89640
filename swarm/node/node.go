package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sync/errgroup"

	"twinlink/config"
	"twinlink/datamodel/peer"
	"twinlink/helper/timer"
	"twinlink/net/discovery"
	"twinlink/net/stream"
	"twinlink/swarm/protocol"
	"twinlink/swarm/registry"

	log "github.com/sirupsen/logrus"
)

type Node struct {
	cfg *config.Config

	Registry  *registry.Registry
	PeerIndex peer.PeerIndex // Optional journal of accepted peers

	// Heartbeat generators, one per transport
	udpHeartbeat *protocol.Heartbeat
	tcpHeartbeat *protocol.Heartbeat

	// Bound addresses, known once the sockets are open
	boundUDP chan net.Addr
	boundTCP chan net.Addr
}

func New(cfg *config.Config, peerIndex peer.PeerIndex) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg: cfg,
		Registry: registry.New(registry.Config{
			Capacity:     cfg.Registry.Capacity,
			ExistsWait:   cfg.Registry.ExistsWait.D(),
			AddWait:      cfg.Registry.AddWait.D(),
			SnapshotWait: cfg.Registry.SnapshotWait.D(),
		}),
		PeerIndex:    peerIndex,
		udpHeartbeat: protocol.NewHeartbeat(protocol.TagUDP, cfg.Node.Device),
		tcpHeartbeat: protocol.NewHeartbeat(protocol.TagTCP, cfg.Node.Device),
		boundUDP:     make(chan net.Addr, 1),
		boundTCP:     make(chan net.Addr, 1),
	}

	n.Registry.OnAdd(n.recordPeer)

	log.Infof("I am %s (%s), registry capacity %d", cfg.Node.Device, cfg.Node.Role, n.Registry.Capacity())

	return n, nil
}

// Run starts the tasks of the configured role and blocks until ctx is cancelled and every task has returned.
// A task which fails is logged and ends on its own, the other tasks keep running.
// Run may be called again once it has returned.
func (n *Node) Run(ctx context.Context) error {
	// Bound addresses only describe the current run
	drainAddr(n.boundUDP)
	drainAddr(n.boundTCP)
	defer func() {
		drainAddr(n.boundUDP)
		drainAddr(n.boundTCP)
	}()

	wg, cctx := errgroup.WithContext(ctx)

	switch n.cfg.Node.Role {
	case config.RoleAccessPoint:
		n.runAccessPoint(cctx, wg)
	case config.RoleStation:
		if err := n.runStation(cctx, wg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: node.role %q", config.ErrInvalidConfig, n.cfg.Node.Role)
	}

	err := wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// UDPAddr waits for the UDP socket to be bound and returns its address
func (n *Node) UDPAddr(ctx context.Context) (net.Addr, error) {
	return waitAddr(ctx, n.boundUDP)
}

// TCPAddr waits for the TCP listener to be bound and returns its address. Only the access point listens.
func (n *Node) TCPAddr(ctx context.Context) (net.Addr, error) {
	return waitAddr(ctx, n.boundTCP)
}

func drainAddr(ch chan net.Addr) {
	select {
	case <-ch:
	default:
	}
}

func waitAddr(ctx context.Context, ch chan net.Addr) (net.Addr, error) {
	select {
	case addr := <-ch:
		ch <- addr
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Access point: UDP receiver (retry policy), fan-out sender and TCP listener
func (n *Node) runAccessPoint(ctx context.Context, wg *errgroup.Group) {
	wg.Go(func() error {
		conn, err := n.bindUDP(ctx)
		if err != nil {
			log.Errorf("Failed to bind UDP socket on %s: %v", n.cfg.Network.UDPListenAddress, err)
			return nil
		}

		udp, uctx := errgroup.WithContext(ctx)
		udp.Go(func() error {
			return n.task("udp receiver", discovery.NewReceiver(conn, n.Registry, n.receiverConfig()).Run(uctx))
		})
		udp.Go(func() error {
			fan := discovery.NewFanOut(conn, n.Registry, n.udpHeartbeat, n.discoveryInterval())
			return n.task("udp fan-out", fan.Run(uctx))
		})
		return udp.Wait()
	})

	wg.Go(func() error {
		l, err := stream.Listen(ctx, n.cfg.Network.TCPListenAddress, n.pairConfig())
		if err != nil {
			log.Errorf("Failed to listen on %s: %v", n.cfg.Network.TCPListenAddress, err)
			return nil
		}
		n.boundTCP <- l.Addr()
		return n.task("tcp listener", l.Serve(ctx))
	})
}

// Station: unicast sender to the access point, UDP receiver (terminate policy) and TCP connector
func (n *Node) runStation(ctx context.Context, wg *errgroup.Group) error {
	target, err := netip.ParseAddrPort(n.cfg.AccessPointUDP())
	if err != nil {
		return fmt.Errorf("%w: access point address %s: %w", config.ErrInvalidConfig, n.cfg.AccessPointUDP(), err)
	}

	wg.Go(func() error {
		conn, err := n.bindUDP(ctx)
		if err != nil {
			log.Errorf("Failed to bind UDP socket on %s: %v", n.cfg.Network.UDPListenAddress, err)
			return nil
		}

		udp, uctx := errgroup.WithContext(ctx)
		udp.Go(func() error {
			uni := discovery.NewUnicast(conn, target, n.udpHeartbeat, n.discoveryInterval())
			return n.task("udp sender", uni.Run(uctx))
		})
		udp.Go(func() error {
			return n.task("udp receiver", discovery.NewReceiver(conn, n.Registry, n.receiverConfig()).Run(uctx))
		})
		return udp.Wait()
	})

	wg.Go(func() error {
		// Give the access point a head start
		if err := timer.Sleep(ctx, n.cfg.Stream.StartupDelay.D()); err != nil {
			return nil
		}

		c := stream.NewConnector(stream.ConnectorConfig{
			Address:         n.cfg.AccessPointTCP(),
			ConnectTimeout:  n.cfg.Stream.ConnectTimeout.D(),
			ConnectBackoff:  n.cfg.Stream.ConnectBackoff.D(),
			ReconnectWindow: n.cfg.Stream.ReconnectWindow.D(),
			AllowOverlap:    n.cfg.Stream.AllowOverlap,
			Pair:            n.pairConfig(),
		})
		return n.task("tcp connector", c.Run(ctx))
	})

	return nil
}

// bindUDP opens the UDP socket shared by the receiver and the sender. The socket is closed when ctx is done.
func (n *Node) bindUDP(ctx context.Context) (*net.UDPConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", n.cfg.Network.UDPListenAddress)
	if err != nil {
		return nil, err
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}

	log.Infof("UDP socket bound on %s", conn.LocalAddr())
	n.boundUDP <- conn.LocalAddr()

	go func() {
		<-ctx.Done()
		if err := conn.Close(); err != nil {
			log.Warnf("Failed to close UDP socket: %v", err)
		}
	}()

	return conn, nil
}

// task logs how a task ended. Task failures never stop the node.
func (n *Node) task(name string, err error) error {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Infof("Task %s finished", name)
	default:
		log.Errorf("Task %s ended: %v", name, err)
	}
	return nil
}

func (n *Node) receiverConfig() discovery.ReceiverConfig {
	policy, err := discovery.ParseErrorPolicy(n.cfg.Discovery.ErrorPolicy)
	if err != nil {
		// Validated by config.Validate
		log.Warnf("%v, using retry", err)
	}

	return discovery.ReceiverConfig{
		BufferSize: n.cfg.Discovery.BufferSize,
		Policy:     policy,
		RetryDelay: n.cfg.Discovery.RetryDelay.D(),
	}
}

func (n *Node) discoveryInterval() timer.Interval {
	return timer.Interval{
		Duration: n.cfg.Discovery.HeartbeatInterval.D(),
		Jitter:   n.cfg.Discovery.HeartbeatJitter.D(),
	}
}

func (n *Node) pairConfig() stream.PairConfig {
	return stream.PairConfig{
		BufferSize: n.cfg.Stream.BufferSize,
		Heartbeat:  n.tcpHeartbeat,
		Interval:   timer.Interval{Duration: n.cfg.Stream.HeartbeatInterval.D()},
	}
}
