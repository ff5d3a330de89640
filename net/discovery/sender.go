package discovery

import (
	"context"
	"net/netip"
	"time"

	"github.com/hashicorp/go-metrics"

	"twinlink/helper/timer"
	"twinlink/swarm/protocol"
	"twinlink/swarm/registry"
	"twinlink/telemetry"

	log "github.com/sirupsen/logrus"
)

// Sender periodically sends a heartbeat to a set of targets.
type Sender struct {
	conn      PacketConn
	heartbeat *protocol.Heartbeat
	interval  timer.Interval
	targets   func() []netip.AddrPort
	name      string
}

// NewFanOut creates a sender which sends every heartbeat to all registered peers.
// Targets are read from a registry snapshot, so no lock is held while sending.
func NewFanOut(conn PacketConn, reg *registry.Registry, hb *protocol.Heartbeat, interval timer.Interval) *Sender {
	return &Sender{
		conn:      conn,
		heartbeat: hb,
		interval:  interval,
		name:      "fan-out",
		targets: func() []netip.AddrPort {
			peers := reg.Snapshot()
			addrs := make([]netip.AddrPort, len(peers))
			for i, p := range peers {
				addrs[i] = p.Addr
			}
			return addrs
		},
	}
}

// NewUnicast creates a sender which sends every heartbeat to a single fixed target.
func NewUnicast(conn PacketConn, target netip.AddrPort, hb *protocol.Heartbeat, interval timer.Interval) *Sender {
	return &Sender{
		conn:      conn,
		heartbeat: hb,
		interval:  interval,
		name:      "unicast",
		targets: func() []netip.AddrPort {
			return []netip.AddrPort{target}
		},
	}
}

// Cycle sends one heartbeat to every current target and returns the number of successful sends.
// Failed sends are logged and skipped.
func (s *Sender) Cycle() int {
	msg := s.heartbeat.Next()
	sent := 0

	for _, addr := range s.targets() {
		if _, err := s.conn.WriteToUDPAddrPort(msg, addr); err != nil {
			metrics.IncrCounter(telemetry.MetricDatagramOutErrorCount, 1)
			log.Warnf("UDP send to %s failed: %v", addr, err)
			continue
		}
		metrics.IncrCounter(telemetry.MetricDatagramOutBytes, float32(len(msg)))
		log.Infof("UDP sent to %s: %s", addr, msg)
		sent++
	}

	return sent
}

func (s *Sender) cycle(ctx context.Context) error {
	s.Cycle()
	return nil
}

// Run sends heartbeats until the context is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	if s.interval.Duration <= 0 {
		s.interval.Duration = 2 * time.Second
	}

	log.Infof("discovery: %s sender started (every %v)", s.name, s.interval.Duration)

	err := timer.RunWithTicker(ctx, &s.interval, s.cycle)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
