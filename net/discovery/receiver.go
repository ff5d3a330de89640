// Package discovery implements the UDP side of twinlink.
// Receive: datagrams are read from a bound socket and their senders are registered as peers.
// Send: a heartbeat is periodically sent to every registered peer (fan-out) or to a fixed target (unicast).
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"

	"twinlink/helper/timer"
	"twinlink/swarm/protocol"
	"twinlink/swarm/registry"
	"twinlink/telemetry"

	log "github.com/sirupsen/logrus"
)

var ErrReceiverTerminated = errors.New("discovery: receiver terminated")

// PacketConn is the part of *net.UDPConn used by the receiver and the senders
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// ErrorPolicy decides what the receiver does after a failed read
type ErrorPolicy int

const (
	// ErrorPolicyRetry logs the error and reads again after a fixed delay
	ErrorPolicyRetry ErrorPolicy = iota
	// ErrorPolicyTerminate ends the receiver on the first error
	ErrorPolicyTerminate
)

func (p ErrorPolicy) String() string {
	switch p {
	case ErrorPolicyRetry:
		return "retry"
	case ErrorPolicyTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("ErrorPolicy(%d)", int(p))
	}
}

func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "retry":
		return ErrorPolicyRetry, nil
	case "terminate":
		return ErrorPolicyTerminate, nil
	default:
		return 0, fmt.Errorf("discovery: unknown error policy %q", s)
	}
}

type ReceiverConfig struct {
	BufferSize int // Payloads are read into BufferSize-1 bytes
	Policy     ErrorPolicy
	RetryDelay time.Duration
}

type Receiver struct {
	conn     PacketConn
	registry *registry.Registry
	cfg      ReceiverConfig

	// Handler, if set, is called with every received payload after the sender was registered
	Handler func(from netip.AddrPort, payload []byte)

	rejectLog rate.Sometimes
}

func NewReceiver(conn PacketConn, reg *registry.Registry, cfg ReceiverConfig) *Receiver {
	if cfg.BufferSize < 2 {
		cfg.BufferSize = protocol.MaxPayload + 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	return &Receiver{
		conn:      conn,
		registry:  reg,
		cfg:       cfg,
		rejectLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Run reads datagrams until the context is cancelled or, with ErrorPolicyTerminate, until a read fails.
// The owner of the socket is expected to close it when ctx is done so that a blocked read returns.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, r.cfg.BufferSize)

	log.Infof("discovery: receiver started (policy %s)", r.cfg.Policy)

	for {
		n, from, err := r.conn.ReadFromUDPAddrPort(buf[:len(buf)-1])
		if err != nil {
			if ctx.Err() != nil {
				log.Debugf("discovery: receiver stopping: %v", ctx.Err())
				return nil
			}

			metrics.IncrCounter(telemetry.MetricDatagramInErrorCount, 1)

			if r.cfg.Policy == ErrorPolicyTerminate {
				log.Errorf("discovery: failed to read datagram, terminating receiver: %v", err)
				return fmt.Errorf("%w: %w", ErrReceiverTerminated, err)
			}

			log.Warnf("discovery: failed to read datagram: %v; retrying in %v", err, r.cfg.RetryDelay)
			if timer.Sleep(ctx, r.cfg.RetryDelay) != nil {
				return nil
			}
			continue
		}

		if n <= 0 {
			continue
		}

		r.handle(from, buf[:n])
	}
}

func (r *Receiver) handle(from netip.AddrPort, payload []byte) {
	from = registry.Normalize(from)
	metrics.IncrCounter(telemetry.MetricDatagramInBytes, float32(len(payload)))

	log.Infof("UDP RX [%s]: %s", from, protocol.Text(payload))

	if !r.registry.Add(from) {
		r.rejectLog.Do(func() {
			log.WithField("peer", from.String()).Warnf("discovery: failed to add peer (registry full or busy, %d/%d)",
				r.registry.Len(), r.registry.Capacity())
		})
	}

	if r.Handler != nil {
		r.Handler(from, payload)
	}
}
