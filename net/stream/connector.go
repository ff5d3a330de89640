package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	"twinlink/helper/timer"
	"twinlink/telemetry"

	log "github.com/sirupsen/logrus"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type ConnectorConfig struct {
	Address         string
	ConnectTimeout  time.Duration
	ConnectBackoff  time.Duration // Wait after a failed dial
	ReconnectWindow time.Duration // Wait after a successful dial before dialing again

	// AllowOverlap lets the connector dial again after ReconnectWindow even if the previous pair is still running.
	// Otherwise it also waits for the pair to finish.
	AllowOverlap bool

	Pair PairConfig
}

// Connector keeps dialing a remote address and serves every connection with a Pair
type Connector struct {
	cfg    ConnectorConfig
	dialer net.Dialer
	state  atomic.Int32
	wg     sync.WaitGroup
}

func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = 5 * time.Second
	}
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = 10 * time.Second
	}

	return &Connector{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.ConnectTimeout},
	}
}

func (c *Connector) State() State {
	return State(c.state.Load())
}

func (c *Connector) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		log.Debugf("stream: connector %s: %s -> %s", c.cfg.Address, old, s)
	}
}

// Run dials until ctx is cancelled. Dial failures are retried forever after ConnectBackoff.
// On return every pair spawned by the connector has finished.
func (c *Connector) Run(ctx context.Context) error {
	defer c.wg.Wait()
	defer c.setState(StateDisconnected)

	log.Infof("stream: connector started for %s", c.cfg.Address)

	for {
		c.setState(StateConnecting)

		conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Address)
		if err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return nil
			}

			metrics.IncrCounter(telemetry.MetricStreamConnectErrorCount, 1)
			log.Warnf("stream: connect to %s failed: %v; retrying in %v", c.cfg.Address, err, c.cfg.ConnectBackoff)

			if timer.Sleep(ctx, c.cfg.ConnectBackoff) != nil {
				return nil
			}
			continue
		}

		c.setState(StateConnected)
		metrics.IncrCounter(telemetry.MetricStreamConnectCount, 1)
		log.Infof("stream: connected to %s", c.cfg.Address)

		p := Spawn(ctx, conn, c.cfg.Pair)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			<-p.Done()
		}()

		if timer.Sleep(ctx, c.cfg.ReconnectWindow) != nil {
			return nil
		}

		if !c.cfg.AllowOverlap {
			select {
			case <-p.Done():
			case <-ctx.Done():
				return nil
			}
		}

		c.setState(StateDisconnected)
	}
}
