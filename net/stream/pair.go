package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	"twinlink/helper/timer"
	"twinlink/swarm/protocol"
	"twinlink/telemetry"

	log "github.com/sirupsen/logrus"
)

var activePairs atomic.Int64

type PairConfig struct {
	BufferSize int // Payloads are read into BufferSize-1 bytes
	Heartbeat  *protocol.Heartbeat
	Interval   timer.Interval

	// Handler, if set, is called from the receive task with every chunk read from the peer
	Handler func(remote string, payload []byte)
}

func (c *PairConfig) applyDefaults() {
	if c.BufferSize < 2 {
		c.BufferSize = protocol.MaxPayload + 1
	}
	if c.Interval.Duration <= 0 {
		c.Interval.Duration = 2 * time.Second
	}
	if c.Heartbeat == nil {
		c.Heartbeat = protocol.NewHeartbeat(protocol.TagTCP, "unknown")
	}
}

// Pair is a receive task and a send task serving one connection
type Pair struct {
	cfg    PairConfig
	remote string
	cancel context.CancelFunc
	done   chan struct{}
}

// Spawn starts the receive and send tasks for conn. The pair stops when either task ends or ctx is cancelled.
func Spawn(ctx context.Context, conn net.Conn, cfg PairConfig) *Pair {
	cfg.applyDefaults()

	rx, tx := Split(conn)
	ctx, cancel := context.WithCancel(ctx)

	p := &Pair{
		cfg:    cfg,
		remote: rx.Remote(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	metrics.SetGauge(telemetry.MetricStreamPairsActive, float32(activePairs.Add(1)))
	log.Infof("stream: pair started for %s", p.remote)

	var wg sync.WaitGroup
	wg.Add(3)

	// Cancellation stops the connection, a stopped connection cancels the send task
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			rx.Stop()
		case <-rx.Stopped():
			cancel()
		}
	}()

	go func() {
		defer wg.Done()
		p.receive(rx)
	}()

	go func() {
		defer wg.Done()
		p.send(ctx, tx)
	}()

	go func() {
		wg.Wait()
		cancel()
		metrics.SetGauge(telemetry.MetricStreamPairsActive, float32(activePairs.Add(-1)))
		log.Infof("stream: pair finished for %s", p.remote)
		close(p.done)
	}()

	return p
}

func (p *Pair) Remote() string {
	return p.remote
}

// Done is closed once both tasks have released the connection
func (p *Pair) Done() <-chan struct{} {
	return p.done
}

// Stop requests both tasks to finish. Use Done to wait for them.
func (p *Pair) Stop() {
	p.cancel()
}

func (p *Pair) receive(rx *Handle) {
	defer func() {
		rx.Stop()
		if err := rx.Release(); err != nil {
			log.Debugf("stream: rx release for %s: %v", p.remote, err)
		}
	}()

	buf := make([]byte, p.cfg.BufferSize)

	for {
		n, err := rx.Read(buf[:len(buf)-1])
		if n > 0 {
			metrics.IncrCounter(telemetry.MetricStreamInBytes, float32(n))
			log.Infof("TCP RX [%s]: %s", p.remote, protocol.Text(buf[:n]))
			if p.cfg.Handler != nil {
				p.cfg.Handler(p.remote, buf[:n])
			}
		}

		if err == nil {
			continue
		}

		switch {
		case rx.IsStopped():
			log.Debugf("stream: receive from %s stopped", p.remote)
		case errors.Is(err, io.EOF):
			log.Infof("stream: %s closed the connection", p.remote)
		default:
			log.Warnf("stream: receive from %s failed: %v", p.remote, err)
		}
		return
	}
}

func (p *Pair) send(ctx context.Context, tx *Handle) {
	defer func() {
		tx.Stop()
		if err := tx.Release(); err != nil {
			log.Debugf("stream: tx release for %s: %v", p.remote, err)
		}
	}()

	interval := p.cfg.Interval
	interval.Immediate = true

	err := timer.RunWithTicker(ctx, &interval, func(ctx context.Context) error {
		msg := p.cfg.Heartbeat.Next()
		if _, err := tx.Write(msg); err != nil {
			return err
		}
		metrics.IncrCounter(telemetry.MetricStreamOutBytes, float32(len(msg)))
		log.Debugf("TCP sent to %s: %s", p.remote, msg)
		return nil
	})

	switch {
	case err == nil, ctx.Err() != nil:
		log.Debugf("stream: send to %s stopped", p.remote)
	case errors.Is(err, ErrConnClosed), tx.IsStopped():
		log.Infof("stream: send to %s stopped, connection closed by receiver", p.remote)
	default:
		log.Warnf("stream: send to %s failed: %v", p.remote, err)
	}
}
