package stream

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"twinlink/helper/timer"
	"twinlink/telemetry"

	log "github.com/sirupsen/logrus"
)

// Listener accepts connections and serves each of them with a Pair
type Listener struct {
	listener net.Listener
	cfg      PairConfig

	wg    sync.WaitGroup
	mu    sync.Mutex
	pairs map[*Pair]struct{}
}

// Listen binds addr. A failure here is fatal to the listening task.
func Listen(ctx context.Context, addr string, cfg PairConfig) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Listener{
		listener: ln,
		cfg:      cfg,
		pairs:    make(map[*Pair]struct{}),
	}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Active returns the number of live pairs
func (l *Listener) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pairs)
}

// Serve accepts connections until ctx is cancelled, then stops every pair and waits for them to finish.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Infof("stream: context cancelled, closing listener %s", l.listener.Addr())
		if err := l.listener.Close(); err != nil {
			log.Warnf("stream: error closing listener %s: %v", l.listener.Addr(), err)
		}
	}()

	defer l.wg.Wait()

	log.Infof("stream: listening on %s", l.listener.Addr())

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Infof("stream: listener %s shutting down", l.listener.Addr())
				l.stopAll()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				l.stopAll()
				return err
			}

			metrics.IncrCounter(telemetry.MetricStreamAcceptErrorCount, 1)

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 1 * time.Second; tempDelay > max {
				tempDelay = max
			}
			log.Warnf("stream: accept error on %s: %v; retrying in %v", l.listener.Addr(), err, tempDelay)
			if timer.Sleep(ctx, tempDelay) != nil {
				log.Infof("stream: listener %s shutting down", l.listener.Addr())
				l.stopAll()
				return nil
			}
			continue
		}

		tempDelay = 0
		metrics.IncrCounter(telemetry.MetricStreamAcceptCount, 1)
		log.Infof("stream: accepted connection from %s", conn.RemoteAddr())

		l.spawn(ctx, conn)
	}
}

func (l *Listener) spawn(ctx context.Context, conn net.Conn) {
	p := Spawn(ctx, conn, l.cfg)

	l.mu.Lock()
	l.pairs[p] = struct{}{}
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		<-p.Done()

		l.mu.Lock()
		delete(l.pairs, p)
		l.mu.Unlock()
	}()
}

func (l *Listener) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p := range l.pairs {
		p.Stop()
	}
}
