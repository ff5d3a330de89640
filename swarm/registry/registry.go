// Package registry implements the bounded set of remote endpoints discovered over UDP.
//
// The registry is shared by the discovery receiver, which adds peers, and the fan-out sender,
// which takes snapshots of them. Every lock acquisition is bounded by a timeout and fails open:
// a timed out Exists or Add reports false, a timed out Snapshot is empty. No peer is ever removed.
package registry

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/semaphore"

	"twinlink/telemetry"
)

const (
	DefaultCapacity     = 5
	DefaultExistsWait   = 100 * time.Millisecond
	DefaultAddWait      = 100 * time.Millisecond
	DefaultSnapshotWait = 50 * time.Millisecond
)

// Peer is a remote UDP endpoint which sent at least one datagram. Identity is Addr.
type Peer struct {
	Addr     netip.AddrPort
	LastSeen time.Time
}

type Config struct {
	Capacity     int
	ExistsWait   time.Duration
	AddWait      time.Duration
	SnapshotWait time.Duration
}

// Registry is a fixed capacity, append-only set of peers.
type Registry struct {
	cfg Config
	now func() time.Time

	// lock guards peers. A weighted semaphore of size 1 is used instead of a sync.Mutex
	// because acquisitions must give up after a bounded wait.
	lock  *semaphore.Weighted
	peers []Peer

	obsMu     sync.Mutex
	observers []func(Peer)
}

func New(cfg Config) *Registry {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.ExistsWait <= 0 {
		cfg.ExistsWait = DefaultExistsWait
	}
	if cfg.AddWait <= 0 {
		cfg.AddWait = DefaultAddWait
	}
	if cfg.SnapshotWait <= 0 {
		cfg.SnapshotWait = DefaultSnapshotWait
	}

	return &Registry{
		cfg:   cfg,
		now:   time.Now,
		lock:  semaphore.NewWeighted(1),
		peers: make([]Peer, 0, cfg.Capacity),
	}
}

// Normalize maps IPv4-mapped IPv6 addresses to plain IPv4 so that both forms share one identity
func Normalize(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

func (r *Registry) Capacity() int {
	return r.cfg.Capacity
}

// OnAdd registers f to be called for every newly added peer. It runs on the goroutine which called Add,
// after the lock was released.
func (r *Registry) OnAdd(f func(Peer)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, f)
}

func (r *Registry) tryLock(op string, wait time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	if err := r.lock.Acquire(ctx, 1); err != nil {
		metrics.IncrCounterWithLabels(telemetry.MetricRegistryLockTimeout, 1, []metrics.Label{telemetry.LabelOp.M(op)})
		return false
	}
	return true
}

func (r *Registry) unlock() {
	r.lock.Release(1)
}

// must be called with the lock held
func (r *Registry) indexOf(addr netip.AddrPort) int {
	for i := range r.peers {
		if r.peers[i].Addr == addr {
			return i
		}
	}
	return -1
}

// Exists reports whether a peer with the given address is registered.
// It returns false if the lock could not be taken in time.
func (r *Registry) Exists(addr netip.AddrPort) bool {
	if !r.tryLock("exists", r.cfg.ExistsWait) {
		return false
	}
	defer r.unlock()

	return r.indexOf(Normalize(addr)) >= 0
}

// Add registers addr. It returns true if the peer is (now) registered, false if the registry is full or
// the lock could not be taken in time. Adding a known peer does not modify it.
func (r *Registry) Add(addr netip.AddrPort) bool {
	addr = Normalize(addr)

	if !r.tryLock("add", r.cfg.AddWait) {
		return false
	}

	if r.indexOf(addr) >= 0 {
		r.unlock()
		return true
	}

	if len(r.peers) >= r.cfg.Capacity {
		r.unlock()
		metrics.IncrCounter(telemetry.MetricRegistryPeersRejected, 1)
		return false
	}

	p := Peer{Addr: addr, LastSeen: r.now()}
	r.peers = append(r.peers, p)
	size := len(r.peers)
	r.unlock()

	metrics.IncrCounter(telemetry.MetricRegistryPeersAdded, 1)
	metrics.SetGauge(telemetry.MetricRegistrySize, float32(size))

	r.obsMu.Lock()
	observers := r.observers
	r.obsMu.Unlock()
	for _, f := range observers {
		f(p)
	}

	return true
}

// Snapshot returns a copy of the registered peers. The copy is taken under the lock,
// which is released before returning. It is empty if the lock could not be taken in time.
func (r *Registry) Snapshot() []Peer {
	if !r.tryLock("snapshot", r.cfg.SnapshotWait) {
		return []Peer{}
	}
	defer r.unlock()

	peers := make([]Peer, len(r.peers))
	copy(peers, r.peers)
	return peers
}

// Len returns the number of registered peers, or 0 if the lock could not be taken in time.
func (r *Registry) Len() int {
	if !r.tryLock("len", r.cfg.ExistsWait) {
		return 0
	}
	defer r.unlock()

	return len(r.peers)
}
