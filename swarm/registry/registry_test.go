package registry

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	a, err := netip.ParseAddrPort(s)
	require.NoError(t, err)
	return a
}

func nthAddr(i int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)}), uint16(40000+i))
}

func TestDefaults(t *testing.T) {
	r := New(Config{})
	require.Equal(t, DefaultCapacity, r.Capacity())
	require.Equal(t, DefaultAddWait, r.cfg.AddWait)
	require.Equal(t, DefaultSnapshotWait, r.cfg.SnapshotWait)
	require.Equal(t, 0, r.Len())
	require.Empty(t, r.Snapshot())
}

func TestCapacityInvariant(t *testing.T) {
	r := New(Config{Capacity: 5})

	for i := 0; i < 5; i++ {
		require.True(t, r.Add(nthAddr(i)), "peer %d", i)
	}
	require.Equal(t, 5, r.Len())

	// The (N+1)-th distinct identity is rejected and count stays at N
	require.False(t, r.Add(nthAddr(5)))
	require.Equal(t, 5, r.Len())
	require.False(t, r.Exists(nthAddr(5)))

	// Known peers are still accepted when full
	require.True(t, r.Add(nthAddr(2)))
	require.Equal(t, 5, r.Len())
}

func TestAddIdempotent(t *testing.T) {
	r := New(Config{})
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	a := addr(t, "203.0.113.5:40000")
	require.True(t, r.Add(a))
	require.Equal(t, 1, r.Len())

	now = now.Add(time.Hour)
	require.True(t, r.Add(a))
	require.Equal(t, 1, r.Len())

	// Re-adding does not refresh the entry
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, time.Unix(1000, 0), snap[0].LastSeen)
}

func TestIdentityIsHostAndPort(t *testing.T) {
	r := New(Config{})
	require.True(t, r.Add(addr(t, "203.0.113.5:40000")))
	require.True(t, r.Add(addr(t, "203.0.113.5:40001")))
	require.True(t, r.Add(addr(t, "203.0.113.6:40000")))
	require.Equal(t, 3, r.Len())

	// IPv4-mapped IPv6 form is the same identity
	require.True(t, r.Exists(addr(t, "[::ffff:203.0.113.5]:40000")))
	require.True(t, r.Add(addr(t, "[::ffff:203.0.113.5]:40000")))
	require.Equal(t, 3, r.Len())
}

func TestConcurrentAddConverges(t *testing.T) {
	const k = 50
	r := New(Config{Capacity: k + 1, AddWait: 5 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.True(t, r.Add(nthAddr(i)))
		}(i)
	}
	wg.Wait()

	require.Equal(t, k, r.Len())
	for i := 0; i < k; i++ {
		require.True(t, r.Exists(nthAddr(i)), "peer %d", i)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	const k = 40
	r := New(Config{Capacity: k, AddWait: 5 * time.Second, SnapshotWait: 5 * time.Second})

	var snapshots [][]Peer
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < k; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.True(t, r.Add(nthAddr(i)))
		}(i)
		go func() {
			defer wg.Done()
			s := r.Snapshot()
			mu.Lock()
			snapshots = append(snapshots, s)
			mu.Unlock()
		}()
	}
	wg.Wait()

	final := r.Snapshot()
	require.Len(t, final, k)

	for _, s := range snapshots {
		require.LessOrEqual(t, len(s), k)
		seen := map[netip.AddrPort]bool{}
		for i, p := range s {
			require.True(t, p.Addr.IsValid(), "snapshot entry %d is not fully written", i)
			require.False(t, p.LastSeen.IsZero())
			require.False(t, seen[p.Addr], "duplicate identity %s", p.Addr)
			seen[p.Addr] = true
			// Append-only: every snapshot is a prefix of the final state
			require.Equal(t, final[i], p)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New(Config{})
	require.True(t, r.Add(nthAddr(1)))

	s := r.Snapshot()
	s[0].Addr = nthAddr(9)

	require.True(t, r.Exists(nthAddr(1)))
	require.False(t, r.Exists(nthAddr(9)))
}

func TestLockTimeoutFailsOpen(t *testing.T) {
	r := New(Config{ExistsWait: 10 * time.Millisecond, AddWait: 10 * time.Millisecond, SnapshotWait: 5 * time.Millisecond})
	require.True(t, r.Add(nthAddr(1)))

	// Hold the lock as a stalled task would
	require.NoError(t, r.lock.Acquire(context.Background(), 1))

	start := time.Now()
	require.False(t, r.Exists(nthAddr(1)))
	require.False(t, r.Add(nthAddr(2)))
	require.Empty(t, r.Snapshot())
	require.Equal(t, 0, r.Len())
	require.Less(t, time.Since(start), 2*time.Second)

	r.lock.Release(1)

	require.True(t, r.Exists(nthAddr(1)))
	require.False(t, r.Exists(nthAddr(2)))
	require.Equal(t, 1, r.Len())
}

func TestOnAdd(t *testing.T) {
	r := New(Config{Capacity: 2})

	var added []string
	r.OnAdd(func(p Peer) {
		// The lock is released before observers run
		require.True(t, r.Exists(p.Addr))
		added = append(added, p.Addr.String())
	})

	require.True(t, r.Add(nthAddr(1)))
	require.True(t, r.Add(nthAddr(1)))
	require.True(t, r.Add(nthAddr(2)))
	require.False(t, r.Add(nthAddr(3)))

	require.Equal(t, []string{nthAddr(1).String(), nthAddr(2).String()}, added)
}

func ExampleRegistry() {
	r := New(Config{Capacity: 1})
	a := netip.MustParseAddrPort("203.0.113.5:40000")
	b := netip.MustParseAddrPort("203.0.113.6:40000")

	fmt.Println(r.Add(a), r.Add(a), r.Add(b), r.Len())
	// Output: true true false 1
}
