package protocol

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatFormat(t *testing.T) {
	hb := NewHeartbeat(TagUDP, "ESP32")
	require.Equal(t, "UDP Hello from ESP32 #0", string(hb.Next()))
	require.Equal(t, "UDP Hello from ESP32 #1", string(hb.Next()))
	require.Equal(t, uint64(2), hb.Seq())
}

func TestHeartbeatTruncated(t *testing.T) {
	hb := NewHeartbeat(TagTCP, strings.Repeat("x", 300))
	require.Len(t, hb.Next(), MaxPayload)
}

func TestHeartbeatConcurrentSequence(t *testing.T) {
	hb := NewHeartbeat(TagUDP, "A")

	var wg sync.WaitGroup
	seen := sync.Map{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, dup := seen.LoadOrStore(string(hb.Next()), struct{}{})
			assert.False(t, dup)
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(50), hb.Seq())
}

func TestText(t *testing.T) {
	require.Equal(t, "hello", Text([]byte("hello\x00garbage")))
	require.Equal(t, "hello", Text([]byte("hello")))
	require.Equal(t, "", Text(nil))
}
