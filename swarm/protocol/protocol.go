// Package protocol defines the heartbeat payloads exchanged between the access point and the station.
// Payloads are unframed ASCII text: "<tag> Hello from <device> #<seq>".
package protocol

import (
	"bytes"
	"fmt"
	"sync/atomic"
)

const (
	TagUDP = "UDP"
	TagTCP = "TCP"

	// MaxPayload is the largest heartbeat payload ever put on the wire
	MaxPayload = 127
)

// Heartbeat produces heartbeat payloads with a monotonically increasing sequence number.
// It is safe for concurrent use.
type Heartbeat struct {
	Tag    string // Transport tag, TagUDP or TagTCP
	Device string // Name of the sending device
	seq    atomic.Uint64
}

func NewHeartbeat(tag, device string) *Heartbeat {
	return &Heartbeat{Tag: tag, Device: device}
}

// Next returns the payload for the next sequence number
func (h *Heartbeat) Next() []byte {
	seq := h.seq.Add(1) - 1
	return Truncate([]byte(fmt.Sprintf("%s Hello from %s #%d", h.Tag, h.Device, seq)), MaxPayload)
}

// Seq returns the sequence number the next payload will carry
func (h *Heartbeat) Seq() uint64 {
	return h.seq.Load()
}

// Truncate bounds p to at most max bytes
func Truncate(p []byte, max int) []byte {
	if max >= 0 && len(p) > max {
		return p[:max]
	}
	return p
}

// Text renders a received payload as log-safe text. The payload is opaque: it ends at the first NUL byte, if any.
func Text(p []byte) string {
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	return string(p)
}
