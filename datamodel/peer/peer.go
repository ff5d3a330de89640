package peer

import (
	"reflect"
	"time"
)

// Record is the persisted trace of a peer which was accepted by the registry
type Record struct {
	Addr      string    `cbor:"1,keyasint,omitempty"` // Peer address and port
	FirstSeen time.Time `cbor:"2,keyasint,omitempty"` // Time the registry accepted the peer
	Role      string    `cbor:"3,keyasint,omitempty"` // Role of the local node when the peer was recorded
}

// PeerIndex defines the interface for the journal of registered peers.
type PeerIndex interface {
	// Get retrieves the record of a peer, given its address.
	// It returns an error if the address is unknown or an issue occurs.
	Get(addr string) (*Record, error)

	// Put stores a record. An existing record for the same address keeps its FirstSeen time.
	// It returns the stored Record and an error if the operation fails.
	Put(*Record) (*Record, error)

	// Enumerate returns every record, ordered by address.
	Enumerate() ([]*Record, error)

	// Close releases any resources held by the index.
	Close() error
}

func IsRecordEqual(a *Record, b *Record) bool {
	return reflect.DeepEqual(a, b)
}
