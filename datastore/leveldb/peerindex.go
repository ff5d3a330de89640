package leveldb

import (
	"twinlink/datamodel/peer"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPeer = "PEER" // Peer record indexed by address. Followed by the textual host:port
)

var _ peer.PeerIndex = (*PeerIndex)(nil)

type PeerIndex struct {
	LevelDB
}

func NewPeerIndex(path string) (*PeerIndex, error) {
	// Init the underlying LevelDB object
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &PeerIndex{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
	}, nil
}

func keyFromAddr(addr string) []byte {
	return append([]byte(keyPrefixPeer), []byte(addr)...)
}

func (l *PeerIndex) Get(addr string) (*peer.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.get(addr)
}

// must be called with l.mu held
func (l *PeerIndex) get(addr string) (*peer.Record, error) {
	raw, err := l.db.Get(keyFromAddr(addr), nil)
	if err != nil {
		return nil, err
	}

	rec := &peer.Record{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, err
	}

	// Compare the address just in case
	if rec.Addr != addr {
		log.Errorf("Get: address mismatch: %s != %s", addr, rec.Addr)
		return nil, ErrCorrupted
	}

	return rec, nil
}

func (l *PeerIndex) Put(rec *peer.Record) (*peer.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.get(rec.Addr)
	if err != nil && err != errors.ErrNotFound {
		return nil, err
	}

	toStore := *rec
	if existing != nil {
		// The journal remembers when we first heard from a peer
		toStore.FirstSeen = existing.FirstSeen
		if peer.IsRecordEqual(existing, &toStore) {
			log.Debugf("Put: record for %s is unchanged, skipping update", rec.Addr)
			return existing, nil
		}
	}

	raw, err := cbor.Marshal(&toStore)
	if err != nil {
		return nil, err
	}

	if err := l.db.Put(keyFromAddr(rec.Addr), raw, nil); err != nil {
		return nil, err
	}

	return &toStore, nil
}

func (l *PeerIndex) Enumerate() ([]*peer.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []*peer.Record

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	for iter.Next() {
		rec := &peer.Record{}
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return results, nil
}
