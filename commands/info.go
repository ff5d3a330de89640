package commands

import (
	"context"
	"time"

	"twinlink/config"
	"twinlink/datastore/leveldb"

	log "github.com/sirupsen/logrus"
)

// RunInfo lists the peers recorded in the peer journal
func RunInfo(ctx context.Context, cfg *config.Config) {
	pidx, err := leveldb.NewPeerIndex(cfg.DataStore.PeerIndexPath)
	if err != nil {
		log.Fatalf("Failed to open peer index: %v", err)
	}
	defer pidx.Close()

	peers, err := pidx.Enumerate()
	if err != nil {
		log.Errorf("Failed to enumerate peer index: %v", err)
		return
	}

	log.Infof("Peer index %s: %d peers known", pidx.Path(), len(peers))
	for _, p := range peers {
		log.Infof("Peer: %s, recorded by: %s, first seen: %v (%v ago)",
			p.Addr, p.Role, p.FirstSeen.Format(time.RFC3339), time.Since(p.FirstSeen).Round(time.Second))
	}
}
