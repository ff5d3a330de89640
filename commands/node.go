package commands

import (
	"context"

	"twinlink/config"
	"twinlink/datastore/leveldb"
	"twinlink/swarm/node"
	"twinlink/telemetry"

	log "github.com/sirupsen/logrus"
)

// RunNode runs the node in the configured role until ctx is cancelled
func RunNode(ctx context.Context, cfg *config.Config) {
	if cfg.Telemetry.Enabled {
		sink, err := telemetry.Setup("twinlink")
		if err != nil {
			log.Fatalf("Failed to set up telemetry: %v", err)
		}
		defer sink.Close()
	}

	pidx, err := leveldb.NewPeerIndex(cfg.DataStore.PeerIndexPath)
	if err != nil {
		log.Fatalf("Failed to open peer index: %v", err)
	}
	defer pidx.Close()

	n, err := node.New(cfg, pidx)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	if err := n.Run(ctx); err != nil {
		log.Errorf("Node stopped: %v", err)
		return
	}

	log.Info("Node stopped")
}
