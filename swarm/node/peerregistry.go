package node

import (
	"github.com/hashicorp/go-metrics"

	"twinlink/datamodel/peer"
	"twinlink/swarm/registry"
	"twinlink/telemetry"

	log "github.com/sirupsen/logrus"
)

// recordPeer is called by the registry for every newly accepted peer
func (n *Node) recordPeer(p registry.Peer) {
	log.WithField("peer", p.Addr.String()).Infof("New peer registered (%d/%d)", n.Registry.Len(), n.Registry.Capacity())

	if n.PeerIndex == nil {
		return
	}

	rec, err := n.PeerIndex.Put(&peer.Record{
		Addr:      p.Addr.String(),
		FirstSeen: p.LastSeen,
		Role:      n.cfg.Node.Role,
	})
	if err != nil {
		metrics.IncrCounterWithLabels(telemetry.MetricPeerIndexErrorCount, 1, []metrics.Label{telemetry.LabelOp.M("put")})
		log.Errorf("Failed to record peer %s: %v", p.Addr, err)
		return
	}

	log.Debugf("Peer %s recorded, first seen %v", rec.Addr, rec.FirstSeen)
}
