// Package telemetry declares the metric keys emitted by twinlink and sets up the go-metrics sink.
package telemetry

import (
	"time"

	"github.com/hashicorp/go-metrics"

	log "github.com/sirupsen/logrus"
)

var (
	MetricRegistryPeersAdded      = []string{"registry", "peers", "added", "count"}
	MetricRegistryPeersRejected   = []string{"registry", "peers", "rejected", "count"}
	MetricRegistryLockTimeout     = []string{"registry", "lock", "timeout", "count"}
	MetricRegistrySize            = []string{"registry", "peers", "size"}
	MetricDatagramInBytes         = []string{"discovery", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount    = []string{"discovery", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes        = []string{"discovery", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount   = []string{"discovery", "datagram", "out", "error", "count"}
	MetricStreamAcceptCount       = []string{"stream", "accept", "count"}
	MetricStreamAcceptErrorCount  = []string{"stream", "accept", "error", "count"}
	MetricStreamConnectCount      = []string{"stream", "connect", "count"}
	MetricStreamConnectErrorCount = []string{"stream", "connect", "error", "count"}
	MetricStreamInBytes           = []string{"stream", "in", "bytes"}
	MetricStreamOutBytes          = []string{"stream", "out", "bytes"}
	MetricStreamPairsActive       = []string{"stream", "pairs", "active"}
	MetricPeerIndexErrorCount     = []string{"datastore", "peers", "error", "count"}
)

type Label string

var (
	LabelOp   Label = "op"
	LabelPeer Label = "peer"
	LabelRole Label = "role"
)

func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// Sink holds the in-memory sink and the signal handler which dumps it
type Sink struct {
	*metrics.InmemSink
	signal *metrics.InmemSignal
}

// Setup installs a global in-memory sink. Sending SIGUSR1 to the process dumps the current metrics to stderr.
func Setup(serviceName string) (*Sink, error) {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)

	cfg := metrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false

	if _, err := metrics.NewGlobal(cfg, inm); err != nil {
		return nil, err
	}

	log.Debugf("telemetry: in-memory sink installed for %s", serviceName)

	return &Sink{
		InmemSink: inm,
		signal:    metrics.DefaultInmemSignal(inm),
	}, nil
}

func (s *Sink) Close() {
	s.signal.Stop()
}

// Counter returns the sum of a counter across all retained intervals
func (s *Sink) Counter(name string) float64 {
	var total float64
	for _, interval := range s.Data() {
		interval.RLock()
		if v, ok := interval.Counters[name]; ok {
			total += v.Sum
		}
		interval.RUnlock()
	}
	return total
}
