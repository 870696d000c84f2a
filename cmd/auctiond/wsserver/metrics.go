package wsserver

import (
	"github.com/textileio/rfq-auction/cmd/auctiond/metrics"
)

func (s *Server) initMetrics() {
	s.metricConnsActive = metrics.Meter.NewInt64UpDownCounter(metrics.Prefix + ".connections_active")
	s.metricConnsTotal = metrics.Meter.NewInt64Counter(metrics.Prefix + ".connections_total")
	s.metricDropped = metrics.Meter.NewInt64Counter(metrics.Prefix + ".send_dropped_total")
}
