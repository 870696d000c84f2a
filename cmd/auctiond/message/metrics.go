package message

import (
	"github.com/textileio/rfq-auction/cmd/auctiond/metrics"
)

func (c *Codec) initMetrics() {
	c.metricReceived = metrics.Meter.NewInt64Counter(metrics.Prefix + ".messages_received_total")
	c.metricErrors = metrics.Meter.NewInt64Counter(metrics.Prefix + ".errors_total")
}
