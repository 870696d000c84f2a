package auctioneer

import (
	"context"
	"strconv"

	"github.com/textileio/rfq-auction/cmd/auctiond/metrics"
	rootmetrics "github.com/textileio/rfq-auction/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func (a *Auctioneer) initMetrics() {
	a.metricAuctionsStarted = metrics.Meter.NewInt64Counter(metrics.Prefix + ".auctions_started_total")
	a.metricAuctionsExpired = metrics.Meter.NewInt64Counter(metrics.Prefix + ".auctions_expired_total")
	a.metricBidsSubmitted = metrics.Meter.NewInt64Counter(metrics.Prefix + ".bids_submitted_total")
	a.metricSubscriptions = metrics.Meter.NewInt64UpDownCounter(metrics.Prefix + ".active_subscriptions")
	a.metricVaultQuotes = metrics.Meter.NewInt64Counter(metrics.Prefix + ".vault_quotes_published_total")
	a.metricFanout = metrics.Meter.NewInt64Histogram(metrics.Prefix + ".broadcast_fanout")
	a.metricDuration = metrics.Meter.NewInt64Histogram(metrics.Prefix + ".message_duration_millis")
	a.metricOpenAuctions = metrics.Meter.NewInt64GaugeObserver(metrics.Prefix+".open_auctions", a.openAuctionsCb)
}

func (a *Auctioneer) openAuctionsCb(_ context.Context, r metric.Int64ObserverResult) {
	r.Observe(int64(a.reg.Len()))
}

func attrType(t string) attribute.KeyValue {
	return metrics.AttrType(t)
}

func attrSigned(signed bool) attribute.KeyValue {
	return attribute.Key("signed").String(strconv.FormatBool(signed))
}

func statusAttr(err error) attribute.KeyValue {
	return rootmetrics.StatusAttr(err)
}
