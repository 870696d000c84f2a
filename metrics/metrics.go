package metrics

import (
	"context"
	"errors"

	"github.com/textileio/rfq-auction/auction"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// AttrSuccess is a metric tag to indicate a successful operation.
	AttrSuccess = attribute.Key("status").String("success")
	// AttrRejected is a metric tag to indicate an operation refused because of the client.
	AttrRejected = attribute.Key("status").String("rejected")
	// AttrUnauthorized is a metric tag to indicate an operation signed by an unknown party.
	AttrUnauthorized = attribute.Key("status").String("unauthorized")
	// AttrError is a metric tag to indicate an operation that failed on the server.
	AttrError = attribute.Key("status").String("error")
)

// StatusAttr returns the status tag that describes err.
func StatusAttr(err error) attribute.KeyValue {
	switch {
	case err == nil:
		return AttrSuccess
	case errors.Is(err, auction.ErrUnauthorized):
		return AttrUnauthorized
	case auction.Rejected(err):
		return AttrRejected
	default:
		return AttrError
	}
}

// MetricIncrCounter increments the specified Int64Counter by 1, tagged with
// the status that describes err. This method is a helper for deferring in methods.
func MetricIncrCounter(ctx context.Context, err error, m metric.Int64Counter, labels ...attribute.KeyValue) {
	m.Add(ctx, 1, append(labels, StatusAttr(err))...)
}
