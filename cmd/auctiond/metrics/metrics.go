package metrics

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
)

const Prefix = "auctiond"

var Meter = metric.Must(global.Meter(Prefix))

// AttrType tags a message or subscription type.
func AttrType(t string) attribute.KeyValue {
	return attribute.Key("type").String(t)
}

// AttrKind tags an error kind.
func AttrKind(k string) attribute.KeyValue {
	return attribute.Key("kind").String(k)
}
