package common

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/sdk/metric/aggregator/histogram"
	controller "go.opentelemetry.io/otel/sdk/metric/controller/basic"
	"go.opentelemetry.io/otel/sdk/metric/export/aggregation"
	processor "go.opentelemetry.io/otel/sdk/metric/processor/basic"
	selector "go.opentelemetry.io/otel/sdk/metric/selector/simple"
)

// HistogramBoundaries are shared by every histogram: durations in millis
// and broadcast fan-out sizes.
var HistogramBoundaries = []float64{1, 5, 10, 50, 100, 500, 1000, 5000}

// SetupInstrumentation installs the global meter provider backed by a
// Prometheus exporter, starts Go runtime metrics and returns the handler
// serving the text exposition.
func SetupInstrumentation() (http.Handler, error) {
	config := prometheus.Config{
		DefaultHistogramBoundaries: HistogramBoundaries,
	}
	c := controller.New(
		processor.NewFactory(
			selector.NewWithHistogramDistribution(
				histogram.WithExplicitBoundaries(config.DefaultHistogramBoundaries),
			),
			aggregation.CumulativeTemporalitySelector(),
			processor.WithMemory(true),
		),
	)
	exporter, err := prometheus.New(config, c)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize prometheus exporter %v", err)
	}
	global.SetMeterProvider(exporter.MeterProvider())

	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
		return nil, fmt.Errorf("starting Go runtime metrics: %s", err)
	}

	return exporter, nil
}
