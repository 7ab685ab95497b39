package observability

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// scrapeHandler serves the registry of the most recent Init. Each Init gets
// its own registry so repeated initialization never trips duplicate
// collector registration.
var scrapeHandler atomic.Value

// newPrometheusReader creates a Prometheus exporter on a fresh registry and
// points the /metrics scrape at it. Init attaches the returned reader to its
// MeterProvider, so every instrument created from [Providers.Meter] shows up
// on the scrape.
func newPrometheusReader() (sdkmetric.Reader, error) {
	registry := prometheus.NewRegistry()

	exporter, err := promexporter.New(
		promexporter.WithRegisterer(registry),
	)
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	scrapeHandler.Store(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return exporter, nil
}

// PrometheusHandler returns the [http.Handler] for the /metrics scrape
// endpoint. Before Init runs it serves an empty registry.
func PrometheusHandler() (http.Handler, error) {
	if handler, ok := scrapeHandler.Load().(http.Handler); ok {
		return handler, nil
	}

	return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}), nil
}
