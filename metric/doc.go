// Package metric provides the Prometheus metrics registry shared by all
// oddstream components.
//
// A MetricsRegistry owns a private prometheus.Registry (plus the standard Go
// and process collectors) and exposes typed registration methods keyed by
// component and metric name, so two components cannot silently collide on a
// metric. Components receive the registry at construction; a nil registry
// disables metrics entirely (nil input = nil feature).
//
// The Server type serves the registry over HTTP for scraping, together with a
// trivial /health endpoint.
package metric
