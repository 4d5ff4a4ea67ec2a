// Package metrics exposes Prometheus metrics for runs, segments, jobs and the HTTP API.
package metrics
