// Package metrics exposes Prometheus instruments for orchestrator operations and lock waits.
package metrics
