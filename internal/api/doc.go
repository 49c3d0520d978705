// Package api exposes the ops HTTP interface: health and readiness probes,
// Prometheus metrics, shutdown run status, a programmatic trigger, and
// checkpoint inspection endpoints.
package api
