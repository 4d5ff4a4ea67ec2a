// Package server implements the HTTP API of the service mode: job submission,
// listing, cancellation, websocket progress streams and monitoring endpoints.
package server
