// Package api implements the HTTP surface of the orchestrator: the producer
// endpoints for creating sync task trees, staging chunks, starting and
// cancelling tasks, and reading task status. Handlers map internal store
// errors to sanitized responses; the raw error text never reaches a client.
package api
