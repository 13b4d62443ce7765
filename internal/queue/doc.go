// Package queue is the orchestrator core: the message model and transport
// interfaces, the handler registry, the retry policy, the task lifecycle
// (status state machine with cascade propagation) and the dispatcher that
// ties them together. The package assumes at-least-once delivery throughout:
// every operation tolerates duplicate and out-of-order invocation.
package queue
