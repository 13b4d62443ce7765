// Package domain contains the core entities of the task orchestrator:
// tasks, their append-only log trail, and the status vocabulary shared by
// the state machine. Entities validate themselves; persistence and
// transition rules live in the store and queue packages.
package domain
