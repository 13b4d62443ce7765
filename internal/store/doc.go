// Package store defines the persistence interfaces of the orchestrator and
// the sentinel errors every implementation maps onto. Concrete backends live
// under internal/platform (postgres for production, memstore for tests and
// local development).
package store
