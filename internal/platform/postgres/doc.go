// Package postgres provides the PostgreSQL implementation of the store
// interfaces. Tree-wide cascade operations (downward cancellation, upward
// completion) are expressed as single recursive-CTE statements so the
// affected set is computed and applied atomically.
package postgres
