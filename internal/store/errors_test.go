package store_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mkarlsen/conveyor/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	t.Run("not found", func(t *testing.T) {
		t.Parallel()

		assert.True(t, store.IsNotFoundError(store.ErrNotFound))
		assert.True(t, store.IsNotFoundError(store.ErrTaskNotFound))
		assert.True(t, store.IsNotFoundError(store.ErrUserNotFound))
		assert.True(t, store.IsNotFoundError(fmt.Errorf("lookup: %w", store.ErrTaskNotFound)))
		assert.False(t, store.IsNotFoundError(store.ErrFinalState))
	})

	t.Run("conflict", func(t *testing.T) {
		t.Parallel()

		assert.True(t, store.IsConflictError(store.ErrFinalState))
		assert.True(t, store.IsConflictError(store.ErrActiveTaskExists))
		assert.False(t, store.IsConflictError(store.ErrNotFound))
	})

	t.Run("validation", func(t *testing.T) {
		t.Parallel()

		assert.True(t, store.IsValidationError(store.ErrEmptyUpdate))
		assert.True(t, store.IsValidationError(store.ErrInvalidEntity))
		assert.False(t, store.IsValidationError(store.ErrFinalState))
	})
}

func TestEntitySpecificErrorsWrapGeneric(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, store.ErrTaskNotFound, store.ErrNotFound)
	assert.ErrorIs(t, store.ErrUserNotFound, store.ErrNotFound)
}

func TestStoreError(t *testing.T) {
	t.Parallel()

	t.Run("formats with wrapped error", func(t *testing.T) {
		t.Parallel()

		err := store.NewStoreError("task", "update", "conditional write", store.ErrFinalState)
		assert.Contains(t, err.Error(), "update operation on task failed")
		assert.Contains(t, err.Error(), "conditional write")
	})

	t.Run("unwraps for errors.Is", func(t *testing.T) {
		t.Parallel()

		err := store.NewStoreError("task", "get", "missing row", store.ErrTaskNotFound)
		assert.True(t, errors.Is(err, store.ErrTaskNotFound))
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})

	t.Run("formats without wrapped error", func(t *testing.T) {
		t.Parallel()

		err := store.NewStoreError("task_log", "create", "empty batch", nil)
		assert.Equal(t, "create operation on task_log failed: empty batch", err.Error())
	})
}
