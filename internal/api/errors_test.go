package api_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/mkarlsen/conveyor/internal/api"
	"github.com/mkarlsen/conveyor/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestMapErrorToStatusCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"task not found", store.ErrTaskNotFound, http.StatusNotFound},
		{"user not found", store.ErrUserNotFound, http.StatusNotFound},
		{"generic not found", store.ErrNotFound, http.StatusNotFound},
		{"final state", store.ErrFinalState, http.StatusConflict},
		{"active task exists", store.ErrActiveTaskExists, http.StatusConflict},
		{"invalid entity", store.ErrInvalidEntity, http.StatusBadRequest},
		{"empty update", store.ErrEmptyUpdate, http.StatusBadRequest},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped final state", fmt.Errorf("transition: %w", store.ErrFinalState), http.StatusConflict},
		{"store error wrapping not found",
			store.NewStoreError("task", "get", "missing row", store.ErrTaskNotFound),
			http.StatusNotFound},
		{"no rows affected is a server error", store.ErrNoRowsAffected, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, api.MapErrorToStatusCode(tc.err))
		})
	}
}

func TestGetSafeErrorMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Task not found", api.GetSafeErrorMessage(store.ErrTaskNotFound))
	assert.Equal(t, "Task is already in a final state", api.GetSafeErrorMessage(store.ErrFinalState))
	assert.Equal(t, "An active task already exists for this user",
		api.GetSafeErrorMessage(store.ErrActiveTaskExists))
	assert.Equal(t, "An unexpected error occurred", api.GetSafeErrorMessage(nil))

	t.Run("never leaks wrapped details", func(t *testing.T) {
		t.Parallel()

		err := fmt.Errorf("update tasks set status where id=42: %w", store.ErrFinalState)
		msg := api.GetSafeErrorMessage(err)
		assert.NotContains(t, msg, "tasks")
		assert.NotContains(t, msg, "42")
	})
}

func TestSanitizeValidationError(t *testing.T) {
	t.Parallel()

	err := errors.New(
		"Key: 'CreateSyncTaskRequest.AccountID' Error:Field validation for 'AccountID' failed on the 'required' tag")
	assert.Equal(t, "Invalid AccountID: required field", api.SanitizeValidationError(err))

	assert.Equal(t, "Validation error", api.SanitizeValidationError(errors.New("boom")))
}
