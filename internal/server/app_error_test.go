package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/IvanBrykalov/tierstore/cache"
	"github.com/IvanBrykalov/tierstore/persist"
	"github.com/IvanBrykalov/tierstore/policy/migration"
	"github.com/IvanBrykalov/tierstore/tier"
)

func TestFromStdError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"app error", BadRequest("x"), http.StatusBadRequest, CodeBadRequest},
		{"lock", fmt.Errorf("save: %w", &persist.OptimisticLockError{ID: "k", Expected: 1, Actual: 2}), http.StatusConflict, CodeConflict},
		{"concurrent", persist.ErrConcurrentModification, http.StatusConflict, CodeConflict},
		{"store miss", fmt.Errorf("get: %w", persist.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{"index miss", cache.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"bad path", &migration.InvalidPathError{From: tier.Transient, To: tier.Archive}, http.StatusBadRequest, CodeBadRequest},
		{"closed", persist.ErrClosed, http.StatusServiceUnavailable, CodeUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusRequestTimeout, CodeTimeout},
		{"canceled", context.Canceled, http.StatusRequestTimeout, CodeCanceled},
		{"other", errors.New("boom"), http.StatusInternalServerError, CodeInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := FromStdError(tc.err)
			assert.Equal(t, tc.status, got.Status)
			assert.Equal(t, tc.code, got.Code)
		})
	}
	assert.Nil(t, FromStdError(nil))
}
