package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindMetadata(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind  Kind
		code  int
		slug  string
		class Class
	}{
		{WorkflowNotFound, 2001, "WORKFLOW_NOT_FOUND", ClassNotFound},
		{TriggerAlreadyExists, 3003, "WORKFLOW_TRIGGER_ALREADY_EXISTS", ClassConflict},
		{CyclicDependency, 2005, "CYCLIC_DEPENDENCY_IN_WORKFLOW", ClassBadRequest},
		{CannotAbortTask, 5002, "CANNOT_ABORT_TASK_IN_SCHEDULED_STATE", ClassBadRequest},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, tc.kind.Code())
		assert.Equal(t, tc.slug, tc.kind.Slug())
		assert.Equal(t, tc.class, tc.kind.Class())
	}
	assert.Equal(t, ClassInternal, Kind(42).Class())
}

func TestValidationVsService(t *testing.T) {
	t.Parallel()

	ve := New(JobNotFound, "job %s", "j1")
	wrapped := fmt.Errorf("abort: %w", ve)
	assert.True(t, Is(wrapped, JobNotFound))
	assert.False(t, IsService(wrapped))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(wrapped))

	cause := errors.New("disk full")
	se := Service("store job", cause)
	require.Error(t, se)
	assert.True(t, IsService(se))
	assert.ErrorIs(t, se, cause)
	_, ok := KindOf(se)
	assert.False(t, ok)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(se))

	// already-classified errors pass through untouched
	assert.Same(t, ve, Service("op", ve))
	assert.Nil(t, Service("op", nil))
}
