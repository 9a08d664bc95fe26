package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrReasoningFailed, "engine failed").
		WithCause(root).
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(true)

	assert.Equal(t, ErrReasoningFailed, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "[REASONING_FAILED] engine failed: root", err.Error())
}

func TestIsCode_WrappedErrors(t *testing.T) {
	t.Parallel()

	base := NewTaskLockedError("/work/a")
	wrapped := fmt.Errorf("activate: %w", base)

	assert.True(t, IsCode(wrapped, ErrTaskLocked))
	assert.False(t, IsCode(wrapped, ErrPersistence))
	assert.False(t, IsCode(nil, ErrTaskLocked))
	assert.False(t, IsCode(errors.New("plain"), ErrTaskLocked))
	assert.Equal(t, http.StatusConflict, base.HTTPStatus)
}

func TestError_IsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("x: %w", NewHILAlreadyPendingError("t", "h1"))
	assert.ErrorIs(t, err, &Error{Code: ErrHILAlreadyPending})
	assert.NotErrorIs(t, err, &Error{Code: ErrHILAlreadyResponded})
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"locked", NewTaskLockedError("t"), true},
		{"persistence", NewPersistenceError("put", errors.New("disk")), true},
		{"delegation", NewDelegationNotAllowedError("a", "b", "not a child"), false},
		{"confirmation timeout", NewConfirmationTimeoutError("c1"), false},
		{"compaction", NewCompactionError("coder", errors.New("x")), false},
		{"tool", NewToolExecutionError("shell", errors.New("exit 1")), false},
		{"plain", errors.New("plain"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
		})
	}
}

func TestConstructors_Messages(t *testing.T) {
	t.Parallel()

	err := NewDelegationNotAllowedError("coder_agent", "web_search_agent", "not a declared child")
	require.Equal(t, ErrDelegationNotAllowed, err.Code)
	assert.Contains(t, err.Message, `"web_search_agent"`)
	assert.Equal(t, http.StatusForbidden, err.HTTPStatus)

	assert.True(t, NewCompactionError("a", errors.New("x")).Retryable)
	assert.Equal(t, ErrConfirmationDenied, NewConfirmationDeniedError("c").Code)
	assert.Equal(t, ErrHILAlreadyResponded, NewHILAlreadyRespondedError("h").Code)
	assert.Equal(t, http.StatusConflict, NewHILExpiredError("h").HTTPStatus)
}
