package errors

import (
	stderrors "errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategories(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    error
		notWant error
		msg     string
	}{
		{
			name:    "configuration",
			err:     Configurationf("duration %q is not configured", "DAYS"),
			want:    ErrConfiguration,
			notWant: ErrRuntime,
			msg:     `configuration error: duration "DAYS" is not configured`,
		},
		{
			name:    "runtime",
			err:     Runtimef("within evaluated to nil"),
			want:    ErrRuntime,
			notWant: ErrConfiguration,
			msg:     "runtime error: within evaluated to nil",
		},
		{
			name:    "invalid query",
			err:     InvalidQueryf("per is required"),
			want:    ErrInvalidQuery,
			notWant: ErrRuntime,
			msg:     "invalid query: per is required",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.err, tc.want)
			assert.NotErrorIs(t, tc.err, tc.notWant)
			assert.Equal(t, tc.msg, tc.err.Error())
		})
	}
}

func TestRuntimef_KeepsWrappedCause(t *testing.T) {
	err := Runtimef("table find for %s: %w", "MINUTES", io.ErrUnexpectedEOF)

	require.ErrorIs(t, err, ErrRuntime)
	require.True(t, stderrors.Is(err, io.ErrUnexpectedEOF))
}
