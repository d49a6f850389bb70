package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppErrorMessage(t *testing.T) {
	cause := stderrors.New("connection refused")

	err := New(ErrFetch, "拉取日志失败", cause)
	require.Equal(t, "[FETCH_ERROR] 拉取日志失败: connection refused", err.Error())
	require.ErrorIs(t, err, cause)

	bare := New(ErrDelivery, "推送失败", nil)
	require.Equal(t, "[DELIVERY_FAILURE] 推送失败", bare.Error())
}

func TestHasCode(t *testing.T) {
	inner := New(ErrExternalLookup, "lookup", stderrors.New("timeout"))
	outer := New(ErrFetch, "fetch", inner)
	wrapped := fmt.Errorf("run failed: %w", outer)

	require.True(t, HasCode(wrapped, ErrFetch))
	require.True(t, HasCode(wrapped, ErrExternalLookup))
	require.False(t, HasCode(wrapped, ErrDelivery))
	require.False(t, HasCode(stderrors.New("plain"), ErrFetch))
	require.False(t, HasCode(nil, ErrFetch))
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		code  string
		fatal bool
	}{
		{ErrFetch, true},
		{ErrDiffInconsistency, true},
		{ErrApplyVerification, true},
		{ErrCheckpointAdvance, true},
		{ErrAuditCorrection, true},
		{ErrExternalLookup, false},
		{ErrDelivery, false},
	}

	for _, tc := range tests {
		err := fmt.Errorf("wrapped: %w", New(tc.code, "msg", nil))
		require.Equal(t, tc.fatal, IsFatal(err), tc.code)
	}
	require.False(t, IsFatal(stderrors.New("plain")))
}
