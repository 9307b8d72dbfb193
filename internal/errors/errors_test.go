package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorFormatting(t *testing.T) {
	err := New(ErrCodeStoreQuery, "query failed", nil)
	assert.Equal(t, "[STORE_QUERY_ERROR] query failed", err.Error())

	err = WithDetails(ErrCodeMalformedConfig, "invalid cron expression", "* * * *", nil)
	assert.Equal(t, "[MALFORMED_CONFIG] invalid cron expression: * * * *", err.Error())
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := New(ErrCodeStoreConnection, "write failed", cause)
	assert.True(t, stderrors.Is(err, cause))
}

func TestWrapPassesAppErrorsThrough(t *testing.T) {
	orig := New(ErrCodeVendorNoData, "nothing", nil)
	wrapped := Wrap(fmt.Errorf("outer: %w", orig), ErrCodeInternal, "should not apply")
	assert.Equal(t, ErrCodeVendorNoData, wrapped.Code)

	require.Nil(t, Wrap(nil, ErrCodeInternal, "x"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, New(ErrCodeStoreConnection, "x", nil).IsRetryable())
	assert.True(t, New(ErrCodeTimeout, "x", nil).IsRetryable())
	assert.False(t, New(ErrCodeMalformedConfig, "x", nil).IsRetryable())
	assert.False(t, New(ErrCodeVendorNoData, "x", nil).IsRetryable())
}

func TestIsNoData(t *testing.T) {
	assert.True(t, IsNoData(ErrNoData))
	assert.True(t, IsNoData(fmt.Errorf("wrapped: %w", ErrNoData)))
	assert.False(t, IsNoData(New(ErrCodeStoreQuery, "x", nil)))
	assert.False(t, IsNoData(nil))
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, New(ErrCodeVendorConnection, "x", nil).Severity)
	assert.Equal(t, SeverityHigh, New(ErrCodeSchemaMismatch, "x", nil).Severity)
	assert.Equal(t, SeverityLow, New(ErrCodeVendorNoData, "x", nil).Severity)
}
