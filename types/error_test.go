package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := NewError(ErrCapabilityFailed, "flight search exploded")
	assert.Equal(t, "[CAPABILITY_FAILED] flight search exploded", e.Error())

	cause := errors.New("connection reset")
	e = NewError(ErrCapabilityTransient, "upstream hiccup").WithCause(cause)
	assert.Contains(t, e.Error(), "connection reset")
	assert.Equal(t, cause, errors.Unwrap(e))
}

func TestErrorClassification(t *testing.T) {
	e := NewError(ErrCapabilityTransient, "503").WithRetryable(true)
	assert.True(t, IsRetryable(e))
	assert.Equal(t, ErrCapabilityTransient, CodeOf(e))
	assert.True(t, IsCode(e, ErrCapabilityTransient))
	assert.False(t, IsCode(e, ErrCapabilityFailed))

	plain := fmt.Errorf("plain error")
	assert.False(t, IsRetryable(plain))
	assert.Equal(t, ErrorCode(""), CodeOf(plain))
}

func TestErrorStep(t *testing.T) {
	e := Errorf(ErrInvalidInput, "missing key %q", "query").WithStep("web_search")
	require.Equal(t, "web_search", e.Step)
	assert.Contains(t, e.Message, `"query"`)
}

func TestTierOrdering(t *testing.T) {
	assert.True(t, TierNone.Rank() < TierBasic.Rank())
	assert.True(t, TierBasic.Rank() < TierSensitive.Rank())
	assert.True(t, TierSensitive.Rank() < TierCritical.Rank())
}

func TestEnumValidation(t *testing.T) {
	for _, c := range []Category{CategorySearch, CategoryAnalysis, CategoryCommunication,
		CategoryBooking, CategoryPayment, CategoryTransformation, CategoryCreation, CategoryUtility} {
		assert.True(t, ValidCategory(c), string(c))
	}
	assert.False(t, ValidCategory("sorcery"))

	for _, tier := range []PermissionTier{TierNone, TierBasic, TierSensitive, TierCritical} {
		assert.True(t, ValidTier(tier), string(tier))
	}
	assert.False(t, ValidTier("root"))
}
