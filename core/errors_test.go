package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineError_ErrorMessageShapes(t *testing.T) {
	wrapped := errors.New("boom")

	withOpAndID := NewEngineError("coordinator.Submit", "transient", wrapped).WithID("dest-1")
	assert.Equal(t, "coordinator.Submit [dest-1]: boom", withOpAndID.Error())

	withOpOnly := NewEngineError("coordinator.Submit", "transient", wrapped)
	assert.Equal(t, "coordinator.Submit: boom", withOpOnly.Error())

	bare := &EngineError{Kind: "fatal"}
	assert.Equal(t, "fatal error", bare.Error())
}

func TestEngineError_UnwrapSupportsErrorsIs(t *testing.T) {
	wrapped := NewEngineError("handlers.Deliver", "transient", ErrTransient)
	assert.True(t, errors.Is(wrapped, ErrTransient))

	asWrapped := fmt.Errorf("dispatch failed: %w", wrapped)
	assert.True(t, errors.Is(asWrapped, ErrTransient))
}

func TestIsValidation(t *testing.T) {
	assert.True(t, IsValidation(ErrInvalidRequest))
	assert.True(t, IsValidation(ErrPayloadTooLarge))
	assert.False(t, IsValidation(ErrTransient))
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, IsAuthError(ErrAuthenticationFailed))
	assert.True(t, IsAuthError(ErrAuthorizationDenied))
	assert.False(t, IsAuthError(ErrDestinationNotFound))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrDestinationNotFound))
	assert.True(t, IsNotFound(ErrDeliveryNotFound))
	assert.False(t, IsNotFound(ErrTransient))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrFatal))
	assert.False(t, IsFatal(ErrTransient))
}

func TestIsDenylistedKind(t *testing.T) {
	assert.True(t, IsDenylistedKind(ErrInvalidConfig))
	assert.True(t, IsDenylistedKind(ErrAuthenticationFailed))
	assert.True(t, IsDenylistedKind(ErrDestinationNotFound))
	assert.False(t, IsDenylistedKind(ErrTransient))
	assert.False(t, IsDenylistedKind(ErrCircuitOpen))
}
