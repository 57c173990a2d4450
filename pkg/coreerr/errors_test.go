package coreerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndIs(t *testing.T) {
	err := New(NotFound, "execution not found")
	assert.True(t, Is(err, NotFound))
	assert.False(t, Is(err, Forbidden))
	assert.Equal(t, NotFound, KindOf(err))
	assert.Contains(t, err.Error(), "execution not found")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Internal, "writer failed", cause)
	assert.True(t, Is(err, Internal))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("plain error")))
}

func TestIsFalseForNonCoreError(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), NotFound))
}
