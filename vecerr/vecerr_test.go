package vecerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFormatsKindAndDetail(t *testing.T) {
	err := New(KindInvalidShape, "shape mismatch on axis 2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "InvalidShape")
	assert.Contains(t, err.Error(), "shape mismatch on axis 2")
}

func TestWrapPreservesCauseChain(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindOutOfMemory, "victim cache eviction failed", cause)

	require.True(t, Is(err, KindOutOfMemory))
	assert.False(t, Is(err, KindCompile))

	var ve *Error
	require.True(t, errors.As(err, &ve))
	assert.NotNil(t, ve.Unwrap())
}

func TestWrapfFormatsDetail(t *testing.T) {
	err := Wrapf(KindInstructionNotSupported, nil, "opcode %d at index %d", 0x2A, 7)
	assert.Contains(t, err.Error(), "opcode 42 at index 7")
}

func TestKindStringCoversAllValues(t *testing.T) {
	for k := KindConfig; k <= KindInternalInvariant; k++ {
		assert.NotEqual(t, "UnknownError", k.String())
	}
}
