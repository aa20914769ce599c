package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeDeserializeViewRoundTrip(t *testing.T) {
	b, err := NewBase(Float32, 8)
	require.NoError(t, err)
	v := View{Base: b, NDim: 2, Start: 1, Shape: []int64{2, 4}, Stride: []int64{4, 1}}

	enc, err := SerializeView(v)
	require.NoError(t, err)

	bases := map[uint64]*Base{b.ID: b}
	out, err := DeserializeView(enc, func(id uint64) *Base { return bases[id] })
	require.NoError(t, err)

	assert.True(t, ViewSame(v, out))
}

func TestSerializeDeserializeConstViewRoundTrip(t *testing.T) {
	v := NewConstView(Float64, [16]byte{1, 2, 3})
	enc, err := SerializeView(v)
	require.NoError(t, err)

	out, err := DeserializeView(enc, nil)
	require.NoError(t, err)
	assert.True(t, IsConstant(out))
	assert.Equal(t, v.Const, out.Const)
}

func TestSerializeInstructionsDetectsCorruption(t *testing.T) {
	b, err := NewBase(Int32, 4)
	require.NoError(t, err)
	instrs := []Instruction{
		{Opcode: 7, Operands: []View{{Base: b, NDim: 1, Shape: []int64{4}, Stride: []int64{1}}}},
	}
	blob, err := SerializeInstructions(instrs)
	require.NoError(t, err)

	back, err := DeserializeInstructions(blob, func(id uint64) *Base { return b })
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, uint16(7), back[0].Opcode)

	corrupted := append([]byte(nil), blob...)
	corrupted[len(corrupted)-1] ^= 0xFF
	_, err = DeserializeInstructions(corrupted, nil)
	assert.Error(t, err)
}

func TestDeserializeInstructionsRejectsBadMagic(t *testing.T) {
	junk := make([]byte, HeaderSize+4)
	_, err := DeserializeInstructions(junk, nil)
	assert.Error(t, err)
}
