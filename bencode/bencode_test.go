package bencode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTrivial(t *testing.T) {
	v, err := Decode([]byte("l4:spami42ee"))
	require.NoError(t, err)
	require.Equal(t, KindList, v.Kind)
	require.Len(t, v.List, 2)

	assert.Equal(t, 0, v.Start)
	assert.Equal(t, 12, v.End)

	spam := v.List[0]
	assert.Equal(t, KindBytes, spam.Kind)
	assert.Equal(t, "spam", string(spam.Bytes))
	assert.Equal(t, 1, spam.Start)
	assert.Equal(t, 7, spam.End)

	answer := v.List[1]
	assert.Equal(t, KindInt, answer.Kind)
	assert.EqualValues(t, 42, answer.Int)
	assert.Equal(t, 7, answer.Start)
	assert.Equal(t, 11, answer.End)
}

func TestDecodeDict(t *testing.T) {
	v, err := Decode([]byte("d3:cow3:moo4:spam4:eggse"))
	require.NoError(t, err)
	require.Equal(t, KindDict, v.Kind)
	cow, ok := v.Get("cow")
	require.True(t, ok)
	s, err := cow.String()
	require.NoError(t, err)
	assert.Equal(t, "moo", s)
}

func TestDecodeNegativeInteger(t *testing.T) {
	v, err := Decode([]byte("i-42e"))
	require.NoError(t, err)
	assert.EqualValues(t, -42, v.Int)
}

func TestDecodeIntegerOverflow(t *testing.T) {
	_, err := Decode([]byte("i99999999999999999999999999e"))
	assert.ErrorIs(t, err, ErrInvalidInteger)
}

func TestDecodeStringTooLong(t *testing.T) {
	huge := strings.Repeat("9", 12) + ":abc"
	_, err := Decode([]byte(huge))
	assert.ErrorIs(t, err, ErrStringTooLong)
}

func TestDecodeTrailingGarbage(t *testing.T) {
	_, err := Decode([]byte("i1ee"))
	assert.ErrorIs(t, err, ErrTrailingGarbage)
}

func TestDecodeUnexpectedEOF(t *testing.T) {
	_, err := Decode([]byte("l4:spam"))
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestDecodeEmptyString(t *testing.T) {
	v, err := Decode([]byte("0:"))
	require.NoError(t, err)
	assert.Equal(t, KindBytes, v.Kind)
	assert.Empty(t, v.Bytes)
}

func TestDecodeNestedDict(t *testing.T) {
	v, err := Decode([]byte("d4:infod6:lengthi10eee"))
	require.NoError(t, err)
	info, ok := v.Get("info")
	require.True(t, ok)
	assert.Equal(t, KindDict, info.Kind)
	// info's span must exactly cover "d6:lengthi10ee"
	assert.Equal(t, "d6:lengthi10ee", string([]byte("d4:infod6:lengthi10eee")[info.Start:info.End]))
}
