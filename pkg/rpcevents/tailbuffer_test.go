package rpcevents

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailBuffer_KeepsNewestBytes(t *testing.T) {
	b := NewTailBuffer(10)
	n, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	_, err = b.Write([]byte("abc"))
	require.NoError(t, err)

	assert.Equal(t, "3456789abc", b.String())
	assert.Equal(t, 10, b.Len())
}

func TestTailBuffer_DefaultSize(t *testing.T) {
	b := NewTailBuffer(0)
	assert.Equal(t, DefaultTailBytes, b.maxBytes)
}

func TestTailBuffer_LargeSingleWriteTruncatesToTail(t *testing.T) {
	b := NewTailBuffer(5)
	_, err := b.Write([]byte(strings.Repeat("x", 5) + "END"))
	require.NoError(t, err)
	assert.Equal(t, "xxEND", b.String())
	assert.Equal(t, 5, b.Len())
}
