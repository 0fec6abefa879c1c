package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumIsStableHex(t *testing.T) {
	t.Parallel()

	h := New()
	got := h.Sum([]byte("hello world"))
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
	require.NotEqual(t, got, h.Sum([]byte("hello world!")))
}

func TestShortTruncates(t *testing.T) {
	t.Parallel()

	var h Hasher
	require.Equal(t, "b94d27b9934d3e08a52e52d7", h.Short([]byte("hello world"), 24))
	require.Len(t, h.Short([]byte("x"), 0), 64)
	require.Len(t, h.Short([]byte("x"), 100), 64)
}
