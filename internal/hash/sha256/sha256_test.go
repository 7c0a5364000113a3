package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestSumDeterministic(t *testing.T) {
	t.Parallel()

	require.Equal(t, helloDigest, Sum([]byte("hello world")))
	require.Equal(t, Sum([]byte("hello world")), Sum([]byte("hello world")))
}

func TestShort(t *testing.T) {
	t.Parallel()

	require.Equal(t, helloDigest[:12], Short([]byte("hello world"), 12))
	require.Equal(t, helloDigest, Short([]byte("hello world"), 0))
	require.Equal(t, helloDigest, Short([]byte("hello world"), 100))
}
