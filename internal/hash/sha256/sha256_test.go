package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHash(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("<html></html>"))
	require.NoError(t, err)
	require.Len(t, got, 64)

	again, err := h.Hash([]byte("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, got, again)

	other, err := h.Hash([]byte("<html>x</html>"))
	require.NoError(t, err)
	require.NotEqual(t, got, other)
}
