package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "180d", ShortenUUID("180d"))
	assert.Equal(t, "6e400001", ShortenUUID("6e400001b5a3f393e0a9e50e24dcca9e"))
}

func TestValidateUUID(t *testing.T) {
	t.Run("normalizes valid UUIDs", func(t *testing.T) {
		out, err := ValidateUUID("0x180D", "0000180f-0000-1000-8000-00805f9b34fb")
		require.NoError(t, err)
		assert.Equal(t, []string{"180d", "180f"}, out)
	})

	t.Run("rejects empty argument list", func(t *testing.T) {
		_, err := ValidateUUID()
		assert.Error(t, err)
	})

	t.Run("rejects empty UUID", func(t *testing.T) {
		_, err := ValidateUUID("180d", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "index 1")
	})
}
