package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestBcrypt_HashAndVerify(t *testing.T) {
	h := NewBcrypt(bcrypt.MinCost)

	hash, err := h.Hash("Secret#2024")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "{BLF-CRYPT}$2a$"))
	assert.NotContains(t, hash, "Secret#2024")

	assert.NoError(t, h.Verify(hash, "Secret#2024"))
	assert.ErrorIs(t, h.Verify(hash, "wrong"), ErrMismatch)
	assert.NoError(t, h.Verify(strings.TrimPrefix(hash, "{BLF-CRYPT}"), "Secret#2024"))
}

func TestNewBcrypt_ClampsCost(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewBcrypt(0).Cost)
	assert.Equal(t, bcrypt.DefaultCost, NewBcrypt(99).Cost)
	assert.Equal(t, 12, NewBcrypt(12).Cost)
}
