package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/config"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher("a-sufficiently-long-passphrase", config.EnvironmentLab)
	require.NoError(t, err)

	blob, err := c.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "hunter2")

	plain, err := c.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	c, err := NewCipher("another-passphrase", config.EnvironmentLab)
	require.NoError(t, err)

	blob, err := c.Encrypt("secret")
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xFF

	_, err = c.Decrypt(blob)
	require.Error(t, err)
	assert.Equal(t, ccerrors.Decryption, ccerrors.KindOf(err))
}

func TestInsecureKeyRejectedOutsideLab(t *testing.T) {
	_, err := NewCipher(InsecureLabKey, config.EnvironmentProd)
	require.Error(t, err)
	assert.Equal(t, ccerrors.EncryptionKeyInsecure, ccerrors.KindOf(err))
}

func TestInsecureKeyAllowedInLab(t *testing.T) {
	_, err := NewCipher(InsecureLabKey, config.EnvironmentLab)
	require.NoError(t, err)
}
