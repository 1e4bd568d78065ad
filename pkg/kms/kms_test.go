package kms

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBox(t *testing.T) *Box {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	box, err := NewBox(key)
	require.NoError(t, err)
	return box
}

func TestNewBoxRejectsShortKey(t *testing.T) {
	_, err := NewBox([]byte("short"))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box := testBox(t)

	env, err := box.Encrypt("portal-1", "s3cr3t-value")
	require.NoError(t, err)
	assert.NotEmpty(t, env.Ciphertext)
	assert.NotEmpty(t, env.IV)
	assert.NotEmpty(t, env.AuthTag)

	pt, err := box.Decrypt("portal-1", env)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-value", pt)
}

func TestDecryptWrongTenantFails(t *testing.T) {
	box := testBox(t)

	env, err := box.Encrypt("portal-1", "value")
	require.NoError(t, err)

	_, err = box.Decrypt("portal-2", env)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	box := testBox(t)

	env, err := box.Encrypt("portal-1", "value")
	require.NoError(t, err)

	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)
	ct[0] ^= 0x01
	env.Ciphertext = base64.StdEncoding.EncodeToString(ct)

	_, err = box.Decrypt("portal-1", env)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptTamperedTagFails(t *testing.T) {
	box := testBox(t)

	env, err := box.Encrypt("portal-1", "value")
	require.NoError(t, err)

	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	require.NoError(t, err)
	tag[len(tag)-1] ^= 0x80
	env.AuthTag = base64.StdEncoding.EncodeToString(tag)

	_, err = box.Decrypt("portal-1", env)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestNonceUniqueAcrossCalls(t *testing.T) {
	box := testBox(t)

	a, err := box.Encrypt("portal-1", "same")
	require.NoError(t, err)
	b, err := box.Encrypt("portal-1", "same")
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}
