package crypto

import (
	"os"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "hunter2")
	require.NoError(t, err)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestEncryptRejectsBadKeys(t *testing.T) {
	_, err := EncryptKey("not-hex", "pw")
	assert.Error(t, err)

	_, err = EncryptKey("abcd", "pw") // too short
	assert.Error(t, err)

	_, err = EncryptKey(testKeyHex, "")
	assert.Error(t, err)
}

func TestLoadKeyFromRawHex(t *testing.T) {
	key, err := LoadKey(KeySource{RawHex: "0x" + testKeyHex})
	require.NoError(t, err)

	want, err := ethcrypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, want.D, key.D)
}

func TestLoadKeyFromEncryptedFile(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "vault.key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	key, err := LoadKey(KeySource{EncryptedPath: path, Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		func() string {
			want, _ := ethcrypto.HexToECDSA(testKeyHex)
			return ethcrypto.PubkeyToAddress(want.PublicKey).Hex()
		}())
}

func TestLoadKeyNoSource(t *testing.T) {
	_, err := LoadKey(KeySource{})
	assert.Error(t, err)
}
