package crypto

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKey is the well-known first Hardhat account.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSigner_Address(t *testing.T) {
	t.Parallel()

	s, err := NewSigner("0x" + testKey)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	_, err = NewSigner("zz")
	require.Error(t, err)
}

func TestSignMessage_Recover(t *testing.T) {
	t.Parallel()

	s, err := NewSigner(testKey)
	require.NoError(t, err)

	msg := RequestMessage("post", "/api/vaults", 1_700_000_000, "n-1", []byte(`{"a":1}`))
	sig, err := s.SignMessage(msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	addr, err := RecoverAddress(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)

	legacy := append([]byte(nil), sig...)
	legacy[64] -= 27
	addr, err = RecoverAddress(msg, legacy)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)

	other := RequestMessage("POST", "/api/vaults", 1_700_000_000, "n-1", []byte(`{"a":2}`))
	addr, err = RecoverAddress(other, sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), addr, "a different body recovers a different key")

	_, err = RecoverAddress(msg, sig[:64])
	require.Error(t, err)

	bad := append([]byte(nil), sig...)
	bad[64] = 5
	_, err = RecoverAddress(msg, bad)
	require.Error(t, err)
}

func TestRequestMessage_Layout(t *testing.T) {
	t.Parallel()

	msg := RequestMessage("get", "/api/health", 42, "abc", nil)
	assert.Equal(t,
		"polyield:v1\nGET\n/api/health\n42\nabc\ne3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		string(msg))
}

func TestSignRequest_SetsHeaders(t *testing.T) {
	t.Parallel()

	s, err := NewSigner(testKey)
	require.NoError(t, err)

	body := []byte(`{"amount":"1"}`)
	req := httptest.NewRequest("POST", "/api/vaults/0xabc/deposits", nil)
	at := time.Unix(1_700_000_123, 0)
	require.NoError(t, s.SignRequest(req, body, at, "nonce-9"))

	assert.Equal(t, s.Address().Hex(), req.Header.Get(HeaderAddress))
	assert.Equal(t, strconv.FormatInt(at.Unix(), 10), req.Header.Get(HeaderTimestamp))
	assert.Equal(t, "nonce-9", req.Header.Get(HeaderNonce))

	sig, err := DecodeSignature(req.Header.Get(HeaderSignature))
	require.NoError(t, err)
	addr, err := RecoverAddress(RequestMessage("POST", "/api/vaults/0xabc/deposits", at.Unix(), "nonce-9", body), sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)
}

func TestEncryptDecryptKey(t *testing.T) {
	t.Parallel()

	blob, err := EncryptKey("0x"+testKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)

	_, err = EncryptKey(testKey, "")
	require.Error(t, err)
	_, err = EncryptKey("abcd", "pw")
	require.Error(t, err)
}

func TestLoadSigner(t *testing.T) {
	t.Parallel()

	s, err := LoadSigner(KeySource{RawPrivateKey: testKey})
	require.NoError(t, err)
	pk, err := ethcrypto.HexToECDSA(testKey)
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(pk.PublicKey), s.Address())

	blob, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "admin.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	src := KeySource{EncryptedKeyPath: path, KeyPassword: "pw"}
	assert.True(t, src.Configured())
	s2, err := LoadSigner(src)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), s2.Address())

	_, err = LoadSigner(KeySource{})
	require.Error(t, err)
	assert.False(t, KeySource{}.Configured())
}
