package crypto_test

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/crypto"
)

// Well-known dev key (hardhat account #0).
const devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestLoadECDSA_FromEncryptedFile(t *testing.T) {
	blob, err := crypto.EncryptKey("0x"+devKey, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ledger.key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	key, err := crypto.LoadECDSA(crypto.KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t,
		common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
		ethcrypto.PubkeyToAddress(key.PublicKey))

	_, err = crypto.LoadECDSA(crypto.KeyConfig{EncryptedKeyPath: path, KeyPassword: "wrong"})
	assert.Error(t, err)
}

func TestLoadKey_RawWinsAndValidates(t *testing.T) {
	k, err := crypto.LoadKey(crypto.KeyConfig{RawPrivateKey: "0x" + devKey, EncryptedKeyPath: "/nope"})
	require.NoError(t, err)
	assert.Equal(t, devKey, k)

	_, err = crypto.LoadKey(crypto.KeyConfig{RawPrivateKey: "zz"})
	assert.Error(t, err)

	_, err = crypto.LoadKey(crypto.KeyConfig{})
	assert.Error(t, err)
}

func TestTxSigner_SignsForChain(t *testing.T) {
	key, err := ethcrypto.HexToECDSA(devKey)
	require.NoError(t, err)

	signer, err := crypto.NewTxSigner(key, big.NewInt(31337))
	require.NoError(t, err)

	to := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, To: &to, Gas: 21000, GasPrice: big.NewInt(1)})
	signed, err := signer.SignTx(tx)
	require.NoError(t, err)

	from, err := signer.Sender(signed)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)
	assert.Equal(t, int64(31337), signed.ChainId().Int64())

	_, err = crypto.NewTxSigner(key, big.NewInt(0))
	assert.Error(t, err)
}

func TestRequestSigner_Verify(t *testing.T) {
	s := crypto.NewRequestSigner("shh", time.Minute)
	body := []byte(`{"subject_ids":["alice"]}`)

	h := s.Headers("POST", "/api/settlements", body)
	require.NoError(t, s.Verify("POST", "/api/settlements", body, h[crypto.HeaderTimestamp], h[crypto.HeaderSignature]))

	err := s.Verify("POST", "/api/settlements", []byte(`{}`), h[crypto.HeaderTimestamp], h[crypto.HeaderSignature])
	assert.ErrorIs(t, err, crypto.ErrSignatureInvalid)

	old := s.HeadersAt("POST", "/api/settlements", body, time.Now().Add(-time.Hour).Unix())
	err = s.Verify("POST", "/api/settlements", body, old[crypto.HeaderTimestamp], old[crypto.HeaderSignature])
	assert.ErrorIs(t, err, crypto.ErrSignatureExpired)

	err = s.Verify("POST", "/api/settlements", body, "", "")
	assert.ErrorIs(t, err, crypto.ErrSignatureMissing)

	other := crypto.NewRequestSigner("other", time.Minute)
	oh := other.Headers("POST", "/api/settlements", body)
	err = s.Verify("POST", "/api/settlements", body, oh[crypto.HeaderTimestamp], oh[crypto.HeaderSignature])
	assert.ErrorIs(t, err, crypto.ErrSignatureInvalid)
}
