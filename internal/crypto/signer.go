package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// TxSigner signs ledger contract transactions for one account on one chain.
type TxSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
	chainID *big.Int
}

// NewTxSigner builds a signer for key on chainID.
func NewTxSigner(key *ecdsa.PrivateKey, chainID *big.Int) (*TxSigner, error) {
	if key == nil {
		return nil, fmt.Errorf("crypto: nil private key")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("crypto: invalid chain id %v", chainID)
	}
	return &TxSigner{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
		chainID: new(big.Int).Set(chainID),
	}, nil
}

// Address returns the account that pays for ledger transactions.
func (s *TxSigner) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer is bound to.
func (s *TxSigner) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx signs tx for the bound chain.
func (s *TxSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign tx: %w", err)
	}
	return signed, nil
}

// Sender recovers the address that signed tx.
func (s *TxSigner) Sender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(s.signer, tx)
}
