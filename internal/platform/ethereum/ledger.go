// Package ethereum records pool, wager and settlement events on the betting
// contract through go-ethereum.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/betledger/internal/crypto"
	"github.com/alanyoungcy/betledger/internal/domain"
)

// Backend is the part of *ethclient.Client the ledger uses.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg goethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg goethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Config configures the contract ledger.
type Config struct {
	Contract common.Address
	// GasLimit is used when estimation fails. Estimates get a 20% buffer.
	GasLimit       uint64
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
}

// Ledger implements domain.LedgerClient against the betting contract. Every
// call waits for the transaction to be mined and succeed.
type Ledger struct {
	backend Backend
	signer  *crypto.TxSigner
	cfg     Config
	abi     abi.ABI
	logger  *slog.Logger

	// sendMu serialises nonce allocation and submission.
	sendMu sync.Mutex
}

var _ domain.LedgerClient = (*Ledger)(nil)

// New creates a contract ledger.
func New(backend Backend, signer *crypto.TxSigner, cfg Config, logger *slog.Logger) (*Ledger, error) {
	parsed, err := BettingABI()
	if err != nil {
		return nil, fmt.Errorf("ethereum: parse abi: %w", err)
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 500_000
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	return &Ledger{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		abi:     parsed,
		logger:  logger.With(slog.String("component", "eth_ledger")),
	}, nil
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum: dial %s: %w", rpcURL, err)
	}
	return c, nil
}

// CreatePool calls newBet and returns the betId from the BetCreated event.
func (l *Ledger) CreatePool(ctx context.Context, info string) (string, error) {
	receipt, err := l.transact(ctx, "newBet", info)
	if err != nil {
		return "", err
	}
	id, err := l.betIDFromReceipt(receipt)
	if err != nil {
		return "", fmt.Errorf("ethereum: newBet: %w: %w", domain.ErrLedgerUnavailable, err)
	}
	return id.String(), nil
}

// RecordWager calls takeBet. The contract replaces an earlier bet by the
// same bettor.
func (l *Ledger) RecordWager(ctx context.Context, poolID, bettorID string, predictedWin bool, amount int64) error {
	id, err := parseBetID(poolID)
	if err != nil {
		return err
	}
	_, err = l.transact(ctx, "takeBet", id, bettorID, predictedWin, big.NewInt(amount))
	return err
}

// RecordCancellation calls cancelBet.
func (l *Ledger) RecordCancellation(ctx context.Context, poolID, bettorID string) error {
	id, err := parseBetID(poolID)
	if err != nil {
		return err
	}
	_, err = l.transact(ctx, "cancelBet", id, bettorID)
	return err
}

// RecordSettlement calls endBet. A bet the contract already ended is left
// alone, since endBet reverts on it.
func (l *Ledger) RecordSettlement(ctx context.Context, poolID string, outcomeWon bool) error {
	id, err := parseBetID(poolID)
	if err != nil {
		return err
	}
	active, err := l.betActive(ctx, id)
	if err != nil {
		return err
	}
	if !active {
		l.logger.InfoContext(ctx, "eth_ledger: bet already ended",
			slog.String("pool_id", poolID),
		)
		return nil
	}
	_, err = l.transact(ctx, "endBet", id, outcomeWon)
	return err
}

// betActive reads the active flag of a bet through the bets getter.
func (l *Ledger) betActive(ctx context.Context, id *big.Int) (bool, error) {
	data, err := l.abi.Pack("bets", id)
	if err != nil {
		return false, fmt.Errorf("ethereum: pack bets: %w", err)
	}
	to := l.cfg.Contract
	out, err := l.backend.CallContract(ctx, goethereum.CallMsg{From: l.signer.Address(), To: &to, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("ethereum: bets(%s): %w: %w", id, domain.ErrLedgerUnavailable, err)
	}
	values, err := l.abi.Unpack("bets", out)
	if err != nil {
		return false, fmt.Errorf("ethereum: unpack bets(%s): %w: %w", id, domain.ErrLedgerUnavailable, err)
	}
	if len(values) < 2 {
		return false, fmt.Errorf("ethereum: bets(%s) returned %d values: %w", id, len(values), domain.ErrLedgerUnavailable)
	}
	active, ok := values[1].(bool)
	if !ok {
		return false, fmt.Errorf("ethereum: bets(%s) active is %T: %w", id, values[1], domain.ErrLedgerUnavailable)
	}
	return active, nil
}

func parseBetID(poolID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(poolID, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("ethereum: bad pool id %q: %w", poolID, domain.ErrNotFound)
	}
	return id, nil
}

// transact packs, signs and sends a contract call, then waits for a
// successful receipt. Any failure wraps domain.ErrLedgerUnavailable.
func (l *Ledger) transact(ctx context.Context, method string, args ...any) (*types.Receipt, error) {
	data, err := l.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ethereum: pack %s: %w", method, err)
	}

	tx, err := l.send(ctx, method, data)
	if err != nil {
		return nil, fmt.Errorf("ethereum: %s: %w: %w", method, domain.ErrLedgerUnavailable, err)
	}

	receiptCtx, cancel := context.WithTimeout(ctx, l.cfg.ReceiptTimeout)
	defer cancel()
	receipt, err := l.waitMined(receiptCtx, tx.Hash())
	if err != nil {
		l.logger.WarnContext(ctx, "eth_ledger: receipt not confirmed",
			slog.String("method", method),
			slog.String("tx", tx.Hash().Hex()),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("ethereum: %s receipt %s: %w: %w", method, tx.Hash().Hex(), domain.ErrLedgerUnavailable, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("ethereum: %s tx %s reverted: %w", method, tx.Hash().Hex(), domain.ErrLedgerUnavailable)
	}

	l.logger.DebugContext(ctx, "eth_ledger: confirmed",
		slog.String("method", method),
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("gas_used", receipt.GasUsed),
	)
	return receipt, nil
}

func (l *Ledger) send(ctx context.Context, method string, data []byte) (*types.Transaction, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	from := l.signer.Address()
	nonce, err := l.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}

	to := l.cfg.Contract
	gas, err := l.backend.EstimateGas(ctx, goethereum.CallMsg{From: from, To: &to, GasPrice: gasPrice, Data: data})
	if err != nil {
		l.logger.WarnContext(ctx, "eth_ledger: gas estimate failed, using default",
			slog.String("method", method),
			slog.Uint64("limit", l.cfg.GasLimit),
			slog.String("error", err.Error()),
		)
		gas = l.cfg.GasLimit
	} else {
		gas = gas * 12 / 10
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := l.signer.SignTx(tx)
	if err != nil {
		return nil, err
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	return signed, nil
}

func (l *Ledger) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(l.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := l.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, goethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Ledger) betIDFromReceipt(receipt *types.Receipt) (*big.Int, error) {
	event, ok := l.abi.Events["BetCreated"]
	if !ok {
		return nil, errors.New("abi has no BetCreated event")
	}
	for _, lg := range receipt.Logs {
		if lg.Address != l.cfg.Contract || len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[1].Bytes()), nil
	}
	return nil, errors.New("no BetCreated event in receipt")
}
