package ethereum_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/crypto"
	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/platform/ethereum"
)

var contract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// fakeChain mines every transaction immediately. A newBet call emits a
// BetCreated log with the next bet id; a successful endBet marks the bet
// ended for the bets getter.
type fakeChain struct {
	mu       sync.Mutex
	nonce    uint64
	nextBet  int64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	ended    map[int64]bool
	revert   bool
	sendErr  error
	callErr  error
	pending  int // receipt lookups answered with NotFound before mining
}

func newFakeChain() *fakeChain {
	return &fakeChain{nextBet: 7, receipts: map[common.Hash]*types.Receipt{}, ended: map[int64]bool{}}
}

func (f *fakeChain) CallContract(_ context.Context, msg goethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	parsed, _ := ethereum.BettingABI()
	m, err := parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := m.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	id := args[0].(*big.Int).Int64()
	return m.Outputs.Pack("info", !f.ended[id], false)
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(context.Context, goethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.nonce++
	f.sent = append(f.sent, tx)

	parsed, _ := ethereum.BettingABI()
	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash(), GasUsed: 50_000}
	if f.revert {
		receipt.Status = types.ReceiptStatusFailed
	}
	m, err := parsed.MethodById(tx.Data()[:4])
	if err == nil && m.Name == "endBet" && !f.revert {
		args, _ := m.Inputs.Unpack(tx.Data()[4:])
		f.ended[args[0].(*big.Int).Int64()] = true
	}
	if err == nil && m.Name == "newBet" {
		receipt.Logs = []*types.Log{{
			Address: contract,
			Topics: []common.Hash{
				parsed.Events["BetCreated"].ID,
				common.BigToHash(big.NewInt(f.nextBet)),
			},
		}}
		f.nextBet++
	}
	f.receipts[tx.Hash()] = receipt
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending > 0 {
		f.pending--
		return nil, goethereum.NotFound
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, goethereum.NotFound
	}
	return r, nil
}

func newLedger(t *testing.T, chain *fakeChain) (*ethereum.Ledger, *crypto.TxSigner) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := crypto.NewTxSigner(key, big.NewInt(31337))
	require.NoError(t, err)
	l, err := ethereum.New(chain, signer, ethereum.Config{
		Contract:       contract,
		ReceiptTimeout: time.Second,
		ReceiptPoll:    time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return l, signer
}

func TestLedger_CreatePoolReadsBetID(t *testing.T) {
	chain := newFakeChain()
	chain.pending = 2
	l, signer := newLedger(t, chain)

	id, err := l.CreatePool(context.Background(), "alice's next game")
	require.NoError(t, err)
	assert.Equal(t, "7", id)

	id, err = l.CreatePool(context.Background(), "bob's next game")
	require.NoError(t, err)
	assert.Equal(t, "8", id)

	require.Len(t, chain.sent, 2)
	tx := chain.sent[1]
	assert.Equal(t, uint64(1), tx.Nonce())
	assert.Equal(t, contract, *tx.To())
	assert.Equal(t, uint64(120_000), tx.Gas())
	from, err := signer.Sender(tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)
}

func TestLedger_RecordWagerPacksArguments(t *testing.T) {
	chain := newFakeChain()
	l, _ := newLedger(t, chain)

	require.NoError(t, l.RecordWager(context.Background(), "7", "u1", true, 25))
	require.Len(t, chain.sent, 1)

	parsed, err := ethereum.BettingABI()
	require.NoError(t, err)
	data := chain.sent[0].Data()
	m, err := parsed.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "takeBet", m.Name)

	args, err := m.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 4)
	assert.Equal(t, int64(7), args[0].(*big.Int).Int64())
	assert.Equal(t, "u1", args[1])
	assert.Equal(t, true, args[2])
	assert.Equal(t, int64(25), args[3].(*big.Int).Int64())
}

func TestLedger_FailuresAreLedgerUnavailable(t *testing.T) {
	chain := newFakeChain()
	l, _ := newLedger(t, chain)
	ctx := context.Background()

	chain.revert = true
	err := l.RecordSettlement(ctx, "7", true)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)

	chain.revert = false
	chain.sendErr = errors.New("connection refused")
	err = l.RecordCancellation(ctx, "7", "u1")
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)

	err = l.RecordCancellation(ctx, "not-a-number", "u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedger_RecordSettlementSkipsEndedBet(t *testing.T) {
	chain := newFakeChain()
	l, _ := newLedger(t, chain)
	ctx := context.Background()

	require.NoError(t, l.RecordSettlement(ctx, "7", true))
	require.Len(t, chain.sent, 1)

	// A retried settlement finds the bet ended and sends nothing.
	require.NoError(t, l.RecordSettlement(ctx, "7", true))
	assert.Len(t, chain.sent, 1)

	chain.ended[9] = true
	require.NoError(t, l.RecordSettlement(ctx, "9", false))
	assert.Len(t, chain.sent, 1)
}

func TestLedger_RecordSettlementReadFailure(t *testing.T) {
	chain := newFakeChain()
	l, _ := newLedger(t, chain)

	chain.callErr = errors.New("connection refused")
	err := l.RecordSettlement(context.Background(), "7", true)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	assert.Empty(t, chain.sent)
}
