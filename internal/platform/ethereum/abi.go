package ethereum

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// bettingABIJSON is the subset of the betting contract the ledger calls.
// The contract is custodial: one operator account records every bettor, so
// bettors are identified by string id rather than address.
const bettingABIJSON = `[
  {
    "type": "function", "name": "newBet", "stateMutability": "nonpayable",
    "inputs": [{"name": "info", "type": "string"}],
    "outputs": [{"name": "betId", "type": "uint256"}]
  },
  {
    "type": "function", "name": "takeBet", "stateMutability": "nonpayable",
    "inputs": [
      {"name": "betId", "type": "uint256"},
      {"name": "bettorId", "type": "string"},
      {"name": "betOnWin", "type": "bool"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "function", "name": "cancelBet", "stateMutability": "nonpayable",
    "inputs": [
      {"name": "betId", "type": "uint256"},
      {"name": "bettorId", "type": "string"}
    ],
    "outputs": []
  },
  {
    "type": "function", "name": "endBet", "stateMutability": "nonpayable",
    "inputs": [
      {"name": "betId", "type": "uint256"},
      {"name": "didWinHappen", "type": "bool"}
    ],
    "outputs": []
  },
  {
    "type": "function", "name": "bets", "stateMutability": "view",
    "inputs": [{"name": "", "type": "uint256"}],
    "outputs": [
      {"name": "info", "type": "string"},
      {"name": "active", "type": "bool"},
      {"name": "didWinHappen", "type": "bool"}
    ]
  },
  {
    "type": "event", "name": "BetCreated", "anonymous": false,
    "inputs": [
      {"name": "betId", "type": "uint256", "indexed": true},
      {"name": "info", "type": "string", "indexed": false}
    ]
  }
]`

var (
	bettingABI     abi.ABI
	bettingABIOnce sync.Once
	bettingABIErr  error
)

// BettingABI returns the parsed betting contract ABI.
func BettingABI() (abi.ABI, error) {
	bettingABIOnce.Do(func() {
		bettingABI, bettingABIErr = abi.JSON(strings.NewReader(bettingABIJSON))
	})
	return bettingABI, bettingABIErr
}
