package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const factoryABIJSON = `[
  {"type":"event","name":"GuardianWalletCreated","anonymous":false,"inputs":[
    {"name":"guardian","type":"address","indexed":true},
    {"name":"wallet","type":"address","indexed":true}
  ]}
]`

const guardianWalletABIJSON = `[
  {"type":"event","name":"SubWalletCreated","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true},
    {"name":"dependent","type":"address","indexed":true},
    {"name":"spendingLimit","type":"uint256","indexed":false},
    {"name":"periodDuration","type":"uint256","indexed":false},
    {"name":"mode","type":"uint8","indexed":false}
  ]},
  {"type":"function","name":"getSubWallet","stateMutability":"view","inputs":[
    {"name":"id","type":"uint256"}
  ],"outputs":[
    {"name":"dependent","type":"address"},
    {"name":"spendingLimit","type":"uint256"},
    {"name":"spentThisPeriod","type":"uint256"},
    {"name":"periodStart","type":"uint256"},
    {"name":"periodDuration","type":"uint256"},
    {"name":"mode","type":"uint8"},
    {"name":"active","type":"bool"}
  ]},
  {"type":"function","name":"spend","stateMutability":"nonpayable","inputs":[
    {"name":"subWalletId","type":"uint256"},
    {"name":"recipient","type":"address"},
    {"name":"amount","type":"uint256"}
  ],"outputs":[]},
  {"type":"function","name":"createSubWallet","stateMutability":"nonpayable","inputs":[
    {"name":"dependent","type":"address"},
    {"name":"spendingLimit","type":"uint256"},
    {"name":"periodDuration","type":"uint256"},
    {"name":"mode","type":"uint8"}
  ],"outputs":[{"name":"id","type":"uint256"}]},
  {"type":"function","name":"updateSpendingLimit","stateMutability":"nonpayable","inputs":[
    {"name":"subWalletId","type":"uint256"},
    {"name":"spendingLimit","type":"uint256"}
  ],"outputs":[]},
  {"type":"function","name":"revokeSubWallet","stateMutability":"nonpayable","inputs":[
    {"name":"subWalletId","type":"uint256"}
  ],"outputs":[]}
]`

// Method and event names used against the guardian wallet contracts.
const (
	EventGuardianWalletCreated = "GuardianWalletCreated"
	EventSubWalletCreated      = "SubWalletCreated"

	MethodGetSubWallet        = "getSubWallet"
	MethodSpend               = "spend"
	MethodCreateSubWallet     = "createSubWallet"
	MethodUpdateSpendingLimit = "updateSpendingLimit"
	MethodRevokeSubWallet     = "revokeSubWallet"
)

var (
	// FactoryABI is the parsed interface of the guardian wallet factory.
	FactoryABI = mustParse(factoryABIJSON)
	// GuardianWalletABI is the parsed interface of a guardian wallet.
	GuardianWalletABI = mustParse(guardianWalletABIJSON)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse abi: %v", err))
	}
	return parsed
}

// PackSpend encodes a sub-wallet spend call.
func PackSpend(subWalletID uint64, recipient common.Address, amount *big.Int) ([]byte, error) {
	return GuardianWalletABI.Pack(MethodSpend, new(big.Int).SetUint64(subWalletID), recipient, amount)
}

// PackCreateSubWallet encodes a guardian call creating a sub-wallet for dependent.
func PackCreateSubWallet(dependent common.Address, limit *big.Int, periodSeconds int64, mode uint8) ([]byte, error) {
	return GuardianWalletABI.Pack(MethodCreateSubWallet, dependent, limit, big.NewInt(periodSeconds), mode)
}

// PackUpdateSpendingLimit encodes a guardian limit update.
func PackUpdateSpendingLimit(subWalletID uint64, limit *big.Int) ([]byte, error) {
	return GuardianWalletABI.Pack(MethodUpdateSpendingLimit, new(big.Int).SetUint64(subWalletID), limit)
}

// PackRevokeSubWallet encodes a guardian revocation.
func PackRevokeSubWallet(subWalletID uint64) ([]byte, error) {
	return GuardianWalletABI.Pack(MethodRevokeSubWallet, new(big.Int).SetUint64(subWalletID))
}
