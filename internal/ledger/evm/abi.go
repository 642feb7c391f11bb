package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs, trimmed to the entrypoints the backend reads or prepares
// calls against. Signing and broadcast happen outside this process, so only
// calldata packing is needed on the write side.

const poolABIJSON = `[
  {"name":"totalNav","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"pause","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

const escrowABIJSON = `[
  {"name":"cashBuffer","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"allocate","type":"function","stateMutability":"nonpayable","inputs":[{"name":"operator","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"name":"rebalanceInvest","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
  {"name":"rebalanceLiquidate","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
  {"name":"processWithdrawals","type":"function","stateMutability":"nonpayable","inputs":[{"name":"batchSize","type":"uint256"}],"outputs":[]},
  {"name":"returnMaturity","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]}
]`

const registryABIJSON = `[
  {"name":"escrowOf","type":"function","stateMutability":"view","inputs":[{"name":"pool","type":"address"}],"outputs":[{"name":"","type":"address"}]}
]`

var (
	poolABI     = mustParseABI(poolABIJSON)
	escrowABI   = mustParseABI(escrowABIJSON)
	registryABI = mustParseABI(registryABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("evm: parse abi: " + err.Error())
	}
	return parsed
}
