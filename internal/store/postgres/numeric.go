package postgres

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Amounts are stored as NUMERIC(78,0) and moved through the driver as decimal
// strings, which round-trips the full uint256 range without float loss.

func bigArg(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: malformed numeric %q", s)
	}
	return v, nil
}

func parseBigPtr(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	return parseBig(*s)
}

func addrArg(a common.Address) string {
	return a.Hex()
}

func addrPtrArg(a *common.Address) any {
	if a == nil {
		return nil
	}
	return a.Hex()
}

func parseAddrPtr(s *string) *common.Address {
	if s == nil {
		return nil
	}
	a := common.HexToAddress(*s)
	return &a
}
