package evm

import (
	"fmt"
	"math"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"folio/chain"
)

const weiDecimals = 18

// Units converts between ledger minor units and wei. MinorDecimals is the number
// of decimal places a minor unit sits below one whole coin (6 means 1 minor unit
// is 10^12 wei).
type Units struct {
	MinorDecimals int32
}

// ToWei converts a positive minor-unit amount into wei.
func (u Units) ToWei(amount int64) (*big.Int, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("evm: amount must be positive")
	}
	if err := u.validate(); err != nil {
		return nil, err
	}
	wei := decimal.New(amount, 0).Shift(weiDecimals - u.MinorDecimals).BigInt()
	if _, overflow := uint256.FromBig(wei); overflow {
		return nil, fmt.Errorf("evm: amount %d overflows 256 bits", amount)
	}
	return wei, nil
}

// FromWei converts wei into minor units. Values that do not land on a whole
// minor unit, or do not fit in int64, are malformed for ledger purposes.
func (u Units) FromWei(wei *big.Int) (int64, error) {
	if wei == nil || wei.Sign() < 0 {
		return 0, fmt.Errorf("%w: negative or missing value", chain.ErrMalformed)
	}
	if err := u.validate(); err != nil {
		return 0, err
	}
	if _, overflow := uint256.FromBig(wei); overflow {
		return 0, fmt.Errorf("%w: value overflows 256 bits", chain.ErrMalformed)
	}
	minor := decimal.NewFromBigInt(wei, 0).Shift(u.MinorDecimals - weiDecimals)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: value %s wei is not a whole minor unit", chain.ErrMalformed, wei.String())
	}
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("%w: value %s wei exceeds ledger range", chain.ErrMalformed, wei.String())
	}
	return minor.IntPart(), nil
}

// Format renders a minor-unit amount as a whole-coin decimal string for logs and reports.
func (u Units) Format(amount int64) string {
	return decimal.New(amount, -u.MinorDecimals).String()
}

func (u Units) validate() error {
	if u.MinorDecimals < 0 || u.MinorDecimals > weiDecimals {
		return fmt.Errorf("evm: minor decimals must be within [0, %d]", weiDecimals)
	}
	return nil
}
