package ledger

import "math/big"

// DefaultFeeCeiling caps the priority fee at 2 gwei
var DefaultFeeCeiling = big.NewInt(2_000_000_000)

// PriorityFee returns min(ceil(baseFee/10), ceiling). Nil or negative inputs count as zero.
func PriorityFee(baseFee, ceiling *big.Int) *big.Int {
	tip := new(big.Int)
	if baseFee != nil && baseFee.Sign() > 0 {
		tip.Add(baseFee, big.NewInt(9))
		tip.Quo(tip, big.NewInt(10))
	}
	if ceiling != nil && tip.Cmp(ceiling) > 0 {
		tip.Set(ceiling)
	}
	if tip.Sign() < 0 {
		tip.SetInt64(0)
	}
	return tip
}

// MaxFee returns baseFee + priorityFee
func MaxFee(baseFee, priorityFee *big.Int) *big.Int {
	fee := new(big.Int)
	if baseFee != nil && baseFee.Sign() > 0 {
		fee.Set(baseFee)
	}
	if priorityFee != nil {
		fee.Add(fee, priorityFee)
	}
	return fee
}

// GasLimitWithMargin returns ceil(estimate * 1.2)
func GasLimitWithMargin(estimate uint64) uint64 {
	limit := new(big.Int).SetUint64(estimate)
	limit.Mul(limit, big.NewInt(6))
	limit.Add(limit, big.NewInt(4))
	limit.Quo(limit, big.NewInt(5))
	if !limit.IsUint64() {
		return ^uint64(0)
	}
	return limit.Uint64()
}
