package settlement

import "github.com/shopspring/decimal"

// SplitFee divides amount (minor units) into the seller's share and the
// platform fee. The fee is amount*rate rounded half-up to a whole minor
// unit, so sellerAmount + fee == amount always holds.
func SplitFee(amount int64, rate decimal.Decimal) (sellerAmount, fee int64) {
	fee = decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
	if fee < 0 {
		fee = 0
	}
	if fee > amount {
		fee = amount
	}
	return amount - fee, fee
}
