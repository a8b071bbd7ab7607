package game

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// MulRate returns amount*rate truncated toward zero, matching integer
// conversion of the product without float drift on large balances.
func MulRate(amount int64, rate float64) int64 {
	return decimal.NewFromInt(amount).Mul(decimal.NewFromFloat(rate)).IntPart()
}

// ShareOf returns percent% of amount, truncated toward zero.
func ShareOf(amount int64, percent float64) int64 {
	return decimal.NewFromInt(amount).Mul(decimal.NewFromFloat(percent)).Div(hundred).IntPart()
}

// Valuation = balance*fundCoeff + dailyRevenue*incomeDays.
func Valuation(balance, dailyRevenue int64, fundCoeff float64, incomeDays int) int64 {
	funds := decimal.NewFromInt(balance).Mul(decimal.NewFromFloat(fundCoeff))
	income := decimal.NewFromInt(dailyRevenue).Mul(decimal.NewFromInt(int64(incomeDays)))
	return funds.Add(income).IntPart()
}
