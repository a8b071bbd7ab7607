package game

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	FullOwnership    = 100.0
	PercentTolerance = 0.01

	// MaxNewStakePct bounds the valuation-normalised share a single investment can claim.
	MaxNewStakePct = 200.0
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrConstraint        = errors.New("constraint violation")
	ErrNotFound          = errors.New("entity not found")
	ErrDuplicateName     = errors.New("company name already taken")
)

var blockedNameFragments = []string{
	"admin",
	"support",
	"shit",
	"fuck",
	"nazi",
}

// SumPercent returns the total ownership recorded in stakes.
func SumPercent(stakes []EquityStake) float64 {
	var total float64
	for _, s := range stakes {
		total += s.Percent
	}
	return total
}

// CapTableBalanced reports whether stakes sum to 100% within PercentTolerance.
func CapTableBalanced(stakes []EquityStake) bool {
	return math.Abs(SumPercent(stakes)-FullOwnership) <= PercentTolerance
}

// Normalize rescales every stake by one factor so the table sums to exactly 100%.
func Normalize(stakes []EquityStake) {
	total := SumPercent(stakes)
	if total <= 0 {
		return
	}
	factor := FullOwnership / total
	for i := range stakes {
		stakes[i].Percent *= factor
	}
}

func ValidateCompanyName(name string) error {
	clean := strings.TrimSpace(name)
	if clean == "" {
		return fmt.Errorf("name is required")
	}
	if len(clean) > 64 {
		return fmt.Errorf("name too long (max 64 chars)")
	}
	lower := strings.ToLower(clean)
	for _, fragment := range blockedNameFragments {
		if strings.Contains(lower, fragment) {
			return fmt.Errorf("name contains blocked content")
		}
	}
	return nil
}
