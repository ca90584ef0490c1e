// Package financing computes simplified loan quotes for catalog vehicles.
package financing

import (
	"errors"
	"math"

	"github.com/BTreeMap/DealerPipe/internal/models"
)

// Business rules for a financing simulation.
const (
	// Rate is the flat interest applied over the financed amount.
	Rate = 0.10
	// MinDownpaymentPercent is the smallest downpayment accepted, in percent of price.
	MinDownpaymentPercent = 10
	// MaxDownpaymentPercent is the largest downpayment accepted, in percent of price.
	MaxDownpaymentPercent = 70
)

// Terms lists the accepted loan terms in months.
var Terms = []int{36, 48, 60}

var (
	ErrDownpaymentTooLow  = errors.New("downpayment below minimum")
	ErrDownpaymentTooHigh = errors.New("downpayment above maximum")
	ErrInvalidTerm        = errors.New("unsupported term")
)

// Quote computes loan = price - downpayment, total = loan * (1 + Rate) and
// monthly = total / months. Amounts are rounded to whole pesos. Callers are
// responsible for checking the downpayment bounds and the term.
func Quote(price, downpayment int64, months int) models.Quote {
	loan := float64(price - downpayment)
	total := loan * (1 + Rate)
	var monthly float64
	if months > 0 {
		monthly = total / float64(months)
	}
	return models.Quote{
		Price:          price,
		Downpayment:    downpayment,
		Months:         months,
		Rate:           Rate,
		MonthlyPayment: int64(math.Round(monthly)),
		LoanAmount:     int64(math.Round(loan)),
		TotalToPay:     int64(math.Round(total)),
	}
}

// MinDownpayment is the smallest accepted downpayment for price, rounded up.
// It splits price into hundreds and remainder so large prices do not overflow.
func MinDownpayment(price int64) int64 {
	q, r := price/100, price%100
	return q*MinDownpaymentPercent + (r*MinDownpaymentPercent+99)/100
}

// MaxDownpayment is the largest accepted downpayment for price, rounded down.
func MaxDownpayment(price int64) int64 {
	q, r := price/100, price%100
	return q*MaxDownpaymentPercent + r*MaxDownpaymentPercent/100
}

// CheckDownpayment enforces 10% <= downpayment <= 70% of price. The bounds
// are exact: exactly 70% passes and one peso more fails. downpayment is
// never multiplied.
func CheckDownpayment(price, downpayment int64) error {
	if downpayment > price || downpayment > MaxDownpayment(price) {
		return ErrDownpaymentTooHigh
	}
	if downpayment < MinDownpayment(price) {
		return ErrDownpaymentTooLow
	}
	return nil
}

// ValidTerm reports whether months is one of Terms.
func ValidTerm(months int) bool {
	for _, t := range Terms {
		if t == months {
			return true
		}
	}
	return false
}

// CheckTerm returns ErrInvalidTerm for unsupported terms.
func CheckTerm(months int) error {
	if !ValidTerm(months) {
		return ErrInvalidTerm
	}
	return nil
}
