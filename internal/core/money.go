// Package core provides money parsing and handling utilities.
//
// Amounts are always stored as integer minor units. Conversion from and to the
// major-unit representation depends on the currency exponent.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// currencyExponents lists currencies whose minor unit is not 1/100.
var currencyExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"ISK": 0,
	"BHD": 3,
	"KWD": 3,
	"JOD": 3,
	"TND": 3,
}

// CurrencyExponent returns the number of decimal digits of the currency minor unit.
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ParseDecimalToMinor converts a major-unit decimal string to minor units.
//
// It accepts both dot (12.34) and comma (12,34) separators and rounds half-up
// beyond the currency exponent. Only strictly positive values are accepted.
//
// Examples:
//
//	ParseDecimalToMinor("12.34", "EUR") -> 1234, nil
//	ParseDecimalToMinor("12,345", "EUR") -> 1235, nil
//	ParseDecimalToMinor("1200", "JPY") -> 1200, nil
func ParseDecimalToMinor(s, currency string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	exp := CurrencyExponent(currency)
	minor := d.Shift(exp).Round(0)
	if !minor.IsPositive() {
		return 0, ErrInvalidAmount
	}
	if minor.GreaterThan(decimal.NewFromInt(1<<62)) {
		return 0, ErrInvalidAmount
	}
	return minor.IntPart(), nil
}

// FormatMinor renders minor units as a fixed-point major-unit string, e.g. 1234 EUR -> "12.34".
func FormatMinor(amountMinor int64, currency string) string {
	exp := CurrencyExponent(currency)
	return decimal.New(amountMinor, -exp).StringFixed(exp)
}

// Major returns the major-unit value for display purposes.
func (m Money) Major() decimal.Decimal {
	return decimal.New(m.AmountMinor, -CurrencyExponent(m.Currency))
}
