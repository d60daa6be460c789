// Package barcode computes Modulo-11 check digits and renders library
// barcodes for display.
package barcode

import (
	"errors"
	"fmt"
	"strconv"
)

// DisplayLength is the only barcode length FormatDisplay accepts.
const DisplayLength = 14

var (
	ErrInvalidBarcodeLength = errors.New("invalid barcode length")
	ErrNotNumeric           = errors.New("barcode must contain only digits")
)

// CheckDigit returns the Modulo-11 check digit for digits. Weights 2 through 7
// are applied from the rightmost digit and repeat; a remainder of 0 or 1 maps
// to 0, anything else to 11 - remainder.
func CheckDigit(digits string) (int, error) {
	if digits == "" {
		return 0, ErrNotNumeric
	}
	sum := 0
	weight := 2
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, digits)
		}
		sum += int(c-'0') * weight
		weight++
		if weight > 7 {
			weight = 2
		}
	}
	remainder := sum % 11
	if remainder == 0 || remainder == 1 {
		return 0, nil
	}
	return 11 - remainder, nil
}

// Append returns digits followed by its check digit.
func Append(digits string) (string, error) {
	d, err := CheckDigit(digits)
	if err != nil {
		return "", err
	}
	return digits + strconv.Itoa(d), nil
}

// Validate reports whether the last character of code is the check digit of
// the characters before it.
func Validate(code string) bool {
	if len(code) < 2 {
		return false
	}
	want, err := CheckDigit(code[:len(code)-1])
	if err != nil {
		return false
	}
	last := code[len(code)-1]
	return last >= '0' && last <= '9' && int(last-'0') == want
}

// FormatDisplay renders a 14 character barcode as d-dddd-dddddddd-d.
func FormatDisplay(code string) (string, error) {
	if len(code) != DisplayLength {
		return "", fmt.Errorf("%w: got %d, want %d", ErrInvalidBarcodeLength, len(code), DisplayLength)
	}
	return code[0:1] + "-" + code[1:5] + "-" + code[5:13] + "-" + code[13:14], nil
}
