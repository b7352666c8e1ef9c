package idgen

import "fmt"

// LuhnCheckDigit computes the mod-10 check digit for a string of decimal digits.
func LuhnCheckDigit(digits string) (int, error) {
	sum := 0
	double := true
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("luhn: non-digit %q at position %d", c, i)
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return (10 - sum%10) % 10, nil
}

// LuhnValid reports whether the last digit of s is a correct check digit for
// the digits before it.
func LuhnValid(s string) bool {
	if len(s) < 2 {
		return false
	}
	want, err := LuhnCheckDigit(s[:len(s)-1])
	if err != nil {
		return false
	}
	last := s[len(s)-1]
	return last >= '0' && last <= '9' && int(last-'0') == want
}
