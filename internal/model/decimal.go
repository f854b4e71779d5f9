package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Prices and volumes travel on the wire as decimal strings. They are stored
// as int64 in 1e-8 minor units; parsing goes digit-by-digit so no value ever
// round-trips through a binary float.

// DecimalScale is the number of fractional digits carried in minor units.
const DecimalScale = 8

const scaleFactor = int64(100_000_000)

// ParseDecimal converts a decimal string like "105.25" into 1e-8 minor units.
// Fractional digits beyond the 8th are truncated (the upstream never sends
// more than 8).
func ParseDecimal(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty decimal")
	}
	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		s = s[1:]
	}
	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" && fracPart == "" {
		return 0, fmt.Errorf("malformed decimal %q", s)
	}
	var v int64
	if intPart != "" {
		n, err := strconv.ParseInt(intPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed decimal %q: %w", s, err)
		}
		v = n * scaleFactor
	}
	if fracPart != "" {
		if len(fracPart) > DecimalScale {
			fracPart = fracPart[:DecimalScale]
		}
		f, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed decimal %q: %w", s, err)
		}
		for i := len(fracPart); i < DecimalScale; i++ {
			f *= 10
		}
		v += f
	}
	if neg {
		v = -v
	}
	return v, nil
}

// FormatDecimal renders minor units back to a decimal string with trailing
// zeros trimmed, e.g. 10525000000 -> "105.25".
func FormatDecimal(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	intPart := v / scaleFactor
	frac := v % scaleFactor
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteString(strconv.FormatInt(intPart, 10))
	if frac > 0 {
		fs := strconv.FormatInt(frac, 10)
		for len(fs) < DecimalScale {
			fs = "0" + fs
		}
		fs = strings.TrimRight(fs, "0")
		b.WriteByte('.')
		b.WriteString(fs)
	}
	return b.String()
}
