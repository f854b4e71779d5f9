package model

import "testing"

func TestParseDecimal(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  bool
	}{
		{"0", 0, false},
		{"1", 100_000_000, false},
		{"105.25", 10_525_000_000, false},
		{"0.00000001", 1, false},
		{"42573.99999999", 4_257_399_999_999, false},
		{"-2.5", -250_000_000, false},
		{"+2.5", 250_000_000, false},
		{".5", 50_000_000, false},
		{"7.", 700_000_000, false},
		// more than 8 fractional digits truncates
		{"1.123456789", 112_345_678, false},
		{"", 0, true},
		{".", 0, true},
		{"abc", 0, true},
		{"1.2.3", 0, true},
		{"1e5", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDecimal(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("ParseDecimal(%q): expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDecimal(%q): unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDecimal(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFormatDecimal(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{100_000_000, "1"},
		{10_525_000_000, "105.25"},
		{1, "0.00000001"},
		{-250_000_000, "-2.5"},
		{4_257_399_999_999, "42573.99999999"},
	}
	for _, tc := range cases {
		if got := FormatDecimal(tc.in); got != tc.want {
			t.Errorf("FormatDecimal(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDecimalRoundTripNoDrift(t *testing.T) {
	// Values that lose precision through float64 must survive the
	// string -> int64 -> string cycle exactly.
	for _, s := range []string{"0.1", "0.30000001", "91234567.12345678", "0.00000001"} {
		v, err := ParseDecimal(s)
		if err != nil {
			t.Fatalf("ParseDecimal(%q): %v", s, err)
		}
		if got := FormatDecimal(v); got != s {
			t.Errorf("round trip %q -> %d -> %q", s, v, got)
		}
	}
}
