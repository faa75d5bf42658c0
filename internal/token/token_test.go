package token

import (
	"math/big"
	"testing"
)

func TestParseFormatRoundTrip(t *testing.T) {
	cases := []struct {
		in  string
		out string
	}{
		{"1", "1"},
		{"1.5", "1.5"},
		{"0.000000000000000001", "0.000000000000000001"},
		{"100", "100"},
		{"0.25", "0.25"},
	}

	for _, tc := range cases {
		raw, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", tc.in, err)
		}
		if got := Format(raw); got != tc.out {
			t.Errorf("Format(Parse(%q)) = %q, want %q", tc.in, got, tc.out)
		}
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "-1", "1.2.3", "abc", "1,5", "-0.5"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) should have failed", in)
		}
	}
}

func TestParseTruncatesExcessPrecision(t *testing.T) {
	// 19th decimal digit is dropped, not rounded.
	raw, err := Parse("0.0000000000000000019")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	want := big.NewInt(1)
	if raw.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", raw, want)
	}
}

func TestIsPositive(t *testing.T) {
	if IsPositive(nil) {
		t.Error("nil should not be positive")
	}
	if IsPositive(big.NewInt(0)) {
		t.Error("zero should not be positive")
	}
	if !IsPositive(big.NewInt(1)) {
		t.Error("one should be positive")
	}
}
