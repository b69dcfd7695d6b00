package amount

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one token", "1.00", 1_000_000},
		{"fifty cents", "0.50", 500_000},
		{"stake", "10000", 10_000_000_000},
		{"smallest unit", "0.000001", 1},
		{"short frac", "1.5", 1_500_000},
		{"truncated frac", "1.1234567", 1_123_456},
		{"leading dot", ".25", 250_000},
		{"empty", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"-1", "+1", "1.2.3", "abc", "1,000"} {
		if _, ok := Parse(in); ok {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
}

func TestParseRaw(t *testing.T) {
	v, ok := ParseRaw("10100000000")
	if !ok || v.Cmp(big.NewInt(10_100_000_000)) != 0 {
		t.Fatalf("ParseRaw mismatch: %v %v", v, ok)
	}
	if _, ok := ParseRaw("-5"); ok {
		t.Fatal("negative raw amount should fail")
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   *big.Int
		want string
	}{
		{nil, "0.000000"},
		{big.NewInt(1), "0.000001"},
		{big.NewInt(1_500_000), "1.500000"},
		{Units(10_100), "10100.000000"},
		{big.NewInt(-2_000_000), "-2.000000"},
	}
	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMulBPS(t *testing.T) {
	// 1% of 10,000 tokens.
	if got := MulBPS(Units(10_000), 100); got.Cmp(Units(100)) != 0 {
		t.Fatalf("expected 100 tokens, got %s", Format(got))
	}
	// floor(999 × 1 / 10000) = 0
	if got := MulBPS(big.NewInt(999), 1); got.Sign() != 0 {
		t.Fatalf("expected floor to zero, got %s", got)
	}
	if got := MulBPS(big.NewInt(12345), MaxBPS); got.Cmp(big.NewInt(12345)) != 0 {
		t.Fatalf("100%% should be identity, got %s", got)
	}
	if MulBPS(nil, 100).Sign() != 0 {
		t.Fatal("nil should be zero")
	}
}

func TestProRata(t *testing.T) {
	// 100 split 1:2 floors to 33 / 66.
	total := big.NewInt(100)
	whole := big.NewInt(3)
	if got := ProRata(total, big.NewInt(1), whole); got.Int64() != 33 {
		t.Fatalf("expected 33, got %s", got)
	}
	if got := ProRata(total, big.NewInt(2), whole); got.Int64() != 66 {
		t.Fatalf("expected 66, got %s", got)
	}
	if got := ProRata(total, big.NewInt(2), big.NewInt(0)); got.Sign() != 0 {
		t.Fatalf("expected zero for empty pool, got %s", got)
	}
}
