package order

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSymbolConstraintsValidate(t *testing.T) {
	c := SymbolConstraints{
		TickSize:    d("0.01"),
		StepSize:    d("0.001"),
		MinQty:      d("0.001"),
		MaxQty:      d("100"),
		MinNotional: d("5"),
	}
	cases := []struct {
		name    string
		price   string
		qty     string
		wantErr bool
	}{
		{"aligned", "100.01", "0.05", false},
		{"bad tick", "100.015", "0.05", true},
		{"bad step", "100.01", "0.0015", true},
		{"below min qty", "100", "0.0001", true},
		{"above max qty", "1", "101", true},
		{"below min notional", "100", "0.01", true},
		{"market skips price", "0", "0.002", false},
	}
	for _, tc := range cases {
		err := c.Validate(d(tc.price), d(tc.qty))
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestSymbolConstraintsZeroValueAllowsAnything(t *testing.T) {
	var c SymbolConstraints
	if err := c.Validate(d("123.456789"), d("0.0000001")); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !isMultiple(d("3"), decimal.Zero) {
		t.Fatalf("zero step should accept any value")
	}
}
