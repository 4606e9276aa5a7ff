package types

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMoneyConstructors(t *testing.T) {
	tests := []struct {
		name     string
		money    Money
		amount   int64
		currency string
		display  string
	}{
		{"USD", USD(4900), 4900, "usd", "$49.00"},
		{"EUR", EUR(19900), 19900, "eur", "€199.00"},
		{"GBP", GBP(9900), 9900, "gbp", "£99.00"},
		{"JPY", JPY(750), 750, "jpy", "¥750"},
		{"New normalises", New(500, " JPY "), 500, "jpy", "¥500"},
		{"Zero EUR", Zero("EUR"), 0, "eur", "€0.00"},
		{"Unknown currency", New(1234, "chf"), 1234, "chf", "CHF 12.34"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.money.Amount != tt.amount {
				t.Errorf("Amount: got %d, want %d", tt.money.Amount, tt.amount)
			}
			if tt.money.Currency != tt.currency {
				t.Errorf("Currency: got %s, want %s", tt.money.Currency, tt.currency)
			}
			if tt.money.String() != tt.display {
				t.Errorf("Display: got %s, want %s", tt.money.String(), tt.display)
			}
		})
	}
}

func TestMoneyArithmetic(t *testing.T) {
	if got := JPY(750).Add(JPY(250)); !got.Equal(JPY(1000)) {
		t.Errorf("Add: got %v", got)
	}
	if got := USD(499).Multiply(3); !got.Equal(USD(1497)) {
		t.Errorf("Multiply: got %v", got)
	}
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for currency mismatch")
		}
	}()

	_ = USD(100).Add(JPY(100))
}

func TestMoneyValidate(t *testing.T) {
	tests := []struct {
		name    string
		money   Money
		wantErr bool
	}{
		{"valid", JPY(750), false},
		{"zero", JPY(0), true},
		{"negative", USD(-1), true},
		{"bad currency", New(100, "yen"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.money.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidMoney) {
				t.Errorf("expected ErrInvalidMoney, got %v", err)
			}
		})
	}
}

func TestMoneyFormatMajor(t *testing.T) {
	tests := []struct {
		money    Money
		expected string
	}{
		{USD(4900), "49.00"},
		{USD(1), "0.01"},
		{USD(0), "0.00"},
		{USD(-4900), "-49.00"},
		{EUR(9999), "99.99"},
		{JPY(750), "750"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.money.FormatMajor(); got != tt.expected {
				t.Errorf("FormatMajor: got %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(JPY(750))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal raw failed: %v", err)
	}
	if raw["display"] != "¥750" {
		t.Errorf("display: got %v", raw["display"])
	}

	var decoded Money
	if err := json.Unmarshal([]byte(`{"amount":750,"currency":"JPY","display":"ignored"}`), &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !decoded.Equal(JPY(750)) {
		t.Errorf("decoded: got %v, want %v", decoded, JPY(750))
	}
}
