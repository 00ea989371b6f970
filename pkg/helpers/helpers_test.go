package helpers

import "testing"

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{150, 2, "1.5"},
		{100, 2, "1"},
		{5, 2, "0.05"},
		{1, 2, "0.01"},
		{0, 2, "0"},
		{123, 0, "123"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := FormatAmount(tt.amount, tt.decimals)
			if got != tt.want {
				t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{"1.5", 2, 150, false},
		{"1", 2, 100, false},
		{"0.05", 2, 5, false},
		{"0", 2, 0, false},
		{"123", 0, 123, false},
		{"invalid", 2, 0, true},
		{"1.2.3", 2, 0, true},
		{"", 2, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseAmount(%s, %d) = %d, want %d", tt.input, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestFormatParseRoundtrip(t *testing.T) {
	amounts := []uint64{1, 100, 12345, 999999}

	for _, amount := range amounts {
		formatted := FormatAmount(amount, 2)
		parsed, err := ParseAmount(formatted, 2)
		if err != nil {
			t.Errorf("ParseAmount(%s) failed: %v", formatted, err)
			continue
		}
		if parsed != amount {
			t.Errorf("roundtrip failed: %d -> %s -> %d", amount, formatted, parsed)
		}
	}
}

func TestFormatSigned(t *testing.T) {
	tests := []struct {
		amount int64
		want   string
	}{
		{150, "1.5"},
		{-150, "-1.5"},
		{0, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatSigned(tt.amount, 2); got != tt.want {
				t.Errorf("FormatSigned(%d) = %s, want %s", tt.amount, got, tt.want)
			}
		})
	}
}
