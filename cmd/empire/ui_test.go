package main

import "testing"

func TestComma(t *testing.T) {
	for in, want := range map[int64]string{
		0:          "0",
		999:        "999",
		1000:       "1,000",
		-1234567:   "-1,234,567",
		100000:     "100,000",
		9223372036: "9,223,372,036",
	} {
		if got := comma(in); got != want {
			t.Errorf("comma(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  Acme Holdings  ", 8); got != "Acme ..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("abc", 2); got != "ab" {
		t.Fatalf("truncate short = %q", got)
	}
}

func TestDecodeIntoSummary(t *testing.T) {
	raw := map[string]any{
		"date":    "2026-03-01",
		"skipped": []any{float64(4)},
		"failed":  []any{map[string]any{"company_id": float64(2), "error": "boom"}},
	}
	if err := renderSettlement(raw); err != nil {
		t.Fatal(err)
	}
}
