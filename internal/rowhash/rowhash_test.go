package rowhash

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"
)

func hexOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestRow_Canonicalization(t *testing.T) {
	t.Parallel()

	ts := time.Date(2023, 4, 5, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		values []any
		want   string
	}{
		{"strings concatenate in order", []any{"a", "b", "c"}, hexOf("abc")},
		{"nil hashes like empty", []any{"a", nil, "c"}, hexOf("ac")},
		{"bytes and strings agree", []any{[]byte("ab"), "c"}, hexOf("abc")},
		{"integers", []any{int64(42), 7}, hexOf("427")},
		{"floats use shortest form", []any{float64(1.5)}, hexOf("1.5")},
		{"bool", []any{true, false}, hexOf("truefalse")},
		{"time uses staging layout", []any{ts}, hexOf("2023-04-05 10:30:00")},
		{"empty row", nil, hexOf("")},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Row(tt.values)
			if got != tt.want {
				t.Fatalf("Row() = %s, want %s", got, tt.want)
			}
			if len(got) != Size {
				t.Fatalf("len = %d, want %d", len(got), Size)
			}
		})
	}
}

func TestRow_Deterministic(t *testing.T) {
	t.Parallel()

	v := []any{"x", int64(1), 2.5, nil}
	if Row(v) != Row(v) {
		t.Fatal("same values hashed differently")
	}
}

func TestRow_OrderSensitive(t *testing.T) {
	t.Parallel()

	if Row([]any{"a", "b"}) == Row([]any{"b", "a"}) {
		t.Fatal("expected different hashes for reordered values")
	}
}

func TestStrings_MatchesRow(t *testing.T) {
	t.Parallel()

	cells := []string{"alpha", "", "42"}
	asAny := []any{"alpha", "", "42"}
	if Strings(cells) != Row(asAny) {
		t.Fatal("Strings and Row disagree on identical text cells")
	}
}
