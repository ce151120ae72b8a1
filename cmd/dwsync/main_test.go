package main

import "testing"

func TestParseDelimiter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    rune
		wantErr bool
	}{
		{name: "pipe", in: "|", want: '|'},
		{name: "semicolon", in: ";", want: ';'},
		{name: "tab", in: "\t", want: '\t'},
		{name: "multibyte_rune", in: "§", want: '§'},
		{name: "empty", in: "", wantErr: true},
		{name: "two_chars", in: "||", wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseDelimiter(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseDelimiter(%q) = %q, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDelimiter(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("parseDelimiter(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
