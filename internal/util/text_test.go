package util

import (
	"errors"
	"testing"
)

func TestPostgresText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		limit int
		want  string
	}{
		{
			name:  "plain utf8",
			input: "hello world",
			want:  "hello world",
		},
		{
			name:  "contains null byte",
			input: "hel\x00lo",
			want:  "hello",
		},
		{
			name:  "contains invalid utf8",
			input: string([]byte{'a', 0xff, 'b'}),
			want:  "ab",
		},
		{
			name:  "cut at limit",
			input: "abcdef",
			limit: 4,
			want:  "abcd",
		},
		{
			name:  "cut keeps runes whole",
			input: "aéé",
			limit: 4,
			want:  "aé",
		},
		{
			name:  "within limit",
			input: "abc",
			limit: 10,
			want:  "abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PostgresText(tt.input, tt.limit)
			if got != tt.want {
				t.Fatalf("unexpected sanitized value: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorText(t *testing.T) {
	if got := ErrorText(nil, 10); got != "" {
		t.Fatalf("ErrorText(nil) = %q", got)
	}
	if got := ErrorText(errors.New("login failed\x00"), 0); got != "login failed" {
		t.Fatalf("ErrorText() = %q", got)
	}
}
