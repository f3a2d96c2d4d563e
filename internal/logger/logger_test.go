package logger

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestFromContextRoundTrip(t *testing.T) {
	base := zerolog.New(nil).With().Str("component", "test").Logger()
	ctx := WithContext(context.Background(), base)

	got := FromContext(ctx)
	if got.GetLevel() != base.GetLevel() {
		t.Errorf("context logger level = %v, want %v", got.GetLevel(), base.GetLevel())
	}

	// Contexts without a logger yield a disabled one, never a panic.
	if lvl := FromContext(context.Background()).GetLevel(); lvl != zerolog.Disabled {
		t.Errorf("bare context logger level = %v, want disabled", lvl)
	}
	if lvl := FromContext(nil).GetLevel(); lvl != zerolog.Disabled {
		t.Errorf("nil context logger level = %v, want disabled", lvl)
	}
}

func TestTruncateID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"short", "short"},
		{"exactly12chr", "exactly12chr"},
		{"2024010112345678901", "202401..8901"},
		{"ch_1GqIC8HYgolSBA35", "ch_1Gq..BA35"},
	}
	for _, tt := range tests {
		if got := TruncateID(tt.in); got != tt.want {
			t.Errorf("TruncateID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactEmail(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"ops@example.com", "o***@example.com"},
		{"a@b.cn", "a***@b.cn"},
		{"not-an-email", "[redacted]"},
		{"@nodomain", "[redacted]"},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
