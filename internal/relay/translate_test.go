package relay

import (
	"strings"
	"testing"
)

func TestToTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "hello world", "hello world"},
		{"spoiler", "the ending: ||he dies||", "the ending: !!he dies!!"},
		{"multiline spoiler", "||line one\nline two||", "!!line one\nline two!!"},
		{"user mention", "hey <@123456789>", "hey @unknown-user"},
		{"nick mention", "hey <@!123456789>", "hey @unknown-user"},
		{"channel mention", "see <#987654321>", "see #unknown-channel"},
		{"role mention", "ping <@&55555>", "ping @unknown-role"},
		{"custom emoji", "nice <:blobwave:112233>", "nice :blobwave:"},
		{"animated emoji", "party <a:dance:445566>", "party :dance:"},
		{"timestamp", "<t:1700000000>", "2023-11-14T22:13:20Z"},
		{"styled timestamp", "<t:1700000000:R>", "2023-11-14T22:13:20Z"},
		{"bold passthrough", "**loud** and _quiet_", "**loud** and _quiet_"},
		{"mixed", "||<@1>|| in <#2>", "!!@unknown-user!! in #unknown-channel"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ToTarget(tt.in); got != tt.want {
				t.Errorf("ToTarget(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestToSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "hello world", "hello world"},
		{"spoiler", "!!secret!!", "||secret||"},
		{"user mention", "hey <@01ARZ3NDEKTSV4RRFFQ69G5FAV>", "hey @unknown-user"},
		{"channel mention", "see <#01BRZ3NDEKTSV4RRFFQ69G5FAV>", "see #unknown-channel"},
		{"short id ignored", "<@ABC123>", "<@ABC123>"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ToSource(tt.in); got != tt.want {
				t.Errorf("ToSource(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSpoilerRoundTrip(t *testing.T) {
	t.Parallel()

	const original = "before ||the secret|| after"
	relayed := ToTarget(original)
	if back := ToSource(relayed); back != original {
		t.Errorf("round trip = %q, want %q", back, original)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 2500)
	got := ToTarget(long)
	if runes := []rune(got); len(runes) != maxContentLen {
		t.Errorf("truncated length = %d, want %d", len(runes), maxContentLen)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated content missing marker: %q", got[len(got)-10:])
	}

	// Multi-byte runes must not be split mid-sequence.
	wide := strings.Repeat("日", 2100)
	got = ToTarget(wide)
	runes := []rune(got)
	if len(runes) != maxContentLen {
		t.Errorf("wide truncated length = %d, want %d", len(runes), maxContentLen)
	}
	for i, r := range runes[:truncateKeep] {
		if r != '日' {
			t.Fatalf("rune %d corrupted: %q", i, r)
		}
	}

	exact := strings.Repeat("b", 2000)
	if got := ToTarget(exact); got != exact {
		t.Error("content at the limit must pass through unchanged")
	}
}
