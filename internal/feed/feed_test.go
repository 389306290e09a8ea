package feed

import (
	"strings"
	"testing"
	"time"
)

func TestNormalizeSourceID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "GoKiteAI", want: "gokiteai"},
		{raw: "@GoKiteAI", want: "gokiteai"},
		{raw: "  @@Name  ", want: "name"},
		{raw: "https://x.com/GoKiteAI", want: "gokiteai"},
		{raw: "https://twitter.com/GoKiteAI/status/123?s=20", want: "gokiteai"},
		{raw: "x.com/GoKiteAI", want: "gokiteai"},
		{raw: "https://t.me/SomeChannel", want: "somechannel"},
		{raw: "t.me/somechannel/42", want: "somechannel"},
		{raw: "", want: ""},
	}
	for _, tt := range tests {
		if got := NormalizeSourceID(tt.raw); got != tt.want {
			t.Fatalf("NormalizeSourceID(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestContentHashStableAcrossWhitespaceAndHandleForms(t *testing.T) {
	t.Parallel()
	a := ContentHash("@Acct1", "Launch  day!\n\nJoin us")
	b := ContentHash("acct1", " Launch day! Join us ")
	if a == "" || a != b {
		t.Fatalf("hashes differ: %q vs %q", a, b)
	}
	if len(a) != contentHashLen {
		t.Fatalf("len = %d, want %d", len(a), contentHashLen)
	}
	if c := ContentHash("acct2", "Launch day! Join us"); c == a {
		t.Fatal("hash must depend on source")
	}
	if ContentHash("acct1", "   ") != "" {
		t.Fatal("blank text must have no fingerprint")
	}
}

func TestEventNormalize(t *testing.T) {
	t.Parallel()
	e := Event{Platform: PlatformTwitter, SourceID: "@Acct1", EventID: "1", Text: "hello world"}
	e.Normalize()
	if e.SourceID != "acct1" {
		t.Fatalf("SourceID = %q", e.SourceID)
	}
	if e.ContentHash != ContentHash("acct1", "hello world") {
		t.Fatalf("ContentHash = %q", e.ContentHash)
	}
	if e.Source().String() != "twitter|acct1" {
		t.Fatalf("Source = %s", e.Source())
	}
}

func TestHasForeignStatusLink(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		want bool
	}{
		{name: "no links", text: "just text", want: false},
		{name: "own link", text: "see https://x.com/GoKiteAI/status/1", want: false},
		{name: "own link other case", text: "https://twitter.com/gokiteai/status/99", want: false},
		{name: "foreign link", text: "lol https://x.com/elonmusk/status/123", want: true},
		{name: "mixed", text: "https://x.com/gokiteai/status/1 https://twitter.com/other/status/2", want: true},
		{name: "profile link only", text: "follow https://x.com/other", want: false},
	}
	for _, tt := range tests {
		if got := HasForeignStatusLink(tt.text, "@GoKiteAI"); got != tt.want {
			t.Fatalf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSubstantive(t *testing.T) {
	t.Parallel()
	if Substantive("gm", 0) {
		t.Fatal("short text without media should be skipped")
	}
	if !Substantive("gm", 1) {
		t.Fatal("media makes a post substantive")
	}
	if !Substantive("hello", 0) {
		t.Fatal("five runes is enough")
	}
}

func TestKeysRoundTrip(t *testing.T) {
	t.Parallel()
	rk := RouteKey{SubscriberID: 42, ProjectID: "kite", Destination: -1001234}
	got, ok := ParseRouteKey(rk.String())
	if !ok || got != rk {
		t.Fatalf("ParseRouteKey(%q) = %+v, %v", rk.String(), got, ok)
	}
	if _, ok := ParseRouteKey("bad"); ok {
		t.Fatal("expected parse failure")
	}
	sk := SourceKey{Platform: PlatformTelegram, ID: "chan"}
	if got, ok := ParseSourceKey(sk.String()); !ok || got != sk {
		t.Fatalf("ParseSourceKey = %+v, %v", got, ok)
	}
}

func TestNotificationFormat(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e := Event{
		Platform:   PlatformTwitter,
		SourceID:   "acct1",
		Author:     "Acct1",
		AuthorName: "Account <One>",
		Text:       strings.Repeat("a", 250),
		URL:        "https://x.com/Acct1/status/1",
		Media:      []string{"u1", "u2"},
		CreatedAt:  now.Add(-3 * time.Hour),
	}
	got := Notification(e, "Kite", now)
	for _, want := range []string{
		"<b>[Kite]</b>",
		"@Acct1",
		"Account &lt;One&gt;",
		"01 March, 09:00 UTC (3 hours ago)",
		strings.Repeat("a", PreviewRunes) + "...",
		`href="https://x.com/Acct1/status/1"`,
		"📷 Media: 2",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("notification missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(Notification(e, "", now), "[Kite]") {
		t.Fatal("untagged notification must not carry a tag")
	}
}

func TestTimeAgo(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		d    time.Duration
		want string
	}{
		{d: -time.Second, want: "just now"},
		{d: time.Second, want: "1 second ago"},
		{d: 5 * time.Minute, want: "5 minutes ago"},
		{d: 2 * time.Hour, want: "2 hours ago"},
		{d: 72 * time.Hour, want: "3 days ago"},
	}
	for _, tt := range tests {
		if got := TimeAgo(now.Add(-tt.d), now); got != tt.want {
			t.Fatalf("TimeAgo(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
