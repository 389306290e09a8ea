package feed

import (
	"html"
	"strconv"
	"strings"
	"time"
)

// PreviewRunes caps the post text included in a notification.
const PreviewRunes = 200

const dateLayout = "02 January, 15:04 UTC"

// Notification renders an event as Telegram HTML.
// When tag is non-empty the message is prefixed with it so readers of a
// shared chat can tell projects apart.
func Notification(e Event, tag string, now time.Time) string {
	var b strings.Builder
	if tag = strings.TrimSpace(tag); tag != "" {
		b.WriteString("<b>[")
		b.WriteString(html.EscapeString(tag))
		b.WriteString("]</b>\n")
	}
	b.WriteString(header(e.Platform))
	b.WriteString("\n")

	author := e.Author
	if author == "" {
		author = e.SourceID
	}
	b.WriteString("• Profile: @")
	b.WriteString(html.EscapeString(author))
	b.WriteString("\n")
	if name := strings.TrimSpace(e.AuthorName); name != "" && !strings.EqualFold(name, author) {
		b.WriteString("• Author: ")
		b.WriteString(html.EscapeString(name))
		b.WriteString("\n")
	}
	if !e.CreatedAt.IsZero() {
		b.WriteString("• Date: ")
		b.WriteString(e.CreatedAt.UTC().Format(dateLayout))
		b.WriteString(" (")
		b.WriteString(TimeAgo(e.CreatedAt, now))
		b.WriteString(")\n")
	}
	if t := strings.TrimSpace(e.Text); t != "" {
		b.WriteString("• Text: ")
		b.WriteString(html.EscapeString(TruncRunes(t, PreviewRunes)))
		b.WriteString("\n")
	}
	if e.URL != "" {
		b.WriteString(`🔗 <a href="`)
		b.WriteString(html.EscapeString(e.URL))
		b.WriteString(`">Open post</a>`)
	}
	if n := len(e.Media); n > 0 {
		b.WriteString("\n📷 Media: ")
		b.WriteString(strconv.Itoa(n))
	}
	return strings.TrimRight(b.String(), "\n")
}

func header(p Platform) string {
	switch p {
	case PlatformTwitter:
		return "🐦 <b>New post on X</b>"
	case PlatformTelegram:
		return "📣 <b>New channel post</b>"
	default:
		return "🔔 <b>New post</b>"
	}
}

// TimeAgo renders the distance between t and now in the coarsest unit.
func TimeAgo(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 0:
		return "just now"
	case d < time.Minute:
		return plural(int(d/time.Second), "second") + " ago"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute") + " ago"
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour") + " ago"
	default:
		return plural(int(d/(24*time.Hour)), "day") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}

// TruncRunes cuts s to at most n runes, appending "..." when it was cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "..."
}
