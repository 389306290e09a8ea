package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

// NormalizeSourceID reduces the different ways users write an account to one id:
// "@Name", "https://x.com/Name", "x.com/Name/status/1", "t.me/name" all
// become "name".
func NormalizeSourceID(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil && u.Host != "" {
			s = u.Path
		}
	} else if i := strings.IndexByte(s, '/'); i > 0 && strings.Contains(s[:i], ".") {
		// host without scheme, e.g. "x.com/name"
		s = s[i:]
	}
	s = strings.Trim(s, "/")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimLeft(s, "@")
	return strings.ToLower(strings.TrimSpace(s))
}

var spaceRun = regexp.MustCompile(`\s+`)

// NormalizeText trims and collapses whitespace runs to a single space.
func NormalizeText(text string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(text, " "))
}

const contentHashLen = 32

// ContentHash fingerprints an event's content: a hex SHA-256 prefix over the
// normalized source id and normalized text. Empty text has no fingerprint.
func ContentHash(sourceID, text string) string {
	t := NormalizeText(text)
	if t == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(NormalizeSourceID(sourceID) + "\x00" + t))
	return hex.EncodeToString(sum[:])[:contentHashLen]
}

// Normalize fills derived fields and canonicalizes the source id in place.
func (e *Event) Normalize() {
	e.SourceID = NormalizeSourceID(e.SourceID)
	if e.ContentHash == "" {
		e.ContentHash = ContentHash(e.SourceID, e.Text)
	}
}
