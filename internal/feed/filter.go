package feed

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MinTextRunes is the shortest text accepted for a post that carries no media.
const MinTextRunes = 5

var statusLinkRe = regexp.MustCompile(`(?i)https?://(?:www\.)?(?:twitter\.com|x\.com)/(\w+)/status/\d+`)

// HasForeignStatusLink reports whether text links to a status of an account
// other than sourceID. Such posts are quotes or replies of somebody else's
// content and are not forwarded.
func HasForeignStatusLink(text, sourceID string) bool {
	own := NormalizeSourceID(sourceID)
	for _, m := range statusLinkRe.FindAllStringSubmatch(text, -1) {
		if len(m) < 2 {
			continue
		}
		if !strings.EqualFold(m[1], own) {
			return true
		}
	}
	return false
}

// Substantive reports whether a post is worth forwarding on its own:
// either it has media or enough text.
func Substantive(text string, media int) bool {
	if media > 0 {
		return true
	}
	return utf8.RuneCountInString(strings.TrimSpace(text)) >= MinTextRunes
}
