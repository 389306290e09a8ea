package feed

import (
	"strconv"
	"strings"
	"time"
)

// Platform names a content source platform.
type Platform string

const (
	PlatformTwitter  Platform = "twitter"
	PlatformTelegram Platform = "telegram"
)

// ParsePlatform accepts the platform names used in config and project documents.
func ParsePlatform(s string) (Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "twitter", "x":
		return PlatformTwitter, true
	case "telegram", "tg":
		return PlatformTelegram, true
	default:
		return "", false
	}
}

// SourceKey identifies one watched account on one platform.
// ID is always normalized (see NormalizeSourceID).
type SourceKey struct {
	Platform Platform
	ID       string
}

func (k SourceKey) String() string { return string(k.Platform) + "|" + k.ID }

// ParseSourceKey is the inverse of SourceKey.String.
func ParseSourceKey(s string) (SourceKey, bool) {
	p, id, ok := strings.Cut(s, "|")
	if !ok || p == "" || id == "" {
		return SourceKey{}, false
	}
	return SourceKey{Platform: Platform(p), ID: id}, true
}

// Event is one candidate notification produced by a monitor.
//
// EventID is the platform's post id and is not stable across reissues;
// ContentHash is the secondary identity used to catch those.
type Event struct {
	Platform    Platform
	SourceID    string
	EventID     string
	ContentHash string

	Author     string // handle / username
	AuthorName string // display name
	Text       string
	URL        string
	Media      []string // media refs: URLs or "tgfile:<id>"
	CreatedAt  time.Time
}

func (e Event) Source() SourceKey { return SourceKey{Platform: e.Platform, ID: e.SourceID} }

// Subscription binds a subscriber's project to a watched source and a destination chat.
type Subscription struct {
	SubscriberID   int64
	ProjectID      string
	ProjectName    string
	Platform       Platform
	SourceID       string
	Destination    int64
	UseSubchannels bool
}

// RouteKey returns the route-mapping key for this subscription.
func (s Subscription) RouteKey() RouteKey {
	return RouteKey{SubscriberID: s.SubscriberID, ProjectID: s.ProjectID, Destination: s.Destination}
}

// Label is the human readable project name used for sub-channel names and tags.
func (s Subscription) Label() string {
	if n := strings.TrimSpace(s.ProjectName); n != "" {
		return n
	}
	return s.ProjectID
}

// RouteKey identifies one (subscriber, project, destination) routing slot.
type RouteKey struct {
	SubscriberID int64
	ProjectID    string
	Destination  int64
}

func (k RouteKey) String() string {
	return strconv.FormatInt(k.SubscriberID, 10) + "|" + k.ProjectID + "|" + strconv.FormatInt(k.Destination, 10)
}

// ParseRouteKey is the inverse of RouteKey.String.
func ParseRouteKey(s string) (RouteKey, bool) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 || parts[1] == "" {
		return RouteKey{}, false
	}
	sub, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return RouteKey{}, false
	}
	dest, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return RouteKey{}, false
	}
	return RouteKey{SubscriberID: sub, ProjectID: parts[1], Destination: dest}, true
}
