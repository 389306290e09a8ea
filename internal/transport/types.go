package transport

import (
	"context"
	"time"
)

type UpdateKind string

const (
	UpdateChannelPost UpdateKind = "channel_post"
)

type Update struct {
	Kind        UpdateKind
	ChannelPost *ChannelPost
}

// ChannelPost is a post published in a channel the bot is a member of.
type ChannelPost struct {
	ChatID    int64
	Username  string // channel @username without "@", empty for private channels
	Title     string
	MessageID int
	AlbumID   string
	Text      string // text or caption
	PhotoIDs  []string
	At        time.Time
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// MediaFilePrefix marks a media ref that is a platform file id rather than a URL.
const MediaFilePrefix = "tgfile:"

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// SendMedia sends photos (URLs or MediaFilePrefix refs) with caption as one message or album.
	SendMedia(ctx context.Context, to ChatTarget, caption string, media []string, opt *SendOptions) (MessageRef, error)
	// CreateTopic creates a forum topic in chatID and returns its thread id.
	CreateTopic(ctx context.Context, chatID int64, name string) (int, error)
}
