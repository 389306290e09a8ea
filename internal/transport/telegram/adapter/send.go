package adapter

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "pewfeed/internal/transport"
)

const (
	telegramTextLimit    = 4000
	telegramCaptionLimit = 1024
	telegramAlbumLimit   = 10
	telegramTopicName    = 128
)

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOptions(to, opt))
		if err != nil {
			return first, partial(i, mapError(err))
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendMedia sends one photo with caption, or an album with the caption on the
// first item. Captions over the platform limit are sent as a follow-up text.
func (a *Adapter) SendMedia(ctx context.Context, to kit.ChatTarget, caption string, media []string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if len(media) == 0 {
		return a.SendText(ctx, to, caption, opt)
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	if len(media) > telegramAlbumLimit {
		media = media[:telegramAlbumLimit]
	}

	inlineCaption := caption
	followUp := ""
	if utf8.RuneCountInString(caption) > telegramCaptionLimit {
		inlineCaption, followUp = "", caption
	}

	chat := &tele.Chat{ID: to.ChatID}
	var ref kit.MessageRef
	if len(media) == 1 {
		p := photo(media[0])
		p.Caption = inlineCaption
		msg, err := a.bot.Send(chat, p, sendOptions(to, opt))
		if err != nil {
			return kit.MessageRef{}, mapError(err)
		}
		ref = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
	} else {
		album := make(tele.Album, 0, len(media))
		for i, m := range media {
			p := photo(m)
			if i == 0 {
				p.Caption = inlineCaption
			}
			album = append(album, p)
		}
		msgs, err := a.bot.SendAlbum(chat, album, sendOptions(to, opt))
		if err != nil {
			return kit.MessageRef{}, mapError(err)
		}
		if len(msgs) > 0 {
			ref = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msgs[0].ID}
		}
	}

	if followUp != "" {
		if _, err := a.SendText(ctx, to, followUp, opt); err != nil {
			var pe *kit.PartialSendError
			if errors.As(err, &pe) {
				return ref, partial(pe.Sent+1, pe.Cause)
			}
			return ref, partial(1, err)
		}
	}
	return ref, nil
}

// CreateTopic creates a forum topic and returns its thread id.
func (a *Adapter) CreateTopic(ctx context.Context, chatID int64, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("topic name is empty")
	}
	if rs := []rune(name); len(rs) > telegramTopicName {
		name = string(rs[:telegramTopicName])
	}
	topic, err := a.bot.CreateTopic(&tele.Chat{ID: chatID}, &tele.Topic{Name: name})
	if err != nil {
		return 0, mapError(err)
	}
	if topic == nil || topic.ThreadID == 0 {
		return 0, errors.New("telegram returned no thread id for new topic")
	}
	return topic.ThreadID, nil
}

// partial marks err as a partial send when sent parts already went out.
func partial(sent int, err error) error {
	if sent == 0 || err == nil {
		return err
	}
	return &kit.PartialSendError{Sent: sent, Cause: err}
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
}

func photo(ref string) *tele.Photo {
	if id, ok := strings.CutPrefix(ref, kit.MediaFilePrefix); ok {
		return &tele.Photo{File: tele.File{FileID: id}}
	}
	return &tele.Photo{File: tele.FromURL(ref)}
}

// mapError translates telebot errors into the transport error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &kit.RateLimitedError{RetryAfter: time.Duration(fe.RetryAfter) * time.Second, Err: err}
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return &kit.RateLimitedError{RetryAfter: time.Duration(fp.RetryAfter) * time.Second, Err: err}
	}
	return classifyDescription(err)
}

// classifyDescription maps Bot API error descriptions that telebot does not
// expose as typed errors.
func classifyDescription(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many requests"):
		return &kit.RateLimitedError{Err: err}
	case strings.Contains(msg, "message thread not found"),
		strings.Contains(msg, "topic_deleted"),
		strings.Contains(msg, "topic was deleted"):
		return errors.Join(kit.ErrSubchannelGone, err)
	case strings.Contains(msg, "chat is not a forum"),
		strings.Contains(msg, "not enough rights to create a topic"),
		strings.Contains(msg, "not enough rights to manage topics"),
		strings.Contains(msg, "method is available only for supergroups"):
		return errors.Join(kit.ErrSubchannelUnsupported, err)
	default:
		return err
	}
}
