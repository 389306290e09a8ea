// Package tgchannel turns channel posts seen by the Telegram adapter into events.
package tgchannel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"pewfeed/internal/feed"
	"pewfeed/internal/transport"
	logx "pewfeed/pkg/logx"
)

const DefaultBuffer = 1024

// Monitor buffers channel posts between polls. When the buffer is full the
// oldest post is dropped.
type Monitor struct {
	log logx.Logger

	mu      sync.Mutex
	buf     []transport.ChannelPost
	cap     int
	dropped atomic.Uint64
}

func New(capacity int, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if capacity <= 0 {
		capacity = DefaultBuffer
	}
	return &Monitor{log: log.With(logx.String("comp", "monitor.tgchannel")), cap: capacity}
}

func (m *Monitor) Name() string            { return "telegram_channels" }
func (m *Monitor) Platform() feed.Platform { return feed.PlatformTelegram }

// Dropped is the number of posts discarded because the buffer was full.
func (m *Monitor) Dropped() uint64 { return m.dropped.Load() }

// Offer buffers one post.
func (m *Monitor) Offer(p transport.ChannelPost) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buf) >= m.cap {
		m.buf = m.buf[1:]
		if n := m.dropped.Add(1); n == 1 || n%100 == 0 {
			m.log.Warn("channel post buffer full; dropping oldest", logx.Uint64("dropped", n))
		}
	}
	m.buf = append(m.buf, p)
}

// Run feeds channel posts from in until ctx is done or in is closed.
func (m *Monitor) Run(ctx context.Context, in <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-in:
			if !ok {
				return nil
			}
			if up.Kind == transport.UpdateChannelPost && up.ChannelPost != nil {
				m.Offer(*up.ChannelPost)
			}
		}
	}
}

// Poll drains the buffer. Parts of one album that arrive in the same drain
// are merged into a single event.
func (m *Monitor) Poll(ctx context.Context) ([]feed.Event, error) {
	m.mu.Lock()
	posts := m.buf
	m.buf = nil
	m.mu.Unlock()

	var (
		out    []feed.Event
		albums = map[string]int{}
	)
	for _, p := range posts {
		if p.AlbumID != "" {
			key := strconv.FormatInt(p.ChatID, 10) + "/" + p.AlbumID
			if i, ok := albums[key]; ok {
				mergeAlbumPart(&out[i], p)
				continue
			}
			albums[key] = len(out)
		}
		out = append(out, toEvent(p))
	}

	events := out[:0]
	for _, e := range out {
		if !feed.Substantive(e.Text, len(e.Media)) {
			continue
		}
		e.Normalize()
		events = append(events, e)
	}
	return events, nil
}

func mergeAlbumPart(e *feed.Event, p transport.ChannelPost) {
	for _, id := range p.PhotoIDs {
		e.Media = append(e.Media, transport.MediaFilePrefix+id)
	}
	if e.Text == "" && p.Text != "" {
		e.Text = p.Text
	}
}

// SourceID is the channel username, or "c<chat id>" for channels without one.
func SourceID(p transport.ChannelPost) string {
	if u := strings.TrimSpace(p.Username); u != "" {
		return strings.ToLower(strings.TrimPrefix(u, "@"))
	}
	return "c" + strconv.FormatInt(p.ChatID, 10)
}

func toEvent(p transport.ChannelPost) feed.Event {
	e := feed.Event{
		Platform:   feed.PlatformTelegram,
		SourceID:   SourceID(p),
		EventID:    strconv.FormatInt(p.ChatID, 10) + ":" + strconv.Itoa(p.MessageID),
		Author:     p.Username,
		AuthorName: p.Title,
		Text:       p.Text,
		URL:        postURL(p),
		CreatedAt:  p.At,
	}
	if p.AlbumID != "" {
		e.EventID = strconv.FormatInt(p.ChatID, 10) + ":album:" + p.AlbumID
	}
	for _, id := range p.PhotoIDs {
		e.Media = append(e.Media, transport.MediaFilePrefix+id)
	}
	return e
}

func postURL(p transport.ChannelPost) string {
	if p.Username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(p.Username, "@"), p.MessageID)
	}
	// Private channel ids carry a -100 prefix that t.me/c links omit.
	id := strconv.FormatInt(p.ChatID, 10)
	id = strings.TrimPrefix(id, "-100")
	return fmt.Sprintf("https://t.me/c/%s/%d", strings.TrimPrefix(id, "-"), p.MessageID)
}
