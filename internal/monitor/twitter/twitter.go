// Package twitter polls watched accounts through the Twitter/X API v2.
package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"pewfeed/internal/feed"
	"pewfeed/internal/monitor"
	logx "pewfeed/pkg/logx"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL    = "https://api.twitter.com"
	DefaultMaxResults = 5
	defaultRatePerSec = 1.0

	// API v2 bounds for max_results on the user timeline.
	minResults = 5
	maxResults = 100
)

var errUserNotFound = errors.New("user not found")

type Config struct {
	BearerToken string
	BaseURL     string
	MaxResults  int
	// UseCursor asks only for tweets newer than the last successful poll.
	UseCursor  bool
	RatePerSec float64
	HTTPClient *http.Client
}

// SourceLister yields the subscribed account ids; resolver.Resolver implements it.
type SourceLister interface {
	Sources(ctx context.Context, platform feed.Platform) ([]string, error)
}

type Monitor struct {
	cfg     Config
	src     SourceLister
	log     logx.Logger
	http    *http.Client
	limiter *rate.Limiter

	mu      sync.Mutex
	users   map[string]user
	cursors map[string]string
}

type user struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

type userResponse struct {
	Data   *user      `json:"data"`
	Errors []apiError `json:"errors"`
}

type tweet struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	AuthorID    string    `json:"author_id"`
	CreatedAt   time.Time `json:"created_at"`
	Attachments struct {
		MediaKeys []string `json:"media_keys"`
	} `json:"attachments"`
}

type media struct {
	MediaKey        string `json:"media_key"`
	Type            string `json:"type"`
	URL             string `json:"url"`
	PreviewImageURL string `json:"preview_image_url"`
}

type tweetsResponse struct {
	Data     []tweet `json:"data"`
	Includes struct {
		Media []media `json:"media"`
	} `json:"includes"`
	Meta struct {
		NewestID    string `json:"newest_id"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
	Errors []apiError `json:"errors"`
}

func New(cfg Config, src SourceLister, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	cfg.MaxResults = min(max(cfg.MaxResults, minResults), maxResults)
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Monitor{
		cfg:     cfg,
		src:     src,
		log:     log.With(logx.String("comp", "monitor.twitter")),
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		users:   map[string]user{},
		cursors: map[string]string{},
	}
}

func (m *Monitor) Name() string            { return "twitter" }
func (m *Monitor) Platform() feed.Platform { return feed.PlatformTwitter }

// Poll fetches recent tweets of every subscribed account. Any auth or
// transient failure fails the whole poll with no events; cursors only move
// when every account was fetched.
func (m *Monitor) Poll(ctx context.Context) ([]feed.Event, error) {
	ids, err := m.src.Sources(ctx, feed.PlatformTwitter)
	if err != nil {
		return nil, fmt.Errorf("%w: list sources: %w", monitor.ErrTransientFetch, err)
	}

	var (
		out    []feed.Event
		staged = map[string]string{}
	)
	for _, id := range ids {
		u, err := m.lookupUser(ctx, id)
		if errors.Is(err, errUserNotFound) {
			m.log.Warn("account not found; skipped", logx.String("source", id))
			continue
		}
		if err != nil {
			return nil, err
		}

		resp, err := m.userTweets(ctx, u, m.cursor(id))
		if errors.Is(err, errUserNotFound) {
			m.forgetUser(id)
			m.log.Warn("account timeline not found; skipped", logx.String("source", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		if resp.Meta.NewestID != "" {
			staged[id] = resp.Meta.NewestID
		}
		out = append(out, m.events(id, u, resp)...)
	}

	if m.cfg.UseCursor {
		m.mu.Lock()
		for id, c := range staged {
			m.cursors[id] = c
		}
		m.mu.Unlock()
	}
	return out, nil
}

func (m *Monitor) cursor(id string) string {
	if !m.cfg.UseCursor {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[id]
}

func (m *Monitor) forgetUser(id string) {
	m.mu.Lock()
	delete(m.users, id)
	delete(m.cursors, id)
	m.mu.Unlock()
}

func (m *Monitor) lookupUser(ctx context.Context, id string) (user, error) {
	m.mu.Lock()
	u, ok := m.users[id]
	m.mu.Unlock()
	if ok {
		return u, nil
	}

	var resp userResponse
	if err := m.get(ctx, "/2/users/by/username/"+url.PathEscape(id), nil, &resp); err != nil {
		return user{}, err
	}
	if resp.Data == nil || resp.Data.ID == "" {
		if len(resp.Errors) > 0 {
			return user{}, fmt.Errorf("%w: %s", errUserNotFound, resp.Errors[0].Detail)
		}
		return user{}, errUserNotFound
	}
	u = *resp.Data
	if u.Username == "" {
		u.Username = id
	}
	m.mu.Lock()
	m.users[id] = u
	m.mu.Unlock()
	return u, nil
}

func (m *Monitor) userTweets(ctx context.Context, u user, sinceID string) (*tweetsResponse, error) {
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(m.cfg.MaxResults))
	q.Set("tweet.fields", "created_at,attachments,author_id")
	q.Set("expansions", "attachments.media_keys")
	q.Set("media.fields", "url,preview_image_url,type")
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	var resp tweetsResponse
	if err := m.get(ctx, "/2/users/"+url.PathEscape(u.ID)+"/tweets", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// events converts a timeline page to events, oldest first, dropping
// quotes of other accounts and posts with too little content.
func (m *Monitor) events(id string, u user, resp *tweetsResponse) []feed.Event {
	byKey := make(map[string]media, len(resp.Includes.Media))
	for _, md := range resp.Includes.Media {
		byKey[md.MediaKey] = md
	}

	out := make([]feed.Event, 0, len(resp.Data))
	for i := len(resp.Data) - 1; i >= 0; i-- {
		t := resp.Data[i]
		var refs []string
		for _, k := range t.Attachments.MediaKeys {
			md, ok := byKey[k]
			if !ok {
				continue
			}
			switch {
			case md.Type == "photo" && md.URL != "":
				refs = append(refs, md.URL)
			case md.PreviewImageURL != "":
				refs = append(refs, md.PreviewImageURL)
			}
		}

		if feed.HasForeignStatusLink(t.Text, u.Username) {
			m.log.Debug("tweet links another account; skipped", logx.String("source", id), logx.String("tweet", t.ID))
			continue
		}
		if !feed.Substantive(t.Text, len(refs)) {
			continue
		}

		e := feed.Event{
			Platform:   feed.PlatformTwitter,
			SourceID:   id,
			EventID:    t.ID,
			Author:     u.Username,
			AuthorName: u.Name,
			Text:       t.Text,
			URL:        fmt.Sprintf("https://x.com/%s/status/%s", u.Username, t.ID),
			Media:      refs,
			CreatedAt:  t.CreatedAt,
		}
		e.Normalize()
		out = append(out, e)
	}
	return out
}

func (m *Monitor) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := m.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", monitor.ErrTransientFetch, err)
	}

	u := m.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.BearerToken)
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", monitor.ErrTransientFetch, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s", monitor.ErrSourceAuth, path, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return errUserNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return fmt.Errorf("%w: %s %s", monitor.ErrTransientFetch, path, resp.Status)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("twitter api %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", monitor.ErrTransientFetch, path, err)
	}
	return nil
}
