package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	operatorQueue   = 256
	operatorMaxText = 3500
)

type operatorItem struct {
	chatID   int64
	threadID int
	text     string
}

// operatorSink is a zerolog LevelWriter that queues formatted lines for a
// background sender. Writes never block; overflow and rate-limited lines are
// dropped.
type operatorSink struct {
	mu       sync.Mutex
	sender   OperatorSender
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue   chan operatorItem
	once    sync.Once
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	timeout time.Duration
}

func newOperatorSink(sender OperatorSender) *operatorSink {
	return &operatorSink{
		sender:   sender,
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		queue:    make(chan operatorItem, operatorQueue),
		timeout:  15 * time.Second,
	}
}

func (o *operatorSink) setSender(sender OperatorSender) {
	o.mu.Lock()
	o.sender = sender
	o.mu.Unlock()
}

func (o *operatorSink) apply(cfg OperatorConfig) {
	rps := max(1, cfg.RatePerSec)
	o.mu.Lock()
	o.chatID = cfg.ChatID
	o.threadID = cfg.ThreadID
	o.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	o.mu.Unlock()
}

func (o *operatorSink) start() {
	o.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		o.mu.Lock()
		o.cancel = cancel
		o.mu.Unlock()
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.run(ctx)
		}()
	})
}

func (o *operatorSink) stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		o.wg.Wait()
	}
}

func (o *operatorSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-o.queue:
			o.mu.Lock()
			sender := o.sender
			o.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, o.timeout)
			_ = sender.SendOperator(sctx, it.chatID, it.threadID, it.text)
			cancel()
		}
	}
}

func (o *operatorSink) Write(p []byte) (int, error) {
	return o.WriteLevel(zerolog.InfoLevel, p)
}

func (o *operatorSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	chatID, threadID, minLevel, lim := o.chatID, o.threadID, o.minLevel, o.limiter
	o.mu.Unlock()

	if chatID == 0 || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	text := formatOperatorLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case o.queue <- operatorItem{chatID: chatID, threadID: threadID, text: text}:
	default:
	}
	return len(p), nil
}

// formatOperatorLine turns a zerolog JSON line into "[LEVEL] msg" plus one
// "- key=value" line per field, sorted by key.
func formatOperatorLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), operatorMaxText)
	}
	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), operatorMaxText)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
