package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero value must report IsZero")
	}
	l.Info("nothing happens", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop is not the zero value")
	}
}

func TestWithKeepsFieldsAndCaller(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "ledger"))
	l.Warn("persist failed", Int("n", 3), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("json: %v (%q)", err, buf.String())
	}
	if m["comp"] != "ledger" || m["n"] != float64(3) || m["message"] != "persist failed" {
		t.Fatalf("unexpected line: %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
	if _, ok := m["err"]; ok {
		t.Fatal("Err(nil) must not add a field")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel, " WARNING ": zerolog.WarnLevel, "error": zerolog.ErrorLevel, "bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestFormatOperatorLine(t *testing.T) {
	t.Parallel()
	got := formatOperatorLine([]byte(`{"level":"warn","time":"x","message":"auth failed","monitor":"twitter","comp":"runner"}`))
	want := "[WARN] auth failed\n- comp=runner\n- monitor=twitter"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := formatOperatorLine([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("raw line: %q", got)
	}
}

type captureSender struct {
	mu    sync.Mutex
	texts []string
	ch    chan struct{}
}

func (c *captureSender) SendOperator(_ context.Context, chatID int64, _ int, text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	c.ch <- struct{}{}
	return nil
}

func TestOperatorSinkFiltersByLevel(t *testing.T) {
	t.Parallel()
	cs := &captureSender{ch: make(chan struct{}, 4)}
	svc, log := New(Config{Level: "debug", Operator: OperatorConfig{Enabled: true, ChatID: 42, RatePerSec: 10}}, cs)
	defer svc.Close()

	log.Info("routine")
	log.Error("ledger persistence failing", String("table", "dedup"))

	select {
	case <-cs.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("operator alert not sent")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.texts) != 1 || !strings.HasPrefix(cs.texts[0], "[ERROR] ledger persistence failing") {
		t.Fatalf("texts = %q", cs.texts)
	}
}
