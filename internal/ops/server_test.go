package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	logx "pewfeed/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
)

func get(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReadyzAggregatesChecks(t *testing.T) {
	t.Parallel()
	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return errors.New("ledger persistence failing") }

	h := New(Config{}, Deps{Checks: map[string]Check{"storage": ok}}, logx.Nop()).Handler()
	if rec := get(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("ready: %d %s", rec.Code, rec.Body)
	}

	h = New(Config{}, Deps{Checks: map[string]Check{"storage": ok, "ledger": bad}}, logx.Nop()).Handler()
	rec := get(t, h, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready: %d", rec.Code)
	}
	var body readiness
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "fail" || body.Checks["storage"] != "ok" || !strings.Contains(body.Checks["ledger"], "persistence") {
		t.Fatalf("body = %+v", body)
	}
}

func TestMetricsServesRegistry(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "pewfeed_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	h := New(Config{}, Deps{Gatherer: reg}, logx.Nop()).Handler()
	rec := get(t, h, http.MethodGet, "/metrics", "")
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK || !strings.Contains(string(body), "pewfeed_test_total 1") {
		t.Fatalf("metrics: %d %s", rec.Code, body)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3cret"}, Deps{}, logx.Nop()).Handler()
	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{name: "missing", path: "/healthz", want: http.StatusUnauthorized},
		{name: "wrong", path: "/healthz", token: "nope", want: http.StatusUnauthorized},
		{name: "header", path: "/healthz", token: "s3cret", want: http.StatusOK},
		{name: "query", path: "/healthz?token=s3cret", want: http.StatusOK},
	}
	for _, tc := range tests {
		if rec := get(t, h, http.MethodGet, tc.path, tc.token); rec.Code != tc.want {
			t.Fatalf("%s: code = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := New(Config{}, Deps{}, logx.Nop()).Handler()
	if rec := get(t, off, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled: %d", rec.Code)
	}
	on := New(Config{Pprof: true}, Deps{}, logx.Nop()).Handler()
	if rec := get(t, on, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled: %d", rec.Code)
	}
}

func TestStatusAndResume(t *testing.T) {
	t.Parallel()
	var resumed string
	h := New(Config{}, Deps{
		Status: func() any { return map[string]int{"queue": 3} },
		Resume: func(name string) error {
			if name != "twitter" {
				return errors.New("unknown monitor")
			}
			resumed = name
			return nil
		},
	}, logx.Nop()).Handler()

	rec := get(t, h, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"queue": 3`) {
		t.Fatalf("status: %d %s", rec.Code, rec.Body)
	}
	if rec := get(t, h, http.MethodPost, "/monitors/twitter/resume", ""); rec.Code != http.StatusOK || resumed != "twitter" {
		t.Fatalf("resume: %d", rec.Code)
	}
	if rec := get(t, h, http.MethodPost, "/monitors/nope/resume", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown resume: %d", rec.Code)
	}
}

func TestStartRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	if err := s.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("Start = %v", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.5:80":    false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
