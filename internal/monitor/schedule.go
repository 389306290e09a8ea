package monitor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule forms accepted by ParseSchedule:
//   - Go duration: "30s", "2m"
//   - HH:MM interval: "00:05" (five minutes)
//   - cron, with optional seconds field: "*/30 * * * * *", "*/5 * * * *", "@every 45s", "@hourly"
//
// A "cron:" or "every:" prefix forces the kind.
type Schedule struct {
	cron.Schedule
	// Every is non-zero for fixed intervals.
	Every  time.Duration
	Source string // "duration" | "hhmm" | "cron"
}

var (
	reHHMM     = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// MinInterval bounds how often a monitor may poll.
const MinInterval = time.Second

func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	default:
		return parseInterval(s)
	}
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	sch, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Schedule: sch, Source: "cron"}, nil
}

func parseInterval(v string) (Schedule, error) {
	var (
		d   time.Duration
		src = "duration"
	)
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		src = "hhmm"
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid schedule %q (use a duration like '30s', HH:MM like '00:05', or cron like '*/5 * * * *')", v)
		}
	}
	if d < MinInterval {
		return Schedule{}, fmt.Errorf("interval %v is below the minimum %v", d, MinInterval)
	}
	return Schedule{Schedule: cron.Every(d), Every: d, Source: src}, nil
}
