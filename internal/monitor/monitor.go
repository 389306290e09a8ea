// Package monitor defines the source monitor contract and runs monitors on
// their schedules.
//
// A monitor only fetches. It may keep a cursor to ask for newer items, but
// whether an event was already delivered is decided by the ledger alone.
package monitor

import (
	"context"
	"errors"
	"time"

	"pewfeed/internal/feed"
)

var (
	// ErrTransientFetch marks a failed poll that will be retried on the next tick.
	ErrTransientFetch = errors.New("transient fetch error")
	// ErrSourceAuth marks rejected credentials; the monitor is degraded until resumed.
	ErrSourceAuth = errors.New("source authorization failed")
)

type Monitor interface {
	Name() string
	Platform() feed.Platform
	// Poll returns newly observed events. It must honor ctx promptly.
	Poll(ctx context.Context) ([]feed.Event, error)
}

// Sink receives polled events; the forwarder's Submit.
type Sink func(ctx context.Context, events ...feed.Event) error

type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

// Status is a point-in-time view of one monitor for health output.
type Status struct {
	Name      string        `json:"name"`
	Platform  feed.Platform `json:"platform"`
	State     State         `json:"state"`
	Schedule  string        `json:"schedule"`
	LastPoll  time.Time     `json:"last_poll,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Polls     int64         `json:"polls"`
	Events    int64         `json:"events"`
}

// Degraded is the eventbus payload of eventbus.TypeMonitorDegraded.
type Degraded struct {
	Name string
	Err  error
}
