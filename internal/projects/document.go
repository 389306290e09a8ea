package projects

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pewfeed/internal/feed"
)

// Document is the on-disk project store.
//
// Example:
//
//	{
//	  "subscribers": [{
//	    "id": 1001, "forward_to": -1002003004005, "use_subchannels": true,
//	    "projects": [{
//	      "id": "alpha", "name": "Alpha Labs",
//	      "sources": [{"platform": "twitter", "id": "@alphalabs"}]
//	    }]
//	  }]
//	}
type Document struct {
	Subscribers []Subscriber `json:"subscribers"`
}

type Subscriber struct {
	ID int64 `json:"id"`
	// ForwardTo is the destination chat; 0 means the subscriber's own chat.
	ForwardTo      int64     `json:"forward_to,omitempty"`
	UseSubchannels bool      `json:"use_subchannels,omitempty"`
	Disabled       bool      `json:"disabled,omitempty"`
	Projects       []Project `json:"projects"`
}

type Project struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
	Sources  []Source `json:"sources"`
}

type Source struct {
	Platform string `json:"platform"`
	ID       string `json:"id"`
}

// Destination returns where this subscriber's notifications go.
func (s Subscriber) Destination() int64 {
	if s.ForwardTo != 0 {
		return s.ForwardTo
	}
	return s.ID
}

// Validate rejects documents the resolver could not use.
func (d *Document) Validate() error {
	var errs []error
	seenSub := map[int64]bool{}
	for i, s := range d.Subscribers {
		if s.ID == 0 {
			errs = append(errs, fmt.Errorf("subscribers[%d]: id is required", i))
		}
		if seenSub[s.ID] {
			errs = append(errs, fmt.Errorf("subscribers[%d]: duplicate id %d", i, s.ID))
		}
		seenSub[s.ID] = true
		seenProj := map[string]bool{}
		for j, p := range s.Projects {
			if strings.TrimSpace(p.ID) == "" || strings.Contains(p.ID, "|") {
				errs = append(errs, fmt.Errorf("subscribers[%d].projects[%d]: id must be non-empty and must not contain '|'", i, j))
			}
			if seenProj[p.ID] {
				errs = append(errs, fmt.Errorf("subscribers[%d].projects[%d]: duplicate id %q", i, j, p.ID))
			}
			seenProj[p.ID] = true
			for k, src := range p.Sources {
				if _, ok := feed.ParsePlatform(src.Platform); !ok {
					errs = append(errs, fmt.Errorf("subscribers[%d].projects[%d].sources[%d]: unknown platform %q", i, j, k, src.Platform))
				}
				if feed.NormalizeSourceID(src.ID) == "" {
					errs = append(errs, fmt.Errorf("subscribers[%d].projects[%d].sources[%d]: empty id", i, j, k))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Subscriptions flattens the active part of the document.
// Source ids are normalized; duplicates within one project collapse.
func (d *Document) Subscriptions() []feed.Subscription {
	var out []feed.Subscription
	for _, s := range d.Subscribers {
		if s.Disabled {
			continue
		}
		for _, p := range s.Projects {
			if p.Disabled {
				continue
			}
			seen := map[feed.SourceKey]bool{}
			for _, src := range p.Sources {
				pl, ok := feed.ParsePlatform(src.Platform)
				id := feed.NormalizeSourceID(src.ID)
				if !ok || id == "" {
					continue
				}
				k := feed.SourceKey{Platform: pl, ID: id}
				if seen[k] {
					continue
				}
				seen[k] = true
				out = append(out, feed.Subscription{
					SubscriberID:   s.ID,
					ProjectID:      p.ID,
					ProjectName:    p.Name,
					Platform:       pl,
					SourceID:       id,
					Destination:    s.Destination(),
					UseSubchannels: s.UseSubchannels,
				})
			}
		}
	}
	return out
}

func (d *Document) clone() *Document {
	b, err := json.Marshal(d)
	if err != nil {
		return &Document{}
	}
	var cp Document
	if err := json.Unmarshal(b, &cp); err != nil {
		return &Document{}
	}
	return &cp
}
