// Package profile is the read side of the user directory used for display enrichment,
// plus the "last seen" side effects driven by presence.
//
// User CRUD lives elsewhere. This package only reads display fields and writes
// online/last-seen markers.
package profile

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a user has no profile.
var ErrNotFound = errors.New("profile: not found")

// DisplayInfo is what chat needs to render a user.
type DisplayInfo struct {
	Name  string
	Image string
}

// Directory resolves display info. Implementations must read live data on every call.
type Directory interface {
	DisplayInfo(ctx context.Context, userID string) (DisplayInfo, error)
	// DisplayInfos omits unknown users from the result.
	DisplayInfos(ctx context.Context, userIDs []string) (map[string]DisplayInfo, error)
}

// Tracker persists presence-linked last-seen markers.
type Tracker interface {
	MarkOnline(ctx context.Context, userID string, at time.Time) error
	MarkOffline(ctx context.Context, userID string, at time.Time) error
}

// NopTracker drops all updates.
type NopTracker struct{}

func (NopTracker) MarkOnline(context.Context, string, time.Time) error  { return nil }
func (NopTracker) MarkOffline(context.Context, string, time.Time) error { return nil }

// MultiTracker applies each update to every tracker in order and joins the failures.
type MultiTracker []Tracker

func (m MultiTracker) MarkOnline(ctx context.Context, userID string, at time.Time) error {
	var errs []error
	for _, t := range m {
		if err := t.MarkOnline(ctx, userID, at); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiTracker) MarkOffline(ctx context.Context, userID string, at time.Time) error {
	var errs []error
	for _, t := range m {
		if err := t.MarkOffline(ctx, userID, at); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LastSeen is a tracker-side snapshot for a single user.
type LastSeen struct {
	Online bool
	At     time.Time
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
