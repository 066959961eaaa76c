package profile

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryDirectory is the dev/test Directory and Tracker used when no database is configured.
type MemoryDirectory struct {
	mu       sync.RWMutex
	users    map[string]DisplayInfo
	lastSeen map[string]LastSeen
}

var (
	_ Directory = (*MemoryDirectory)(nil)
	_ Tracker   = (*MemoryDirectory)(nil)
)

// NewMemoryDirectory constructs an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:    make(map[string]DisplayInfo),
		lastSeen: make(map[string]LastSeen),
	}
}

// Put creates or replaces a user's display info.
func (d *MemoryDirectory) Put(userID string, info DisplayInfo) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	d.mu.Lock()
	d.users[userID] = info
	d.mu.Unlock()
}

// Observe records a name seen on a verified identity, without overwriting an existing profile.
func (d *MemoryDirectory) Observe(userID, name string) {
	userID = strings.TrimSpace(userID)
	name = strings.TrimSpace(name)
	if userID == "" || name == "" {
		return
	}
	d.mu.Lock()
	if _, ok := d.users[userID]; !ok {
		d.users[userID] = DisplayInfo{Name: name}
	}
	d.mu.Unlock()
}

func (d *MemoryDirectory) DisplayInfo(ctx context.Context, userID string) (DisplayInfo, error) {
	if err := ctx.Err(); err != nil {
		return DisplayInfo{}, err
	}
	d.mu.RLock()
	info, ok := d.users[userID]
	d.mu.RUnlock()
	if !ok {
		return DisplayInfo{}, ErrNotFound
	}
	return info, nil
}

func (d *MemoryDirectory) DisplayInfos(ctx context.Context, userIDs []string) (map[string]DisplayInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]DisplayInfo, len(userIDs))
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, id := range dedupeIDs(userIDs) {
		if info, ok := d.users[id]; ok {
			out[id] = info
		}
	}
	return out, nil
}

func (d *MemoryDirectory) MarkOnline(_ context.Context, userID string, at time.Time) error {
	d.mu.Lock()
	d.lastSeen[userID] = LastSeen{Online: true, At: at}
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) MarkOffline(_ context.Context, userID string, at time.Time) error {
	d.mu.Lock()
	d.lastSeen[userID] = LastSeen{Online: false, At: at}
	d.mu.Unlock()
	return nil
}

// LastSeenOf returns the last recorded marker for userID.
func (d *MemoryDirectory) LastSeenOf(userID string) (LastSeen, bool) {
	d.mu.RLock()
	ls, ok := d.lastSeen[userID]
	d.mu.RUnlock()
	return ls, ok
}
