// Package presence tracks which users have at least one live realtime connection.
//
// The registry is process-local and reference-counted per user: a user is online
// from their first connection until their last one closes. Last-seen markers are
// forwarded to a profile.Tracker by a single background goroutine so slow storage
// never blocks connection handling.
package presence

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"huddle/cmd/internal/profile"
)

const (
	trackerQueueSize = 1024
	trackerTimeout   = 3 * time.Second
)

// Transition reports whether a connect/disconnect changed the user's online state.
type Transition struct {
	UserID      string
	Online      bool // 0 -> 1 connections
	Offline     bool // 1 -> 0 connections
	Connections int
}

// Changed reports whether the user crossed the online/offline boundary.
func (t Transition) Changed() bool { return t.Online || t.Offline }

// UserSummary is one entry of ListOnline.
type UserSummary struct {
	UserID      string
	DisplayName string
	Image       string
	Connections int
	OnlineSince time.Time
}

type entry struct {
	info  profile.DisplayInfo
	conns map[string]struct{}
	since time.Time
}

type trackerOp struct {
	userID string
	online bool
	at     time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	log     *slog.Logger
	tracker profile.Tracker
	now     func() time.Time

	mu     sync.Mutex
	users  map[string]*entry
	conns  map[string]string // conn id -> user id
	closed bool

	ops       chan trackerOp
	startOnce sync.Once
	started   bool
	done      chan struct{}
}

// NewRegistry constructs a registry. tracker may be nil.
func NewRegistry(log *slog.Logger, tracker profile.Tracker) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if tracker == nil {
		tracker = profile.NopTracker{}
	}
	return &Registry{
		log:     log,
		tracker: tracker,
		now:     func() time.Time { return time.Now().UTC() },
		users:   make(map[string]*entry),
		conns:   make(map[string]string),
		ops:     make(chan trackerOp, trackerQueueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the tracker drain goroutine. Calling it more than once is a no-op.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.mu.Lock()
		r.started = true
		r.mu.Unlock()
		go r.drain()
	})
}

// Close stops accepting tracker writes and waits for queued ones to be applied, or for ctx.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	close(r.ops)
	r.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnConnect registers connID for userID. Registering the same connID twice is a no-op.
func (r *Registry) OnConnect(connID, userID string, info profile.DisplayInfo) Transition {
	connID, userID = strings.TrimSpace(connID), strings.TrimSpace(userID)
	if connID == "" || userID == "" {
		return Transition{}
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; ok {
		e := r.users[userID]
		n := 0
		if e != nil {
			n = len(e.conns)
		}
		return Transition{UserID: userID, Connections: n}
	}

	e := r.users[userID]
	online := e == nil
	if online {
		e = &entry{conns: make(map[string]struct{}), since: now}
		r.users[userID] = e
	}
	if info.Name != "" || info.Image != "" {
		e.info = info
	}
	e.conns[connID] = struct{}{}
	r.conns[connID] = userID

	if online {
		r.enqueueLocked(trackerOp{userID: userID, online: true, at: now})
		r.log.Info("presence.online", "user_id", userID)
	}
	return Transition{UserID: userID, Online: online, Connections: len(e.conns)}
}

// OnDisconnect unregisters connID. Unknown ids are a no-op.
func (r *Registry) OnDisconnect(connID string) Transition {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.conns[connID]
	if !ok {
		return Transition{}
	}
	delete(r.conns, connID)

	e := r.users[userID]
	if e == nil {
		return Transition{UserID: userID}
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 {
		return Transition{UserID: userID, Connections: len(e.conns)}
	}

	delete(r.users, userID)
	r.enqueueLocked(trackerOp{userID: userID, online: false, at: now})
	r.log.Info("presence.offline", "user_id", userID, "online_for", now.Sub(e.since).String())
	return Transition{UserID: userID, Offline: true}
}

// ListOnline returns a snapshot sorted by user id.
func (r *Registry) ListOnline() []UserSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]UserSummary, 0, len(r.users))
	for id, e := range r.users {
		out = append(out, UserSummary{
			UserID:      id,
			DisplayName: e.info.Name,
			Image:       e.info.Image,
			Connections: len(e.conns),
			OnlineSince: e.since,
		})
	}
	slices.SortFunc(out, func(a, b UserSummary) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// SocketsFor returns the connection ids of userID, sorted. Empty when offline.
func (r *Registry) SocketsFor(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.users[userID]
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.conns))
	for id := range e.conns {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// IsOnline reports whether userID has at least one connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok
}

// OnlineCount returns the number of online users.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *Registry) enqueueLocked(op trackerOp) {
	if r.closed {
		return
	}
	select {
	case r.ops <- op:
	default:
		r.log.Warn("presence.tracker.dropped", "user_id", op.userID, "online", op.online)
	}
}

func (r *Registry) drain() {
	defer close(r.done)
	for op := range r.ops {
		ctx, cancel := context.WithTimeout(context.Background(), trackerTimeout)
		var err error
		if op.online {
			err = r.tracker.MarkOnline(ctx, op.userID, op.at)
		} else {
			err = r.tracker.MarkOffline(ctx, op.userID, op.at)
		}
		cancel()
		if err != nil {
			r.log.Warn("presence.tracker.fail", "user_id", op.userID, "online", op.online, "err", err)
		}
	}
}
