package profile

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

// Integration tests are enabled when HUDDLE_REDIS_URL is set.

func TestRedisTracker_OnlineOffline(t *testing.T) {
	t.Parallel()

	url := strings.TrimSpace(os.Getenv("HUDDLE_REDIS_URL"))
	if url == "" {
		t.Skip("integration test skipped: HUDDLE_REDIS_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefix := "huddle_it:" + randomHex(t, 6) + ":"
	tr, err := NewRedisTrackerFromURL(ctx, url, prefix)
	if err != nil {
		t.Fatalf("NewRedisTrackerFromURL: %v", err)
	}
	t.Cleanup(func() {
		_ = tr.client.Del(context.Background(), tr.onlineKey(), tr.lastSeenKey()).Err()
		_ = tr.Close()
	})

	if _, err := tr.LastSeenOf(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	t0 := time.Now().UTC().Truncate(time.Millisecond)
	if err := tr.MarkOnline(ctx, "u1", t0); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}
	ls, err := tr.LastSeenOf(ctx, "u1")
	if err != nil || !ls.Online || !ls.At.Equal(t0) {
		t.Fatalf("after online: %+v err=%v", ls, err)
	}

	if err := tr.MarkOffline(ctx, "u1", t0.Add(time.Second)); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	ls, err = tr.LastSeenOf(ctx, "u1")
	if err != nil || ls.Online {
		t.Fatalf("after offline: %+v err=%v", ls, err)
	}

	if err := tr.MarkOnline(ctx, "u2", t0); err != nil {
		t.Fatalf("MarkOnline u2: %v", err)
	}
	if err := tr.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	ls, _ = tr.LastSeenOf(ctx, "u2")
	if ls.Online {
		t.Fatalf("Reset should clear the online set")
	}
}
