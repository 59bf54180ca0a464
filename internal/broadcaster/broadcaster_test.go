package broadcaster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/persistence"
)

func testBroadcaster(t *testing.T) (*Broadcaster, *persistence.Store, string) {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "conductor.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	projectID, err := store.CreateProject(context.Background(), "feed test project", persistence.ProjectPlanning)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(store, eventBus, logger)
	b.poll = 20 * time.Millisecond
	return b, store, projectID
}

func collect(t *testing.T, feed *Feed, n int) []persistence.ActivityEntry {
	t.Helper()
	var out []persistence.ActivityEntry
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case entry, ok := <-feed.C():
			if !ok {
				t.Fatalf("feed closed after %d of %d entries", len(out), n)
			}
			out = append(out, entry)
		case <-deadline:
			t.Fatalf("timed out after %d of %d entries", len(out), n)
		}
	}
	return out
}

func TestSubscribe_ReplaysFromSeq(t *testing.T) {
	b, store, projectID := testBroadcaster(t)
	ctx := context.Background()

	// project_created is seq 1; add five more.
	for i := 0; i < 5; i++ {
		if _, err := store.AppendActivity(ctx, projectID, "test", "note", fmt.Sprintf("entry %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	feed := b.Subscribe(ctx, projectID, 3)
	defer feed.Close()

	entries := collect(t, feed, 3)
	for i, entry := range entries {
		if want := int64(4 + i); entry.Seq != want {
			t.Errorf("entry[%d].Seq = %d, want %d", i, entry.Seq, want)
		}
	}
}

func TestSubscribe_ReplayThenLiveTailNoGapNoRegression(t *testing.T) {
	b, store, projectID := testBroadcaster(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.AppendActivity(ctx, projectID, "test", "note", "early"); err != nil {
			t.Fatal(err)
		}
	}

	feed := b.Subscribe(ctx, projectID, 0)
	defer feed.Close()

	// Let replay start, then append live entries behind it.
	go func() {
		for i := 0; i < 4; i++ {
			time.Sleep(10 * time.Millisecond)
			_, _ = store.AppendActivity(ctx, projectID, "test", "note", "late")
		}
	}()

	entries := collect(t, feed, 8) // 1 project_created + 3 early + 4 late
	var last int64
	for i, entry := range entries {
		if entry.Seq != last+1 {
			t.Fatalf("entry[%d].Seq = %d after %d, want contiguous ascending", i, entry.Seq, last)
		}
		last = entry.Seq
	}
}

func TestSubscribe_IndependentFeeds(t *testing.T) {
	b, store, projectID := testBroadcaster(t)
	ctx := context.Background()

	other, err := store.CreateProject(ctx, "other project", persistence.ProjectPlanning)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendActivity(ctx, other, "test", "note", "other traffic"); err != nil {
		t.Fatal(err)
	}

	feed := b.Subscribe(ctx, projectID, 0)
	defer feed.Close()

	entries := collect(t, feed, 1)
	if entries[0].ProjectID != projectID {
		t.Errorf("leaked entry from project %s", entries[0].ProjectID)
	}
	select {
	case entry := <-feed.C():
		t.Errorf("unexpected extra entry: %+v", entry)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFeed_CloseStopsDelivery(t *testing.T) {
	b, _, projectID := testBroadcaster(t)

	feed := b.Subscribe(context.Background(), projectID, 0)
	collect(t, feed, 1)
	feed.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-feed.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("feed channel never closed")
		}
	}
}

func TestHighWater(t *testing.T) {
	b, store, projectID := testBroadcaster(t)
	ctx := context.Background()

	if _, err := store.AppendActivity(ctx, projectID, "test", "note", "x"); err != nil {
		t.Fatal(err)
	}
	mark, err := b.HighWater(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if mark != 2 {
		t.Errorf("high water = %d, want 2", mark)
	}
}
