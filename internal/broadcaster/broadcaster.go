// Package broadcaster serves per-project ordered event feeds. The activity
// log is the durable source of truth: every feed reads entries straight from
// the store in seq order, using bus traffic only as a wake-up signal, so a
// subscriber never sees a skipped or regressed sequence number.
package broadcaster

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/persistence"
)

const feedBuffer = 64

// Feed is one subscriber's ordered view of a project's activity.
type Feed struct {
	ch     chan persistence.ActivityEntry
	cancel context.CancelFunc
	once   sync.Once
}

// C delivers entries in strictly ascending seq order, at least once.
func (f *Feed) C() <-chan persistence.ActivityEntry { return f.ch }

// Close stops the feed and releases its resources.
func (f *Feed) Close() {
	f.once.Do(f.cancel)
}

type Broadcaster struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger

	// poll bounds staleness when no bus event arrives. Defaults to 250ms.
	poll time.Duration
}

func New(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		store:  store,
		bus:    b,
		logger: logger.With("component", "broadcaster"),
		poll:   250 * time.Millisecond,
	}
}

// Subscribe opens a feed for a project starting after fromSeq. Replay from
// the log runs first, then the feed tails live appends; the high-water mark
// carries across the switch so nothing is dropped or duplicated within the
// feed's own reads.
func (b *Broadcaster) Subscribe(ctx context.Context, projectID string, fromSeq int64) *Feed {
	ctx, cancel := context.WithCancel(ctx)
	feed := &Feed{
		ch:     make(chan persistence.ActivityEntry, feedBuffer),
		cancel: cancel,
	}
	go b.run(ctx, projectID, fromSeq, feed)
	return feed
}

func (b *Broadcaster) run(ctx context.Context, projectID string, fromSeq int64, feed *Feed) {
	defer close(feed.ch)

	var sub *bus.Subscription
	if b.bus != nil {
		sub = b.bus.Subscribe("")
		defer b.bus.Unsubscribe(sub)
	}

	highWater := fromSeq
	for {
		next, err := b.drain(ctx, projectID, highWater, feed)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error("feed drain", "project_id", projectID, "error", err)
			}
			return
		}
		highWater = next

		if sub != nil {
			select {
			case <-ctx.Done():
				return
			case <-sub.Ch():
			case <-time.After(b.poll):
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.poll):
			}
		}
	}
}

// drain streams every log entry past the high-water mark to the feed and
// returns the new mark.
func (b *Broadcaster) drain(ctx context.Context, projectID string, highWater int64, feed *Feed) (int64, error) {
	for {
		entries, err := b.store.ListActivityFrom(ctx, projectID, highWater, 500)
		if err != nil {
			return highWater, err
		}
		if len(entries) == 0 {
			return highWater, nil
		}
		for _, entry := range entries {
			select {
			case <-ctx.Done():
				return highWater, ctx.Err()
			case feed.ch <- entry:
				highWater = entry.Seq
			}
		}
	}
}

// HighWater returns the newest seq logged for a project, for clients that
// want to resume later.
func (b *Broadcaster) HighWater(ctx context.Context, projectID string) (int64, error) {
	_, maxSeq, err := b.store.ActivityBounds(ctx, projectID)
	return maxSeq, err
}
