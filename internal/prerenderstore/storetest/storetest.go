// Package storetest holds the contract every prerenderstore backend must
// satisfy, plus a controllable clock shared by the cache tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fedssr/internal/prerenderstore"
)

type CleanupFunc = func()

// Factory opens a fresh, empty store configured with opts.
type Factory func(t *testing.T, opts prerenderstore.Options) (prerenderstore.Store, CleanupFunc)

// Clock is a manually advanced prerenderstore.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start.UTC()} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()

	clk := NewClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	ttl := 5 * time.Minute

	store, cleanup := newStore(t, prerenderstore.Options{TTL: ttl, Clock: clk})
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	if _, err := store.Get(ctx, "mfe_header", "row-1"); !errors.Is(err, prerenderstore.ErrNotFound) {
		t.Fatalf("Get on empty store: err=%v, want ErrNotFound", err)
	}

	if err := store.Insert(ctx, "mfe_header", "row-1", `["/a.css"]␟<div>hi</div>␟NO STATE`); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := store.Get(ctx, "mfe_header", "row-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PartitionKey != "mfe_header" || got.RowKey != "row-1" || got.Value != `["/a.css"]␟<div>hi</div>␟NO STATE` {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if want := clk.Now().Add(ttl); !got.ExpiryDate.Equal(want) {
		t.Fatalf("ExpiryDate=%s, want %s", got.ExpiryDate, want)
	}
	if got.Expired(clk.Now()) {
		t.Fatalf("fresh entry reported expired")
	}

	// Partitions are independent.
	if _, err := store.Get(ctx, "mfe_footer", "row-1"); !errors.Is(err, prerenderstore.ErrNotFound) {
		t.Fatalf("Get other partition: err=%v, want ErrNotFound", err)
	}

	// A later insert supersedes the row and its expiry.
	clk.Advance(ttl)
	if !got.Expired(clk.Now()) {
		t.Fatalf("entry should be expired at its expiry date")
	}
	if err := store.Insert(ctx, "mfe_header", "row-1", "v2"); err != nil {
		t.Fatalf("Insert overwrite: %v", err)
	}
	got, err = store.Get(ctx, "mfe_header", "row-1")
	if err != nil || got.Value != "v2" || got.Expired(clk.Now()) {
		t.Fatalf("expected superseded row, got %+v err=%v", got, err)
	}

	if err := store.Delete(ctx, "mfe_header", "row-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "mfe_header", "row-1"); !errors.Is(err, prerenderstore.ErrNotFound) {
		t.Fatalf("Get after Delete: err=%v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "mfe_header", "row-1"); err != nil {
		t.Fatalf("Delete is not idempotent: %v", err)
	}
}
