package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDeduplicator(t *testing.T) *Deduplicator {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})
	return NewDeduplicator(rdb, time.Minute)
}

func TestDeduplicator_SecondSubmitIsDuplicate(t *testing.T) {
	d := newTestDeduplicator(t)
	ctx := context.Background()

	fp := TaskFingerprint("user-1", "set-1", "2026-09-01", "USD", 7, 1,
		[]string{"https://www.booking.com/hotel/us/a.html"})

	dup, err := d.IsDuplicate(ctx, fp)
	if err != nil {
		t.Fatalf("first dedup: %v", err)
	}
	if dup {
		t.Fatalf("expected first to be non-duplicate")
	}

	dup, err = d.IsDuplicate(ctx, fp)
	if err != nil {
		t.Fatalf("second dedup: %v", err)
	}
	if !dup {
		t.Fatalf("expected second to be duplicate")
	}
}

func TestDeduplicator_ReleaseReopensWindow(t *testing.T) {
	d := newTestDeduplicator(t)
	ctx := context.Background()

	fp := TaskFingerprint("user-1", "set-1", "2026-09-01", "USD", 7, 1,
		[]string{"https://www.booking.com/hotel/us/a.html"})

	if _, err := d.IsDuplicate(ctx, fp); err != nil {
		t.Fatalf("first dedup: %v", err)
	}
	if err := d.Release(ctx, fp); err != nil {
		t.Fatalf("release: %v", err)
	}

	dup, err := d.IsDuplicate(ctx, fp)
	if err != nil {
		t.Fatalf("dedup after release: %v", err)
	}
	if dup {
		t.Fatalf("expected non-duplicate after release")
	}
}

func TestTaskFingerprint_URLOrderDoesNotMatter(t *testing.T) {
	a := TaskFingerprint("u", "s", "2026-09-01", "USD", 7, 1,
		[]string{"https://x.test/1", "https://x.test/2"})
	b := TaskFingerprint("u", "s", "2026-09-01", "USD", 7, 1,
		[]string{"https://x.test/2", "https://x.test/1"})
	if a != b {
		t.Fatalf("expected fingerprints to match regardless of url order")
	}

	c := TaskFingerprint("u", "s", "2026-09-01", "USD", 7, 2,
		[]string{"https://x.test/1", "https://x.test/2"})
	if a == c {
		t.Fatalf("expected different nights to change fingerprint")
	}
}
