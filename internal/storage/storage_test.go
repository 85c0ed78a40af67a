package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "coursebot/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s store: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Both drivers must satisfy the same semantics; every behavior test runs
// against each.
func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			fn(t, openTestStore(t, driver))
		})
	}
}

func TestEnableTrackingIdempotent(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ch := ChannelRef{ChatID: 1}

		changed, err := st.EnableTracking(ctx, ch, 100)
		if err != nil || !changed {
			t.Fatalf("first enable: changed=%v err=%v", changed, err)
		}
		changed, err = st.EnableTracking(ctx, ch, 100)
		if err != nil || changed {
			t.Fatalf("second enable: changed=%v err=%v", changed, err)
		}

		ids, err := st.ListTracked(ctx, ch)
		if err != nil || len(ids) != 1 || ids[0] != 100 {
			t.Fatalf("tracked = %v err = %v", ids, err)
		}
	})
}

func TestDisableTrackingIdempotent(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ch := ChannelRef{ChatID: 1}

		if _, err := st.EnableTracking(ctx, ch, 100); err != nil {
			t.Fatal(err)
		}
		changed, err := st.DisableTracking(ctx, ch, 100)
		if err != nil || !changed {
			t.Fatalf("first disable: changed=%v err=%v", changed, err)
		}
		changed, err = st.DisableTracking(ctx, ch, 100)
		if err != nil || changed {
			t.Fatalf("second disable: changed=%v err=%v", changed, err)
		}
	})
}

func TestChannelIsolation(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := ChannelRef{ChatID: 1}
		b := ChannelRef{ChatID: 2}
		c := ChannelRef{ChatID: 1, ThreadID: 7} // same chat, different thread

		for _, ch := range []ChannelRef{a, b, c} {
			if _, err := st.EnableTracking(ctx, ch, 100); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := st.EnableTracking(ctx, a, 200); err != nil {
			t.Fatal(err)
		}

		// Disabling in one channel leaves the others alone.
		if changed, err := st.DisableTracking(ctx, b, 100); err != nil || !changed {
			t.Fatalf("disable: changed=%v err=%v", changed, err)
		}

		ids, _ := st.ListTracked(ctx, a)
		if len(ids) != 2 {
			t.Fatalf("channel a tracked = %v", ids)
		}
		ids, _ = st.ListTracked(ctx, b)
		if len(ids) != 0 {
			t.Fatalf("channel b tracked = %v", ids)
		}
		ids, _ = st.ListTracked(ctx, c)
		if len(ids) != 1 {
			t.Fatalf("thread channel tracked = %v", ids)
		}

		watchers, _ := st.Watchers(ctx, 100)
		if len(watchers) != 2 {
			t.Fatalf("watchers = %v", watchers)
		}

		courses, _ := st.TrackedCourses(ctx)
		if len(courses) != 2 {
			t.Fatalf("tracked courses = %v", courses)
		}
	})
}

func TestSnapshotAbsentVsEmpty(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		// Never fetched: ok=false.
		keys, ok, err := st.Snapshot(ctx, 100)
		if err != nil || ok || len(keys) != 0 {
			t.Fatalf("absent snapshot: keys=%v ok=%v err=%v", keys, ok, err)
		}

		// Fetched but empty course: ok=true, zero keys.
		if err := st.ReplaceSnapshot(ctx, 100, nil); err != nil {
			t.Fatal(err)
		}
		keys, ok, err = st.Snapshot(ctx, 100)
		if err != nil || !ok || len(keys) != 0 {
			t.Fatalf("empty snapshot: keys=%v ok=%v err=%v", keys, ok, err)
		}
	})
}

func TestReplaceSnapshotIsWholesale(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		if err := st.ReplaceSnapshot(ctx, 100, []string{"m:1", "m:2", "i:5"}); err != nil {
			t.Fatal(err)
		}
		if err := st.ReplaceSnapshot(ctx, 100, []string{"m:2", "m:3"}); err != nil {
			t.Fatal(err)
		}
		keys, ok, err := st.Snapshot(ctx, 100)
		if err != nil || !ok {
			t.Fatalf("snapshot: ok=%v err=%v", ok, err)
		}
		if len(keys) != 2 {
			t.Fatalf("keys = %v, want exactly the replacement set", keys)
		}
		got := map[string]bool{}
		for _, k := range keys {
			got[k] = true
		}
		if !got["m:2"] || !got["m:3"] {
			t.Fatalf("keys = %v", keys)
		}
	})
}

func TestDropCourseRemovesEverything(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		for _, chat := range []int64{1, 2} {
			if _, err := st.EnableTracking(ctx, ChannelRef{ChatID: chat}, 100); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := st.EnableTracking(ctx, ChannelRef{ChatID: 1}, 200); err != nil {
			t.Fatal(err)
		}
		if err := st.ReplaceSnapshot(ctx, 100, []string{"m:1"}); err != nil {
			t.Fatal(err)
		}

		if err := st.DropCourse(ctx, 100); err != nil {
			t.Fatal(err)
		}

		if watchers, _ := st.Watchers(ctx, 100); len(watchers) != 0 {
			t.Fatalf("watchers after drop = %v", watchers)
		}
		if _, ok, _ := st.Snapshot(ctx, 100); ok {
			t.Fatal("snapshot survived drop")
		}
		// The other course is untouched.
		if ids, _ := st.ListTracked(ctx, ChannelRef{ChatID: 1}); len(ids) != 1 || ids[0] != 200 {
			t.Fatalf("remaining tracked = %v", ids)
		}
	})
}

func TestDedupRoundTrip(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		until := time.Now().Add(time.Hour).Truncate(time.Millisecond)

		if err := st.PutDedup(ctx, "k1", until); err != nil {
			t.Fatal(err)
		}
		got, ok, err := st.GetDedup(ctx, "k1")
		if err != nil || !ok {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
		if !got.Equal(until) {
			t.Fatalf("until = %v, want %v", got, until)
		}

		if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
			t.Fatal("unexpected hit for missing key")
		}
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bot")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.EnableTracking(ctx, ChannelRef{ChatID: 1}, 100); err != nil {
		t.Fatal(err)
	}
	if err := st.ReplaceSnapshot(ctx, 100, []string{"m:1", "i:2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.EnableTracking(ctx, ChannelRef{ChatID: 2}, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := st.DisableTracking(ctx, ChannelRef{ChatID: 2}, 100); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()

	ids, err := st2.ListTracked(ctx, ChannelRef{ChatID: 1})
	if err != nil || len(ids) != 1 || ids[0] != 100 {
		t.Fatalf("tracked after reopen = %v err = %v", ids, err)
	}
	if ids, _ := st2.ListTracked(ctx, ChannelRef{ChatID: 2}); len(ids) != 0 {
		t.Fatalf("disabled channel resurrected: %v", ids)
	}
	keys, ok, err := st2.Snapshot(ctx, 100)
	if err != nil || !ok || len(keys) != 2 {
		t.Fatalf("snapshot after reopen: keys=%v ok=%v err=%v", keys, ok, err)
	}
}

func TestFileStoreReplaysJournalWithoutClose(t *testing.T) {
	t.Parallel()

	// Simulate a crash: state mutations reach the journal but Close
	// (and with it compaction) never runs.
	dir := t.TempDir()
	path := filepath.Join(dir, "bot")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.EnableTracking(ctx, ChannelRef{ChatID: 1}, 100); err != nil {
		t.Fatal(err)
	}
	if err := st.ReplaceSnapshot(ctx, 100, []string{"m:1"}); err != nil {
		t.Fatal(err)
	}
	// Intentionally no Close.

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()

	ids, _ := st2.ListTracked(ctx, ChannelRef{ChatID: 1})
	if len(ids) != 1 {
		t.Fatalf("journal replay lost tracking: %v", ids)
	}
	if _, ok, _ := st2.Snapshot(ctx, 100); !ok {
		t.Fatal("journal replay lost snapshot")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
