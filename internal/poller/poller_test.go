package poller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"coursebot/internal/canvas"
	"coursebot/internal/storage"
	"coursebot/internal/transport"
	logx "coursebot/pkg/logx"
)

type fakeSource struct {
	mu      sync.Mutex
	modules map[int64][]canvas.Module
	errs    map[int64]error
	names   map[int64]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		modules: map[int64][]canvas.Module{},
		errs:    map[int64]error{},
		names:   map[int64]string{},
	}
}

func (f *fakeSource) set(courseID int64, mods ...canvas.Module) {
	f.mu.Lock()
	f.modules[courseID] = mods
	f.mu.Unlock()
}

func (f *fakeSource) fail(courseID int64, err error) {
	f.mu.Lock()
	f.errs[courseID] = err
	f.mu.Unlock()
}

func (f *fakeSource) GetCourse(_ context.Context, courseID int64) (canvas.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := f.names[courseID]
	if name == "" {
		name = fmt.Sprintf("Course %d", courseID)
	}
	return canvas.Course{ID: courseID, Name: name}, nil
}

func (f *fakeSource) ListModules(_ context.Context, courseID int64) ([]canvas.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[courseID]; err != nil {
		return nil, err
	}
	return f.modules[courseID], nil
}

type fakeSink struct {
	mu   sync.Mutex
	sent []transport.Notification
}

func (f *fakeSink) Notify(_ context.Context, n transport.Notification) error {
	f.mu.Lock()
	f.sent = append(f.sent, n)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) notifications() []transport.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Notification(nil), f.sent...)
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestService(t *testing.T, st storage.Store, src ModuleSource, sink Sink) *Service {
	t.Helper()
	return New(Config{Enabled: true, Interval: time.Hour, FetchTimeout: time.Second}, st, src, sink, logx.Nop(), nil)
}

func mod(id int64, name string, items ...canvas.ModuleItem) canvas.Module {
	return canvas.Module{ID: id, Name: name, Items: items}
}

func TestFirstPollSeedsBaselineSilently(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	src := newFakeSource()
	sink := &fakeSink{}
	src.set(100, mod(1, "Week 1"), mod(2, "Week 2"))
	if _, err := st.EnableTracking(ctx, storage.ChannelRef{ChatID: 10}, 100); err != nil {
		t.Fatal(err)
	}

	s := newTestService(t, st, src, sink)
	rep, err := s.PollOnce(ctx)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if rep.Courses != 1 || rep.NewKeys != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if !rep.Results[0].Baseline {
		t.Fatal("expected baseline result")
	}
	if got := sink.notifications(); len(got) != 0 {
		t.Fatalf("baseline produced %d notifications", len(got))
	}

	keys, ok, err := st.Snapshot(ctx, 100)
	if err != nil || !ok {
		t.Fatalf("snapshot ok=%v err=%v", ok, err)
	}
	if len(keys) != 2 {
		t.Fatalf("snapshot keys = %v", keys)
	}
}

func TestNewModuleNotifiesWatchers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	src := newFakeSource()
	sink := &fakeSink{}
	src.set(100, mod(1, "Week 1"))
	for _, chat := range []int64{10, 20} {
		if _, err := st.EnableTracking(ctx, storage.ChannelRef{ChatID: chat}, 100); err != nil {
			t.Fatal(err)
		}
	}

	s := newTestService(t, st, src, sink)
	if _, err := s.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}

	src.set(100, mod(1, "Week 1"), mod(2, "Week 2"))
	rep, err := s.PollOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.NewKeys != 1 {
		t.Fatalf("new keys = %d, want 1", rep.NewKeys)
	}

	got := sink.notifications()
	if len(got) != 2 {
		t.Fatalf("notifications = %d, want one per watcher", len(got))
	}
	for _, n := range got {
		if !strings.Contains(n.Text, "Week 2") {
			t.Fatalf("notification text %q missing module name", n.Text)
		}
		if n.Key != "100|m:2" {
			t.Fatalf("notification key = %q", n.Key)
		}
	}
}

func TestModuleItemsTracked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	src := newFakeSource()
	sink := &fakeSink{}
	src.set(100, mod(1, "Week 1"))
	if _, err := st.EnableTracking(ctx, storage.ChannelRef{ChatID: 10}, 100); err != nil {
		t.Fatal(err)
	}

	s := newTestService(t, st, src, sink)
	if _, err := s.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}

	src.set(100, mod(1, "Week 1", canvas.ModuleItem{
		ID: 55, Title: "Lecture notes", HTMLURL: "https://canvas.example.com/notes",
	}))
	rep, err := s.PollOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.NewKeys != 1 {
		t.Fatalf("new keys = %d", rep.NewKeys)
	}
	got := sink.notifications()
	if len(got) != 1 {
		t.Fatalf("notifications = %d", len(got))
	}
	if !strings.Contains(got[0].Text, `<a href="https://canvas.example.com/notes">`) {
		t.Fatalf("item notification missing link: %q", got[0].Text)
	}
}

func TestShrinkThenRegrowReNotifies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	src := newFakeSource()
	sink := &fakeSink{}
	src.set(100, mod(1, "Week 1"), mod(2, "Week 2"))
	if _, err := st.EnableTracking(ctx, storage.ChannelRef{ChatID: 10}, 100); err != nil {
		t.Fatal(err)
	}

	s := newTestService(t, st, src, sink)
	if _, err := s.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}

	// Module 2 disappears; the snapshot shrinks with it.
	src.set(100, mod(1, "Week 1"))
	if _, err := s.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.notifications()); got != 0 {
		t.Fatalf("removal produced %d notifications", got)
	}

	// It comes back: treated as new again.
	src.set(100, mod(1, "Week 1"), mod(2, "Week 2"))
	rep, err := s.PollOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.NewKeys != 1 {
		t.Fatalf("new keys = %d, want 1", rep.NewKeys)
	}
}

func TestUnauthorizedDropsCourse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	src := newFakeSource()
	sink := &fakeSink{}
	src.fail(100, fmt.Errorf("%w (http 401)", canvas.ErrUnauthorized))
	if _, err := st.EnableTracking(ctx, storage.ChannelRef{ChatID: 10}, 100); err != nil {
		t.Fatal(err)
	}

	s := newTestService(t, st, src, sink)
	rep, err := s.PollOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Results[0].Dropped {
		t.Fatalf("result = %+v, want dropped", rep.Results[0])
	}

	tracked, err := st.TrackedCourses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracked) != 0 {
		t.Fatalf("course still tracked: %v", tracked)
	}

	got := sink.notifications()
	if len(got) != 1 || !strings.Contains(got[0].Text, "revoked") {
		t.Fatalf("drop notice = %+v", got)
	}
}

func TestCourseFailureIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	src := newFakeSource()
	sink := &fakeSink{}
	src.fail(100, errors.New("boom"))
	src.set(200, mod(1, "Week 1"))
	for _, course := range []int64{100, 200} {
		if _, err := st.EnableTracking(ctx, storage.ChannelRef{ChatID: 10}, course); err != nil {
			t.Fatal(err)
		}
	}

	s := newTestService(t, st, src, sink)
	rep, err := s.PollOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Courses != 2 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}

	// The failing course keeps its tracked status and no snapshot;
	// the healthy one got its baseline.
	tracked, _ := st.TrackedCourses(ctx)
	if len(tracked) != 2 {
		t.Fatalf("tracked = %v", tracked)
	}
	if _, ok, _ := st.Snapshot(ctx, 100); ok {
		t.Fatal("failed course unexpectedly has a snapshot")
	}
	if _, ok, _ := st.Snapshot(ctx, 200); !ok {
		t.Fatal("healthy course missing its snapshot")
	}
}

func TestConcurrentPollsSerialized(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	src := newFakeSource()
	src.set(100, mod(1, "Week 1"))
	if _, err := st.EnableTracking(ctx, storage.ChannelRef{ChatID: 10}, 100); err != nil {
		t.Fatal(err)
	}

	s := newTestService(t, st, src, &fakeSink{})

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.PollOnce(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("PollOnce: %v", err)
		}
	}
	if got := len(s.History()); got != 4 {
		t.Fatalf("history = %d cycles, want 4", got)
	}
}

func waitForCycles(t *testing.T, s *Service, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.History()) >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("history = %d cycles after 5s, want >= %d", len(s.History()), want)
}

func TestApplyEnablesDisabledPoller(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := newTestStore(t)
	src := newFakeSource()
	src.set(100, mod(1, "Week 1"))
	if _, err := st.EnableTracking(ctx, storage.ChannelRef{ChatID: 10}, 100); err != nil {
		t.Fatal(err)
	}

	s := New(Config{Enabled: false, Interval: time.Second, FetchTimeout: time.Second}, st, src, &fakeSink{}, logx.Nop(), nil)
	s.Start(ctx)
	defer s.Stop(context.Background())

	s.Apply(Config{Enabled: true, Interval: time.Second, FetchTimeout: time.Second})
	waitForCycles(t, s, 1)

	if _, ok, _ := st.Snapshot(ctx, 100); !ok {
		t.Fatal("scheduled cycle never seeded the baseline")
	}
}

func TestApplyDisableEnableRoundTrip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := newTestStore(t)
	src := newFakeSource()
	src.set(100, mod(1, "Week 1"))
	if _, err := st.EnableTracking(ctx, storage.ChannelRef{ChatID: 10}, 100); err != nil {
		t.Fatal(err)
	}

	s := New(Config{Enabled: true, Interval: time.Second, FetchTimeout: time.Second}, st, src, &fakeSink{}, logx.Nop(), nil)
	s.Start(ctx)
	defer s.Stop(context.Background())
	waitForCycles(t, s, 1)

	s.Apply(Config{Enabled: false, Interval: time.Second, FetchTimeout: time.Second})
	settled := len(s.History())

	s.Apply(Config{Enabled: true, Interval: time.Second, FetchTimeout: time.Second})
	waitForCycles(t, s, settled+1)
}

func TestDiffKeys(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		prev []string
		cur  []string
		want int
	}{
		{name: "all new", prev: nil, cur: []string{"m:1", "m:2"}, want: 2},
		{name: "no change", prev: []string{"m:1"}, cur: []string{"m:1"}, want: 0},
		{name: "shrink only", prev: []string{"m:1", "m:2"}, cur: []string{"m:1"}, want: 0},
		{name: "mixed", prev: []string{"m:1", "m:2"}, cur: []string{"m:2", "m:3", "i:9"}, want: 2},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := diffKeys(tc.prev, tc.cur); len(got) != tc.want {
				t.Fatalf("diffKeys(%v, %v) = %v", tc.prev, tc.cur, got)
			}
		})
	}
}

func TestFormatEntryTruncatesLongNames(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("я", 250)
	got := formatEntry("Algorithms", entryLabel{name: long})
	if strings.Contains(got, long) {
		t.Fatal("name was not truncated")
	}
	if !strings.Contains(got, "…") {
		t.Fatalf("expected ellipsis in %q", got)
	}
}

func TestFormatEntryEscapesHTML(t *testing.T) {
	t.Parallel()

	got := formatEntry("C<1>", entryLabel{name: "<script>"})
	if strings.Contains(got, "<script>") {
		t.Fatalf("unescaped name in %q", got)
	}
	if !strings.Contains(got, "&lt;script&gt;") {
		t.Fatalf("expected escaped name, got %q", got)
	}
}
