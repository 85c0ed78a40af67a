package router

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"coursebot/internal/canvas"
	"coursebot/internal/poller"
	"coursebot/internal/storage"
	kit "coursebot/internal/transport"
	logx "coursebot/pkg/logx"
)

type recordAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *recordAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *recordAdapter) Stop(context.Context) error                    { return nil }

func (a *recordAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.sent = append(a.sent, text)
	a.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (a *recordAdapter) replies() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func (a *recordAdapter) waitReply(t *testing.T, substr string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range a.replies() {
			if strings.Contains(s, substr) {
				return s
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no reply containing %q; got %v", substr, a.replies())
	return ""
}

type stubCanvas struct {
	course  canvas.Course
	modules []canvas.Module
	err     error
}

func (s *stubCanvas) GetCourse(context.Context, int64) (canvas.Course, error) {
	return s.course, s.err
}

func (s *stubCanvas) ListModules(context.Context, int64) ([]canvas.Module, error) {
	return s.modules, s.err
}

type stubPoller struct {
	mu      sync.Mutex
	calls   int
	rep     poller.Report
	history []poller.Report
}

func (s *stubPoller) PollOnce(context.Context) (poller.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.rep, nil
}

func (s *stubPoller) History() []poller.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]poller.Report(nil), s.history...)
}

func (s *stubPoller) pollCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type env struct {
	adapter *recordAdapter
	store   storage.Store
	canvas  *stubCanvas
	poller  *stubPoller
	updates chan kit.Update
}

func newEnv(t *testing.T, owners []int64) *env {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	e := &env{
		adapter: &recordAdapter{},
		store:   st,
		canvas:  &stubCanvas{course: canvas.Course{ID: 42, Name: "Algorithms"}},
		poller:  &stubPoller{},
		updates: make(chan kit.Update, 8),
	}

	m := NewCommandManager(logx.Nop(), e.adapter, owners)
	m.SetRegistry(Registry(Deps{
		Store:     e.store,
		Canvas:    e.canvas,
		Poller:    e.poller,
		Log:       logx.Nop(),
		StartedAt: time.Now(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, e.updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func (e *env) send(text string, fromID int64) {
	e.updates <- kit.Update{Message: &kit.Message{ChatID: 100, FromID: fromID, Text: text}}
}

func TestTrackEnableHappyPath(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.canvas.modules = []canvas.Module{{ID: 1, Name: "Week 1"}}

	e.send("/track enable 42", 7)
	e.adapter.waitReply(t, "Now tracking")

	ids, err := e.store.ListTracked(context.Background(), storage.ChannelRef{ChatID: 100})
	if err != nil || len(ids) != 1 || ids[0] != 42 {
		t.Fatalf("tracked = %v err = %v", ids, err)
	}
	// Baseline must be seeded silently at enable time.
	keys, ok, _ := e.store.Snapshot(context.Background(), 42)
	if !ok || len(keys) != 1 {
		t.Fatalf("baseline keys = %v ok = %v", keys, ok)
	}
}

func TestTrackEnableIdempotent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.send("/track enable 42", 7)
	e.adapter.waitReply(t, "Now tracking")
	e.send("/track enable 42", 7)
	e.adapter.waitReply(t, "Already tracking")
}

func TestTrackEnableRejectsBadArgs(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"/track enable", "/track enable abc", "/track enable -5", "/track enable 1 2"} {
		text := text
		t.Run(text, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, nil)
			e.send(text, 7)
			e.adapter.waitReply(t, "Usage")
		})
	}
}

func TestTrackDisable(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.send("/track enable 42", 7)
	e.adapter.waitReply(t, "Now tracking")

	e.send("/track disable 42", 7)
	e.adapter.waitReply(t, "Stopped tracking")

	e.send("/track disable 42", 7)
	e.adapter.waitReply(t, "was not tracked")
}

func TestCoursesAlias(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.send("/get_tracked_courses", 7)
	e.adapter.waitReply(t, "No courses are tracked")
}

func TestUpdateAliasRunsPoll(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.send("/update_courses", 7)
	e.adapter.waitReply(t, "Checked 0 course")
	if e.poller.pollCalls() != 1 {
		t.Fatalf("poll calls = %d", e.poller.pollCalls())
	}
}

func TestOwnerOnlyDenied(t *testing.T) {
	t.Parallel()

	e := newEnv(t, []int64{999})
	e.send("/reload", 7)
	e.adapter.waitReply(t, "restricted to the bot owner")
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.send("/frobnicate", 7)
	e.adapter.waitReply(t, "Unknown command")
}

func TestNonCommandIgnored(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.send("hello there", 7)
	e.send("/status", 7)
	got := e.adapter.waitReply(t, "Status")
	if strings.Contains(got, "hello") {
		t.Fatal("plain text should not produce a reply")
	}
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.send("/help", 7)
	got := e.adapter.waitReply(t, "Commands")
	for _, want := range []string{"track", "courses", "update", "status"} {
		if !strings.Contains(got, want) {
			t.Fatalf("help output missing %q: %s", want, got)
		}
	}
}

func TestBareTrackShowsGroupHelp(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.send("/track", 7)
	got := e.adapter.waitReply(t, "Subcommands")
	if !strings.Contains(got, "enable") || !strings.Contains(got, "disable") {
		t.Fatalf("group help missing subcommands: %s", got)
	}
}

func TestParseCourseID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		args    []string
		want    int64
		wantErr bool
	}{
		{name: "valid", args: []string{"42"}, want: 42},
		{name: "empty", args: nil, wantErr: true},
		{name: "too many", args: []string{"1", "2"}, wantErr: true},
		{name: "not a number", args: []string{"abc"}, wantErr: true},
		{name: "zero", args: []string{"0"}, wantErr: true},
		{name: "negative", args: []string{"-3"}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseCourseID(tc.args)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %d", got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got %d err %v", got, err)
			}
		})
	}
}

func TestSanitizeMenuCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "track enable", want: "track_enable"},
		{in: "Track-Enable", want: "track_enable"},
		{in: "  ", want: ""},
		{in: "a__b", want: "a_b"},
		{in: "42go", want: "cmd_42go"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			if got := sanitizeMenuCommand(tc.in); got != tc.want {
				t.Fatalf("sanitizeMenuCommand(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
