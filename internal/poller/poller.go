// Package poller drives the periodic fetch-and-diff cycle: for every
// tracked course it pulls the current module list from Canvas, compares
// it against the stored snapshot, persists the new snapshot, and fans
// out notifications for entries that were not seen before.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"coursebot/internal/canvas"
	"coursebot/internal/eventbus"
	"coursebot/internal/storage"
	"coursebot/internal/transport"
	logx "coursebot/pkg/logx"
)

// ModuleSource is the slice of the Canvas client the poller uses.
type ModuleSource interface {
	GetCourse(ctx context.Context, courseID int64) (canvas.Course, error)
	ListModules(ctx context.Context, courseID int64) ([]canvas.Module, error)
}

// Sink accepts notifications for async delivery.
type Sink interface {
	Notify(ctx context.Context, n transport.Notification) error
}

type Config struct {
	Enabled      bool
	Interval     time.Duration
	FetchTimeout time.Duration
	HistorySize  int
}

type CourseResult struct {
	CourseID int64
	Modules  int
	New      int
	Baseline bool
	Dropped  bool
	Err      string
}

// Report summarizes one completed poll cycle.
type Report struct {
	Started  time.Time
	Finished time.Time
	Courses  int
	Failed   int
	NewKeys  int
	Results  []CourseResult
}

type Service struct {
	log    logx.Logger
	store  storage.Store
	source ModuleSource
	sink   Sink
	bus    eventbus.Bus

	mu  sync.Mutex // guards cfg and scheduler state
	cfg Config

	c       *cron.Cron
	entryID cron.EntryID

	// parent is the context Start was given; Apply re-enabling the
	// scheduler derives a fresh run context from it.
	parent    context.Context
	runCtx    context.Context
	runCancel context.CancelFunc

	// pollMu serializes poll cycles: a manual update and the scheduled
	// tick never diff the same course concurrently.
	pollMu sync.Mutex

	hmu     sync.Mutex
	history []Report
}

func New(cfg Config, store storage.Store, source ModuleSource, sink Sink, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		log:    log,
		store:  store,
		source: source,
		sink:   sink,
		bus:    bus,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	s.cfg = cfg
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("poller disabled")
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.startCronLocked()
}

func (s *Service) startCronLocked() {
	c := cron.New()
	interval := s.cfg.Interval
	s.entryID = c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.tick()
	}))
	c.Start()
	s.c = c
	s.log.Info("poller started", logx.Duration("interval", interval))
}

// tick is the scheduled entry point. A cycle still in flight means this
// tick is skipped rather than queued behind it.
func (s *Service) tick() {
	if !s.pollMu.TryLock() {
		s.log.Warn("poll tick skipped, previous cycle still running")
		return
	}
	defer s.pollMu.Unlock()

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := s.pollLocked(ctx); err != nil {
		s.log.Error("poll cycle failed", logx.Any("err", err))
	}
}

// Apply updates the config; an interval change reschedules the cron
// entry, an enabled toggle tears the scheduler down or brings it back.
// Safe to call while a poll is in flight.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.applyLocked(cfg)

	if !s.cfg.Enabled {
		if s.c != nil {
			s.c.Remove(s.entryID)
			s.c.Stop()
			s.c = nil
			s.log.Info("poller disabled via config")
		}
		return
	}
	if s.c == nil {
		// Enabled after starting disabled, or re-enabled by a later
		// reload. Needs a started, still-live service to attach to.
		if s.parent == nil || s.parent.Err() != nil {
			return
		}
		if s.runCtx == nil || s.runCtx.Err() != nil {
			s.runCtx, s.runCancel = context.WithCancel(s.parent)
		}
		s.startCronLocked()
		return
	}
	if s.cfg.Interval != prev.Interval {
		s.c.Remove(s.entryID)
		s.entryID = s.c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() {
			s.tick()
		}))
		s.log.Info("poll interval changed",
			logx.Duration("from", prev.Interval),
			logx.Duration("to", s.cfg.Interval))
	}
}

// Stop halts scheduling and waits for an in-flight cycle to finish, up
// to the ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.parent = nil
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	// Wait for a manual PollOnce that bypassed the cron.
	acquired := make(chan struct{})
	go func() {
		s.pollMu.Lock()
		s.pollMu.Unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-ctx.Done():
	}

	if cancel != nil {
		cancel()
	}
}

// PollOnce runs a full cycle immediately. Concurrent callers are
// serialized; each gets its own complete cycle.
func (s *Service) PollOnce(ctx context.Context) (Report, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	return s.pollLocked(ctx)
}

func (s *Service) pollLocked(ctx context.Context) (Report, error) {
	rep := Report{Started: time.Now()}
	s.publish(eventbus.TypePollStarted, map[string]any{"at": rep.Started})

	s.mu.Lock()
	fetchTimeout := s.cfg.FetchTimeout
	s.mu.Unlock()

	courses, err := s.store.TrackedCourses(ctx)
	if err != nil {
		return rep, fmt.Errorf("list tracked courses: %w", err)
	}
	rep.Courses = len(courses)

	for _, courseID := range courses {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		res := s.pollCourse(ctx, courseID, fetchTimeout)
		rep.Results = append(rep.Results, res)
		rep.NewKeys += res.New
		if res.Err != "" {
			rep.Failed++
		}
	}

	rep.Finished = time.Now()
	s.appendHistory(rep)
	s.publish(eventbus.TypePollFinished, map[string]any{
		"courses": rep.Courses,
		"failed":  rep.Failed,
		"new":     rep.NewKeys,
		"took":    rep.Finished.Sub(rep.Started).String(),
	})
	s.log.Info("poll cycle finished",
		logx.Int("courses", rep.Courses),
		logx.Int("failed", rep.Failed),
		logx.Int("new", rep.NewKeys),
		logx.Duration("took", rep.Finished.Sub(rep.Started)))
	return rep, nil
}

// pollCourse fetches and diffs one course. Errors are contained here so
// one broken course never stalls the rest of the cycle.
func (s *Service) pollCourse(ctx context.Context, courseID int64, fetchTimeout time.Duration) CourseResult {
	res := CourseResult{CourseID: courseID}

	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	mods, err := s.source.ListModules(fctx, courseID)
	cancel()
	if err != nil {
		if errors.Is(err, canvas.ErrUnauthorized) {
			s.dropCourse(ctx, courseID, err)
			res.Dropped = true
			res.Err = err.Error()
			return res
		}
		s.log.Warn("course fetch failed", logx.Int64("course", courseID), logx.Any("err", err))
		res.Err = err.Error()
		return res
	}
	res.Modules = len(mods)

	keys, labels := indexModules(mods)

	prev, seeded, err := s.store.Snapshot(ctx, courseID)
	if err != nil {
		res.Err = err.Error()
		return res
	}

	// The snapshot is replaced wholesale before any notification goes
	// out, so a crash mid-delivery never re-announces the same entries
	// beyond the dedup window.
	if err := s.store.ReplaceSnapshot(ctx, courseID, keys); err != nil {
		res.Err = err.Error()
		return res
	}

	if !seeded {
		// First successful fetch establishes the baseline silently.
		res.Baseline = true
		s.log.Info("course baseline seeded", logx.Int64("course", courseID), logx.Int("keys", len(keys)))
		return res
	}

	fresh := diffKeys(prev, keys)
	if len(fresh) == 0 {
		return res
	}
	res.New = len(fresh)

	courseLabel := s.courseLabel(ctx, courseID, fetchTimeout)
	s.announce(ctx, courseID, courseLabel, fresh, labels)
	return res
}

// dropCourse removes all state for a course whose token access was
// revoked and tells its watchers why updates stop.
func (s *Service) dropCourse(ctx context.Context, courseID int64, cause error) {
	watchers, werr := s.store.Watchers(ctx, courseID)
	if werr != nil {
		s.log.Error("watcher lookup failed during drop", logx.Int64("course", courseID), logx.Any("err", werr))
	}
	if err := s.store.DropCourse(ctx, courseID); err != nil {
		s.log.Error("course drop failed", logx.Int64("course", courseID), logx.Any("err", err))
		return
	}
	s.log.Warn("course dropped, access revoked", logx.Int64("course", courseID), logx.Any("err", cause))
	s.publish(eventbus.TypeCourseDrop, map[string]any{"course": courseID, "error": cause.Error()})

	if s.sink == nil {
		return
	}
	text := fmt.Sprintf("⚠️ Access to course %d was revoked; tracking for it has been removed.", courseID)
	for _, w := range watchers {
		n := transport.Notification{
			Target: transport.ChatTarget{ChatID: w.ChatID, ThreadID: w.ThreadID},
			Text:   text,
			Key:    "drop|" + strconv.FormatInt(courseID, 10),
		}
		if err := s.sink.Notify(ctx, n); err != nil {
			s.log.Debug("drop notice enqueue failed", logx.Int64("chat", w.ChatID), logx.Any("err", err))
		}
	}
}

// announce delivers one notification per fresh key to every channel
// currently watching the course. Watchers are re-read here, not cached
// from cycle start, so a disable during the fetch is honored.
func (s *Service) announce(ctx context.Context, courseID int64, courseLabel string, fresh []string, labels map[string]entryLabel) {
	if s.sink == nil {
		return
	}
	watchers, err := s.store.Watchers(ctx, courseID)
	if err != nil {
		s.log.Error("watcher lookup failed", logx.Int64("course", courseID), logx.Any("err", err))
		return
	}
	if len(watchers) == 0 {
		return
	}

	for _, key := range fresh {
		lbl, ok := labels[key]
		if !ok {
			continue
		}
		text := formatEntry(courseLabel, lbl)
		for _, w := range watchers {
			n := transport.Notification{
				Target:  transport.ChatTarget{ChatID: w.ChatID, ThreadID: w.ThreadID},
				Text:    text,
				Key:     strconv.FormatInt(courseID, 10) + "|" + key,
				Options: &transport.SendOptions{ParseMode: "HTML", DisablePreview: true},
			}
			if err := s.sink.Notify(ctx, n); err != nil {
				s.log.Debug("notification enqueue failed",
					logx.Int64("chat", w.ChatID),
					logx.String("key", key),
					logx.Any("err", err))
			}
		}
	}
}

func (s *Service) courseLabel(ctx context.Context, courseID int64, fetchTimeout time.Duration) string {
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	course, err := s.source.GetCourse(fctx, courseID)
	if err != nil || course.Name == "" {
		return "course " + strconv.FormatInt(courseID, 10)
	}
	return course.Name
}

func (s *Service) appendHistory(rep Report) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, rep)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

// History returns recent poll reports, newest last.
func (s *Service) History() []Report {
	s.hmu.Lock()
	out := append([]Report(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) publish(typ string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// diffKeys returns the elements of cur absent from prev, sorted.
func diffKeys(prev, cur []string) []string {
	seen := make(map[string]struct{}, len(prev))
	for _, k := range prev {
		seen[k] = struct{}{}
	}
	var fresh []string
	for _, k := range cur {
		if _, ok := seen[k]; !ok {
			fresh = append(fresh, k)
		}
	}
	sort.Strings(fresh)
	return fresh
}
