package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"coursebot/internal/canvas"
	"coursebot/internal/poller"
	"coursebot/internal/storage"
	kit "coursebot/internal/transport"
	logx "coursebot/pkg/logx"
)

// PollerPort is what the update/status commands need from the poller.
type PollerPort interface {
	PollOnce(ctx context.Context) (poller.Report, error)
	History() []poller.Report
}

// Deps bundles everything the built-in command set talks to. Reload and
// Shutdown are provided by the app so the router stays wiring-free.
type Deps struct {
	Store  storage.Store
	Canvas poller.ModuleSource
	Poller PollerPort
	Log    logx.Logger

	Reload   func(ctx context.Context) error
	Shutdown func(reason string)

	StartedAt time.Time
}

// Registry builds the bot's command set.
func Registry(d Deps) []Command {
	return []Command{
		{
			Route:       "track enable",
			Description: "start tracking a course in this chat",
			Usage:       "/track enable <course_id>",
			Access:      AccessEveryone,
			Timeout:     30 * time.Second,
			Handle:      d.handleTrackEnable,
		},
		{
			Route:       "track disable",
			Description: "stop tracking a course in this chat",
			Usage:       "/track disable <course_id>",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      d.handleTrackDisable,
		},
		{
			Route:       "courses",
			Aliases:     []string{"get_tracked_courses"},
			Description: "list the courses tracked in this chat",
			Usage:       "/courses",
			Access:      AccessEveryone,
			Timeout:     30 * time.Second,
			Handle:      d.handleCourses,
		},
		{
			Route:       "update",
			Aliases:     []string{"update_courses"},
			Description: "check all tracked courses for new modules now",
			Usage:       "/update",
			Access:      AccessEveryone,
			Timeout:     3 * time.Minute,
			Handle:      d.handleUpdate,
		},
		{
			Route:       "status",
			Description: "show bot and poller status",
			Usage:       "/status",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      d.handleStatus,
		},
		{
			Route:       "reload",
			Description: "reload configuration from disk",
			Usage:       "/reload",
			Access:      AccessOwnerOnly,
			Timeout:     30 * time.Second,
			Handle:      d.handleReload,
		},
		{
			Route:       "stop",
			Description: "shut the bot down",
			Usage:       "/stop",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      d.handleStop,
		},
	}
}

func reply(ctx context.Context, req *Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func parseCourseID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected exactly one course id")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%q is not a valid course id", args[0])
	}
	return id, nil
}

func (d Deps) handleTrackEnable(ctx context.Context, req *Request) error {
	courseID, err := parseCourseID(req.Args)
	if err != nil {
		return reply(ctx, req, "Usage: <code>/track enable &lt;course_id&gt;</code>\n"+html.EscapeString(err.Error()))
	}

	// Verify the course is visible before persisting anything.
	course, err := d.Canvas.GetCourse(ctx, courseID)
	switch {
	case errors.Is(err, canvas.ErrNotFound):
		return reply(ctx, req, fmt.Sprintf("Course %d was not found.", courseID))
	case errors.Is(err, canvas.ErrUnauthorized):
		return reply(ctx, req, fmt.Sprintf("No access to course %d with the configured token.", courseID))
	case err != nil:
		req.Logger.Warn("course lookup failed", logx.Int64("course", courseID), logx.Any("err", err))
		return reply(ctx, req, "Canvas is not reachable right now, try again later.")
	}

	ch := storage.ChannelRef{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID}
	changed, err := d.Store.EnableTracking(ctx, ch, courseID)
	if err != nil {
		req.Logger.Error("enable tracking failed", logx.Int64("course", courseID), logx.Any("err", err))
		return reply(ctx, req, "Could not persist the change, try again.")
	}
	if !changed {
		return reply(ctx, req, fmt.Sprintf("Already tracking <b>%s</b> here.", html.EscapeString(courseTitle(course, courseID))))
	}

	d.seedBaseline(ctx, req.Logger, courseID)
	return reply(ctx, req, fmt.Sprintf("Now tracking <b>%s</b>. New modules will be announced here.", html.EscapeString(courseTitle(course, courseID))))
}

// seedBaseline records the current module set for a course that has
// never been fetched, so enabling tracking does not replay the whole
// module history as notifications.
func (d Deps) seedBaseline(ctx context.Context, log logx.Logger, courseID int64) {
	if _, ok, err := d.Store.Snapshot(ctx, courseID); err != nil || ok {
		return
	}
	mods, err := d.Canvas.ListModules(ctx, courseID)
	if err != nil {
		log.Warn("baseline fetch failed, first poll will seed it", logx.Int64("course", courseID), logx.Any("err", err))
		return
	}
	keys := moduleKeys(mods)
	if err := d.Store.ReplaceSnapshot(ctx, courseID, keys); err != nil {
		log.Warn("baseline persist failed", logx.Int64("course", courseID), logx.Any("err", err))
		return
	}
	log.Info("course baseline seeded", logx.Int64("course", courseID), logx.Int("keys", len(keys)))
}

func moduleKeys(mods []canvas.Module) []string {
	var keys []string
	for _, m := range mods {
		keys = append(keys, "m:"+strconv.FormatInt(m.ID, 10))
		for _, it := range m.Items {
			keys = append(keys, "i:"+strconv.FormatInt(it.ID, 10))
		}
	}
	return keys
}

func courseTitle(c canvas.Course, fallbackID int64) string {
	if strings.TrimSpace(c.Name) != "" {
		return c.Name
	}
	return "course " + strconv.FormatInt(fallbackID, 10)
}

func (d Deps) handleTrackDisable(ctx context.Context, req *Request) error {
	courseID, err := parseCourseID(req.Args)
	if err != nil {
		return reply(ctx, req, "Usage: <code>/track disable &lt;course_id&gt;</code>\n"+html.EscapeString(err.Error()))
	}

	ch := storage.ChannelRef{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID}
	changed, err := d.Store.DisableTracking(ctx, ch, courseID)
	if err != nil {
		req.Logger.Error("disable tracking failed", logx.Int64("course", courseID), logx.Any("err", err))
		return reply(ctx, req, "Could not persist the change, try again.")
	}
	if !changed {
		return reply(ctx, req, fmt.Sprintf("Course %d was not tracked here.", courseID))
	}
	return reply(ctx, req, fmt.Sprintf("Stopped tracking course %d in this chat.", courseID))
}

func (d Deps) handleCourses(ctx context.Context, req *Request) error {
	ch := storage.ChannelRef{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID}
	ids, err := d.Store.ListTracked(ctx, ch)
	if err != nil {
		req.Logger.Error("list tracked failed", logx.Any("err", err))
		return reply(ctx, req, "Could not read the tracking list, try again.")
	}
	if len(ids) == 0 {
		return reply(ctx, req, "No courses are tracked in this chat. Use <code>/track enable &lt;course_id&gt;</code>.")
	}

	lines := []string{"📖 <b>Tracked courses</b>"}
	for _, id := range ids {
		label := strconv.FormatInt(id, 10)
		// Name lookup is best-effort; the list must work even when
		// Canvas is down.
		nctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if course, err := d.Canvas.GetCourse(nctx, id); err == nil && course.Name != "" {
			label = fmt.Sprintf("%s (%d)", course.Name, id)
		}
		cancel()
		lines = append(lines, "• "+html.EscapeString(label))
	}
	return reply(ctx, req, strings.Join(lines, "\n"))
}

func (d Deps) handleUpdate(ctx context.Context, req *Request) error {
	if err := reply(ctx, req, "Checking tracked courses…"); err != nil {
		return err
	}
	rep, err := d.Poller.PollOnce(ctx)
	if err != nil {
		req.Logger.Error("manual poll failed", logx.Any("err", err))
		return reply(ctx, req, "Update failed: "+html.EscapeString(err.Error()))
	}
	return reply(ctx, req, summarizeReport(rep))
}

func summarizeReport(rep poller.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Checked %d course(s) in %s.", rep.Courses, rep.Finished.Sub(rep.Started).Round(time.Millisecond))
	if rep.NewKeys > 0 {
		fmt.Fprintf(&b, "\n🆕 %d new entr(y/ies) announced.", rep.NewKeys)
	} else {
		b.WriteString("\nNo new modules.")
	}
	if rep.Failed > 0 {
		fmt.Fprintf(&b, "\n⚠️ %d course(s) failed, see logs.", rep.Failed)
	}
	return b.String()
}

func (d Deps) handleStatus(ctx context.Context, req *Request) error {
	tracked, err := d.Store.TrackedCourses(ctx)
	if err != nil {
		req.Logger.Error("status query failed", logx.Any("err", err))
		return reply(ctx, req, "Could not read status, try again.")
	}

	lines := []string{"🤖 <b>Status</b>"}
	if !d.StartedAt.IsZero() {
		lines = append(lines, "Uptime: "+time.Since(d.StartedAt).Round(time.Second).String())
	}
	lines = append(lines, fmt.Sprintf("Tracked courses: %d", len(tracked)))

	hist := d.Poller.History()
	if len(hist) == 0 {
		lines = append(lines, "No poll cycle has run yet.")
	} else {
		last := hist[len(hist)-1]
		lines = append(lines, fmt.Sprintf(
			"Last poll: %s (%d courses, %d new, %d failed)",
			last.Finished.Format(time.RFC3339), last.Courses, last.NewKeys, last.Failed,
		))
	}
	return reply(ctx, req, strings.Join(lines, "\n"))
}

func (d Deps) handleReload(ctx context.Context, req *Request) error {
	if d.Reload == nil {
		return reply(ctx, req, "Reload is not available.")
	}
	if err := d.Reload(ctx); err != nil {
		return reply(ctx, req, "Reload failed: "+html.EscapeString(err.Error()))
	}
	if err := reply(ctx, req, "Configuration reloaded, checking tracked courses…"); err != nil {
		req.Logger.Warn("reload ack failed", logx.Any("err", err))
	}
	report, err := d.Poller.PollOnce(ctx)
	if err != nil {
		return reply(ctx, req, "Post-reload check failed: "+html.EscapeString(err.Error()))
	}
	return reply(ctx, req, summarizeReport(report))
}

func (d Deps) handleStop(ctx context.Context, req *Request) error {
	if d.Shutdown == nil {
		return reply(ctx, req, "Shutdown is not available.")
	}
	if err := reply(ctx, req, "Shutting down…"); err != nil {
		req.Logger.Warn("stop ack failed", logx.Any("err", err))
	}
	d.Shutdown(fmt.Sprintf("stop command from user %d", req.FromID))
	return nil
}
