package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": dependency-free file backend (snapshot + journal)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ChannelRef identifies a chat channel: a Telegram chat plus an optional
// forum thread.
type ChannelRef struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// Store is the persistence API used by the poller and the command handlers.
//
// Registry semantics:
//   - EnableTracking/DisableTracking are idempotent and report whether the
//     call changed anything.
//   - A write is durable before the method returns; callers may acknowledge
//     success to the user as soon as it does.
//
// Snapshot semantics:
//   - Snapshot returns ok=false for a course that has never been fetched;
//     an empty-but-fetched course returns ok=true with no keys.
//   - ReplaceSnapshot swaps the whole key set atomically (never a partial
//     update).
type Store interface {
	EnableTracking(ctx context.Context, ch ChannelRef, courseID int64) (added bool, err error)
	DisableTracking(ctx context.Context, ch ChannelRef, courseID int64) (removed bool, err error)
	ListTracked(ctx context.Context, ch ChannelRef) ([]int64, error)
	TrackedCourses(ctx context.Context) ([]int64, error)
	Watchers(ctx context.Context, courseID int64) ([]ChannelRef, error)

	Snapshot(ctx context.Context, courseID int64) (keys []string, ok bool, err error)
	ReplaceSnapshot(ctx context.Context, courseID int64, keys []string) error

	// DropCourse removes a course's tracking pairs and snapshot in one go.
	// Used when Canvas revokes access to a course.
	DropCourse(ctx context.Context, courseID int64) error

	// Notifier dedup state.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
