package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "coursebot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.json    (periodic snapshot of the whole state)
//   - <prefix>.journal.jsonl (append-only journal, fsynced per mutation)
//
// The journal is periodically compacted into the state snapshot. Recovery
// loads the snapshot then replays the journal over it.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath string
	journal   *os.File

	tracking map[trackKey]struct{}
	snaps    map[int64]map[string]struct{} // nil value never stored; presence means "fetched"
	dedup    map[string]int64              // unix milli

	writes int
}

type trackKey struct {
	Chat   int64
	Thread int
	Course int64
}

type journalRecord struct {
	Op       string   `json:"op"` // enable | disable | snapshot | drop | dedup
	ChatID   int64    `json:"chat_id,omitempty"`
	ThreadID int      `json:"thread_id,omitempty"`
	CourseID int64    `json:"course_id,omitempty"`
	Keys     []string `json:"keys,omitempty"`
	Key      string   `json:"key,omitempty"`
	Until    int64    `json:"until,omitempty"`
}

type fileState struct {
	Tracking []struct {
		ChatID   int64 `json:"chat_id"`
		ThreadID int   `json:"thread_id,omitempty"`
		CourseID int64 `json:"course_id"`
	} `json:"tracking"`
	Snapshots map[string][]string `json:"snapshots"`
	Dedup     map[string]int64    `json:"dedup,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./data/coursebot"
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		statePath: prefix + ".state.json",
		tracking:  map[trackKey]struct{}{},
		snaps:     map[int64]map[string]struct{}{},
		dedup:     map[string]int64{},
	}

	_ = s.loadState()
	journalPath := prefix + ".journal.jsonl"
	_ = s.replayJournal(journalPath)
	pruneExpiredDedup(s.dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	cerr := s.journal.Close()
	s.journal = nil
	if err != nil {
		return err
	}
	return cerr
}

// appendLocked writes one journal record and makes it durable.
func (s *fileStore) appendLocked(r journalRecord, sync bool) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	if sync {
		if err := s.journal.Sync(); err != nil {
			return err
		}
	}
	s.writes++
	if s.writes%512 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) EnableTracking(_ context.Context, ch ChannelRef, courseID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := trackKey{Chat: ch.ChatID, Thread: ch.ThreadID, Course: courseID}
	if _, ok := s.tracking[k]; ok {
		return false, nil
	}
	if err := s.appendLocked(journalRecord{Op: "enable", ChatID: ch.ChatID, ThreadID: ch.ThreadID, CourseID: courseID}, true); err != nil {
		return false, err
	}
	s.tracking[k] = struct{}{}
	return true, nil
}

func (s *fileStore) DisableTracking(_ context.Context, ch ChannelRef, courseID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := trackKey{Chat: ch.ChatID, Thread: ch.ThreadID, Course: courseID}
	if _, ok := s.tracking[k]; !ok {
		return false, nil
	}
	if err := s.appendLocked(journalRecord{Op: "disable", ChatID: ch.ChatID, ThreadID: ch.ThreadID, CourseID: courseID}, true); err != nil {
		return false, err
	}
	delete(s.tracking, k)
	return true, nil
}

func (s *fileStore) ListTracked(_ context.Context, ch ChannelRef) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for k := range s.tracking {
		if k.Chat == ch.ChatID && k.Thread == ch.ThreadID {
			out = append(out, k.Course)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fileStore) TrackedCourses(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int64]struct{}{}
	var out []int64
	for k := range s.tracking {
		if _, ok := seen[k.Course]; ok {
			continue
		}
		seen[k.Course] = struct{}{}
		out = append(out, k.Course)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fileStore) Watchers(_ context.Context, courseID int64) ([]ChannelRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ChannelRef
	for k := range s.tracking {
		if k.Course == courseID {
			out = append(out, ChannelRef{ChatID: k.Chat, ThreadID: k.Thread})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChatID != out[j].ChatID {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out, nil
}

func (s *fileStore) Snapshot(_ context.Context, courseID int64) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.snaps[courseID]
	if !ok {
		return nil, false, nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, true, nil
}

func (s *fileStore) ReplaceSnapshot(_ context.Context, courseID int64, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "snapshot", CourseID: courseID, Keys: keys}, true); err != nil {
		return err
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	s.snaps[courseID] = set
	return nil
}

func (s *fileStore) DropCourse(_ context.Context, courseID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "drop", CourseID: courseID}, true); err != nil {
		return err
	}
	for k := range s.tracking {
		if k.Course == courseID {
			delete(s.tracking, k)
		}
	}
	delete(s.snaps, courseID)
	return nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Dedup is advisory; skip the fsync to keep notification throughput up.
	if err := s.appendLocked(journalRecord{Op: "dedup", Key: key, Until: until.UnixMilli()}, false); err != nil {
		return err
	}
	s.dedup[key] = until.UnixMilli()
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)

	st := fileState{Snapshots: map[string][]string{}, Dedup: s.dedup}
	for k := range s.tracking {
		st.Tracking = append(st.Tracking, struct {
			ChatID   int64 `json:"chat_id"`
			ThreadID int   `json:"thread_id,omitempty"`
			CourseID int64 `json:"course_id"`
		}{ChatID: k.Chat, ThreadID: k.Thread, CourseID: k.Course})
	}
	for course, set := range s.snaps {
		keys := make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		st.Snapshots[strconv.FormatInt(course, 10)] = keys
	}

	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return err
	}
	if s.journal != nil {
		if err := s.journal.Truncate(0); err != nil {
			return err
		}
		if _, err := s.journal.Seek(0, 2); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) loadState() error {
	f, err := os.Open(s.statePath)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for _, t := range st.Tracking {
		s.tracking[trackKey{Chat: t.ChatID, Thread: t.ThreadID, Course: t.CourseID}] = struct{}{}
	}
	for cs, keys := range st.Snapshots {
		course, err := strconv.ParseInt(cs, 10, 64)
		if err != nil {
			continue
		}
		set := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			set[k] = struct{}{}
		}
		s.snaps[course] = set
	}
	for k, v := range st.Dedup {
		s.dedup[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue // torn tail write; ignore
		}
		switch r.Op {
		case "enable":
			s.tracking[trackKey{Chat: r.ChatID, Thread: r.ThreadID, Course: r.CourseID}] = struct{}{}
		case "disable":
			delete(s.tracking, trackKey{Chat: r.ChatID, Thread: r.ThreadID, Course: r.CourseID})
		case "snapshot":
			set := make(map[string]struct{}, len(r.Keys))
			for _, k := range r.Keys {
				set[k] = struct{}{}
			}
			s.snaps[r.CourseID] = set
		case "drop":
			for k := range s.tracking {
				if k.Course == r.CourseID {
					delete(s.tracking, k)
				}
			}
			delete(s.snaps, r.CourseID)
		case "dedup":
			if r.Key != "" {
				s.dedup[r.Key] = r.Until
			}
		}
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
