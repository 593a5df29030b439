// Package offline keeps the device-local study data (cached tasks, progress
// stats and the user profile) in a key-value blob store so it survives
// restarts and is available without a network.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/offlinefirst/kv"
)

// Blob keys.
const (
	KeyTasks   = "cached_tasks"
	KeyStats   = "offline_stats"
	KeyProfile = "user_profile"
)

// StudyMinutesPerTask is credited to the study time for every completion.
const StudyMinutesPerTask = 30

// ErrTaskNotFound is returned when an operation names a task that is not
// cached.
var ErrTaskNotFound = errors.New("task not found")

// Task is a study task cached for offline use.
type Task struct {
	ID         string `json:"id" validate:"required"`
	Title      string `json:"title" validate:"required"`
	Subject    string `json:"subject"`
	Difficulty int    `json:"difficulty" validate:"gte=0"`
	Content    string `json:"content,omitempty"`
	Completed  bool   `json:"completed,omitempty"`
	// CompletedAt is set when the task is completed locally.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CachedAt    time.Time  `json:"cachedAt"`
	// SyncedAt is set once the backend acknowledged the completion.
	SyncedAt *time.Time `json:"syncedAt,omitempty"`
}

// Pending reports whether the task holds a completion the backend has not
// acknowledged yet.
func (t Task) Pending() bool {
	return t.Completed && t.SyncedAt == nil
}

// Stats is the per-device progress record. TasksCompleted and StudyTime
// never decrease.
type Stats struct {
	TasksCompleted int `json:"tasksCompleted"`
	// StudyTime is in minutes.
	StudyTime     int       `json:"studyTime"`
	Streak        int       `json:"streak"`
	LastStudyDate time.Time `json:"lastStudyDate"`
}

// Profile is the cached user profile.
type Profile struct {
	ID         string `json:"id" validate:"required"`
	Name       string `json:"name"`
	Email      string `json:"email" validate:"omitempty,email"`
	Level      int    `json:"level"`
	Experience int    `json:"experience"`
}

// Snapshot is everything the store holds.
type Snapshot struct {
	Tasks   []Task   `json:"cachedTasks"`
	Stats   Stats    `json:"offlineStats"`
	Profile *Profile `json:"userProfile"`
}

// CacheStats summarizes the store contents.
type CacheStats struct {
	TotalTasks     int `json:"totalTasks"`
	CompletedTasks int `json:"completedTasks"`
	PendingSync    int `json:"pendingSync"`
	// SizeKB approximates the serialized size of all three collections.
	SizeKB         int        `json:"cacheSize"`
	OldestCachedAt *time.Time `json:"oldestCacheDate"`
}

// Store is the persistent local store. Its methods are safe for concurrent
// use; each mutation rewrites the affected blob whole.
//
// Each blob is read once per session. A blob whose read failed stays unread:
// mutations to it are kept in memory only, and the next operation retries
// the read and merges the two before persisting.
type Store struct {
	blobs kv.Store
	now   func() time.Time

	mu      sync.Mutex
	unread  map[string]bool
	dirty   map[string]bool
	rev     uint64
	tasks   []Task
	stats   Stats
	profile *Profile
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps and the streak.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store backed by blobs. Nothing is read until first use.
func New(blobs kv.Store, opts ...Option) *Store {
	s := &Store{blobs: blobs, now: time.Now}
	s.resetLocked()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) resetLocked() {
	s.unread = map[string]bool{KeyTasks: true, KeyStats: true, KeyProfile: true}
	s.dirty = map[string]bool{}
	s.tasks = nil
	s.stats = Stats{}
	s.profile = nil
	s.rev++
}

// LoadAll returns everything the store holds. Blobs are read from storage
// on first use only; afterwards the in-memory state is authoritative.
// Missing or undecodable stats are replaced by zero-valued defaults, which
// are persisted; missing tasks and profile default to empty.
func (s *Store) LoadAll(ctx context.Context) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	return s.snapshotLocked()
}

// Revision changes whenever the visible contents may have changed.
func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev
}

func (s *Store) ensureLoaded(ctx context.Context) {
	if s.unread[KeyTasks] {
		s.loadTasks(ctx)
	}
	if s.unread[KeyStats] {
		s.loadStats(ctx)
	}
	if s.unread[KeyProfile] {
		s.loadProfile(ctx)
	}
}

func (s *Store) loadTasks(ctx context.Context) {
	var disk []Task
	found, ok := s.load(ctx, KeyTasks, &disk)
	if !ok {
		return
	}
	if !found {
		disk = nil
	}
	s.rev++
	if !s.dirty[KeyTasks] {
		s.tasks = disk
		return
	}
	delete(s.dirty, KeyTasks)
	s.tasks = mergeTasks(disk, s.tasks)
	s.write(ctx, KeyTasks, s.tasks)
}

func (s *Store) loadStats(ctx context.Context) {
	var disk Stats
	found, ok := s.load(ctx, KeyStats, &disk)
	if !ok {
		return
	}
	if !found {
		disk = Stats{LastStudyDate: s.now()}
	}
	s.rev++
	dirty := s.dirty[KeyStats]
	delete(s.dirty, KeyStats)
	if dirty {
		disk = mergeStats(disk, s.stats)
	}
	s.stats = disk
	if !found || dirty {
		s.write(ctx, KeyStats, s.stats)
	}
}

func (s *Store) loadProfile(ctx context.Context) {
	var disk Profile
	found, ok := s.load(ctx, KeyProfile, &disk)
	if !ok {
		return
	}
	s.rev++
	if s.dirty[KeyProfile] && s.profile != nil {
		delete(s.dirty, KeyProfile)
		s.write(ctx, KeyProfile, *s.profile)
		return
	}
	s.profile = nil
	if found {
		s.profile = &disk
	}
}

// mergeTasks overlays tasks changed in memory onto the persisted list.
// Persisted completions are kept.
func mergeTasks(disk, mem []Task) []Task {
	out := slices.Clone(disk)
	for _, t := range mem {
		i := slices.IndexFunc(out, func(d Task) bool { return d.ID == t.ID })
		if i < 0 {
			out = append(out, t)
			continue
		}
		if old := out[i]; old.Completed && !t.Completed {
			t.Completed = true
			t.CompletedAt = old.CompletedAt
			t.SyncedAt = old.SyncedAt
		}
		out[i] = t
	}
	return out
}

// mergeStats adds credits earned in memory, which started from zero, to the
// persisted record.
func mergeStats(disk, mem Stats) Stats {
	out := disk
	out.TasksCompleted += mem.TasksCompleted
	out.StudyTime += mem.StudyTime
	if mem.TasksCompleted > 0 && mem.LastStudyDate.After(disk.LastStudyDate) {
		out.LastStudyDate = mem.LastStudyDate
		if mem.Streak > out.Streak {
			out.Streak = mem.Streak
		}
	}
	return out
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Tasks: slices.Clone(s.tasks),
		Stats: s.stats,
	}
	if snap.Tasks == nil {
		snap.Tasks = []Task{}
	}
	if s.profile != nil {
		p := *s.profile
		snap.Profile = &p
	}
	return snap
}

// CacheTask inserts the task or replaces the cached task with the same id,
// stamping CachedAt, and rewrites the task list. A completion already
// recorded for the task is kept so it is neither lost nor counted twice.
func (s *Store) CacheTask(ctx context.Context, t Task) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	t.CachedAt = s.now()
	if i := s.indexLocked(t.ID); i >= 0 {
		if old := s.tasks[i]; old.Completed {
			t.Completed = true
			t.CompletedAt = old.CompletedAt
			t.SyncedAt = old.SyncedAt
		}
		s.tasks[i] = t
	} else {
		s.tasks = append(s.tasks, t)
	}
	s.rev++

	s.write(ctx, KeyTasks, s.tasks)
	return t
}

// MarkCompleted completes a cached task and credits the stats. It returns
// ErrTaskNotFound, changing nothing, when the task is not cached.
// Completing a task twice counts once.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if s.tasks[i].Completed {
		return nil
	}

	now := s.now()
	s.tasks[i].Completed = true
	s.tasks[i].CompletedAt = &now

	s.stats.Streak = nextStreak(s.stats, now)
	s.stats.TasksCompleted++
	s.stats.StudyTime += StudyMinutesPerTask
	s.stats.LastStudyDate = now
	s.rev++

	// Tasks first: a crash between the writes leaves a flagged task whose
	// credit is missing, never a credit without its task.
	s.write(ctx, KeyTasks, s.tasks)
	s.write(ctx, KeyStats, s.stats)
	return nil
}

// nextStreak counts consecutive calendar days with at least one completion.
func nextStreak(st Stats, now time.Time) int {
	if st.TasksCompleted == 0 || st.Streak == 0 {
		return 1
	}
	switch days := daysBetween(st.LastStudyDate, now); {
	case days == 0:
		return st.Streak
	case days == 1:
		return st.Streak + 1
	default:
		return 1
	}
}

func daysBetween(from, to time.Time) int {
	loc := to.Location()
	y1, m1, d1 := from.In(loc).Date()
	y2, m2, d2 := to.Date()
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// CacheProfile replaces the cached profile.
func (s *Store) CacheProfile(ctx context.Context, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	s.profile = &p
	s.rev++
	s.write(ctx, KeyProfile, p)
}

// ClearCache empties all three collections and deletes their blobs.
func (s *Store) ClearCache(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	for _, key := range []string{KeyTasks, KeyStats, KeyProfile} {
		if err := s.blobs.Remove(ctx, key); err != nil {
			clog.FromContext(ctx).Warnf("removing %s: %v", key, err)
		}
	}
}

// CacheStats summarizes the store. It has no side effects beyond the
// initial load.
func (s *Store) CacheStats(ctx context.Context) CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	var cs CacheStats
	cs.TotalTasks = len(s.tasks)
	for _, t := range s.tasks {
		if t.Completed {
			cs.CompletedTasks++
		}
		if t.Pending() {
			cs.PendingSync++
		}
		if cs.OldestCachedAt == nil || t.CachedAt.Before(*cs.OldestCachedAt) {
			at := t.CachedAt
			cs.OldestCachedAt = &at
		}
	}
	if b, err := json.Marshal(s.snapshotLocked()); err == nil {
		cs.SizeKB = int(math.Round(float64(len(b)) / 1024))
	}
	return cs
}

// Pending returns the completed tasks not yet acknowledged by the backend,
// in cache order.
func (s *Store) Pending(ctx context.Context) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	var out []Task
	for _, t := range s.tasks {
		if t.Pending() {
			out = append(out, t)
		}
	}
	return out
}

// MarkSynced records the backend's acknowledgment of a completion.
func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	s.tasks[i].SyncedAt = &at
	s.rev++
	s.write(ctx, KeyTasks, s.tasks)
	return nil
}

func (s *Store) indexLocked(id string) int {
	return slices.IndexFunc(s.tasks, func(t Task) bool { return t.ID == id })
}
