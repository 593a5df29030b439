package offline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/imjasonh/offlinefirst/kv"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *kv.Memory, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	blobs := kv.NewMemory()
	return New(blobs, WithClock(c.now)), blobs, c
}

func task(id string) Task {
	return Task{ID: id, Title: "Task " + id, Subject: "math", Difficulty: 2}
}

func TestLoadAll_Defaults(t *testing.T) {
	ctx := context.Background()
	s, blobs, c := newTestStore(t)

	snap := s.LoadAll(ctx)
	if len(snap.Tasks) != 0 || snap.Profile != nil {
		t.Errorf("LoadAll() = %+v, want empty", snap)
	}
	if snap.Stats.TasksCompleted != 0 || !snap.Stats.LastStudyDate.Equal(c.t) {
		t.Errorf("Stats = %+v, want zero defaults", snap.Stats)
	}

	// The default stats record is persisted.
	raw, err := blobs.Get(ctx, KeyStats)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", KeyStats, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Schema != SchemaVersion {
		t.Errorf("stats blob = %s, want schema %d envelope", raw, SchemaVersion)
	}
	if _, err := blobs.Get(ctx, KeyTasks); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("tasks blob written on load: %v", err)
	}
}

func TestCacheTask_Upsert(t *testing.T) {
	ctx := context.Background()
	s, blobs, c := newTestStore(t)

	s.CacheTask(ctx, task("t1"))
	c.advance(time.Minute)
	updated := task("t1")
	updated.Title = "Renamed"
	got := s.CacheTask(ctx, updated)
	if !got.CachedAt.Equal(c.t) {
		t.Errorf("CachedAt = %v, want %v", got.CachedAt, c.t)
	}

	snap := s.LoadAll(ctx)
	if len(snap.Tasks) != 1 {
		t.Fatalf("Tasks = %d, want 1", len(snap.Tasks))
	}
	if snap.Tasks[0].Title != "Renamed" {
		t.Errorf("Title = %q, want Renamed", snap.Tasks[0].Title)
	}

	// A fresh store over the same blobs sees the rewrite.
	again := New(blobs).LoadAll(ctx)
	if len(again.Tasks) != 1 || again.Tasks[0].Title != "Renamed" {
		t.Errorf("reloaded Tasks = %+v", again.Tasks)
	}
}

func TestMarkCompleted(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	s.CacheTask(ctx, task("t1"))
	s.CacheTask(ctx, task("t2"))

	if err := s.MarkCompleted(ctx, "t1"); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	snap := s.LoadAll(ctx)
	if !snap.Tasks[0].Completed || snap.Tasks[0].CompletedAt == nil {
		t.Errorf("t1 = %+v, want completed", snap.Tasks[0])
	}
	if snap.Tasks[1].Completed {
		t.Error("t2 completed unexpectedly")
	}
	if snap.Stats.TasksCompleted != 1 || snap.Stats.StudyTime != StudyMinutesPerTask || snap.Stats.Streak != 1 {
		t.Errorf("Stats = %+v", snap.Stats)
	}

	// Completing again is not counted twice.
	if err := s.MarkCompleted(ctx, "t1"); err != nil {
		t.Fatalf("second MarkCompleted() error = %v", err)
	}
	if got := s.LoadAll(ctx).Stats.TasksCompleted; got != 1 {
		t.Errorf("TasksCompleted = %d after repeat, want 1", got)
	}

	// Re-caching a completed task keeps the completion.
	s.CacheTask(ctx, task("t1"))
	if err := s.MarkCompleted(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	snap = s.LoadAll(ctx)
	if !snap.Tasks[0].Completed || snap.Stats.TasksCompleted != 1 {
		t.Errorf("after re-cache: task = %+v, stats = %+v", snap.Tasks[0], snap.Stats)
	}
}

func TestMarkCompleted_UnknownTask(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	s.CacheTask(ctx, task("t2"))
	before := s.LoadAll(ctx)

	err := s.MarkCompleted(ctx, "t1")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("MarkCompleted() error = %v, want ErrTaskNotFound", err)
	}

	after := s.LoadAll(ctx)
	if after.Stats != before.Stats {
		t.Errorf("Stats changed: %+v -> %+v", before.Stats, after.Stats)
	}
	if after.Tasks[0].Completed {
		t.Error("unrelated task completed")
	}
}

func TestMarkCompleted_CountersAreMonotonic(t *testing.T) {
	ctx := context.Background()
	s, _, c := newTestStore(t)

	prev := s.LoadAll(ctx).Stats
	for i, id := range []string{"a", "b", "c", "d"} {
		s.CacheTask(ctx, task(id))
		if err := s.MarkCompleted(ctx, id); err != nil {
			t.Fatal(err)
		}
		st := s.LoadAll(ctx).Stats
		if st.TasksCompleted != prev.TasksCompleted+1 || st.StudyTime != prev.StudyTime+StudyMinutesPerTask {
			t.Errorf("completion %d: stats %+v -> %+v", i, prev, st)
		}
		prev = st
		c.advance(6 * time.Hour)
	}
}

func TestStreak(t *testing.T) {
	ctx := context.Background()
	s, _, c := newTestStore(t)

	complete := func(id string) Stats {
		t.Helper()
		s.CacheTask(ctx, task(id))
		if err := s.MarkCompleted(ctx, id); err != nil {
			t.Fatal(err)
		}
		return s.LoadAll(ctx).Stats
	}

	if got := complete("d1").Streak; got != 1 {
		t.Errorf("first day streak = %d, want 1", got)
	}
	c.advance(2 * time.Hour)
	if got := complete("d1b").Streak; got != 1 {
		t.Errorf("same day streak = %d, want 1", got)
	}
	c.advance(24 * time.Hour)
	if got := complete("d2").Streak; got != 2 {
		t.Errorf("next day streak = %d, want 2", got)
	}
	c.advance(24 * time.Hour)
	if got := complete("d3").Streak; got != 3 {
		t.Errorf("third day streak = %d, want 3", got)
	}
	c.advance(72 * time.Hour)
	if got := complete("d6").Streak; got != 1 {
		t.Errorf("streak after gap = %d, want 1", got)
	}
}

func TestCacheProfileAndClear(t *testing.T) {
	ctx := context.Background()
	s, blobs, _ := newTestStore(t)

	s.CacheProfile(ctx, Profile{ID: "u1", Name: "Ada", Email: "ada@example.com", Level: 3})
	s.CacheTask(ctx, task("t1"))
	if p := s.LoadAll(ctx).Profile; p == nil || p.Name != "Ada" {
		t.Fatalf("Profile = %+v", p)
	}

	s.ClearCache(ctx)
	for _, key := range []string{KeyTasks, KeyProfile} {
		if _, err := blobs.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
			t.Errorf("Get(%s) after clear error = %v, want ErrNotFound", key, err)
		}
	}

	snap := s.LoadAll(ctx)
	if len(snap.Tasks) != 0 || snap.Profile != nil || snap.Stats.TasksCompleted != 0 {
		t.Errorf("LoadAll() after clear = %+v", snap)
	}
}

func TestCacheStats(t *testing.T) {
	ctx := context.Background()
	s, _, c := newTestStore(t)

	if cs := s.CacheStats(ctx); cs.TotalTasks != 0 || cs.OldestCachedAt != nil {
		t.Errorf("empty CacheStats() = %+v", cs)
	}

	first := c.t
	s.CacheTask(ctx, task("t1"))
	c.advance(time.Hour)
	big := task("t2")
	big.Content = strings.Repeat("x", 4096)
	s.CacheTask(ctx, big)
	if err := s.MarkCompleted(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	cs := s.CacheStats(ctx)
	if cs.TotalTasks != 2 || cs.CompletedTasks != 1 || cs.PendingSync != 1 {
		t.Errorf("CacheStats() = %+v", cs)
	}
	if cs.OldestCachedAt == nil || !cs.OldestCachedAt.Equal(first) {
		t.Errorf("OldestCachedAt = %v, want %v", cs.OldestCachedAt, first)
	}
	if cs.SizeKB < 4 {
		t.Errorf("SizeKB = %d, want at least 4", cs.SizeKB)
	}
}

func TestPendingAndMarkSynced(t *testing.T) {
	ctx := context.Background()
	s, _, c := newTestStore(t)
	for _, id := range []string{"t1", "t2", "t3"} {
		s.CacheTask(ctx, task(id))
	}
	s.MarkCompleted(ctx, "t1")
	s.MarkCompleted(ctx, "t3")

	pending := s.Pending(ctx)
	if len(pending) != 2 || pending[0].ID != "t1" || pending[1].ID != "t3" {
		t.Fatalf("Pending() = %+v", pending)
	}

	if err := s.MarkSynced(ctx, "t1", c.t); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}
	if pending := s.Pending(ctx); len(pending) != 1 || pending[0].ID != "t3" {
		t.Errorf("Pending() after sync = %+v", pending)
	}
	if err := s.MarkSynced(ctx, "nope", c.t); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("MarkSynced(unknown) error = %v, want ErrTaskNotFound", err)
	}
}

func TestLegacyBlobsMigrate(t *testing.T) {
	ctx := context.Background()
	blobs := kv.NewMemory()
	blobs.Set(ctx, KeyTasks, []byte(`[{"id":"t1","title":"Limits","subject":"math","difficulty":3,"completed":true,"cachedAt":"2024-05-01T10:00:00.000Z"}]`))
	blobs.Set(ctx, KeyStats, []byte(`{"tasksCompleted":4,"studyTime":120,"streak":2,"lastStudyDate":"2024-05-01T10:00:00.000Z"}`))

	s := New(blobs)
	snap := s.LoadAll(ctx)
	if len(snap.Tasks) != 1 || !snap.Tasks[0].Completed || snap.Tasks[0].Difficulty != 3 {
		t.Fatalf("Tasks = %+v", snap.Tasks)
	}
	if snap.Stats.TasksCompleted != 4 || snap.Stats.StudyTime != 120 {
		t.Errorf("Stats = %+v", snap.Stats)
	}

	// The next write upgrades the blob.
	s.CacheTask(ctx, task("t2"))
	raw, _ := blobs.Get(ctx, KeyTasks)
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Schema != SchemaVersion {
		t.Errorf("tasks blob after write = %s", raw)
	}
}

func TestMalformedBlobs(t *testing.T) {
	ctx := context.Background()
	blobs := kv.NewMemory()
	blobs.Set(ctx, KeyTasks, []byte(`{not json`))
	blobs.Set(ctx, KeyStats, []byte(`"garbage"`))
	blobs.Set(ctx, KeyProfile, []byte(`{"schema":99,"data":{}}`))

	snap := New(blobs).LoadAll(ctx)
	if len(snap.Tasks) != 0 || snap.Profile != nil || snap.Stats.TasksCompleted != 0 {
		t.Errorf("LoadAll() = %+v, want defaults", snap)
	}
}

// flakyStore fails writes while failSet is set, and fails the next
// failGet[key] reads of key.
type flakyStore struct {
	kv.Store
	failSet bool
	failGet map[string]int
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failGet[key] > 0 {
		f.failGet[key]--
		return nil, errors.New("disk I/O error")
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte) error {
	if f.failSet {
		return errors.New("quota exceeded")
	}
	return f.Store.Set(ctx, key, value)
}

func TestWriteFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	blobs := &flakyStore{Store: kv.NewMemory()}
	s := New(blobs)

	s.CacheTask(ctx, task("t1"))
	s.CacheTask(ctx, task("t2"))
	if err := s.MarkCompleted(ctx, "t1"); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	blobs.failSet = true
	if err := s.MarkCompleted(ctx, "t2"); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	// The in-memory state stays authoritative for the session.
	snap := s.LoadAll(ctx)
	if snap.Stats.TasksCompleted != 2 {
		t.Errorf("TasksCompleted = %d, want 2", snap.Stats.TasksCompleted)
	}
	if pending := s.Pending(ctx); len(pending) != 2 {
		t.Errorf("Pending() = %+v, want both completions", pending)
	}
	if cs := s.CacheStats(ctx); cs.CompletedTasks != 2 {
		t.Errorf("CacheStats() = %+v, want 2 completed", cs)
	}
}

func TestReadFailureKeepsPersistedData(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	seed := New(mem)
	seed.CacheTask(ctx, task("t1"))
	if err := seed.MarkCompleted(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	blobs := &flakyStore{Store: mem, failGet: map[string]int{KeyTasks: 3, KeyStats: 3}}
	s := New(blobs)

	// Both reads fail: nothing is persisted over the real blobs.
	if snap := s.LoadAll(ctx); len(snap.Tasks) != 0 {
		t.Errorf("LoadAll() Tasks = %+v, want none while unreadable", snap.Tasks)
	}
	// Still unreadable; the new completion is kept in memory only.
	s.CacheTask(ctx, task("t2"))
	if err := s.MarkCompleted(ctx, "t2"); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if got := New(mem).LoadAll(ctx); len(got.Tasks) != 1 || got.Stats.TasksCompleted != 1 {
		t.Fatalf("persisted = %+v, want the original record untouched", got)
	}

	// Reads recover: memory and storage are merged and persisted.
	snap := s.LoadAll(ctx)
	if len(snap.Tasks) != 2 || snap.Stats.TasksCompleted != 2 || snap.Stats.StudyTime != 2*StudyMinutesPerTask {
		t.Errorf("LoadAll() after recovery = %+v", snap)
	}
	if pending := s.Pending(ctx); len(pending) != 2 {
		t.Errorf("Pending() = %+v, want t1 and t2", pending)
	}

	fresh := New(mem).LoadAll(ctx)
	if len(fresh.Tasks) != 2 || fresh.Stats.TasksCompleted != 2 {
		t.Errorf("persisted after recovery = %+v, want both tasks and 2 completions", fresh)
	}
}

func TestRevision(t *testing.T) {
	ctx := context.Background()
	s, _, c := newTestStore(t)
	s.LoadAll(ctx)

	rev := s.Revision()
	s.LoadAll(ctx)
	if s.Revision() != rev {
		t.Error("Revision() changed on a read")
	}
	s.CacheTask(ctx, task("t1"))
	if s.Revision() == rev {
		t.Error("Revision() unchanged after CacheTask")
	}
	rev = s.Revision()
	if err := s.MarkSynced(ctx, "t1", c.t); err != nil {
		t.Fatal(err)
	}
	if s.Revision() == rev {
		t.Error("Revision() unchanged after MarkSynced")
	}
}
