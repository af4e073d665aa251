package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nous-labs/engage/pkg/loop"
	"github.com/nous-labs/engage/pkg/store"
	"github.com/nous-labs/engage/pkg/thread"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newLoop(topic string, typ loop.Type, salience float64, created time.Time) loop.OpenLoop {
	return loop.OpenLoop{
		Topic:     topic,
		Type:      typ,
		Salience:  salience,
		CreatedAt: created,
		ExpiresAt: created.Add(7 * 24 * time.Hour),
		Status:    loop.StatusActive,
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if st := s.Stats(); st.Loops != 0 {
		t.Errorf("Stats.Loops = %d, want 0", st.Loops)
	}
}

func TestInsertAndGetLoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	l := newLoop("job interview", loop.TypeEvent, 0.7, t0)
	l.Timeframe = "tomorrow"
	l.TopicEmbedding = []float32{0.25, -0.5}

	id, err := s.InsertLoop(ctx, "user-1", l)
	if err != nil {
		t.Fatalf("InsertLoop: %v", err)
	}
	if id == "" {
		t.Fatal("InsertLoop returned empty id")
	}

	got, err := s.GetLoop(ctx, "user-1", id)
	if err != nil {
		t.Fatalf("GetLoop: %v", err)
	}
	if got.Topic != "job interview" || got.Type != loop.TypeEvent || got.Timeframe != "tomorrow" {
		t.Errorf("GetLoop = %+v", got)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, t0)
	}
	if len(got.TopicEmbedding) != 2 || got.TopicEmbedding[1] != -0.5 {
		t.Errorf("TopicEmbedding = %v", got.TopicEmbedding)
	}

	if _, err := s.GetLoop(ctx, "user-2", id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetLoop other scope: err = %v, want ErrNotFound", err)
	}
}

func TestInsertLoopRejectsInvalidType(t *testing.T) {
	s := openTestStore(t)
	_, err := s.InsertLoop(context.Background(), "u", newLoop("x", loop.Type("chore"), 0.5, t0))
	if !errors.Is(err, loop.ErrInvalidType) {
		t.Errorf("err = %v, want ErrInvalidType", err)
	}
}

func TestFetchByStatusOrdersOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	newer, _ := s.InsertLoop(ctx, "u", newLoop("b", loop.TypeTask, 0.5, t0.Add(time.Hour)))
	older, _ := s.InsertLoop(ctx, "u", newLoop("a", loop.TypeTask, 0.5, t0))
	s.InsertLoop(ctx, "other", newLoop("c", loop.TypeTask, 0.5, t0))

	loops, err := s.FetchByStatus(ctx, "u", loop.OpenStatuses...)
	if err != nil {
		t.Fatalf("FetchByStatus: %v", err)
	}
	if len(loops) != 2 {
		t.Fatalf("got %d loops, want 2", len(loops))
	}
	if loops[0].ID != older || loops[1].ID != newer {
		t.Errorf("order = [%s %s], want [%s %s]", loops[0].ID, loops[1].ID, older, newer)
	}
}

func TestUpdateStatusIsConditional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, _ := s.InsertLoop(ctx, "u", newLoop("a", loop.TypeEvent, 0.5, t0))
	b, _ := s.InsertLoop(ctx, "u", newLoop("b", loop.TypeEvent, 0.5, t0))

	n, err := s.UpdateStatus(ctx, "u", []string{a}, loop.StatusResolved)
	if err != nil || n != 1 {
		t.Fatalf("resolve: n=%d err=%v", n, err)
	}

	// Expiring both must leave the resolved loop untouched.
	n, err = s.UpdateStatus(ctx, "u", []string{a, b}, loop.StatusExpired)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d loops, want 1", n)
	}
	got, _ := s.GetLoop(ctx, "u", a)
	if got.Status != loop.StatusResolved {
		t.Errorf("status = %s, want resolved", got.Status)
	}

	n, _ = s.UpdateStatus(ctx, "u", []string{b}, loop.StatusExpired)
	if n != 0 {
		t.Errorf("second expiry changed %d rows, want 0", n)
	}
	c, _ := s.InsertLoop(ctx, "u", newLoop("c", loop.TypeEvent, 0.5, t0))
	n, err = s.UpdateStatus(ctx, "u", []string{a, b, c}, loop.StatusActive)
	if err != nil || n != 0 {
		t.Errorf("reactivate: n=%d err=%v, want no transition into active", n, err)
	}
}

func TestMarkSurfaced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertLoop(ctx, "u", newLoop("exam", loop.TypeEvent, 0.85, t0))
	for i := 0; i < 2; i++ {
		if err := s.MarkSurfaced(ctx, "u", id); err != nil {
			t.Fatalf("MarkSurfaced #%d: %v", i, err)
		}
	}
	got, _ := s.GetLoop(ctx, "u", id)
	if got.Status != loop.StatusSurfaced || got.SurfacedCount != 2 {
		t.Errorf("after surfacing: status=%s count=%d", got.Status, got.SurfacedCount)
	}

	active, _ := s.FetchActive(ctx, "u")
	if len(active) != 0 {
		t.Errorf("FetchActive = %d loops, want 0", len(active))
	}

	s.UpdateStatus(ctx, "u", []string{id}, loop.StatusExpired)
	if err := s.MarkSurfaced(ctx, "u", id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("MarkSurfaced on expired loop: err = %v", err)
	}
}

func TestThreadsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertThread(ctx, "u", thread.Thread{
		Content:   "wondering about the hike",
		Type:      thread.TypeAnticipation,
		Salience:  0.5,
		DecayRate: 0.05,
		CreatedAt: t0,
	})
	if err != nil {
		t.Fatalf("InsertThread: %v", err)
	}

	threads, err := s.ListThreads(ctx, "u")
	if err != nil || len(threads) != 1 {
		t.Fatalf("ListThreads: %d threads, err=%v", len(threads), err)
	}
	if !threads[0].DecayedAt.IsZero() {
		t.Errorf("DecayedAt = %v, want zero", threads[0].DecayedAt)
	}

	decayed := threads[0].DecayedTo(t0.Add(8 * time.Hour))
	if err := s.UpdateThreads(ctx, "u", []thread.Thread{decayed}); err != nil {
		t.Fatalf("UpdateThreads: %v", err)
	}
	threads, _ = s.ListThreads(ctx, "u")
	if threads[0].Salience != 0.1 || threads[0].Initial != 0.5 {
		t.Errorf("Salience = %v Initial = %v, want 0.1 and 0.5", threads[0].Salience, threads[0].Initial)
	}
	if !threads[0].DecayedAt.Equal(t0.Add(8 * time.Hour)) {
		t.Errorf("DecayedAt = %v", threads[0].DecayedAt)
	}

	if err := s.DeleteThreads(ctx, "u", []string{id}); err != nil {
		t.Fatalf("DeleteThreads: %v", err)
	}
	threads, _ = s.ListThreads(ctx, "u")
	if len(threads) != 0 {
		t.Errorf("after delete: %d threads", len(threads))
	}
}

func TestKV(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if v, err := s.KVGet(ctx, "missing"); err != nil || v != "" {
		t.Errorf("KVGet(missing) = %q, %v", v, err)
	}
	s.KVSet(ctx, "activity:a", "1")
	s.KVSet(ctx, "activity:b", "2")
	s.KVSet(ctx, "activity:b", "3")
	s.KVSet(ctx, "other", "x")

	got, err := s.KVList(ctx, "activity:")
	if err != nil {
		t.Fatalf("KVList: %v", err)
	}
	if len(got) != 2 || got["activity:b"] != "3" {
		t.Errorf("KVList = %v", got)
	}
}
