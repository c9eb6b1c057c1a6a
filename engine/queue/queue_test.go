package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dealdocs/pipeline/pkg/pgxutil"
)

func TestBackoff_Exponential(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, BaseBackoff},
		{1, BaseBackoff},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, c := range cases {
		if got := Backoff(c.attempt, BaseBackoff); got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	if got := Backoff(20, BaseBackoff); got != MaxBackoff {
		t.Errorf("Backoff(20) = %v, want cap %v", got, MaxBackoff)
	}
}

func TestBackoff_DefaultsBaseWhenZero(t *testing.T) {
	if got := Backoff(1, 0); got != BaseBackoff {
		t.Errorf("Backoff(1, 0) = %v, want %v", got, BaseBackoff)
	}
}

// TestQueue_Integration exercises the real Postgres-backed queue against the
// schema in migrations/. It is skipped unless TEST_DATABASE_URL is set,
// since unit tests here never open a real connection.
func TestQueue_Integration(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres integration test")
	}

	ctx := context.Background()
	pool, err := pgxutil.NewPool(ctx, pgxutil.DefaultPoolOpts(dsn))
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	defer pool.Close()

	q := New(pool)
	id, err := q.Enqueue(ctx, "test-job", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	jobs, err := q.Dequeue(ctx, "test-job", 1)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("expected to dequeue %s, got %+v", id, jobs)
	}

	if err := q.Complete(ctx, id, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

// TestQueue_SingletonKeyDrops exercises EnqueueWithOptions' singleton
// dedup: a second enqueue under the same name and key while the first is
// still active returns the first job's id instead of inserting a duplicate.
func TestQueue_SingletonKeyDrops(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres integration test")
	}

	ctx := context.Background()
	pool, err := pgxutil.NewPool(ctx, pgxutil.DefaultPoolOpts(dsn))
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	defer pool.Close()

	q := New(pool)
	opts := DefaultEnqueueOptions()
	opts.SingletonKey = "dedup-key"

	first, err := q.EnqueueWithOptions(ctx, "singleton-job", []byte(`{}`), opts)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := q.EnqueueWithOptions(ctx, "singleton-job", []byte(`{}`), opts)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if first != second {
		t.Fatalf("expected duplicate singleton enqueue to return %s, got %s", first, second)
	}
}
