package queue

import (
	"context"
	"errors"
	"testing"
)

func TestDrainPreservesOrder(t *testing.T) {
	ctx := context.Background()
	q := New()

	var got []string
	for _, k := range []string{"a", "b", "c"} {
		k := k
		q.Enqueue(Op{Kind: "set", Key: k, Apply: func(context.Context) error {
			got = append(got, k)
			return nil
		}})
	}

	applied, requeued := q.Drain(ctx)
	if applied != 3 || requeued != 0 {
		t.Fatalf("Drain: applied=%d requeued=%d", applied, requeued)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("order violated: %v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty, len=%d", q.Len())
	}
}

func TestDrainReappendsFailures(t *testing.T) {
	ctx := context.Background()
	q := New()

	fail := errors.New("backend down")
	var applied []string
	q.Enqueue(Op{Key: "bad", Apply: func(context.Context) error { return fail }})
	q.Enqueue(Op{Key: "good", Apply: func(context.Context) error {
		applied = append(applied, "good")
		return nil
	}})

	a, r := q.Drain(ctx)
	if a != 1 || r != 1 {
		t.Fatalf("Drain: applied=%d requeued=%d", a, r)
	}
	if len(applied) != 1 || applied[0] != "good" {
		t.Fatalf("good op lost: %v", applied)
	}
	// the failed op survives at the tail
	if q.Len() != 1 {
		t.Fatalf("failed op dropped, len=%d", q.Len())
	}
}

func TestDrainSinglePassOnPoisonOp(t *testing.T) {
	ctx := context.Background()
	q := New()

	calls := 0
	q.Enqueue(Op{Key: "poison", Apply: func(context.Context) error {
		calls++
		return errors.New("always fails")
	}})

	a, r := q.Drain(ctx)
	if a != 0 || r != 1 {
		t.Fatalf("Drain: applied=%d requeued=%d", a, r)
	}
	// one pass means exactly one attempt per drain call
	if calls != 1 {
		t.Fatalf("poison op attempted %d times in one drain", calls)
	}
	if q.Len() != 1 {
		t.Fatalf("poison op should remain queued")
	}
}

func TestDrainStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := New()

	ran := 0
	q.Enqueue(Op{Key: "first", Apply: func(context.Context) error {
		ran++
		cancel() // cancel mid-drain
		return nil
	}})
	q.Enqueue(Op{Key: "second", Apply: func(context.Context) error {
		ran++
		return nil
	}})

	applied, _ := q.Drain(ctx)
	if applied != 1 || ran != 1 {
		t.Fatalf("expected drain to stop after cancellation: applied=%d ran=%d", applied, ran)
	}
	if q.Len() != 1 {
		t.Fatalf("remaining op should stay queued, len=%d", q.Len())
	}
}

func TestDropAll(t *testing.T) {
	q := New()
	q.Enqueue(Op{Key: "a", Apply: func(context.Context) error { return nil }})
	q.Enqueue(Op{Key: "b", Apply: func(context.Context) error { return nil }})

	if n := q.DropAll(); n != 2 {
		t.Fatalf("DropAll: got %d want 2", n)
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty after DropAll")
	}
}
