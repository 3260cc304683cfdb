package stream

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestPublish_AssignsIncreasingSequences(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	a, err := l.Publish(ctx, "proposal.acme.repo", "m1", []byte("one"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	b, err := l.Publish(ctx, "proposal.acme.repo", "m2", []byte("two"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if a.Seq >= b.Seq {
		t.Errorf("sequences not increasing: %d then %d", a.Seq, b.Seq)
	}
	if a.Duplicate || b.Duplicate {
		t.Error("fresh publishes reported as duplicates")
	}
}

func TestPublish_DeduplicatesByMsgID(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	first, err := l.Publish(ctx, "delta.acme.im.upsert.v1", "delta:acme:api.auth:v1:im.upsert.v1", []byte("x"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	second, err := l.Publish(ctx, "delta.acme.im.upsert.v1", "delta:acme:api.auth:v1:im.upsert.v1", []byte("x"))
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if !second.Duplicate {
		t.Error("expected duplicate ack on republish")
	}
	if second.Seq != first.Seq {
		t.Errorf("duplicate ack seq = %d, want original %d", second.Seq, first.Seq)
	}

	last, err := l.LastSeq(ctx)
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if last != first.Seq {
		t.Errorf("log grew on duplicate publish: last=%d", last)
	}
}

func TestConsumer_DeliversInOrder(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := l.Publish(ctx, "proposal.acme.repo", id, []byte(id)); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	c, err := l.Consumer(ctx, "promoter-main", "proposal.>")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}

	var got []string
	for i := 0; i < 3; i++ {
		m, err := c.Fetch(ctx)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		got = append(got, string(m.Data))
		if err := m.Ack(ctx); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
}

func TestConsumer_NakRedelivers(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	if _, err := l.Publish(ctx, "proposal.acme.repo", "m1", []byte("payload")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c, err := l.Consumer(ctx, "promoter-main", "proposal.>")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}

	m, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	m.Nak()

	again, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if again.Seq != m.Seq {
		t.Errorf("redelivered seq = %d, want %d", again.Seq, m.Seq)
	}
	if err := again.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if m3, err := c.TryFetch(ctx); err != nil {
		t.Fatalf("tryfetch: %v", err)
	} else if m3 != nil {
		t.Errorf("unexpected redelivery after ack: seq=%d", m3.Seq)
	}
}

func TestConsumer_ResumesAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.db")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := l.Publish(ctx, "proposal.acme.repo", id, []byte(id)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	c, err := l.Consumer(ctx, "promoter-main", "proposal.>")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	m, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := m.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	l.Close()

	// Reopen: the durable cursor must survive.
	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	c2, err := l2.Consumer(ctx, "promoter-main", "proposal.>")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	m2, err := c2.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(m2.Data) != "b" {
		t.Errorf("resumed at %q, want %q", m2.Data, "b")
	}
}

func TestConsumer_FilterSkipsOtherSubjects(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	if _, err := l.Publish(ctx, "audit.acme.promoter.decision.v1", "a1", []byte("audit")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := l.Publish(ctx, "delta.acme.im.upsert.v1", "d1", []byte("delta")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c, err := l.Consumer(ctx, "projector-main", "delta.>")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	m, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(m.Data) != "delta" {
		t.Errorf("got %q, want the delta message", m.Data)
	}
}

func TestConsumer_FetchHonorsContextCancellation(t *testing.T) {
	l := openTestLog(t)

	c, err := l.Consumer(context.Background(), "promoter-main", "proposal.>")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Fetch(ctx); err == nil {
		t.Error("expected context error from Fetch on empty log")
	}
}

func TestReader_SnapshotsEndOfLog(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := l.Publish(ctx, "delta.acme.im.upsert.v1", id, []byte(id)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	r, err := l.NewReader(ctx, "delta.acme.>", 0)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}

	// Published after the reader opened: must not be visible.
	if _, err := l.Publish(ctx, "delta.acme.im.upsert.v1", "c", []byte("c")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var seen int
	for {
		_, ok, err := r.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		seen++
	}
	if seen != 2 {
		t.Errorf("reader saw %d messages, want 2", seen)
	}
}

func TestReader_MaxSeqBound(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	var second int64
	for i, id := range []string{"a", "b", "c"} {
		ack, err := l.Publish(ctx, "delta.acme.im.upsert.v1", id, []byte(id))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if i == 1 {
			second = ack.Seq
		}
	}

	r, err := l.NewReader(ctx, "delta.acme.>", second)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	var seen int
	for {
		_, ok, err := r.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		seen++
	}
	if seen != 2 {
		t.Errorf("reader saw %d messages, want 2 (bounded by maxSeq)", seen)
	}
}
