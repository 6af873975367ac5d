package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eqswap/positions-engine/internal/errs"
)

func TestMemoryBus_DeliversInOrder(t *testing.T) {
	b := NewMemoryBus(16, zerolog.Nop())

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	err := b.Subscribe("t", func(_ context.Context, key string, _ []byte) error {
		mu.Lock()
		got = append(got, key)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = b.Stop() }()

	for _, k := range []string{"a", "b", "c"} {
		if err := b.Send(ctx, "t", k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery timed out")
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("order = %v, want a b c", got)
	}
}

func TestMemoryBus_TransientRedelivery(t *testing.T) {
	b := NewMemoryBus(16, zerolog.Nop())
	b.backoff = time.Millisecond

	var attempts int32
	done := make(chan struct{})
	_ = b.Subscribe("t", func(_ context.Context, _ string, _ []byte) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errs.Newf(errs.KindTransient, "not yet")
		}
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = b.Stop() }()

	if err := b.Send(ctx, "t", "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not redelivered")
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestMemoryBus_VersionConflictRedelivery(t *testing.T) {
	b := NewMemoryBus(16, zerolog.Nop())
	b.backoff = time.Millisecond

	var attempts int32
	done := make(chan struct{})
	_ = b.Subscribe("t", func(_ context.Context, _ string, _ []byte) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errs.Newf(errs.KindVersionConflict, "lock lost")
		}
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = b.Stop() }()

	if err := b.Send(ctx, "t", "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("version-conflict failure must be redelivered, not dropped")
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestMemoryBus_TerminalFailureDropsAfterRouting(t *testing.T) {
	b := NewMemoryBus(16, zerolog.Nop())

	var attempts int32
	seen := make(chan struct{}, 2)
	_ = b.Subscribe("t", func(_ context.Context, _ string, _ []byte) error {
		atomic.AddInt32(&attempts, 1)
		seen <- struct{}{}
		return errs.Newf(errs.KindInvalidArgument, "bad payload")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = b.Stop() }()

	if err := b.Send(ctx, "t", "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	<-seen
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("terminal failure redelivered %d times, want exactly 1 attempt", n)
	}
}

func TestMemoryBus_UnsubscribedTopicSinks(t *testing.T) {
	b := NewMemoryBus(16, zerolog.Nop())
	ctx := context.Background()

	if err := b.Send(ctx, "dlq", "k", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(ctx, "dlq", "k", []byte("two")); err != nil {
		t.Fatal(err)
	}
	sink := b.Sink("dlq")
	if len(sink) != 2 {
		t.Fatalf("sink length = %d, want 2", len(sink))
	}
	if string(sink[0]) != "one" || string(sink[1]) != "two" {
		t.Errorf("sink retained %q, %q", sink[0], sink[1])
	}
}

func TestMemoryBus_SubscribeAfterStart(t *testing.T) {
	b := NewMemoryBus(16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = b.Stop() }()

	if err := b.Subscribe("late", func(context.Context, string, []byte) error { return nil }); err == nil {
		t.Error("subscribe after start must fail")
	}
}
