package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type entry struct {
	Name string
	Qty  decimal.Decimal
}

func TestMemory_PutGetEvict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	in := entry{Name: "pos", Qty: decimal.RequireFromString("123.456")}
	if err := m.Put(ctx, "k", in, 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	var out entry
	ok, err := m.Get(ctx, "k", &out)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if out.Name != in.Name || !out.Qty.Equal(in.Qty) {
		t.Errorf("round trip changed the value: %+v", out)
	}

	if ok, _ := m.Exists(ctx, "k"); !ok {
		t.Error("exists should report membership")
	}
	if err := m.Evict(ctx, "k"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if ok, _ := m.Get(ctx, "k", &out); ok {
		t.Error("evicted key should miss")
	}
	if err := m.Evict(ctx, "k"); err != nil {
		t.Errorf("double evict must not error: %v", err)
	}
}

func TestMemory_TTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Put(ctx, "k", entry{Name: "x"}, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(25 * time.Millisecond)

	var out entry
	if ok, _ := m.Get(ctx, "k", &out); ok {
		t.Error("expired entry should miss")
	}
	if ok, _ := m.Exists(ctx, "k"); ok {
		t.Error("expired entry should not exist")
	}
}

func TestGetOrCompute(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	calls := 0
	compute := func(context.Context) (any, error) {
		calls++
		return entry{Name: "computed", Qty: decimal.NewFromInt(7)}, nil
	}

	var out entry
	if err := GetOrCompute(ctx, m, "k", &out, time.Minute, compute); err != nil {
		t.Fatalf("miss path: %v", err)
	}
	if out.Name != "computed" || calls != 1 {
		t.Fatalf("first call should compute: %+v calls=%d", out, calls)
	}

	out = entry{}
	if err := GetOrCompute(ctx, m, "k", &out, time.Minute, compute); err != nil {
		t.Fatalf("hit path: %v", err)
	}
	if calls != 1 {
		t.Errorf("second call should hit the cache, compute ran %d times", calls)
	}
	if !out.Qty.Equal(decimal.NewFromInt(7)) {
		t.Errorf("hit decoded %s, want 7", out.Qty)
	}
}

func TestGetOrCompute_FailureNotCached(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("upstream down")
	calls := 0

	var out entry
	err := GetOrCompute(ctx, m, "k", &out, time.Minute, func(context.Context) (any, error) {
		calls++
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want upstream error", err)
	}
	if ok, _ := m.Exists(ctx, "k"); ok {
		t.Error("a failed compute must not leave an entry behind")
	}

	err = GetOrCompute(ctx, m, "k", &out, time.Minute, func(context.Context) (any, error) {
		calls++
		return entry{Name: "recovered"}, nil
	})
	if err != nil || out.Name != "recovered" {
		t.Fatalf("recovery: err=%v out=%+v", err, out)
	}
	if calls != 2 {
		t.Errorf("compute ran %d times, want 2", calls)
	}
}
