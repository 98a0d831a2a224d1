package procpool

import (
	"context"
	"errors"
	"testing"
)

type fakeResource struct{ closed bool }

func (f *fakeResource) Close(ctx context.Context) error { f.closed = true; return nil }

func TestPool_GetPutRoundTrip(t *testing.T) {
	p := New(context.Background(), Config{MinWarm: 2, HardMax: 4}, func(ctx context.Context) (*fakeResource, error) {
		return &fakeResource{}, nil
	})
	defer p.Stop(context.Background())

	if p.Size() != 2 {
		t.Fatalf("expected 2 pre-spawned handles, got %d", p.Size())
	}

	h, ok := p.Get(context.Background())
	if !ok {
		t.Fatal("expected to get a handle")
	}
	p.Put(context.Background(), h, true)

	if p.Size() != 2 {
		t.Fatalf("expected pool size unchanged after successful put, got %d", p.Size())
	}
}

func TestPool_RetiresUnhealthyHandle(t *testing.T) {
	p := New(context.Background(), Config{MinWarm: 1, HardMax: 2}, func(ctx context.Context) (*fakeResource, error) {
		return &fakeResource{}, nil
	})
	defer p.Stop(context.Background())

	h, ok := p.Get(context.Background())
	if !ok {
		t.Fatal("expected to get a handle")
	}
	for i := 0; i < 3; i++ {
		h.RecordFailure()
	}
	if !h.ShouldRetire() {
		t.Fatal("expected handle to be marked for retirement")
	}
	before := h.Value
	p.Put(context.Background(), h, false)
	if !before.closed {
		t.Fatal("expected retired resource to be closed")
	}
}

func TestPool_GetFailsWhenFactoryErrors(t *testing.T) {
	p := New(context.Background(), Config{MinWarm: 0, HardMax: 1}, func(ctx context.Context) (*fakeResource, error) {
		return nil, errors.New("spawn failed")
	})
	defer p.Stop(context.Background())

	if _, ok := p.Get(context.Background()); ok {
		t.Fatal("expected Get to fail when factory always errors")
	}
}
