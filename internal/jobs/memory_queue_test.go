package jobs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryQueueDepthAndClose(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := q.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	if n, _ := q.Depth(ctx); n != 2 {
		t.Fatalf("depth %d", n)
	}

	got := make(chan string, 2)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(_ context.Context, id string) error {
			got <- id
			return errors.New("ignored")
		})
	}()
	for range 2 {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not receive ids")
		}
	}

	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("consume after close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not return after close")
	}
	if err := q.Publish(ctx, "c"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("publish after close: %v", err)
	}
}
