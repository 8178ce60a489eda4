package agentlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureStore struct {
	mu      sync.Mutex
	entries []*Entry
	err     error
}

func (c *captureStore) AppendLog(_ context.Context, entry *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries = append(c.entries, entry)
	return nil
}

func (c *captureStore) ListLogs(context.Context, Filter) ([]*Entry, error) {
	return c.entries, nil
}

func TestRecorderWritesEntries(t *testing.T) {
	store := &captureStore{}
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := NewRecorder(store).WithClock(func() time.Time { return fixed })

	rec.Pending(context.Background(), ActionResearchStarted, map[string]any{"task_id": "t1"})
	rec.Failure(context.Background(), ActionResearchFailed, map[string]any{"task_id": "t1"}, errors.New("llm timeout"))

	if len(store.entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(store.entries))
	}
	if store.entries[0].Status != StatusPending || store.entries[0].ID == "" {
		t.Fatalf("unexpected first entry: %+v", store.entries[0])
	}
	failure := store.entries[1]
	if failure.Status != StatusFailure || failure.ErrorMessage != "llm timeout" || !failure.CreatedAt.Equal(fixed) {
		t.Fatalf("unexpected failure entry: %+v", failure)
	}
}

func TestRecorderSwallowsStoreErrors(t *testing.T) {
	rec := NewRecorder(&captureStore{err: errors.New("db down")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Success(ctx, ActionTaskCreated, nil)

	var nilRecorder *Recorder
	nilRecorder.Success(context.Background(), ActionTaskCreated, nil)
}
