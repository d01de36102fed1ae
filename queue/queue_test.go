package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/services"
)

type flakyHandler struct {
	mu       sync.Mutex
	failures int
	seen     []string
	done     chan struct{}
}

func (h *flakyHandler) Handle(ctx context.Context, item WorkItem) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, item.ID)
	if h.failures > 0 {
		h.failures--
		return errors.New("quota exceeded")
	}
	close(h.done)
	return nil
}

func TestMemoryRetriesFailedItems(t *testing.T) {
	h := &flakyHandler{failures: 2, done: make(chan struct{})}
	m := NewMemory(4, h, zerolog.Nop())
	m.retry = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	item := NewWorkItem(services.AttachmentJob{AttachmentID: 5})
	if err := m.Publish(ctx, item); err != nil {
		t.Fatal(err)
	}

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("item was not redelivered")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.seen) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(h.seen))
	}
	for _, id := range h.seen {
		if id != item.ID {
			t.Errorf("redelivered a different item: %s", id)
		}
	}
}

func TestMemoryClose(t *testing.T) {
	m := NewMemory(1, &flakyHandler{done: make(chan struct{})}, zerolog.Nop())
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	err := m.Publish(context.Background(), NewWorkItem(services.AttachmentJob{}))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish after Close = %v, want ErrClosed", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestWorkItemRoundTrip(t *testing.T) {
	item := NewWorkItem(services.AttachmentJob{
		AttachmentID: 9,
		Gallery:      "media",
		Full:         services.Variant{Name: "full", Path: "/srv/uploads/a.jpg", Width: 1200, Height: 800},
		Variants:     []services.Variant{{Name: "thumbnail", Path: "/srv/uploads/a-150x150.jpg"}},
	})
	data, err := item.encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != item.ID || got.Job.Full.Width != 1200 || len(got.Job.Variants) != 1 {
		t.Fatalf("decoded = %+v", got)
	}
	if _, err := decode([]byte("{")); err == nil {
		t.Error("decode accepted truncated payload")
	}
}
