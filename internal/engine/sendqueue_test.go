package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSendQueue_FIFO(t *testing.T) {
	q := newSendQueue()
	q.Push([]byte{1})
	q.Push([]byte{2})
	q.Push([]byte{3})

	ctx := context.Background()
	for want := byte(1); want <= 3; want++ {
		chunk, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if chunk[0] != want {
			t.Fatalf("popped %d, want %d", chunk[0], want)
		}
	}
}

func TestSendQueue_PopBlocksUntilPush(t *testing.T) {
	q := newSendQueue()

	got := make(chan []byte, 1)
	go func() {
		chunk, err := q.Pop(context.Background())
		if err != nil {
			return
		}
		got <- chunk
	}()

	// Give the consumer a moment to block.
	time.Sleep(10 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("Pop returned before anything was pushed")
	default:
	}

	q.Push([]byte{42})
	select {
	case chunk := <-got:
		if chunk[0] != 42 {
			t.Fatalf("popped %d, want 42", chunk[0])
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up after Push")
	}
}

func TestSendQueue_PopHonoursContext(t *testing.T) {
	q := newSendQueue()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Pop error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after cancellation")
	}
}

func TestSendQueue_CloseDrainsRemainder(t *testing.T) {
	q := newSendQueue()
	q.Push([]byte{1})
	q.Push([]byte{2})
	q.Close()

	ctx := context.Background()
	for want := byte(1); want <= 2; want++ {
		chunk, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop before drain complete: %v", err)
		}
		if chunk[0] != want {
			t.Fatalf("popped %d, want %d", chunk[0], want)
		}
	}

	if _, err := q.Pop(ctx); !errors.Is(err, errQueueClosed) {
		t.Fatalf("Pop on drained closed queue = %v, want errQueueClosed", err)
	}
}

func TestSendQueue_PushAfterCloseIsDropped(t *testing.T) {
	q := newSendQueue()
	q.Close()
	q.Push([]byte{1})

	if got := q.Depth(); got != 0 {
		t.Fatalf("Depth = %d after post-close push, want 0", got)
	}
}

func TestSendQueue_DepthTracksContents(t *testing.T) {
	q := newSendQueue()
	if got := q.Depth(); got != 0 {
		t.Fatalf("Depth = %d, want 0", got)
	}
	q.Push([]byte{1})
	q.Push([]byte{2})
	if got := q.Depth(); got != 2 {
		t.Fatalf("Depth = %d, want 2", got)
	}
	if _, err := q.Pop(context.Background()); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got := q.Depth(); got != 1 {
		t.Fatalf("Depth = %d, want 1", got)
	}
}
