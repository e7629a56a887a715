package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/labiium/routiium/internal/route"
)

type capturePoster struct {
	mu     sync.Mutex
	posted []route.Feedback
	seen   chan struct{}
}

func newCapturePoster() *capturePoster {
	return &capturePoster{seen: make(chan struct{}, 16)}
}

func (p *capturePoster) PostFeedback(ctx context.Context, fb route.Feedback) error {
	p.mu.Lock()
	p.posted = append(p.posted, fb)
	p.mu.Unlock()
	p.seen <- struct{}{}
	return nil
}

func TestFeedbackDispatcherDelivers(t *testing.T) {
	t.Parallel()

	poster := newCapturePoster()
	disp := NewFeedbackDispatcher(poster)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = disp.Run(ctx)
	}()

	disp.Enqueue(route.Feedback{RouteID: "rte_abc", Status: 200, Success: true})

	select {
	case <-poster.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("feedback was never posted")
	}

	poster.mu.Lock()
	got := poster.posted[0]
	poster.mu.Unlock()
	if got.RouteID != "rte_abc" || !got.Success {
		t.Fatalf("posted = %+v", got)
	}

	cancel()
	<-done
}

func TestFeedbackDispatcherDropsWhenFull(t *testing.T) {
	t.Parallel()

	disp := NewFeedbackDispatcher(newCapturePoster())

	// No Run loop; the queue fills and further reports are discarded
	// without blocking the caller.
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		for i := 0; i < feedbackChanSize+10; i++ {
			disp.Enqueue(route.Feedback{RouteID: "rte_x"})
		}
	}()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}

	if got := len(disp.ch); got != feedbackChanSize {
		t.Errorf("queue length = %d, want %d", got, feedbackChanSize)
	}
}
