package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/labiium/routiium/internal/route"
)

const (
	feedbackChanSize = 256
	feedbackTimeout  = 2 * time.Second
)

// FeedbackPoster delivers one outcome report to the policy service.
type FeedbackPoster interface {
	PostFeedback(ctx context.Context, fb route.Feedback) error
}

// FeedbackDispatcher forwards routed request outcomes to the policy
// service off the request path. Reports are advisory: on a full queue or
// delivery failure they are logged and dropped.
type FeedbackDispatcher struct {
	ch     chan route.Feedback
	poster FeedbackPoster
}

// NewFeedbackDispatcher creates a dispatcher posting via poster.
func NewFeedbackDispatcher(poster FeedbackPoster) *FeedbackDispatcher {
	return &FeedbackDispatcher{
		ch:     make(chan route.Feedback, feedbackChanSize),
		poster: poster,
	}
}

// Name returns the worker identifier.
func (f *FeedbackDispatcher) Name() string { return "route_feedback" }

// Enqueue queues one report. It never blocks.
func (f *FeedbackDispatcher) Enqueue(fb route.Feedback) {
	select {
	case f.ch <- fb:
	default:
		slog.Debug("route feedback dropped, queue full")
	}
}

// Run delivers queued reports until ctx is cancelled.
func (f *FeedbackDispatcher) Run(ctx context.Context) error {
	for {
		select {
		case fb := <-f.ch:
			f.post(ctx, fb)
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *FeedbackDispatcher) post(ctx context.Context, fb route.Feedback) {
	ctx, cancel := context.WithTimeout(ctx, feedbackTimeout)
	defer cancel()
	if err := f.poster.PostFeedback(ctx, fb); err != nil {
		slog.LogAttrs(ctx, slog.LevelDebug, "route feedback failed",
			slog.String("route_id", fb.RouteID),
			slog.String("error", err.Error()),
		)
	}
}
