// Package notify provides the sinks reminders are delivered through.
package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/lazypower/recall/internal/concept"
	"github.com/lazypower/recall/internal/config"
	"github.com/lazypower/recall/internal/engine"
)

var (
	_ engine.Sink = LogSink{}
	_ engine.Sink = (*WebhookSink)(nil)
	_ engine.Sink = (*EventFileSink)(nil)
)

// FromConfig builds the dispatcher sink selected by cfg.Sink.
func FromConfig(cfg config.DispatchConfig) (engine.Sink, error) {
	switch cfg.Sink {
	case "", "log":
		return LogSink{}, nil
	case "webhook":
		w, err := NewWebhookSink(cfg.WebhookURL, WebhookOptions{
			Timeout:      cfg.SinkTimeout,
			MaxFailures:  cfg.MaxFailures,
			OpenDuration: cfg.OpenDuration,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	case "file":
		f, err := NewEventFileSink(cfg.EventDir)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}

// LogSink writes reminders to the process log.
type LogSink struct{}

// Notify logs n.
func (LogSink) Notify(ctx context.Context, n concept.Notification) error {
	log.Printf("reminder: revisit %q (memory score %.3f)", n.ConceptName, n.MemoryScore)
	return nil
}
