// Package sinks provides notification sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

// LogSink writes notifications to the structured log. It is the
// zero-dependency default when no desktop notification channel is wired.
type LogSink struct {
	logger *zap.Logger
}

// NewLog constructs a LogSink.
func NewLog(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Name identifies the sink in metrics and logs.
func (*LogSink) Name() string {
	return "log"
}

// Send logs the notification.
func (s *LogSink) Send(_ context.Context, n coordinator.Notification) error {
	s.logger.Info("operator notification",
		zap.String("title", n.Title),
		zap.String("body", n.Body),
		zap.String("urgency", n.Urgency),
	)
	return nil
}
