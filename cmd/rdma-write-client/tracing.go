package main

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// logSpanProcessor writes finished spans to the debug log.
type logSpanProcessor struct {
	logger *zap.SugaredLogger
}

var _ sdktrace.SpanProcessor = logSpanProcessor{}

func newLogSpanProcessor(logger *zap.SugaredLogger) logSpanProcessor {
	return logSpanProcessor{logger: logger}
}

func (p logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if p.logger == nil {
		return
	}
	events := make([]string, 0, len(s.Events()))
	for _, ev := range s.Events() {
		events = append(events, ev.Name)
	}
	p.logger.Debugw("span",
		"name", s.Name(),
		"duration", s.EndTime().Sub(s.StartTime()),
		"status", s.Status().Code.String(),
		"events", events,
	)
}

func (p logSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p logSpanProcessor) ForceFlush(context.Context) error { return nil }
