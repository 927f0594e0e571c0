package simplevariants

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// NoopEventSink is a no-operation implementation of EventSink
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

func (n *NoopEventSink) ImageUploaded(ctx context.Context, image *SourceImage) error {
	return nil
}

func (n *NoopEventSink) VariantGenerated(ctx context.Context, variant *Variant) error {
	return nil
}

func (n *NoopEventSink) GenerationFailed(ctx context.Context, imageID uuid.UUID, size SizeClass, err error) error {
	return nil
}

func (n *NoopEventSink) PlanChanged(ctx context.Context, delta *AccountDelta) error {
	return nil
}

func (n *NoopEventSink) LinkCreated(ctx context.Context, artifact *ExpiringArtifact) error {
	return nil
}

// LoggingEventSink writes every event as a structured log line.
type LoggingEventSink struct {
	logger *slog.Logger
}

func NewLoggingEventSink(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingEventSink{logger: logger}
}

func (l *LoggingEventSink) ImageUploaded(ctx context.Context, image *SourceImage) error {
	l.logger.InfoContext(ctx, "image uploaded", "image_id", image.ID, "owner_id", image.OwnerID, "object_key", image.ObjectKey)
	return nil
}

func (l *LoggingEventSink) VariantGenerated(ctx context.Context, variant *Variant) error {
	l.logger.InfoContext(ctx, "variant generated", "image_id", variant.ImageID, "size", int(variant.SizeClass), "object_key", variant.ObjectKey)
	return nil
}

func (l *LoggingEventSink) GenerationFailed(ctx context.Context, imageID uuid.UUID, size SizeClass, err error) error {
	l.logger.WarnContext(ctx, "variant generation failed", "image_id", imageID, "size", int(size), "terminal", IsTerminal(err), "error", err)
	return nil
}

func (l *LoggingEventSink) PlanChanged(ctx context.Context, delta *AccountDelta) error {
	l.logger.InfoContext(ctx, "plan changed", "account_id", delta.AccountID, "granted", delta.Granted, "revoked", delta.Revoked, "images", delta.Images)
	return nil
}

func (l *LoggingEventSink) LinkCreated(ctx context.Context, artifact *ExpiringArtifact) error {
	l.logger.InfoContext(ctx, "expiring link created", "link_id", artifact.ID, "image_id", artifact.ImageID, "duration_seconds", artifact.DurationSeconds)
	return nil
}
