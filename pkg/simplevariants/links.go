package simplevariants

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// ValidateLinkDuration checks seconds against [MinLinkDuration, MaxLinkDuration].
func ValidateLinkDuration(seconds int) error {
	if seconds < MinLinkDuration || seconds > MaxLinkDuration {
		return fmt.Errorf("%w: duration must be between %d and %d seconds, got %d", ErrInvalidArgument, MinLinkDuration, MaxLinkDuration, seconds)
	}
	return nil
}

// CreateLink renders a binary copy of an image the requester owns and
// returns the new artifact. Every call issues a new link.
func (s *service) CreateLink(ctx context.Context, req CreateLinkRequest) (*ExpiringArtifact, error) {
	if err := ValidateLinkDuration(req.DurationSeconds); err != nil {
		return nil, err
	}
	image, err := s.ownedImage(ctx, req.RequesterID, req.ImageID, "create_link")
	if err != nil {
		return nil, err
	}
	_, ent, err := s.entitlements.forWrite(ctx, req.RequesterID, "create_link")
	if err != nil {
		return nil, err
	}
	if !ent.AllowExpiringLink {
		return nil, &ImageError{ImageID: image.ID, Op: "create_link", Err: fmt.Errorf("%w: expiring links not granted", ErrForbidden)}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.workerConfig.InitialBackoff
	b.MaxInterval = s.workerConfig.MaxBackoff
	artifact, err := backoff.Retry(ctx, func() (*ExpiringArtifact, error) {
		a, err := s.generator.generateBinary(ctx, image.ID, req.DurationSeconds)
		if err != nil && IsTerminal(err) {
			return nil, backoff.Permanent(err)
		}
		return a, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.workerConfig.MaxAttempts))
	if err != nil {
		return nil, &ImageError{ImageID: image.ID, Op: "create_link", Err: err}
	}

	s.metrics.LinksCreated.Inc()
	if err := s.eventSink.LinkCreated(ctx, artifact); err != nil {
		s.logger.WarnContext(ctx, "link event failed", "link_id", artifact.ID, "error", err)
	}
	return artifact, nil
}

// ResolveLink returns the artifact if it exists and has not expired. No
// ownership check is made: knowing the ID is the capability.
func (s *service) ResolveLink(ctx context.Context, linkID uuid.UUID) (*ExpiringArtifact, error) {
	artifact, err := s.repository.GetArtifact(ctx, linkID)
	if err != nil {
		return nil, &LinkError{LinkID: linkID, Op: "resolve", Err: err}
	}
	now := s.clock.Now()
	if artifact.Expired(now) {
		s.metrics.LinksExpired.Inc()
		return nil, &LinkError{
			LinkID: linkID,
			Op:     "resolve",
			Err:    fmt.Errorf("%w: expired %s ago", ErrExpired, now.Sub(artifact.ExpiresAt()).Truncate(time.Second)),
		}
	}
	return artifact, nil
}

// OpenLink resolves the link and opens the artifact's blob.
func (s *service) OpenLink(ctx context.Context, linkID uuid.UUID) (io.ReadCloser, *ExpiringArtifact, error) {
	artifact, err := s.ResolveLink(ctx, linkID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.download(ctx, artifact.StorageBackend, artifact.ObjectKey)
	if err != nil {
		return nil, nil, &LinkError{LinkID: linkID, Op: "open", Err: err}
	}
	return rc, artifact, nil
}
