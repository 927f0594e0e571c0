// Package refstrategy generates the references placed in listings: where a
// client fetches a thumbnail or the original, where it creates an expiring
// link and where an issued link resolves.
package refstrategy

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Strategy defines the interface for reference generation strategies
type Strategy interface {
	ThumbnailRef(imageID uuid.UUID, size int, objectKey string) string
	OriginalRef(imageID uuid.UUID, objectKey string) string
	LinkCreationRef(imageID uuid.UUID) string
	LinkRef(linkID uuid.UUID) string
}

// APIStrategy routes every reference through the application so ownership and
// entitlement are checked on each download.
type APIStrategy struct {
	APIBaseURL string // e.g., "https://api.example.com/api/v1" or "/api/v1"
}

// NewAPIStrategy creates a new API reference strategy
func NewAPIStrategy(apiBaseURL string) *APIStrategy {
	return &APIStrategy{APIBaseURL: strings.TrimSuffix(apiBaseURL, "/")}
}

func (s *APIStrategy) ThumbnailRef(imageID uuid.UUID, size int, objectKey string) string {
	return fmt.Sprintf("%s/images/%s/thumbnails/%d", s.APIBaseURL, imageID, size)
}

func (s *APIStrategy) OriginalRef(imageID uuid.UUID, objectKey string) string {
	return fmt.Sprintf("%s/images/%s/original", s.APIBaseURL, imageID)
}

func (s *APIStrategy) LinkCreationRef(imageID uuid.UUID) string {
	return fmt.Sprintf("%s/images/%s/links", s.APIBaseURL, imageID)
}

func (s *APIStrategy) LinkRef(linkID uuid.UUID) string {
	return fmt.Sprintf("%s/links/%s", s.APIBaseURL, linkID)
}

// CDNStrategy points thumbnails and originals straight at a CDN in front of
// the blob store and keeps link endpoints on the API.
type CDNStrategy struct {
	CDNBaseURL string // e.g., "https://cdn.example.com"
	API        *APIStrategy
}

// NewCDNStrategy creates a CDN strategy; apiBaseURL serves link endpoints.
func NewCDNStrategy(cdnBaseURL, apiBaseURL string) *CDNStrategy {
	return &CDNStrategy{
		CDNBaseURL: strings.TrimSuffix(cdnBaseURL, "/"),
		API:        NewAPIStrategy(apiBaseURL),
	}
}

func (s *CDNStrategy) ThumbnailRef(imageID uuid.UUID, size int, objectKey string) string {
	if objectKey == "" {
		return s.API.ThumbnailRef(imageID, size, objectKey)
	}
	return fmt.Sprintf("%s/%s", s.CDNBaseURL, objectKey)
}

func (s *CDNStrategy) OriginalRef(imageID uuid.UUID, objectKey string) string {
	if objectKey == "" {
		return s.API.OriginalRef(imageID, objectKey)
	}
	return fmt.Sprintf("%s/%s", s.CDNBaseURL, objectKey)
}

func (s *CDNStrategy) LinkCreationRef(imageID uuid.UUID) string {
	return s.API.LinkCreationRef(imageID)
}

func (s *CDNStrategy) LinkRef(linkID uuid.UUID) string {
	return s.API.LinkRef(linkID)
}

// Config selects a strategy by name.
type Config struct {
	Type       string // "api" (default) or "cdn"
	APIBaseURL string
	CDNBaseURL string
}

// New creates a strategy from configuration
func New(cfg Config) (Strategy, error) {
	apiBase := cfg.APIBaseURL
	if apiBase == "" {
		apiBase = "/api/v1"
	}
	switch cfg.Type {
	case "", "api":
		return NewAPIStrategy(apiBase), nil
	case "cdn":
		if cfg.CDNBaseURL == "" {
			return nil, fmt.Errorf("CDN base URL not configured")
		}
		return NewCDNStrategy(cfg.CDNBaseURL, apiBase), nil
	default:
		return nil, fmt.Errorf("unknown reference strategy: %s", cfg.Type)
	}
}
