// Package objectkey builds blob keys for originals, thumbnails and expiring
// link artifacts.
package objectkey

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Generator defines the interface for object key generation strategies
type Generator interface {
	// OriginalKey returns the key of an uploaded source image. Only the
	// extension of fileName is kept, so duplicate upload names never collide.
	OriginalKey(imageID uuid.UUID, fileName string) string

	// ThumbnailKey returns the key of the thumbnail of imageID for a size class.
	ThumbnailKey(imageID uuid.UUID, size int) string

	// ArtifactKey returns the key of a binary link artifact.
	ArtifactKey(artifactID uuid.UUID) string
}

// FlatGenerator keeps every blob of an image under a single prefix.
//
//	images/<image>/original.png
//	images/<image>/thumbnails/200.png
//	links/<artifact>.png
type FlatGenerator struct{}

func NewFlatGenerator() *FlatGenerator {
	return &FlatGenerator{}
}

func (g *FlatGenerator) OriginalKey(imageID uuid.UUID, fileName string) string {
	return fmt.Sprintf("images/%s/original%s", imageID, Extension(fileName))
}

func (g *FlatGenerator) ThumbnailKey(imageID uuid.UUID, size int) string {
	return fmt.Sprintf("images/%s/thumbnails/%d.png", imageID, size)
}

func (g *FlatGenerator) ArtifactKey(artifactID uuid.UUID) string {
	return fmt.Sprintf("links/%s.png", artifactID)
}

// ShardedGenerator spreads keys over prefix directories taken from the
// leading hex characters of the id, git-object style.
//
//	originals/ab/cd12ef....jpg
//	thumbnails/200/ab/cd12ef....png
//	links/ab/cd12ef....png
type ShardedGenerator struct {
	// ShardLength controls how many characters to use for sharding (default: 2)
	ShardLength int
}

func NewShardedGenerator() *ShardedGenerator {
	return &ShardedGenerator{ShardLength: 2}
}

func (g *ShardedGenerator) OriginalKey(imageID uuid.UUID, fileName string) string {
	return path.Join("originals", g.shard(imageID)) + Extension(fileName)
}

func (g *ShardedGenerator) ThumbnailKey(imageID uuid.UUID, size int) string {
	return path.Join("thumbnails", fmt.Sprint(size), g.shard(imageID)) + ".png"
}

func (g *ShardedGenerator) ArtifactKey(artifactID uuid.UUID) string {
	return path.Join("links", g.shard(artifactID)) + ".png"
}

func (g *ShardedGenerator) shard(id uuid.UUID) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	n := g.ShardLength
	if n <= 0 {
		n = 2
	}
	if n > len(hex) {
		n = len(hex)
	}
	return hex[:n] + "/" + hex[n:]
}

// Extension returns the lower-cased extension of fileName including the dot,
// normalising ".jpeg" to ".jpg". Unsafe characters are dropped.
func Extension(fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	if ext == ".jpeg" {
		return ".jpg"
	}
	var b strings.Builder
	for _, r := range ext {
		if r == '.' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() <= 1 {
		return ""
	}
	return b.String()
}

// NewRecommendedGenerator returns the generator used when none is configured.
func NewRecommendedGenerator() Generator {
	return NewShardedGenerator()
}
