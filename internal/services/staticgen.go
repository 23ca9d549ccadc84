package services

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/echolab/reelcraft/internal/models"
)

// StaticGenerator is the offline generation backend: instead of asking a
// remote service for a clip, it serves the stock base clip configured for
// the style. Useful for development and for deployments without a
// generation budget.
type StaticGenerator struct {
	assets  *AssetLoader
	tempDir string
}

var _ Generator = (*StaticGenerator)(nil)

func NewStaticGenerator(assets *AssetLoader, tempDir string) *StaticGenerator {
	return &StaticGenerator{assets: assets, tempDir: tempDir}
}

func (g *StaticGenerator) Submit(ctx context.Context, description, style string) (string, error) {
	if style == "" {
		return "", fmt.Errorf("%w: style is required", models.ErrInvalidInput)
	}
	if !g.assets.HasStyle(style) {
		return "", &models.AssetError{Locator: style, Reason: "unknown style"}
	}
	return style, nil
}

// AwaitCompletion hands out a private copy of the style's cached base
// clip, so the downstream fetch can claim the file without disturbing
// the cache.
func (g *StaticGenerator) AwaitCompletion(ctx context.Context, style string) (string, error) {
	clip, err := g.assets.BaseClip(ctx, style)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(g.tempDir, fmt.Sprintf("static_%s_%d.mp4", sanitize(style), time.Now().UnixNano()))
	if err := copyFile(clip.SourceLocator, dest); err != nil {
		return "", err
	}
	return "file://" + dest, nil
}
