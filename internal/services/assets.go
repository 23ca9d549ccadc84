package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/echolab/reelcraft/internal/models"
)

// ---------------------------------------------------------------------------
// Media asset loader.
// Resolves the short base visual clip for a style (cached per style on
// disk) and fetches generated clips and narrations into the temp dir.
// ---------------------------------------------------------------------------

type AssetLoader struct {
	cacheDir string
	tempDir  string
	styles   map[string]string // style name → remote locator of its base clip

	httpClient *http.Client

	mu sync.Mutex // Guards concurrent downloads into the style cache
}

func NewAssetLoader(cacheDir, tempDir string, styles map[string]string) *AssetLoader {
	for _, dir := range []string{cacheDir, tempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			panic(fmt.Sprintf("failed to create asset dir %s: %v", dir, err))
		}
	}
	return &AssetLoader{
		cacheDir:   cacheDir,
		tempDir:    tempDir,
		styles:     styles,
		httpClient: &http.Client{Timeout: genDownloadTimeout},
	}
}

// HasStyle reports whether a stock base clip is configured for the style.
func (l *AssetLoader) HasStyle(style string) bool {
	_, ok := l.styles[style]
	return ok
}

// BaseClip resolves the base visual clip for a style, downloading it into
// the per-style cache on first use.
func (l *AssetLoader) BaseClip(ctx context.Context, style string) (models.MediaClip, error) {
	locator, ok := l.styles[style]
	if !ok {
		return models.MediaClip{}, &models.AssetError{Locator: style, Reason: "unknown style"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cached := filepath.Join(l.cacheDir, "styles", styleCacheName(style, locator))
	if _, err := os.Stat(cached); err != nil {
		if err := os.MkdirAll(filepath.Dir(cached), 0755); err != nil {
			return models.MediaClip{}, &models.AssetError{Locator: locator, Reason: fmt.Sprintf("cache dir: %v", err)}
		}
		log.Printf("[Assets] Style %q not cached, downloading %s", style, locator)
		if err := l.fetch(ctx, locator, cached); err != nil {
			return models.MediaClip{}, err
		}
	}

	return ProbeClip(ctx, cached, models.TrackVideo)
}

// FetchGenerated downloads a generated clip by its output locator into
// the temp dir and probes it as a video clip.
func (l *AssetLoader) FetchGenerated(ctx context.Context, locator string) (models.MediaClip, error) {
	dest := filepath.Join(l.tempDir, fmt.Sprintf("generated_%d.mp4", time.Now().UnixNano()))
	if err := l.fetch(ctx, locator, dest); err != nil {
		return models.MediaClip{}, err
	}
	return ProbeClip(ctx, dest, models.TrackVideo)
}

// LoadNarration probes a local narration recording as an audio clip.
func (l *AssetLoader) LoadNarration(ctx context.Context, path string) (models.MediaClip, error) {
	return ProbeClip(ctx, path, models.TrackAudio)
}

// MaterializeNarration resolves a narration locator to a local path,
// downloading it into the temp dir when it is remote. The second return
// is true when the file is a temp download the caller should remove.
func (l *AssetLoader) MaterializeNarration(ctx context.Context, locator string) (string, bool, error) {
	if path, ok := localPath(locator); ok {
		return path, false, nil
	}
	dest := filepath.Join(l.tempDir, fmt.Sprintf("narration_%d.audio", time.Now().UnixNano()))
	if err := l.fetch(ctx, locator, dest); err != nil {
		return "", false, err
	}
	return dest, true, nil
}

// fetch materializes a locator as a local file. file:// locators (used by
// generation backends that download on our side) are renamed or copied;
// everything else is an HTTP GET.
func (l *AssetLoader) fetch(ctx context.Context, locator, dest string) error {
	if path, ok := localPath(locator); ok {
		if err := os.Rename(path, dest); err == nil {
			return nil
		}
		return copyFile(path, dest)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", locator, nil)
	if err != nil {
		return &models.AssetError{Locator: locator, Reason: fmt.Sprintf("bad locator: %v", err)}
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return &models.NetworkError{Op: "download", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &models.RemoteAPIError{Status: resp.StatusCode, Message: fmt.Sprintf("clip download failed for %s", locator)}
	}

	f, err := os.Create(dest)
	if err != nil {
		return &models.AssetError{Locator: locator, Reason: fmt.Sprintf("create %s: %v", dest, err)}
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return &models.NetworkError{Op: "download", Err: err}
	}
	return f.Close()
}

// localPath extracts the filesystem path from a file:// locator or a bare
// absolute path.
func localPath(locator string) (string, bool) {
	if strings.HasPrefix(locator, "file://") {
		u, err := url.Parse(locator)
		if err != nil {
			return "", false
		}
		return u.Path, true
	}
	if filepath.IsAbs(locator) {
		return locator, true
	}
	return "", false
}

// styleCacheName keys the cached file by style and source, so a style
// whose base clip changes upstream re-downloads instead of serving the
// stale raster.
func styleCacheName(style, locator string) string {
	sum := sha256.Sum256([]byte(locator))
	return fmt.Sprintf("%s_%s.mp4", sanitize(style), hex.EncodeToString(sum[:8]))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, s)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return &models.AssetError{Locator: src, Reason: fmt.Sprintf("open: %v", err)}
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return &models.AssetError{Locator: dest, Reason: fmt.Sprintf("create: %v", err)}
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return &models.AssetError{Locator: src, Reason: fmt.Sprintf("copy: %v", err)}
	}
	return out.Close()
}
