// Package imageurl understands the URL layout of the image origin: which URLs
// carry images, where the resolution segment lives, and how artifacts are keyed.
package imageurl

import (
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/JakeFAU/imgharvest/internal/resolution"
)

// Origin is the host that serves image variants.
const Origin = "i.pinimg.com"

// ErrNotImageURL is returned for URLs outside the image origin layout.
var ErrNotImageURL = errors.New("not an image origin url")

var extensions = []string{".jpg", ".jpeg", ".gif", ".webp", ".png"}

var contentTypes = map[string]string{
	"image/jpeg":  ".jpg",
	"image/pjpeg": ".jpg",
	"image/png":   ".png",
	"image/gif":   ".gif",
	"image/webp":  ".webp",
}

// IsImageURL reports whether raw points at the image origin and names a
// recognized image file.
func IsImageURL(raw string) bool {
	if !strings.Contains(raw, Origin) {
		return false
	}
	return HasImageExtension(raw)
}

// HasImageExtension reports whether name ends in a recognized image extension.
func HasImageExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Key returns the artifact key: the final path segment of raw.
func Key(raw string) string {
	if i := strings.LastIndexByte(raw, '/'); i >= 0 {
		return raw[i+1:]
	}
	return raw
}

// segmentBounds locates the resolution segment that follows the origin host.
func segmentBounds(raw string) (int, int, error) {
	i := strings.Index(raw, Origin)
	if i < 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrNotImageURL, raw)
	}
	start := i + len(Origin)
	if start >= len(raw) || raw[start] != '/' {
		return 0, 0, fmt.Errorf("%w: missing path in %s", ErrNotImageURL, raw)
	}
	start++
	n := strings.IndexByte(raw[start:], '/')
	if n <= 0 {
		return 0, 0, fmt.Errorf("%w: missing resolution segment in %s", ErrNotImageURL, raw)
	}
	return start, start + n, nil
}

// LevelOf extracts the resolution encoded in raw.
func LevelOf(raw string) (resolution.Level, error) {
	start, end, err := segmentBounds(raw)
	if err != nil {
		return 0, err
	}
	lvl, err := resolution.Parse(raw[start:end])
	if err != nil {
		return 0, fmt.Errorf("level of %s: %w", raw, err)
	}
	return lvl, nil
}

// WithLevel rewrites raw so that it requests the given resolution.
func WithLevel(raw string, lvl resolution.Level) (string, error) {
	if !lvl.Valid() {
		return "", fmt.Errorf("rewrite %s: %w", raw, resolution.ErrUnknownLevel)
	}
	start, end, err := segmentBounds(raw)
	if err != nil {
		return "", err
	}
	return raw[:start] + lvl.String() + raw[end:], nil
}

// ExtensionForContentType maps a Content-Type header value to an image
// extension. It returns "" for anything that is not a recognized image type.
func ExtensionForContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return contentTypes[strings.ToLower(mediaType)]
}

// CleanKey rejects keys that would escape a category directory.
func CleanKey(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return path.Clean(key), nil
}
