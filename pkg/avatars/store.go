// Package avatars stores profile images behind a single interface with
// filesystem and S3-compatible implementations.
package avatars

import (
	"context"
	"io"
)

// Store abstracts avatar object storage
type Store interface {
	// Save persists the image and returns its public reference.
	Save(ctx context.Context, userCode string, content io.Reader, contentType string) (string, error)

	// Delete removes a previously saved image. Callers treat failures as
	// best-effort: log and continue.
	Delete(ctx context.Context, ref string) error

	// Managed reports whether a reference points into this store. External
	// URLs (generated placeholder avatars, third-party images) are never
	// deleted.
	Managed(ref string) bool
}

// extensionFor maps a content type to a file extension.
func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
