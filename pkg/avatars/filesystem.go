package avatars

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FilesystemStore keeps avatars on local disk, served under baseURL.
type FilesystemStore struct {
	root    string
	baseURL string
}

// NewFilesystemStore creates the store, ensuring the root directory exists.
func NewFilesystemStore(root, baseURL string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create avatar directory: %w", err)
	}
	return &FilesystemStore{
		root:    root,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Save writes the image under a fresh name and returns its URL.
func (s *FilesystemStore) Save(ctx context.Context, userCode string, content io.Reader, contentType string) (string, error) {
	name := fmt.Sprintf("%s-%s%s", strings.ToLower(userCode), uuid.NewString(), extensionFor(contentType))

	f, err := os.Create(filepath.Join(s.root, name))
	if err != nil {
		return "", fmt.Errorf("failed to create avatar file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, content); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write avatar file: %w", err)
	}

	return s.baseURL + "/" + name, nil
}

// Delete removes the file behind a reference previously returned by Save.
func (s *FilesystemStore) Delete(ctx context.Context, ref string) error {
	if !s.Managed(ref) {
		return nil
	}
	// path.Base guards against traversal through a crafted reference.
	name := path.Base(ref)
	if err := os.Remove(filepath.Join(s.root, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete avatar file: %w", err)
	}
	return nil
}

// Managed reports whether ref was produced by this store.
func (s *FilesystemStore) Managed(ref string) bool {
	return strings.HasPrefix(ref, s.baseURL+"/")
}
