package streamstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FilesystemBlobStore persists offloaded payloads as files under a root
// directory, keyed by (deviceID, seq) via the locator.
// No pack library targets bespoke small-object blob storage, so this
// stays on os/io directly rather than reaching for an object-storage
// SDK with no matching deployment target in this spec.
type FilesystemBlobStore struct {
	root string
}

func NewFilesystemBlobStore(root string) (*FilesystemBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("streamstore: create blob root: %w", err)
	}
	return &FilesystemBlobStore{root: root}, nil
}

func blobLocator(deviceID string, seq uint64) string {
	return fmt.Sprintf("%s/%016x.bin", deviceID, seq)
}

func (b *FilesystemBlobStore) path(locator string) string {
	return filepath.Join(b.root, filepath.FromSlash(locator))
}

func (b *FilesystemBlobStore) Put(ctx context.Context, locator string, data []byte) error {
	p := b.path(locator)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("streamstore: create blob dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("streamstore: write blob %s: %w", locator, err)
	}
	return nil
}

func (b *FilesystemBlobStore) Get(ctx context.Context, locator string) ([]byte, error) {
	data, err := os.ReadFile(b.path(locator))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("streamstore: read blob %s: %w", locator, err)
	}
	return data, nil
}

func (b *FilesystemBlobStore) Delete(ctx context.Context, locator string) error {
	if err := os.Remove(b.path(locator)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("streamstore: delete blob %s: %w", locator, err)
	}
	return nil
}

var _ BlobStore = (*FilesystemBlobStore)(nil)
