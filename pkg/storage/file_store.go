package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// FileStore is a filesystem ObjectStore for development and tests. URLs
// it "presigns" are plain paths under baseURL served by the external
// static file server.
type FileStore struct {
	basePath string
	baseURL  string
}

// NewFileStore creates the base directory if missing.
func NewFileStore(basePath, baseURL string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{basePath: basePath, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put writes an object under the base directory.
func (f *FileStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_ = size
	_ = contentType
	target, err := f.targetPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create object: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	return nil
}

// PresignGet returns the public URL for the key. Expiry is advisory
// here; filesystem objects carry no signature.
func (f *FileStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	_ = expiry
	key = cleanKey(key)
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	return f.baseURL + "/" + key, nil
}

// Delete removes an object; missing objects are not an error.
func (f *FileStore) Delete(ctx context.Context, key string) error {
	target, err := f.targetPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (f *FileStore) targetPath(key string) (string, error) {
	key = cleanKey(key)
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	return filepath.Join(f.basePath, filepath.FromSlash(key)), nil
}

// cleanKey normalizes a key and strips traversal segments.
func cleanKey(key string) string {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	cleaned := path.Clean(key)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return ""
	}
	return cleaned
}
