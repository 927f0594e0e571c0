// Package fs stores blobs as files under a base directory. Object keys map
// directly to relative paths, so sharded keys become nested directories.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tendant/simple-variants/pkg/simplevariants"
)

const (
	dirMode  = 0o755
	fileMode = 0o644
)

// Config options for the filesystem backend
type Config struct {
	BaseDir string
}

// Backend implements simplevariants.BlobStore on the local filesystem.
type Backend struct {
	root string
}

func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("fs: base directory is required")
	}
	root, err := filepath.Abs(config.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("fs: resolve %s: %w", config.BaseDir, err)
	}
	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, fmt.Errorf("fs: create %s: %w", root, err)
	}
	return &Backend{root: root}, nil
}

// resolve maps an object key into root, refusing keys that escape it.
func (b *Backend) resolve(objectKey string) (string, error) {
	p := filepath.Join(b.root, filepath.FromSlash(objectKey))
	if p == b.root || !strings.HasPrefix(p, b.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("fs: object key %q is outside the base directory", objectKey)
	}
	return p, nil
}

func wrap(op, objectKey string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("fs %s %s: %w", op, objectKey, simplevariants.ErrBlobNotFound)
	}
	return fmt.Errorf("fs %s %s: %w", op, objectKey, err)
}

func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*simplevariants.ObjectMeta, error) {
	p, err := b.resolve(objectKey)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, wrap("stat", objectKey, err)
	}
	return &simplevariants.ObjectMeta{
		Key:         objectKey,
		Size:        info.Size(),
		ContentType: contentType(p),
		UpdatedAt:   info.ModTime(),
	}, nil
}

// contentType trusts the key's extension and sniffs the first bytes when
// there is none.
func contentType(p string) string {
	if t := mime.TypeByExtension(filepath.Ext(p)); t != "" {
		return t
	}
	f, err := os.Open(p)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	return http.DetectContentType(head[:n])
}

// Upload writes to a temporary file beside the target and renames it into
// place, so readers never observe a partial object.
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	p, err := b.resolve(objectKey)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return wrap("mkdir", objectKey, err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return wrap("create", objectKey, err)
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return wrap("write", objectKey, err)
	}
	if err := os.Chmod(tmp.Name(), fileMode); err != nil {
		return wrap("chmod", objectKey, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return wrap("rename", objectKey, err)
	}
	return nil
}

// UploadWithParams ignores the MIME type; it is derived from the key on read.
func (b *Backend) UploadWithParams(ctx context.Context, reader io.Reader, params simplevariants.UploadParams) error {
	return b.Upload(ctx, params.ObjectKey, reader)
}

func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	p, err := b.resolve(objectKey)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, wrap("open", objectKey, err)
	}
	return f, nil
}

// Delete removes the file and any shard directories it leaves empty.
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	p, err := b.resolve(objectKey)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return wrap("remove", objectKey, err)
	}
	for dir := filepath.Dir(p); dir != b.root && strings.HasPrefix(dir, b.root); dir = filepath.Dir(dir) {
		// Remove fails on non-empty directories, which ends the walk.
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}
