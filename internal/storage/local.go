package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

var (
	ErrNotFound = errors.New("storage: file not found")
	ErrTooLarge = errors.New("storage: file exceeds size limit")
	ErrBadKey   = errors.New("storage: invalid key")
)

// Object describes a stored file.
type Object struct {
	Path     string
	Size     int64
	Checksum string // hex BLAKE3-256 of the content
}

// Local stores files as flat entries under a root directory.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("storage: root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Write streams r into root/key, hashing as it goes. limit <= 0 disables the
// size check. A partially written file never becomes visible.
func (l *Local) Write(ctx context.Context, key string, r io.Reader, limit int64) (Object, error) {
	path, err := l.resolve(key)
	if err != nil {
		return Object{}, err
	}
	tmp, err := os.CreateTemp(l.root, ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("storage: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := blake3.New()
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(io.MultiWriter(tmp, hasher), &ctxReader{ctx: ctx, r: src})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Object{}, fmt.Errorf("storage: write: %w", err)
	}
	if limit > 0 && n > limit {
		return Object{}, ErrTooLarge
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Object{}, fmt.Errorf("storage: commit: %w", err)
	}
	return Object{Path: path, Size: n, Checksum: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// ReadFile returns the whole content at path, which must live under root.
func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := l.contains(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read: %w", err)
	}
	return data, nil
}

func (l *Local) Delete(ctx context.Context, path string) error {
	if err := l.contains(path); err != nil {
		return err
	}
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Digest returns the hex BLAKE3-256 of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (l *Local) resolve(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return "", ErrBadKey
	}
	return filepath.Join(l.root, key), nil
}

func (l *Local) contains(path string) error {
	rel, err := filepath.Rel(l.root, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return ErrBadKey
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
