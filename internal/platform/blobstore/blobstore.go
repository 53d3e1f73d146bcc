// Package blobstore persists generated image artifacts. It defines the
// BlobStore interface, a local directory implementation used by default, an
// in-memory implementation suitable for testing, and an Echo handler that
// serves stored thumbnails back by key.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrInvalidKey         = errors.New("blob key must be a plain file name")
)

// ---------------------------------------------------------------------------
// Validation constants
// ---------------------------------------------------------------------------

// MaxFileSize is the maximum allowed blob size in bytes (32 MB).
const MaxFileSize = 32 * 1024 * 1024

// AllowedContentTypes lists the artifact types the pipeline produces.
var AllowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	Location    string    `json:"location"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore defines the contract for artifact storage backends. Put
// overwrites an existing blob with the same key so reprocessing a file
// refreshes its thumbnail in place.
type BlobStore interface {
	Put(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error)
	GetMetadata(ctx context.Context, key string) (*BlobMetadata, error)
}

// ValidateKey rejects keys that would escape the store root.
func ValidateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Prepare validates meta and buffers content, filling Size, Hash and
// CreatedAt. Backends call it before writing.
func Prepare(meta *BlobMetadata, content io.Reader) ([]byte, error) {
	if err := ValidateKey(meta.Key); err != nil {
		return nil, err
	}
	if !AllowedContentTypes[meta.ContentType] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContentType, meta.ContentType)
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	sum := sha256.Sum256(data)
	meta.Size = int64(len(data))
	meta.Hash = hex.EncodeToString(sum[:])
	meta.CreatedAt = time.Now().UTC()
	return data, nil
}

// ---------------------------------------------------------------------------
// Local directory implementation
// ---------------------------------------------------------------------------

// LocalBlobStore writes blobs as files inside one directory, created on the
// first Put if it does not exist.
type LocalBlobStore struct {
	dir string
}

// NewLocalBlobStore returns a store rooted at dir.
func NewLocalBlobStore(dir string) *LocalBlobStore {
	return &LocalBlobStore{dir: dir}
}

// Dir returns the root directory.
func (s *LocalBlobStore) Dir() string { return s.dir }

func (s *LocalBlobStore) Put(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := Prepare(&meta, content)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(s.dir, meta.Key)
	tmp, err := os.CreateTemp(s.dir, "."+meta.Key+".*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write %s: %w", meta.Key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("close %s: %w", meta.Key, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("chmod %s: %w", meta.Key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("rename %s: %w", meta.Key, err)
	}
	meta.Location = path
	return &meta, nil
}

func (s *LocalBlobStore) Download(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	meta, err := s.GetMetadata(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(meta.Location)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, meta, nil
}

func (s *LocalBlobStore) GetMetadata(_ context.Context, key string) (*BlobMetadata, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, key)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &BlobMetadata{
		Key:         key,
		ContentType: contentTypeFor(key),
		Size:        info.Size(),
		Location:    path,
		CreatedAt:   info.ModTime().UTC(),
	}, nil
}

func contentTypeFor(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".jpeg", ".jpg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	}
	return "application/octet-stream"
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
	}
}

func (s *InMemoryBlobStore) Put(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := Prepare(&meta, content)
	if err != nil {
		return nil, err
	}
	meta.Location = "mem://" + meta.Key

	s.mu.Lock()
	s.blobs[meta.Key] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Download(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := b.metadata
	return io.NopCloser(bytes.NewReader(b.content)), &meta, nil
}

func (s *InMemoryBlobStore) GetMetadata(_ context.Context, key string) (*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	meta := b.metadata
	return &meta, nil
}

// Len returns the number of stored blobs.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// BlobHandler serves stored thumbnails over HTTP.
type BlobHandler struct {
	store BlobStore
}

// NewBlobHandler creates a new BlobHandler.
func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts thumbnail routes on the supplied Echo group.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/thumbnails/:key", h.handleDownload)
	g.GET("/thumbnails/:key/metadata", h.handleGetMetadata)
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	rc, meta, err := h.store.Download(c.Request().Context(), c.Param("key"))
	if err != nil {
		return blobError(err)
	}
	defer rc.Close()
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *BlobHandler) handleGetMetadata(c echo.Context) error {
	meta, err := h.store.GetMetadata(c.Request().Context(), c.Param("key"))
	if err != nil {
		return blobError(err)
	}
	return c.JSON(http.StatusOK, meta)
}

func blobError(err error) error {
	switch {
	case errors.Is(err, ErrBlobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "thumbnail not found")
	case errors.Is(err, ErrInvalidKey):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "thumbnail lookup failed")
}
