package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"
)

var (
	ErrPoolNotFound        = errors.New("storage pool not found")
	ErrPoolInactive        = errors.New("storage pool is inactive")
	ErrWriteDisabled       = errors.New("storage pool does not accept writes")
	ErrDeleteDisabled      = errors.New("storage pool does not allow deletes")
	ErrQuotaExceeded       = errors.New("storage pool quota exceeded")
	ErrNotFound            = errors.New("object not found")
	ErrInvalidPath         = errors.New("invalid object path")
	ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")
	ErrUnsupportedPoolType = errors.New("unsupported storage pool type")
	ErrObjectStoreDisabled = errors.New("object storage is not configured")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size        int64
	ModTime     time.Time
	ContentType string
}

// Usage is the result of walking a pool.
type Usage struct {
	Files int64 `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Backend stores objects under pool-relative, slash-separated paths.
type Backend interface {
	Write(ctx context.Context, name string, data []byte) error
	// Open returns a reader over the object, limited to rng when non-nil.
	// rng must already be resolved against the object size.
	Open(ctx context.Context, name string, rng *ByteRange) (io.ReadCloser, error)
	Stat(ctx context.Context, name string) (ObjectInfo, error)
	Delete(ctx context.Context, name string) error
	Walk(ctx context.Context) (Usage, error)
}

// cleanName validates a pool-relative object name.
func cleanName(name string) (string, error) {
	if name == "" || path.IsAbs(name) || strings.Contains(name, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return cleaned, nil
}

var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".json": "application/json",
}

func contentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := audioTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
