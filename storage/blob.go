// Package storage provides durable storage for raw file bytes, addressed by
// token + file name. Blobs are immutable after write: they are only ever read
// and eventually deleted, so concurrent reads need no coordination.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"time"
)

// ErrBlobNotFound is returned by Open when no blob exists under the key.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the minimal capability the link service needs from an object store.
// Delete is idempotent: removing a missing key is not an error.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// URLSigner is an optional BlobStore capability: producing a short-lived URL
// that grants direct read access to one blob.
type URLSigner interface {
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Key builds the blob key for a link: one namespace per token.
func Key(token, fileName string) string {
	return path.Join(token, fileName)
}
