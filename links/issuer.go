package links

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/vaultdrop/vaultdrop/models"
	"github.com/vaultdrop/vaultdrop/storage"
	"github.com/vaultdrop/vaultdrop/utils"
)

// Issuer creates download links: token generation, blob write, metadata write,
// with compensation so a half-issued link is never reachable.
type Issuer struct {
	meta     MetadataStore
	blobs    storage.BlobStore
	maxBytes int64            // service-wide upload cap
	now      func() time.Time // injectable for tests
}

// NewIssuer wires the issuer to its stores. maxBytes caps every upload on top
// of the per-link MaxFileSize.
func NewIssuer(meta MetadataStore, blobs storage.BlobStore, maxBytes int64) *Issuer {
	return &Issuer{meta: meta, blobs: blobs, maxBytes: maxBytes, now: time.Now}
}

// Issue validates the config, stores the blob and metadata and returns the
// new record. On a metadata failure the already-written blob is removed
// before the error surfaces.
func (i *Issuer) Issue(ctx context.Context, r io.Reader, fileName, mimeType string, cfg models.LinkConfig) (*models.FileRecord, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	fileName = filepath.Base(fileName)
	if fileName == "" || fileName == "." || fileName == "/" {
		return nil, fmt.Errorf("%w: missing file name", ErrInvalidConfig)
	}

	token, err := NewToken()
	if err != nil {
		return nil, infraErr("token generation", err)
	}
	key := storage.Key(token, fileName)

	// Cap the stream at the smaller of the service and per-link limits. One
	// extra byte distinguishes "exactly at limit" from "over it".
	limit := i.maxBytes
	if cfg.MaxFileSize > 0 && cfg.MaxFileSize < limit {
		limit = cfg.MaxFileSize
	}
	size, err := i.blobs.Put(ctx, key, &io.LimitedReader{R: r, N: limit + 1})
	if err != nil {
		return nil, infraErr("blob write", err)
	}
	if size > limit {
		if delErr := i.blobs.Delete(ctx, key); delErr != nil && utils.Sugar != nil {
			utils.Sugar.Warnf("failed to remove oversized blob %s: %v", key, delErr)
		}
		return nil, fmt.Errorf("%w: %d bytes over %d byte limit", ErrFileTooLarge, size, limit)
	}

	rec := &models.FileRecord{
		Token:         token,
		FileName:      fileName,
		FileSize:      size,
		MimeType:      mimeType,
		Config:        cfg,
		DownloadCount: 0,
		CreatedAt:     i.now(),
	}
	if err := i.meta.Insert(ctx, rec); err != nil {
		// Compensate: partial state must never be left reachable.
		if delErr := i.blobs.Delete(ctx, key); delErr != nil && utils.Sugar != nil {
			utils.Sugar.Errorf("orphaned blob %s after metadata failure: %v", key, delErr)
		}
		return nil, infraErr("metadata write", err)
	}
	return rec, nil
}

func validateConfig(cfg models.LinkConfig) error {
	if cfg.ExpirationMinutes <= 0 {
		return fmt.Errorf("%w: expiration_minutes must be positive", ErrInvalidConfig)
	}
	if cfg.MaxDownloads <= 0 {
		return fmt.Errorf("%w: max_downloads must be positive", ErrInvalidConfig)
	}
	if cfg.MaxFileSize < 0 {
		return fmt.Errorf("%w: max_file_size must not be negative", ErrInvalidConfig)
	}
	if err := utils.ValidateIPRestriction(cfg.IPRestriction); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
