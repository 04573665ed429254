package links

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vaultdrop/vaultdrop/models"
	"github.com/vaultdrop/vaultdrop/storage"
	"github.com/vaultdrop/vaultdrop/utils"
)

var (
	redemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vd_redemptions_total",
		Help: "Redemption attempts by terminal outcome.",
	}, []string{"outcome"})

	reclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vd_links_reclaimed_total",
		Help: "Expired links reclaimed on access.",
	})
)

// Engine is the single source of truth for redemption decisions. Every caller
// (API route, sweeper, explicit deletion) delegates here instead of re-deriving
// the rules.
//
// A redemption walks LOOKUP -> EXPIRY_CHECK -> IP_CHECK -> QUOTA_CHECK, where
// the quota check and the counter increment are one atomic ConsumeSlot call.
// Only a served redemption ever increments the counter, and exactly once.
type Engine struct {
	meta    MetadataStore
	blobs   storage.BlobStore
	signTTL time.Duration
	now     func() time.Time // injectable for tests
}

// NewEngine wires the engine to its stores. signTTL bounds the lifetime of
// presigned URLs handed out on successful redemption.
func NewEngine(meta MetadataStore, blobs storage.BlobStore, signTTL time.Duration) *Engine {
	return &Engine{meta: meta, blobs: blobs, signTTL: signTTL, now: time.Now}
}

// Grant is a successful redemption: the download slot is already consumed and
// will not be rolled back, even if the caller abandons the transfer.
type Grant struct {
	Record *models.FileRecord
	engine *Engine
}

// Open returns a stream over the file bytes. The caller must close it.
func (g *Grant) Open(ctx context.Context) (io.ReadCloser, error) {
	key := storage.Key(g.Record.Token, g.Record.FileName)
	rc, err := g.engine.blobs.Open(ctx, key)
	if err != nil {
		return nil, infraErr("blob read", err)
	}
	return rc, nil
}

// SignedURL returns a short-lived direct URL for the blob when the underlying
// store supports signing; ok is false otherwise and the caller should stream.
func (g *Grant) SignedURL(ctx context.Context) (url string, ok bool, err error) {
	signer, can := g.engine.blobs.(storage.URLSigner)
	if !can {
		return "", false, nil
	}
	key := storage.Key(g.Record.Token, g.Record.FileName)
	url, err = signer.SignedURL(ctx, key, g.engine.signTTL)
	if err != nil {
		return "", false, infraErr("url signing", err)
	}
	return url, true, nil
}

// Redeem validates and authorizes a single download attempt. On success the
// returned Grant's counter slot is consumed; on failure the error is one of
// the denial sentinels or an *InfraError.
func (e *Engine) Redeem(ctx context.Context, token, clientIP string) (*Grant, error) {
	rec, err := e.lookup(ctx, token)
	if err != nil {
		return nil, err
	}

	if rec.Expired(e.now()) {
		e.reclaim(ctx, rec)
		redemptionsTotal.WithLabelValues("expired").Inc()
		return nil, ErrExpired
	}

	if !utils.IPMatches(rec.Config.IPRestriction, clientIP) {
		redemptionsTotal.WithLabelValues("forbidden").Inc()
		return nil, ErrForbidden
	}

	taken, err := e.meta.ConsumeSlot(ctx, token)
	if err != nil {
		redemptionsTotal.WithLabelValues("infra_error").Inc()
		return nil, infraErr("quota update", err)
	}
	if !taken {
		// Either the quota was already exhausted or we lost a race for the
		// last slot; both map to the same terminal denial.
		redemptionsTotal.WithLabelValues("quota_exceeded").Inc()
		return nil, ErrQuotaExceeded
	}

	rec.DownloadCount++ // reflect the consumed slot for the caller
	redemptionsTotal.WithLabelValues("served").Inc()
	return &Grant{Record: rec, engine: e}, nil
}

// Peek returns the record without consuming a download slot. Expiry is still
// enforced (and triggers reclamation) so a dead link never looks alive.
func (e *Engine) Peek(ctx context.Context, token string) (*models.FileRecord, error) {
	rec, err := e.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec.Expired(e.now()) {
		e.reclaim(ctx, rec)
		return nil, ErrExpired
	}
	return rec, nil
}

// Delete explicitly removes a link: blob and metadata together. Returns
// ErrNotFound when the token does not exist.
func (e *Engine) Delete(ctx context.Context, token string) error {
	rec, err := e.lookup(ctx, token)
	if err != nil {
		return err
	}
	e.reclaim(ctx, rec)
	return nil
}

func (e *Engine) lookup(ctx context.Context, token string) (*models.FileRecord, error) {
	rec, err := e.meta.Get(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			redemptionsTotal.WithLabelValues("not_found").Inc()
			return nil, ErrNotFound
		}
		redemptionsTotal.WithLabelValues("infra_error").Inc()
		return nil, infraErr("metadata lookup", err)
	}
	return rec, nil
}

// reclaim removes a record's blob and metadata. Blob deletion failure is
// reported and does not block the metadata delete: a dangling blob is better
// than a record pointing at nothing. Both deletes are idempotent, so
// concurrent reclaims of the same token are harmless.
func (e *Engine) reclaim(ctx context.Context, rec *models.FileRecord) {
	key := storage.Key(rec.Token, rec.FileName)
	if err := e.blobs.Delete(ctx, key); err != nil && utils.Sugar != nil {
		utils.Sugar.Warnf("blob delete failed for %s, leaving for later cleanup: %v", key, err)
	}
	if err := e.meta.Delete(ctx, rec.Token); err != nil {
		if utils.Sugar != nil {
			utils.Sugar.Errorf("metadata delete failed for token %s: %v", rec.Token, err)
		}
		return
	}
	reclaimedTotal.Inc()
}
