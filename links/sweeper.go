package links

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vaultdrop/vaultdrop/storage"
	"github.com/vaultdrop/vaultdrop/utils"
)

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vd_sweep_runs_total",
		Help: "Background expiry sweep runs.",
	})

	sweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vd_sweep_deleted_total",
		Help: "Expired links removed by the background sweep.",
	})
)

// StartSweeper launches a goroutine that periodically removes expired links
// the eager on-access reclamation never got to. Best-effort: failures are
// logged and retried on the next tick. Deletions are idempotent, so racing
// an on-access reclaim is harmless.
func StartSweeper(interval time.Duration, batchSize int, meta MetadataStore, blobs storage.BlobStore) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	go func() {
		for {
			// Sleep first to avoid racing immediately at startup
			time.Sleep(interval)
			sweepOnce(batchSize, meta, blobs)
		}
	}()
}

func sweepOnce(batchSize int, meta MetadataStore, blobs storage.BlobStore) {
	sweepRunsTotal.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	recs, err := meta.ListExpired(ctx, time.Now(), batchSize)
	if err != nil {
		if utils.Sugar != nil {
			utils.Sugar.Warnf("expiry sweep query failed: %v", err)
		}
		return
	}
	for _, rec := range recs {
		key := storage.Key(rec.Token, rec.FileName)
		if err := blobs.Delete(ctx, key); err != nil && utils.Sugar != nil {
			utils.Sugar.Warnf("sweep blob delete failed for %s: %v", key, err)
		}
		// Remove the row regardless of blob deletion outcome
		if err := meta.Delete(ctx, rec.Token); err != nil {
			if utils.Sugar != nil {
				utils.Sugar.Warnf("sweep metadata delete failed for token %s: %v", rec.Token, err)
			}
			continue
		}
		sweepDeletedTotal.Inc()
	}
}
