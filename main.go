package main

import (
	"context"
	"time"

	"github.com/vaultdrop/vaultdrop/config"
	"github.com/vaultdrop/vaultdrop/links"
	"github.com/vaultdrop/vaultdrop/models"
	"github.com/vaultdrop/vaultdrop/routes"
	"github.com/vaultdrop/vaultdrop/storage"
	"github.com/vaultdrop/vaultdrop/utils"
)

func main() {
	cfg := config.Load()

	// Initialize logger early
	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}

	db := config.InitDatabase(&models.FileRecord{})

	blobs, err := buildBlobStore(cfg)
	if err != nil {
		utils.Sugar.Fatalf("blob store init failed: %v", err)
	}

	var meta links.MetadataStore = links.NewGormStore(db)
	meta = links.NewCachedStore(meta)

	issuer := links.NewIssuer(meta, blobs, cfg.MaxUploadBytes)
	engine := links.NewEngine(meta, blobs, time.Duration(cfg.SignedURLTTLSeconds)*time.Second)

	r := routes.SetupRouter(issuer, engine)

	// Lazy reclamation of expired links the on-access path never sees
	links.StartSweeper(time.Duration(cfg.SweepIntervalSec)*time.Second, cfg.SweepBatchSize, meta, blobs)

	utils.Sugar.Infof("Starting server on port %s (graceful)", cfg.AppPort)
	if err := utils.GraceServer(":"+cfg.AppPort, r); err != nil {
		utils.Sugar.Fatalf("server stopped with error: %v", err)
	}
}

func buildBlobStore(cfg config.AppConfig) (storage.BlobStore, error) {
	switch cfg.BlobDriver {
	case "s3":
		return storage.NewS3Store(context.Background(), storage.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return storage.NewDiskStore(cfg.BlobDir)
	}
}
