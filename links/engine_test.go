package links

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vaultdrop/vaultdrop/models"
	"github.com/vaultdrop/vaultdrop/storage"
)

func newTestRecord(token string, cfg models.LinkConfig, createdAt time.Time) *models.FileRecord {
	return &models.FileRecord{
		Token:     token,
		FileName:  "report.pdf",
		FileSize:  4,
		MimeType:  "application/pdf",
		Config:    cfg,
		CreatedAt: createdAt,
	}
}

func seed(t *testing.T, meta MetadataStore, blobs storage.BlobStore, rec *models.FileRecord, data []byte) {
	t.Helper()
	ctx := context.Background()
	if _, err := blobs.Put(ctx, storage.Key(rec.Token, rec.FileName), bytes.NewReader(data)); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	if err := meta.Insert(ctx, rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	engine := NewEngine(NewMemoryStore(), storage.NewMemoryStore(), time.Hour)

	_, err := engine.Redeem(context.Background(), "nope", "1.2.3.4")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedeemExpiredReclaims(t *testing.T) {
	meta := NewMemoryStore()
	blobs := storage.NewMemoryStore()
	engine := NewEngine(meta, blobs, time.Hour)

	cfg := models.LinkConfig{ExpirationMinutes: 60, MaxDownloads: 3}
	rec := newTestRecord("tok-expired", cfg, time.Now().Add(-2*time.Hour))
	seed(t, meta, blobs, rec, []byte("data"))

	ctx := context.Background()
	_, err := engine.Redeem(ctx, rec.Token, "1.2.3.4")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	// Record and blob are reclaimed; the token is dead from here on.
	if _, err := engine.Redeem(ctx, rec.Token, "1.2.3.4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after reclamation, got %v", err)
	}
	if ok, _ := blobs.Exists(ctx, storage.Key(rec.Token, rec.FileName)); ok {
		t.Fatal("blob should have been reclaimed")
	}
}

func TestRedeemQuotaExhausted(t *testing.T) {
	meta := NewMemoryStore()
	blobs := storage.NewMemoryStore()
	engine := NewEngine(meta, blobs, time.Hour)

	cfg := models.LinkConfig{ExpirationMinutes: 60, MaxDownloads: 2}
	rec := newTestRecord("tok-quota", cfg, time.Now())
	rec.DownloadCount = 2
	seed(t, meta, blobs, rec, []byte("data"))

	ctx := context.Background()
	_, err := engine.Redeem(ctx, rec.Token, "1.2.3.4")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	stored, err := meta.Get(ctx, rec.Token)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if stored.DownloadCount != 2 {
		t.Fatalf("count mutated on denial: got %d, want 2", stored.DownloadCount)
	}
}

func TestRedeemIPRestriction(t *testing.T) {
	meta := NewMemoryStore()
	blobs := storage.NewMemoryStore()
	engine := NewEngine(meta, blobs, time.Hour)

	cfg := models.LinkConfig{ExpirationMinutes: 60, MaxDownloads: 5, IPRestriction: "10.0.0.0/8"}
	rec := newTestRecord("tok-ip", cfg, time.Now())
	seed(t, meta, blobs, rec, []byte("data"))

	ctx := context.Background()
	if _, err := engine.Redeem(ctx, rec.Token, "192.168.1.1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	stored, _ := meta.Get(ctx, rec.Token)
	if stored.DownloadCount != 0 {
		t.Fatalf("count mutated on forbidden denial: got %d", stored.DownloadCount)
	}

	if _, err := engine.Redeem(ctx, rec.Token, "10.20.30.40"); err != nil {
		t.Fatalf("matching IP should be served, got %v", err)
	}
}

func TestRedeemConcurrentSingleSlot(t *testing.T) {
	meta := NewMemoryStore()
	blobs := storage.NewMemoryStore()
	engine := NewEngine(meta, blobs, time.Hour)

	cfg := models.LinkConfig{ExpirationMinutes: 60, MaxDownloads: 1}
	rec := newTestRecord("tok-race", cfg, time.Now())
	seed(t, meta, blobs, rec, []byte("data"))

	const attempts = 2
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = engine.Redeem(context.Background(), rec.Token, "1.2.3.4")
		}(i)
	}
	wg.Wait()

	served, denied := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			served++
		case errors.Is(err, ErrQuotaExceeded):
			denied++
		default:
			t.Fatalf("unexpected outcome: %v", err)
		}
	}
	if served != 1 || denied != 1 {
		t.Fatalf("want exactly one SERVE and one QUOTA_EXCEEDED, got served=%d denied=%d", served, denied)
	}

	stored, _ := meta.Get(context.Background(), rec.Token)
	if stored.DownloadCount != 1 {
		t.Fatalf("count must end at exactly 1, got %d", stored.DownloadCount)
	}
}

func TestRedeemConcurrentManySlots(t *testing.T) {
	meta := NewMemoryStore()
	blobs := storage.NewMemoryStore()
	engine := NewEngine(meta, blobs, time.Hour)

	cfg := models.LinkConfig{ExpirationMinutes: 60, MaxDownloads: 3}
	rec := newTestRecord("tok-race-n", cfg, time.Now())
	seed(t, meta, blobs, rec, []byte("data"))

	const attempts = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	served := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Redeem(context.Background(), rec.Token, "1.2.3.4"); err == nil {
				mu.Lock()
				served++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if served != 3 {
		t.Fatalf("want exactly 3 of %d attempts served, got %d", attempts, served)
	}
}

func TestIssueRedeemRoundTrip(t *testing.T) {
	meta := NewMemoryStore()
	blobs := storage.NewMemoryStore()
	issuer := NewIssuer(meta, blobs, 10*1024*1024)
	engine := NewEngine(meta, blobs, time.Hour)

	ctx := context.Background()
	payload := []byte("hello, secure world")
	cfg := models.LinkConfig{ExpirationMinutes: 60, MaxDownloads: 3}

	rec, err := issuer.Issue(ctx, bytes.NewReader(payload), "a.txt", "text/plain", cfg)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if rec.FileSize != int64(len(payload)) {
		t.Fatalf("size mismatch: got %d want %d", rec.FileSize, len(payload))
	}

	for i := 1; i <= 3; i++ {
		grant, err := engine.Redeem(ctx, rec.Token, "1.2.3.4")
		if err != nil {
			t.Fatalf("redemption %d: %v", i, err)
		}
		rc, err := grant.Open(ctx)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		got, _ := io.ReadAll(rc)
		rc.Close()
		if !bytes.Equal(got, payload) {
			t.Fatalf("redemption %d returned wrong bytes: %q", i, got)
		}
		if grant.Record.DownloadCount != i {
			t.Fatalf("redemption %d: count=%d", i, grant.Record.DownloadCount)
		}
	}

	if _, err := engine.Redeem(ctx, rec.Token, "1.2.3.4"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("fourth redemption: expected ErrQuotaExceeded, got %v", err)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	meta := NewMemoryStore()
	blobs := storage.NewMemoryStore()
	engine := NewEngine(meta, blobs, time.Hour)

	cfg := models.LinkConfig{ExpirationMinutes: 60, MaxDownloads: 1}
	rec := newTestRecord("tok-peek", cfg, time.Now())
	seed(t, meta, blobs, rec, []byte("data"))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := engine.Peek(ctx, rec.Token); err != nil {
			t.Fatalf("peek %d: %v", i, err)
		}
	}
	stored, _ := meta.Get(ctx, rec.Token)
	if stored.DownloadCount != 0 {
		t.Fatalf("peek consumed a slot: count=%d", stored.DownloadCount)
	}
}

func TestPeekExpiredReclaims(t *testing.T) {
	meta := NewMemoryStore()
	blobs := storage.NewMemoryStore()
	engine := NewEngine(meta, blobs, time.Hour)

	cfg := models.LinkConfig{ExpirationMinutes: 1, MaxDownloads: 1}
	rec := newTestRecord("tok-peek-exp", cfg, time.Now().Add(-time.Hour))
	seed(t, meta, blobs, rec, []byte("data"))

	ctx := context.Background()
	if _, err := engine.Peek(ctx, rec.Token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := engine.Peek(ctx, rec.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after reclamation, got %v", err)
	}
}

func TestDeleteRemovesBlobAndMetadata(t *testing.T) {
	meta := NewMemoryStore()
	blobs := storage.NewMemoryStore()
	engine := NewEngine(meta, blobs, time.Hour)

	cfg := models.LinkConfig{ExpirationMinutes: 60, MaxDownloads: 3}
	rec := newTestRecord("tok-del", cfg, time.Now())
	seed(t, meta, blobs, rec, []byte("data"))

	ctx := context.Background()
	if err := engine.Delete(ctx, rec.Token); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := engine.Redeem(ctx, rec.Token, "1.2.3.4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := blobs.Open(ctx, storage.Key(rec.Token, rec.FileName)); !errors.Is(err, storage.ErrBlobNotFound) {
		t.Fatalf("blob should be unreadable after delete, got %v", err)
	}

	// Deleting an already-deleted token reports not found.
	if err := engine.Delete(ctx, rec.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSweeperReclaimsExpired(t *testing.T) {
	meta := NewMemoryStore()
	blobs := storage.NewMemoryStore()

	live := newTestRecord("tok-live", models.LinkConfig{ExpirationMinutes: 60, MaxDownloads: 1}, time.Now())
	dead := newTestRecord("tok-dead", models.LinkConfig{ExpirationMinutes: 1, MaxDownloads: 1}, time.Now().Add(-time.Hour))
	seed(t, meta, blobs, live, []byte("live"))
	seed(t, meta, blobs, dead, []byte("dead"))

	sweepOnce(100, meta, blobs)

	ctx := context.Background()
	if _, err := meta.Get(ctx, dead.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record should be swept, got %v", err)
	}
	if ok, _ := blobs.Exists(ctx, storage.Key(dead.Token, dead.FileName)); ok {
		t.Fatal("expired blob should be swept")
	}
	if _, err := meta.Get(ctx, live.Token); err != nil {
		t.Fatalf("live record must survive the sweep: %v", err)
	}
}

func TestInfraErrorDistinctFromDenials(t *testing.T) {
	err := infraErr("metadata lookup", errors.New("connection refused"))
	if IsDenial(err) {
		t.Fatal("infrastructure errors must not be classified as denials")
	}
	var ie *InfraError
	if !errors.As(err, &ie) {
		t.Fatal("expected *InfraError")
	}
	if !strings.Contains(ie.Error(), "metadata lookup") {
		t.Fatalf("error should name the failing operation: %s", ie.Error())
	}
}
