package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vaultdrop/vaultdrop/links"
	"github.com/vaultdrop/vaultdrop/models"
	"github.com/vaultdrop/vaultdrop/utils"
)

// LinkController exposes issuance, redemption, metadata and deletion over
// HTTP. All redemption rules live in the engine; this layer only translates
// between HTTP and the engine's outcome taxonomy.
type LinkController struct {
	issuer  *links.Issuer
	engine  *links.Engine
	baseURL string
}

// NewLinkController creates a new LinkController instance.
func NewLinkController(issuer *links.Issuer, engine *links.Engine, baseURL string) *LinkController {
	return &LinkController{issuer: issuer, engine: engine, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Issue accepts a multipart upload plus link constraints and returns the
// shareable token.
func (l *LinkController) Issue(ctx *gin.Context) {
	file, header, err := ctx.Request.FormFile("file")
	if err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40010, "no file uploaded")
		return
	}
	defer file.Close()

	cfg, ok := parseLinkConfig(ctx)
	if !ok {
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	rec, err := l.issuer.Issue(ctx, file, header.Filename, mimeType, cfg)
	if err != nil {
		switch {
		case errors.Is(err, links.ErrInvalidConfig):
			utils.Error(ctx, http.StatusBadRequest, 40012, err.Error())
		case errors.Is(err, links.ErrFileTooLarge):
			utils.Error(ctx, http.StatusBadRequest, 40013, err.Error())
		default:
			utils.Error(ctx, http.StatusInternalServerError, 50010, "failed to issue link")
		}
		return
	}

	utils.Success(ctx, gin.H{
		"token":         rec.Token,
		"download_url":  l.baseURL + "/d/" + rec.Token,
		"file_name":     rec.FileName,
		"file_size":     rec.FileSize,
		"expires_at":    rec.ExpiresAt(),
		"max_downloads": rec.Config.MaxDownloads,
	})
}

// Redeem exchanges a token for the file bytes: a redirect to a signed URL
// when the blob store supports it, a direct stream otherwise. Denials come
// back as structured JSON with a distinguishing code, never a redirect home.
func (l *LinkController) Redeem(ctx *gin.Context) {
	token := ctx.Param("token")

	grant, err := l.engine.Redeem(ctx, token, ctx.ClientIP())
	if err != nil {
		writeDenial(ctx, err)
		return
	}
	rec := grant.Record

	if url, ok, err := grant.SignedURL(ctx); err == nil && ok {
		ctx.Redirect(http.StatusFound, url)
		return
	} else if err != nil && utils.Sugar != nil {
		// Slot is already consumed; fall through and stream directly rather
		// than failing the redemption.
		utils.Sugar.Warnf("signed URL failed for token %s, streaming instead: %v", token, err)
	}

	rc, err := grant.Open(ctx)
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50001, "temporary backend failure, retry later")
		return
	}
	defer rc.Close()

	extra := map[string]string{
		"Content-Disposition": `attachment; filename="` + rec.FileName + `"`,
	}
	ctx.DataFromReader(http.StatusOK, rec.FileSize, rec.MimeType, rc, extra)
}

// Info returns link metadata without consuming a download slot.
func (l *LinkController) Info(ctx *gin.Context) {
	rec, err := l.engine.Peek(ctx, ctx.Param("token"))
	if err != nil {
		writeDenial(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{
		"token":               rec.Token,
		"file_name":           rec.FileName,
		"file_size":           rec.FileSize,
		"mime_type":           rec.MimeType,
		"created_at":          rec.CreatedAt,
		"expires_at":          rec.ExpiresAt(),
		"remaining_downloads": rec.RemainingDownloads(),
	})
}

// Delete removes a link's blob and metadata together.
func (l *LinkController) Delete(ctx *gin.Context) {
	if err := l.engine.Delete(ctx, ctx.Param("token")); err != nil {
		writeDenial(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"deleted": true})
}

// writeDenial maps the engine's outcome taxonomy onto HTTP. Infrastructure
// errors are the only retryable class and the only 5xx.
func writeDenial(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, links.ErrNotFound):
		utils.Error(ctx, http.StatusNotFound, 40401, "link not found")
	case errors.Is(err, links.ErrExpired):
		utils.Error(ctx, http.StatusGone, 41001, "link expired")
	case errors.Is(err, links.ErrQuotaExceeded):
		utils.Error(ctx, http.StatusGone, 41002, "download quota exceeded")
	case errors.Is(err, links.ErrForbidden):
		utils.Error(ctx, http.StatusForbidden, 40301, "request origin not permitted")
	default:
		utils.Error(ctx, http.StatusInternalServerError, 50001, "temporary backend failure, retry later")
	}
}

// parseLinkConfig reads the constraint fields off the form. Reports its own
// 400 and returns ok=false on malformed numbers; zero values are left for the
// issuer's validation to reject with a precise message.
func parseLinkConfig(ctx *gin.Context) (models.LinkConfig, bool) {
	var cfg models.LinkConfig

	fields := []struct {
		name string
		dst  *int
	}{
		{"expiration_minutes", &cfg.ExpirationMinutes},
		{"max_downloads", &cfg.MaxDownloads},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(ctx.PostForm(f.name))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			utils.Error(ctx, http.StatusBadRequest, 40011, "invalid "+f.name)
			return cfg, false
		}
		*f.dst = v
	}

	if raw := strings.TrimSpace(ctx.PostForm("max_file_size")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			utils.Error(ctx, http.StatusBadRequest, 40011, "invalid max_file_size")
			return cfg, false
		}
		cfg.MaxFileSize = v
	}

	cfg.IPRestriction = strings.TrimSpace(ctx.PostForm("ip_restriction"))
	return cfg, true
}
