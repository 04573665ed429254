package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vaultdrop/vaultdrop/links"
	"github.com/vaultdrop/vaultdrop/models"
	"github.com/vaultdrop/vaultdrop/storage"
)

type testApp struct {
	router *gin.Engine
	meta   *links.MemoryStore
	blobs  *storage.MemoryStore
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	meta := links.NewMemoryStore()
	blobs := storage.NewMemoryStore()
	issuer := links.NewIssuer(meta, blobs, 10*1024*1024)
	engine := links.NewEngine(meta, blobs, time.Hour)
	controller := NewLinkController(issuer, engine, "http://dl.example.com")

	r := gin.New()
	r.GET("/d/:token", controller.Redeem)
	r.POST("/api/v1/links", controller.Issue)
	r.GET("/api/v1/links/:token", controller.Info)
	r.DELETE("/api/v1/links/:token", controller.Delete)

	return &testApp{router: r, meta: meta, blobs: blobs}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a *testApp) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env envelope
	if ct := w.Header().Get("Content-Type"); bytes.Contains([]byte(ct), []byte("json")) {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("malformed envelope %q: %v", w.Body.String(), err)
		}
	}
	return w, env
}

func uploadRequest(t *testing.T, fields map[string]string, fileName string, payload []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		fw.Write(payload)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/links", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (a *testApp) issue(t *testing.T, fields map[string]string, payload []byte) string {
	t.Helper()
	w, env := a.do(t, uploadRequest(t, fields, "doc.txt", payload))
	if w.Code != http.StatusOK {
		t.Fatalf("issue failed: status=%d body=%s", w.Code, w.Body.String())
	}
	var data struct {
		Token       string `json:"token"`
		DownloadURL string `json:"download_url"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("issue data: %v", err)
	}
	if data.Token == "" {
		t.Fatal("issue returned empty token")
	}
	if want := "http://dl.example.com/d/" + data.Token; data.DownloadURL != want {
		t.Fatalf("download_url = %q, want %q", data.DownloadURL, want)
	}
	return data.Token
}

func TestIssueAndRedeemFlow(t *testing.T) {
	app := newTestApp(t)
	payload := []byte("top secret contents")
	token := app.issue(t, map[string]string{
		"expiration_minutes": "60",
		"max_downloads":      "2",
	}, payload)

	// First two downloads stream the original bytes.
	for i := 0; i < 2; i++ {
		w, _ := app.do(t, httptest.NewRequest(http.MethodGet, "/d/"+token, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("download %d: status=%d body=%s", i+1, w.Code, w.Body.String())
		}
		if !bytes.Equal(w.Body.Bytes(), payload) {
			t.Fatalf("download %d returned wrong bytes", i+1)
		}
		if cd := w.Header().Get("Content-Disposition"); cd != `attachment; filename="doc.txt"` {
			t.Fatalf("content disposition: %q", cd)
		}
	}

	// Third download is over quota: 410 with the quota code, not not-found.
	w, env := app.do(t, httptest.NewRequest(http.MethodGet, "/d/"+token, nil))
	if w.Code != http.StatusGone || env.Code != 41002 {
		t.Fatalf("over-quota: status=%d code=%d", w.Code, env.Code)
	}
}

func TestIssueValidation(t *testing.T) {
	app := newTestApp(t)

	cases := []struct {
		name     string
		fields   map[string]string
		fileName string
		status   int
		code     int
	}{
		{"missing file", map[string]string{"expiration_minutes": "60", "max_downloads": "1"}, "", http.StatusBadRequest, 40010},
		{"bad number", map[string]string{"expiration_minutes": "sixty", "max_downloads": "1"}, "doc.txt", http.StatusBadRequest, 40011},
		{"zero expiration", map[string]string{"expiration_minutes": "0", "max_downloads": "1"}, "doc.txt", http.StatusBadRequest, 40012},
		{"zero downloads", map[string]string{"expiration_minutes": "60", "max_downloads": "0"}, "doc.txt", http.StatusBadRequest, 40012},
		{"bad ip restriction", map[string]string{"expiration_minutes": "60", "max_downloads": "1", "ip_restriction": "999.9"}, "doc.txt", http.StatusBadRequest, 40012},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, env := app.do(t, uploadRequest(t, tc.fields, tc.fileName, []byte("x")))
			if w.Code != tc.status || env.Code != tc.code {
				t.Fatalf("status=%d code=%d, want %d/%d (body=%s)", w.Code, env.Code, tc.status, tc.code, w.Body.String())
			}
		})
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	app := newTestApp(t)
	w, env := app.do(t, httptest.NewRequest(http.MethodGet, "/d/deadbeefdeadbeefdeadbeefdeadbeef", nil))
	if w.Code != http.StatusNotFound || env.Code != 40401 {
		t.Fatalf("status=%d code=%d, want 404/40401", w.Code, env.Code)
	}
}

func TestRedeemExpiredLink(t *testing.T) {
	app := newTestApp(t)

	rec := &models.FileRecord{
		Token:     "expiredexpiredexpiredexpired0000",
		FileName:  "old.txt",
		FileSize:  3,
		MimeType:  "text/plain",
		Config:    models.LinkConfig{ExpirationMinutes: 1, MaxDownloads: 5},
		CreatedAt: time.Now().Add(-time.Hour),
	}
	ctx := context.Background()
	app.blobs.Put(ctx, storage.Key(rec.Token, rec.FileName), bytes.NewReader([]byte("old")))
	app.meta.Insert(ctx, rec)

	w, env := app.do(t, httptest.NewRequest(http.MethodGet, "/d/"+rec.Token, nil))
	if w.Code != http.StatusGone || env.Code != 41001 {
		t.Fatalf("expired: status=%d code=%d, want 410/41001", w.Code, env.Code)
	}

	// Reclaimed on access: the second attempt no longer finds the link.
	w, env = app.do(t, httptest.NewRequest(http.MethodGet, "/d/"+rec.Token, nil))
	if w.Code != http.StatusNotFound || env.Code != 40401 {
		t.Fatalf("after reclaim: status=%d code=%d, want 404/40401", w.Code, env.Code)
	}
}

func TestRedeemForbiddenIP(t *testing.T) {
	app := newTestApp(t)
	token := app.issue(t, map[string]string{
		"expiration_minutes": "60",
		"max_downloads":      "1",
		"ip_restriction":     "10.0.0.0/8",
	}, []byte("restricted"))

	// httptest requests come from 192.0.2.1, outside the allowed block.
	w, env := app.do(t, httptest.NewRequest(http.MethodGet, "/d/"+token, nil))
	if w.Code != http.StatusForbidden || env.Code != 40301 {
		t.Fatalf("status=%d code=%d, want 403/40301", w.Code, env.Code)
	}

	// The denial must not have consumed the quota.
	req := httptest.NewRequest(http.MethodGet, "/d/"+token, nil)
	req.RemoteAddr = "10.1.2.3:55555"
	w, _ = app.do(t, req)
	if w.Code != http.StatusOK {
		t.Fatalf("allowed IP got status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestInfoDoesNotConsume(t *testing.T) {
	app := newTestApp(t)
	token := app.issue(t, map[string]string{
		"expiration_minutes": "60",
		"max_downloads":      "1",
	}, []byte("abc"))

	for i := 0; i < 3; i++ {
		w, env := app.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/links/"+token, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("info %d: status=%d", i, w.Code)
		}
		var data struct {
			Remaining int `json:"remaining_downloads"`
		}
		json.Unmarshal(env.Data, &data)
		if data.Remaining != 1 {
			t.Fatalf("info %d: remaining=%d, want 1", i, data.Remaining)
		}
	}

	w, _ := app.do(t, httptest.NewRequest(http.MethodGet, "/d/"+token, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("download after peeks: status=%d", w.Code)
	}
}

func TestDeleteLink(t *testing.T) {
	app := newTestApp(t)
	token := app.issue(t, map[string]string{
		"expiration_minutes": "60",
		"max_downloads":      "3",
	}, []byte("bye"))

	w, _ := app.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/links/"+token, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("delete: status=%d", w.Code)
	}

	w, env := app.do(t, httptest.NewRequest(http.MethodGet, "/d/"+token, nil))
	if w.Code != http.StatusNotFound || env.Code != 40401 {
		t.Fatalf("after delete: status=%d code=%d", w.Code, env.Code)
	}

	w, env = app.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/links/"+token, nil))
	if w.Code != http.StatusNotFound || env.Code != 40401 {
		t.Fatalf("second delete: status=%d code=%d", w.Code, env.Code)
	}

	if keys := app.blobs.Keys(); len(keys) != 0 {
		t.Fatalf("blobs left after delete: %v", keys)
	}
}

func TestUploadTooLarge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	meta := links.NewMemoryStore()
	blobs := storage.NewMemoryStore()
	issuer := links.NewIssuer(meta, blobs, 8)
	engine := links.NewEngine(meta, blobs, time.Hour)
	controller := NewLinkController(issuer, engine, "http://dl.example.com")

	r := gin.New()
	r.POST("/api/v1/links", controller.Issue)
	app := &testApp{router: r, meta: meta, blobs: blobs}

	w, env := app.do(t, uploadRequest(t, map[string]string{
		"expiration_minutes": "60",
		"max_downloads":      "1",
	}, "big.bin", bytes.Repeat([]byte("x"), 64)))
	if w.Code != http.StatusBadRequest || env.Code != 40013 {
		t.Fatalf("oversize upload: status=%d code=%d, want 400/40013", w.Code, env.Code)
	}
	if keys := blobs.Keys(); len(keys) != 0 {
		t.Fatalf("oversize upload left blobs: %v", keys)
	}
}
