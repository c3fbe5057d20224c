package mediaserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"castplane/internal/castplane"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(context.Background(), logger, Config{
		PortRangeLow:   19000,
		PortRangeHigh:  19100,
		DrainTimeout:   time.Second,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}, "127.0.0.1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.listener.Close() })
	return s
}

func TestNormalizeTokenHandlesVariants(t *testing.T) {
	cases := []struct {
		in        string
		wantToken string
		wantSub   bool
	}{
		{"/abc123", "abc123", false},
		{"/abc123/", "abc123", false},
		{"//abc123", "abc123", false},
		{"/ABC123", "abc123", false},
		{"/abc123.srt", "abc123", true},
		{"/abc123/My_Movie.mp4", "abc123", false},
		{"/abc123/My_Movie.mp4.srt", "abc123", true},
		{"/ABC123/Other.mkv", "abc123", false},
	}
	for _, c := range cases {
		token, sub := normalizeToken(c.in)
		if token != c.wantToken || sub != c.wantSub {
			t.Errorf("normalizeToken(%q) = (%q, %v), want (%q, %v)", c.in, token, sub, c.wantToken, c.wantSub)
		}
	}
}

func TestHandleUnknownTokenIs404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPublishAndServeFullFile(t *testing.T) {
	s := newTestServer(t)

	f, err := os.CreateTemp(t.TempDir(), "video-*.mp4")
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("fake-mp4-bytes-0123456789")
	if _, err := f.Write(content); err != nil {
		t.Fatal(err)
	}
	f.Close()

	url, token, err := s.Publish(castplane.VideoSnapshot{
		ID:   "vid-1",
		Path: f.Name(),
		Size: int64(len(content)),
		MIME: "video/mp4",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if url == "" || token == "" {
		t.Fatal("expected non-empty url and token")
	}

	req := httptest.NewRequest(http.MethodGet, "/"+token, nil)
	rec := httptest.NewRecorder()
	s.handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != string(content) {
		t.Fatalf("body = %q, want %q", rec.Body.String(), content)
	}
	if rec.Header().Get("contentFeatures.dlna.org") == "" {
		t.Error("expected contentFeatures.dlna.org header to be set")
	}
	if rec.Header().Get("transferMode.dlna.org") != "Streaming" {
		t.Errorf("transferMode.dlna.org = %q", rec.Header().Get("transferMode.dlna.org"))
	}

	sessions := s.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].BytesServed != int64(len(content)) {
		t.Errorf("BytesServed = %d, want %d", sessions[0].BytesServed, len(content))
	}
}

func TestPublishURLIncludesSanitizedFilenameAndRoutes(t *testing.T) {
	s := newTestServer(t)

	f, err := os.CreateTemp(t.TempDir(), "video-*.mp4")
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("fake-mp4-bytes")
	f.Write(content)
	f.Close()

	url, token, err := s.Publish(castplane.VideoSnapshot{ID: "vid-5", Path: f.Name(), MIME: "video/mp4"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	prefix := s.baseURL + "/" + token + "/"
	if len(url) <= len(prefix) || url[:len(prefix)] != prefix {
		t.Fatalf("Publish URL = %q, want prefix %q", url, prefix)
	}

	reqPath := url[len(s.baseURL):]
	req := httptest.NewRequest(http.MethodGet, reqPath, nil)
	rec := httptest.NewRecorder()
	s.handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for full published URL %q", rec.Code, reqPath)
	}
	if rec.Body.String() != string(content) {
		t.Fatalf("body = %q, want %q", rec.Body.String(), content)
	}
}

func TestPublishServesRangeRequest(t *testing.T) {
	s := newTestServer(t)

	f, err := os.CreateTemp(t.TempDir(), "video-*.mp4")
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("0123456789abcdef")
	f.Write(content)
	f.Close()

	_, token, err := s.Publish(castplane.VideoSnapshot{ID: "vid-2", Path: f.Name(), MIME: "video/mp4"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/"+token, nil)
	req.Header.Set("Range", "bytes=4-7")
	rec := httptest.NewRecorder()
	s.handle(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "4567" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "4567")
	}
}

func TestFileMissingAtRequestTimeReturns410(t *testing.T) {
	s := newTestServer(t)

	dir := t.TempDir()
	path := dir + "/gone.mp4"
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, token, err := s.Publish(castplane.VideoSnapshot{ID: "vid-3", Path: path, MIME: "video/mp4"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/"+token, nil)
	rec := httptest.NewRecorder()
	s.handle(rec, req)

	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", rec.Code)
	}
}

func TestUnpublishRemovesToken(t *testing.T) {
	s := newTestServer(t)
	path := t.TempDir() + "/v.mp4"
	os.WriteFile(path, []byte("x"), 0o644)

	_, token, err := s.Publish(castplane.VideoSnapshot{ID: "vid-4", Path: path})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	s.Unpublish(token)

	req := httptest.NewRequest(http.MethodGet, "/"+token, nil)
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 after unpublish", rec.Code)
	}
}
