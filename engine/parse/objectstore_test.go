package parse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestGCSToHTTPS(t *testing.T) {
	httpsURL, name, err := gcsToHTTPS("gs://my-bucket/deals/abc/file.pdf")
	if err != nil {
		t.Fatalf("gcsToHTTPS: %v", err)
	}
	if httpsURL != "https://storage.googleapis.com/my-bucket/deals/abc/file.pdf" {
		t.Errorf("got %q", httpsURL)
	}
	if name != "file.pdf" {
		t.Errorf("got base name %q", name)
	}
}

func TestGCSToHTTPS_RejectsNonGCSURL(t *testing.T) {
	if _, _, err := gcsToHTTPS("https://example.com/file.pdf"); err == nil {
		t.Fatal("expected error for non-gs:// URL")
	}
}

func TestGCSObjectStore_Download(t *testing.T) {
	const body = "file contents"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("expected bearer token, got %q", auth)
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	store := NewGCSObjectStore("test-token")
	// Redirect via a fake gs:// path is not possible without rewriting the
	// host, so exercise the HTTP leg directly against the test server.
	path, cleanup, err := store.downloadFrom(context.Background(), srv.URL, "test.txt")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer cleanup()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if strings.TrimSpace(string(data)) != body {
		t.Errorf("got %q, want %q", data, body)
	}
}
