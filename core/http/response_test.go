package http

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/searchktools/tinyhttpd/core/buffer"
)

// newRoot lays out a document root with the error pages and two content
// files, one of them unreadable by others.
func newRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]struct {
		body string
		mode os.FileMode
	}{
		"index.html":  {"hello", 0o644},
		"secret.html": {"classified", 0o600},
		"400.html":    {"bad request page", 0o644},
		"403.html":    {"forbidden page", 0o644},
		"404.html":    {"not found page", 0o644},
		"empty.txt":   {"", 0o644},
	}
	for name, f := range files {
		p := filepath.Join(root, name)
		if err := os.WriteFile(p, []byte(f.body), f.mode); err != nil {
			t.Fatal(err)
		}
		// WriteFile is subject to umask
		if err := os.Chmod(p, f.mode); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func build(t *testing.T, root, path string, keepAlive bool, code int) (*Response, string) {
	t.Helper()
	r := &Response{}
	t.Cleanup(r.Unmap)
	buf := buffer.New(buffer.InitialSize)
	r.Init(root, path, keepAlive, code)
	r.Build(buf)
	return r, buf.RetrieveAllString()
}

func TestResponseOK(t *testing.T) {
	root := newRoot(t)
	r, head := build(t, root, "/index.html", true, StatusOK)

	want := "HTTP/1.1 200 OK\r\n" +
		"Connection: keep-alive\r\n" +
		"Keep-Alive: max=6, timeout=120\r\n" +
		"Content-Type: text/html\r\n" +
		"Content-Length: 5\r\n\r\n"
	if head != want {
		t.Errorf("Header mismatch:\n got %q\nwant %q", head, want)
	}
	if string(r.File()) != "hello" {
		t.Errorf("Expected mapped body hello, got %q", r.File())
	}
}

func TestResponseNotFound(t *testing.T) {
	root := newRoot(t)
	r, head := build(t, root, "/missing.html", true, StatusOK)

	if r.Code() != StatusNotFound {
		t.Errorf("Expected 404, got %d", r.Code())
	}
	if !strings.HasPrefix(head, "HTTP/1.1 404 Not Found\r\n") {
		t.Errorf("Unexpected status line in %q", head)
	}
	if string(r.File()) != "not found page" {
		t.Errorf("Expected 404 page, got %q", r.File())
	}
}

func TestResponseDirectoryIsNotFound(t *testing.T) {
	root := newRoot(t)
	if err := os.Mkdir(filepath.Join(root, "dir"), 0o755); err != nil {
		t.Fatal(err)
	}
	r, _ := build(t, root, "/dir", false, StatusOK)
	if r.Code() != StatusNotFound {
		t.Errorf("Expected 404 for a directory, got %d", r.Code())
	}
}

func TestResponseForbidden(t *testing.T) {
	root := newRoot(t)
	r, head := build(t, root, "/secret.html", true, StatusOK)

	if r.Code() != StatusForbidden {
		t.Errorf("Expected 403, got %d", r.Code())
	}
	if !strings.HasPrefix(head, "HTTP/1.1 403 Forbidden\r\n") {
		t.Errorf("Unexpected status line in %q", head)
	}
	if string(r.File()) != "forbidden page" {
		t.Errorf("Expected 403 page, got %q", r.File())
	}
}

func TestResponseBadRequestCloses(t *testing.T) {
	root := newRoot(t)
	r, head := build(t, root, "", false, StatusBadRequest)

	if !strings.HasPrefix(head, "HTTP/1.1 400 Bad Request\r\nConnection: close\r\n") {
		t.Errorf("Unexpected header %q", head)
	}
	if string(r.File()) != "bad request page" {
		t.Errorf("Expected 400 page, got %q", r.File())
	}
}

func TestResponseInlineErrorBody(t *testing.T) {
	root := t.TempDir()
	r, head := build(t, root, "/nothing.html", false, StatusOK)

	if r.Code() != StatusNotFound {
		t.Fatalf("Expected 404, got %d", r.Code())
	}
	if r.File() != nil {
		t.Error("Expected no mapped file without error pages")
	}
	_, body, ok := strings.Cut(head, "\r\n\r\n")
	if !ok {
		t.Fatalf("No header terminator in %q", head)
	}
	if !strings.Contains(body, "404 : Not Found") || !strings.Contains(body, "File NotFound!") {
		t.Errorf("Unexpected inline body %q", body)
	}
	if !strings.Contains(head, "Content-Length: "+strconv.Itoa(len(body))+"\r\n") {
		t.Errorf("Content-Length does not match inline body in %q", head)
	}
}

func TestResponseUnknownCodeCoerced(t *testing.T) {
	root := newRoot(t)
	r, head := build(t, root, "/index.html", false, 503)

	if r.Code() != StatusBadRequest {
		t.Errorf("Expected code coerced to 400, got %d", r.Code())
	}
	if !strings.HasPrefix(head, "HTTP/1.1 400 Bad Request\r\n") {
		t.Errorf("Unexpected status line in %q", head)
	}
}

func TestResponseEmptyFile(t *testing.T) {
	root := newRoot(t)
	r, head := build(t, root, "/empty.txt", false, StatusOK)

	if !strings.Contains(head, "Content-Type: text/plain\r\n") || !strings.HasSuffix(head, "Content-Length: 0\r\n\r\n") {
		t.Errorf("Unexpected header %q", head)
	}
	if len(r.File()) != 0 {
		t.Errorf("Expected empty body, got %d bytes", len(r.File()))
	}
}

func TestResponseInitReleasesMapping(t *testing.T) {
	root := newRoot(t)
	r, _ := build(t, root, "/index.html", false, StatusOK)
	if r.File() == nil {
		t.Fatal("Expected a mapping")
	}
	r.Init(root, "/index.html", false, StatusOK)
	if r.File() != nil {
		t.Error("Expected Init to release the previous mapping")
	}
}
