package static

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveStaysUnderRoot(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/index.html", "/srv/www/index.html"},
		{"/a/../b.html", "/srv/www/b.html"},
		{"/../../etc/passwd", "/srv/www/etc/passwd"},
		{"", "/srv/www"},
	}

	for _, tt := range tests {
		if got := Resolve("/srv/www", tt.path); got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()

	ok := filepath.Join(dir, "ok.html")
	os.WriteFile(ok, []byte("ok"), 0o644)
	secret := filepath.Join(dir, "secret.html")
	os.WriteFile(secret, []byte("secret"), 0o600)

	if s, _ := Check(ok); s != StatusOK {
		t.Errorf("Expected StatusOK, got %v", s)
	}
	if s, _ := Check(secret); s != StatusForbidden {
		t.Errorf("Expected StatusForbidden, got %v", s)
	}
	if s, _ := Check(filepath.Join(dir, "missing.html")); s != StatusNotFound {
		t.Errorf("Expected StatusNotFound for missing file, got %v", s)
	}
	if s, _ := Check(dir); s != StatusNotFound {
		t.Errorf("Expected StatusNotFound for directory, got %v", s)
	}
}

func TestMap(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "page.html")
	os.WriteFile(name, []byte("<h1>hi</h1>"), 0o644)

	mf, err := Map(name)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if string(mf.Bytes()) != "<h1>hi</h1>" || mf.Len() != 11 {
		t.Errorf("Unexpected mapping %q len %d", mf.Bytes(), mf.Len())
	}

	if err := mf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if mf.Bytes() != nil {
		t.Error("Expected nil bytes after Close")
	}
	if err := mf.Close(); err != nil {
		t.Errorf("Second Close: %v", err)
	}
}

func TestMapEmptyFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "empty.txt")
	os.WriteFile(name, nil, 0o644)

	mf, err := Map(name)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if mf.Len() != 0 || mf.Bytes() != nil {
		t.Errorf("Expected empty unmapped file")
	}
	mf.Close()
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"/index.html":  "text/html",
		"/img/a.png":   "image/png",
		"/style.css":   "text/css",
		"/favicon.ico": "image/x-icon",
		"/README":      "text/plain",
		"/data.bin":    "text/plain",
	}
	for name, want := range tests {
		if got := ContentType(name); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
}
