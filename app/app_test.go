package app

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/searchktools/tinyhttpd/config"
)

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	for name, body := range map[string]string{
		"index.html":   "home",
		"welcome.html": "welcome",
		"error.html":   "error",
	} {
		p := filepath.Join(root, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		os.Chmod(p, 0o644)
	}
	return &config.Config{
		Port:      0,
		TrigMode:  3,
		TimeoutMS: 5000,
		Workers:   2,
		MaxConns:  16,
		Root:      root,
		LogLevel:  "error",
		LogDir:    t.TempDir(),
		LogQueue:  64,
		OpenLog:   true,
	}
}

// fetch sends one request on a fresh connection and returns the body
func fetch(t *testing.T, addr, raw string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	_, body, _ := strings.Cut(string(data), "\r\n\r\n")
	return body
}

func form(path, user, pass string) string {
	body := "username=" + user + "&password=" + pass
	return "POST " + path + " HTTP/1.1\r\n" +
		"Content-Type: application/x-www-form-urlencoded\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
}

func TestAppRegisterAndLogin(t *testing.T) {
	a, err := New(newConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	addr := a.Engine().Addr()

	if body := fetch(t, addr, "GET / HTTP/1.1\r\n\r\n"); body != "home" {
		t.Errorf("Expected index page, got %q", body)
	}
	if body := fetch(t, addr, form("/register", "carol", "pw")); body != "welcome" {
		t.Errorf("Expected registration to succeed, got %q", body)
	}
	if body := fetch(t, addr, form("/register", "carol", "other")); body != "error" {
		t.Errorf("Expected duplicate registration to fail, got %q", body)
	}
	if body := fetch(t, addr, form("/login", "carol", "pw")); body != "welcome" {
		t.Errorf("Expected login to succeed, got %q", body)
	}
	if body := fetch(t, addr, form("/login", "carol", "nope")); body != "error" {
		t.Errorf("Expected bad password to fail, got %q", body)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := newConfig(t)
	cfg.TrigMode = 9
	if _, err := New(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestMetricsRoutes(t *testing.T) {
	cfg := newConfig(t)
	cfg.MetricsAddr = "127.0.0.1:0"
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	h := a.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "live_conns") {
		t.Errorf("Unexpected /stats response %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tinyhttpd_conn_active") {
		t.Errorf("Unexpected /metrics response %d", rec.Code)
	}

	a.monitor.RecordRequest("/404.html", 404, time.Millisecond)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/paths", nil))
	body := rec.Body.String()
	if rec.Code != http.StatusOK || !strings.Contains(body, `"path": "/404.html"`) || !strings.Contains(body, `"bottlenecks"`) {
		t.Errorf("Unexpected /stats/paths response %d %q", rec.Code, body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for POST /metrics, got %d", rec.Code)
	}
}

func TestCloseWithoutRunReleasesEngine(t *testing.T) {
	a, err := New(newConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e := a.Engine()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-e.Done():
	default:
		t.Fatal("Expected the engine to be torn down by Close")
	}

	ln, err := net.Listen("tcp", e.Addr())
	if err != nil {
		t.Fatalf("Expected the server port to be free after Close: %v", err)
	}
	ln.Close()
}
