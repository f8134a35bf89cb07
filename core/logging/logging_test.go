package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	if l, err := ParseLevel(""); err != nil || l != zerolog.InfoLevel {
		t.Errorf("Expected info for empty level, got %v %v", l, err)
	}
	if l, err := ParseLevel("debug"); err != nil || l != zerolog.DebugLevel {
		t.Errorf("Expected debug, got %v %v", l, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestNewWriterFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriter(&buf, zerolog.WarnLevel)
	log := s.Logger()

	log.Info().Msg("hidden")
	log.Warn().Int("fd", 7).Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("Info line passed a warn-level logger")
	}
	if !strings.Contains(out, `"fd":7`) || !strings.Contains(out, "shown") {
		t.Errorf("Expected structured warn line, got %q", out)
	}
}

func TestAsyncFileSinkFlushesOnClose(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Level: "info", Dir: dir, QueueSize: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log := s.Logger()
	for i := 0; i < 10; i++ {
		log.Info().Int("n", i).Msg("client in")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "tinyhttpd.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if got := strings.Count(string(data), "client in"); got != 10 {
		t.Errorf("Expected 10 lines flushed, got %d", got)
	}
}
