package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labwall/labwall/internal/config"
	"github.com/rs/zerolog"
)

func TestBufferKeepsNewestEntries(t *testing.T) {
	b := NewBuffer(2)
	for _, line := range []string{
		`{"level":"info","message":"one"}`,
		`{"level":"warn","message":"two","component":"manager"}`,
		`{"level":"error","message":"three"}`,
	} {
		if _, err := b.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	entries := b.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "two" || entries[1].Message != "three" {
		t.Fatalf("expected two,three got %s,%s", entries[0].Message, entries[1].Message)
	}
	if entries[0].Component != "manager" || entries[0].Level != "warn" {
		t.Fatalf("unexpected parsed fields %+v", entries[0])
	}
}

func TestBufferKeepsNonJSONLines(t *testing.T) {
	b := NewBuffer(4)
	_, _ = b.Write([]byte("plain text\n"))

	entries := b.Entries()
	if len(entries) != 1 || entries[0].Message != "plain text" || entries[0].Level != "info" {
		t.Fatalf("unexpected entry %+v", entries)
	}
}

func TestBufferRecentFiltersByLevel(t *testing.T) {
	b := NewBuffer(10)
	_, _ = b.Write([]byte(`{"level":"debug","message":"d"}`))
	_, _ = b.Write([]byte(`{"level":"warn","message":"w1"}`))
	_, _ = b.Write([]byte(`{"level":"error","message":"e"}`))
	_, _ = b.Write([]byte(`{"level":"warn","message":"w2"}`))

	got := b.Recent(2, zerolog.WarnLevel)
	if len(got) != 2 || got[0].Message != "e" || got[1].Message != "w2" {
		t.Fatalf("unexpected recent entries %+v", got)
	}

	b.Clear()
	if len(b.Entries()) != 0 {
		t.Fatal("expected empty buffer after Clear")
	}
}

func TestNewWritesToBufferAndFile(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	path := filepath.Join(t.TempDir(), "logs", "labwall.log")
	buf := NewBuffer(8)
	logger, closeFn, err := New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		File:   config.FileLogConfig{Enabled: true, Path: path, MaxSizeMB: 1},
	}, buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Debug().Msg("hidden")
	logger.Info().Str("component", "test").Msg("Alert added")
	if err := closeFn(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	entries := buf.Entries()
	if len(entries) != 1 || entries[0].Message != "Alert added" || entries[0].Component != "test" {
		t.Fatalf("unexpected buffered entries %+v", entries)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"Alert added"`) {
		t.Fatalf("expected message in log file, got %s", data)
	}
}

func TestSetLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	if err := SetLevel("warn"); err != nil {
		t.Fatalf("SetLevel failed: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn, got %s", zerolog.GlobalLevel())
	}
	if err := SetLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
