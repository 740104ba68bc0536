package transport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMedia(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1700000000000-flyer.png")
	png := []byte("\x89PNG\r\n\x1a\n0000")
	if err := os.WriteFile(path, png, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	media, err := LoadMedia(path)
	if err != nil {
		t.Fatalf("LoadMedia failed: %v", err)
	}
	if media.MimeType != "image/png" {
		t.Errorf("Expected image/png, got %q", media.MimeType)
	}
	if media.FileName != "1700000000000-flyer.png" {
		t.Errorf("Unexpected file name %q", media.FileName)
	}
	if len(media.Data) != len(png) {
		t.Errorf("Expected %d bytes, got %d", len(png), len(media.Data))
	}
}

func TestLoadMediaSniffsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes")
	if err := os.WriteFile(path, []byte("plain words"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	media, err := LoadMedia(path)
	if err != nil {
		t.Fatalf("LoadMedia failed: %v", err)
	}
	if !strings.HasPrefix(media.MimeType, "text/plain") {
		t.Errorf("Expected sniffed text/plain, got %q", media.MimeType)
	}
}

func TestLoadMediaMissingFile(t *testing.T) {
	if _, err := LoadMedia(filepath.Join(t.TempDir(), "missing.jpg")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}
