package metafile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteAndReadMetafile(t *testing.T) {
	tempDir := t.TempDir()

	testContent := MetafileContent{
		Version:           "1.0.0",
		Source:            "/data/A",
		ClaimedUTC:        time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
		CompressionFormat: "zstd",
	}
	if err := Write(tempDir, &testContent); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	readContent, err := Read(tempDir)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if readContent.Source != testContent.Source {
		t.Errorf("expected source %q, got %q", testContent.Source, readContent.Source)
	}
	if !readContent.ClaimedUTC.Equal(testContent.ClaimedUTC) {
		t.Errorf("expected timestamp %v, got %v", testContent.ClaimedUTC, readContent.ClaimedUTC)
	}
	if readContent.CompressionFormat != "zstd" {
		t.Errorf("expected compression format zstd, got %q", readContent.CompressionFormat)
	}
}

func TestReadNonExistentMetafile(t *testing.T) {
	_, err := Read(t.TempDir())
	if !os.IsNotExist(err) {
		t.Errorf("expected os.IsNotExist error, got %v", err)
	}
}

func TestReadCorruptMetafile(t *testing.T) {
	tempDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tempDir, MetaFileName), []byte("{invalid json"), 0644); err != nil {
		t.Fatalf("failed to write corrupt metafile: %v", err)
	}

	_, err := Read(tempDir)
	if err == nil || !strings.Contains(err.Error(), "could not parse metafile") {
		t.Errorf("expected error about parsing metafile, got %v", err)
	}
}

func TestClaim(t *testing.T) {
	t.Run("Fresh target is claimed", func(t *testing.T) {
		dir := t.TempDir()
		if err := Claim(dir, MetafileContent{Version: "dev", Source: "/data/A"}); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		got, err := Read(dir)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if got.Source != "/data/A" || got.ClaimedUTC.IsZero() {
			t.Errorf("unexpected claim content: %+v", got)
		}
	})

	t.Run("Same source claims again", func(t *testing.T) {
		dir := t.TempDir()
		content := MetafileContent{Version: "dev", Source: "/data/A"}
		if err := Claim(dir, content); err != nil {
			t.Fatalf("first Claim failed: %v", err)
		}
		if err := Claim(dir, content); err != nil {
			t.Errorf("second Claim by same source failed: %v", err)
		}
	})

	t.Run("Different source is rejected", func(t *testing.T) {
		dir := t.TempDir()
		if err := Claim(dir, MetafileContent{Source: "/data/A"}); err != nil {
			t.Fatalf("first Claim failed: %v", err)
		}
		err := Claim(dir, MetafileContent{Source: "/data/B"})
		var claimed *ErrClaimedByOther
		if !errors.As(err, &claimed) {
			t.Fatalf("expected ErrClaimedByOther, got %v", err)
		}
		if claimed.Owner != "/data/A" {
			t.Errorf("expected owner /data/A, got %q", claimed.Owner)
		}
	})

	t.Run("Corrupt metafile is replaced", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, MetaFileName), []byte("{"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := Claim(dir, MetafileContent{Source: "/data/A"}); err != nil {
			t.Fatalf("Claim over corrupt metafile failed: %v", err)
		}
	})
}
