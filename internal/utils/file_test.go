package utils

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestIsImageFile(t *testing.T) {
	tests := map[string]bool{
		"cover.JPG":   true,
		"cover.jpeg":  true,
		"scan.tif":    true,
		"a/b/c.webp":  true,
		"labels.json": false,
		"noext":       false,
	}
	for name, want := range tests {
		if got := IsImageFile(name); got != want {
			t.Errorf("IsImageFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestCropFilename(t *testing.T) {
	got := CropFilename("/photos/my: shot.HEIC", "/tmp/out", "_cover", "PNG")
	if want := filepath.Join("/tmp/out", "my_ shot_cover.png"); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if got := CropFilename("...", "out", "_cover", ""); got != filepath.Join("out", "photo_cover.jpg") {
		t.Errorf("Expected fallback name, got %q", got)
	}
}

func TestExpandInputs(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b.png"))
	touch(t, filepath.Join(dir, "a.jpg"))
	touch(t, filepath.Join(dir, "nested", "c.webp"))
	touch(t, filepath.Join(dir, "notes.txt"))

	single := filepath.Join(dir, "a.jpg")
	got, err := ExpandInputs([]string{single, dir, "missing.jpg"})
	if err != nil {
		t.Fatalf("ExpandInputs failed: %v", err)
	}

	want := []string{
		single,
		filepath.Join(dir, "b.png"),
		filepath.Join(dir, "nested", "c.webp"),
		"missing.jpg",
	}
	if !slices.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestFileAndDirExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.jpg")
	touch(t, file)

	if !FileExists(file) || FileExists(dir) || FileExists(filepath.Join(dir, "nope")) {
		t.Error("FileExists gave wrong answers")
	}
	if !DirExists(dir) || DirExists(file) || DirExists(filepath.Join(dir, "nope")) {
		t.Error("DirExists gave wrong answers")
	}

	sub := filepath.Join(dir, "x", "y")
	if err := EnsureDir(sub); err != nil || !DirExists(sub) {
		t.Errorf("EnsureDir failed: %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := SanitizeFilename(" a/b:c?. "); got != "a_b_c_" {
		t.Errorf("Unexpected %q", got)
	}
}

func TestFormatFileSize(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for size, want := range tests {
		if got := FormatFileSize(size); got != want {
			t.Errorf("FormatFileSize(%d) = %q, want %q", size, got, want)
		}
	}
}
