package uploads

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/formrelay/formrelay/internal/apperr"
)

func memFile(fieldID, name string, data []byte) UploadedFile {
	return UploadedFile{
		FieldID:  fieldID,
		Label:    strings.ToUpper(fieldID),
		Filename: name,
		Size:     int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestAcceptRejectsScriptDisguisedAsJPEG(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "quarantine")
	intake := NewIntake(dir, "")
	php := []byte("<?php echo shell_exec($_GET['cmd']); ?>\n")

	_, err := intake.Accept(context.Background(), []UploadedFile{memFile("photo", "avatar.php.jpg", php)}, DefaultPolicy())
	appErr, ok := apperr.As(err)
	if !ok || appErr.Kind != apperr.UploadRejected || appErr.Field != "photo" {
		t.Fatalf("expected upload rejection on photo, got %v", err)
	}
	if _, errStat := os.Stat(dir); !errors.Is(errStat, os.ErrNotExist) {
		t.Fatalf("nothing should be written for a rejected batch")
	}
}

func TestAcceptStoresRealPNG(t *testing.T) {
	dir := t.TempDir()
	intake := NewIntake(dir, "https://cdn.example.com/uploads/")

	stored, err := intake.Accept(context.Background(), []UploadedFile{memFile("photo", "My Photo!.png", pngBytes(t))}, DefaultPolicy())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored %d files", len(stored))
	}
	sf := stored[0]
	if !strings.HasPrefix(sf.Name, "My-Photo-") || !strings.HasSuffix(sf.Name, ".png") {
		t.Fatalf("unexpected name %q", sf.Name)
	}
	if sf.MIME != "image/png" || sf.URL != "https://cdn.example.com/uploads/"+sf.Name {
		t.Fatalf("unexpected stored file %+v", sf)
	}
	if _, errStat := os.Stat(sf.Path); errStat != nil {
		t.Fatalf("stored file missing: %v", errStat)
	}
	names := strings.Join(dirEntries(t, dir), ",")
	if !strings.Contains(names, ".htaccess") || !strings.Contains(names, "index.html") {
		t.Fatalf("guard files missing: %s", names)
	}
}

func TestAcceptIsAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	intake := NewIntake(dir, "")
	files := []UploadedFile{
		memFile("photo", "a.png", pngBytes(t)),
		memFile("cv", "cv.exe", []byte("MZ....")),
	}
	_, err := intake.Accept(context.Background(), files, DefaultPolicy())
	appErr, ok := apperr.As(err)
	if !ok || appErr.Field != "cv" {
		t.Fatalf("expected rejection naming cv, got %v", err)
	}
	if entries := dirEntries(t, dir); len(entries) != 0 {
		t.Fatalf("expected empty dir, got %v", entries)
	}
}

func TestAcceptSizeAndTransportErrors(t *testing.T) {
	intake := NewIntake(t.TempDir(), "")
	policy := DefaultPolicy()
	policy.MaxBytes = 10

	big := memFile("doc", "notes.txt", []byte("more than ten bytes of text"))
	if _, err := intake.Accept(context.Background(), []UploadedFile{big}, policy); apperr.KindOf(err) != apperr.UploadRejected {
		t.Fatalf("oversized file accepted: %v", err)
	}

	broken := memFile("doc", "notes.txt", []byte("hi"))
	broken.Err = errors.New("unexpected EOF")
	if _, err := intake.Accept(context.Background(), []UploadedFile{broken}, DefaultPolicy()); apperr.KindOf(err) != apperr.UploadRejected {
		t.Fatalf("broken transfer accepted: %v", err)
	}
}

func TestAcceptWithoutSniffTrustsExtension(t *testing.T) {
	intake := NewIntake(t.TempDir(), "")
	policy := DefaultPolicy()
	policy.Sniff = false
	stored, err := intake.Accept(context.Background(), []UploadedFile{memFile("doc", "scan.pdf", []byte("not really a pdf"))}, policy)
	if err != nil || len(stored) != 1 || stored[0].MIME != "application/pdf" {
		t.Fatalf("unexpected result %+v %v", stored, err)
	}
}
