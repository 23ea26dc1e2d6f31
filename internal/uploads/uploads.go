// Package uploads validates uploaded files and moves them into a quarantine directory.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/formrelay/formrelay/internal/apperr"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultMaxBytes is the per-file limit when the policy does not set one.
const DefaultMaxBytes int64 = 5 << 20

// DefaultAllowed maps the accepted extensions to their expected MIME type.
var DefaultAllowed = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"txt":  "text/plain",
}

// UploadPolicy limits what Accept takes.
type UploadPolicy struct {
	MaxBytes int64
	Allowed  map[string]string // extension (no dot, lower case) -> MIME
	Sniff    bool
}

// DefaultPolicy returns the default limits with sniffing enabled.
func DefaultPolicy() UploadPolicy {
	return UploadPolicy{MaxBytes: DefaultMaxBytes, Allowed: DefaultAllowed, Sniff: true}
}

// UploadedFile is one file as received from the client.
type UploadedFile struct {
	FieldID  string
	Label    string
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
	Err      error // Transport error reported while receiving the file.
}

// FromMultipart adapts a multipart header.
func FromMultipart(fieldID, label string, fh *multipart.FileHeader) UploadedFile {
	return UploadedFile{
		FieldID:  fieldID,
		Label:    label,
		Filename: fh.Filename,
		Size:     fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

// StoredFile describes a file moved into the quarantine directory.
type StoredFile struct {
	FieldID      string `json:"field_id"`
	OriginalName string `json:"original_name"`
	Name         string `json:"name"`
	Path         string `json:"path"`
	URL          string `json:"url,omitempty"`
	Size         int64  `json:"size"`
	MIME         string `json:"mime"`
}

// Intake stores accepted files under Dir.
type Intake struct {
	Dir     string
	BaseURL string
}

// NewIntake returns an intake writing into dir.
func NewIntake(dir, baseURL string) *Intake {
	return &Intake{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}
}

type checkedFile struct {
	file UploadedFile
	ext  string
	mime string
}

// Accept validates every file first and only then writes them. Any failure
// rejects the whole batch and leaves nothing behind.
func (in *Intake) Accept(ctx context.Context, files []UploadedFile, policy UploadPolicy) ([]StoredFile, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if policy.MaxBytes <= 0 {
		policy.MaxBytes = DefaultMaxBytes
	}
	if policy.Allowed == nil {
		policy.Allowed = DefaultAllowed
	}

	checked := make([]checkedFile, 0, len(files))
	for _, file := range files {
		c, errCheck := check(file, policy)
		if errCheck != nil {
			return nil, errCheck
		}
		checked = append(checked, c)
	}

	if errDir := in.ensureDir(); errDir != nil {
		return nil, errDir
	}
	stored := make([]StoredFile, 0, len(checked))
	for _, c := range checked {
		if errCtx := ctx.Err(); errCtx != nil {
			in.remove(stored)
			return nil, errCtx
		}
		sf, errWrite := in.write(c)
		if errWrite != nil {
			in.remove(stored)
			return nil, reject(c.file, "could not store file", errWrite)
		}
		stored = append(stored, sf)
	}
	return stored, nil
}

func check(file UploadedFile, policy UploadPolicy) (checkedFile, error) {
	if file.Err != nil {
		return checkedFile{}, reject(file, "upload failed", file.Err)
	}
	if file.Size <= 0 {
		return checkedFile{}, reject(file, "file is empty", nil)
	}
	if file.Size > policy.MaxBytes {
		return checkedFile{}, reject(file, fmt.Sprintf("file exceeds %d bytes", policy.MaxBytes), nil)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(file.Filename), "."))
	expected, ok := policy.Allowed[ext]
	if !ok {
		return checkedFile{}, reject(file, "file type not allowed", nil)
	}
	if !policy.Sniff {
		return checkedFile{file: file, ext: ext, mime: expected}, nil
	}
	if file.Open == nil {
		return checkedFile{}, reject(file, "file content unavailable", nil)
	}
	rc, errOpen := file.Open()
	if errOpen != nil {
		return checkedFile{}, reject(file, "file content unavailable", errOpen)
	}
	detected, errDetect := mimetype.DetectReader(rc)
	_ = rc.Close()
	if errDetect != nil {
		return checkedFile{}, reject(file, "file content unreadable", errDetect)
	}
	if !detected.Is(expected) {
		return checkedFile{}, reject(file, fmt.Sprintf("content %s does not match .%s", detected.String(), ext), nil)
	}
	return checkedFile{file: file, ext: ext, mime: expected}, nil
}

func reject(file UploadedFile, message string, cause error) error {
	label := file.Label
	if label == "" {
		label = file.FieldID
	}
	return &apperr.Error{
		Kind:    apperr.UploadRejected,
		Field:   file.FieldID,
		Label:   label,
		Message: fmt.Sprintf("%s: %s", file.Filename, message),
		Err:     cause,
	}
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// storedName keeps a readable base name and appends a random suffix.
func storedName(original, ext string) string {
	base := strings.TrimSuffix(filepath.Base(original), filepath.Ext(original))
	base = strings.Trim(unsafeNameChars.ReplaceAllString(base, "-"), "-")
	if len(base) > 64 {
		base = base[:64]
	}
	if base == "" {
		base = "upload"
	}
	return fmt.Sprintf("%s-%s.%s", base, strings.ReplaceAll(uuid.NewString(), "-", ""), ext)
}

func (in *Intake) write(c checkedFile) (StoredFile, error) {
	name := storedName(c.file.Filename, c.ext)
	path := filepath.Join(in.Dir, name)

	src, errOpen := c.file.Open()
	if errOpen != nil {
		return StoredFile{}, errOpen
	}
	defer src.Close()

	dst, errCreate := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if errCreate != nil {
		return StoredFile{}, errCreate
	}
	written, errCopy := io.Copy(dst, src)
	errClose := dst.Close()
	if errCopy == nil {
		errCopy = errClose
	}
	if errCopy != nil {
		_ = os.Remove(path)
		return StoredFile{}, errCopy
	}

	sf := StoredFile{
		FieldID:      c.file.FieldID,
		OriginalName: c.file.Filename,
		Name:         name,
		Path:         path,
		Size:         written,
		MIME:         c.mime,
	}
	if in.BaseURL != "" {
		sf.URL = in.BaseURL + "/" + name
	}
	return sf, nil
}

func (in *Intake) remove(stored []StoredFile) {
	for _, sf := range stored {
		if errRemove := os.Remove(sf.Path); errRemove != nil && !errors.Is(errRemove, os.ErrNotExist) {
			log.WithError(errRemove).Warnf("uploads: remove %s after failed batch", sf.Path)
		}
	}
}

// ensureDir creates the quarantine directory with deny-all guards.
func (in *Intake) ensureDir() error {
	if strings.TrimSpace(in.Dir) == "" {
		return errors.New("uploads: no upload directory configured")
	}
	if errMkdir := os.MkdirAll(in.Dir, 0o750); errMkdir != nil {
		return fmt.Errorf("uploads: create dir: %w", errMkdir)
	}
	guards := map[string]string{
		".htaccess":  "Require all denied\nDeny from all\n",
		"index.html": "",
	}
	for name, content := range guards {
		path := filepath.Join(in.Dir, name)
		if _, errStat := os.Stat(path); errStat == nil {
			continue
		}
		if errWrite := os.WriteFile(path, []byte(content), 0o640); errWrite != nil {
			return fmt.Errorf("uploads: write %s: %w", name, errWrite)
		}
	}
	return nil
}
