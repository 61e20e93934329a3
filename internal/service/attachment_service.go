package service

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Sentinel errors for attachment uploads.
var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileTooLarge        = errors.New("file too large")
)

// Allowed attachment MIME types.
var allowedMIMETypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// Attachment is a stored upload, referenced from an answer by URL.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// AttachmentService stores answer attachments on local disk.
type AttachmentService struct {
	dir      string
	maxBytes int64
	baseURL  string
}

// NewAttachmentService creates a new AttachmentService. baseURL may be empty,
// in which case returned URLs are relative.
func NewAttachmentService(dir string, maxBytes int64, baseURL string) *AttachmentService {
	return &AttachmentService{dir: dir, maxBytes: maxBytes, baseURL: strings.TrimRight(baseURL, "/")}
}

// Save writes an uploaded file under a random name.
func (s *AttachmentService) Save(file multipart.File, header *multipart.FileHeader) (*Attachment, error) {
	contentType := header.Header.Get("Content-Type")
	ext, ok := allowedMIMETypes[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s (allowed: %s)",
			ErrUnsupportedFileType, contentType, strings.Join(allowedTypes(), ", "))
	}
	if header.Size > s.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrFileTooLarge, header.Size, s.maxBytes)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	filename := uuid.NewString() + ext
	dst, err := os.Create(filepath.Join(s.dir, filename))
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	// Size in the header is client supplied; cap the copy as well.
	n, err := io.Copy(dst, io.LimitReader(file, s.maxBytes+1))
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = cerr
	}
	switch {
	case err != nil:
		_ = os.Remove(dst.Name())
		return nil, fmt.Errorf("write file: %w", err)
	case n > s.maxBytes:
		_ = os.Remove(dst.Name())
		return nil, fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, s.maxBytes)
	}

	return &Attachment{
		URL:         s.baseURL + "/uploads/" + filename,
		ContentType: contentType,
		Size:        n,
	}, nil
}

func allowedTypes() []string {
	types := make([]string, 0, len(allowedMIMETypes))
	for t := range allowedMIMETypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
