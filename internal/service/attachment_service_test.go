package service

import (
	"errors"
	"mime/multipart"
	"net/textproto"
	"os"
	"strings"
	"testing"
)

// uploadFile is an in-memory multipart.File. A broken one fails after
// handing out its first chunk.
type uploadFile struct {
	*strings.Reader
	broken bool
	sent   bool
}

func newUpload(body string, broken bool) *uploadFile {
	return &uploadFile{Reader: strings.NewReader(body), broken: broken}
}

func (f *uploadFile) Read(p []byte) (int, error) {
	if f.broken && f.sent {
		return 0, errors.New("connection reset")
	}
	f.sent = true
	return f.Reader.Read(p)
}

func (f *uploadFile) Close() error { return nil }

func pngHeader(size int64) *multipart.FileHeader {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "image/png")
	return &multipart.FileHeader{Filename: "a.png", Header: h, Size: size}
}

func uploadCount(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	return len(entries)
}

func TestAttachmentSaveRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	svc := NewAttachmentService(dir, 1024, "")

	_, err := svc.Save(newUpload("partial", true), pngHeader(100))
	if err == nil || errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("err = %v, want write error", err)
	}
	if n := uploadCount(t, dir); n != 0 {
		t.Fatalf("%d files left behind", n)
	}
}

func TestAttachmentSaveLimits(t *testing.T) {
	dir := t.TempDir()
	svc := NewAttachmentService(dir, 4, "https://cdn.example")

	if _, err := svc.Save(newUpload("12345", false), pngHeader(2)); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
	if n := uploadCount(t, dir); n != 0 {
		t.Fatalf("%d files left behind", n)
	}

	hdr := pngHeader(3)
	hdr.Header.Set("Content-Type", "text/html")
	if _, err := svc.Save(newUpload("abc", false), hdr); !errors.Is(err, ErrUnsupportedFileType) {
		t.Fatalf("err = %v, want ErrUnsupportedFileType", err)
	}

	att, err := svc.Save(newUpload("abc", false), pngHeader(3))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if att.Size != 3 || !strings.HasPrefix(att.URL, "https://cdn.example/uploads/") || !strings.HasSuffix(att.URL, ".png") {
		t.Fatalf("attachment = %+v", att)
	}
}
