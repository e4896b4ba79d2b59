// Package attachment validates and persists uploaded media files.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/kisan-chat/backend/internal/model/chat"
)

const (
	// MaxFiles is the number of attachments accepted per message.
	MaxFiles = 5
	// DefaultMaxSize is the per-file size cap.
	DefaultMaxSize = 10 << 20
	// URLPrefix is the path under which stored files are served.
	URLPrefix = "/uploads/"
)

var (
	ErrTooManyFiles    = errors.New("too many files")
	ErrUnsupportedType = errors.New("only images, audio, and video files are allowed")
	ErrTooLarge        = errors.New("file exceeds size limit")
)

// Upload is one received file part, not yet persisted.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// Storage persists uploads and returns their retrieval references.
type Storage interface {
	Save(ctx context.Context, baseURL string, uploads []Upload) ([]chat.Attachment, error)
}

// Prepare checks count, media kind and size of every upload, resolving the
// content type when the client did not send a usable one. Any violation
// rejects the whole batch.
func Prepare(uploads []Upload, maxSize int64) ([]Upload, error) {
	if len(uploads) > MaxFiles {
		return nil, fmt.Errorf("%w: %d files, at most %d allowed", ErrTooManyFiles, len(uploads), MaxFiles)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	prepared := make([]Upload, len(uploads))
	for i, u := range uploads {
		if u.Size > maxSize {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, u.Filename, u.Size)
		}
		u.ContentType = resolveType(u)
		if chat.KindOf(u.ContentType) == chat.KindUnknown {
			return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedType, u.Filename, u.ContentType)
		}
		prepared[i] = u
	}
	return prepared, nil
}

// resolveType trusts a declared type; the filename extension and content
// sniffing are only consulted when the client declared none.
func resolveType(u Upload) string {
	declared := strings.TrimSpace(u.ContentType)
	if declared != "" {
		mt, _, err := mime.ParseMediaType(declared)
		if err != nil {
			return declared
		}
		if mt != "application/octet-stream" {
			return mt
		}
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(u.Filename))); chat.KindOf(byExt) != chat.KindUnknown {
		mt, _, _ := mime.ParseMediaType(byExt)
		return mt
	}
	if u.Open == nil {
		return declared
	}
	rc, err := u.Open()
	if err != nil {
		return declared
	}
	defer rc.Close()
	head := make([]byte, 512)
	n, _ := io.ReadFull(rc, head)
	return http.DetectContentType(head[:n])
}

// DiskStorage writes uploads into a local directory served under URLPrefix.
type DiskStorage struct {
	dir string
	now func() time.Time
}

// NewDiskStorage ensures dir exists.
func NewDiskStorage(dir string) (*DiskStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory %s: %w", dir, err)
	}
	return &DiskStorage{dir: dir, now: time.Now}, nil
}

// Dir returns the directory files are written to.
func (s *DiskStorage) Dir() string {
	return s.dir
}

// Save writes every upload concurrently. On any failure the files already
// written for this batch are removed.
func (s *DiskStorage) Save(ctx context.Context, baseURL string, uploads []Upload) ([]chat.Attachment, error) {
	if len(uploads) == 0 {
		return []chat.Attachment{}, nil
	}

	names := make([]string, len(uploads))
	for i, u := range uploads {
		names[i] = s.storedName(u.Filename)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range uploads {
		g.Go(func() error {
			return s.write(gctx, filepath.Join(s.dir, names[i]), u)
		})
	}
	if err := g.Wait(); err != nil {
		for _, name := range names {
			_ = os.Remove(filepath.Join(s.dir, name))
		}
		return nil, err
	}

	base := strings.TrimRight(baseURL, "/")
	attachments := make([]chat.Attachment, len(uploads))
	for i, u := range uploads {
		attachments[i] = chat.Attachment{
			Filename: u.Filename,
			URL:      base + URLPrefix + names[i],
			Type:     u.ContentType,
		}
	}
	log.Printf("[upload] stored %d file(s) in %s", len(attachments), s.dir)
	return attachments, nil
}

func (s *DiskStorage) storedName(original string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(original)))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return fmt.Sprintf("files-%d-%s%s", s.now().UnixMilli(), suffix, ext)
}

func (s *DiskStorage) write(ctx context.Context, path string, u Upload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.Open == nil {
		return fmt.Errorf("upload %s has no content", u.Filename)
	}

	src, err := u.Open()
	if err != nil {
		return fmt.Errorf("open upload %s: %w", u.Filename, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return dst.Close()
}
